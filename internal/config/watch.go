package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"courtbot/internal/task/retry"
	logx "courtbot/pkg/logx"
)

// watchRestart paces re-creating a broken watcher.
var watchRestart = retry.Policy{Base: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.5}

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so editors that replace the file are seen.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0

	for {
		err := m.watchOnce(ctx, dir, name)
		if ctx.Err() != nil {
			return nil
		}
		failures++
		wait := retry.Delay(watchRestart, failures, nil, rng)
		m.log.Warn("config watcher down", logx.String("dir", dir), logx.Duration("retry_in", wait), logx.Err(err))
		if retry.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// watchOnce runs one fsnotify watcher until ctx ends or the watcher fails.
// Bursts of events collapse into a single reload after m.debounce.
func (m *Manager) watchOnce(ctx context.Context, dir, name string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("file", m.path))

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op != 0 {
				settle.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error stream closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				settle.Reset(m.debounce)
			case err != nil:
				return err
			}
		case <-settle.C:
			m.reload(ctx)
		}
	}
}
