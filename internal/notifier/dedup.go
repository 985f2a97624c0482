package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	logx "courtbot/pkg/logx"
)

const (
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
	dedupWriteBuffer   = 256
)

// dedupKey prefers the caller's key. Without one, identical content on the
// same channel counts as a repeat.
func dedupKey(m Message) string {
	if m.Key != "" {
		return m.Channel + "|" + m.Key
	}
	if m.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%s|%s", m.Channel, m.Priority, m.Title, m.Body)
	return fmt.Sprintf("%s|%x", m.Channel, h.Sum64())
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache remembers when each key may be sent again. With a store it also
// survives restarts: lookups fall through to the store and new windows are
// written behind asynchronously.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time

	store  DedupStore
	writes chan dedupWrite
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[string]time.Time{}, now: time.Now}
}

// allow reports whether key may be sent now and, if so, opens a new window.
func (d *dedupCache) allow(ctx context.Context, key string, window time.Duration, maxEntries int) bool {
	now := d.now()

	d.mu.Lock()
	if u, ok := d.until[key]; ok && now.Before(u) {
		d.mu.Unlock()
		return false
	}
	st := d.store
	d.mu.Unlock()

	if st != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		u, ok, err := st.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			d.mu.Lock()
			d.until[key] = u
			d.mu.Unlock()
			return false
		}
	}

	u := now.Add(window)
	d.mu.Lock()
	d.until[key] = u
	d.evictLocked(now, maxEntries)
	w := d.writes
	d.mu.Unlock()

	if w != nil {
		select {
		case w <- dedupWrite{key: key, until: u}:
		default:
		}
	}
	return true
}

// evictLocked drops expired windows, then the ones closing soonest until the
// cache fits maxEntries.
func (d *dedupCache) evictLocked(now time.Time, maxEntries int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for maxEntries > 0 && len(d.until) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range d.until {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(d.until, oldest)
	}
}

// setStore enables (st != nil) or disables cross-restart lookups.
func (d *dedupCache) setStore(st DedupStore) {
	d.mu.Lock()
	d.store = st
	d.mu.Unlock()
}

// startWrites opens the write-behind channel, or returns nil without a store.
func (d *dedupCache) startWrites() chan dedupWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return nil
	}
	d.writes = make(chan dedupWrite, dedupWriteBuffer)
	return d.writes
}

// stopWrites detaches the channel; the caller closes it.
func (d *dedupCache) stopWrites() {
	d.mu.Lock()
	d.writes = nil
	d.mu.Unlock()
}

func (d *dedupCache) writeLoop(ctx context.Context, ch <-chan dedupWrite, log logx.Logger) {
	d.mu.Lock()
	st := d.store
	d.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			if err := st.PutDedup(wctx, w.key, w.until); err != nil {
				log.Debug("dedup write failed", logx.Err(err))
			}
			cancel()
		}
	}
}
