package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"courtbot/internal/eventbus"
	logx "courtbot/pkg/logx"
)

// fire runs t in the background unless its previous run is still busy.
func (s *Service) fire(parent context.Context, t *trigger) {
	if !t.busy.CompareAndSwap(false, true) {
		// Only the first skip of a streak is logged.
		if t.skips.Add(1) == 1 {
			s.log.Info("trigger still busy, skipping", logx.String("trigger", t.name))
		}
		s.publish(EventSkipped, Firing{Trigger: t.name, Started: time.Now()})
		return
	}
	t.skips.Store(0)

	timeout := t.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer t.busy.Store(false)

		ctx := parent
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, timeout)
			defer cancel()
		}

		f := Firing{Trigger: t.name, Started: time.Now()}
		s.publish(EventStarted, f)
		err := s.call(ctx, t)
		f.Duration = time.Since(f.Started)
		if err != nil {
			f.Error = err.Error()
			s.log.Warn("trigger failed", logx.String("trigger", t.name), logx.Duration("took", f.Duration), logx.Err(err))
		} else {
			s.log.Debug("trigger done", logx.String("trigger", t.name), logx.Duration("took", f.Duration))
		}
		s.record(f)
		s.publish(EventFinished, f)
	}()
}

func (s *Service) call(ctx context.Context, t *trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("trigger panicked", logx.String("trigger", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.job(ctx)
}

func (s *Service) record(f Firing) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, f)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) publish(typ string, f Firing) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: f})
}
