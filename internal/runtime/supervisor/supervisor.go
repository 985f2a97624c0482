// Package supervisor runs named goroutines under one cancelable context.
// Panics become errors, failed loops can be restarted with backoff, and the
// first failure is kept for the owner to report.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"courtbot/internal/task/retry"
	logx "courtbot/pkg/logx"
)

// healthyRun is how long a restarted goroutine must stay up before its
// backoff starts over.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	// failFast cancels ctx on the first error from Go.
	failFast bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	first error
	stats map[string]*Stats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError stops every goroutine once any Go call fails.
func WithCancelOnError(on bool) Option { return func(s *Supervisor) { s.failFast = on } }

// Stats aggregates every goroutine started under one name.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Started   int       `json:"started"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitzero"`
}

type Snapshot struct {
	FirstError string  `json:"first_error,omitempty"`
	Goroutines []Stats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.first != nil {
		snap.FirstError = s.first.Error()
	}
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	slices.SortFunc(snap.Goroutines, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Go runs fn once. Returning context.Canceled is a clean exit; any other
// error is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.attempt(name, false, fn); err != nil {
			s.fail(err)
			if s.failFast {
				s.cancel()
			}
		}
	}()
}

// GoLoop runs a function that only returns when ctx ends.
func (s *Supervisor) GoLoop(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type restartPolicy struct {
	backoff   retry.Policy
	limit     int
	reportAll bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff sets the first and the largest pause between restarts.
func WithRestartBackoff(first, most time.Duration) RestartOption {
	return func(p *restartPolicy) { p.backoff.Base, p.backoff.MaxDelay = first, most }
}

// WithMaxRestarts gives up after n restarts; the first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records failures in Err even though the goroutine is
// restarted.
func WithPublishFirstError(on bool) RestartOption { return func(p *restartPolicy) { p.reportAll = on } }

// GoRestart runs fn again after every error or panic, pausing with jittered
// exponential backoff. A nil return or cancellation ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := restartPolicy{backoff: retry.Policy{Base: 250 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2}}
	for _, opt := range opts {
		opt(&p)
	}
	p.backoff.MaxDelay = max(p.backoff.MaxDelay, p.backoff.Base)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		streak := 0
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.attempt(name, restarts > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.reportAll {
				s.fail(err)
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(began) >= healthyRun {
				streak = 0
			}
			streak++
			wait := retry.Delay(p.backoff, streak, nil, rng)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if retry.Sleep(s.ctx, wait) != nil {
				return
			}
		}
	}()
}

// attempt runs fn once with bookkeeping. Cancellation is not an error.
func (s *Supervisor) attempt(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	s.mu.Lock()
	st := s.stat(name)
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStart = time.Now()
	s.mu.Unlock()

	panicked := false
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
		}
		s.mu.Lock()
		st.Active--
		if panicked {
			st.Panics++
		}
		if err != nil {
			st.LastErr, st.LastErrAt = err.Error(), time.Now()
		}
		s.mu.Unlock()
	}()

	if err = fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// stat is called with s.mu held.
func (s *Supervisor) stat(name string) *Stats {
	st, ok := s.stats[name]
	if !ok {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.first == nil {
		s.first = err
	}
	s.mu.Unlock()
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned, or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
