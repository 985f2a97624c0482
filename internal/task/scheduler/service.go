package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"courtbot/internal/eventbus"
	logx "courtbot/pkg/logx"
)

const defaultHistory = 100

// specParser accepts 5 or 6 fields (leading seconds optional) and descriptors
// such as @every.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	mu       sync.Mutex
	cron     *cron.Cron
	triggers map[string]*trigger
	order    []string
	runCtx   context.Context
	cancel   context.CancelFunc

	// runs counts firings in progress so Stop can wait for them.
	runs sync.WaitGroup

	hmu     sync.Mutex
	history []Firing
}

// New resolves cfg.Timezone once. An unknown zone falls back to time.Local
// with a warning; callers that need a hard failure validate the zone first.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistory
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Service{
		log:      log,
		bus:      bus,
		cfg:      cfg,
		loc:      loc,
		triggers: map[string]*trigger{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Location is the zone every cron spec is evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

// Cron registers job under name, replacing an earlier trigger of that name.
// A trigger added while running is armed at once.
func (s *Service) Cron(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("scheduler: trigger name required")
	case job == nil:
		return fmt.Errorf("scheduler: trigger %s has no job", name)
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: trigger %s: bad spec %q: %w", name, spec, err)
	}
	t := &trigger{name: name, spec: spec, timeout: timeout, job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.triggers[name]; ok {
		if s.cron != nil {
			s.cron.Remove(old.entry)
		}
	} else {
		s.order = append(s.order, name)
	}
	s.triggers[name] = t
	if s.cron != nil {
		return s.armLocked(t)
	}
	return nil
}

// Every registers an interval trigger. The first firing comes one interval
// after Start.
func (s *Service) Every(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: trigger %s: interval must be positive", name)
	}
	return s.Cron(name, "@every "+every.String(), timeout, job)
}

// Start arms every registered trigger. It does nothing when disabled or
// already running.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithParser(specParser), cron.WithLocation(s.loc))
	for _, name := range s.order {
		if err := s.armLocked(s.triggers[name]); err != nil {
			s.log.Error("trigger not armed", logx.String("trigger", name), logx.Err(err))
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.order)))
}

// Stop disarms the triggers, cancels runs in progress and waits for them
// until ctx ends. Registrations survive, so Start may be called again.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stopped with runs still in progress")
	}
}

// NextRun reports when name fires next. Before Start it is computed from the
// spec relative to now.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[name]
	if !ok {
		return time.Time{}, false
	}
	if s.cron != nil && t.entry != 0 {
		return s.cron.Entry(t.entry).Next, true
	}
	sched, err := specParser.Parse(t.spec)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(time.Now().In(s.loc)), true
}

// LastRun returns the start of the most recent completed run of name.
func (s *Service) LastRun(name string) (time.Time, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Trigger == name {
			return s.history[i].Started, true
		}
	}
	return time.Time{}, false
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.cron != nil, Timezone: s.loc.String()}
	for _, name := range s.order {
		t := s.triggers[name]
		info := TriggerInfo{Name: name, Spec: t.spec, Timeout: t.timeout, Skipped: t.skips.Load()}
		if s.cron != nil && t.entry != 0 {
			e := s.cron.Entry(t.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Triggers = append(snap.Triggers, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = slices.Clone(s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) armLocked(t *trigger) error {
	ctx := s.runCtx
	id, err := s.cron.AddFunc(t.spec, func() { s.fire(ctx, t) })
	if err != nil {
		return err
	}
	t.entry = id
	return nil
}
