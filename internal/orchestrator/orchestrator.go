package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/eventbus"
	"courtbot/internal/prefs"
	"courtbot/internal/task/scheduler"
	"courtbot/internal/telemetry"
	"courtbot/pkg/logx"
)

// Trigger names registered with the scheduler.
const (
	TriggerPrepare = "release.prepare"
	TriggerExecute = "release.execute"
	TriggerPoll    = "gapfill.poll"
)

// Modes held by the running guard.
const (
	ModePrepare = "prepare"
	ModeNoon    = "noon"
	ModePolling = "polling"
	ModeBoth    = "both"
)

var (
	ErrBusy        = errors.New("another run is in progress")
	ErrUnknownMode = errors.New("unknown mode")
)

type ReleaseRunner interface {
	Prepare(ctx context.Context) (int, error)
	Execute(ctx context.Context) []booking.Result
	PreparedCount() int
}

type GapRunner interface {
	Run(ctx context.Context, force bool) ([]booking.Result, error)
}

type Config struct {
	// Release is taken as given; the zero Clock is midnight.
	Release      prefs.Clock
	PrepareLead  time.Duration
	PollInterval time.Duration
	// Timeouts per trigger; zero keeps the defaults.
	PrepareTimeout time.Duration
	ExecuteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrepareLead <= 0 {
		c.PrepareLead = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Minute
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 10 * time.Minute
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 5 * time.Minute
	}
	return c
}

type Deps struct {
	Scheduler *scheduler.Service
	Release   ReleaseRunner
	GapFill   GapRunner
	Locks     booking.Locker
	Notifier  booking.Notifier
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

// Service owns the three triggers and the single running/mode guard shared by
// scheduled and manual runs.
type Service struct {
	cfg     Config
	sched   *scheduler.Service
	release ReleaseRunner
	gap     GapRunner
	locks   booking.Locker
	note    booking.Notifier
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	started time.Time

	mu       sync.Mutex
	running  bool
	mode     string
	prepDone chan struct{}
	lastRuns map[string]time.Time

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func New(cfg Config, d Deps) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		sched:    d.Scheduler,
		release:  d.Release,
		gap:      d.GapFill,
		locks:    d.Locks,
		note:     d.Notifier,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "orchestrator")),
		now:      d.Now,
		lastRuns: map[string]time.Time{},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	s.started = s.now()
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s
}

// CronSpecs returns the seconds-resolution cron specs for the prepare and
// execute triggers.
func (c Config) CronSpecs() (prepare, execute string) {
	c = c.withDefaults()
	rel := int(c.Release) * 60
	lead := int(c.PrepareLead / time.Second)
	at := ((rel-lead)%86400 + 86400) % 86400
	prepare = fmt.Sprintf("%d %d %d * * *", at%60, (at/60)%60, at/3600)
	execute = fmt.Sprintf("0 %d %d * * *", c.Release.Minute(), c.Release.Hour())
	return prepare, execute
}

// Start registers the triggers and starts the scheduler.
func (s *Service) Start(ctx context.Context) error {
	if s.sched == nil {
		return errors.New("orchestrator: no scheduler")
	}
	prep, exec := s.cfg.CronSpecs()
	if err := s.sched.Cron(TriggerPrepare, prep, s.cfg.PrepareTimeout, s.onPrepare); err != nil {
		return err
	}
	if err := s.sched.Cron(TriggerExecute, exec, s.cfg.ExecuteTimeout, s.onExecute); err != nil {
		return err
	}
	if err := s.sched.Every(TriggerPoll, s.cfg.PollInterval, s.cfg.PollInterval, s.onPoll); err != nil {
		return err
	}
	s.sched.Start(ctx)
	s.log.Info("triggers armed",
		logx.String("prepare", prep),
		logx.String("execute", exec),
		logx.Duration("poll", s.cfg.PollInterval),
	)
	return nil
}

// Stop halts the triggers and waits for background manual runs.
func (s *Service) Stop(ctx context.Context) {
	if s.sched != nil {
		s.sched.Stop(ctx)
	}
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop: manual runs still in flight")
	}
}

// begin claims the guard for mode. It reports false when another mode holds it.
func (s *Service) begin(mode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Info("trigger skipped; another run is active",
			logx.String("requested", mode),
			logx.String("active", s.mode),
		)
		telemetry.TriggersSkipped.WithLabelValues(mode).Inc()
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTriggerSkip, Data: map[string]string{"requested": mode, "active": s.mode}})
		return false
	}
	s.running = true
	s.mode = mode
	if mode == ModePrepare {
		s.prepDone = make(chan struct{})
	}
	return true
}

func (s *Service) end(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.mode = ""
	s.lastRuns[mode] = s.now()
	if mode == ModePrepare && s.prepDone != nil {
		close(s.prepDone)
		s.prepDone = nil
	}
}

// awaitPrepare blocks while a prepare phase is in flight so the execute
// trigger is not lost to its own preparation running long.
func (s *Service) awaitPrepare(ctx context.Context) {
	s.mu.Lock()
	ch := s.prepDone
	s.mu.Unlock()
	if ch == nil {
		return
	}
	s.log.Warn("prepare still running at release instant; waiting")
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (s *Service) onPrepare(ctx context.Context) error {
	if !s.begin(ModePrepare) {
		return nil
	}
	defer s.end(ModePrepare)
	return s.prepare(ctx)
}

func (s *Service) onExecute(ctx context.Context) error {
	s.awaitPrepare(ctx)
	if !s.begin(ModeNoon) {
		return nil
	}
	defer s.end(ModeNoon)
	s.execute(ctx)
	return nil
}

func (s *Service) onPoll(ctx context.Context) error {
	if !s.begin(ModePolling) {
		return nil
	}
	defer s.end(ModePolling)
	return s.poll(ctx, false)
}

func (s *Service) prepare(ctx context.Context) error {
	n, err := s.release.Prepare(ctx)
	if err != nil {
		s.fail(ctx, booking.ModeNoon, fmt.Errorf("prepare: %w", err))
		return err
	}
	s.log.Info("prepare complete", logx.Int("jobs", n))
	return nil
}

func (s *Service) execute(ctx context.Context) {
	results := s.release.Execute(ctx)
	s.log.Info("release complete", logx.Any("outcome", tally(results)))
}

func (s *Service) poll(ctx context.Context, force bool) error {
	results, err := s.gap.Run(ctx, force)
	if errors.Is(err, booking.ErrSuppressed) {
		return nil
	}
	if err != nil {
		s.fail(ctx, booking.ModePolling, err)
		return err
	}
	if len(results) > 0 {
		s.log.Info("gap-fill complete", logx.Any("outcome", tally(results)))
	}
	return nil
}

func (s *Service) fail(ctx context.Context, mode booking.Mode, err error) {
	s.log.Error("scheduled run failed", logx.String("mode", string(mode)), logx.Err(err))
	if s.note != nil {
		s.note.NotifySchedulerError(ctx, mode, err)
	}
}

// ParseMode normalizes a manual trigger mode.
func ParseMode(raw string) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(raw)); m {
	case ModeNoon, ModePolling, ModeBoth:
		return m, nil
	case "release":
		return ModeNoon, nil
	case "poll", "gapfill", "gap-fill":
		return ModePolling, nil
	default:
		return "", fmt.Errorf("%w %q (want noon, polling or both)", ErrUnknownMode, raw)
	}
}

// Trigger runs mode now and waits for it. Manual noon runs prepare first when
// nothing is prepared; manual polling ignores the release-window suppression.
func (s *Service) Trigger(ctx context.Context, raw string) error {
	mode, err := ParseMode(raw)
	if err != nil {
		return err
	}
	if !s.begin(mode) {
		return ErrBusy
	}
	defer s.end(mode)
	return s.runManual(ctx, mode)
}

// TriggerAsync claims the guard synchronously and runs mode in the background.
func (s *Service) TriggerAsync(raw string) error {
	mode, err := ParseMode(raw)
	if err != nil {
		return err
	}
	if !s.begin(mode) {
		return ErrBusy
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.end(mode)
		if err := s.runManual(s.bgCtx, mode); err != nil {
			s.log.Warn("manual run failed", logx.String("mode", mode), logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) runManual(ctx context.Context, mode string) error {
	s.log.Info("manual trigger", logx.String("mode", mode))
	var errs []error
	if mode == ModeNoon || mode == ModeBoth {
		if s.release.PreparedCount() == 0 {
			if err := s.prepare(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.execute(ctx)
		s.mark(ModeNoon)
	}
	if mode == ModePolling || mode == ModeBoth {
		if err := s.poll(ctx, true); err != nil {
			errs = append(errs, err)
		}
		s.mark(ModePolling)
	}
	return errors.Join(errs...)
}

func (s *Service) mark(mode string) {
	s.mu.Lock()
	s.lastRuns[mode] = s.now()
	s.mu.Unlock()
}

// State is a read-only snapshot for operators.
type State struct {
	Running      bool                 `json:"running"`
	Mode         string               `json:"mode,omitempty"`
	LastRuns     map[string]time.Time `json:"last_runs"`
	ActiveLocks  int                  `json:"active_locks"`
	Prepared     int                  `json:"prepared_jobs"`
	StartedAt    time.Time            `json:"started_at"`
	Uptime       string               `json:"uptime"`
	NextTriggers map[string]time.Time `json:"next_triggers,omitempty"`
}

func (s *Service) State() State {
	s.mu.Lock()
	st := State{
		Running:   s.running,
		Mode:      s.mode,
		LastRuns:  make(map[string]time.Time, len(s.lastRuns)),
		StartedAt: s.started,
		Uptime:    s.now().Sub(s.started).Truncate(time.Second).String(),
	}
	for k, v := range s.lastRuns {
		st.LastRuns[k] = v
	}
	s.mu.Unlock()

	if s.locks != nil {
		st.ActiveLocks = s.locks.Count()
		telemetry.ActiveLocks.Set(float64(st.ActiveLocks))
	}
	if s.release != nil {
		st.Prepared = s.release.PreparedCount()
	}
	if s.sched != nil {
		st.NextTriggers = map[string]time.Time{}
		for _, name := range []string{TriggerPrepare, TriggerExecute, TriggerPoll} {
			if t, ok := s.sched.NextRun(name); ok {
				st.NextTriggers[name] = t
			}
		}
	}
	return st
}

func tally(results []booking.Result) map[string]int {
	out := map[string]int{}
	for _, r := range results {
		out[string(r.Status)]++
	}
	return out
}
