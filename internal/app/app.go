// Package app wires the configured components into one daemon and owns its
// lifecycle: start order, hot reload, systemd notifications, and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"courtbot/internal/api"
	"courtbot/internal/booking"
	"courtbot/internal/config"
	"courtbot/internal/eventbus"
	"courtbot/internal/lock"
	"courtbot/internal/notifier"
	"courtbot/internal/orchestrator"
	"courtbot/internal/portal"
	"courtbot/internal/runtime/supervisor"
	"courtbot/internal/storage"
	"courtbot/internal/task/scheduler"
	logx "courtbot/pkg/logx"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store *storage.Store
	locks booking.Locker
	redis *redis.Client

	notif   *notifier.Service
	sched   *scheduler.Service
	orch    *orchestrator.Service
	api     *api.Server
	httpCli *http.Client
}

// New loads the config and builds every component without starting any.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		httpCli: &http.Client{Timeout: 30 * time.Second},
	}
	if err := a.build(ctx, cfg, root); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapSchedule(cfg)
	if err != nil {
		return err
	}

	stCfg, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	a.store, err = storage.Open(openCtx, stCfg, storage.Options{Calendar: sc.calendar}, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if err := a.buildLocks(openCtx, cfg, root); err != nil {
		return err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	senders, err := buildSenders(cfg, a.httpCli)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, senders, root, a.bus, a.store)
	bookingNote := notifier.NewBookingNotifier(a.notif, root)
	a.logs.SetAlerter(bookingNote)

	pcfg, venues, err := mapPortal(cfg)
	if err != nil {
		return err
	}
	proc := booking.NewProcessor(sc.engine, booking.Deps{
		Store:    a.store,
		Notifier: bookingNote,
		Locks:    a.locks,
		Sessions: sessionFactory(pcfg, venues, root),
		Bus:      a.bus,
		Log:      root,
	})

	a.sched = scheduler.New(mapScheduler(cfg), root.With(logx.String("comp", "scheduler")), a.bus)
	a.orch = orchestrator.New(sc.orch, orchestrator.Deps{
		Scheduler: a.sched,
		Release:   booking.NewRelease(proc),
		GapFill:   booking.NewGapFill(proc),
		Locks:     a.locks,
		Notifier:  bookingNote,
		Bus:       a.bus,
		Log:       root,
	})

	if acfg := mapAPI(cfg); acfg.Enabled {
		a.api = api.New(acfg, a.orch, a.store, root)
		a.api.SetRuntime(a.runtimeSnapshot)
	}
	return nil
}

func (a *App) buildLocks(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	backend, err := lockBackend(cfg)
	if err != nil {
		return err
	}
	ttl, err := mapLockTTL(cfg)
	if err != nil {
		return err
	}
	if backend != "redis" {
		a.locks = lock.NewManager(lock.Options{TTL: ttl, Log: root})
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	a.locks = lock.NewRedisManager(a.redis, lock.RedisOptions{Prefix: cfg.Redis.Prefix, TTL: ttl, Log: root})
	root.Info("redis lock backend ready", logx.String("comp", "lock.redis"), logx.String("addr", cfg.Redis.Addr))
	return nil
}

// sessionFactory opens a fresh portal client per account. Venue overrides from
// config win over the built-in table.
func sessionFactory(cfg portal.Config, venues map[string]portal.Venue, log logx.Logger) booking.SessionFactory {
	return func(acct booking.Account) (booking.Portal, error) {
		c, err := newPortalClient(cfg, venues, acct, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newPortalClient(cfg portal.Config, venues map[string]portal.Venue, acct booking.Account, log logx.Logger) (*portal.Client, error) {
	v, err := portal.LookupVenue(acct.Venue, venues)
	if err != nil {
		return nil, err
	}
	return portal.New(cfg, v, portal.Credentials{Email: acct.Email, Password: acct.Password}, portal.WithLogger(log))
}

// Orchestrator exposes the trigger surface (tests, CLI).
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// APIAddr is the bound admin address, or "" when the API is disabled.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor observed.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) runtimeSnapshot() any {
	out := map[string]any{"triggers": a.sched.Snapshot()}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifier"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	// The notifier outlives the run context so Stop can drain its queue.
	if a.notif.Enabled() {
		a.notif.Start(context.WithoutCancel(runCtx))
	}
	if err := a.store.PruneDedup(runCtx); err != nil {
		a.log.Warn("prune notification dedup failed", logx.Err(err))
	}

	if err := a.orch.Start(runCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	a.sup.GoLoop("eventbus.log", a.logEvents)
	a.sup.GoLoop("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.GoLoop("systemd.watchdog", a.watchdog)

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("schedule", a.sched.Enabled()), logx.String("api", a.APIAddr()))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts to the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig hot-applies logging and notifier changes. Every other section
// only takes effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))

	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if senders, err := buildSenders(next, a.httpCli); err != nil {
		a.log.Warn("invalid notifier senders; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.SetSenders(senders)
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReload, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.notifySystemd(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Stop(c)
	})
	step("orchestrator", 10*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	a.closeResources()

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
