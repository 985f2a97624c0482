package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"courtbot/internal/api"
	"courtbot/internal/booking"
	"courtbot/internal/config"
	"courtbot/internal/notifier"
	"courtbot/internal/orchestrator"
	"courtbot/internal/portal"
	"courtbot/internal/prefs"
	"courtbot/internal/storage"
	"courtbot/internal/task/scheduler"
	logx "courtbot/pkg/logx"
)

const defaultAPIAddr = "127.0.0.1:8085"

type durField struct {
	key string
	raw string
	def time.Duration
	dst *time.Duration
}

func parseDurations(fields ...durField) error {
	for _, f := range fields {
		v, err := config.ParseDurationOrDefault(f.key, f.raw, f.def)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

// schedule is the resolved timing shared by the engine and the orchestrator.
type schedule struct {
	enabled  bool
	loc      *time.Location
	calendar booking.Calendar
	orch     orchestrator.Config
	engine   booking.Config
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSchedule(cfg *config.Config) (schedule, error) {
	sc := cfg.Schedule
	loc, err := config.ParseLocation("schedule.timezone", sc.Timezone)
	if err != nil {
		return schedule{}, err
	}
	release := prefs.At(12, 0)
	if s := strings.TrimSpace(sc.ReleaseTime); s != "" {
		if release, err = prefs.ParseClock(s); err != nil {
			return schedule{}, fmt.Errorf("schedule.release_time: %w", err)
		}
	}
	daysAhead := 7
	if sc.DaysAhead != nil {
		daysAhead = *sc.DaysAhead
	}
	if daysAhead < 0 || sc.HorizonDays < 0 {
		return schedule{}, fmt.Errorf("schedule.days_ahead and schedule.horizon_days must be >= 0")
	}

	var (
		lead, poll, before, after, prepTO, execTO time.Duration
		window, interval, delay                   time.Duration
	)
	err = parseDurations(
		durField{"schedule.prepare_lead", sc.PrepareLead, 60 * time.Second, &lead},
		durField{"schedule.poll_interval", sc.PollInterval, 15 * time.Minute, &poll},
		durField{"schedule.suppress_before", sc.SuppressBefore, 5 * time.Minute, &before},
		durField{"schedule.suppress_after", sc.SuppressAfter, 15 * time.Minute, &after},
		durField{"schedule.prepare_timeout", sc.PrepareTimeout, 10 * time.Minute, &prepTO},
		durField{"schedule.execute_timeout", sc.ExecuteTimeout, 5 * time.Minute, &execTO},
		durField{"engine.probe_window", cfg.Engine.ProbeWindow, 15 * time.Second, &window},
		durField{"engine.probe_interval", cfg.Engine.ProbeInterval, 500 * time.Millisecond, &interval},
		durField{"engine.inter_job_delay", cfg.Engine.InterJobDelay, 2 * time.Second, &delay},
	)
	if err != nil {
		return schedule{}, err
	}
	if lead >= 24*time.Hour {
		return schedule{}, fmt.Errorf("schedule.prepare_lead must be under 24h")
	}

	cal := booking.Calendar{Loc: loc, Release: release, DaysAhead: daysAhead}
	return schedule{
		enabled:  cfg.ScheduleEnabled(),
		loc:      loc,
		calendar: cal,
		orch: orchestrator.Config{
			Release:        release,
			PrepareLead:    lead,
			PollInterval:   poll,
			PrepareTimeout: prepTO,
			ExecuteTimeout: execTO,
		},
		engine: booking.Config{
			Calendar:         cal,
			ProbeWindow:      window,
			ProbeInterval:    interval,
			PollInterval:     poll,
			SuppressBefore:   before,
			SuppressAfter:    after,
			InterJobDelay:    delay,
			HorizonDays:      sc.HorizonDays,
			ReleaseMinNotice: cfg.Engine.ReleaseMinNotice,
		},
	}, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.ScheduleEnabled(),
		Timezone: strings.TrimSpace(cfg.Schedule.Timezone),
	}
}

func mapLockTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("engine.lock_ttl", cfg.Engine.LockTTL)
}

func lockBackend(cfg *config.Config) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(cfg.Engine.LockBackend)); b {
	case "", "memory":
		return "memory", nil
	case "redis":
		if cfg.Redis == nil || strings.TrimSpace(cfg.Redis.Addr) == "" {
			return "", fmt.Errorf("engine.lock_backend=redis requires redis.addr")
		}
		return b, nil
	default:
		return "", fmt.Errorf("unknown engine.lock_backend: %s", cfg.Engine.LockBackend)
	}
}

func mapPortal(cfg *config.Config) (portal.Config, map[string]portal.Venue, error) {
	pc := cfg.Portal
	timeout, err := config.ParseDurationField("portal.timeout", pc.Timeout)
	if err != nil {
		return portal.Config{}, nil, err
	}
	backoff, err := config.ParseDurationField("portal.login_backoff", pc.LoginBackoff)
	if err != nil {
		return portal.Config{}, nil, err
	}
	if pc.RequestsPerSecond < 0 || pc.LoginAttempts < 0 {
		return portal.Config{}, nil, fmt.Errorf("portal.requests_per_second and portal.login_attempts must be >= 0")
	}

	venues := make(map[string]portal.Venue, len(pc.Venues))
	for key, v := range pc.Venues {
		k := strings.ToLower(strings.TrimSpace(key))
		venues[k] = portal.Venue{
			Key:               k,
			Name:              v.Name,
			OrgID:             v.OrgID,
			SchedulerID:       v.SchedulerID,
			ReservationTypeID: v.ReservationTypeID,
			CostTypeID:        v.CostTypeID,
			CourtType:         v.CourtType,
			CourtTypeCode:     v.CourtTypeCode,
			Timezone:          v.Timezone,
			Availability:      v.Availability,
		}
		if _, err := portal.LookupVenue(k, venues); err != nil {
			return portal.Config{}, nil, fmt.Errorf("portal.venues.%s: %w", k, err)
		}
	}

	return portal.Config{
		AppURL:            pc.AppURL,
		ReservationsURL:   pc.ReservationsURL,
		UserAgent:         pc.UserAgent,
		Timeout:           timeout,
		RequestsPerSecond: pc.RequestsPerSecond,
		LoginAttempts:     pc.LoginAttempts,
		LoginBackoff:      backoff,
	}, venues, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), SecretsKey: sc.SecretsKey}
	switch driver {
	case "", "sqlite", "sqlite3":
		out.Driver = "sqlite"
		if out.Path == "" {
			out.Path = "./courtbot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	err := parseDurations(
		durField{"notifier.retry_base", nc.RetryBase, 0, &out.RetryBase},
		durField{"notifier.retry_max_delay", nc.RetryMaxDelay, 0, &out.RetryMaxDelay},
		durField{"notifier.send_timeout", nc.SendTimeout, 0, &out.SendTimeout},
		durField{"notifier.dedup_window", nc.DedupWindow, 0, &out.DedupWindow},
	)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.Enabled && !nc.Ntfy.Enabled && !nc.Telegram.Enabled {
		return notifier.Config{}, fmt.Errorf("notifier.enabled requires notifier.ntfy or notifier.telegram")
	}
	return out, nil
}

// buildSenders constructs the enabled senders. Disabled ones are skipped.
func buildSenders(cfg *config.Config, client *http.Client) ([]notifier.Sender, error) {
	if cfg.Notifier == nil {
		return nil, nil
	}
	nc := cfg.Notifier
	var out []notifier.Sender
	if nc.Ntfy.Enabled {
		s, err := notifier.NewNtfySender(notifier.NtfyConfig{
			Enabled: true,
			Server:  nc.Ntfy.Server,
			Topic:   nc.Ntfy.Topic,
			Token:   nc.Ntfy.Token,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("notifier.ntfy: %w", err)
		}
		out = append(out, s)
	}
	if nc.Telegram.Enabled {
		s, err := notifier.NewTelegramSender(notifier.TelegramConfig{
			Enabled:  true,
			Token:    nc.Telegram.Token,
			ChatID:   nc.Telegram.ChatID,
			ThreadID: nc.Telegram.ThreadID,
			APIURL:   nc.Telegram.APIURL,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func mapAPI(cfg *config.Config) api.Config {
	addr := strings.TrimSpace(cfg.API.Addr)
	if addr == "" {
		addr = defaultAPIAddr
	}
	return api.Config{
		Enabled:   cfg.API.Enabled,
		Addr:      addr,
		TokenHash: strings.TrimSpace(cfg.API.TokenHash),
		Metrics:   cfg.Metrics.Enabled,
		Pprof:     cfg.API.Pprof,
	}
}

// Validate checks every section the daemon maps. It runs at startup and
// before a reloaded file is committed.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapSchedule(cfg); err != nil {
		return err
	}
	if _, err := lockBackend(cfg); err != nil {
		return err
	}
	if _, _, err := mapPortal(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := buildSenders(cfg, http.DefaultClient); err != nil {
		return err
	}
	return nil
}
