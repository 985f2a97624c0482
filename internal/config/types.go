package config

// Config is the on-disk shape of courtbot.yaml (or .json).
//
// All durations are Go duration strings (e.g. "500ms", "15m"). Secret-bearing
// string fields accept "env:NAME" and are resolved from the environment at
// parse time.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Schedule ScheduleConfig `json:"schedule"`
	Engine   EngineConfig   `json:"engine"`
	Portal   PortalConfig   `json:"portal"`
	Storage  StorageConfig  `json:"storage"`

	// Notifier defaults to enabled=false when the whole section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Redis is required only when engine.lock_backend is "redis".
	Redis *RedisConfig `json:"redis,omitempty"`

	API     APIConfig     `json:"api"`
	Metrics MetricsConfig `json:"metrics"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above MinLevel to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ScheduleConfig controls when the release and gap-fill triggers fire.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "America/Los_Angeles"
//   - release_time: "12:00"
//   - prepare_lead: "60s"
//   - poll_interval: "15m"
//   - suppress_before: "5m", suppress_after: "15m"
//   - days_ahead: 7, horizon_days: 7
type ScheduleConfig struct {
	// Enabled is a pointer so "omitted" (on) differs from an explicit false.
	Enabled *bool `json:"enabled,omitempty"`

	Timezone     string `json:"timezone,omitempty"`
	ReleaseTime  string `json:"release_time,omitempty"`
	PrepareLead  string `json:"prepare_lead,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	SuppressBefore string `json:"suppress_before,omitempty"`
	SuppressAfter  string `json:"suppress_after,omitempty"`

	// DaysAhead is a pointer so 0 (same-day release) differs from omitted.
	DaysAhead   *int `json:"days_ahead,omitempty"`
	HorizonDays int  `json:"horizon_days,omitempty"`

	PrepareTimeout string `json:"prepare_timeout,omitempty"`
	ExecuteTimeout string `json:"execute_timeout,omitempty"`
}

// EngineConfig tunes the booking strategies.
type EngineConfig struct {
	// LockBackend is "memory" (default) or "redis".
	LockBackend string `json:"lock_backend,omitempty"`
	LockTTL     string `json:"lock_ttl,omitempty"`

	ProbeWindow   string `json:"probe_window,omitempty"`
	ProbeInterval string `json:"probe_interval,omitempty"`
	InterJobDelay string `json:"inter_job_delay,omitempty"`

	// ReleaseMinNotice applies each job's min_notice_hours to release-instant
	// candidates as well as gap-fill candidates.
	ReleaseMinNotice bool `json:"release_min_notice,omitempty"`
}

type PortalConfig struct {
	AppURL          string `json:"app_url,omitempty"`
	ReservationsURL string `json:"reservations_url,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	Timeout         string `json:"timeout,omitempty"`

	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	LoginAttempts     int     `json:"login_attempts,omitempty"`
	LoginBackoff      string  `json:"login_backoff,omitempty"`

	// Venues overrides or extends the built-in venue table, keyed by venue key.
	Venues map[string]VenueConfig `json:"venues,omitempty"`
}

type VenueConfig struct {
	Name              string `json:"name,omitempty"`
	OrgID             string `json:"org_id,omitempty"`
	SchedulerID       string `json:"scheduler_id,omitempty"`
	ReservationTypeID string `json:"reservation_type_id,omitempty"`
	CostTypeID        string `json:"cost_type_id,omitempty"`
	CourtType         string `json:"court_type,omitempty"`
	CourtTypeCode     string `json:"court_type_code,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	Availability      string `json:"availability,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./courtbot.db, secrets_key: "env:COURTBOT_KEY" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// SecretsKey is a base64 AES key used to seal account passwords at rest.
	SecretsKey string `json:"secrets_key,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Ntfy     NtfyConfig     `json:"ntfy"`
	Telegram TelegramConfig `json:"telegram"`
}

type NtfyConfig struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server,omitempty"`
	Topic   string `json:"topic"`
	Token   string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note: token_hash is a bcrypt hash (see `courtbot keys api-token`).
// Leaving it empty disables the /v1 routes entirely.
type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	TokenHash string `json:"token_hash,omitempty"`
	Pprof     bool   `json:"pprof,omitempty"`
}

// MetricsConfig toggles the Prometheus handler on the admin server.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ScheduleEnabled reports whether triggers should be armed.
func (c *Config) ScheduleEnabled() bool {
	return c.Schedule.Enabled == nil || *c.Schedule.Enabled
}
