package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "courtbot/pkg/logx"
)

// hotSections apply without a restart.
var hotSections = map[string]bool{"logging": true, "notifier": true}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.ScheduleEnabled()),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.String("schedule.release_time", strings.TrimSpace(newCfg.Schedule.ReleaseTime)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.String("engine.lock_backend", newCfg.Engine.LockBackend))
	}

	if !reflect.DeepEqual(oldCfg.Portal, newCfg.Portal) {
		changed = append(changed, "portal")
		attrs = append(attrs, logx.Int("portal.venue_overrides", len(newCfg.Portal.Venues)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.secrets_key_set", newCfg.Storage.SecretsKey != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := derefNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.ntfy", n.Ntfy.Enabled),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Bool("notifier.telegram_token_set", n.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		if newCfg.Redis != nil {
			attrs = append(attrs, logx.String("redis.addr", newCfg.Redis.Addr))
		}
	}

	if oldCfg.API != newCfg.API || oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", newCfg.API.TokenHash != ""),
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
		)
	}

	return changed, attrs
}

// RestartRequired filters sections to the ones a running process cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
