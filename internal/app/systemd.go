package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "courtbot/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

func (a *App) notifySystemd(state string) {
	sent, err := sdNotify(false, state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the
// supervisor is healthy. It returns at once when no watchdog is configured.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if a.sup.Err() != nil {
				continue
			}
			a.notifySystemd(daemon.SdNotifyWatchdog)
		}
	}
}
