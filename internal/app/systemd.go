package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wipush/pkg/logx"
)

// sdNotify sends state to systemd. Outside a notify-type unit it does nothing.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdog pings systemd at half the unit's WatchdogSec, but only while the
// event loop still answers.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			cctx, cancel := context.WithTimeout(ctx, interval/4)
			err := a.loop.Call(cctx, func() {})
			cancel()
			if err != nil {
				a.log.Warn("event loop unresponsive; skipping watchdog ping", logx.Err(err))
				continue
			}
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
