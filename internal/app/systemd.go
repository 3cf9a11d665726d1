package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "slashbot/pkg/logx"
)

// notifyReady tells systemd (Type=notify units) that startup finished.
// Outside systemd NOTIFY_SOCKET is unset and this is a no-op.
func (a *App) notifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
}

func (a *App) notifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while the
// app context is alive. It returns at once when WatchdogSec is not set.
func (a *App) watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}
