package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// startWatchdog pings the systemd watchdog at half its interval when WatchdogSec is set.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.notify(daemon.SdNotifyWatchdog)
			}
		}
	})
}
