package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobsched/pkg/logx"
)

// sdNotify reports state to systemd. Outside a systemd unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is done.
func watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
