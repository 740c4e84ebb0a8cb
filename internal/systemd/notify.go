// Package systemd speaks the sd_notify protocol: readiness, stopping,
// reloading and watchdog keep-alives. Every call is a no-op when the process
// was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sorokeeper/internal/eventbus"
	logx "sorokeeper/pkg/logx"
)

type Config struct {
	Notify   bool
	Watchdog bool
}

// Notifier sends state changes to the service manager.
type Notifier struct {
	cfg Config
	log logx.Logger
	// send is daemon.SdNotify; replaced in tests.
	send func(unsetEnvironment bool, state string) (bool, error)
	// watchdogInterval is WATCHDOG_USEC, or 0 when disabled.
	watchdogInterval time.Duration
}

func New(cfg Config, log logx.Logger) *Notifier {
	n := &Notifier{cfg: cfg, log: log.With(logx.String("comp", "systemd")), send: daemon.SdNotify}
	if cfg.Watchdog {
		d, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			n.log.Warn("watchdog env invalid; pings disabled", logx.Err(err))
		}
		n.watchdogInterval = d
	}
	return n
}

func (n *Notifier) notify(state string) {
	if !n.cfg.Notify {
		return
	}
	ok, err := n.send(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		n.log.Trace("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval is the interval systemd expects pings within (0: off).
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdogInterval }

// RunWatchdog pings the watchdog on every completed sweep until ctx is done.
// Pings are tied to sweeps rather than a timer so a wedged loop is restarted.
// Pings closer together than a third of the interval are coalesced.
func (n *Notifier) RunWatchdog(ctx context.Context, bus eventbus.Bus) error {
	if !n.cfg.Notify || n.watchdogInterval <= 0 || bus == nil {
		return nil
	}
	events, unsub := bus.Subscribe(8)
	defer unsub()

	minGap := n.watchdogInterval / 3
	var last time.Time
	n.log.Info("watchdog enabled", logx.Duration("interval", n.watchdogInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TypeSweepDone && e.Type != eventbus.TypeSweepFailed {
				continue
			}
			if now := time.Now(); now.Sub(last) >= minGap {
				last = now
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
