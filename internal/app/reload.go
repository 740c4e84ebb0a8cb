package app

import (
	"context"
	"strings"
	"time"

	"sorokeeper/internal/config"
	logx "sorokeeper/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, updates <-chan config.Update) error {
	_, last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest.
			for drained := false; !drained; {
				select {
				case newer, ok := <-updates:
					if !ok {
						return nil
					}
					u = newer
				default:
					drained = true
				}
			}
			a.apply(ctx, last, u.Settings)
			last = u.Settings
		}
	}
}

// apply pushes a committed config into the running components. Sections that
// only take effect on restart are logged and otherwise ignored.
func (a *App) apply(ctx context.Context, prev, next config.Settings) {
	ch := config.SummarizeConfigChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if ch.Has("logging") {
		a.logs.Apply(next.Logging)
	}
	if ch.Has("keeper") {
		a.engine.Apply(ctx, engineConfig(next))
		a.coord.Apply(coordinatorConfig(next, a.keeperID))
	}
	if ch.Has("keeper") || ch.Has("outcomes") {
		a.sched.Apply(schedulerConfig(next, a.keeperID))
	}
	if ch.Has("telegram") {
		a.swapNotifier(ctx, next.Telegram)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
}

// swapNotifier replaces the alert pipeline. The old one drains first so no
// alert is sent twice.
func (a *App) swapNotifier(ctx context.Context, st config.TelegramSettings) {
	next, err := buildNotifier(st, a.sender, a.bus, a.log)
	if err != nil {
		a.log.Warn("alert config rejected; keeping previous", logx.Err(err))
		return
	}

	a.notifMu.Lock()
	prev := a.notif
	a.notif = next
	a.notifMu.Unlock()

	if prev != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		prev.Stop(stopCtx)
		cancel()
	}
	if next != nil {
		next.Start(ctx)
		a.log.Info("alerts enabled via config")
	} else if prev != nil {
		a.log.Info("alerts disabled via config")
	}
}
