package config

import (
	"reflect"
	"sort"

	logx "sorokeeper/pkg/logx"
)

// Change describes a committed reload.
type Change struct {
	// Sections lists the changed top-level sections, sorted.
	Sections []string
	// Attrs are safe to log (never the telegram token).
	Attrs []logx.Field
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two resolved settings.
func SummarizeConfigChange(prev, next Settings) Change {
	var ch Change

	if !reflect.DeepEqual(prev.Keeper, next.Keeper) {
		ch.Sections = append(ch.Sections, "keeper")
		k := next.Keeper
		ch.Attrs = append(ch.Attrs,
			logx.Duration("keeper.cadence", k.Cadence),
			logx.Int("keeper.concurrency", k.Concurrency),
			logx.Duration("keeper.max_queue_delay", k.MaxQueueDelay),
			logx.Duration("keeper.claim_lease", k.Lease),
			logx.Duration("keeper.attempt_timeout", k.AttemptTimeout),
			logx.Int("keeper.retry.max_attempts", k.Retry.MaxAttempts),
		)
		if prev.Keeper.ID != next.Keeper.ID {
			ch.RestartRequired = append(ch.RestartRequired, "keeper.id")
		}
	}

	if !reflect.DeepEqual(prev.Registry, next.Registry) {
		ch.Sections = append(ch.Sections, "registry")
		ch.Attrs = append(ch.Attrs,
			logx.String("registry.driver", next.Registry.Driver),
			logx.Bool("registry.path_set", next.Registry.SQLite.Path != ""),
		)
		ch.RestartRequired = append(ch.RestartRequired, "registry")
	}

	if !reflect.DeepEqual(prev.Outcomes, next.Outcomes) {
		ch.Sections = append(ch.Sections, "outcomes")
		ch.Attrs = append(ch.Attrs,
			logx.String("outcomes.driver", next.Outcomes.Store.Driver),
			logx.Duration("outcomes.retention", next.Outcomes.Retention),
			logx.String("outcomes.prune_schedule", next.Outcomes.PruneSchedule),
		)
		if prev.Outcomes.Store != next.Outcomes.Store || prev.Outcomes.HistorySize != next.Outcomes.HistorySize {
			ch.RestartRequired = append(ch.RestartRequired, "outcomes.store")
		}
	}

	if prev.Logging != next.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", next.Logging.Level),
			logx.Bool("logging.console", next.Logging.Console),
			logx.Bool("logging.file_enabled", next.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(prev.Telegram, next.Telegram) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("telegram.enabled", next.Telegram.Enabled),
			logx.Bool("telegram.token_set", next.Telegram.Token != ""),
			logx.Any("telegram.alerts", next.Telegram.Alerts),
		)
	}

	if prev.Systemd != next.Systemd {
		ch.Sections = append(ch.Sections, "systemd")
		ch.RestartRequired = append(ch.RestartRequired, "systemd")
	}

	sort.Strings(ch.Sections)
	return ch
}
