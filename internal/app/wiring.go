package app

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/config"
	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/notifier"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/task/coordinator"
	"sorokeeper/internal/task/engine"
	"sorokeeper/internal/task/scheduler"
	kit "sorokeeper/internal/transport"
	"sorokeeper/internal/transport/telegram"
	logx "sorokeeper/pkg/logx"
)

// alertDedupWindow suppresses repeated alerts for the same task and status.
const alertDedupWindow = 10 * time.Minute

// keeperID returns the configured identity or a fresh one for this process.
func keeperID(st config.Settings) string {
	if st.Keeper.ID != "" {
		return st.Keeper.ID
	}
	return "keeper-" + uuid.NewString()
}

func openRegistry(st config.RegistrySettings, clk clock.Clock) (registry.Backend, error) {
	switch st.Driver {
	case config.DriverSQLite:
		return registry.OpenSQLite(st.SQLite, clk)
	case config.DriverMemory, "":
		return registry.NewMemory(registry.WithClock(clk), registry.WithBaseFee(st.SQLite.BaseFee)), nil
	default:
		return nil, fmt.Errorf("registry driver %q unsupported", st.Driver)
	}
}

func engineConfig(st config.Settings) engine.Config {
	return engine.Config{
		Workers:        st.Keeper.Concurrency,
		QueueSize:      st.Keeper.QueueSize,
		DefaultTimeout: st.Keeper.Lease,
		MaxQueueDelay:  st.Keeper.MaxQueueDelay,
		HistorySize:    st.Outcomes.HistorySize,
	}
}

func coordinatorConfig(st config.Settings, id string) coordinator.Config {
	return coordinator.Config{
		Keeper:         id,
		Lease:          st.Keeper.Lease,
		AttemptTimeout: st.Keeper.AttemptTimeout,
		Retry:          st.Keeper.Retry,
	}
}

func schedulerConfig(st config.Settings, id string) scheduler.Config {
	return scheduler.Config{
		Keeper:        id,
		Cadence:       st.Keeper.Cadence,
		JobTimeout:    st.Keeper.Lease,
		PruneSchedule: st.Outcomes.PruneSchedule,
		Retention:     st.Outcomes.Retention,
		Timezone:      st.Keeper.Timezone,
	}
}

func notifierConfig(st config.TelegramSettings) notifier.Config {
	return notifier.Config{
		Enabled:     st.Enabled,
		Target:      kit.ChatTarget{ChatID: st.ChatID, ThreadID: st.ThreadID},
		Alerts:      st.Alerts,
		QueueSize:   st.QueueSize,
		RatePerSec:  st.RatePerSec,
		RetryMax:    2,
		SendTimeout: st.Timeout,
		DedupWindow: alertDedupWindow,
	}
}

// buildNotifier returns nil when alerts are disabled.
func buildNotifier(st config.TelegramSettings, sender kit.Sender, bus eventbus.Bus, log logx.Logger) (*notifier.Service, error) {
	if !st.Enabled {
		return nil, nil
	}
	if sender == nil {
		s, err := telegram.New(telegram.Config{Token: st.Token, Timeout: st.Timeout}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = s
	}
	return notifier.New(notifierConfig(st), sender, bus, log), nil
}
