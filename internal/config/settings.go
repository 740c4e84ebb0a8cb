package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"sorokeeper/internal/registry"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/task/coordinator"
	"sorokeeper/internal/task/scheduler"
	logx "sorokeeper/pkg/logx"
)

// Settings is a resolved Config: defaults applied, durations parsed, and
// cross-field rules checked.
type Settings struct {
	Keeper   KeeperSettings
	Registry RegistrySettings
	Outcomes OutcomesSettings
	Logging  logx.Config
	Telegram TelegramSettings
	Systemd  SystemdConfig
}

type KeeperSettings struct {
	ID             string // empty: the caller picks a per-process id
	Cadence        time.Duration
	Concurrency    int
	QueueSize      int
	MaxQueueDelay  time.Duration
	Lease          time.Duration
	AttemptTimeout time.Duration
	Retry          coordinator.RetryPolicy
	Timezone       string
}

type RegistrySettings struct {
	Driver      string
	SQLite      registry.SQLiteConfig
	RatePerSec  float64
	Burst       int
	CallTimeout time.Duration
}

type OutcomesSettings struct {
	Store         storage.Config
	Retention     time.Duration
	PruneSchedule string
	HistorySize   int
}

type TelegramSettings struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	Alerts     []string
	RatePerSec float64
	QueueSize  int
	Timeout    time.Duration
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverNone   = "none"
)

// DefaultAlerts are the outcome statuses that need an operator.
var DefaultAlerts = []string{string(registry.OutcomeOutOfFunds), string(registry.OutcomeAbandoned)}

var alertable = []string{
	string(registry.OutcomeOutOfFunds),
	string(registry.OutcomeAbandoned),
	string(registry.OutcomeFailed),
	string(registry.OutcomeSuccess),
}

// Resolve validates c and returns typed settings. All problems are reported
// together.
func (c *Config) Resolve() (Settings, error) {
	if c == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		out  Settings
		d    durations
		errs []error
	)

	// keeper
	k := c.Keeper
	out.Keeper = KeeperSettings{
		ID:             strings.TrimSpace(k.ID),
		Cadence:        d.get("keeper.cadence", k.Cadence, 5*time.Second),
		Concurrency:    k.Concurrency,
		QueueSize:      k.QueueSize,
		AttemptTimeout: d.get("keeper.attempt_timeout", k.AttemptTimeout, 30*time.Second),
		Retry: coordinator.RetryPolicy{
			MaxAttempts: k.Retry.MaxAttempts,
			Base:        d.get("keeper.retry.base", k.Retry.Base, time.Second),
			MaxDelay:    d.get("keeper.retry.max_delay", k.Retry.MaxDelay, 30*time.Second),
			Jitter:      k.Retry.Jitter,
		},
		Timezone: strings.TrimSpace(k.Timezone),
	}
	ks := &out.Keeper
	if ks.Concurrency <= 0 {
		ks.Concurrency = 4
	}
	if ks.QueueSize <= 0 {
		ks.QueueSize = 256
	}
	if ks.Retry.MaxAttempts <= 0 {
		ks.Retry.MaxAttempts = 3
	}
	if ks.Cadence < time.Second {
		errs = append(errs, fmt.Errorf("keeper.cadence must be >= 1s"))
	}
	ks.MaxQueueDelay = d.get("keeper.max_queue_delay", k.MaxQueueDelay, ks.Cadence)
	if ks.Retry.Jitter < 0 || ks.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("keeper.retry.jitter must be within 0..1"))
	}
	minLease := coordinator.MinLease(ks.AttemptTimeout, ks.Retry)
	ks.Lease = d.get("keeper.claim_lease", k.ClaimLease, minLease)
	if ks.Lease < minLease {
		errs = append(errs, fmt.Errorf("keeper.claim_lease %s is shorter than attempts plus backoff (%s)", ks.Lease, minLease))
	}
	if ks.Timezone != "" {
		if _, err := time.LoadLocation(ks.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("keeper.timezone: %w", err))
		}
	}

	// registry
	r := c.Registry
	out.Registry = RegistrySettings{
		Driver: strings.ToLower(strings.TrimSpace(r.Driver)),
		SQLite: registry.SQLiteConfig{
			Path:        strings.TrimSpace(r.Path),
			BusyTimeout: d.get("registry.busy_timeout", r.BusyTimeout, 0),
			BaseFee:     r.BaseFee,
		},
		RatePerSec:  r.RatePerSec,
		Burst:       r.Burst,
		CallTimeout: d.get("registry.call_timeout", r.CallTimeout, 0),
	}
	switch out.Registry.Driver {
	case "":
		out.Registry.Driver = DriverMemory
	case DriverMemory:
	case DriverSQLite:
		if out.Registry.SQLite.Path == "" {
			errs = append(errs, errors.New("registry.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.driver %q unsupported (memory|sqlite)", r.Driver))
	}
	if r.RatePerSec < 0 || r.Burst < 0 || r.BaseFee < 0 {
		errs = append(errs, errors.New("registry.rate_per_sec, burst and base_fee must be >= 0"))
	}

	// outcomes
	if o := c.Outcomes; o != nil {
		out.Outcomes = OutcomesSettings{
			Store: storage.Config{
				Driver:      strings.ToLower(strings.TrimSpace(o.Driver)),
				Path:        strings.TrimSpace(o.Path),
				BusyTimeout: d.get("outcomes.busy_timeout", o.BusyTimeout, 0),
			},
			Retention:     d.get("outcomes.retention", o.Retention, 0),
			PruneSchedule: strings.TrimSpace(o.PruneSchedule),
			HistorySize:   o.HistorySize,
		}
	}
	oc := &out.Outcomes
	switch oc.Store.Driver {
	case "", DriverNone:
		oc.Store.Driver = DriverNone
	case DriverFile, DriverSQLite:
		if oc.Store.Path == "" {
			errs = append(errs, fmt.Errorf("outcomes.path is required for the %s driver", oc.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("outcomes.driver %q unsupported (none|file|sqlite)", oc.Store.Driver))
	}
	if oc.HistorySize <= 0 {
		oc.HistorySize = 200
	}
	if oc.PruneSchedule != "" {
		if _, err := scheduler.ParseSchedule(oc.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("outcomes.prune_schedule: %w", err))
		}
		if oc.Retention <= 0 {
			errs = append(errs, errors.New("outcomes.prune_schedule needs outcomes.retention"))
		}
	}

	// logging
	out.Logging = logx.Config{
		Level:   strings.TrimSpace(c.Logging.Level),
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: strings.TrimSpace(c.Logging.File.Path)},
	}
	if out.Logging.File.Enabled && out.Logging.File.Path == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}

	// telegram
	if t := c.Telegram; t != nil {
		out.Telegram = TelegramSettings{
			Enabled:    t.Enabled,
			Token:      strings.TrimSpace(t.Token),
			ChatID:     t.ChatID,
			ThreadID:   t.ThreadID,
			Alerts:     normalizeAlerts(t.Alerts),
			RatePerSec: t.RatePerSec,
			QueueSize:  t.QueueSize,
			Timeout:    d.get("telegram.timeout", t.Timeout, 10*time.Second),
		}
		ts := &out.Telegram
		if ts.Enabled {
			if ts.Token == "" {
				errs = append(errs, errors.New("telegram.token is required when alerts are enabled"))
			}
			if ts.ChatID == 0 {
				errs = append(errs, errors.New("telegram.chat_id is required when alerts are enabled"))
			}
		}
		for _, a := range ts.Alerts {
			if !slices.Contains(alertable, a) {
				errs = append(errs, fmt.Errorf("telegram.alerts: unknown status %q", a))
			}
		}
	}
	if len(out.Telegram.Alerts) == 0 {
		out.Telegram.Alerts = slices.Clone(DefaultAlerts)
	}
	if out.Telegram.RatePerSec <= 0 {
		out.Telegram.RatePerSec = 1
	}
	if out.Telegram.QueueSize <= 0 {
		out.Telegram.QueueSize = 64
	}

	if c.Systemd != nil {
		out.Systemd = *c.Systemd
	}

	if err := errors.Join(append([]error{d.err()}, errs...)...); err != nil {
		return Settings{}, err
	}
	return out, nil
}

func normalizeAlerts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
