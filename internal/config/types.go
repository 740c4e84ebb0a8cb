package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "1m"). Resolve turns the
// file shape into typed, validated Settings; everything downstream consumes
// Settings, never Config.
type Config struct {
	Keeper   KeeperConfig    `json:"keeper"`
	Registry RegistryConfig  `json:"registry"`
	Outcomes *OutcomesConfig `json:"outcomes,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Systemd  *SystemdConfig  `json:"systemd,omitempty"`
}

// KeeperConfig controls this keeper's sweep and execution behavior.
//
// Defaults (when fields are omitted/zero):
//   - id: random per process
//   - cadence: "5s"
//   - concurrency: 4
//   - queue_size: 256
//   - max_queue_delay: the cadence
//   - attempt_timeout: "30s"
//   - retry: 3 attempts, base "1s", max_delay "30s", jitter 0
//   - claim_lease: the smallest safe lease for the above (see coordinator.MinLease)
type KeeperConfig struct {
	ID             string      `json:"id,omitempty"`
	Cadence        string      `json:"cadence,omitempty"`
	Concurrency    int         `json:"concurrency,omitempty"`
	QueueSize      int         `json:"queue_size,omitempty"`
	MaxQueueDelay  string      `json:"max_queue_delay,omitempty"`
	ClaimLease     string      `json:"claim_lease,omitempty"`
	AttemptTimeout string      `json:"attempt_timeout,omitempty"`
	Retry          RetryConfig `json:"retry"`
	Timezone       string      `json:"timezone,omitempty"` // for outcomes.prune_schedule
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"` // fraction 0..1
}

// RegistryConfig selects the task registry backend.
//
// Example:
//
//	"registry": { "driver": "sqlite", "path": "./registry.db", "rate_per_sec": 20 }
type RegistryConfig struct {
	Driver      string  `json:"driver"` // memory | sqlite
	Path        string  `json:"path,omitempty"`
	BusyTimeout string  `json:"busy_timeout,omitempty"`
	BaseFee     int64   `json:"base_fee,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // 0 disables client-side limiting
	Burst       int     `json:"burst,omitempty"`
	CallTimeout string  `json:"call_timeout,omitempty"`
}

// OutcomesConfig controls the optional outcome log. Nil means none.
type OutcomesConfig struct {
	Driver        string `json:"driver"` // none | file | sqlite
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec or duration
	HistorySize   int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramConfig controls operator alerts. The token is never logged.
type TelegramConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token"`
	ChatID     int64    `json:"chat_id"`
	ThreadID   int      `json:"thread_id,omitempty"`
	Alerts     []string `json:"alerts,omitempty"` // outcome statuses; default out_of_funds, abandoned
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	QueueSize  int      `json:"queue_size,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
}

// SystemdConfig toggles sd_notify readiness and watchdog pings. Both are
// no-ops when the process was not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
