package scheduler

import (
	"context"
	"errors"
	"time"

	"sorokeeper/internal/registry"
	"sorokeeper/internal/task/coordinator"
	"sorokeeper/internal/task/engine"
)

var ErrSweepInProgress = errors.New("sweep already in progress")

type Config struct {
	Keeper  string
	Cadence time.Duration
	// JobTimeout bounds one task execution; set it to the claim lease, since
	// work past the lease is no longer protected.
	JobTimeout time.Duration

	// PruneSchedule is a cron spec or duration; empty disables pruning.
	PruneSchedule string
	Retention     time.Duration
	Timezone      string // IANA TZ for cron specs; empty means local
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = 5 * time.Second
	}
	return c
}

// Executor runs one due task. *coordinator.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, t registry.Task) coordinator.Result
}

// Recorder persists results. *recorder.Recorder implements it.
type Recorder interface {
	Record(ctx context.Context, res coordinator.Result)
	Prune(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// SweepReport summarizes one pass over the registry.
type SweepReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Listed     int `json:"listed"`
	Due        int `json:"due"`
	NotDue     int `json:"not_due"`
	NotAllowed int `json:"not_allowed"`
	Submitted  int `json:"submitted"`
	Overlap    int `json:"overlap"`
	Rejected   int `json:"rejected"`
	Stale      int `json:"stale"`

	Skipped  int            `json:"skipped"`
	Outcomes map[string]int `json:"outcomes,omitempty"`
}

type Snapshot struct {
	Running   bool
	Cadence   time.Duration
	NextSweep time.Time
	Sweeps    uint64
	Failures  uint64
	Last      SweepReport
	LastErr   string
	Engine    engine.Snapshot
}
