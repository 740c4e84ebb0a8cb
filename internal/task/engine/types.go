package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool. Workers bounds how many jobs (and
// therefore how many registry/RPC conversations) run at once.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a job whose Timeout is 0. 0 means no bound.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops jobs that waited longer than this; they were
	// queued against a registry listing that is now out of date. 0 disables.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is a unit of work. Jobs sharing a non-empty Key never overlap: a
// second submission while one is queued or running is rejected with
// ErrOverlapSkip.
type Job struct {
	ID      string
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Retries is the number of extra attempts after a failure (0: none).
	Retries    int
	RetryDelay time.Duration

	// Done, when set, is called exactly once after the job leaves the
	// engine: completed, dropped, or discarded at stop.
	Done func(err error)
}

func (j Job) finish(err error) {
	if j.Done != nil {
		j.Done(err)
	}
}

// runState gates overlap for one key.
type runState struct {
	mu   sync.Mutex
	busy bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the event bus for dropped and panicked jobs.
type JobEvent struct {
	ID         string        `json:"id"`
	Key        string        `json:"key,omitempty"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Completed        uint64
	Failed           uint64
	Panics           uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	OverlapSkipped   uint64

	History []HistoryItem
}
