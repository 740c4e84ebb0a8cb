package coordinator

import (
	"time"

	"sorokeeper/internal/registry"
)

// RetryPolicy bounds submission-level retries within one due interval.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	Base        time.Duration // delay before the second attempt (default 1s)
	MaxDelay    time.Duration // cap for a single delay (default 30s)
	Jitter      float64       // 0..1, applied as +/- fraction; 0 disables
}

type Config struct {
	Keeper string
	// Lease is how long a claim protects the interval. It must outlast every
	// attempt plus backoff, otherwise a second keeper may take over mid-retry.
	Lease          time.Duration
	AttemptTimeout time.Duration
	Retry          RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Jitter < 0 {
		c.Retry.Jitter = 0
	}
	if c.Lease <= 0 {
		c.Lease = MinLease(c.AttemptTimeout, c.Retry)
	}
	return c
}

// MinLease is the shortest lease that covers a full retry sequence.
func MinLease(attemptTimeout time.Duration, p RetryPolicy) time.Duration {
	n := max(p.MaxAttempts, 1)
	total := time.Duration(n) * attemptTimeout
	for retry := 1; retry < n; retry++ {
		total += backoffDelay(p, retry, nil)
	}
	return total + time.Duration(float64(total)*p.Jitter)
}

// SkipReason explains why Execute returned without running the task.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipNotReady      SkipReason = "resolver_not_ready"
	SkipResolverError SkipReason = "resolver_error"
	SkipClaimConflict SkipReason = "claim_conflict"
	SkipClaimError    SkipReason = "claim_error"
)

// Result is the terminal report of one Execute call.
//
// A skipped result holds no claim and changed nothing at the registry; callers
// do not record it.
type Result struct {
	Task   registry.Task // snapshot the run was selected from
	Keeper string

	Skipped    bool
	SkipReason SkipReason

	Outcome  registry.Outcome
	Attempts int
	Cost     int64 // amount debited from the fee balance
	TxID     string
	// NextEligible is the interval start written to the registry when the
	// outcome advanced the schedule.
	NextEligible time.Time
	// Unconfirmed marks an invocation that landed while the schedule advance
	// could not be written; the interval may run again after the lease.
	Unconfirmed bool
	Err         error

	Started  time.Time
	Finished time.Time
}

// Status is the record status: the outcome tag, or "skipped".
func (r Result) Status() string {
	if r.Skipped {
		return "skipped"
	}
	return r.Outcome.String()
}

func (r Result) Duration() time.Duration { return r.Finished.Sub(r.Started) }
