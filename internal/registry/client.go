// Package registry is the keeper's access layer to the authoritative task registry.
//
// The registry owns all task state. Keepers only read snapshots and request
// state transitions; the single cross-keeper synchronization primitive is
// TryClaim, an atomic compare-and-set on the task's next eligible time plus a
// leased claim marker.
package registry

import (
	"context"
	"time"
)

// Client is what the keeper core consumes.
type Client interface {
	// ListActiveTasks returns an eventually consistent snapshot of active tasks.
	ListActiveTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, id uint64) (Task, error)

	// TryClaim atomically reserves the interval starting at expectedNext for
	// keeper, for at most lease. It returns false (and no error) on conflict:
	// the interval already advanced, or another unexpired claim exists.
	TryClaim(ctx context.Context, id uint64, expectedNext time.Time, keeper string, lease time.Duration) (bool, error)

	Simulate(ctx context.Context, call Call) (Estimate, error)
	Invoke(ctx context.Context, call Call) (Receipt, error)

	// AdvanceSchedule succeeds only while keeper still holds the claim for
	// ExpectedNext; it clears the claim.
	AdvanceSchedule(ctx context.Context, adv Advance) error
	PauseTask(ctx context.Context, id uint64, keeper string) error
	// ReleaseClaim drops keeper's claim without advancing. Releasing an
	// already released claim is a no-op.
	ReleaseClaim(ctx context.Context, id uint64, keeper string, outcome Outcome) error

	// CheckCondition asks the task's resolver whether it should run now.
	// Tasks without a resolver always pass.
	CheckCondition(ctx context.Context, t Task) (bool, error)
}

// Admin is the creator-side surface. The keeper never calls it; it exists so
// local registries can be populated and funded.
type Admin interface {
	Register(ctx context.Context, reg Registration) (uint64, error)
	Deposit(ctx context.Context, id uint64, amount int64) error
	Withdraw(ctx context.Context, id uint64, amount int64) error
	Cancel(ctx context.Context, id uint64) error
}

// Backend is a registry that supports both surfaces.
type Backend interface {
	Client
	Admin
	Close() error
}
