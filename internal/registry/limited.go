package registry

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a Client with a shared token bucket so a keeper never exceeds
// its upstream RPC budget, and bounds every non-submission call with CallTimeout.
// Invoke is bounded by the caller's attempt timeout instead.
type Limited struct {
	next        Client
	lim         *rate.Limiter
	callTimeout time.Duration
}

// NewLimited returns next unchanged when ratePerSec <= 0 and callTimeout <= 0.
func NewLimited(next Client, ratePerSec float64, burst int, callTimeout time.Duration) Client {
	if ratePerSec <= 0 && callTimeout <= 0 {
		return next
	}
	var lim *rate.Limiter
	if ratePerSec > 0 {
		if burst <= 0 {
			burst = max(1, int(ratePerSec))
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return &Limited{next: next, lim: lim, callTimeout: callTimeout}
}

func (l *Limited) wait(ctx context.Context) error {
	if l.lim == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

func (l *Limited) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.callTimeout)
}

func (l *Limited) ListActiveTasks(ctx context.Context) ([]Task, error) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ListActiveTasks(ctx)
}

func (l *Limited) GetTask(ctx context.Context, id uint64) (Task, error) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return Task{}, err
	}
	return l.next.GetTask(ctx, id)
}

func (l *Limited) TryClaim(ctx context.Context, id uint64, expectedNext time.Time, keeper string, lease time.Duration) (bool, error) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return false, err
	}
	return l.next.TryClaim(ctx, id, expectedNext, keeper, lease)
}

func (l *Limited) Simulate(ctx context.Context, call Call) (Estimate, error) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return Estimate{}, err
	}
	return l.next.Simulate(ctx, call)
}

func (l *Limited) Invoke(ctx context.Context, call Call) (Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return Receipt{}, err
	}
	return l.next.Invoke(ctx, call)
}

func (l *Limited) AdvanceSchedule(ctx context.Context, adv Advance) error {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.AdvanceSchedule(ctx, adv)
}

func (l *Limited) PauseTask(ctx context.Context, id uint64, keeper string) error {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.PauseTask(ctx, id, keeper)
}

func (l *Limited) ReleaseClaim(ctx context.Context, id uint64, keeper string, outcome Outcome) error {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.ReleaseClaim(ctx, id, keeper, outcome)
}

func (l *Limited) CheckCondition(ctx context.Context, t Task) (bool, error) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.wait(ctx); err != nil {
		return false, err
	}
	return l.next.CheckCondition(ctx, t)
}

var _ Client = (*Limited)(nil)
