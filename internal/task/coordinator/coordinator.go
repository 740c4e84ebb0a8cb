// Package coordinator runs one due task through claim, funds check,
// submission with bounded retries, classification and release.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/registry"
	logx "sorokeeper/pkg/logx"
)

var (
	errUnconfirmed  = errors.New("invocation not confirmed within attempt timeout")
	errSimRevert    = errors.New("simulation reverted")
	errClaimGone    = errors.New("claim no longer held")
)

type Coordinator struct {
	client registry.Client
	clk    clock.Clock
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func New(client registry.Client, cfg Config, clk clock.Clock, log logx.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		client: client,
		clk:    clk,
		log:    log.With(logx.String("comp", "coordinator")),
		cfg:    cfg.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps the retry/lease configuration. Runs already in progress keep
// the configuration they started with.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Coordinator) delay(p RetryPolicy, retry int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return backoffDelay(p, retry, c.rng)
}

// Execute runs t for its current interval. It never panics on registry
// faults; every failure is folded into the returned Result.
func (c *Coordinator) Execute(ctx context.Context, t registry.Task) Result {
	cfg := c.Config()
	res := Result{Task: t, Keeper: cfg.Keeper, Started: c.clk.Now()}
	log := c.log.With(logx.Uint64("task", t.ID), logx.Time("interval", t.NextEligible))

	// Resolver gate: a faulty resolver only skips this run.
	ready, err := c.client.CheckCondition(ctx, t)
	if err != nil {
		log.Debug("resolver check failed", logx.Err(err))
		return c.skip(res, SkipResolverError, err)
	}
	if !ready {
		return c.skip(res, SkipNotReady, nil)
	}

	won, err := c.client.TryClaim(ctx, t.ID, t.NextEligible, cfg.Keeper, cfg.Lease)
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		return c.skip(res, SkipClaimConflict, err)
	case err != nil:
		log.Warn("claim failed", logx.Err(err))
		return c.skip(res, SkipClaimError, err)
	case !won:
		log.Trace("claim conflict")
		return c.skip(res, SkipClaimConflict, nil)
	}

	res = c.run(ctx, cfg, t, res, log)
	res.Finished = c.clk.Now()
	return res
}

func (c *Coordinator) skip(res Result, reason SkipReason, err error) Result {
	res.Skipped = true
	res.SkipReason = reason
	res.Err = err
	res.Finished = c.clk.Now()
	return res
}

// run executes attempts while the claim is held. Every return path leaves the
// claim either consumed by an advance/pause or explicitly released.
//
// Each attempt works on a task read back from the registry after the claim,
// never on the listed snapshot: the balance may have moved in between.
func (c *Coordinator) run(ctx context.Context, cfg Config, t registry.Task, res Result, log logx.Logger) Result {
	var lastErr error

	for attempt := 1; attempt <= cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := c.delay(cfg.Retry, attempt-1)
			log.Debug("retry scheduled", logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(lastErr))
			if err := c.clk.Sleep(ctx, d); err != nil {
				lastErr = err
				break
			}
		}
		cur, err := c.client.GetTask(ctx, t.ID)
		if err != nil {
			lastErr = fmt.Errorf("reload task: %w", err)
			res.Attempts = attempt
			continue
		}
		if !holds(cur, cfg.Keeper, t.NextEligible) {
			res.Attempts = attempt - 1
			res.Outcome = registry.OutcomeAbandoned
			res.Err = errClaimGone
			log.Warn("claim lost before attempt; giving up interval", logx.Int("attempt", attempt))
			return res
		}
		res.Attempts = attempt

		done, out := c.attempt(ctx, cfg, cur, &res, log)
		if done {
			return out
		}
		lastErr = res.Err
		if ctx.Err() != nil {
			break
		}
	}

	return c.abandon(ctx, cfg, t, res, lastErr, log)
}

// holds reports whether keeper still owns the claim on interval.
func holds(t registry.Task, keeper string, interval time.Time) bool {
	return t.Claim != nil && t.Claim.Keeper == keeper && t.NextEligible.Equal(interval)
}

// attempt runs one simulate/submit/confirm cycle. It reports done=true with
// the final result for every terminal branch; done=false means a
// submission-level failure stored in res.Err.
func (c *Coordinator) attempt(ctx context.Context, cfg Config, cur registry.Task, res *Result, log logx.Logger) (bool, Result) {
	actx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	call := cur.Call()
	call.Keeper = cfg.Keeper

	est, err := c.client.Simulate(actx, call)
	if err != nil {
		res.Err = fmt.Errorf("simulate: %w", err)
		return false, *res
	}
	if cur.FeeBalance < est.Cost {
		return true, c.pause(ctx, cfg, cur, *res, est.Cost, log)
	}
	if est.Reverts {
		// Nothing was submitted, so nothing is charged.
		return true, c.advance(ctx, cfg, cur, *res, registry.OutcomeFailed, 0, "", errSimRevert, log)
	}

	rc, err := c.client.Invoke(actx, call)
	if err != nil {
		res.Err = fmt.Errorf("invoke: %w", err)
		return false, *res
	}
	switch {
	case rc.Reverted:
		return true, c.advance(ctx, cfg, cur, *res, registry.OutcomeFailed, rc.Cost, rc.TxID, nil, log)
	case rc.Confirmed:
		return true, c.advance(ctx, cfg, cur, *res, registry.OutcomeSuccess, rc.Cost, rc.TxID, nil, log)
	default:
		res.TxID = rc.TxID
		res.Err = errUnconfirmed
		return false, *res
	}
}

func (c *Coordinator) advance(ctx context.Context, cfg Config, cur registry.Task, res Result, outcome registry.Outcome, cost int64, txID string, cause error, log logx.Logger) Result {
	next := cur.NextEligible.Add(cur.Interval)
	res.Outcome = outcome
	res.TxID = txID
	res.Err = cause
	res.Cost = min(max(cost, 0), cur.FeeBalance)
	res.NextEligible = next

	adv := registry.Advance{
		TaskID:       cur.ID,
		Keeper:       cfg.Keeper,
		ExpectedNext: cur.NextEligible,
		NewNext:      next,
		FeeDebit:     res.Cost,
		Outcome:      outcome,
	}
	if err := c.writeAdvance(ctx, cfg, adv, cur.Claim.Until, log); err != nil {
		// The call landed but the interval is still open: once the lease
		// expires another keeper may run it again.
		log.Error("advance schedule failed", logx.String("outcome", outcome.String()), logx.Err(err))
		res.Unconfirmed = true
		res.Cost, res.NextEligible = 0, time.Time{}
		res.Err = errors.Join(res.Err, fmt.Errorf("advance schedule: %w", err))
		return res
	}
	log.Debug("task executed", logx.String("outcome", outcome.String()), logx.Int64("cost", res.Cost), logx.Time("next", next))
	return res
}

// writeAdvance retries a failed advance with the usual backoff while the
// lease (ending at until) still covers it. A lost claim is not retried.
func (c *Coordinator) writeAdvance(ctx context.Context, cfg Config, adv registry.Advance, until time.Time, log logx.Logger) error {
	fctx, cancel := c.finalCtx(ctx, cfg)
	defer cancel()

	var err error
	for retry := 0; ; retry++ {
		if retry > 0 {
			d := c.delay(cfg.Retry, retry)
			if !c.clk.Now().Add(d).Before(until) {
				return err
			}
			log.Debug("advance retry scheduled", logx.Int("retry", retry), logx.Duration("delay", d), logx.Err(err))
			if serr := c.clk.Sleep(fctx, d); serr != nil {
				return errors.Join(err, serr)
			}
		}
		if err = c.client.AdvanceSchedule(fctx, adv); err == nil {
			return nil
		}
		if errors.Is(err, registry.ErrClaimLost) || errors.Is(err, registry.ErrNonMonotonic) || errors.Is(err, registry.ErrTaskNotFound) {
			return err
		}
	}
}

func (c *Coordinator) pause(ctx context.Context, cfg Config, cur registry.Task, res Result, need int64, log logx.Logger) Result {
	res.Outcome = registry.OutcomeOutOfFunds
	res.Err = fmt.Errorf("%w: balance %d, need %d", registry.ErrInsufficientBalance, cur.FeeBalance, need)
	fctx, cancel := c.finalCtx(ctx, cfg)
	defer cancel()
	if err := c.client.PauseTask(fctx, cur.ID, cfg.Keeper); err != nil {
		log.Error("pause task failed", logx.Err(err))
		res.Err = errors.Join(res.Err, fmt.Errorf("pause task: %w", err))
		return res
	}
	log.Info("task paused: insufficient funds", logx.Int64("balance", cur.FeeBalance), logx.Int64("need", need))
	return res
}

func (c *Coordinator) abandon(ctx context.Context, cfg Config, t registry.Task, res Result, cause error, log logx.Logger) Result {
	res.Outcome = registry.OutcomeAbandoned
	res.Err = cause
	fctx, cancel := c.finalCtx(ctx, cfg)
	defer cancel()
	if err := c.client.ReleaseClaim(fctx, t.ID, cfg.Keeper, registry.OutcomeAbandoned); err != nil && !errors.Is(err, registry.ErrClaimLost) {
		log.Error("release claim failed", logx.Err(err))
		res.Err = errors.Join(res.Err, fmt.Errorf("release claim: %w", err))
	}
	log.Warn("task abandoned", logx.Int("attempts", res.Attempts), logx.Err(cause))
	return res
}

// finalCtx keeps terminal registry writes alive through shutdown so a claim
// is not left dangling until its lease runs out.
func (c *Coordinator) finalCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), cfg.AttemptTimeout)
}
