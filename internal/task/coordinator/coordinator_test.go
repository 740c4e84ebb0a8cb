package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/task/selector"
	logx "sorokeeper/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clk *clock.Manual
	reg *registry.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	return &fixture{clk: clk, reg: registry.NewMemory(registry.WithClock(clk), registry.WithBaseFee(10))}
}

func (f *fixture) coordinator(keeper string) *Coordinator {
	return New(f.reg, Config{
		Keeper:         keeper,
		Lease:          time.Minute,
		AttemptTimeout: 5 * time.Second,
		Retry:          RetryPolicy{MaxAttempts: 3, Base: time.Second, MaxDelay: 30 * time.Second},
	}, f.clk, logx.Nop())
}

func (f *fixture) register(t *testing.T, reg registry.Registration) registry.Task {
	t.Helper()
	if reg.Target == "" {
		reg.Target = "counter"
	}
	if reg.Function == "" {
		reg.Function = "increment"
	}
	if reg.Interval == 0 {
		reg.Interval = time.Minute
	}
	ctx := context.Background()
	id, err := f.reg.Register(ctx, reg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	task, err := f.reg.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (f *fixture) get(t *testing.T, id uint64) registry.Task {
	t.Helper()
	task, err := f.reg.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

// A funded, due task runs once and moves to the next interval.
func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Skipped || res.Outcome != registry.OutcomeSuccess || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Attempts != 1 || res.Cost != 10 || res.TxID == "" {
		t.Fatalf("attempts=%d cost=%d tx=%q", res.Attempts, res.Cost, res.TxID)
	}

	got := f.get(t, task.ID)
	if !got.NextEligible.Equal(t0.Add(time.Minute)) {
		t.Fatalf("next=%s want %s", got.NextEligible, t0.Add(time.Minute))
	}
	if got.FeeBalance != 90 || got.LastOutcome != registry.OutcomeSuccess || got.Claim != nil {
		t.Fatalf("unexpected task: %+v", got)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1", n)
	}
}

func TestExecuteAdvancesFromPreviousIntervalNotNow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	f.clk.Advance(90 * time.Second) // run late

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeSuccess {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if got := f.get(t, task.ID); !got.NextEligible.Equal(t0.Add(time.Minute)) {
		t.Fatalf("next=%s want previous+interval %s", got.NextEligible, t0.Add(time.Minute))
	}
}

// A balance below the simulated cost pauses the task without submitting.
func TestExecuteOutOfFunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 5})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeOutOfFunds || !errors.Is(res.Err, registry.ErrInsufficientBalance) {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := f.get(t, task.ID)
	if got.Status != registry.StatusPaused || got.FeeBalance != 5 || !got.NextEligible.Equal(t0) {
		t.Fatalf("unexpected task: %+v", got)
	}
	if n := len(f.reg.Invocations()); n != 0 {
		t.Fatalf("invocations=%d want 0", n)
	}
}

// Two keepers race for the same interval; exactly one submits.
func TestExecuteRacingKeepers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})

	var (
		wg      sync.WaitGroup
		results [2]Result
	)
	for i, k := range []string{"k1", "k2"} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			results[i] = c.Execute(context.Background(), task)
		}(i, f.coordinator(k))
	}
	wg.Wait()

	var ran, skipped int
	for _, r := range results {
		switch {
		case r.Skipped && r.SkipReason == SkipClaimConflict:
			skipped++
		case r.Outcome == registry.OutcomeSuccess:
			ran++
		}
	}
	if ran != 1 || skipped != 1 {
		t.Fatalf("ran=%d skipped=%d results=%+v", ran, skipped, results)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1", n)
	}
	if got := f.get(t, task.ID); got.FeeBalance != 90 {
		t.Fatalf("balance=%d want 90", got.FeeBalance)
	}
}

// Submission keeps timing out; after the attempt cap the claim is released
// without advancing or debiting.
func TestExecuteAbandonsAfterRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	f.reg.HandleTarget("counter", func(context.Context, registry.Call) (registry.Receipt, error) {
		return registry.Receipt{}, context.DeadlineExceeded
	})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeAbandoned || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", res.Err)
	}
	sleeps := f.clk.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps=%v want [1s 2s]", sleeps)
	}
	if n := len(f.reg.Invocations()); n != 3 {
		t.Fatalf("invocations=%d want 3", n)
	}

	got := f.get(t, task.ID)
	if got.Claim != nil || !got.NextEligible.Equal(t0) || got.FeeBalance != 100 || got.LastOutcome != registry.OutcomeAbandoned {
		t.Fatalf("unexpected task: %+v", got)
	}
	// The interval is immediately claimable again.
	if ok, err := f.reg.TryClaim(context.Background(), task.ID, t0, "k2", time.Minute); err != nil || !ok {
		t.Fatalf("reclaim ok=%v err=%v", ok, err)
	}
}

func TestExecuteUnconfirmedThenConfirmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	var calls atomic.Int32
	f.reg.HandleTarget("counter", func(context.Context, registry.Call) (registry.Receipt, error) {
		if calls.Add(1) == 1 {
			return registry.Receipt{TxID: "pending"}, nil
		}
		return registry.Receipt{TxID: "ok", Confirmed: true, Cost: 10}, nil
	})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeSuccess || res.Attempts != 2 || res.TxID != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// A confirmed revert advances and debits the actual cost once.
func TestExecuteRevert(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	f.reg.HandleTarget("counter", func(context.Context, registry.Call) (registry.Receipt, error) {
		return registry.Receipt{TxID: "tx", Reverted: true, Cost: 4}, nil
	})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeFailed || res.Attempts != 1 || res.Cost != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := f.get(t, task.ID)
	if !got.NextEligible.Equal(t0.Add(time.Minute)) || got.FeeBalance != 96 || got.LastOutcome != registry.OutcomeFailed {
		t.Fatalf("unexpected task: %+v", got)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1 (reverts are not retried)", n)
	}
}

// The creator withdraws after the keeper listed the task; the funds check
// must see the registry balance, not the listed one.
func TestExecuteChecksFundsAfterClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snapshot := f.register(t, registry.Registration{FeeBalance: 100})
	if err := f.reg.Withdraw(context.Background(), snapshot.ID, 95); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	res := f.coordinator("k1").Execute(context.Background(), snapshot)
	if res.Outcome != registry.OutcomeOutOfFunds || !errors.Is(res.Err, registry.ErrInsufficientBalance) || res.Cost != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(f.reg.Invocations()); n != 0 {
		t.Fatalf("invocations=%d want 0", n)
	}
	got := f.get(t, snapshot.ID)
	if got.Status != registry.StatusPaused || got.FeeBalance != 5 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteCostMatchesRegistryDebit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snapshot := f.register(t, registry.Registration{FeeBalance: 100})
	if err := f.reg.Withdraw(context.Background(), snapshot.ID, 85); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	res := f.coordinator("k1").Execute(context.Background(), snapshot)
	if res.Outcome != registry.OutcomeSuccess || res.Cost != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.get(t, snapshot.ID); got.FeeBalance != 5 {
		t.Fatalf("balance=%d want 5", got.FeeBalance)
	}
}

// flakyAdvance fails the first n AdvanceSchedule calls (all of them when n < 0).
type flakyAdvance struct {
	*registry.Memory
	n     int32
	calls atomic.Int32
}

func (r *flakyAdvance) AdvanceSchedule(ctx context.Context, adv registry.Advance) error {
	if c := r.calls.Add(1); r.n < 0 || c <= r.n {
		return errors.New("rpc unavailable")
	}
	return r.Memory.AdvanceSchedule(ctx, adv)
}

func (f *fixture) coordinatorOn(client registry.Client, keeper string) *Coordinator {
	c := f.coordinator(keeper)
	c.client = client
	return c
}

func TestExecuteRetriesFailedAdvance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	reg := &flakyAdvance{Memory: f.reg, n: 2}

	res := f.coordinatorOn(reg, "k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeSuccess || res.Unconfirmed || res.Err != nil || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := reg.calls.Load(); n != 3 {
		t.Fatalf("advance calls=%d want 3", n)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1", n)
	}
	got := f.get(t, task.ID)
	if !got.NextEligible.Equal(t0.Add(time.Minute)) || got.FeeBalance != 90 || got.Claim != nil {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteMarksUnconfirmedWhenAdvanceNeverLands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})
	reg := &flakyAdvance{Memory: f.reg, n: -1}

	res := f.coordinatorOn(reg, "k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeSuccess || !res.Unconfirmed || res.Err == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Cost != 0 || !res.NextEligible.IsZero() {
		t.Fatalf("nothing was debited or advanced: cost=%d next=%s", res.Cost, res.NextEligible)
	}
	// Retries stop before the one-minute lease runs out: 1+2+4+8+16s.
	if n := reg.calls.Load(); n != 6 {
		t.Fatalf("advance calls=%d want 6", n)
	}
	if f.clk.Now().Sub(t0) >= time.Minute {
		t.Fatalf("advance retried past the lease: %s", f.clk.Now().Sub(t0))
	}
	got := f.get(t, task.ID)
	if !got.NextEligible.Equal(t0) || got.FeeBalance != 100 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteFundsDrainedMidRetryPauses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 15})
	f.reg.HandleTarget("counter", func(ctx context.Context, call registry.Call) (registry.Receipt, error) {
		// The creator withdraws while the first submission is failing.
		if err := f.reg.Withdraw(ctx, call.TaskID, 10); err != nil {
			t.Errorf("Withdraw: %v", err)
		}
		return registry.Receipt{}, errors.New("rpc unavailable")
	})

	res := f.coordinator("k1").Execute(context.Background(), task)
	if res.Outcome != registry.OutcomeOutOfFunds || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1", n)
	}
	got := f.get(t, task.ID)
	if got.Status != registry.StatusPaused || got.FeeBalance != 5 {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestExecuteResolverGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ready := f.register(t, registry.Registration{FeeBalance: 100, Resolver: "oracle"})
	broken := f.register(t, registry.Registration{FeeBalance: 100, Resolver: "missing"})

	var answer atomic.Bool
	f.reg.HandleResolver("oracle", func(context.Context, registry.Task) (bool, error) { return answer.Load(), nil })
	c := f.coordinator("k1")

	res := c.Execute(context.Background(), ready)
	if !res.Skipped || res.SkipReason != SkipNotReady {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.get(t, ready.ID); got.Claim != nil {
		t.Fatalf("resolver skip must not claim: %+v", got.Claim)
	}

	res = c.Execute(context.Background(), broken)
	if !res.Skipped || res.SkipReason != SkipResolverError || !errors.Is(res.Err, registry.ErrResolverUnavailable) {
		t.Fatalf("unexpected result: %+v", res)
	}

	answer.Store(true)
	if res := c.Execute(context.Background(), ready); res.Outcome != registry.OutcomeSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(f.reg.Invocations()); n != 1 {
		t.Fatalf("invocations=%d want 1", n)
	}
}

func TestExecuteWhitelistRejectsStranger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100, Whitelist: []string{"k1"}})

	res := f.coordinator("stranger").Execute(context.Background(), task)
	if !res.Skipped || res.SkipReason != SkipClaimConflict {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteReclaimsExpiredLease(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})

	// A keeper claims and then crashes.
	if ok, _ := f.reg.TryClaim(context.Background(), task.ID, t0, "crashed", 30*time.Second); !ok {
		t.Fatalf("claim failed")
	}
	c := f.coordinator("k1")
	if res := c.Execute(context.Background(), task); !res.Skipped {
		t.Fatalf("live lease must block: %+v", res)
	}
	f.clk.Advance(30 * time.Second)
	if res := c.Execute(context.Background(), task); res.Outcome != registry.OutcomeSuccess {
		t.Fatalf("unexpected result after lease expiry: %+v", res)
	}
}

func TestExecuteReleasesClaimOnShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reg.HandleTarget("counter", func(context.Context, registry.Call) (registry.Receipt, error) {
		cancel()
		return registry.Receipt{}, context.Canceled
	})

	res := f.coordinator("k1").Execute(ctx, task)
	if res.Outcome != registry.OutcomeAbandoned || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.get(t, task.ID); got.Claim != nil {
		t.Fatalf("claim left behind on shutdown: %+v", got.Claim)
	}
}

// Several keepers sweep the same registry for several intervals; every
// interval is executed exactly once.
func TestNoDoubleExecutionAcrossKeepers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	task := f.register(t, registry.Registration{FeeBalance: 1000})

	keepers := []*Coordinator{f.coordinator("k1"), f.coordinator("k2"), f.coordinator("k3"), f.coordinator("k4")}
	const rounds = 5
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		for _, c := range keepers {
			snap, err := f.reg.ListActiveTasks(context.Background())
			if err != nil {
				t.Fatalf("ListActiveTasks: %v", err)
			}
			due := selector.Due(snap, f.clk.Now(), c.Config().Keeper)
			for _, dt := range due {
				wg.Add(1)
				go func(c *Coordinator, dt registry.Task) {
					defer wg.Done()
					c.Execute(context.Background(), dt)
				}(c, dt)
			}
		}
		wg.Wait()
		f.clk.Advance(time.Minute)
	}

	if n := len(f.reg.Invocations()); n != rounds {
		t.Fatalf("invocations=%d want %d", n, rounds)
	}
	got := f.get(t, task.ID)
	if got.FeeBalance != 1000-10*rounds || !got.NextEligible.Equal(t0.Add(rounds*time.Minute)) {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestMinLease(t *testing.T) {
	t.Parallel()
	got := MinLease(30*time.Second, RetryPolicy{MaxAttempts: 3, Base: time.Second, MaxDelay: time.Minute})
	if want := 93 * time.Second; got != want {
		t.Fatalf("MinLease=%s want %s", got, want)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 3 * time.Second}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{6, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(p, tc.retry, nil); got != tc.want {
			t.Fatalf("retry %d: got %s want %s", tc.retry, got, tc.want)
		}
	}
}
