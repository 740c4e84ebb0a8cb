package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sorokeeper/internal/clock"
)

// TargetFunc handles an invocation against a target contract in a Memory registry.
type TargetFunc func(ctx context.Context, call Call) (Receipt, error)

// ResolverFunc answers a resolver's check_condition for a task.
type ResolverFunc func(ctx context.Context, t Task) (bool, error)

// Memory is an in-process authoritative registry. All transitions happen under
// one mutex, which makes TryClaim a true compare-and-set for every keeper that
// shares the instance.
type Memory struct {
	mu      sync.Mutex
	clk     clock.Clock
	baseFee int64

	seq   uint64
	tasks map[uint64]*Task

	targets   map[string]TargetFunc
	resolvers map[string]ResolverFunc

	invocations []Call
}

type MemoryOption func(*Memory)

func WithClock(c clock.Clock) MemoryOption { return func(m *Memory) { m.clk = c } }

// WithBaseFee sets the simulated and charged cost of an invocation without a handler.
func WithBaseFee(fee int64) MemoryOption { return func(m *Memory) { m.baseFee = fee } }

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clk:       clock.Real{},
		baseFee:   10,
		tasks:     map[uint64]*Task{},
		targets:   map[string]TargetFunc{},
		resolvers: map[string]ResolverFunc{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// HandleTarget installs a handler for invocations of target (any function).
func (m *Memory) HandleTarget(target string, fn TargetFunc) {
	m.mu.Lock()
	m.targets[target] = fn
	m.mu.Unlock()
}

// HandleResolver installs the check_condition answer for resolver.
func (m *Memory) HandleResolver(resolver string, fn ResolverFunc) {
	m.mu.Lock()
	m.resolvers[resolver] = fn
	m.mu.Unlock()
}

// Invocations returns every call submitted through Invoke.
func (m *Memory) Invocations() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.invocations...)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ListActiveTasks(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status == StatusActive {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id uint64) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) TryClaim(ctx context.Context, id uint64, expectedNext time.Time, keeper string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !t.AllowsKeeper(keeper) {
		return false, ErrUnauthorized
	}
	if !t.Due(now) || !t.NextEligible.Equal(expectedNext) || !t.Claim.Expired(now) {
		return false, nil
	}
	t.Claim = &Claim{Keeper: keeper, Until: now.Add(lease)}
	return true, nil
}

func (m *Memory) Simulate(ctx context.Context, call Call) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[call.TaskID]; !ok {
		return Estimate{}, ErrTaskNotFound
	}
	return Estimate{Cost: m.baseFee}, nil
}

func (m *Memory) Invoke(ctx context.Context, call Call) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	fn := m.targets[call.Target]
	fee := m.baseFee
	m.invocations = append(m.invocations, call)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	return Receipt{TxID: uuid.NewString(), Confirmed: true, Cost: fee}, nil
}

func (m *Memory) AdvanceSchedule(ctx context.Context, adv Advance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !adv.NewNext.After(adv.ExpectedNext) {
		return ErrNonMonotonic
	}
	if adv.FeeDebit < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[adv.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Claim == nil || t.Claim.Keeper != adv.Keeper || !t.NextEligible.Equal(adv.ExpectedNext) {
		return ErrClaimLost
	}
	t.NextEligible = adv.NewNext
	t.FeeBalance -= min(adv.FeeDebit, t.FeeBalance)
	t.LastOutcome = adv.Outcome
	t.Claim = nil
	return nil
}

func (m *Memory) PauseTask(ctx context.Context, id uint64, keeper string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Claim == nil || t.Claim.Keeper != keeper {
		return ErrClaimLost
	}
	t.Status = StatusPaused
	t.LastOutcome = OutcomeOutOfFunds
	t.Claim = nil
	return nil
}

func (m *Memory) ReleaseClaim(ctx context.Context, id uint64, keeper string, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Claim == nil {
		return nil
	}
	if t.Claim.Keeper != keeper {
		return ErrClaimLost
	}
	t.Claim = nil
	t.LastOutcome = outcome
	return nil
}

func (m *Memory) CheckCondition(ctx context.Context, t Task) (bool, error) {
	if t.Resolver == "" {
		return true, nil
	}
	m.mu.Lock()
	fn := m.resolvers[t.Resolver]
	m.mu.Unlock()
	if fn == nil {
		return false, fmt.Errorf("%w: %s", ErrResolverUnavailable, t.Resolver)
	}
	return fn(ctx, t)
}

func (m *Memory) Register(ctx context.Context, reg Registration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := reg.validate(); err != nil {
		return 0, err
	}
	next := reg.NextEligible
	if next.IsZero() {
		next = m.clk.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &Task{
		ID:           m.seq,
		Creator:      reg.Creator,
		Target:       reg.Target,
		Function:     reg.Function,
		Resolver:     reg.Resolver,
		Interval:     reg.Interval.Truncate(time.Second),
		NextEligible: next.Truncate(time.Second),
		FeeBalance:   reg.FeeBalance,
		Status:       StatusActive,
	}
	t.Args = append(t.Args, reg.Args...)
	t.Whitelist = append(t.Whitelist, reg.Whitelist...)
	m.tasks[t.ID] = t
	return t.ID, nil
}

func (m *Memory) Deposit(ctx context.Context, id uint64, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == StatusCanceled {
		return ErrNotActive
	}
	t.FeeBalance += amount
	if t.Status == StatusPaused {
		t.Status = StatusActive
	}
	return nil
}

func (m *Memory) Withdraw(ctx context.Context, id uint64, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.FeeBalance < amount {
		return ErrInsufficientBalance
	}
	t.FeeBalance -= amount
	return nil
}

func (m *Memory) Cancel(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = StatusCanceled
	t.Claim = nil
	return nil
}

var _ Backend = (*Memory)(nil)
