package registry

import (
	"slices"
	"strings"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused" // insufficient funds; a deposit re-activates
	StatusCanceled Status = "canceled"
)

// Outcome is the terminal result of one execution attempt for a due interval.
// Each tag carries its own scheduling policy; see AdvancesSchedule/Debits/Pauses.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed" // confirmed on-chain revert
	OutcomeOutOfFunds Outcome = "out_of_funds"
	OutcomeAbandoned  Outcome = "abandoned" // submission kept failing; claim released
)

// AdvancesSchedule reports whether the interval is consumed by this outcome.
func (o Outcome) AdvancesSchedule() bool {
	return o == OutcomeSuccess || o == OutcomeFailed
}

// Debits reports whether the fee balance is charged for this outcome.
func (o Outcome) Debits() bool { return o.AdvancesSchedule() }

// Pauses reports whether the task leaves the active set.
func (o Outcome) Pauses() bool { return o == OutcomeOutOfFunds }

func (o Outcome) String() string {
	if o == OutcomeNone {
		return "none"
	}
	return string(o)
}

// Claim is a leased reservation of the task's current interval.
type Claim struct {
	Keeper string    `json:"keeper"`
	Until  time.Time `json:"until"`
}

// Expired reports whether the lease no longer protects the interval at now.
func (c *Claim) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.Until)
}

// Task is the keeper's read of a registry entry. It is a disposable cache;
// the registry stays authoritative.
type Task struct {
	ID       uint64   `json:"id"`
	Creator  string   `json:"creator"`
	Target   string   `json:"target"`
	Function string   `json:"function"`
	Args     []string `json:"args,omitempty"`

	// Resolver, when set, is asked whether the task should run this cycle.
	Resolver string `json:"resolver,omitempty"`
	// Whitelist restricts execution to the listed keepers (empty: anyone).
	Whitelist []string `json:"whitelist,omitempty"`

	Interval     time.Duration `json:"interval"`
	NextEligible time.Time     `json:"next_eligible"`
	FeeBalance   int64         `json:"fee_balance"`
	Status       Status        `json:"status"`
	LastOutcome  Outcome       `json:"last_outcome,omitempty"`
	Claim        *Claim        `json:"claim,omitempty"`
}

// Due reports whether the task may execute at now.
func (t Task) Due(now time.Time) bool {
	return t.Status == StatusActive && !now.Before(t.NextEligible)
}

// AllowsKeeper reports whether keeper passes the task's whitelist.
func (t Task) AllowsKeeper(keeper string) bool {
	if len(t.Whitelist) == 0 {
		return true
	}
	return slices.Contains(t.Whitelist, strings.TrimSpace(keeper))
}

// Call is the target invocation the task performs.
func (t Task) Call() Call {
	return Call{TaskID: t.ID, Target: t.Target, Function: t.Function, Args: slices.Clone(t.Args)}
}

// Clone returns a deep copy safe to hand across goroutines.
func (t Task) Clone() Task {
	cp := t
	cp.Args = slices.Clone(t.Args)
	cp.Whitelist = slices.Clone(t.Whitelist)
	if t.Claim != nil {
		c := *t.Claim
		cp.Claim = &c
	}
	return cp
}

type Call struct {
	TaskID   uint64
	Target   string
	Function string
	Args     []string
	Keeper   string
}

// Estimate is the result of simulating a call without submitting it.
type Estimate struct {
	Cost    int64
	Reverts bool
}

// Receipt describes a submitted call after the bounded confirmation wait.
// A receipt that is neither confirmed nor reverted means the wait ran out.
type Receipt struct {
	TxID      string
	Confirmed bool
	Reverted  bool
	Cost      int64
}

// Advance moves a claimed task to its next interval and charges the attempt.
type Advance struct {
	TaskID       uint64
	Keeper       string
	ExpectedNext time.Time
	NewNext      time.Time
	FeeDebit     int64
	Outcome      Outcome
}

// Registration describes a new task (creator side).
type Registration struct {
	Creator   string
	Target    string
	Function  string
	Args      []string
	Resolver  string
	Whitelist []string
	Interval  time.Duration
	// NextEligible defaults to the registration time (due immediately).
	NextEligible time.Time
	FeeBalance   int64
}

func (r Registration) validate() error {
	if r.Interval < time.Second {
		return ErrInvalidInterval
	}
	if strings.TrimSpace(r.Target) == "" || strings.TrimSpace(r.Function) == "" {
		return ErrInvalidTask
	}
	if r.FeeBalance < 0 {
		return ErrInvalidAmount
	}
	return nil
}
