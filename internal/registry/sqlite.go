package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"sorokeeper/internal/clock"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	creator       TEXT    NOT NULL DEFAULT '',
	target        TEXT    NOT NULL,
	function      TEXT    NOT NULL,
	args          TEXT    NOT NULL DEFAULT '[]',
	resolver      TEXT    NOT NULL DEFAULT '',
	whitelist     TEXT    NOT NULL DEFAULT '[]',
	interval_s    INTEGER NOT NULL CHECK (interval_s > 0),
	next_eligible INTEGER NOT NULL,
	fee_balance   INTEGER NOT NULL CHECK (fee_balance >= 0),
	status        TEXT    NOT NULL,
	last_outcome  TEXT    NOT NULL DEFAULT '',
	claim_keeper  TEXT,
	claim_until   INTEGER,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_next ON tasks(status, next_eligible);

CREATE TABLE IF NOT EXISTS invocations (
	tx_id    TEXT PRIMARY KEY,
	task_id  INTEGER NOT NULL,
	keeper   TEXT    NOT NULL DEFAULT '',
	target   TEXT    NOT NULL,
	function TEXT    NOT NULL,
	args     TEXT    NOT NULL DEFAULT '[]',
	cost     INTEGER NOT NULL,
	at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS resolvers (
	address TEXT PRIMARY KEY,
	ready   INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteConfig configures the shared-file registry.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	// BaseFee is the cost charged per invocation recorded in the ledger.
	BaseFee int64
}

// SQLite is a registry stored in a SQLite file that several keeper processes
// on one host can race against. Every state transition is a single
// conditional UPDATE, so the claim is atomic across processes.
//
// Invocations are appended to a local ledger table; it is a development
// stand-in for a chain and never calls out to a network.
type SQLite struct {
	db      *sql.DB
	clk     clock.Clock
	baseFee int64
}

func OpenSQLite(cfg SQLiteConfig, clk clock.Clock) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for sqlite driver")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(registrySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	fee := cfg.BaseFee
	if fee <= 0 {
		fee = 10
	}
	return &SQLite{db: db, clk: clk, baseFee: fee}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, creator, target, function, args, resolver, whitelist, interval_s,
	next_eligible, fee_balance, status, last_outcome, claim_keeper, claim_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t               Task
		args, wl        string
		intervalS, next int64
		status, outcome string
		claimKeeper     sql.NullString
		claimUntil      sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.Creator, &t.Target, &t.Function, &args, &t.Resolver, &wl, &intervalS,
		&next, &t.FeeBalance, &status, &outcome, &claimKeeper, &claimUntil); err != nil {
		return Task{}, err
	}
	_ = json.Unmarshal([]byte(args), &t.Args)
	_ = json.Unmarshal([]byte(wl), &t.Whitelist)
	t.Interval = time.Duration(intervalS) * time.Second
	t.NextEligible = time.Unix(next, 0)
	t.Status = Status(status)
	t.LastOutcome = Outcome(outcome)
	if claimKeeper.Valid && claimUntil.Valid {
		t.Claim = &Claim{Keeper: claimKeeper.String, Until: time.Unix(claimUntil.Int64, 0)}
	}
	return t, nil
}

func (s *SQLite) ListActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) GetTask(ctx context.Context, id uint64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (s *SQLite) TryClaim(ctx context.Context, id uint64, expectedNext time.Time, keeper string, lease time.Duration) (bool, error) {
	// Whitelists are immutable after registration, so checking outside the UPDATE is race-free.
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if !t.AllowsKeeper(keeper) {
		return false, ErrUnauthorized
	}

	at := s.clk.Now()
	now, until := at.Unix(), at.Add(lease).Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET claim_keeper = ?, claim_until = ?, updated_at = ?
		WHERE id = ? AND status = ? AND next_eligible = ? AND next_eligible <= ?
		  AND (claim_until IS NULL OR claim_until <= ?)`,
		keeper, until, now, id, string(StatusActive), expectedNext.Unix(), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) Simulate(ctx context.Context, call Call) (Estimate, error) {
	if _, err := s.GetTask(ctx, call.TaskID); err != nil {
		return Estimate{}, err
	}
	return Estimate{Cost: s.baseFee}, nil
}

func (s *SQLite) Invoke(ctx context.Context, call Call) (Receipt, error) {
	args, _ := json.Marshal(call.Args)
	txID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(tx_id, task_id, keeper, target, function, args, cost, at) VALUES(?,?,?,?,?,?,?,?)`,
		txID, call.TaskID, call.Keeper, call.Target, call.Function, string(args), s.baseFee, s.clk.Now().Unix(),
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit invocation: %w", err)
	}
	return Receipt{TxID: txID, Confirmed: true, Cost: s.baseFee}, nil
}

// InvocationCount returns the number of ledger entries for a task, whether
// or not the task still exists.
func (s *SQLite) InvocationCount(ctx context.Context, id uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations WHERE task_id = ?`, id).Scan(&n)
	return n, err
}

func (s *SQLite) AdvanceSchedule(ctx context.Context, adv Advance) error {
	if !adv.NewNext.After(adv.ExpectedNext) {
		return ErrNonMonotonic
	}
	if adv.FeeDebit < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET next_eligible = ?, fee_balance = fee_balance - MIN(?, fee_balance),
			last_outcome = ?, claim_keeper = NULL, claim_until = NULL, updated_at = ?
		WHERE id = ? AND next_eligible = ? AND claim_keeper = ?`,
		adv.NewNext.Unix(), adv.FeeDebit, string(adv.Outcome), s.clk.Now().Unix(),
		adv.TaskID, adv.ExpectedNext.Unix(), adv.Keeper,
	)
	if err != nil {
		return fmt.Errorf("advance task %d: %w", adv.TaskID, err)
	}
	return s.expectOne(ctx, res, adv.TaskID)
}

func (s *SQLite) PauseTask(ctx context.Context, id uint64, keeper string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_outcome = ?, claim_keeper = NULL, claim_until = NULL, updated_at = ?
		WHERE id = ? AND claim_keeper = ?`,
		string(StatusPaused), string(OutcomeOutOfFunds), s.clk.Now().Unix(), id, keeper,
	)
	if err != nil {
		return fmt.Errorf("pause task %d: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLite) ReleaseClaim(ctx context.Context, id uint64, keeper string, outcome Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET claim_keeper = NULL, claim_until = NULL, last_outcome = ?, updated_at = ?
		WHERE id = ? AND claim_keeper = ?`,
		string(outcome), s.clk.Now().Unix(), id, keeper,
	)
	if err != nil {
		return fmt.Errorf("release task %d: %w", id, err)
	}
	err = s.expectOne(ctx, res, id)
	if errors.Is(err, ErrClaimLost) {
		t, gerr := s.GetTask(ctx, id)
		if gerr == nil && t.Claim == nil {
			return nil
		}
	}
	return err
}

// expectOne maps a zero-row conditional update to ErrTaskNotFound or ErrClaimLost.
func (s *SQLite) expectOne(ctx context.Context, res sql.Result, id uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrClaimLost
}

func (s *SQLite) CheckCondition(ctx context.Context, t Task) (bool, error) {
	if t.Resolver == "" {
		return true, nil
	}
	var ready int
	err := s.db.QueryRowContext(ctx, `SELECT ready FROM resolvers WHERE address = ?`, t.Resolver).Scan(&ready)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrResolverUnavailable, t.Resolver)
	}
	if err != nil {
		return false, err
	}
	return ready != 0, nil
}

// SetResolver records the answer a resolver address gives to check_condition.
func (s *SQLite) SetResolver(ctx context.Context, address string, ready bool) error {
	v := 0
	if ready {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolvers(address, ready) VALUES(?,?) ON CONFLICT(address) DO UPDATE SET ready = excluded.ready`,
		address, v,
	)
	return err
}

func (s *SQLite) Register(ctx context.Context, reg Registration) (uint64, error) {
	if err := reg.validate(); err != nil {
		return 0, err
	}
	next := reg.NextEligible
	if next.IsZero() {
		next = s.clk.Now()
	}
	args, _ := json.Marshal(nonNil(reg.Args))
	wl, _ := json.Marshal(nonNil(reg.Whitelist))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks(creator, target, function, args, resolver, whitelist, interval_s, next_eligible, fee_balance, status, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		reg.Creator, reg.Target, reg.Function, string(args), reg.Resolver, string(wl),
		int64(reg.Interval/time.Second), next.Unix(), reg.FeeBalance, string(StatusActive), s.clk.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *SQLite) Deposit(ctx context.Context, id uint64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET fee_balance = fee_balance + ?,
			status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ?
		WHERE id = ? AND status != ?`,
		amount, string(StatusPaused), string(StatusActive), s.clk.Now().Unix(), id, string(StatusCanceled),
	)
	if err != nil {
		return fmt.Errorf("deposit task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrNotActive
}

func (s *SQLite) Withdraw(ctx context.Context, id uint64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET fee_balance = fee_balance - ?, updated_at = ? WHERE id = ? AND fee_balance >= ?`,
		amount, s.clk.Now().Unix(), id, amount,
	)
	if err != nil {
		return fmt.Errorf("withdraw task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrInsufficientBalance
}

func (s *SQLite) Cancel(ctx context.Context, id uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claim_keeper = NULL, claim_until = NULL, updated_at = ? WHERE id = ?`,
		string(StatusCanceled), s.clk.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var _ Backend = (*SQLite)(nil)
