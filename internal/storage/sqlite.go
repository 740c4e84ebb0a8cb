package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sorokeeper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("outcomes.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, r OutcomeRecord) error {
	var next any
	if !r.NextEligible.IsZero() {
		next = r.NextEligible.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, task_id, target, function, keeper, status, attempts, cost, tx_id, err, interval_start, next_eligible, unconfirmed, duration_ms, ts)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, r.Target, r.Function, r.Keeper, r.Status, r.Attempts, r.Cost,
		nullStr(r.TxID), nullStr(r.Error), r.IntervalStart.Unix(), next, r.Unconfirmed, r.DurationMS, r.Timestamp.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListOutcomes(ctx context.Context, q Query) ([]OutcomeRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.TaskID != 0 {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	query := `SELECT id, task_id, target, function, keeper, status, attempts, cost, tx_id, err, interval_start, next_eligible, unconfirmed, duration_ms, ts FROM outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			r            OutcomeRecord
			txID, errStr sql.NullString
			start, tsMS  int64
			next         sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Target, &r.Function, &r.Keeper, &r.Status, &r.Attempts, &r.Cost,
			&txID, &errStr, &start, &next, &r.Unconfirmed, &r.DurationMS, &tsMS); err != nil {
			return nil, err
		}
		r.TxID, r.Error = txID.String, errStr.String
		r.IntervalStart = time.Unix(start, 0)
		if next.Valid {
			r.NextEligible = time.Unix(next.Int64, 0)
		}
		r.Timestamp = time.UnixMilli(tsMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneOutcomes(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
