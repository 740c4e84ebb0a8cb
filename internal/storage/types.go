package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the outcome store.
//
// Driver values: "file", "sqlite". Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeRecord is one terminal execution result. Keep it compact and
// schema-stable.
type OutcomeRecord struct {
	ID            string    `json:"id"`
	TaskID        uint64    `json:"task_id"`
	Target        string    `json:"target"`
	Function      string    `json:"function"`
	Keeper        string    `json:"keeper"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	Cost          int64     `json:"cost"`
	TxID          string    `json:"tx_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	IntervalStart time.Time `json:"interval_start"`
	NextEligible  time.Time `json:"next_eligible,omitzero"`
	Unconfirmed   bool      `json:"unconfirmed,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Timestamp     time.Time `json:"ts"`
}

// Query filters ListOutcomes. Zero fields match everything; results are
// newest first.
type Query struct {
	TaskID uint64
	Status string
	Since  time.Time
	Limit  int
}

func (q Query) match(r OutcomeRecord) bool {
	if q.TaskID != 0 && r.TaskID != q.TaskID {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
