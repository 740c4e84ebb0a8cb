// Package recorder appends execution outcomes to the outcome log and
// projects them onto the event bus.
//
// Recording is observational: a failing store is logged and counted but never
// reaches the scheduling loop.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/task/coordinator"
	logx "sorokeeper/pkg/logx"
)

const defaultHistory = 200

type Recorder struct {
	store storage.Store // nil: history and events only
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	history []storage.OutcomeRecord
	size    int

	recorded    atomic.Uint64
	skipped     atomic.Uint64
	storeErrors atomic.Uint64
}

func New(store storage.Store, bus eventbus.Bus, historySize int, log logx.Logger) *Recorder {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	return &Recorder{store: store, bus: bus, size: historySize, log: log.With(logx.String("comp", "recorder"))}
}

// Record persists res. Skipped results changed nothing and are only counted.
func (r *Recorder) Record(ctx context.Context, res coordinator.Result) {
	if res.Skipped {
		r.skipped.Add(1)
		return
	}
	rec := toRecord(res)

	if r.store != nil {
		if err := r.store.AppendOutcome(ctx, rec); err != nil {
			r.storeErrors.Add(1)
			r.log.Error("append outcome failed", logx.Uint64("task", rec.TaskID), logx.String("status", rec.Status), logx.Err(err))
		}
	}
	r.recorded.Add(1)

	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > r.size {
		r.history = r.history[len(r.history)-r.size:]
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.OutcomeType(rec.Status), Time: rec.Timestamp, Data: rec})
	}

	fields := []logx.Field{
		logx.Uint64("task", rec.TaskID),
		logx.String("status", rec.Status),
		logx.Int("attempts", rec.Attempts),
		logx.Int64("cost", rec.Cost),
	}
	switch res.Outcome {
	case registry.OutcomeSuccess:
		r.log.Info("task executed", fields...)
	case registry.OutcomeFailed:
		r.log.Warn("task reverted", append(fields, logx.String("err", rec.Error))...)
	default:
		r.log.Warn("task not executed", append(fields, logx.String("err", rec.Error))...)
	}
}

// Recent returns up to n of the newest records, newest first. n <= 0 returns all kept.
func (r *Recorder) Recent(n int) []storage.OutcomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]storage.OutcomeRecord, 0, n)
	for i := len(r.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// Prune drops stored records older than retention relative to now.
func (r *Recorder) Prune(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	if r.store == nil || retention <= 0 {
		return 0, nil
	}
	n, err := r.store.PruneOutcomes(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("outcomes pruned", logx.Int("count", n), logx.Duration("retention", retention))
	}
	return n, nil
}

type Stats struct {
	Recorded    uint64
	Skipped     uint64
	StoreErrors uint64
}

func (r *Recorder) Stats() Stats {
	return Stats{Recorded: r.recorded.Load(), Skipped: r.skipped.Load(), StoreErrors: r.storeErrors.Load()}
}

func toRecord(res coordinator.Result) storage.OutcomeRecord {
	rec := storage.OutcomeRecord{
		ID:            uuid.NewString(),
		TaskID:        res.Task.ID,
		Target:        res.Task.Target,
		Function:      res.Task.Function,
		Keeper:        res.Keeper,
		Status:        res.Status(),
		Attempts:      res.Attempts,
		Cost:          res.Cost,
		TxID:          res.TxID,
		IntervalStart: res.Task.NextEligible,
		DurationMS:    res.Duration().Milliseconds(),
		Timestamp:     res.Finished,
	}
	rec.Unconfirmed = res.Unconfirmed
	if res.Outcome.AdvancesSchedule() && !res.Unconfirmed {
		rec.NextEligible = res.NextEligible
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}
