package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/task/coordinator"
	logx "sorokeeper/pkg/logx"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func result(id uint64, outcome registry.Outcome, finished time.Time) coordinator.Result {
	return coordinator.Result{
		Task:         registry.Task{ID: id, Target: "counter", Function: "increment", NextEligible: t0, Interval: time.Minute},
		Keeper:       "k1",
		Outcome:      outcome,
		Attempts:     1,
		Cost:         10,
		NextEligible: t0.Add(time.Minute),
		Started:      finished.Add(-time.Second),
		Finished:     finished,
	}
}

type failingStore struct{ storage.Store }

func (failingStore) AppendOutcome(context.Context, storage.OutcomeRecord) error {
	return errors.New("disk full")
}

func TestRecordPersistsAndPublishes(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "out")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(st, bus, 10, logx.Nop())
	r.Record(context.Background(), result(1, registry.OutcomeSuccess, t0.Add(time.Second)))
	abandoned := result(2, registry.OutcomeAbandoned, t0.Add(2*time.Second))
	abandoned.Err = errors.New("rpc down")
	r.Record(context.Background(), abandoned)

	recs, err := st.ListOutcomes(context.Background(), storage.Query{})
	if err != nil || len(recs) != 2 {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
	if recs[0].Status != "abandoned" || recs[0].Error != "rpc down" || !recs[0].NextEligible.IsZero() {
		t.Fatalf("abandoned record: %+v", recs[0])
	}
	if recs[1].Status != "success" || !recs[1].NextEligible.Equal(t0.Add(time.Minute)) || recs[1].DurationMS != 1000 {
		t.Fatalf("success record: %+v", recs[1])
	}

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing event")
		}
	}
	if types[0] != "outcome.success" || types[1] != "outcome.abandoned" {
		t.Fatalf("events=%v", types)
	}
}

func TestRecordKeepsUnconfirmedFlag(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "out.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	res := result(7, registry.OutcomeSuccess, t0)
	res.Unconfirmed = true
	res.Err = errors.New("advance schedule: rpc unavailable")
	New(st, nil, 10, logx.Nop()).Record(context.Background(), res)

	recs, err := st.ListOutcomes(context.Background(), storage.Query{TaskID: 7})
	if err != nil || len(recs) != 1 {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
	if !recs[0].Unconfirmed || !recs[0].NextEligible.IsZero() || recs[0].Status != "success" {
		t.Fatalf("record=%+v", recs[0])
	}
}

func TestRecordIgnoresSkipped(t *testing.T) {
	t.Parallel()
	r := New(nil, nil, 10, logx.Nop())
	r.Record(context.Background(), coordinator.Result{Skipped: true, SkipReason: coordinator.SkipClaimConflict})
	if got := r.Stats(); got.Skipped != 1 || got.Recorded != 0 {
		t.Fatalf("stats=%+v", got)
	}
	if len(r.Recent(0)) != 0 {
		t.Fatalf("skipped result kept in history")
	}
}

func TestRecordSurvivesStoreErrors(t *testing.T) {
	t.Parallel()
	r := New(failingStore{}, nil, 10, logx.Nop())
	r.Record(context.Background(), result(1, registry.OutcomeFailed, t0))
	if got := r.Stats(); got.StoreErrors != 1 || got.Recorded != 1 {
		t.Fatalf("stats=%+v", got)
	}
	if len(r.Recent(0)) != 1 {
		t.Fatalf("history should keep the record")
	}
}

func TestRecentIsBoundedNewestFirst(t *testing.T) {
	t.Parallel()
	r := New(nil, nil, 3, logx.Nop())
	for i := uint64(1); i <= 5; i++ {
		r.Record(context.Background(), result(i, registry.OutcomeSuccess, t0.Add(time.Duration(i)*time.Second)))
	}
	got := r.Recent(0)
	if len(got) != 3 || got[0].TaskID != 5 || got[2].TaskID != 3 {
		t.Fatalf("recent=%+v", got)
	}
	if got := r.Recent(1); len(got) != 1 || got[0].TaskID != 5 {
		t.Fatalf("recent(1)=%+v", got)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "out.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	r := New(st, nil, 10, logx.Nop())
	r.Record(context.Background(), result(1, registry.OutcomeSuccess, t0))
	r.Record(context.Background(), result(2, registry.OutcomeSuccess, t0.Add(48*time.Hour)))

	n, err := r.Prune(context.Background(), t0.Add(49*time.Hour), 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if n, _ := New(nil, nil, 1, logx.Nop()).Prune(context.Background(), t0, time.Hour); n != 0 {
		t.Fatalf("nil store prune n=%d", n)
	}
}
