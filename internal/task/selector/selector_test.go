package selector

import (
	"testing"
	"time"

	"sorokeeper/internal/registry"
)

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tasks := []registry.Task{
		{ID: 1, Status: registry.StatusActive, NextEligible: now},                       // due exactly now
		{ID: 2, Status: registry.StatusActive, NextEligible: now.Add(time.Second)},      // not yet
		{ID: 3, Status: registry.StatusCanceled, NextEligible: now.Add(-time.Hour)},     // canceled
		{ID: 4, Status: registry.StatusPaused, NextEligible: now.Add(-time.Hour)},       // out of funds
		{ID: 5, Status: registry.StatusActive, NextEligible: now.Add(-2 * time.Minute)}, // overdue
		{ID: 6, Status: registry.StatusActive, NextEligible: now, Whitelist: []string{"other"}},
	}

	got := Due(tasks, now, "k1")
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 5 {
		t.Fatalf("Due returned %v", ids(got))
	}
}

func TestDueEmptySnapshot(t *testing.T) {
	t.Parallel()
	if got := Due(nil, time.Now(), "k1"); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", ids(got))
	}
}

func TestPartition(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tasks := []registry.Task{
		{ID: 1, Status: registry.StatusActive, Interval: time.Minute, NextEligible: now},
		{ID: 2, Status: registry.StatusActive, Interval: 10 * time.Second, NextEligible: now.Add(time.Hour)},
		{ID: 3, Status: registry.StatusPaused, Interval: time.Second},
		{ID: 4, Status: registry.StatusCanceled},
		{ID: 5, Status: registry.StatusActive, Interval: time.Hour, Whitelist: []string{"k2"}},
	}
	due, st := Partition(tasks, now, "k1")
	if len(due) != 1 || due[0].ID != 1 {
		t.Fatalf("due=%v", ids(due))
	}
	want := Stats{Due: 1, NotDue: 1, Paused: 1, Canceled: 1, NotAllowed: 1, MinInterval: 10 * time.Second}
	if st != want {
		t.Fatalf("stats=%+v want %+v", st, want)
	}
}

func ids(ts []registry.Task) []uint64 {
	out := make([]uint64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
