// Package selector picks the tasks that are due from a registry snapshot.
//
// Selection is pure: the snapshot may be stale or partial, and the registry's
// claim is what actually prevents a task from running twice.
package selector

import (
	"time"

	"sorokeeper/internal/registry"
)

// Due returns the tasks of snapshot that keeper may execute at now, in input order.
func Due(tasks []registry.Task, now time.Time, keeper string) []registry.Task {
	out := make([]registry.Task, 0, len(tasks))
	for _, t := range tasks {
		if classify(t, now, keeper) == reasonDue {
			out = append(out, t)
		}
	}
	return out
}

// Stats counts why tasks in a snapshot were or were not selected.
type Stats struct {
	Due         int
	NotDue      int
	Paused      int
	Canceled    int
	NotAllowed  int
	MinInterval time.Duration
}

// Partition is Due plus a breakdown of the rest, used for sweep logging.
func Partition(tasks []registry.Task, now time.Time, keeper string) ([]registry.Task, Stats) {
	var st Stats
	out := make([]registry.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == registry.StatusActive && t.Interval > 0 && (st.MinInterval == 0 || t.Interval < st.MinInterval) {
			st.MinInterval = t.Interval
		}
		switch classify(t, now, keeper) {
		case reasonDue:
			st.Due++
			out = append(out, t)
		case reasonNotDue:
			st.NotDue++
		case reasonPaused:
			st.Paused++
		case reasonCanceled:
			st.Canceled++
		case reasonNotAllowed:
			st.NotAllowed++
		}
	}
	return out, st
}

type reason int

const (
	reasonDue reason = iota
	reasonNotDue
	reasonPaused
	reasonCanceled
	reasonNotAllowed
)

func classify(t registry.Task, now time.Time, keeper string) reason {
	switch t.Status {
	case registry.StatusActive:
	case registry.StatusPaused:
		return reasonPaused
	default:
		return reasonCanceled
	}
	if now.Before(t.NextEligible) {
		return reasonNotDue
	}
	if !t.AllowsKeeper(keeper) {
		return reasonNotAllowed
	}
	return reasonDue
}
