// Package eventbus is the in-process fanout used to decouple the keeper loop
// from its observers (outcome alerts, watchdog heartbeats).
//
// Publish never blocks: subscribers get a buffered channel and a slow
// subscriber loses events rather than stalling a sweep.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the keeper.
const (
	TypeSweepDone   = "sweep.done"
	TypeSweepFailed = "sweep.failed"
	TypeJobDropped  = "job.dropped"
	TypeJobPanicked = "job.panicked"

	// OutcomePrefix prefixes per-status outcome events, e.g. "outcome.abandoned".
	OutcomePrefix = "outcome."
)

// OutcomeType returns the event type for a recorded outcome status.
func OutcomeType(status string) string { return OutcomePrefix + status }

type Event struct {
	Type string
	Time time.Time
	Data any
}

// IsOutcome reports whether e is an outcome event and returns its status.
func (e Event) IsOutcome() (string, bool) {
	if !strings.HasPrefix(e.Type, OutcomePrefix) {
		return "", false
	}
	return strings.TrimPrefix(e.Type, OutcomePrefix), true
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock: unsubscribe takes the write lock before
	// closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
