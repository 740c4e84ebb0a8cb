package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: OutcomeType("success")})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if st, ok := e.IsOutcome(); !ok || st != "success" {
				t.Fatalf("unexpected event %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("publish should stamp time")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeSweepDone})
	b.Publish(Event{Type: TypeSweepDone})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: TypeSweepDone}) // must not panic
}

func TestIsOutcome(t *testing.T) {
	t.Parallel()
	if _, ok := (Event{Type: TypeSweepDone}).IsOutcome(); ok {
		t.Fatalf("sweep event reported as outcome")
	}
}
