package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sorokeeper/internal/eventbus"
	logx "sorokeeper/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{cfg: Config{Notify: true}, log: logx.Nop(), send: rec.send}
	n.Ready()
	n.Status("sweeps=%d", 3)
	n.Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=sweeps=3", daemon.SdNotifyStopping}
	if len(rec.states) != len(want) {
		t.Fatalf("states=%v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states=%v want %v", rec.states, want)
		}
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{cfg: Config{}, log: logx.Nop(), send: rec.send}
	n.Ready()
	if len(rec.states) != 0 {
		t.Fatalf("states=%v", rec.states)
	}
}

func TestWatchdogPingsOnSweeps(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{cfg: Config{Notify: true, Watchdog: true}, log: logx.Nop(), send: rec.send, watchdogInterval: time.Millisecond}
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.RunWatchdog(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(daemon.SdNotifyWatchdog) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped})
		bus.Publish(eventbus.Event{Type: eventbus.TypeSweepDone})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if rec.count(daemon.SdNotifyWatchdog) == 0 {
		t.Fatalf("no watchdog ping")
	}
	if len(rec.states) != rec.count(daemon.SdNotifyWatchdog) {
		t.Fatalf("unexpected states %v", rec.states)
	}
}

func TestWatchdogOffWithoutInterval(t *testing.T) {
	t.Parallel()
	n := &Notifier{cfg: Config{Notify: true, Watchdog: true}, log: logx.Nop(), send: (&recorder{}).send}
	if err := n.RunWatchdog(context.Background(), eventbus.New()); err != nil {
		t.Fatalf("err=%v", err)
	}
}
