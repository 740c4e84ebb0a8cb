package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/storage"
	kit "sorokeeper/internal/transport"
	logx "sorokeeper/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	msgs  []sent
	out   chan sent
	calls atomic.Int32
	// fail makes the first n calls error.
	fail int32
	// gate, when set, blocks every call until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{out: make(chan sent, 16), entered: make(chan struct{}, 16)}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	n := f.calls.Add(1)
	f.entered <- struct{}{}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	if n <= f.fail {
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, sent{to, text})
	f.mu.Unlock()
	f.out <- sent{to, text}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: int(n)}, nil
}

func waitSent(t *testing.T, f *fakeSender) sent {
	t.Helper()
	select {
	case s := <-f.out:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing sent")
		return sent{}
	}
}

func baseConfig() Config {
	return Config{
		Enabled:    true,
		Target:     kit.ChatTarget{ChatID: 42},
		Alerts:     []string{"out_of_funds", "abandoned"},
		RatePerSec: 100,
		RetryBase:  time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, f *fakeSender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, f, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestOutcomeEventsBecomeAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := newFakeSender()
	startService(t, baseConfig(), f, bus)

	bus.Publish(eventbus.Event{Type: eventbus.OutcomeType("success"), Data: storage.OutcomeRecord{TaskID: 1, Status: "success"}})
	bus.Publish(eventbus.Event{Type: eventbus.OutcomeType("out_of_funds"), Data: storage.OutcomeRecord{TaskID: 2, Status: "out_of_funds", Target: "vault", Function: "harvest", Keeper: "k1"}})
	bus.Publish(eventbus.Event{Type: eventbus.OutcomeType("abandoned"), Data: storage.OutcomeRecord{TaskID: 3, Status: "abandoned", Attempts: 3, Error: "rpc timeout"}})

	first := waitSent(t, f)
	if first.to.ChatID != 42 || !strings.Contains(first.text, "task 2 is out of funds") || !strings.Contains(first.text, "vault.harvest") {
		t.Fatalf("first alert=%+v", first)
	}
	second := waitSent(t, f)
	if !strings.Contains(second.text, "task 3 abandoned after 3 attempts") || !strings.Contains(second.text, "rpc timeout") {
		t.Fatalf("second alert=%q", second.text)
	}
	select {
	case extra := <-f.out:
		t.Fatalf("unexpected alert %q", extra.text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	s := startService(t, cfg, f, nil)

	n := kit.Notification{Channel: "telegram", Text: "task 5 abandoned", Key: "outcome:5:abandoned"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitSent(t, f)
	if st := s.Stats(); st.Queued != 1 || st.Deduped != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestRetryThenDeliver(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.fail = 1
	cfg := baseConfig()
	cfg.RetryMax = 2
	s := startService(t, cfg, f, nil)

	if err := s.Notify(context.Background(), kit.Notification{Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitSent(t, f); got.text != "hello" {
		t.Fatalf("text=%q", got.text)
	}
	if n := f.calls.Load(); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.gate = make(chan struct{})
	cfg := baseConfig()
	cfg.QueueSize = 1
	s := startService(t, cfg, f, nil)
	defer close(f.gate)

	if err := s.Notify(context.Background(), kit.Notification{Text: "one"}); err != nil {
		t.Fatalf("one: %v", err)
	}
	<-f.entered // the worker holds "one"
	if err := s.Notify(context.Background(), kit.Notification{Text: "two"}); err != nil {
		t.Fatalf("two: %v", err)
	}
	if err := s.Notify(context.Background(), kit.Notification{Text: "three"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("three err=%v want ErrQueueFull", err)
	}
	if st := s.Stats(); st.Dropped != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	s := New(baseConfig(), f, nil, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), kit.Notification{Text: fmt.Sprintf("alert %d", i)}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if st := s.Stats(); st.Sent != 3 {
		t.Fatalf("sent=%d want 3", st.Sent)
	}
	if err := s.Notify(context.Background(), kit.Notification{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	if len(s.History()) != 3 {
		t.Fatalf("history=%d", len(s.History()))
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	cfg := baseConfig()
	cfg.Enabled = false
	s := New(cfg, f, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
	s.Stop(context.Background())
}

func TestFormatOutcome(t *testing.T) {
	t.Parallel()
	cases := []struct {
		rec  storage.OutcomeRecord
		want string
	}{
		{storage.OutcomeRecord{TaskID: 1, Status: "failed", Cost: 4, TxID: "0xab"}, "task 1 reverted; interval consumed, cost 4\ncall: .\nkeeper: -\ntx: 0xab"},
		{storage.OutcomeRecord{TaskID: 2, Status: "out_of_funds", Target: "t", Function: "f", Keeper: "k"}, "task 2 is out of funds and paused until a deposit\ncall: t.f\nkeeper: k"},
	}
	for _, tc := range cases {
		if got := formatOutcome(tc.rec); got != tc.want {
			t.Fatalf("got %q want %q", got, tc.want)
		}
	}
}
