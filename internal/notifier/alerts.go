package notifier

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/task/engine"
	kit "sorokeeper/internal/transport"
	logx "sorokeeper/pkg/logx"
)

const channel = "telegram"

func (s *Service) onEvent(ctx context.Context, e eventbus.Event) {
	n, ok := s.alertFor(e)
	if !ok {
		return
	}
	if err := s.Notify(ctx, n); err != nil && err != ErrStopped {
		s.log.Debug("alert not queued", logx.String("event", e.Type), logx.Err(err))
	}
}

// alertFor maps a bus event to a notification, if it warrants one.
func (s *Service) alertFor(e eventbus.Event) (kit.Notification, bool) {
	s.mu.Lock()
	alerts := s.cfg.Alerts
	s.mu.Unlock()

	if status, ok := e.IsOutcome(); ok {
		rec, isRec := e.Data.(storage.OutcomeRecord)
		if !isRec || !slices.Contains(alerts, status) {
			return kit.Notification{}, false
		}
		return kit.Notification{
			Channel:  channel,
			Priority: priorityFor(registry.Outcome(status)),
			Text:     formatOutcome(rec),
			Key:      fmt.Sprintf("outcome:%d:%s", rec.TaskID, status),
		}, true
	}

	switch e.Type {
	case eventbus.TypeJobPanicked:
		je, _ := e.Data.(engine.JobEvent)
		return kit.Notification{
			Channel:  channel,
			Priority: 9,
			Text:     fmt.Sprintf("job %s panicked (key %s): %s", je.Name, orDash(je.Key), je.Error),
			Key:      "panic:" + je.Key,
		}, true
	case eventbus.TypeSweepFailed:
		msg, _ := e.Data.(string)
		return kit.Notification{
			Channel:  channel,
			Priority: 7,
			Text:     "sweep failed: " + msg,
			Key:      "sweep.failed",
		}, true
	}
	return kit.Notification{}, false
}

func priorityFor(o registry.Outcome) int {
	switch o {
	case registry.OutcomeOutOfFunds, registry.OutcomeAbandoned:
		return 9
	case registry.OutcomeFailed:
		return 7
	default:
		return 3
	}
}

func formatOutcome(r storage.OutcomeRecord) string {
	var b strings.Builder
	switch registry.Outcome(r.Status) {
	case registry.OutcomeOutOfFunds:
		fmt.Fprintf(&b, "task %d is out of funds and paused until a deposit", r.TaskID)
	case registry.OutcomeAbandoned:
		fmt.Fprintf(&b, "task %d abandoned after %d attempts; interval released", r.TaskID, r.Attempts)
	case registry.OutcomeFailed:
		fmt.Fprintf(&b, "task %d reverted; interval consumed, cost %d", r.TaskID, r.Cost)
	default:
		fmt.Fprintf(&b, "task %d: %s", r.TaskID, r.Status)
	}
	fmt.Fprintf(&b, "\ncall: %s.%s", r.Target, r.Function)
	fmt.Fprintf(&b, "\nkeeper: %s", orDash(r.Keeper))
	if r.TxID != "" {
		fmt.Fprintf(&b, "\ntx: %s", r.TxID)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\nerr: %s", r.Error)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
