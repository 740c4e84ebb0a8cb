package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"sorokeeper/internal/eventbus"
	logx "sorokeeper/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob) {
	defer qj.state.release()

	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	cfg := s.Config()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStale(start, qj.job, queueDelay)
		s.remember(HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		qj.job.finish(ErrStale)
		return
	}

	var (
		err      error
		attempts int
	)
attemptLoop:
	for attempt := 0; attempt <= max(qj.job.Retries, 0); attempt++ {
		attempts = attempt + 1
		err = s.runGuarded(ctx, qj)
		if err == nil || IsNoRetry(err) || attempt == qj.job.Retries {
			break
		}
		if d := qj.job.RetryDelay; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				t.Stop()
				err = ErrStopping
				break attemptLoop
			case <-t.C:
			}
		}
	}

	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("job failed", logx.String("job", qj.job.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	} else {
		s.completed.Add(1)
		s.log.Trace("job completed", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
	}
	s.remember(item, cfg.HistorySize)
	qj.job.finish(err)
}

// runGuarded converts a panicking job into an error so one bad job cannot
// kill a worker or the sweep that submitted it.
func (s *Service) runGuarded(ctx context.Context, qj queuedJob) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("job panicked", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobPanicked, Data: JobEvent{ID: qj.job.ID, Key: qj.job.Key, Name: qj.job.Name, Error: fmt.Sprint(r)}})
			}
		}
	}()
	return qj.job.Run(runCtx)
}
