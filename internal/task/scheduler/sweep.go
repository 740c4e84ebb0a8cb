package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/task/coordinator"
	"sorokeeper/internal/task/engine"
	"sorokeeper/internal/task/selector"
	logx "sorokeeper/pkg/logx"
)

// SweepNow runs one sweep outside the cron schedule and waits for it.
func (s *Service) SweepNow(ctx context.Context) (SweepReport, error) {
	return s.Sweep(ctx)
}

// Sweep lists the registry, submits every due task to the engine and waits
// for the batch. Only one sweep runs at a time per Service.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.sweeping.TryLock() {
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.sweeping.Unlock()

	cfg := s.Config()
	rep := SweepReport{Started: s.clk.Now(), Outcomes: map[string]int{}}

	tasks, err := s.client.ListActiveTasks(ctx)
	if err != nil {
		s.finish(rep, fmt.Errorf("list tasks: %w", err))
		return rep, fmt.Errorf("list tasks: %w", err)
	}
	due, st := selector.Partition(tasks, s.clk.Now(), cfg.Keeper)
	rep.Listed, rep.Due, rep.NotDue, rep.NotAllowed = len(tasks), st.Due, st.NotDue, st.NotAllowed
	s.warnCadence(cfg, st.MinInterval)

	var (
		wg    sync.WaitGroup
		tally sync.Mutex
	)
submit:
	for _, t := range due {
		t := t // per-iteration copy (go < 1.22 loop semantics)
		wg.Add(1)
		err := s.engine.Submit(ctx, engine.Job{
			Key:     taskKey(t),
			Name:    "task.execute",
			Timeout: cfg.JobTimeout,
			Run: func(jctx context.Context) error {
				res := s.exec.Execute(jctx, t)
				if s.rec != nil {
					s.rec.Record(context.WithoutCancel(jctx), res)
				}
				tally.Lock()
				if res.Skipped {
					rep.Skipped++
				} else {
					rep.Outcomes[res.Status()]++
				}
				tally.Unlock()
				return nil
			},
			Done: func(err error) {
				if errors.Is(err, engine.ErrStale) {
					// Queued behind slow work; the next sweep lists it afresh.
					tally.Lock()
					rep.Stale++
					tally.Unlock()
				}
				wg.Done()
			},
		})
		switch {
		case err == nil:
			rep.Submitted++
		case errors.Is(err, engine.ErrOverlapSkip):
			// Still running from a previous sweep.
			wg.Done()
			rep.Overlap++
		default:
			wg.Done()
			rep.Rejected++
			s.log.Debug("task not submitted", logx.Uint64("task", t.ID), logx.Err(err))
			if ctx.Err() != nil {
				break submit
			}
		}
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		// Jobs keep running to their terminal registry write; the report is partial.
		err := ctx.Err()
		tally.Lock()
		partial := cloneReport(rep)
		tally.Unlock()
		s.finish(partial, err)
		return partial, err
	}

	rep.Duration = s.clk.Now().Sub(rep.Started)
	s.finish(rep, nil)
	return rep, nil
}

func (s *Service) finish(rep SweepReport, err error) {
	s.sweeps.Add(1)
	s.lastMu.Lock()
	s.last = rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.lastMu.Unlock()

	if err != nil {
		s.failures.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFailed, Data: err.Error()})
		}
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepDone, Data: rep})
	}
	lvl := s.log.Debug
	if rep.Submitted > 0 {
		lvl = s.log.Info
	}
	lvl("sweep done",
		logx.Int("listed", rep.Listed),
		logx.Int("due", rep.Due),
		logx.Int("submitted", rep.Submitted),
		logx.Int("overlap", rep.Overlap),
		logx.Int("stale", rep.Stale),
		logx.Int("skipped", rep.Skipped),
		logx.Any("outcomes", rep.Outcomes),
		logx.Duration("took", rep.Duration),
	)
}

// warnCadence logs once per new minimum when a task's interval is shorter
// than the sweep cadence; such a task will run late every interval.
func (s *Service) warnCadence(cfg Config, minInterval time.Duration) {
	if minInterval <= 0 || minInterval >= cfg.Cadence {
		return
	}
	s.lastMu.Lock()
	warn := s.warnedAt == 0 || minInterval < s.warnedAt
	if warn {
		s.warnedAt = minInterval
	}
	s.lastMu.Unlock()
	if warn {
		s.log.Warn("task interval shorter than sweep cadence",
			logx.Duration("min_interval", minInterval),
			logx.Duration("cadence", cfg.Cadence),
		)
	}
}

func cloneReport(r SweepReport) SweepReport {
	out := r
	out.Outcomes = make(map[string]int, len(r.Outcomes))
	for k, v := range r.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}

// taskKey gates overlap: a task still executing from the previous sweep is
// not queued again.
func taskKey(t registry.Task) string { return fmt.Sprintf("task:%d", t.ID) }

var _ Executor = (*coordinator.Coordinator)(nil)
