package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/task/engine"
	logx "sorokeeper/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock

	client registry.Client
	engine *engine.Service
	exec   Executor
	rec    Recorder

	c        *cron.Cron
	runCtx   context.Context
	cancel   context.CancelFunc
	sweepID  cron.EntryID
	pruneID  cron.EntryID
	sweeping sync.Mutex

	sweeps   atomic.Uint64
	failures atomic.Uint64
	lastMu   sync.Mutex
	last     SweepReport
	lastErr  string
	warnedAt time.Duration // smallest interval already warned about
}

func New(cfg Config, client registry.Client, eng *engine.Service, exec Executor, rec Recorder, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		clk:    clk,
		client: client,
		engine: eng,
		exec:   exec,
		rec:    rec,
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration and re-registers the cron entries when the
// cadence, prune schedule or timezone changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if prev.Cadence != cfg.Cadence || prev.PruneSchedule != cfg.PruneSchedule || prev.Timezone != cfg.Timezone {
		s.log.Info("schedule changed; restarting cron", logx.Duration("cadence", cfg.Cadence), logx.String("prune", cfg.PruneSchedule))
		ctx := s.runCtx
		s.stopCronLocked()
		s.startCronLocked(ctx)
	}
}

// Start is idempotent. Sweeps run under ctx until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startCronLocked(ctx)
}

func (s *Service) startCronLocked(parent context.Context) {
	cfg := s.cfg
	loc := loadLocation(cfg.Timezone)
	cl := logx.CronLogger{L: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.runCtx, s.cancel = context.WithCancel(parent)
	runCtx := s.runCtx

	sched, spread := cadenceSchedule(cfg.Cadence, time.Now(), cfg.Keeper)
	s.sweepID = s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Sweep(runCtx); err != nil && err != ErrSweepInProgress && runCtx.Err() == nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	}))

	s.pruneID = 0
	if spec := strings.TrimSpace(cfg.PruneSchedule); spec != "" && cfg.Retention > 0 {
		ps, err := ParseSchedule(spec)
		if err != nil {
			s.log.Error("prune schedule invalid; pruning disabled", logx.String("spec", spec), logx.Err(err))
		} else {
			s.pruneID = s.c.Schedule(ps, cron.FuncJob(s.submitPrune))
		}
	}

	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("keeper", cfg.Keeper),
		logx.Duration("cadence", cfg.Cadence),
		logx.Duration("startup_spread", spread),
		logx.String("tz", loc.String()),
	)
}

// Stop stops triggering and waits for a running sweep (or ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	done := s.stopCronLocked()
	s.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) stopCronLocked() <-chan struct{} {
	if s.c == nil {
		return nil
	}
	stopCtx := s.c.Stop()
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	return stopCtx.Done()
}

// submitPrune never blocks the cron goroutine: with the queue full of task
// work, this round of pruning is dropped.
func (s *Service) submitPrune() {
	if s.rec == nil {
		return
	}
	err := s.engine.Enqueue(engine.Job{
		Key:        "prune",
		Name:       "outcomes.prune",
		Timeout:    time.Minute,
		Retries:    2,
		RetryDelay: 5 * time.Second,
		Run: func(jctx context.Context) error {
			_, err := s.rec.Prune(jctx, s.clk.Now(), s.Config().Retention)
			return err
		},
	})
	if err != nil && err != engine.ErrOverlapSkip {
		s.log.Warn("prune not submitted", logx.Err(err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Cadence: s.cfg.Cadence}
	if s.c != nil {
		snap.NextSweep = s.c.Entry(s.sweepID).Next
	}
	s.mu.Unlock()

	s.lastMu.Lock()
	snap.Last, snap.LastErr = s.last, s.lastErr
	s.lastMu.Unlock()
	snap.Sweeps = s.sweeps.Load()
	snap.Failures = s.failures.Load()
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
