// Package engine is the keeper's bounded worker pool. The scheduler submits
// one job per due task; the pool caps how many run concurrently, refuses to
// queue the same task twice and survives panicking jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sorokeeper/internal/eventbus"
	rtsup "sorokeeper/internal/runtime/supervisor"
	logx "sorokeeper/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	completed        atomic.Uint64
	failed           atomic.Uint64
	panics           atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	overlapSkipped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "engine")),
		bus:    bus,
		states: make(map[string]*runState),
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration, restarting the workers when the pool shape
// changed. Jobs still queued at restart are discarded (their Done sees ErrStopped).
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("engine restarting for new pool size", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop waits for in-flight jobs (or ctx) and discards what is still queued.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	go func() {
		// Workers finish the job in hand; the supervisor context stays live
		// so those jobs can write their terminal registry state.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.drain(queue)

		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
		sup.Cancel()
	}
}

func (s *Service) drain(queue chan queuedJob) {
	for {
		select {
		case qj := <-queue:
			qj.state.release()
			qj.job.finish(ErrStopped)
		default:
			return
		}
	}
}

// Enqueue adds a job without blocking; a full queue drops it.
func (s *Service) Enqueue(j Job) error {
	return s.enqueue(context.Background(), j, false)
}

// Submit adds a job, blocking until there is room, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error {
	return s.enqueue(ctx, j, true)
}

func (s *Service) enqueue(ctx context.Context, j Job, block bool) error {
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job Name is required")
	}
	now := time.Now()
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	st := s.stateFor(j.Key)
	if !st.tryAcquire() {
		s.overlapSkipped.Add(1)
		s.log.Debug("job skipped: overlap", logx.String("job", j.Name), logx.String("key", j.Key))
		return ErrOverlapSkip
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout, state: st}

	if !block {
		select {
		case q <- qj:
			return nil
		default:
			st.release()
			s.onQueueFull(now, j, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qj:
		return nil
	case <-ctx.Done():
		st.release()
		return ctx.Err()
	case <-stopCh:
		st.release()
		return ErrStopping
	}
}

// stateFor returns the overlap gate for key. An empty key never overlaps.
func (s *Service) stateFor(key string) *runState {
	key = strings.TrimSpace(key)
	if key == "" {
		return &runState{}
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Panics:           s.panics.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		OverlapSkipped:   s.overlapSkipped.Load(),
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, j Job, q chan queuedJob) {
	s.droppedQueueFull.Add(1)
	s.publish(now, j, 0, "queue_full")
	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("job dropped: queue full",
			logx.String("job", j.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, j Job, delay time.Duration) {
	s.droppedStale.Add(1)
	s.publish(now, j, delay, "stale_queue_delay")
	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("job dropped: stale queue",
			logx.String("job", j.Name),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}

func (s *Service) publish(now time.Time, j Job, delay time.Duration, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDropped, Time: now, Data: JobEvent{ID: j.ID, Key: j.Key, Name: j.Name, QueueDelay: delay, Error: reason}})
}

func (s *Service) remember(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
