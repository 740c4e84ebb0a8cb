// Package app is the keeper's composition root: it builds every component
// from the resolved config, runs them under one supervisor and applies hot
// reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sorokeeper/internal/clock"
	"sorokeeper/internal/config"
	"sorokeeper/internal/eventbus"
	"sorokeeper/internal/notifier"
	"sorokeeper/internal/registry"
	"sorokeeper/internal/runtime/supervisor"
	"sorokeeper/internal/storage"
	"sorokeeper/internal/systemd"
	"sorokeeper/internal/task/coordinator"
	"sorokeeper/internal/task/engine"
	"sorokeeper/internal/task/recorder"
	"sorokeeper/internal/task/scheduler"
	kit "sorokeeper/internal/transport"
	logx "sorokeeper/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	keeperID string
	clk      clock.Clock

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *supervisor.Supervisor
	sd   *systemd.Notifier

	backend    registry.Backend
	ownBackend bool
	client     registry.Client
	store      storage.Store

	rec    *recorder.Recorder
	engine *engine.Service
	coord  *coordinator.Coordinator
	sched  *scheduler.Service

	notifMu sync.Mutex
	notif   *notifier.Service
	sender  kit.Sender

	stopOnce sync.Once
}

type Option func(*App)

// WithRegistry runs the keeper against backend instead of the configured
// driver. The caller keeps ownership of it.
func WithRegistry(backend registry.Backend) Option {
	return func(a *App) { a.backend = backend }
}

func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithSender replaces the Telegram sender used for alerts.
func WithSender(s kit.Sender) Option {
	return func(a *App) { a.sender = s }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{clk: clock.Real{}}
	for _, opt := range opts {
		opt(a)
	}

	bootLog := logx.NewConsole("INFO")
	a.cfgm = config.NewManager(cfgPath, bootLog)
	_, st, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}

	a.logs, a.log = logx.New(st.Logging)
	a.cfgm.SetLogger(a.log)
	a.keeperID = keeperID(st)
	a.log = a.log.With(logx.String("keeper", a.keeperID))
	a.bus = eventbus.New()

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if a.backend == nil {
		b, err := openRegistry(st.Registry, a.clk)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		a.backend, a.ownBackend = b, true
	}
	a.client = registry.NewLimited(a.backend, st.Registry.RatePerSec, st.Registry.Burst, st.Registry.CallTimeout)

	a.store, err = storage.Open(st.Outcomes.Store, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open outcome store: %w", err)
	}

	a.rec = recorder.New(a.store, a.bus, st.Outcomes.HistorySize, a.log)
	a.engine = engine.New(engineConfig(st), a.log.With(logx.String("comp", "engine")), a.bus)
	a.coord = coordinator.New(a.client, coordinatorConfig(st, a.keeperID), a.clk, a.log)
	a.sched = scheduler.New(schedulerConfig(st, a.keeperID), a.client, a.engine, a.coord, a.rec, a.clk, a.log, a.bus)

	if a.notif, err = buildNotifier(st.Telegram, a.sender, a.bus, a.log); err != nil {
		return nil, err
	}
	a.sd = systemd.New(systemd.Config{Notify: st.Systemd.Notify, Watchdog: st.Systemd.Watchdog}, a.log)

	a.log.Info("keeper configured",
		logx.String("registry", st.Registry.Driver),
		logx.String("outcomes", st.Outcomes.Store.Driver),
		logx.Duration("cadence", st.Keeper.Cadence),
		logx.Duration("lease", st.Keeper.Lease),
		logx.Int("concurrency", st.Keeper.Concurrency),
		logx.Bool("alerts", a.notif != nil),
	)
	ok = true
	return a, nil
}

func (a *App) KeeperID() string { return a.keeperID }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Recorder() *recorder.Recorder { return a.rec }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) currentNotifier() *notifier.Service {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()
	return a.notif
}

// Start runs the sweep loop, config watcher and side services until Stop.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.engine.Start(run)
	if n := a.currentNotifier(); n != nil {
		n.Start(run)
	}
	a.sched.Start(run)

	a.sup.Go("config.watch", a.cfgm.Watch)
	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		return a.reloadLoop(c, updates)
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.sd.RunWatchdog(c, a.bus)
	})
	a.sup.Go("eventbus.log", a.logEvents)

	a.sd.Ready()
	a.sd.Status("keeper %s running", a.keeperID)
	a.log.Info("app started")
	return nil
}

// RunOnce performs a single sweep and waits for it. Call Stop afterwards.
func (a *App) RunOnce(ctx context.Context) (scheduler.SweepReport, error) {
	a.engine.Start(ctx)
	if n := a.currentNotifier(); n != nil {
		n.Start(ctx)
	}
	return a.sched.SweepNow(ctx)
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop shuts down in reverse start order. In-flight tasks finish their
// terminal registry write before the engine returns. It is safe to call more
// than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Running tasks may still be retrying; the lease bounds how long that takes.
	a.step(ctx, "engine", a.coord.Config().Lease, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error {
		if n := a.currentNotifier(); n != nil {
			n.Stop(c)
		}
		return nil
	})
	if a.sup != nil {
		a.sup.Cancel()
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.ownBackend && a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
