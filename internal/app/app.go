package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobsched/internal/config"
	"jobsched/internal/demo"
	"jobsched/internal/eventbus"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

type App struct {
	cfgm  *config.ConfigManager // nil when running on defaults
	cfgMu sync.RWMutex
	cfg   *config.Config

	sup *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus    eventbus.Bus
	counts *eventbus.Counter
	store  storage.Store

	reg     *task.Registry
	disp    *engine.Dispatcher
	sched   *scheduler.Scheduler
	trigger *scheduler.Trigger

	tickMu sync.Mutex
}

// NewApp loads cfgPath (JSON or YAML) and wires the components. An empty
// path runs on config.Default().
func NewApp(cfgPath string) (*App, error) {
	var cfgm *config.ConfigManager
	cfg := config.Default()
	if strings.TrimSpace(cfgPath) != "" {
		cfgm = config.NewConfigManager(cfgPath)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	counts := eventbus.NewCounter()
	sink := eventbus.Tee(job.LogSink(log.With(logx.String("comp", "jobs"))), counts, bus)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	reg := task.NewRegistry()
	if err := demo.NewTasks(cfg.Demo.WorkDir, log.With(logx.String("comp", "demo"))).Register(reg); err != nil {
		return nil, err
	}

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := engine.New(dcfg, log.With(logx.String("comp", "dispatcher")), sink)
	sched := scheduler.New(mapSchedulerConfig(cfg), store, reg, disp,
		log.With(logx.String("comp", "scheduler")), scheduler.WithSink(sink))

	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		counts:  counts,
		store:   store,
		reg:     reg,
		disp:    disp,
		sched:   sched,
		trigger: scheduler.NewTrigger(log.With(logx.String("comp", "trigger"))),
	}, nil
}

func (a *App) Registry() *task.Registry { return a.reg }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Dispatcher() *engine.Dispatcher { return a.disp }

func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *App) Logger() logx.Logger { return a.log }

// EventCounts returns how many events of each type were published since the
// app was built.
func (a *App) EventCounts() map[string]uint64 { return a.counts.Snapshot() }

// Subscribe streams every job and queue event.
func (a *App) Subscribe(buffer int) (<-chan eventbus.Event, func()) { return a.bus.Subscribe(buffer) }

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

// Start brings up the dispatcher and the background loops. Config hot reload
// is only watched when the app was built from a file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.disp.Start(a.sup.Context())

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validate(cfg)
		})
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
		a.log.Info("watching config", logx.String("path", a.cfgm.Path()))
	}

	a.log.Info("app started")
	return nil
}

// validate rejects configs whose values cannot be mapped onto components.
func validate(cfg *config.Config) error {
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := scheduler.ParseTrigger(triggerSpec(cfg)); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// drop queued updates; the manager holds the latest commit
			drain:
				for {
					select {
					case <-sub:
					default:
						break drain
					}
				}
				if latest := a.cfgm.Get(); latest != nil {
					newCfg = latest
				}
				a.applyConfig(newCfg)
			}
		}
	})
}

func (a *App) applyConfig(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg = newCfg
	a.cfgMu.Unlock()
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.sched.Apply(mapSchedulerConfig(newCfg))
	if dcfg, err := mapDispatcherConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "demo":
			a.log.Warn("demo config changed; restart required for changes to take effect")
		}
	}

	if !a.trigger.Next().IsZero() &&
		(triggerSpec(prev) != triggerSpec(newCfg) || prev.Scheduler.Timezone != newCfg.Scheduler.Timezone) {
		if err := a.trigger.Start(triggerSpec(newCfg), newCfg.Scheduler.Timezone, a.tick); err != nil {
			a.log.Warn("trigger restart failed; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunOnce queues jobs on top of the saved queue, drains it and waits for jobs
// that were dispatched with a future start.
func (a *App) RunOnce(ctx context.Context, jobs ...*job.Job) (scheduler.Report, error) {
	if err := a.schedule(ctx, jobs...); err != nil {
		return scheduler.Report{}, err
	}
	rep, err := a.sched.Run(ctx)
	a.log.Info("run finished",
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("expired", rep.Expired),
		logx.Int("remaining", rep.Remaining),
		logx.Bool("stalled", rep.Stalled),
	)
	if err != nil {
		return rep, err
	}

	pending := a.sched.Pending()
	if len(pending) > 0 {
		a.log.Info("waiting for deferred jobs", logx.Int("count", len(pending)))
	}
	for _, j := range pending {
		if werr := j.Worker().Wait(ctx); werr != nil && ctx.Err() != nil {
			return rep, werr
		}
	}
	return rep, nil
}

// Submit adds the jobs of a job file to the saved queue without running them.
func (a *App) Submit(ctx context.Context, path string) (int, error) {
	jobs, err := LoadJobFile(a.reg, path, time.Now())
	if err != nil {
		return 0, err
	}
	if err := a.schedule(ctx, jobs...); err != nil {
		return 0, err
	}
	if err := a.sched.Save(ctx); err != nil {
		return 0, err
	}
	a.log.Info("jobs submitted", logx.String("file", path), logx.Int("count", len(jobs)), logx.Int("queued", a.sched.Len()))
	return len(jobs), nil
}

// schedule treats an over-capacity queue and already scheduled uids as
// warnings. Over-capacity jobs stay queued; duplicates are skipped.
func (a *App) schedule(ctx context.Context, jobs ...*job.Job) error {
	err := a.sched.Schedule(ctx, jobs...)
	if err == nil {
		return nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		switch {
		case errors.Is(e, scheduler.ErrQueueFull):
			a.log.Warn("queue over capacity", logx.Int("queued", a.sched.Len()), logx.Int("pool_size", a.sched.Config().PoolSize), logx.Err(e))
		case errors.Is(e, scheduler.ErrDuplicateJob):
			a.log.Warn("job skipped", logx.Err(e))
		default:
			return err
		}
	}
	return nil
}

// Serve drains the saved queue on every trigger firing until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if a.sup == nil {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	cfg := a.Config()
	if err := a.trigger.Start(triggerSpec(cfg), cfg.Scheduler.Timezone, a.tick); err != nil {
		return err
	}
	a.sup.Go0("serve.first_tick", a.tick)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log)
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		return nil
	case <-a.Done():
		return a.Err()
	}
}

func (a *App) tick(ctx context.Context) {
	if !a.tickMu.TryLock() {
		return
	}
	defer a.tickMu.Unlock()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	if ctx.Err() != nil {
		return
	}
	if err := a.schedule(ctx); err != nil {
		a.log.Warn("load queue failed", logx.Err(err))
		return
	}
	if a.sched.Len() == 0 {
		return
	}
	if _, err := a.sched.Run(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("run failed", logx.Err(err))
	}
	a.log.Info("status",
		logx.Int("queued", a.sched.Len()),
		logx.Uint64("succeeded", a.counts.Get(string(job.EventSucceeded))),
		logx.Uint64("failed", a.counts.Get(string(job.EventFailed))),
		logx.Uint64("exhausted", a.counts.Get(string(job.EventExhausted))),
		logx.Uint64("expired", a.counts.Get(string(job.EventExpired))),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// cancel the run context first so loops start unwinding
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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

	step("trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	step("dispatcher", 5*time.Second, a.disp.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	sc := a.sup.Counters()
	a.log.Info("stopped",
		logx.Any("events", a.counts.Snapshot()),
		logx.Uint64("goroutines_started", sc.Started),
		logx.Int64("goroutines_active", sc.Active),
		logx.Uint64("goroutine_restarts", sc.Restarts),
	)
	return a.logs.Close()
}
