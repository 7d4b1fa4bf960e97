// Package engine runs jobs handed over by the scheduler.
//
// The Dispatcher is a single consumer: Dispatch passes one job through an
// unbuffered channel and returns only after the consumer released it, so
// exactly one job is in dispatch at any time.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"

	rtsup "jobsched/internal/runtime/supervisor"
)

type Dispatcher struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	sink eventbus.Sink

	in       chan handoff
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	dispatched atomic.Uint64
	failed     atomic.Uint64
}

type handoff struct {
	ctx      context.Context
	job      *job.Job
	released chan struct{}
}

func New(cfg Config, log logx.Logger, sink eventbus.Sink) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = eventbus.Nop()
	}
	return &Dispatcher{
		cfg:  cfg.withDefaults(),
		log:  log,
		sink: sink,
	}
}

// Apply swaps the retry settings; it takes effect for the next job.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Running reports whether the consumer loop accepts jobs.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.in != nil && d.stopDone == nil
}

// Start launches the consumer loop. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopCh != nil {
		done := d.stopDone
		d.mu.Unlock()
		if done == nil {
			return
		}
		// Stopping: wait for it to finish before restarting.
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
		if d.stopCh != nil {
			d.mu.Unlock()
			return
		}
	}

	d.in = make(chan handoff)
	d.stopCh = make(chan struct{})
	d.stopDone = nil
	in := d.in
	stopCh := d.stopCh

	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatcher"))),
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	d.mu.Unlock()

	// Restart the consumer if it panics; a clean exit only happens on shutdown.
	sup.GoRestart("dispatcher", func(c context.Context) error {
		d.consume(c, stopCh, in)
		select {
		case <-stopCh:
			return nil
		default:
		}
		if c.Err() != nil {
			return nil
		}
		return errors.New("dispatcher exited unexpectedly")
	}, rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(consumerMinBackoff, consumerMaxBackoff),
		rtsup.WithMaxRestarts(consumerMaxRestarts))

	d.log.Debug("dispatcher started", logx.String("retry_policy", d.config().RetryPolicy.String()))
}

// A consumer that dies more than consumerMaxRestarts times is left down;
// the supervisor logs the final error.
const (
	consumerMinBackoff  = 100 * time.Millisecond
	consumerMaxBackoff  = 5 * time.Second
	consumerMaxRestarts = 5
)

// Stop closes the consumer loop. A job in flight is finished and released
// before the loop exits; ctx only bounds how long Stop waits for that.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopCh == nil {
		d.mu.Unlock()
		return nil
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	d.stopDone = done
	close(d.stopCh)
	sup := d.sup
	d.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		d.mu.Lock()
		d.in = nil
		d.stopCh = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		d.log.Debug("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Dispatch hands j to the consumer and blocks until it has been processed,
// retries included. Task failures are handled here and never returned; the
// error only reports that the job could not be handed over.
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.Job) error {
	if j == nil {
		return ErrNilJob
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	in := d.in
	stopCh := d.stopCh
	sup := d.sup
	stopping := d.stopDone != nil
	d.mu.Unlock()

	if in == nil || stopCh == nil || sup == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	h := handoff{ctx: ctx, job: j, released: make(chan struct{})}
	select {
	case in <- h:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	case <-sup.Context().Done():
		return ErrStopped
	}
	// The job is in flight now; it is never abandoned half-processed.
	<-h.released
	return nil
}

func (d *Dispatcher) Snapshot() Snapshot {
	cfg := d.config()
	d.hmu.Lock()
	h := make([]HistoryItem, len(d.history))
	copy(h, d.history)
	d.hmu.Unlock()
	return Snapshot{
		Running:     d.Running(),
		RetryPolicy: cfg.RetryPolicy,
		Dispatched:  d.dispatched.Load(),
		Failed:      d.failed.Load(),
		History:     h,
	}
}

func (d *Dispatcher) record(item HistoryItem, historySize int) {
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
	d.hmu.Unlock()
}
