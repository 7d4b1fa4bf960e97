package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "jobsched/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
// - Named goroutines (for logging/debug)
// - Panic recovery
// - Optional cancel-on-first-error
// - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Uint64
	active   atomic.Int64
	restarts atomic.Uint64

	log         logx.Logger
	cancelOnErr bool
	wg          sync.WaitGroup

	errMu    sync.Mutex
	firstErr error
}

type SupervisorOption func(*Supervisor)

// Counters are best-effort operational signals, not a synchronization primitive.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// If enabled, the first non-nil error from any goroutine will cancel the supervisor context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load(), Restarts: s.restarts.Load()}
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// call runs fn and turns a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	return fn(s.ctx)
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts (errors/panics) before giving up.
// The initial run is not counted as a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError makes GoRestart set supervisor Err on the first observed error/panic.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error/panic with exponential backoff
// until ctx is canceled. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		published := false
		for {
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil {
				return
			}
			if cfg.publishFirstErr && !published {
				published = true
				s.setErr(fmt.Errorf("%s: %w", name, err))
			}
			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			s.restarts.Add(1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

// Wait blocks until all goroutines returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}
