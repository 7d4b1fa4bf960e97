package scheduler

import (
	"context"
	"errors"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
)

// DefaultPoolSize is the number of jobs a single Run may dispatch.
const DefaultPoolSize = 10

var (
	// ErrQueueFull reports a job that was queued past PoolSize.
	// The job is kept; it may be dispatched by a later run.
	ErrQueueFull = errors.New("scheduler: queue is full")
	// ErrDuplicateJob reports a job whose uid is already queued or running.
	// The job is not queued.
	ErrDuplicateJob = errors.New("scheduler: duplicate job uid")
	// ErrStalled means no queued job can ever become ready.
	ErrStalled = errors.New("scheduler: queue stalled")
)

// Config controls the scheduler.
type Config struct {
	PoolSize int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	return c
}

// Dispatcher executes one job at a time. *engine.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job) error
}

// Report summarizes one Run.
type Report struct {
	Dispatched int  `json:"dispatched"`
	Expired    int  `json:"expired"`
	Remaining  int  `json:"remaining"`
	Stalled    bool `json:"stalled,omitempty"`
}

type Option func(*Scheduler)

// WithClock overrides time.Now for readiness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSink sets the event sink; the default drops events.
func WithSink(sink eventbus.Sink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

type popState int

const (
	popReady popState = iota
	popExpired
	popBlocked
)
