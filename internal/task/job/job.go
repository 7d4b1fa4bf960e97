// Package job defines the schedulable unit: a task bound to timing, a retry
// budget and dependencies on other jobs.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task"
)

// NoDuration disables the advisory run-time cap.
const NoDuration time.Duration = -1

// StartTimeLayout is the textual start time format accepted by ParseStartTime.
const StartTimeLayout = "02.01.2006 15:04:05"

// Job is one schedulable unit.
//
// Dependencies hold uids of other jobs; they are resolved against the
// scheduler's queue, so they survive a save/load cycle.
type Job struct {
	UID          string
	Task         task.Task
	StartAt      time.Time     // zero: eligible immediately
	Duration     time.Duration // < 0: run to completion without a warning
	Restarts     int
	Dependencies []string

	now func() time.Time

	mu       sync.Mutex
	worker   *Worker
	attempts int
}

type Option func(*Job)

func WithUID(uid string) Option { return func(j *Job) { j.UID = strings.TrimSpace(uid) } }

func WithStartAt(t time.Time) Option { return func(j *Job) { j.StartAt = t } }

func WithDuration(d time.Duration) Option { return func(j *Job) { j.Duration = d } }

func WithRestarts(n int) Option { return func(j *Job) { j.Restarts = n } }

// After makes the job depend on the given jobs.
func After(deps ...*Job) Option {
	return func(j *Job) {
		for _, d := range deps {
			if d != nil {
				j.Dependencies = append(j.Dependencies, d.UID)
			}
		}
	}
}

// AfterUIDs makes the job depend on jobs by uid.
func AfterUIDs(uids ...string) Option {
	return func(j *Job) {
		for _, id := range uids {
			if id = strings.TrimSpace(id); id != "" {
				j.Dependencies = append(j.Dependencies, id)
			}
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

// New resolves taskName in reg and builds a job. An unregistered name fails
// with task.ErrUnknownTask and no job is created.
func New(reg *task.Registry, taskName string, opts ...Option) (*Job, error) {
	if reg == nil {
		return nil, fmt.Errorf("job %q: nil task registry", taskName)
	}
	t, err := reg.Resolve(taskName)
	if err != nil {
		return nil, err
	}
	j := &Job{Task: t, Duration: NoDuration}
	for _, o := range opts {
		o(j)
	}
	if j.UID == "" {
		j.UID = NewUID()
	}
	if j.Restarts < 0 {
		j.Restarts = 0
	}
	return j, nil
}

// NewUID returns a random hex uid.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ParseStartTime parses StartTimeLayout in local time. Empty input yields the
// zero time (start immediately).
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(StartTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("start time %q: want %s: %w", s, StartTimeLayout, err)
	}
	return t, nil
}

func (j *Job) String() string { return fmt.Sprintf("%s(%s)", j.Task.Name, j.UID) }

func (j *Job) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

// Worker returns the execution handle, or nil if the job never ran.
func (j *Job) Worker() *Worker {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.worker
}

// Running reports whether the job has a live worker.
func (j *Job) Running() bool { return j.Worker().Alive() }

// Attempts is the number of Perform calls so far.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Deferred reports whether StartAt lies after now.
func (j *Job) Deferred(now time.Time) bool {
	return !j.StartAt.IsZero() && j.StartAt.After(now)
}

// Expired reports whether StartAt lies before now.
func (j *Job) Expired(now time.Time) bool {
	return !j.StartAt.IsZero() && j.StartAt.Before(now)
}

// DependsOn reports whether uid is one of the job's dependencies.
func (j *Job) DependsOn(uid string) bool {
	for _, d := range j.Dependencies {
		if d == uid {
			return true
		}
	}
	return false
}

// Perform executes the job once.
//
// A future StartAt arms a one-shot timer and returns nil at once; the task
// runs later on the timer goroutine and its result is only reported.
// Otherwise the task runs on its own goroutine and Perform waits for it.
// Duration is advisory: when it elapses first Perform keeps waiting for the
// task to actually finish and then reports the job as terminated. The task
// error is returned unchanged.
func (j *Job) Perform(ctx context.Context, sink eventbus.Sink) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	j.attempts++
	attempt := j.attempts
	j.mu.Unlock()

	now := j.clock()
	if j.Deferred(now) {
		delay := j.StartAt.Sub(now)
		w := newWorker(KindTimer)
		j.setWorker(w)

		ev := EventFor(EventScheduled, j)
		ev.Attempt = attempt
		Emit(sink, ev)

		runCtx := context.WithoutCancel(ctx)
		time.AfterFunc(delay, func() {
			err := j.run(runCtx, sink, attempt)
			w.complete(err)
		})
		return nil
	}

	w := newWorker(KindImmediate)
	j.setWorker(w)

	var (
		result error
		began  = time.Now()
		ran    = make(chan struct{})
	)
	ev := EventFor(EventStarted, j)
	ev.Attempt = attempt
	Emit(sink, ev)
	go func() {
		defer close(ran)
		result = j.Task.Call(ctx)
	}()

	overran := false
	if j.Duration >= 0 {
		limit := time.NewTimer(j.Duration)
		select {
		case <-ran:
			limit.Stop()
		case <-limit.C:
			select {
			case <-ran:
			default:
				overran = true
				<-ran
			}
		}
	} else {
		<-ran
	}

	if overran {
		ev := EventFor(EventTerminated, j)
		ev.Attempt = attempt
		ev.Duration = j.Duration
		Emit(sink, ev)
	}
	j.report(sink, attempt, time.Since(began), result)
	w.complete(result)
	return result
}

func (j *Job) run(ctx context.Context, sink eventbus.Sink, attempt int) error {
	ev := EventFor(EventStarted, j)
	ev.Attempt = attempt
	Emit(sink, ev)

	began := time.Now()
	err := j.Task.Call(ctx)
	j.report(sink, attempt, time.Since(began), err)
	return err
}

func (j *Job) report(sink eventbus.Sink, attempt int, took time.Duration, err error) {
	typ := EventSucceeded
	if err != nil {
		typ = EventFailed
	}
	ev := EventFor(typ, j)
	ev.Attempt = attempt
	ev.Duration = took
	if err != nil {
		ev.Err = err.Error()
	}
	Emit(sink, ev)
}

func (j *Job) setWorker(w *Worker) {
	j.mu.Lock()
	j.worker = w
	j.mu.Unlock()
}

// Record returns the persisted form of the job (no worker).
func (j *Job) Record() storage.JobRecord {
	r := storage.JobRecord{
		UID:          j.UID,
		Task:         j.Task.Name,
		Duration:     j.Duration,
		Restarts:     j.Restarts,
		Dependencies: append([]string(nil), j.Dependencies...),
	}
	if !j.StartAt.IsZero() {
		t := j.StartAt
		r.StartAt = &t
	}
	return r
}

// FromRecord rebuilds a job from its persisted form. The worker starts out
// nil; the task is resolved again through reg.
func FromRecord(reg *task.Registry, r storage.JobRecord) (*Job, error) {
	opts := []Option{
		WithUID(r.UID),
		WithDuration(r.Duration),
		WithRestarts(r.Restarts),
		AfterUIDs(r.Dependencies...),
	}
	if r.StartAt != nil {
		opts = append(opts, WithStartAt(*r.StartAt))
	}
	return New(reg, r.Task, opts...)
}
