package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

// Scheduler keeps the queue of pending jobs.
//
// Schedule, Run, Next and the inspection methods serialize on one lock, so
// the queue is only ever touched by the goroutine currently driving it.
type Scheduler struct {
	cmu sync.Mutex
	cfg Config

	store storage.Store
	reg   *task.Registry
	disp  Dispatcher
	log   logx.Logger
	sink  eventbus.Sink
	now   func() time.Time

	mu    sync.Mutex
	queue []*job.Job
	// dispatched jobs by uid; their workers decide dependency liveness
	known map[string]*job.Job
}

// New builds a scheduler. store may be nil, in which case nothing is loaded
// or saved.
func New(cfg Config, store storage.Store, reg *task.Registry, disp Dispatcher, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		store: store,
		reg:   reg,
		disp:  disp,
		log:   log,
		sink:  eventbus.Nop(),
		now:   time.Now,
		known: map[string]*job.Job{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config; the next Schedule or Run sees it.
func (s *Scheduler) Apply(cfg Config) {
	s.cmu.Lock()
	s.cfg = cfg.withDefaults()
	s.cmu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.cfg
}

// Schedule loads the persisted queue and appends jobs to it in order.
//
// A job whose uid is already queued or still running is not queued; it is
// reported with a job.rejected event and ErrDuplicateJob. A job that pushes
// the queue past PoolSize is still queued, but it is reported with a
// job.rejected event and ErrQueueFull. The other jobs get job.deferred when
// they start in the future and job.added otherwise.
func (s *Scheduler) Schedule(ctx context.Context, jobs ...*job.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.Config()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.restore(ctx)

	now := s.now()
	var errs []error
	for _, j := range jobs {
		if j == nil {
			continue
		}
		if s.holds(j.UID) {
			job.Emit(s.sink, job.EventFor(job.EventRejected, j))
			s.log.Warn("job uid already scheduled", logx.String("uid", j.UID), logx.String("task", j.Task.Name))
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateJob, j))
			continue
		}
		s.queue = append(s.queue, j)
		if len(s.queue) > cfg.PoolSize {
			ev := job.EventFor(job.EventRejected, j)
			ev.Count = len(s.queue)
			job.Emit(s.sink, ev)
			errs = append(errs, fmt.Errorf("%w: %s is job %d of %d", ErrQueueFull, j, len(s.queue), cfg.PoolSize))
			continue
		}
		if j.Deferred(now) {
			job.Emit(s.sink, job.EventFor(job.EventDeferred, j))
		} else {
			job.Emit(s.sink, job.EventFor(job.EventAdded, j))
		}
	}
	return errors.Join(errs...)
}

// restore rebuilds the queue from storage. Jobs already held in memory keep
// their instance; persisted records come first, in their saved order.
func (s *Scheduler) restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	recs, loadErr := s.store.LoadQueue(ctx)
	if loadErr != nil {
		s.log.Warn("saved queue is unreadable, starting empty", logx.Err(loadErr))
		job.Emit(s.sink, job.Event{Type: job.EventQueueLoaded, Err: loadErr.Error()})
		recs = nil
	}
	if len(recs) == 0 {
		s.log.Info("no saved jobs found")
	}

	mem := make(map[string]*job.Job, len(s.queue))
	for _, j := range s.queue {
		mem[j.UID] = j
	}
	queue := make([]*job.Job, 0, len(recs)+len(s.queue))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if seen[r.UID] {
			continue
		}
		j := mem[r.UID]
		if j == nil {
			var err error
			j, err = job.FromRecord(s.reg, r)
			if err != nil {
				s.log.Warn("skipping saved job", logx.String("uid", r.UID), logx.String("task", r.Task), logx.Err(err))
				continue
			}
		}
		seen[j.UID] = true
		queue = append(queue, j)
	}
	for _, j := range s.queue {
		if !seen[j.UID] {
			seen[j.UID] = true
			queue = append(queue, j)
		}
	}
	s.queue = queue

	if loadErr == nil {
		job.Emit(s.sink, job.Event{Type: job.EventQueueLoaded, Count: len(recs)})
		s.log.Debug("saved queue loaded", logx.Int("records", len(recs)), logx.Int("queued", len(queue)))
	}
}

// Queue returns a copy of the pending jobs in order.
func (s *Scheduler) Queue() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*job.Job, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Lookup returns a queued or dispatched job by uid.
func (s *Scheduler) Lookup(uid string) (*job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.known[uid]; ok {
		return j, true
	}
	for _, j := range s.queue {
		if j.UID == uid {
			return j, true
		}
	}
	return nil, false
}
