package scheduler

import (
	"context"
	"errors"
	"fmt"

	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

// Run dispatches ready jobs until the queue is empty or PoolSize jobs were
// handed to the Dispatcher. Expired and blocked pops do not count.
//
// The remaining queue is saved however the loop ends; a save failure is
// joined into the returned error. Task failures never surface here.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.Config()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneKnown()
	if len(s.queue) > 0 {
		s.log.Info("starting scheduled jobs", logx.Int("queued", len(s.queue)), logx.Int("pool_size", cfg.PoolSize))
	}

	var (
		rep    Report
		runErr error
		idle   int
	)
loop:
	for len(s.queue) > 0 && rep.Dispatched < cfg.PoolSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		j, st := s.pop()
		switch st {
		case popExpired:
			rep.Expired++
			idle = 0
		case popBlocked:
			idle++
			if idle < len(s.queue) {
				continue
			}
			if err := s.awaitProgress(ctx); err != nil {
				rep.Stalled = errors.Is(err, ErrStalled)
				runErr = err
				break loop
			}
			idle = 0
		case popReady:
			if s.disp == nil {
				s.queue = append([]*job.Job{j}, s.queue...)
				runErr = fmt.Errorf("dispatch %s: no dispatcher", j)
				break loop
			}
			if err := s.disp.Dispatch(ctx, j); err != nil {
				// not handed over; keep it at the head for the next run
				s.queue = append([]*job.Job{j}, s.queue...)
				runErr = fmt.Errorf("dispatch %s: %w", j, err)
				break loop
			}
			s.known[j.UID] = j
			rep.Dispatched++
			idle = 0
		}
	}
	rep.Remaining = len(s.queue)

	if err := s.save(context.WithoutCancel(ctx)); err != nil {
		runErr = errors.Join(runErr, err)
	}
	s.log.Debug("run finished",
		logx.Int("dispatched", rep.Dispatched),
		logx.Int("expired", rep.Expired),
		logx.Int("remaining", rep.Remaining),
	)
	return rep, runErr
}

// Save writes the current queue to storage.
func (s *Scheduler) Save(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx)
}

func (s *Scheduler) save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs := make([]storage.JobRecord, 0, len(s.queue))
	for _, j := range s.queue {
		recs = append(recs, j.Record())
	}
	if err := s.store.SaveQueue(ctx, recs); err != nil {
		s.log.Error("saving queue failed", logx.Int("jobs", len(recs)), logx.Err(err))
		return fmt.Errorf("save queue: %w", err)
	}
	job.Emit(s.sink, job.Event{Type: job.EventQueueSaved, Count: len(recs)})
	s.log.Debug("jobs saved", logx.Int("jobs", len(recs)))
	return nil
}
