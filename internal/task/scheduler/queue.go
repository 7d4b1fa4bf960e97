package scheduler

import (
	"context"
	"fmt"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

// Next pops the head of the queue and returns it if it is ready to run.
//
// An expired job is dropped and nil is returned. A job with a dependency that
// is still queued or still running is moved to the tail and nil is returned.
// Next on an empty queue returns nil.
func (s *Scheduler) Next() *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, st := s.pop()
	if st != popReady {
		return nil
	}
	s.known[j.UID] = j
	return j
}

func (s *Scheduler) pop() (*job.Job, popState) {
	if len(s.queue) == 0 {
		return nil, popBlocked
	}
	j := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	if j.Expired(s.now()) {
		job.Emit(s.sink, job.EventFor(job.EventExpired, j))
		return j, popExpired
	}
	if s.blocked(j) {
		s.queue = append(s.queue, j)
		job.Emit(s.sink, job.EventFor(job.EventBlocked, j))
		return j, popBlocked
	}
	return j, popReady
}

// blocked reports whether one of j's dependencies is queued, is j itself,
// or was dispatched and still has a live worker.
func (s *Scheduler) blocked(j *job.Job) bool {
	for _, uid := range j.Dependencies {
		if uid == j.UID || s.queued(uid) {
			return true
		}
		if d, ok := s.known[uid]; ok && d.Running() {
			return true
		}
	}
	return false
}

// holds reports whether uid is queued or belongs to a dispatched job whose
// worker is still alive.
func (s *Scheduler) holds(uid string) bool {
	if s.queued(uid) {
		return true
	}
	d, ok := s.known[uid]
	return ok && d.Running()
}

func (s *Scheduler) queued(uid string) bool {
	for _, q := range s.queue {
		if q.UID == uid {
			return true
		}
	}
	return false
}

// awaitProgress is called after every queued job was found blocked. It waits
// for one live dependency worker to finish. If none is alive the queue can
// never drain and ErrStalled is returned.
func (s *Scheduler) awaitProgress(ctx context.Context) error {
	var live *job.Worker
	for _, q := range s.queue {
		if !s.blocked(q) {
			// a worker finished during the pass
			return nil
		}
		for _, uid := range q.Dependencies {
			if d, ok := s.known[uid]; ok {
				if w := d.Worker(); w.Alive() {
					live = w
					break
				}
			}
		}
		if live != nil {
			break
		}
	}

	if live == nil {
		uids := make([]string, 0, len(s.queue))
		for _, q := range s.queue {
			uids = append(uids, q.UID)
		}
		job.Emit(s.sink, job.Event{Type: job.EventQueueStalled, Count: len(s.queue)})
		s.log.Error("queue stalled, no job can become ready", logx.Strs("uids", uids))
		return fmt.Errorf("%w: %d jobs wait on each other or on themselves", ErrStalled, len(s.queue))
	}

	s.log.Debug("waiting for a running dependency", logx.Int("queued", len(s.queue)))
	select {
	case <-live.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneKnown forgets dispatched jobs whose worker finished; a finished
// dependency and an unknown one are equally satisfied.
func (s *Scheduler) pruneKnown() {
	for uid, j := range s.known {
		if !j.Running() {
			delete(s.known, uid)
		}
	}
}

// Pending returns dispatched jobs whose worker is still alive, typically
// jobs waiting for a future start.
func (s *Scheduler) Pending() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.known {
		if j.Running() {
			out = append(out, j)
		}
	}
	return out
}
