package engine

import (
	"context"
	"math/rand"
	"time"

	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

func (d *Dispatcher) consume(ctx context.Context, stopCh <-chan struct{}, in <-chan handoff) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// Fast-exit check so a closed stopCh wins over a pending hand-off.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case h := <-in:
			d.execOne(h, rng)
		}
	}
}

// execOne performs the job and applies the restart policy.
//
// After a failure the job is performed again while Restarts > 0, each retry
// decrementing the budget first. Retry outcomes are only reported; with
// RetryExhaust the budget is consumed down to zero even after a success.
func (d *Dispatcher) execOne(h handoff, rng *rand.Rand) {
	defer close(h.released)

	cfg := d.config()
	j := h.job
	start := time.Now()
	d.dispatched.Add(1)

	d.log.Debug("job dispatched", logx.String("task", j.Task.Name), logx.String("uid", j.UID), logx.Int("restarts", j.Restarts))

	err := j.Perform(h.ctx, d.sink)
	if err != nil {
		retry := 0
	retryLoop:
		for j.Restarts > 0 {
			retry++
			if delay := backoffDelay(cfg, retry, rng); delay > 0 {
				tmr := time.NewTimer(delay)
				select {
				case <-h.ctx.Done():
					tmr.Stop()
					d.log.Warn("job retries abandoned", logx.String("task", j.Task.Name), logx.String("uid", j.UID), logx.Err(h.ctx.Err()))
					break retryLoop
				case <-tmr.C:
				}
			}
			j.Restarts--

			ev := job.EventFor(job.EventRetried, j)
			ev.Attempt = j.Attempts() + 1
			job.Emit(d.sink, ev)

			err = j.Perform(h.ctx, d.sink)
			if err == nil && cfg.RetryPolicy == RetryUntilSuccess {
				break
			}
		}
	}

	item := HistoryItem{
		UID:      j.UID,
		Task:     j.Task.Name,
		Started:  start,
		Duration: time.Since(start),
		Attempts: j.Attempts(),
	}
	if w := j.Worker(); w != nil && w.Kind() == job.KindTimer {
		item.Async = true
	}
	if err != nil {
		item.Error = err.Error()
		d.failed.Add(1)
		ev := job.EventFor(job.EventExhausted, j)
		ev.Attempt = item.Attempts
		ev.Err = item.Error
		job.Emit(d.sink, ev)
	}
	d.record(item, cfg.HistorySize)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		return 0
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
