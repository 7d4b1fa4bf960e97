package demo

import (
	"time"

	"jobsched/internal/task"
	"jobsched/internal/task/job"
)

// ReportDelay is how long after now the report cleanup starts.
const ReportDelay = 5 * time.Second

// Jobs builds the sample graph over tasks registered by Tasks.Register:
// the file steps 1-7 chained through dependencies, the weather report with a
// 10s advisory cap, and its cleanup starting ReportDelay after now.
func Jobs(reg *task.Registry, now time.Time) ([]*job.Job, error) {
	var (
		jobs []*job.Job
		err  error
	)
	add := func(name string, opts ...job.Option) *job.Job {
		if err != nil {
			return nil
		}
		var j *job.Job
		if j, err = job.New(reg, name, opts...); err != nil {
			return nil
		}
		jobs = append(jobs, j)
		return j
	}

	t1 := add("task_1")
	t2 := add("task_2", job.WithRestarts(3), job.After(t1))
	t3 := add("task_3")
	t4 := add("task_4", job.After(t3))
	t5 := add("task_5", job.After(t1, t2, t3, t4))
	add("task_6", job.After(t5))
	add("task_7", job.After(t5))
	t8 := add("task_8", job.WithDuration(10*time.Second))
	add("task_9", job.WithRestarts(3), job.After(t8), job.WithStartAt(now.Add(ReportDelay)))
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
