package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/task"
	"jobsched/internal/task/job"
)

// JobFile is the document accepted by submit (JSON or YAML).
//
// Example:
//
//	jobs:
//	  - uid: mk
//	    task: task_3
//	  - task: task_4
//	    start_time: "+10s"
//	    restarts: 2
//	    depends_on: [mk]
type JobFile struct {
	Jobs []JobSpec `json:"jobs"`
}

// JobSpec describes one job. start_time is "02.01.2006 15:04:05" in local
// time, RFC 3339, or a "+" offset from now. An empty duration means no cap.
type JobSpec struct {
	UID       string   `json:"uid,omitempty"`
	Task      string   `json:"task"`
	StartTime string   `json:"start_time,omitempty"`
	Duration  string   `json:"duration,omitempty"`
	Restarts  int      `json:"restarts,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// LoadJobFile reads path and builds its jobs against reg.
func LoadJobFile(reg *task.Registry, path string, now time.Time) ([]*job.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f JobFile
	if err := config.DecodeStrict(path, b, &f); err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	jobs, err := f.Build(reg, now)
	if err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	return jobs, nil
}

func (f JobFile) Build(reg *task.Registry, now time.Time) ([]*job.Job, error) {
	seen := make(map[string]bool, len(f.Jobs))
	out := make([]*job.Job, 0, len(f.Jobs))
	for i, js := range f.Jobs {
		j, err := js.build(reg, now)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if seen[j.UID] {
			return nil, fmt.Errorf("jobs[%d]: duplicate uid %q", i, j.UID)
		}
		seen[j.UID] = true
		out = append(out, j)
	}
	return out, nil
}

func (js JobSpec) build(reg *task.Registry, now time.Time) (*job.Job, error) {
	if js.Restarts < 0 {
		return nil, fmt.Errorf("restarts must be >= 0")
	}
	start, err := parseStart(js.StartTime, now)
	if err != nil {
		return nil, err
	}
	opts := []job.Option{
		job.WithStartAt(start),
		job.WithRestarts(js.Restarts),
		job.AfterUIDs(js.DependsOn...),
	}
	if uid := strings.TrimSpace(js.UID); uid != "" {
		opts = append(opts, job.WithUID(uid))
	}
	if strings.TrimSpace(js.Duration) != "" {
		d, err := config.ParseDurationField("duration", js.Duration)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithDuration(d))
	}
	return job.New(reg, strings.TrimSpace(js.Task), opts...)
}

func parseStart(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return time.Time{}, nil
	case strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("start_time %q: %w", raw, err)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return job.ParseStartTime(s)
}
