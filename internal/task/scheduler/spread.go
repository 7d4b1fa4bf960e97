package scheduler

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval schedule by a random
// jitter so restarted instances do not fire in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time, rng *rand.Rand) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 || rng == nil {
		return base, 0
	}
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
