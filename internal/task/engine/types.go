package engine

import (
	"fmt"
	"strings"
	"time"
)

// RetryPolicy decides what happens after a failed job once retries start.
type RetryPolicy int

const (
	// RetryExhaust keeps performing the job until its restart budget is zero,
	// whatever the outcome of each retry. A successful retry is reported and
	// the next retry still runs.
	RetryExhaust RetryPolicy = iota
	// RetryUntilSuccess stops retrying after the first successful retry.
	RetryUntilSuccess
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryUntilSuccess:
		return "until_success"
	default:
		return "exhaust"
	}
}

// ParseRetryPolicy accepts "exhaust" (default when empty) and "until_success".
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exhaust":
		return RetryExhaust, nil
	case "until_success", "until-success":
		return RetryUntilSuccess, nil
	default:
		return RetryExhaust, fmt.Errorf("unknown retry policy %q", s)
	}
}

// Config controls the dispatcher.
type Config struct {
	RetryPolicy RetryPolicy

	// RetryBase is the delay before the first retry; it doubles per retry up
	// to RetryMaxDelay. 0 retries immediately.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RetryBase < 0 {
		c.RetryBase = 0
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem is the outcome of one dispatched job.
type HistoryItem struct {
	UID      string
	Task     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Async    bool
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool
	RetryPolicy RetryPolicy
	Dispatched  uint64
	Failed      uint64
	History     []HistoryItem
}
