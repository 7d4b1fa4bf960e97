package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the persisted form of a queued job.
// It never carries runtime state (the worker handle); dependencies are uids.
type JobRecord struct {
	UID          string        `json:"uid"`
	Task         string        `json:"task"`
	StartAt      *time.Time    `json:"start_at,omitempty"`
	Duration     time.Duration `json:"duration"`
	Restarts     int           `json:"restarts"`
	Dependencies []string      `json:"dependencies,omitempty"`
}
