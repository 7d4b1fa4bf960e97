package storage

import (
	"context"
	"errors"
	"strings"
	"sync"

	logx "jobsched/pkg/logx"
)

// Store is the persistence API used by the scheduler.
//
// LoadQueue returns an empty slice and no error when nothing was saved yet.
type Store interface {
	LoadQueue(ctx context.Context) ([]JobRecord, error)
	SaveQueue(ctx context.Context, queue []JobRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Memory keeps the queue in process memory.
type Memory struct {
	mu    sync.Mutex
	queue []JobRecord
	saves int
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LoadQueue(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRecords(m.queue), nil
}

func (m *Memory) SaveQueue(ctx context.Context, queue []JobRecord) error {
	_ = ctx
	m.mu.Lock()
	m.queue = cloneRecords(queue)
	m.saves++
	m.mu.Unlock()
	return nil
}

// Saves reports how many times SaveQueue was called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }

func cloneRecords(in []JobRecord) []JobRecord {
	out := make([]JobRecord, len(in))
	for i, r := range in {
		if r.StartAt != nil {
			t := *r.StartAt
			r.StartAt = &t
		}
		r.Dependencies = append([]string(nil), r.Dependencies...)
		out[i] = r
	}
	return out
}
