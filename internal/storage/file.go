package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "jobsched/pkg/logx"
)

const queueFileVersion = 1

// fileStore keeps the whole queue in one JSON document.
//
// Saves write <path>.tmp and rename it over <path>, so a crash mid-write
// leaves the previous queue intact.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

type queueDocument struct {
	Version int         `json:"version"`
	Jobs    []JobRecord `json:"jobs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadQueue(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("queue file not found", logx.String("path", s.path))
		return []JobRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []JobRecord{}, nil
	}

	var doc queueDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Version > queueFileVersion {
		return nil, fmt.Errorf("decode %s: unsupported version %d", s.path, doc.Version)
	}
	if doc.Jobs == nil {
		doc.Jobs = []JobRecord{}
	}
	s.log.Debug("queue loaded", logx.String("path", s.path), logx.Int("jobs", len(doc.Jobs)))
	return doc.Jobs, nil
}

func (s *fileStore) SaveQueue(ctx context.Context, queue []JobRecord) error {
	_ = ctx
	if queue == nil {
		queue = []JobRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(queueDocument{Version: queueFileVersion, Jobs: queue}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("queue saved", logx.String("path", s.path), logx.Int("jobs", len(queue)))
	return nil
}
