package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "jobsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadQueue(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, task, start_at, duration_ns, restarts, dependencies FROM queue ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []JobRecord{}
	for rows.Next() {
		var (
			r       JobRecord
			startAt sql.NullString
			durNS   int64
			deps    string
		)
		if err := rows.Scan(&r.UID, &r.Task, &startAt, &durNS, &r.Restarts, &deps); err != nil {
			return nil, err
		}
		if startAt.Valid && startAt.String != "" {
			t, err := time.Parse(time.RFC3339Nano, startAt.String)
			if err != nil {
				return nil, fmt.Errorf("job %s: start_at: %w", r.UID, err)
			}
			r.StartAt = &t
		}
		r.Duration = time.Duration(durNS)
		if deps != "" {
			if err := json.Unmarshal([]byte(deps), &r.Dependencies); err != nil {
				return nil, fmt.Errorf("job %s: dependencies: %w", r.UID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveQueue(ctx context.Context, queue []JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		return err
	}
	for i, r := range queue {
		deps, err := json.Marshal(nonNil(r.Dependencies))
		if err != nil {
			return err
		}
		var startAt any
		if r.StartAt != nil {
			startAt = r.StartAt.Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue(position, uid, task, start_at, duration_ns, restarts, dependencies)
			 VALUES(?,?,?,?,?,?,?)`,
			i, r.UID, r.Task, startAt, int64(r.Duration), r.Restarts, string(deps),
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("queue saved", logx.String("driver", "sqlite"), logx.Int("jobs", len(queue)))
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
