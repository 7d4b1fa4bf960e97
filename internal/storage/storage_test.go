package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

func sampleQueue() []JobRecord {
	at := time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)
	return []JobRecord{
		{UID: "a1", Task: "task_1", Duration: -1},
		{UID: "b2", Task: "task_2", Restarts: 3, Dependencies: []string{"a1"}, Duration: 10 * time.Second},
		{UID: "c3", Task: "task_9", StartAt: &at, Restarts: 3, Dependencies: []string{"b2", "a1"}},
	}
}

func assertSameQueue(t *testing.T, want, got []JobRecord) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].UID, got[i].UID)
		assert.Equal(t, want[i].Task, got[i].Task)
		assert.Equal(t, want[i].Duration, got[i].Duration)
		assert.Equal(t, want[i].Restarts, got[i].Restarts)
		assert.Equal(t, len(want[i].Dependencies), len(got[i].Dependencies))
		for j := range want[i].Dependencies {
			assert.Equal(t, want[i].Dependencies[j], got[i].Dependencies[j])
		}
		if want[i].StartAt == nil {
			assert.Nil(t, got[i].StartAt)
		} else {
			require.NotNil(t, got[i].StartAt)
			assert.True(t, want[i].StartAt.Equal(*got[i].StartAt))
		}
	}
}

func TestOpenDrivers(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	st, err = Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "saved_jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	want := sampleQueue()
	require.NoError(t, st.SaveQueue(ctx, want))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err = st.LoadQueue(ctx)
	require.NoError(t, err)
	assertSameQueue(t, want, got)

	require.NoError(t, st.SaveQueue(ctx, nil))
	got, err = st.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved_jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	_, err = st.LoadQueue(context.Background())
	assert.Error(t, err)
}

func TestFileStoreSaveFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved_jobs.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	// A directory squatting on the temp path makes the write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))
	assert.Error(t, st.SaveQueue(context.Background(), sampleQueue()))
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)

	got, err := st.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	want := sampleQueue()
	require.NoError(t, st.SaveQueue(ctx, want))
	require.NoError(t, st.SaveQueue(ctx, want[1:]))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.LoadQueue(ctx)
	require.NoError(t, err)
	assertSameQueue(t, want[1:], got)
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	q := sampleQueue()
	require.NoError(t, m.SaveQueue(ctx, q))
	q[1].Dependencies[0] = "mutated"

	got, err := m.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", got[1].Dependencies[0])
	assert.Equal(t, 1, m.Saves())
}
