package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	logx "jobsched/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	if ev, ok := e.Data.(job.Event); ok {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *recorder) of(typ job.EventType) []job.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []job.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// inlineDispatcher performs jobs on the calling goroutine and records the order.
type inlineDispatcher struct {
	mu    sync.Mutex
	order []string
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, j *job.Job) error {
	d.mu.Lock()
	d.order = append(d.order, j.UID)
	d.mu.Unlock()
	_ = j.Perform(ctx, nil)
	return nil
}

func (d *inlineDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

type brokenStore struct {
	loadErr, saveErr error
	saved            []storage.JobRecord
}

func (b *brokenStore) LoadQueue(context.Context) ([]storage.JobRecord, error) {
	return nil, b.loadErr
}

func (b *brokenStore) SaveQueue(_ context.Context, q []storage.JobRecord) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saved = q
	return nil
}

func (b *brokenStore) Close() error { return nil }

func testRegistry(t *testing.T) (*task.Registry, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	reg := task.NewRegistry()
	reg.MustRegister("noop", "does nothing", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	reg.MustRegister("fail", "always fails", func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})
	return reg, &calls
}

func mustJob(t *testing.T, reg *task.Registry, name string, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := job.New(reg, name, opts...)
	require.NoError(t, err)
	return j
}

func TestRunDrainsIndependentJobsOnce(t *testing.T) {
	reg, calls := testRegistry(t)
	store := storage.NewMemory()
	disp := &inlineDispatcher{}
	s := New(Config{PoolSize: 10}, store, reg, disp, logx.Nop())

	jobs := []*job.Job{mustJob(t, reg, "noop"), mustJob(t, reg, "noop"), mustJob(t, reg, "noop")}
	require.NoError(t, s.Schedule(context.Background(), jobs...))
	assert.Equal(t, 3, s.Len())

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Dispatched: 3}, rep)
	assert.Equal(t, []string{jobs[0].UID, jobs[1].UID, jobs[2].UID}, disp.dispatched())
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, s.Len())

	saved, err := store.LoadQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestRunDispatchesDependencyFirst(t *testing.T) {
	reg, _ := testRegistry(t)
	store := storage.NewMemory()
	disp := &inlineDispatcher{}
	rec := &recorder{}
	s := New(Config{PoolSize: 2}, store, reg, disp, logx.Nop(), WithSink(rec))

	a := mustJob(t, reg, "noop")
	b := mustJob(t, reg, "noop", job.After(a))
	// b is queued ahead of its dependency
	require.NoError(t, s.Schedule(context.Background(), b, a))

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Dispatched)
	assert.Equal(t, []string{a.UID, b.UID}, disp.dispatched())
	assert.NotEmpty(t, rec.of(job.EventBlocked))

	saved, err := store.LoadQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestNextRequeuesBlockedJob(t *testing.T) {
	reg, _ := testRegistry(t)
	s := New(Config{}, nil, reg, &inlineDispatcher{}, logx.Nop())

	a := mustJob(t, reg, "noop")
	b := mustJob(t, reg, "noop", job.After(a))
	require.NoError(t, s.Schedule(context.Background(), b, a))

	assert.Nil(t, s.Next())
	q := s.Queue()
	require.Len(t, q, 2)
	assert.Same(t, a, q[0])
	assert.Same(t, b, q[1])

	assert.Same(t, a, s.Next())
	// a left the queue and never started, so b is ready
	assert.Same(t, b, s.Next())
	assert.Nil(t, s.Next())
}

func TestExpiredJobIsDropped(t *testing.T) {
	reg, calls := testRegistry(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	disp := &inlineDispatcher{}
	rec := &recorder{}
	s := New(Config{PoolSize: 5}, storage.NewMemory(), reg, disp, logx.Nop(),
		WithSink(rec), WithClock(func() time.Time { return now }))

	past := mustJob(t, reg, "fail", job.WithStartAt(now.Add(-time.Minute)), job.WithRestarts(3))
	require.NoError(t, s.Schedule(context.Background(), past))

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Expired: 1}, rep)
	assert.Empty(t, disp.dispatched())
	assert.Zero(t, calls.Load())
	assert.Equal(t, 3, past.Restarts)
	assert.Len(t, rec.of(job.EventExpired), 1)
}

func TestFutureJobDoesNotBlockRun(t *testing.T) {
	reg, calls := testRegistry(t)
	d := engine.New(engine.Config{}, logx.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	rec := &recorder{}
	s := New(Config{PoolSize: 10}, storage.NewMemory(), reg, d, logx.Nop(), WithSink(rec))
	later := mustJob(t, reg, "noop", job.WithStartAt(time.Now().Add(300*time.Millisecond)), job.WithRestarts(3))
	require.NoError(t, s.Schedule(context.Background(), later))
	assert.Len(t, rec.of(job.EventDeferred), 1)

	start := time.Now()
	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Zero(t, s.Len())
	assert.True(t, later.Running())
	assert.Zero(t, calls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, later.Worker().Wait(ctx))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 3, later.Restarts)
}

func TestRunWaitsForRunningDependency(t *testing.T) {
	reg := task.NewRegistry()
	var firstDone atomic.Bool
	var sawFirstDone atomic.Bool
	reg.MustRegister("first", "", func(context.Context) error {
		firstDone.Store(true)
		return nil
	})
	reg.MustRegister("second", "", func(context.Context) error {
		sawFirstDone.Store(firstDone.Load())
		return nil
	})

	disp := &inlineDispatcher{}
	s := New(Config{PoolSize: 5}, nil, reg, disp, logx.Nop())
	a := mustJob(t, reg, "first", job.WithStartAt(time.Now().Add(100*time.Millisecond)))
	b := mustJob(t, reg, "second", job.After(a))
	require.NoError(t, s.Schedule(context.Background(), a, b))

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Dispatched)
	assert.Equal(t, []string{a.UID, b.UID}, disp.dispatched())
	assert.True(t, sawFirstDone.Load())
}

func TestRunDetectsDeadlock(t *testing.T) {
	reg, calls := testRegistry(t)
	store := storage.NewMemory()
	rec := &recorder{}
	s := New(Config{PoolSize: 5}, store, reg, &inlineDispatcher{}, logx.Nop(), WithSink(rec))

	a := mustJob(t, reg, "noop", job.WithUID("a"), job.AfterUIDs("b"))
	b := mustJob(t, reg, "noop", job.WithUID("b"), job.AfterUIDs("a"))
	self := mustJob(t, reg, "noop", job.WithUID("self"), job.AfterUIDs("self"))
	free := mustJob(t, reg, "noop", job.WithUID("free"))
	require.NoError(t, s.Schedule(context.Background(), a, b, self, free))

	rep, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrStalled)
	assert.True(t, rep.Stalled)
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 3, rep.Remaining)
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, rec.of(job.EventQueueStalled), 1)

	saved, err := store.LoadQueue(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 3)
}

func TestRunStopsAtPoolSize(t *testing.T) {
	reg, _ := testRegistry(t)
	store := storage.NewMemory()
	rec := &recorder{}
	disp := &inlineDispatcher{}
	s := New(Config{PoolSize: 2}, store, reg, disp, logx.Nop(), WithSink(rec))

	jobs := []*job.Job{mustJob(t, reg, "noop"), mustJob(t, reg, "noop"), mustJob(t, reg, "noop")}
	err := s.Schedule(context.Background(), jobs...)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, s.Len())
	require.Len(t, rec.of(job.EventRejected), 1)
	assert.Equal(t, jobs[2].UID, rec.of(job.EventRejected)[0].UID)
	assert.Len(t, rec.of(job.EventAdded), 2)

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Dispatched: 2, Remaining: 1}, rep)

	saved, err := store.LoadQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, jobs[2].UID, saved[0].UID)

	rep, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Dispatched: 1}, rep)
}

func TestScheduleRestoresSavedQueue(t *testing.T) {
	reg, _ := testRegistry(t)
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	start := time.Now().Add(time.Hour).Truncate(time.Second)
	first := New(Config{PoolSize: 1}, store, reg, &inlineDispatcher{}, logx.Nop())
	dep := mustJob(t, reg, "noop")
	held := mustJob(t, reg, "fail", job.WithStartAt(start), job.WithDuration(10*time.Second), job.WithRestarts(3), job.After(dep))
	require.ErrorIs(t, first.Schedule(context.Background(), dep, held), ErrQueueFull)
	require.NoError(t, first.Save(context.Background()))

	// a fresh scheduler sees the saved jobs ahead of new ones
	second := New(Config{PoolSize: 5}, store, reg, &inlineDispatcher{}, logx.Nop())
	extra := mustJob(t, reg, "noop")
	require.NoError(t, second.Schedule(context.Background(), extra))

	q := second.Queue()
	require.Len(t, q, 3)
	assert.Equal(t, dep.UID, q[0].UID)
	got := q[1]
	assert.Equal(t, held.UID, got.UID)
	assert.Equal(t, "fail", got.Task.Name)
	assert.True(t, start.Equal(got.StartAt))
	assert.Equal(t, 10*time.Second, got.Duration)
	assert.Equal(t, 3, got.Restarts)
	assert.Equal(t, []string{dep.UID}, got.Dependencies)
	assert.Nil(t, got.Worker())
	assert.Same(t, extra, q[2])
}

func TestScheduleSkipsUnknownSavedTask(t *testing.T) {
	reg, _ := testRegistry(t)
	store := storage.NewMemory()
	require.NoError(t, store.SaveQueue(context.Background(), []storage.JobRecord{
		{UID: "gone", Task: "removed_task", Duration: job.NoDuration},
		{UID: "kept", Task: "noop", Duration: job.NoDuration},
	}))

	s := New(Config{}, store, reg, &inlineDispatcher{}, logx.Nop())
	require.NoError(t, s.Schedule(context.Background()))
	q := s.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, "kept", q[0].UID)
}

func TestScheduleTreatsUnreadableQueueAsEmpty(t *testing.T) {
	reg, _ := testRegistry(t)
	rec := &recorder{}
	store := &brokenStore{loadErr: errors.New("corrupt")}
	s := New(Config{}, store, reg, &inlineDispatcher{}, logx.Nop(), WithSink(rec))

	require.NoError(t, s.Schedule(context.Background(), mustJob(t, reg, "noop")))
	assert.Equal(t, 1, s.Len())
	loaded := rec.of(job.EventQueueLoaded)
	require.Len(t, loaded, 1)
	assert.Equal(t, "corrupt", loaded[0].Err)
}

func TestRunReportsSaveFailure(t *testing.T) {
	reg, _ := testRegistry(t)
	store := &brokenStore{saveErr: errors.New("disk full")}
	s := New(Config{}, store, reg, &inlineDispatcher{}, logx.Nop())
	require.NoError(t, s.Schedule(context.Background(), mustJob(t, reg, "noop")))

	rep, err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, rep.Dispatched)
}

func TestRunKeepsJobWhenDispatcherStopped(t *testing.T) {
	reg, calls := testRegistry(t)
	store := storage.NewMemory()
	d := engine.New(engine.Config{}, logx.Nop(), nil) // never started
	s := New(Config{}, store, reg, d, logx.Nop())
	j := mustJob(t, reg, "noop")
	require.NoError(t, s.Schedule(context.Background(), j))

	rep, err := s.Run(context.Background())
	require.ErrorIs(t, err, engine.ErrStopped)
	assert.Equal(t, 1, rep.Remaining)
	assert.Zero(t, calls.Load())

	saved, err := store.LoadQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, j.UID, saved[0].UID)
}

func TestRunWithEngineExhaustsRestarts(t *testing.T) {
	reg, calls := testRegistry(t)
	d := engine.New(engine.Config{}, logx.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	s := New(Config{}, storage.NewMemory(), reg, d, logx.Nop())
	require.NoError(t, s.Schedule(context.Background(), mustJob(t, reg, "fail", job.WithRestarts(2))))

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dispatched)
	assert.EqualValues(t, 3, calls.Load())
}

func TestScheduleRejectsDuplicateUID(t *testing.T) {
	reg, calls := testRegistry(t)
	store := storage.NewMemory()
	require.NoError(t, store.SaveQueue(context.Background(), []storage.JobRecord{
		{UID: "mk", Task: "noop", Duration: job.NoDuration},
	}))
	rec := &recorder{}
	s := New(Config{}, store, reg, &inlineDispatcher{}, logx.Nop(), WithSink(rec))

	again := mustJob(t, reg, "noop", job.WithUID("mk"))
	err := s.Schedule(context.Background(), again)
	require.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, 1, s.Len())
	assert.Len(t, rec.of(job.EventRejected), 1)

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dispatched)
	assert.EqualValues(t, 1, calls.Load())
}

func TestScheduleSameJobTwice(t *testing.T) {
	reg, _ := testRegistry(t)
	s := New(Config{}, nil, reg, &inlineDispatcher{}, logx.Nop())
	j := mustJob(t, reg, "noop")

	err := s.Schedule(context.Background(), j, j)
	require.ErrorIs(t, err, ErrDuplicateJob)
	assert.NotErrorIs(t, err, ErrQueueFull)
	require.Len(t, s.Queue(), 1)
	assert.Same(t, j, s.Queue()[0])
}

func TestScheduleRejectsUIDOfRunningJob(t *testing.T) {
	reg := task.NewRegistry()
	release := make(chan struct{})
	reg.MustRegister("slow", "waits", func(context.Context) error {
		<-release
		return nil
	})
	d := engine.New(engine.Config{}, logx.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	s := New(Config{}, nil, reg, d, logx.Nop())
	later := mustJob(t, reg, "slow", job.WithUID("x"), job.WithStartAt(time.Now().Add(time.Hour)))
	require.NoError(t, s.Schedule(context.Background(), later))
	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Dispatched)
	require.True(t, later.Running())

	err = s.Schedule(context.Background(), mustJob(t, reg, "slow", job.WithUID("x")))
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Zero(t, s.Len())
	close(release)
}
