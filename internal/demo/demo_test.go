package demo

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	logx "jobsched/pkg/logx"
)

func TestRankOrdersByTemperatureThenGoodHours(t *testing.T) {
	day := func(temp int, cond string) Day {
		return Day{Date: "2024-05-18", Hours: []Hour{
			{Hour: 8, Temp: 40, Condition: "clear"}, // outside daytime
			{Hour: 12, Temp: temp, Condition: cond},
			{Hour: 14, Temp: temp, Condition: "rain"},
		}}
	}
	fcs := []Forecast{
		{City: "A", Forecasts: []Day{day(20, "rain")}},
		{City: "B", Forecasts: []Day{day(25, "rain")}},
		{City: "C", Forecasts: []Day{day(20, "clear")}},
	}
	rep, err := Rank(context.Background(), fcs)
	require.NoError(t, err)
	require.Len(t, rep.Cities, 3)
	assert.Equal(t, "B", rep.Cities[0].City)
	assert.Equal(t, "C", rep.Cities[1].City)
	assert.Equal(t, "A", rep.Cities[2].City)
	assert.Equal(t, 20.0, rep.Cities[1].AverageTemp)
	assert.Equal(t, 1, rep.Cities[1].GoodHours)

	best, ok := rep.Best()
	require.True(t, ok)
	assert.Equal(t, "B", best.City)
}

func TestRankStopsOnCanceledContext(t *testing.T) {
	fcs, err := LoadForecasts()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Rank(ctx, fcs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBundledForecastsProduceReport(t *testing.T) {
	rep, err := BuildReport(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, rep.Cities)
	for i, c := range rep.Cities {
		assert.Equal(t, i+1, c.Rating)
		assert.NotEmpty(t, c.Days)
	}
}

func TestJobsGraph(t *testing.T) {
	reg := task.NewRegistry()
	require.NoError(t, NewTasks(t.TempDir(), logx.Nop()).Register(reg))
	now := time.Now()

	jobs, err := Jobs(reg, now)
	require.NoError(t, err)
	require.Len(t, jobs, 9)

	uid := func(i int) string { return jobs[i-1].UID }
	assert.Equal(t, []string{uid(1)}, jobs[1].Dependencies)
	assert.Equal(t, 3, jobs[1].Restarts)
	assert.Equal(t, []string{uid(1), uid(2), uid(3), uid(4)}, jobs[4].Dependencies)
	assert.Equal(t, []string{uid(5)}, jobs[6].Dependencies)
	assert.Equal(t, 10*time.Second, jobs[7].Duration)
	assert.Equal(t, now.Add(ReportDelay), jobs[8].StartAt)
	assert.Equal(t, []string{uid(8)}, jobs[8].Dependencies)

	_, err = Jobs(task.NewRegistry(), now)
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestDemoRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	reg := task.NewRegistry()
	require.NoError(t, NewTasks(dir, logx.Nop()).Register(reg))

	d := engine.New(engine.Config{}, logx.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	store := storage.NewMemory()
	s := scheduler.New(scheduler.Config{PoolSize: 10}, store, reg, d, logx.Nop())

	// start the report cleanup shortly after the run
	jobs, err := Jobs(reg, time.Now().Add(-ReportDelay+time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Schedule(context.Background(), jobs...))

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, rep.Dispatched)
	assert.Zero(t, rep.Remaining)

	// steps 1-7 leave nothing behind; the report exists until task_9 fires
	_, err = os.Stat(filepath.Join(dir, RenamedDirName))
	assert.True(t, os.IsNotExist(err))
	b, err := os.ReadFile(filepath.Join(dir, ReportName))
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(b, &report))
	assert.NotEmpty(t, report.Cities)

	cleanup := jobs[8]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cleanup.Worker().Wait(ctx))
	_, err = os.Stat(filepath.Join(dir, ReportName))
	assert.True(t, os.IsNotExist(err))
}
