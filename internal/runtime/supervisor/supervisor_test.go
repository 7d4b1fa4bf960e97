package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("boom", func(context.Context) error { panic("x") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.ErrorContains(t, s.Err(), "panic in boom")
	assert.EqualValues(t, 0, s.Counters().Active)
}

func TestCancelOnError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("nope") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Error(t, s.Context().Err())
}

func TestGoRestartUntilCleanExit(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
	assert.EqualValues(t, 2, s.Counters().Restarts)
	assert.ErrorContains(t, s.Err(), "transient")
}

func TestGoRestartGivesUp(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart("dead", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
	assert.Error(t, s.Err())
}
