package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", timeout)
}

func TestScheduler_SuccessCountsRuns(t *testing.T) {
	state := NewState()
	var calls atomic.Int64
	task := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(task, state, 10*time.Millisecond, 0, time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 2 })
	cancel()
	<-done

	snap := state.Snapshot()
	assert.False(t, snap.Running)
	assert.Empty(t, snap.LastError)
	assert.GreaterOrEqual(t, snap.TotalRuns, int64(2))
	assert.Zero(t, snap.TotalErrors)
	require.NotNil(t, snap.LastStarted)
	require.NotNil(t, snap.LastFinished)
}

func TestScheduler_FailureRecordsErrorAndBacksOff(t *testing.T) {
	state := NewState()
	task := func(ctx context.Context) error {
		return errors.New("remote unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(task, state, 5*time.Millisecond, 0, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return state.Snapshot().TotalErrors >= 2
	})
	cancel()
	<-done

	snap := state.Snapshot()
	assert.Equal(t, "remote unavailable", snap.LastError)
	assert.Zero(t, snap.TotalRuns)
	assert.False(t, snap.Running)
}

func TestScheduler_SuccessClearsLastError(t *testing.T) {
	state := NewState()
	var calls atomic.Int64
	task := func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(task, state, 5*time.Millisecond, 0, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return state.Snapshot().TotalRuns >= 1
	})
	cancel()
	<-done

	snap := state.Snapshot()
	assert.Empty(t, snap.LastError)
	assert.Equal(t, int64(1), snap.TotalErrors)
}

func TestScheduler_SkipsTickWhileRunning(t *testing.T) {
	state := NewState()
	// Simulate an in-flight run held by another tick.
	require.True(t, state.beginRun())

	var calls atomic.Int64
	task := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	sched := New(task, state, 5*time.Millisecond, 0, time.Second)
	sched.Run(ctx)

	// Every tick was dropped; completed runs only are counted.
	assert.Zero(t, calls.Load())
	assert.Zero(t, state.Snapshot().TotalRuns)
	assert.True(t, state.Snapshot().Running)
}

func TestScheduler_CancelDuringSleepReturnsPromptly(t *testing.T) {
	state := NewState()
	task := func(ctx context.Context) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	sched := New(task, state, time.Hour, 0, time.Second)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not an error")
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after cancellation")
	}
}

func TestScheduler_CancelDuringBackoffSleep(t *testing.T) {
	state := NewState()
	task := func(ctx context.Context) error {
		return errors.New("always fails")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := New(task, state, time.Millisecond, 0, time.Hour)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return state.Snapshot().TotalErrors >= 1
	})
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler stuck in backoff sleep after cancellation")
	}

	// The interrupted run still unwound through endRun.
	assert.False(t, state.Snapshot().Running)
}

func TestState_SnapshotEmpty(t *testing.T) {
	snap := NewState().Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.LastStarted)
	assert.Nil(t, snap.LastFinished)
}
