package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/types"
)

func waitTerminal(t *testing.T, q *Queue, jobID string) types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := q.Status(jobID)
		require.NoError(t, err)
		if job.State.Terminal() {
			return job
		}
		require.True(t, time.Now().Before(deadline), "job never reached a terminal state")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsThroughRunner(t *testing.T) {
	var calls int64
	runner := func(ctx context.Context, p types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error) {
		atomic.AddInt64(&calls, 1)
		return types.ExecutionResult{Status: types.StatusSuccess, Stdout: "done"}, nil
	}
	q := New(runner, 8, 2, time.Minute, nil)
	defer q.Close()

	jobID, err := q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{Code: "x"})
	require.NoError(t, err)

	job := waitTerminal(t, q, jobID)
	require.Equal(t, types.JobCompleted, job.State)
	require.Equal(t, "done", job.Result.Stdout)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
}

func TestQueueFullRejects(t *testing.T) {
	block := make(chan struct{})
	runner := func(ctx context.Context, p types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error) {
		<-block
		return types.ExecutionResult{Status: types.StatusSuccess}, nil
	}
	q := New(runner, 1, 1, time.Minute, nil)
	defer func() {
		close(block)
		q.Close()
	}()

	// first fills the worker, second fills the channel; the third overflows
	_, err := q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.NoError(t, err)

	_, err = q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.Error(t, err)
	require.Equal(t, types.KindQueueFull, types.KindOf(err))
}

func TestCancelQueuedJob(t *testing.T) {
	block := make(chan struct{})
	runner := func(ctx context.Context, p types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error) {
		<-block
		return types.ExecutionResult{Status: types.StatusSuccess}, nil
	}
	q := New(runner, 4, 1, time.Minute, nil)
	defer func() {
		close(block)
		q.Close()
	}()

	_, err := q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	queuedID, err := q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(queuedID))
	job, err := q.Status(queuedID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, job.State)

	// terminal state is frozen: cancelling again changes nothing
	require.NoError(t, q.Cancel(queuedID))
	again, err := q.Status(queuedID)
	require.NoError(t, err)
	require.Equal(t, job.FinishedAt.UnixNano(), again.FinishedAt.UnixNano())
}

func TestCancelRunningJobStopsWorker(t *testing.T) {
	started := make(chan struct{})
	runner := func(ctx context.Context, p types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error) {
		close(started)
		<-ctx.Done()
		return types.ExecutionResult{}, ctx.Err()
	}
	q := New(runner, 4, 1, time.Minute, nil)
	defer q.Close()

	jobID, err := q.Submit(types.Principal{ID: "p1"}, types.ExecutionRequest{})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Cancel(jobID))
	job := waitTerminal(t, q, jobID)
	require.Equal(t, types.JobCancelled, job.State)
}

func TestStatusUnknownJob(t *testing.T) {
	q := New(func(context.Context, types.Principal, types.ExecutionRequest) (types.ExecutionResult, error) {
		return types.ExecutionResult{}, nil
	}, 1, 1, time.Minute, nil)
	defer q.Close()

	_, err := q.Status("nope")
	require.Error(t, err)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}
