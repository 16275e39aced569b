// Package jobqueue is the async execution path: a bounded in-memory queue
// drained by a fixed worker pool, each worker invoking the same synchronous
// pipeline the direct path uses. Jobs are in-memory only; completed jobs
// are retained for a bounded window and then pruned.
package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/pkg/log"
	"sandboxd/pkg/metrics"
	"sandboxd/pkg/types"
)

// Runner executes one request through the synchronous pipeline.
type Runner func(ctx context.Context, principal types.Principal, req types.ExecutionRequest) (types.ExecutionResult, error)

type queued struct {
	jobID     string
	principal types.Principal
}

// Queue owns the job map, the bounded submission channel, and the workers.
type Queue struct {
	runner    Runner
	metrics   *metrics.Registry
	retention time.Duration

	ch chan queued

	mu      sync.RWMutex
	jobs    map[string]*types.Job
	cancels map[string]context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Queue with the given capacity and worker count; workers
// start immediately.
func New(runner Runner, capacity, workers int, retention time.Duration, reg *metrics.Registry) *Queue {
	q := &Queue{
		runner:    runner,
		metrics:   reg,
		retention: retention,
		ch:        make(chan queued, capacity),
		jobs:      make(map[string]*types.Job),
		cancels:   make(map[string]context.CancelFunc),
		stop:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.pruneLoop()
	return q
}

// Close stops the workers and the prune loop and waits for in-flight jobs to
// finish. It does not make Submit refuse work, and jobs still waiting in the
// queue may never run.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Submit enqueues a job, returning its ID immediately. A full queue
// rejects with QueueFull.
func (q *Queue) Submit(principal types.Principal, req types.ExecutionRequest) (string, error) {
	jobID := uuid.NewString()
	job := &types.Job{
		JobID:       jobID,
		PrincipalID: principal.ID,
		Request:     req,
		State:       types.JobQueued,
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	q.jobs[jobID] = job
	q.mu.Unlock()

	select {
	case q.ch <- queued{jobID: jobID, principal: principal}:
		if q.metrics != nil {
			q.metrics.QueueDepth.Inc()
		}
		return jobID, nil
	default:
		q.mu.Lock()
		delete(q.jobs, jobID)
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.QueueRejections.Inc()
		}
		return "", types.NewError(types.KindQueueFull, "async job queue is full", nil)
	}
}

// Status returns a copy of the job, so callers can never mutate a terminal
// job's frozen fields.
func (q *Queue) Status(jobID string) (types.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return types.Job{}, types.NewError(types.KindNotFound, fmt.Sprintf("job %q not found", jobID), nil)
	}
	return *job, nil
}

// Cancel transitions a queued job straight to Cancelled, or signals the
// worker running it to stop. Cancelling a terminal job is a no-op.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return types.NewError(types.KindNotFound, fmt.Sprintf("job %q not found", jobID), nil)
	}
	switch job.State {
	case types.JobQueued:
		now := time.Now()
		job.State = types.JobCancelled
		job.FinishedAt = &now
	case types.JobRunning:
		if cancel, ok := q.cancels[jobID]; ok {
			cancel()
		}
	}
	return nil
}

// Depth reports queued-but-not-started submissions.
func (q *Queue) Depth() int { return len(q.ch) }

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case item := <-q.ch:
			q.run(item)
			if q.metrics != nil {
				q.metrics.QueueDepth.Dec()
			}
		}
	}
}

func (q *Queue) run(item queued) {
	q.mu.Lock()
	job, ok := q.jobs[item.jobID]
	if !ok || job.State != types.JobQueued {
		// cancelled (or pruned) while waiting in the channel
		q.mu.Unlock()
		return
	}
	now := time.Now()
	job.State = types.JobRunning
	job.StartedAt = &now
	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[item.jobID] = cancel
	q.mu.Unlock()

	result, err := q.runner(ctx, item.principal, job.Request)

	cancelled := ctx.Err() != nil

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancels, item.jobID)
	cancel()

	finished := time.Now()
	job.FinishedAt = &finished
	switch {
	case cancelled:
		job.State = types.JobCancelled
	case err != nil:
		job.State = types.JobFailed
		job.Result = &types.ExecutionResult{
			Status: types.StatusError,
			Stderr: err.Error(),
		}
		log.WithJob(item.jobID).Warn("async job failed", zap.Error(err))
	default:
		job.State = types.JobCompleted
		job.Result = &result
	}
}

// pruneLoop drops terminal jobs once they have been finished longer than
// the retention window.
func (q *Queue) pruneLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-q.retention)
			q.mu.Lock()
			for id, job := range q.jobs {
				if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
					delete(q.jobs, id)
				}
			}
			q.mu.Unlock()
		}
	}
}
