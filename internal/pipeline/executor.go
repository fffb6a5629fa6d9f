package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yourorg/conduit/internal/event"
	"github.com/yourorg/conduit/internal/metrics"
	"github.com/yourorg/conduit/internal/queue"
	"github.com/yourorg/conduit/internal/store"
	"github.com/yourorg/conduit/pkg/types"
)

// Executor runs one leased delivery through the pipeline end to end. It is
// the only writer of the job's state for the duration of its attempt; a
// superseded attempt discovers this through ErrStaleWrite and abandons the
// job without touching the queue.
type Executor struct {
	store    *store.Store
	queue    *queue.Queue
	pub      *event.Publisher
	pipeline *Pipeline

	workerID     string
	stageTimeout time.Duration
	retryBackoff time.Duration
	metrics      *metrics.Pipeline
	log          *slog.Logger
}

// NewExecutor wires an executor for one worker identity.
func NewExecutor(st *store.Store, q *queue.Queue, pub *event.Publisher, p *Pipeline,
	workerID string, stageTimeout, retryBackoff time.Duration,
	m *metrics.Pipeline, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        st,
		queue:        q,
		pub:          pub,
		pipeline:     p,
		workerID:     workerID,
		stageTimeout: stageTimeout,
		retryBackoff: retryBackoff,
		metrics:      m,
		log:          logger,
	}
}

// Run executes the delivery. Errors are fully handled internally: the job
// ends terminal, is abandoned to a newer attempt, or is left for lease
// expiry to redeliver after a store outage.
func (e *Executor) Run(ctx context.Context, d *queue.Delivery) {
	job, err := e.store.Get(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Purged or never created; drop the queue item.
			e.ack(ctx, d.JobID)
			return
		}
		e.log.Error("load job", "jobID", d.JobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		e.ack(ctx, d.JobID)
		return
	}

	running := types.StatusRunning
	zero := 0
	if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{
		Status:     &running,
		StageIndex: &zero,
	}); err != nil {
		// A newer attempt owns the job, or it went terminal between the
		// claim and now. Either way this attempt must not proceed.
		e.log.Warn("attempt superseded before start", "jobID", d.JobID,
			"token", d.AttemptToken, "error", err)
		return
	}

	start := time.Now()
	completedWeight := 0.0

	for i, stage := range e.pipeline.Stages() {
		// Cancellation is cooperative and observed only at stage
		// boundaries, never mid-stage.
		if e.checkCancelled(ctx, job, d) {
			return
		}

		if _, err := e.queue.ExtendLease(ctx, d.JobID, e.workerID); err != nil {
			// Lost the lease: the job has been redelivered. Stop here; the
			// attempt-token contract protects the store from our writes.
			e.log.Warn("lease lost mid-run", "jobID", d.JobID, "stage", stage.Name)
			return
		}

		idx := i
		if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{StageIndex: &idx}); err != nil {
			e.log.Warn("attempt superseded at stage boundary", "jobID", d.JobID, "stage", stage.Name)
			return
		}

		resultRef, err := e.runStageWithRetry(ctx, job, d, stage, completedWeight)
		if err != nil {
			e.failJob(ctx, job, d, err)
			return
		}
		if resultRef != "" {
			job.ResultRef = resultRef
		}

		completedWeight += stage.Weight
		e.reportProgress(ctx, d, completedWeight)
		e.pub.Progress(ctx, d.JobID, stage.Name, i, completedWeight)
	}

	e.succeedJob(ctx, job, d, time.Since(start))
}

// runStageWithRetry runs one stage, retrying the same stage after a fixed
// backoff on transient failures until the job's retry budget is exhausted.
func (e *Executor) runStageWithRetry(ctx context.Context, job *types.Job, d *queue.Delivery,
	stage Stage, completedWeight float64) (string, error) {
	for {
		resultRef, err := e.runStage(ctx, job, d, stage, completedWeight)
		if err == nil {
			return resultRef, nil
		}

		if !types.Retryable(err) || job.RetryCount >= job.MaxRetries {
			return "", err
		}

		job.RetryCount++
		lastErr := err.Error()
		retries := job.RetryCount
		if upErr := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{
			RetryCount: &retries,
			LastError:  &lastErr,
		}); upErr != nil {
			return "", upErr
		}
		if e.metrics != nil {
			e.metrics.RecordStageRetry()
		}
		e.log.Info("retrying stage", "jobID", job.ID, "stage", stage.Name,
			"retry", retries, "error", err)

		select {
		case <-ctx.Done():
			return "", types.Classified(types.KindTransient, ctx.Err())
		case <-time.After(e.retryBackoff):
		}
	}
}

// runStage executes a single stage attempt with its own timeout and a
// resource scope that closes whatever the outcome.
func (e *Executor) runStage(ctx context.Context, job *types.Job, d *queue.Delivery,
	stage Stage, completedWeight float64) (resultRef string, err error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	scope := &Scope{}
	defer scope.close()

	report := func(fraction float64) {
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		e.reportProgress(ctx, d, completedWeight+fraction*stage.Weight)
	}

	resultRef, err = stage.Handler.Run(stageCtx, job, scope, report)
	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = types.Classified(types.KindTimeout, err)
	}
	return resultRef, err
}

// reportProgress writes clamped progress to the store. The store enforces
// monotonicity, so a stale or mis-reported value is a no-op.
func (e *Executor) reportProgress(ctx context.Context, d *queue.Delivery, percent float64) {
	if percent > 100 {
		percent = 100
	}
	if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{Progress: &percent}); err != nil &&
		!errors.Is(err, store.ErrStaleWrite) {
		e.log.Warn("report progress", "jobID", d.JobID, "error", err)
	}
}

func (e *Executor) checkCancelled(ctx context.Context, job *types.Job, d *queue.Delivery) bool {
	cancelled, err := e.store.CancelRequested(ctx, d.JobID)
	if err != nil || !cancelled {
		return false
	}

	st := types.StatusCancelled
	if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{Status: &st}); err != nil {
		e.log.Warn("mark cancelled", "jobID", d.JobID, "error", err)
		return true
	}
	e.ack(ctx, d.JobID)
	e.pub.Errored(ctx, d.JobID, "job cancelled")
	e.pub.Forget(d.JobID)
	if e.metrics != nil {
		e.metrics.RecordCancelled()
	}
	e.log.Info("job cancelled", "jobID", d.JobID, "stage_index", job.StageIndex)
	return true
}

func (e *Executor) failJob(ctx context.Context, job *types.Job, d *queue.Delivery, cause error) {
	st := types.StatusFailed
	lastErr := cause.Error()
	if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{
		Status:    &st,
		LastError: &lastErr,
	}); err != nil {
		e.log.Warn("mark failed", "jobID", d.JobID, "error", err)
		return
	}
	e.ack(ctx, d.JobID)
	e.pub.Errored(ctx, d.JobID, lastErr)
	e.pub.Forget(d.JobID)
	if e.metrics != nil {
		e.metrics.RecordFailed()
	}
	e.log.Warn("job failed", "jobID", d.JobID, "retries", job.RetryCount, "error", cause)
}

func (e *Executor) succeedJob(ctx context.Context, job *types.Job, d *queue.Delivery, elapsed time.Duration) {
	st := types.StatusSucceeded
	hundred := 100.0
	if err := e.store.Update(ctx, d.JobID, d.AttemptToken, store.Patch{
		Status:    &st,
		Progress:  &hundred,
		ResultRef: &job.ResultRef,
	}); err != nil {
		e.log.Warn("mark succeeded", "jobID", d.JobID, "error", err)
		return
	}
	e.ack(ctx, d.JobID)
	e.pub.Completed(ctx, d.JobID, job.ResultRef)
	e.pub.Forget(d.JobID)
	if e.metrics != nil {
		e.metrics.RecordCompleted(elapsed.Seconds())
	}
	e.log.Info("job succeeded", "jobID", d.JobID, "duration", elapsed)
}

func (e *Executor) ack(ctx context.Context, id types.JobID) {
	if err := e.queue.Ack(ctx, id); err != nil {
		e.log.Error("ack queue item", "jobID", id, "error", err)
	}
}
