// Package worker implements the import job execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/metrics"
)

const (
	defaultRetryDelay = time.Second
	requeueTimeout    = 10 * time.Second
)

// JobRunner executes one import job.
type JobRunner interface {
	Run(ctx context.Context, job importer.Job) (importer.Counters, error)
}

// Config controls Worker behavior.
type Config struct {
	// RetryDelay is the pause after a failed dequeue.
	RetryDelay time.Duration
}

// Worker consumes queue items and runs one job at a time.
type Worker struct {
	queue    importer.Queue
	jobStore importer.JobStore
	runner   JobRunner
	registry *Registry
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. A nil registry disables cancellation by id.
func New(
	queue importer.Queue,
	jobStore importer.JobStore,
	runner JobRunner,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		runner:   runner,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, importer.ErrQueueClosed) {
				w.logger.Info("queue closed, worker stopping")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryDelay):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item importer.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))

	job, err := w.jobStore.GetJob(ctx, item.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		if errors.Is(err, importer.ErrJobNotFound) {
			w.ack(ctx, item, logger)
		}
		return
	}
	if job.Status.Terminal() {
		logger.Info("job already finished, skipping", zap.String("status", string(job.Status)))
		w.ack(ctx, item, logger)
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	w.registry.register(job.ID, cancel)
	defer func() {
		w.registry.release(job.ID)
		cancel(nil)
	}()

	metrics.IncActiveWorkers()
	counters, runErr := w.runner.Run(jobCtx, job)
	metrics.DecActiveWorkers()

	if ctx.Err() != nil && !errors.Is(context.Cause(jobCtx), ErrCanceledByUser) {
		// Shutdown interrupted the job. Leave it unacknowledged so the
		// broker redelivers it; already imported rows are skipped on rerun.
		w.requeue(ctx, job, logger)
		return
	}

	fields := []zap.Field{
		zap.Int("total", counters.Total),
		zap.Int("skipped", counters.Skipped),
		zap.Int("imported", counters.Imported),
		zap.Int("failed", len(counters.Failed)),
	}
	if runErr != nil {
		logger.Warn("job ended with error", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("job processed", fields...)
	}
	w.ack(ctx, item, logger)
}

func (w *Worker) requeue(ctx context.Context, job importer.Job, logger *zap.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := w.jobStore.UpdateJobStatus(writeCtx, job.ID, importer.JobStatusQueued, "", importer.Counters{}); err != nil {
		logger.Error("requeue job status failed", zap.Error(err))
		return
	}
	logger.Info("job interrupted by shutdown, left for redelivery")
}

func (w *Worker) ack(ctx context.Context, item importer.QueueItem, logger *zap.Logger) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := w.queue.Ack(ackCtx, item); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
}
