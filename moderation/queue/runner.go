package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Runner polls the store and dispatches jobs to a bounded worker pool. The
// classification handler is injected so the queue stays ignorant of what a
// job actually does.
type Runner struct {
	Store    *Store
	Parallel int

	// Handle runs the classification for one media upload. An error marks
	// the job failed and schedules a retry.
	Handle func(ctx context.Context, mediaUploadID uint) error
	// Exhausted runs once when a job has burned all its retries, so the
	// caller can route the upload to human review instead of dropping it.
	Exhausted func(ctx context.Context, mediaUploadID uint) error

	Logger *slog.Logger

	stop chan chan struct{}
}

func NewRunner(store *Store, parallel int, logger *slog.Logger) *Runner {
	if parallel <= 0 {
		parallel = 4
	}
	if logger == nil {
		logger = slog.Default().With("system", "classify-queue")
	}
	return &Runner{
		Store:    store,
		Parallel: parallel,
		Logger:   logger,
		stop:     make(chan chan struct{}, 1),
	}
}

// Start runs the dispatch loop until Stop is called. Blocks; run it on its
// own goroutine.
func (r *Runner) Start() {
	ctx := context.Background()
	log := r.Logger
	log.Info("starting classification queue", "parallel", r.Parallel)

	sem := semaphore.NewWeighted(int64(r.Parallel))

	for {
		select {
		case stopped := <-r.stop:
			log.Info("stopping classification queue")
			sem.Acquire(ctx, int64(r.Parallel))
			close(stopped)
			return
		default:
		}

		job, err := r.Store.GetNextEnqueued(ctx)
		if err != nil {
			log.Error("failed to get next enqueued job", "error", err)
			time.Sleep(time.Second)
			continue
		} else if job == nil {
			time.Sleep(time.Second)
			continue
		}

		if err := job.SetState(ctx, StateProcessing); err != nil {
			log.Error("failed to set job state", "error", err)
			continue
		}

		sem.Acquire(ctx, 1)
		go func(j *Job) {
			defer sem.Release(1)
			r.runOne(ctx, j)
		}(job)
	}
}

func (r *Runner) runOne(ctx context.Context, j *Job) {
	log := r.Logger.With("mediaUploadID", j.MediaUploadID())

	err := r.Handle(ctx, j.MediaUploadID())
	if err == nil {
		if err := j.SetState(ctx, StateComplete); err != nil {
			log.Error("failed to set job state", "error", err)
		}
		jobsProcessed.WithLabelValues("complete").Inc()
		return
	}

	log.Error("classification job failed", "error", err, "retryCount", j.RetryCount())

	if j.RetryCount() < MaxRetries {
		if err := j.SetState(ctx, StateFailed); err != nil {
			log.Error("failed to set job state", "error", err)
		}
		jobsProcessed.WithLabelValues("failed").Inc()
		return
	}

	if err := j.SetState(ctx, StateExhausted); err != nil {
		log.Error("failed to set job state", "error", err)
	}
	jobsProcessed.WithLabelValues("exhausted").Inc()
	if r.Exhausted != nil {
		if err := r.Exhausted(ctx, j.MediaUploadID()); err != nil {
			log.Error("exhaustion handler failed", "error", err)
		}
	}
}

// Stop drains in-flight workers and stops the dispatch loop.
func (r *Runner) Stop(ctx context.Context) error {
	stopped := make(chan struct{})
	r.stop <- stopped
	select {
	case <-stopped:
		r.Logger.Info("classification queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
