package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/planner"
	"github.com/stanstork/fitsync/internal/provider"
	"github.com/stanstork/fitsync/internal/repository"
)

// ErrAlreadyProcessing is returned when the job is already held by this process.
var ErrAlreadyProcessing = errors.New("sync job is already being processed")

// WatermarkStore advances an owner's last fully synced date.
type WatermarkStore interface {
	AdvanceWatermark(ctx context.Context, ownerID string, date time.Time) (bool, error)
}

// Sink persists provider payloads and reports whether a window already has data.
type Sink interface {
	PersistMetrics(ctx context.Context, ownerID string, metrics []models.DailyMetric, windowStart, windowEnd time.Time) (int, error)
	PersistActivities(ctx context.Context, ownerID string, activities []models.Activity, windowStart, windowEnd time.Time) (int, error)
	HasData(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) (bool, error)
}

// JobNotifier is told about jobs that reached completed or failed.
type JobNotifier interface {
	NotifySyncCompleted(ctx context.Context, job models.SyncJob) error
	NotifySyncFailed(ctx context.Context, job models.SyncJob, reason string) error
}

type WorkerConfig struct {
	Jobs       repository.SyncJobRepository
	Watermarks WatermarkStore
	Sink       Sink
	Fetcher    provider.Fetcher
	Notifier   JobNotifier
	Planner    *planner.Planner
	Metrics    *metrics.Metrics
	Registry   *Registry
	Logger     zerolog.Logger

	// MaxConcurrentJobs bounds how many jobs this process runs at once,
	// triggered and polled alike.
	MaxConcurrentJobs int
	PollInterval      time.Duration
	// StaleAfter is how long a running job may go without a progress write before another poll reclaims it.
	StaleAfter   time.Duration
	ChunkTimeout time.Duration
	ChunkDelay   time.Duration
}

type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger

	slots chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	stopping bool
	inflight sync.WaitGroup
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Planner == nil {
		cfg.Planner = planner.New(planner.DefaultMaxChunks)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
		slots:  make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Start polls for claimable jobs until ctx is cancelled. On shutdown every job
// held by this process is paused at its next chunk boundary and Start returns
// once they have all stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.logger.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("worker started, polling for sync jobs")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.processNextJob(ctx); err != nil {
				// Log the error, but keep polling for other jobs
				w.logger.Error().Err(err).Msg("error processing sync job")
			}
		}
	}
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	w.cfg.Registry.signalAll(StopShutdown)
	w.inflight.Wait()
}

// Trigger processes the job in the background. It returns false and leaves the
// job for the poll loop when no job slot is free. It also returns false for a
// job this process already holds and once shutdown has begun.
func (w *Worker) Trigger(jobID string) bool {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return false
	}
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if !w.tryAcquireSlot() {
		w.mu.Unlock()
		w.logger.Debug().Str("job_id", jobID).Msg("trigger declined, no free job slot")
		return false
	}
	c, ok := w.cfg.Registry.acquire(jobID)
	if !ok {
		w.releaseSlot()
		w.mu.Unlock()
		w.logger.Debug().Str("job_id", jobID).Msg("trigger ignored, job already being processed")
		return false
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.inflight.Done()
		defer w.releaseSlot()
		defer w.cfg.Registry.release(c)
		if err := w.runTriggered(ctx, c, jobID); err != nil {
			w.logger.Error().Err(err).Str("job_id", jobID).Msg("error processing triggered sync job")
		}
	}()
	return true
}

// ProcessJob runs one job synchronously on the caller's goroutine. It waits
// for a free job slot.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer w.releaseSlot()

	c, ok := w.cfg.Registry.acquire(jobID)
	if !ok {
		return ErrAlreadyProcessing
	}
	defer w.cfg.Registry.release(c)
	return w.runTriggered(ctx, c, jobID)
}

// Cancel stops a job held by this process at its next chunk boundary without
// touching its status.
func (w *Worker) Cancel(jobID string) bool {
	return w.cfg.Registry.Signal(jobID, StopCancelled)
}

// Wait blocks until every triggered job has returned.
func (w *Worker) Wait() {
	w.inflight.Wait()
}

func (w *Worker) tryAcquireSlot() bool {
	select {
	case w.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *Worker) releaseSlot() {
	<-w.slots
}

func (w *Worker) processNextJob(ctx context.Context) error {
	// Claim nothing while every slot is busy so the job stays claimable by
	// another process.
	if !w.tryAcquireSlot() {
		return nil
	}
	defer w.releaseSlot()

	job, err := w.cfg.Jobs.ClaimNext(ctx, w.cfg.StaleAfter)
	if err != nil {
		return errors.Wrap(err, "failed to claim next sync job")
	}
	if job == nil {
		return nil
	}

	c, ok := w.cfg.Registry.acquire(job.ID)
	if !ok {
		// Already running on a triggered goroutine in this process.
		return nil
	}
	defer w.cfg.Registry.release(c)

	return w.run(ctx, c, *job)
}

// runTriggered reloads the job and moves it to running before processing. Jobs
// that were cancelled, completed, or are waiting for a resume are left alone.
func (w *Worker) runTriggered(ctx context.Context, c *claim, jobID string) error {
	job, err := w.cfg.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			w.logger.Warn().Str("job_id", jobID).Msg("triggered sync job no longer exists")
			return nil
		}
		return errors.Wrapf(err, "failed to load sync job %s", jobID)
	}

	switch job.Status {
	case models.SyncJobStatusRunning:
	case models.SyncJobStatusPending:
		claimed, err := w.cfg.Jobs.TransitionStatus(ctx, jobID, models.SyncJobStatusRunning, repository.TransitionOptions{
			From: []models.SyncJobStatus{models.SyncJobStatusPending},
		})
		if err != nil {
			return errors.Wrapf(err, "failed to mark sync job %s running", jobID)
		}
		if claimed == nil {
			// The poll loop may have claimed it first; carry on only if it is still running.
			job, err = w.cfg.Jobs.Get(ctx, jobID)
			if err != nil {
				return errors.Wrapf(err, "failed to reload sync job %s", jobID)
			}
			if job.Status != models.SyncJobStatusRunning {
				return nil
			}
		} else {
			job = *claimed
		}
	default:
		w.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("sync job not runnable, skipping")
		return nil
	}

	return w.run(ctx, c, job)
}

// run drives one running job through its remaining chunks.
func (w *Worker) run(ctx context.Context, c *claim, job models.SyncJob) (err error) {
	logger := w.logger.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while processing sync job: %v", r)
			w.fail(ctx, job, err, logger)
		}
	}()

	chunks, err := w.cfg.Planner.Remaining(job.StartDate, job.EndDate, job.ChunkSizeDays, job.LastSuccessfulDate)
	if err != nil {
		err = errors.Wrap(err, "failed to plan chunks")
		w.fail(ctx, job, err, logger)
		return err
	}

	logger.Info().
		Str("sync_type", string(job.SyncType)).
		Int("chunks_total", job.ChunksTotal).
		Int("chunks_remaining", len(chunks)).
		Msg("processing sync job")

	completed := job.ChunksCompleted
	for i, chunk := range chunks {
		if reason := w.stopReason(ctx, c); reason != StopNone {
			w.stop(ctx, job, reason, logger)
			return nil
		}

		chunkLogger := logger.With().Str("chunk", chunk.Label()).Logger()

		applied, err := w.cfg.Jobs.UpdateProgress(context.WithoutCancel(ctx), job.ID, models.ChunkProgress{
			CurrentChunkStart: chunk.Start,
			CurrentChunkEnd:   chunk.End,
			ChunksCompleted:   completed,
		})
		if err != nil {
			err = errors.Wrap(err, "failed to record chunk in flight")
			w.fail(ctx, job, err, chunkLogger)
			return err
		}
		if applied == 0 {
			chunkLogger.Info().Msg("sync job is no longer running, stopping")
			return nil
		}

		started := time.Now()
		skipped, chunkErr := w.processChunk(ctx, job, chunk)
		elapsed := time.Since(started)

		if chunkErr != nil {
			chunkLogger.Warn().Err(chunkErr).Dur("elapsed", elapsed).Msg("chunk failed, continuing")
			w.cfg.Metrics.ObserveChunk(metrics.ChunkFailed, elapsed)
			applied, err := w.cfg.Jobs.AppendFailedChunk(context.WithoutCancel(ctx), job.ID, models.FailedChunk{
				StartDate: chunk.Start,
				EndDate:   chunk.End,
				Error:     chunkErr.Error(),
				FailedAt:  time.Now().UTC(),
			})
			if err != nil {
				err = errors.Wrap(err, "failed to record failed chunk")
				w.fail(ctx, job, err, chunkLogger)
				return err
			}
			if applied == 0 {
				chunkLogger.Info().Msg("sync job is no longer running, stopping")
				return nil
			}
		} else {
			completed++
			lastSuccessful := chunk.End
			applied, err := w.cfg.Jobs.UpdateProgress(context.WithoutCancel(ctx), job.ID, models.ChunkProgress{
				CurrentChunkStart:  chunk.Start,
				CurrentChunkEnd:    chunk.End,
				ChunksCompleted:    completed,
				LastSuccessfulDate: &lastSuccessful,
			})
			if err != nil {
				err = errors.Wrap(err, "failed to record chunk progress")
				w.fail(ctx, job, err, chunkLogger)
				return err
			}
			if applied == 0 {
				chunkLogger.Info().Msg("sync job is no longer running, stopping")
				return nil
			}

			result := metrics.ChunkSucceeded
			if skipped {
				result = metrics.ChunkSkipped
			}
			w.cfg.Metrics.ObserveChunk(result, elapsed)
			chunkLogger.Debug().Bool("skipped", skipped).Dur("elapsed", elapsed).Int("chunks_completed", completed).Msg("chunk done")
		}

		if i < len(chunks)-1 {
			w.yield(ctx, c)
		}
	}

	return w.complete(ctx, job, logger)
}

// processChunk fetches and persists one window. The returned error is a chunk
// failure, never a job failure. Chunk work ignores shutdown so an in-flight
// fetch can finish; only ChunkTimeout bounds it.
func (w *Worker) processChunk(ctx context.Context, job models.SyncJob, chunk planner.Chunk) (skipped bool, err error) {
	chunkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ChunkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in chunk %s: %v", chunk.Label(), r)
		}
	}()

	if job.SkipExisting {
		exists, err := w.cfg.Sink.HasData(chunkCtx, job.OwnerID, chunk.Start, chunk.End)
		if err != nil {
			return false, errors.Wrap(err, "existing data check failed")
		}
		if exists {
			return true, nil
		}
	}

	dailyMetrics, err := w.cfg.Fetcher.FetchMetrics(chunkCtx, job.OwnerID, chunk.Start, chunk.End, job.MetricTypes)
	if err != nil {
		return false, errors.Wrap(err, "fetch metrics")
	}
	activities, err := w.cfg.Fetcher.FetchActivities(chunkCtx, job.OwnerID, chunk.Start, chunk.End)
	if err != nil {
		return false, errors.Wrap(err, "fetch activities")
	}

	if _, err := w.cfg.Sink.PersistMetrics(chunkCtx, job.OwnerID, dailyMetrics, chunk.Start, chunk.End); err != nil {
		return false, errors.Wrap(err, "persist metrics")
	}
	if _, err := w.cfg.Sink.PersistActivities(chunkCtx, job.OwnerID, activities, chunk.Start, chunk.End); err != nil {
		return false, errors.Wrap(err, "persist activities")
	}
	return false, nil
}

func (w *Worker) stopReason(ctx context.Context, c *claim) StopReason {
	if reason := c.stopReason(); reason != StopNone {
		return reason
	}
	if ctx.Err() != nil {
		return StopShutdown
	}
	return StopNone
}

// yield is the pause between chunks. It returns early on a stop signal.
func (w *Worker) yield(ctx context.Context, c *claim) {
	if w.cfg.ChunkDelay <= 0 {
		return
	}
	timer := time.NewTimer(w.cfg.ChunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stop:
	case <-ctx.Done():
	}
}

func (w *Worker) stop(ctx context.Context, job models.SyncJob, reason StopReason, logger zerolog.Logger) {
	if reason == StopCancelled {
		logger.Info().Msg("sync job cancelled, stopping")
		w.cfg.Metrics.JobFinished(string(models.SyncJobStatusCancelled))
		return
	}

	paused, err := w.cfg.Jobs.TransitionStatus(context.WithoutCancel(ctx), job.ID, models.SyncJobStatusPaused, repository.TransitionOptions{
		From: []models.SyncJobStatus{models.SyncJobStatusRunning},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to pause sync job on shutdown")
		return
	}
	if paused == nil {
		logger.Info().Msg("sync job left running state before it could be paused")
		return
	}
	w.cfg.Metrics.JobFinished(string(models.SyncJobStatusPaused))
	logger.Info().Int("chunks_completed", paused.ChunksCompleted).Msg("sync job paused for shutdown")
}

func (w *Worker) complete(ctx context.Context, job models.SyncJob, logger zerolog.Logger) error {
	detached := context.WithoutCancel(ctx)

	done, err := w.cfg.Jobs.TransitionStatus(detached, job.ID, models.SyncJobStatusCompleted, repository.TransitionOptions{
		From: []models.SyncJobStatus{models.SyncJobStatusRunning},
	})
	if err != nil {
		err = errors.Wrap(err, "failed to mark sync job completed")
		w.fail(ctx, job, err, logger)
		return err
	}
	if done == nil {
		logger.Info().Msg("sync job left running state before completion, not completing")
		return nil
	}

	advanced, err := w.cfg.Watermarks.AdvanceWatermark(detached, job.OwnerID, job.EndDate)
	if err != nil {
		return errors.Wrapf(err, "sync job %s completed but the watermark was not advanced", job.ID)
	}

	w.cfg.Metrics.JobFinished(string(models.SyncJobStatusCompleted))
	logger.Info().
		Int("chunks_completed", done.ChunksCompleted).
		Int("chunks_failed", len(done.FailedChunks)).
		Bool("watermark_advanced", advanced).
		Msg("sync job completed")

	if w.cfg.Notifier != nil {
		if err := w.cfg.Notifier.NotifySyncCompleted(detached, *done); err != nil {
			logger.Warn().Err(err).Msg("failed to publish completion notification")
		}
	}
	return nil
}

// fail moves the job to failed. Only a running job is failed so a concurrent
// cancel is not overwritten.
func (w *Worker) fail(ctx context.Context, job models.SyncJob, cause error, logger zerolog.Logger) {
	detached := context.WithoutCancel(ctx)
	logger.Error().Err(cause).Msg("sync job failed")

	failed, err := w.cfg.Jobs.TransitionStatus(detached, job.ID, models.SyncJobStatusFailed, repository.TransitionOptions{
		From:         []models.SyncJobStatus{models.SyncJobStatusRunning},
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark sync job failed")
		return
	}
	if failed == nil {
		return
	}
	w.cfg.Metrics.JobFinished(string(models.SyncJobStatusFailed))

	if w.cfg.Notifier != nil {
		if err := w.cfg.Notifier.NotifySyncFailed(detached, *failed, cause.Error()); err != nil {
			logger.Warn().Err(err).Msg("failed to publish failure notification")
		}
	}
}
