// Package service is the control plane for sync jobs: it validates requests,
// enforces one active job per owner, creates jobs and hands them to the worker.
package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/metrics"
	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/planner"
	"github.com/stanstork/fitsync/internal/repository"
)

// WatermarkReader reads an owner's last fully synced date.
type WatermarkReader interface {
	GetWatermark(ctx context.Context, ownerID string) (*time.Time, error)
}

// JobRunner is the part of the worker the controller drives.
type JobRunner interface {
	Trigger(jobID string) bool
	Cancel(jobID string) bool
}

type StartStatus string

const (
	StartStatusStarted        StartStatus = "started"
	StartStatusAlreadyRunning StartStatus = "already_running"
	StartStatusUpToDate       StartStatus = "up_to_date"
)

type StartResult struct {
	Status           StartStatus `json:"status"`
	JobID            string      `json:"job_id,omitempty"`
	ChunksTotal      int         `json:"chunks_total,omitempty"`
	EstimatedMinutes int         `json:"estimated_minutes,omitempty"`
	Message          string      `json:"message"`
}

// HistoricalRequest carries raw YYYY-MM-DD dates; SkipExisting defaults to true when nil.
type HistoricalRequest struct {
	StartDate    string
	EndDate      string
	MetricTypes  []string
	SkipExisting *bool
}

// JobView is the polled representation of a job.
type JobView struct {
	ID                string               `json:"id"`
	Status            models.SyncJobStatus `json:"status"`
	SyncType          models.SyncType      `json:"sync_type"`
	StartDate         string               `json:"start_date"`
	EndDate           string               `json:"end_date"`
	ChunksCompleted   int                  `json:"chunks_completed"`
	ChunksTotal       int                  `json:"chunks_total"`
	PercentComplete   float64              `json:"percent_complete"`
	CurrentChunkRange *string              `json:"current_chunk_range"`
	ErrorMessage      *string              `json:"error_message"`
	FailedChunks      []models.FailedChunk `json:"failed_chunks"`
	CreatedAt         time.Time            `json:"created_at"`
	StartedAt         *time.Time           `json:"started_at"`
}

// StatusResult reports the active job when there is one, otherwise the owner's
// most recent job so paused, failed and gap-completed runs stay visible.
type StatusResult struct {
	HasActiveJob       bool     `json:"has_active_job"`
	Job                *JobView `json:"job"`
	LastSuccessfulSync *string  `json:"last_successful_sync"`
}

type ActionResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type SyncServiceConfig struct {
	Jobs       repository.SyncJobRepository
	Watermarks WatermarkReader
	Runner     JobRunner
	Planner    *planner.Planner
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	// Now is the clock "today" is derived from. Defaults to time.Now.
	Now func() time.Time

	ChunkDays                int
	IncrementalChunkDays     int
	IncrementalLookbackDays  int
	EstimatedSecondsPerChunk int
}

type SyncService struct {
	cfg    SyncServiceConfig
	logger zerolog.Logger
}

func NewSyncService(cfg SyncServiceConfig) *SyncService {
	if cfg.Planner == nil {
		cfg.Planner = planner.New(planner.DefaultMaxChunks)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = 7
	}
	if cfg.IncrementalChunkDays <= 0 {
		cfg.IncrementalChunkDays = 31
	}
	if cfg.IncrementalLookbackDays <= 0 {
		cfg.IncrementalLookbackDays = 7
	}
	if cfg.EstimatedSecondsPerChunk <= 0 {
		cfg.EstimatedSecondsPerChunk = 30
	}
	return &SyncService{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sync_service").Logger(),
	}
}

func (s *SyncService) today() time.Time {
	return planner.Date(s.cfg.Now().UTC())
}

// StartIncremental syncs from the day after the owner's watermark through today.
// Owners that never synced get the lookback window instead.
func (s *SyncService) StartIncremental(ctx context.Context, ownerID string, metricTypes []string) (StartResult, error) {
	if ownerID == "" {
		return StartResult{}, errors.Wrap(ErrValidation, "owner id is required")
	}

	watermark, err := s.cfg.Watermarks.GetWatermark(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrProviderLinkNotFound) {
			return StartResult{}, ErrProviderNotLinked
		}
		return StartResult{}, errors.Wrap(err, "failed to read watermark")
	}

	end := s.today()
	start := planner.AddDays(end, -s.cfg.IncrementalLookbackDays)
	if watermark != nil {
		start = planner.AddDays(*watermark, 1)
	}
	if start.After(end) {
		return StartResult{
			Status:  StartStatusUpToDate,
			Message: fmt.Sprintf("already synced through %s", watermark.Format(planner.DateLayout)),
		}, nil
	}

	return s.start(ctx, models.NewSyncJob{
		OwnerID:       ownerID,
		StartDate:     start,
		EndDate:       end,
		SyncType:      models.SyncTypeIncremental,
		MetricTypes:   normalizeMetricTypes(metricTypes),
		SkipExisting:  false,
		ChunkSizeDays: s.cfg.IncrementalChunkDays,
	})
}

// StartHistorical backfills an explicit date range.
func (s *SyncService) StartHistorical(ctx context.Context, ownerID string, req HistoricalRequest) (StartResult, error) {
	if ownerID == "" {
		return StartResult{}, errors.Wrap(ErrValidation, "owner id is required")
	}
	if strings.TrimSpace(req.StartDate) == "" || strings.TrimSpace(req.EndDate) == "" {
		return StartResult{}, errors.Wrap(ErrValidation, "start_date and end_date are required")
	}
	start, err := planner.ParseDate(strings.TrimSpace(req.StartDate))
	if err != nil {
		return StartResult{}, errors.Wrapf(ErrValidation, "start_date: %v", err)
	}
	end, err := planner.ParseDate(strings.TrimSpace(req.EndDate))
	if err != nil {
		return StartResult{}, errors.Wrapf(ErrValidation, "end_date: %v", err)
	}
	if start.After(end) {
		return StartResult{}, errors.Wrap(ErrValidation, "start_date must not be after end_date")
	}
	if today := s.today(); end.After(today) {
		return StartResult{}, errors.Wrapf(ErrValidation, "end_date must not be after today (%s)", today.Format(planner.DateLayout))
	}

	if _, err := s.cfg.Watermarks.GetWatermark(ctx, ownerID); err != nil {
		if errors.Is(err, repository.ErrProviderLinkNotFound) {
			return StartResult{}, ErrProviderNotLinked
		}
		return StartResult{}, errors.Wrap(err, "failed to read provider link")
	}

	skipExisting := true
	if req.SkipExisting != nil {
		skipExisting = *req.SkipExisting
	}

	result, err := s.start(ctx, models.NewSyncJob{
		OwnerID:       ownerID,
		StartDate:     start,
		EndDate:       end,
		SyncType:      models.SyncTypeHistorical,
		MetricTypes:   normalizeMetricTypes(req.MetricTypes),
		SkipExisting:  skipExisting,
		ChunkSizeDays: s.cfg.ChunkDays,
	})
	if err != nil || result.Status != StartStatusStarted {
		return result, err
	}
	result.EstimatedMinutes = s.estimateMinutes(result.ChunksTotal)
	return result, nil
}

func (s *SyncService) start(ctx context.Context, params models.NewSyncJob) (StartResult, error) {
	active, err := s.cfg.Jobs.GetActive(ctx, params.OwnerID)
	if err != nil {
		return StartResult{}, errors.Wrap(err, "failed to check for an active job")
	}
	if active != nil {
		return alreadyRunning(*active), nil
	}

	total, err := s.cfg.Planner.Count(params.StartDate, params.EndDate, params.ChunkSizeDays)
	if err != nil {
		return StartResult{}, errors.Wrapf(ErrValidation, "%v", err)
	}
	params.ChunksTotal = total

	job, err := s.cfg.Jobs.Create(ctx, params)
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobConflict) {
			// Lost the race with a concurrent start for the same owner.
			active, getErr := s.cfg.Jobs.GetActive(ctx, params.OwnerID)
			if getErr == nil && active != nil {
				return alreadyRunning(*active), nil
			}
			return StartResult{Status: StartStatusAlreadyRunning, Message: "a sync is already in progress"}, nil
		}
		return StartResult{}, errors.Wrap(err, "failed to create sync job")
	}

	s.cfg.Metrics.JobStarted(string(job.SyncType))
	s.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("sync_type", string(job.SyncType)).
		Str("range", rangeLabel(job.StartDate, job.EndDate)).
		Int("chunks_total", job.ChunksTotal).
		Msg("sync job created")

	if s.cfg.Runner != nil && !s.cfg.Runner.Trigger(job.ID) {
		s.logger.Debug().Str("job_id", job.ID).Msg("trigger declined, leaving job for the poll loop")
	}

	return StartResult{
		Status:      StartStatusStarted,
		JobID:       job.ID,
		ChunksTotal: job.ChunksTotal,
		Message:     fmt.Sprintf("syncing %s in %d chunk(s)", rangeLabel(job.StartDate, job.EndDate), job.ChunksTotal),
	}, nil
}

// GetStatus reports the owner's active or most recent job and their watermark.
func (s *SyncService) GetStatus(ctx context.Context, ownerID string) (StatusResult, error) {
	var result StatusResult

	job, err := s.cfg.Jobs.GetActive(ctx, ownerID)
	if err != nil {
		return result, errors.Wrap(err, "failed to load active job")
	}
	result.HasActiveJob = job != nil
	if job == nil {
		if job, err = s.cfg.Jobs.GetLatest(ctx, ownerID); err != nil {
			return result, errors.Wrap(err, "failed to load latest job")
		}
	}
	if job != nil {
		view := newJobView(*job)
		result.Job = &view
	}

	watermark, err := s.cfg.Watermarks.GetWatermark(ctx, ownerID)
	if err != nil && !errors.Is(err, repository.ErrProviderLinkNotFound) {
		return result, errors.Wrap(err, "failed to read watermark")
	}
	if watermark != nil {
		label := watermark.Format(planner.DateLayout)
		result.LastSuccessfulSync = &label
	}
	return result, nil
}

// Resume restarts a paused or failed job. The worker replans the chunks after
// the job's last successful date.
func (s *SyncService) Resume(ctx context.Context, ownerID, jobID string) (ActionResult, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return ActionResult{}, err
	}
	if !job.Status.CanResume() {
		return ActionResult{}, errors.Wrapf(ErrInvalidTransition, "cannot resume a %s job", job.Status)
	}

	resumed, err := s.cfg.Jobs.TransitionStatus(ctx, jobID, models.SyncJobStatusRunning, repository.TransitionOptions{
		OwnerID: ownerID,
		From:    []models.SyncJobStatus{models.SyncJobStatusPaused, models.SyncJobStatusFailed},
	})
	if err != nil {
		if errors.Is(err, repository.ErrActiveJobConflict) {
			return ActionResult{}, ErrActiveJobExists
		}
		return ActionResult{}, errors.Wrap(err, "failed to resume sync job")
	}
	if resumed == nil {
		// Status changed between the read and the conditional update.
		return ActionResult{}, errors.Wrap(ErrInvalidTransition, "job is no longer paused or failed")
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("owner_id", ownerID).
		Str("from", string(job.Status)).
		Int("chunks_completed", resumed.ChunksCompleted).
		Msg("sync job resumed")

	if s.cfg.Runner != nil && !s.cfg.Runner.Trigger(jobID) {
		// The poll loop only reclaims stale running jobs, so hand a declined
		// resume back as pending to have it picked up on the next tick.
		requeued, err := s.cfg.Jobs.TransitionStatus(ctx, jobID, models.SyncJobStatusPending, repository.TransitionOptions{
			From: []models.SyncJobStatus{models.SyncJobStatusRunning},
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to requeue resumed job, it will be reclaimed once stale")
		} else if requeued != nil {
			s.logger.Debug().Str("job_id", jobID).Msg("trigger declined, resumed job left for the poll loop")
		}
	}
	return ActionResult{Status: "resumed", JobID: jobID}, nil
}

// Cancel stops a pending, running or paused job for good.
func (s *SyncService) Cancel(ctx context.Context, ownerID, jobID string) (ActionResult, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return ActionResult{}, err
	}
	if !job.Status.CanCancel() {
		return ActionResult{}, errors.Wrapf(ErrInvalidTransition, "cannot cancel a %s job", job.Status)
	}

	cancelled, err := s.cfg.Jobs.TransitionStatus(ctx, jobID, models.SyncJobStatusCancelled, repository.TransitionOptions{
		OwnerID: ownerID,
		From:    []models.SyncJobStatus{models.SyncJobStatusPending, models.SyncJobStatusRunning, models.SyncJobStatusPaused},
	})
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "failed to cancel sync job")
	}
	if cancelled == nil {
		return ActionResult{}, errors.Wrap(ErrInvalidTransition, "job already finished")
	}

	signalled := false
	if s.cfg.Runner != nil {
		signalled = s.cfg.Runner.Cancel(jobID)
	}
	s.logger.Info().
		Str("job_id", jobID).
		Str("owner_id", ownerID).
		Bool("worker_signalled", signalled).
		Msg("sync job cancelled")

	return ActionResult{Status: "cancelled", JobID: jobID}, nil
}

func (s *SyncService) ownedJob(ctx context.Context, ownerID, jobID string) (models.SyncJob, error) {
	if ownerID == "" || jobID == "" {
		return models.SyncJob{}, errors.Wrap(ErrValidation, "owner id and job id are required")
	}
	job, err := s.cfg.Jobs.GetByID(ctx, ownerID, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return models.SyncJob{}, ErrJobNotFound
		}
		return models.SyncJob{}, errors.Wrap(err, "failed to load sync job")
	}
	return job, nil
}

func (s *SyncService) estimateMinutes(chunks int) int {
	seconds := chunks * s.cfg.EstimatedSecondsPerChunk
	return int(math.Ceil(float64(seconds) / 60))
}

func newJobView(job models.SyncJob) JobView {
	view := JobView{
		ID:              job.ID,
		Status:          job.Status,
		SyncType:        job.SyncType,
		StartDate:       job.StartDate.Format(planner.DateLayout),
		EndDate:         job.EndDate.Format(planner.DateLayout),
		ChunksCompleted: job.ChunksCompleted,
		ChunksTotal:     job.ChunksTotal,
		ErrorMessage:    job.ErrorMessage,
		FailedChunks:    job.FailedChunks,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
	}
	if view.FailedChunks == nil {
		view.FailedChunks = []models.FailedChunk{}
	}
	if job.ChunksTotal > 0 {
		view.PercentComplete = math.Round(float64(job.ChunksCompleted)/float64(job.ChunksTotal)*1000) / 10
	}
	if job.CurrentChunkStart != nil && job.CurrentChunkEnd != nil {
		label := planner.Chunk{Start: *job.CurrentChunkStart, End: *job.CurrentChunkEnd}.Label()
		view.CurrentChunkRange = &label
	}
	return view
}

func alreadyRunning(active models.SyncJob) StartResult {
	return StartResult{
		Status:      StartStatusAlreadyRunning,
		JobID:       active.ID,
		ChunksTotal: active.ChunksTotal,
		Message:     fmt.Sprintf("a %s sync is already %s", active.SyncType, active.Status),
	}
}

func normalizeMetricTypes(types []string) []string {
	seen := make(map[string]struct{}, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func rangeLabel(start, end time.Time) string {
	return planner.Chunk{Start: start, End: end}.Label()
}
