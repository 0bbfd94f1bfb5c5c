// Package memstore holds in-memory implementations of the repository interfaces
// with the same conditional-update semantics as the Postgres queries.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/repository"
)

type storedJob struct {
	seq int
	job models.SyncJob
}

// SyncJobs implements repository.SyncJobRepository.
type SyncJobs struct {
	mu   sync.Mutex
	jobs map[string]*storedJob
	seq  int
	now  func() time.Time
}

var _ repository.SyncJobRepository = (*SyncJobs)(nil)

func NewSyncJobs(now func() time.Time) *SyncJobs {
	if now == nil {
		now = time.Now
	}
	return &SyncJobs{jobs: make(map[string]*storedJob), now: now}
}

func (s *SyncJobs) Create(_ context.Context, params models.NewSyncJob) (models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasActiveLocked(params.OwnerID, "") {
		return models.SyncJob{}, repository.ErrActiveJobConflict
	}

	now := s.now()
	s.seq++
	job := models.SyncJob{
		ID:            uuid.NewString(),
		OwnerID:       params.OwnerID,
		StartDate:     params.StartDate,
		EndDate:       params.EndDate,
		SyncType:      params.SyncType,
		MetricTypes:   append([]string(nil), params.MetricTypes...),
		SkipExisting:  params.SkipExisting,
		ChunkSizeDays: params.ChunkSizeDays,
		ChunksTotal:   params.ChunksTotal,
		Status:        models.SyncJobStatusPending,
		FailedChunks:  []models.FailedChunk{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.jobs[job.ID] = &storedJob{seq: s.seq, job: job}
	return copyJob(job), nil
}

func (s *SyncJobs) Get(_ context.Context, jobID string) (models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[jobID]
	if !ok {
		return models.SyncJob{}, repository.ErrJobNotFound
	}
	return copyJob(stored.job), nil
}

func (s *SyncJobs) GetByID(_ context.Context, ownerID, jobID string) (models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[jobID]
	if !ok || stored.job.OwnerID != ownerID {
		return models.SyncJob{}, repository.ErrJobNotFound
	}
	return copyJob(stored.job), nil
}

func (s *SyncJobs) GetActive(_ context.Context, ownerID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *storedJob
	for _, stored := range s.jobs {
		if stored.job.OwnerID != ownerID || !stored.job.Status.IsActive() {
			continue
		}
		if newest == nil || stored.seq > newest.seq {
			newest = stored
		}
	}
	if newest == nil {
		return nil, nil
	}
	job := copyJob(newest.job)
	return &job, nil
}

func (s *SyncJobs) GetLatest(_ context.Context, ownerID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *storedJob
	for _, stored := range s.jobs {
		if stored.job.OwnerID == ownerID && (newest == nil || stored.seq > newest.seq) {
			newest = stored
		}
	}
	if newest == nil {
		return nil, nil
	}
	job := copyJob(newest.job)
	return &job, nil
}

func (s *SyncJobs) ClaimNext(_ context.Context, staleAfter time.Duration) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*storedJob, 0)
	for _, stored := range s.jobs {
		switch stored.job.Status {
		case models.SyncJobStatusPending:
			candidates = append(candidates, stored)
		case models.SyncJobStatusRunning:
			if stored.job.UpdatedAt.Before(now.Add(-staleAfter)) {
				candidates = append(candidates, stored)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })

	claimed := candidates[0]
	claimed.job.Status = models.SyncJobStatusRunning
	if claimed.job.StartedAt == nil {
		claimed.job.StartedAt = &now
	}
	claimed.job.UpdatedAt = now
	job := copyJob(claimed.job)
	return &job, nil
}

func (s *SyncJobs) TransitionStatus(_ context.Context, jobID string, to models.SyncJobStatus, opts repository.TransitionOptions) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	if opts.OwnerID != "" && stored.job.OwnerID != opts.OwnerID {
		return nil, nil
	}
	if len(opts.From) > 0 && !containsStatus(opts.From, stored.job.Status) {
		return nil, nil
	}
	if to.IsActive() && !stored.job.Status.IsActive() && s.hasActiveLocked(stored.job.OwnerID, jobID) {
		return nil, repository.ErrActiveJobConflict
	}

	now := s.now()
	job := &stored.job
	job.Status = to
	switch to {
	case models.SyncJobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.CompletedAt = nil
		job.ErrorMessage = nil
	case models.SyncJobStatusCompleted:
		job.CompletedAt = &now
	case models.SyncJobStatusFailed:
		job.CompletedAt = &now
		if opts.ErrorMessage != "" {
			msg := opts.ErrorMessage
			job.ErrorMessage = &msg
		} else {
			job.ErrorMessage = nil
		}
	}
	job.UpdatedAt = now

	out := copyJob(*job)
	return &out, nil
}

func (s *SyncJobs) UpdateProgress(_ context.Context, jobID string, progress models.ChunkProgress) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[jobID]
	if !ok || stored.job.Status != models.SyncJobStatusRunning {
		return 0, nil
	}
	job := &stored.job
	start, end := progress.CurrentChunkStart, progress.CurrentChunkEnd
	job.CurrentChunkStart = &start
	job.CurrentChunkEnd = &end
	if progress.ChunksCompleted > job.ChunksCompleted {
		job.ChunksCompleted = progress.ChunksCompleted
	}
	if job.ChunksCompleted > job.ChunksTotal {
		job.ChunksCompleted = job.ChunksTotal
	}
	if progress.LastSuccessfulDate != nil {
		if job.LastSuccessfulDate == nil || progress.LastSuccessfulDate.After(*job.LastSuccessfulDate) {
			d := *progress.LastSuccessfulDate
			job.LastSuccessfulDate = &d
		}
	}
	job.UpdatedAt = s.now()
	return 1, nil
}

func (s *SyncJobs) AppendFailedChunk(_ context.Context, jobID string, chunk models.FailedChunk) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[jobID]
	if !ok || stored.job.Status != models.SyncJobStatusRunning {
		return 0, nil
	}
	stored.job.FailedChunks = append(stored.job.FailedChunks, chunk)
	stored.job.UpdatedAt = s.now()
	return 1, nil
}

// Count returns how many jobs the store holds.
func (s *SyncJobs) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Put stores job as is, replacing any job with the same id.
func (s *SyncJobs) Put(job models.SyncJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if job.FailedChunks == nil {
		job.FailedChunks = []models.FailedChunk{}
	}
	s.jobs[job.ID] = &storedJob{seq: s.seq, job: copyJob(job)}
}

func (s *SyncJobs) hasActiveLocked(ownerID, exceptID string) bool {
	for id, stored := range s.jobs {
		if id != exceptID && stored.job.OwnerID == ownerID && stored.job.Status.IsActive() {
			return true
		}
	}
	return false
}

func containsStatus(list []models.SyncJobStatus, status models.SyncJobStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func copyJob(job models.SyncJob) models.SyncJob {
	job.MetricTypes = append([]string(nil), job.MetricTypes...)
	if len(job.MetricTypes) == 0 {
		job.MetricTypes = nil
	}
	job.FailedChunks = append([]models.FailedChunk{}, job.FailedChunks...)
	return job
}

// Watermarks implements the watermark half of repository.ProviderLinkRepository.
type Watermarks struct {
	mu    sync.Mutex
	marks map[string]*time.Time
}

func NewWatermarks() *Watermarks {
	return &Watermarks{marks: make(map[string]*time.Time)}
}

// Link registers an owner, optionally with an existing watermark.
func (w *Watermarks) Link(ownerID string, watermark *time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if watermark != nil {
		d := *watermark
		watermark = &d
	}
	w.marks[ownerID] = watermark
}

func (w *Watermarks) GetWatermark(_ context.Context, ownerID string) (*time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mark, ok := w.marks[ownerID]
	if !ok {
		return nil, repository.ErrProviderLinkNotFound
	}
	if mark == nil {
		return nil, nil
	}
	d := *mark
	return &d, nil
}

func (w *Watermarks) AdvanceWatermark(_ context.Context, ownerID string, date time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mark, ok := w.marks[ownerID]
	if !ok {
		return false, nil
	}
	if mark != nil && !mark.Before(date) {
		return false, nil
	}
	w.marks[ownerID] = &date
	return true, nil
}

func (w *Watermarks) ListOwnerIDs(_ context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	owners := make([]string, 0, len(w.marks))
	for id := range w.marks {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	return owners, nil
}
