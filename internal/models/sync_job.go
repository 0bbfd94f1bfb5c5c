package models

import (
	"time"
)

type SyncJobStatus string

const (
	SyncJobStatusPending   SyncJobStatus = "pending"
	SyncJobStatusRunning   SyncJobStatus = "running"
	SyncJobStatusPaused    SyncJobStatus = "paused"
	SyncJobStatusCompleted SyncJobStatus = "completed"
	SyncJobStatusFailed    SyncJobStatus = "failed"
	SyncJobStatusCancelled SyncJobStatus = "cancelled"
)

// IsTerminal reports whether no worker will touch the job again without an explicit resume.
func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncJobStatusCompleted || s == SyncJobStatusFailed || s == SyncJobStatusCancelled
}

// IsActive reports whether the job counts against the one-active-job-per-owner rule.
func (s SyncJobStatus) IsActive() bool {
	return s == SyncJobStatusPending || s == SyncJobStatusRunning
}

func (s SyncJobStatus) CanResume() bool {
	return s == SyncJobStatusPaused || s == SyncJobStatusFailed
}

func (s SyncJobStatus) CanCancel() bool {
	return s == SyncJobStatusPending || s == SyncJobStatusRunning || s == SyncJobStatusPaused
}

type SyncType string

const (
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeHistorical  SyncType = "historical"
)

// FailedChunk records one window whose fetch or persist failed.
type FailedChunk struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

type SyncJob struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	StartDate     time.Time `json:"start_date" db:"start_date"`
	EndDate       time.Time `json:"end_date" db:"end_date"`
	SyncType      SyncType  `json:"sync_type" db:"sync_type"`
	MetricTypes   []string  `json:"metric_types,omitempty" db:"metric_types"`
	SkipExisting  bool      `json:"skip_existing" db:"skip_existing"`
	ChunkSizeDays int       `json:"chunk_size_days" db:"chunk_size_days"`
	ChunksTotal   int       `json:"chunks_total" db:"chunks_total"`

	Status             SyncJobStatus `json:"status" db:"status"`
	CurrentChunkStart  *time.Time    `json:"current_chunk_start,omitempty" db:"current_chunk_start"`
	CurrentChunkEnd    *time.Time    `json:"current_chunk_end,omitempty" db:"current_chunk_end"`
	ChunksCompleted    int           `json:"chunks_completed" db:"chunks_completed"`
	LastSuccessfulDate *time.Time    `json:"last_successful_date,omitempty" db:"last_successful_date"`
	FailedChunks       []FailedChunk `json:"failed_chunks" db:"failed_chunks"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
}

// NewSyncJob is the immutable configuration a job is created with.
type NewSyncJob struct {
	OwnerID       string
	StartDate     time.Time
	EndDate       time.Time
	SyncType      SyncType
	MetricTypes   []string
	SkipExisting  bool
	ChunkSizeDays int
	ChunksTotal   int
}

// ChunkProgress is the hot-path progress update written around every chunk.
type ChunkProgress struct {
	CurrentChunkStart  time.Time
	CurrentChunkEnd    time.Time
	ChunksCompleted    int
	LastSuccessfulDate *time.Time
}
