package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stanstork/fitsync/internal/models"
)

var (
	ErrJobNotFound = errors.New("sync job not found")
	// ErrActiveJobConflict is returned when a write would give an owner a second pending or running job.
	ErrActiveJobConflict = errors.New("owner already has an active sync job")
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

func isActiveJobConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "uq_sync_jobs_owner_active"
}

// isMalformedID reports a job id Postgres could not parse as a uuid. No row
// can match such an id.
func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}

// TransitionOptions narrows a status transition. Empty fields do not constrain it.
type TransitionOptions struct {
	OwnerID      string
	From         []models.SyncJobStatus
	ErrorMessage string
}

type SyncJobRepository interface {
	Create(ctx context.Context, params models.NewSyncJob) (models.SyncJob, error)
	Get(ctx context.Context, jobID string) (models.SyncJob, error)
	GetByID(ctx context.Context, ownerID, jobID string) (models.SyncJob, error)
	// GetActive returns the newest pending or running job for the owner, or nil.
	GetActive(ctx context.Context, ownerID string) (*models.SyncJob, error)
	// GetLatest returns the owner's most recently created job in any status, or nil.
	GetLatest(ctx context.Context, ownerID string) (*models.SyncJob, error)
	// ClaimNext claims the oldest pending job, or a running job nobody has touched
	// for staleAfter, and moves it to running. Returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, staleAfter time.Duration) (*models.SyncJob, error)
	// TransitionStatus returns nil when no row matched id and the options.
	TransitionStatus(ctx context.Context, jobID string, to models.SyncJobStatus, opts TransitionOptions) (*models.SyncJob, error)
	UpdateProgress(ctx context.Context, jobID string, progress models.ChunkProgress) (int64, error)
	AppendFailedChunk(ctx context.Context, jobID string, chunk models.FailedChunk) (int64, error)
}

type syncJobRepository struct {
	db *sql.DB
}

func NewSyncJobRepository(db *sql.DB) SyncJobRepository {
	return &syncJobRepository{db: db}
}

const syncJobColumns = `
	id, owner_id, start_date, end_date, sync_type, metric_types, skip_existing,
	chunk_size_days, chunks_total, status, current_chunk_start, current_chunk_end,
	chunks_completed, last_successful_date, failed_chunks,
	created_at, started_at, completed_at, updated_at, error_message`

func (r *syncJobRepository) Create(ctx context.Context, params models.NewSyncJob) (models.SyncJob, error) {
	query := `
		INSERT INTO sync_jobs (id, owner_id, start_date, end_date, sync_type, metric_types,
		                       skip_existing, chunk_size_days, chunks_total, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING` + syncJobColumns

	metricTypes := params.MetricTypes
	if metricTypes == nil {
		metricTypes = []string{}
	}

	row := r.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		params.OwnerID,
		params.StartDate,
		params.EndDate,
		params.SyncType,
		pq.Array(metricTypes),
		params.SkipExisting,
		params.ChunkSizeDays,
		params.ChunksTotal,
		models.SyncJobStatusPending,
	)
	job, err := scanSyncJob(row)
	if err != nil {
		if isActiveJobConflict(err) {
			return models.SyncJob{}, ErrActiveJobConflict
		}
		return models.SyncJob{}, fmt.Errorf("failed to create sync job: %w", err)
	}
	return job, nil
}

func (r *syncJobRepository) Get(ctx context.Context, jobID string) (models.SyncJob, error) {
	query := `SELECT` + syncJobColumns + ` FROM sync_jobs WHERE id = $1`

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return job, ErrJobNotFound
		}
		return job, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

func (r *syncJobRepository) GetByID(ctx context.Context, ownerID, jobID string) (models.SyncJob, error) {
	query := `SELECT` + syncJobColumns + ` FROM sync_jobs WHERE id = $1 AND owner_id = $2`

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, jobID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return job, ErrJobNotFound
		}
		return job, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

func (r *syncJobRepository) GetActive(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	query := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE owner_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active sync job: %w", err)
	}
	return &job, nil
}

func (r *syncJobRepository) GetLatest(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	query := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sync job: %w", err)
	}
	return &job, nil
}

func (r *syncJobRepository) ClaimNext(ctx context.Context, staleAfter time.Duration) (*models.SyncJob, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Ensure rollback on error

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM sync_jobs
		WHERE status = 'pending'
		   OR (status = 'running' AND updated_at < NOW() - make_interval(secs => $1))
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, staleAfter.Seconds()).Scan(&jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch next claimable job: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET status     = 'running',
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING`+syncJobColumns, jobID)
	job, err := scanSyncJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s running: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &job, nil
}

func (r *syncJobRepository) TransitionStatus(ctx context.Context, jobID string, to models.SyncJobStatus, opts TransitionOptions) (*models.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET status        = $1::text,
		    started_at    = CASE WHEN $1::text = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at  = CASE
		                        WHEN $1::text IN ('completed', 'failed') THEN NOW()
		                        WHEN $1::text = 'running' THEN NULL
		                        ELSE completed_at
		                    END,
		    error_message = CASE
		                        WHEN $1::text = 'failed' THEN NULLIF($2::text, '')
		                        WHEN $1::text = 'running' THEN NULL
		                        ELSE error_message
		                    END,
		    updated_at    = NOW()
		WHERE id = $3
		  AND ($4::text = '' OR owner_id = $4::text)
		  AND (cardinality($5::text[]) = 0 OR status = ANY($5::text[]))
		RETURNING` + syncJobColumns

	from := make([]string, 0, len(opts.From))
	for _, s := range opts.From {
		from = append(from, string(s))
	}

	job, err := scanSyncJob(r.db.QueryRowContext(ctx, query, string(to), opts.ErrorMessage, jobID, opts.OwnerID, pq.Array(from)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, nil
		}
		if isActiveJobConflict(err) {
			return nil, ErrActiveJobConflict
		}
		return nil, fmt.Errorf("failed to transition sync job %s to %s: %w", jobID, to, err)
	}
	return &job, nil
}

func (r *syncJobRepository) UpdateProgress(ctx context.Context, jobID string, progress models.ChunkProgress) (int64, error) {
	query := `
		UPDATE sync_jobs
		SET current_chunk_start  = $1,
		    current_chunk_end    = $2,
		    chunks_completed     = LEAST(GREATEST(chunks_completed, $3), chunks_total),
		    last_successful_date = GREATEST(last_successful_date, $4::date),
		    updated_at           = NOW()
		WHERE id = $5 AND status = 'running'
	`

	var lastSuccessful interface{}
	if progress.LastSuccessfulDate != nil {
		lastSuccessful = *progress.LastSuccessfulDate
	}

	res, err := r.db.ExecContext(ctx, query,
		progress.CurrentChunkStart,
		progress.CurrentChunkEnd,
		progress.ChunksCompleted,
		lastSuccessful,
		jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update job progress: %w", err)
	}
	return res.RowsAffected()
}

func (r *syncJobRepository) AppendFailedChunk(ctx context.Context, jobID string, chunk models.FailedChunk) (int64, error) {
	query := `
		UPDATE sync_jobs
		SET failed_chunks = failed_chunks || jsonb_build_array($1::jsonb),
		    updated_at    = NOW()
		WHERE id = $2 AND status = 'running'
	`

	payload, err := json.Marshal(chunk)
	if err != nil {
		return 0, fmt.Errorf("marshal failed chunk: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, string(payload), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to append failed chunk: %w", err)
	}
	return res.RowsAffected()
}

func scanSyncJob(scanner interface {
	Scan(dest ...interface{}) error
}) (models.SyncJob, error) {
	var (
		job          models.SyncJob
		metricTypes  pq.StringArray
		failedChunks []byte
	)

	if err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.StartDate,
		&job.EndDate,
		&job.SyncType,
		&metricTypes,
		&job.SkipExisting,
		&job.ChunkSizeDays,
		&job.ChunksTotal,
		&job.Status,
		&job.CurrentChunkStart,
		&job.CurrentChunkEnd,
		&job.ChunksCompleted,
		&job.LastSuccessfulDate,
		&failedChunks,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
		&job.ErrorMessage,
	); err != nil {
		return models.SyncJob{}, err
	}

	if len(metricTypes) > 0 {
		job.MetricTypes = []string(metricTypes)
	}
	job.FailedChunks = []models.FailedChunk{}
	if len(failedChunks) > 0 {
		if err := json.Unmarshal(failedChunks, &job.FailedChunks); err != nil {
			return models.SyncJob{}, fmt.Errorf("decode failed_chunks: %w", err)
		}
	}
	return job, nil
}
