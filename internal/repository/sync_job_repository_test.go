package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fitsync/internal/models"
)

var syncJobColumnNames = []string{
	"id", "owner_id", "start_date", "end_date", "sync_type", "metric_types", "skip_existing",
	"chunk_size_days", "chunks_total", "status", "current_chunk_start", "current_chunk_end",
	"chunks_completed", "last_successful_date", "failed_chunks",
	"created_at", "started_at", "completed_at", "updated_at", "error_message",
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func syncJobRow(id string, status models.SyncJobStatus, completed int, failedChunks string) []driver.Value {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "owner-1", day("2024-01-01"), day("2024-01-31"), "historical", "{steps,sleep}", false,
		7, 5, string(status), nil, nil,
		completed, nil, []byte(failedChunks),
		now, nil, nil, now, nil,
	}
}

func newMockRepo(t *testing.T) (SyncJobRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSyncJobRepository(db), mock
}

func TestSyncJobRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("INSERT INTO sync_jobs").
		WithArgs(
			sqlmock.AnyArg(),
			"owner-1",
			day("2024-01-01"),
			day("2024-01-31"),
			"historical",
			sqlmock.AnyArg(),
			false,
			7,
			5,
			"pending",
		).
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames).AddRow(syncJobRow("job-1", models.SyncJobStatusPending, 0, "[]")...))

	job, err := repo.Create(context.Background(), models.NewSyncJob{
		OwnerID:       "owner-1",
		StartDate:     day("2024-01-01"),
		EndDate:       day("2024-01-31"),
		SyncType:      models.SyncTypeHistorical,
		MetricTypes:   []string{"steps", "sleep"},
		ChunkSizeDays: 7,
		ChunksTotal:   5,
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.SyncJobStatusPending, job.Status)
	assert.Equal(t, models.SyncTypeHistorical, job.SyncType)
	assert.Equal(t, []string{"steps", "sleep"}, job.MetricTypes)
	assert.Equal(t, 5, job.ChunksTotal)
	assert.Empty(t, job.FailedChunks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_Create_ActiveJobConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("INSERT INTO sync_jobs").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_sync_jobs_owner_active"})

	_, err := repo.Create(context.Background(), models.NewSyncJob{
		OwnerID:       "owner-1",
		StartDate:     day("2024-01-01"),
		EndDate:       day("2024-01-31"),
		SyncType:      models.SyncTypeHistorical,
		ChunkSizeDays: 7,
		ChunksTotal:   5,
	})
	assert.ErrorIs(t, err, ErrActiveJobConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM sync_jobs WHERE id = \\$1 AND owner_id = \\$2").
		WithArgs("missing", "owner-1").
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames))

	_, err := repo.GetByID(context.Background(), "owner-1", "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_MalformedIDIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	invalidUUID := &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "not-a-uuid"`}

	mock.ExpectQuery("FROM sync_jobs WHERE id = \\$1 AND owner_id = \\$2").
		WithArgs("not-a-uuid", "owner-1").
		WillReturnError(invalidUUID)
	mock.ExpectQuery("FROM sync_jobs WHERE id = \\$1").
		WithArgs("not-a-uuid").
		WillReturnError(invalidUUID)
	mock.ExpectQuery("UPDATE sync_jobs").
		WillReturnError(invalidUUID)

	_, err := repo.GetByID(context.Background(), "owner-1", "not-a-uuid")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = repo.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrJobNotFound)

	job, err := repo.TransitionStatus(context.Background(), "not-a-uuid", models.SyncJobStatusCancelled, TransitionOptions{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Nil(t, job)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_Get_DecodesFailedChunks(t *testing.T) {
	repo, mock := newMockRepo(t)

	failed := `[{"start_date":"2024-01-08T00:00:00Z","end_date":"2024-01-14T00:00:00Z","error":"timeout","failed_at":"2026-01-10T12:00:00Z"}]`
	mock.ExpectQuery("FROM sync_jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames).AddRow(syncJobRow("job-1", models.SyncJobStatusRunning, 2, failed)...))

	job, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)

	require.Len(t, job.FailedChunks, 1)
	assert.Equal(t, day("2024-01-08"), job.FailedChunks[0].StartDate)
	assert.Equal(t, "timeout", job.FailedChunks[0].Error)
	assert.Equal(t, 2, job.ChunksCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_GetActive_None(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("status IN \\('pending', 'running'\\)").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames))

	job, err := repo.GetActive(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_GetLatest_ReturnsNewestAnyStatus(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("WHERE owner_id = \\$1\\s+ORDER BY created_at DESC").
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames).AddRow(syncJobRow("job-1", models.SyncJobStatusPaused, 2, "[]")...))

	job, err := repo.GetLatest(context.Background(), "owner-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.SyncJobStatusPaused, job.Status)
	assert.Equal(t, 2, job.ChunksCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_ClaimNext_NothingClaimable(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(600.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := repo.ClaimNext(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_ClaimNext_MarksRunning(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(600.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectQuery("UPDATE sync_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames).AddRow(syncJobRow("job-1", models.SyncJobStatusRunning, 0, "[]")...))
	mock.ExpectCommit()

	job, err := repo.ClaimNext(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.SyncJobStatusRunning, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_TransitionStatus_NoMatchIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("UPDATE sync_jobs").
		WithArgs("cancelled", "", "job-1", "owner-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames))

	job, err := repo.TransitionStatus(context.Background(), "job-1", models.SyncJobStatusCancelled, TransitionOptions{
		OwnerID: "owner-1",
		From:    []models.SyncJobStatus{models.SyncJobStatusPending, models.SyncJobStatusRunning, models.SyncJobStatusPaused},
	})
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_TransitionStatus_Failed(t *testing.T) {
	repo, mock := newMockRepo(t)

	row := syncJobRow("job-1", models.SyncJobStatusFailed, 1, "[]")
	row[19] = "provider link revoked"
	mock.ExpectQuery("UPDATE sync_jobs").
		WithArgs("failed", "provider link revoked", "job-1", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(syncJobColumnNames).AddRow(row...))

	job, err := repo.TransitionStatus(context.Background(), "job-1", models.SyncJobStatusFailed, TransitionOptions{
		ErrorMessage: "provider link revoked",
	})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "provider link revoked", *job.ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_UpdateProgress_NotRunning(t *testing.T) {
	repo, mock := newMockRepo(t)

	last := day("2024-01-07")
	mock.ExpectExec("UPDATE sync_jobs").
		WithArgs(day("2024-01-08"), day("2024-01-14"), 1, last, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.UpdateProgress(context.Background(), "job-1", models.ChunkProgress{
		CurrentChunkStart:  day("2024-01-08"),
		CurrentChunkEnd:    day("2024-01-14"),
		ChunksCompleted:    1,
		LastSuccessfulDate: &last,
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_AppendFailedChunk(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("failed_chunks \\|\\| jsonb_build_array(.+)WHERE id = \\$2 AND status = 'running'").
		WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.AppendFailedChunk(context.Background(), "job-1", models.FailedChunk{
		StartDate: day("2024-01-08"),
		EndDate:   day("2024-01-14"),
		Error:     "timeout",
		FailedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncJobRepository_AppendFailedChunk_JobNotRunning(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("failed_chunks \\|\\| jsonb_build_array(.+)status = 'running'").
		WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.AppendFailedChunk(context.Background(), "job-1", models.FailedChunk{
		StartDate: day("2024-01-08"),
		EndDate:   day("2024-01-14"),
		Error:     "timeout",
		FailedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
