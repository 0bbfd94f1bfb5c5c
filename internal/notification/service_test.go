package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/repository"
)

type fakeRepo struct {
	created []repository.CreateNotificationParams
}

func (f *fakeRepo) Create(_ context.Context, params repository.CreateNotificationParams) (models.Notification, error) {
	f.created = append(f.created, params)
	return models.Notification{
		ID:        "n-1",
		OwnerID:   params.OwnerID,
		EventType: params.Event,
		Severity:  params.Severity,
		Title:     params.Title,
		Message:   params.Message,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeRepo) ListRecent(context.Context, string, int) ([]models.Notification, error) {
	return nil, nil
}

func (f *fakeRepo) MarkRead(context.Context, string, string) (models.Notification, error) {
	return models.Notification{}, nil
}

type recordingNotifier struct {
	seen []models.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.seen = append(r.seen, n)
	return r.err
}

func testJob() models.SyncJob {
	return models.SyncJob{
		ID:              "job-1",
		OwnerID:         "owner-1",
		StartDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		SyncType:        models.SyncTypeHistorical,
		ChunksTotal:     5,
		ChunksCompleted: 5,
	}
}

func TestNotifySyncCompleted(t *testing.T) {
	repo := &fakeRepo{}
	notifier := &recordingNotifier{}
	svc := NewService(repo, zerolog.Nop(), notifier, nil)

	require.NoError(t, svc.NotifySyncCompleted(context.Background(), testJob()))

	require.Len(t, repo.created, 1)
	got := repo.created[0]
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, models.NotificationEventSyncCompleted, got.Event)
	assert.Equal(t, models.NotificationSeverityInfo, got.Severity)
	assert.Equal(t, "Sync completed: 2024-01-01 to 2024-01-31", got.Title)
	assert.Equal(t, "job-1", got.Metadata["job_id"])
	assert.Len(t, notifier.seen, 1)
}

func TestNotifySyncCompleted_WithGaps(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo, zerolog.Nop())

	job := testJob()
	job.ChunksCompleted = 4
	job.FailedChunks = []models.FailedChunk{{
		StartDate: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		Error:     "timeout",
	}}

	require.NoError(t, svc.NotifySyncCompleted(context.Background(), job))

	got := repo.created[0]
	assert.Equal(t, models.NotificationEventSyncCompletedWithGaps, got.Event)
	assert.Equal(t, models.NotificationSeverityWarning, got.Severity)
	assert.Equal(t, []string{"2024-01-08 to 2024-01-14"}, got.Metadata["failed_chunks"])
}

func TestNotifySyncFailed_DeliveryErrorDoesNotFail(t *testing.T) {
	repo := &fakeRepo{}
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	svc := NewService(repo, zerolog.Nop(), notifier)

	require.NoError(t, svc.NotifySyncFailed(context.Background(), testJob(), "  "))

	got := repo.created[0]
	assert.Equal(t, models.NotificationEventSyncFailed, got.Event)
	assert.Equal(t, models.NotificationSeverityError, got.Severity)
	assert.Equal(t, "Unknown error", got.Metadata["reason"])
	assert.Len(t, notifier.seen, 1)
}

func TestPublish_RequiresOwner(t *testing.T) {
	svc := NewService(&fakeRepo{}, zerolog.Nop())
	_, err := svc.Publish(context.Background(), Event{Event: models.NotificationEventSyncFailed})
	assert.Error(t, err)
}
