package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/repository"
)

const notificationDateLayout = "2006-01-02"

type Event struct {
	OwnerID  string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	// NotifySyncCompleted reports a completed job, flagging it as having gaps when chunks failed.
	NotifySyncCompleted(ctx context.Context, job models.SyncJob) error
	NotifySyncFailed(ctx context.Context, job models.SyncJob, reason string) error
	ListRecent(ctx context.Context, ownerID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, ownerID, notificationID string) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	ownerID := strings.TrimSpace(evt.OwnerID)
	if ownerID == "" {
		return models.Notification{}, fmt.Errorf("owner id is required for notifications")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		OwnerID:  ownerID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  strings.TrimSpace(evt.Message),
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logDeliveryFailure(s.logger, err, notifier, notif)
		}
	}
	return notif, nil
}

func (s *service) NotifySyncCompleted(ctx context.Context, job models.SyncJob) error {
	rangeLabel := jobRangeLabel(job)
	metadata := jobMetadata(job)

	evt := Event{
		OwnerID:  job.OwnerID,
		Event:    models.NotificationEventSyncCompleted,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("Sync completed: %s", rangeLabel),
		Message:  fmt.Sprintf("Your %s sync for %s finished. %d of %d windows synced.", job.SyncType, rangeLabel, job.ChunksCompleted, job.ChunksTotal),
		Metadata: metadata,
	}
	if gaps := len(job.FailedChunks); gaps > 0 {
		failed := make([]string, 0, gaps)
		for _, fc := range job.FailedChunks {
			failed = append(failed, fmt.Sprintf("%s to %s", fc.StartDate.Format(notificationDateLayout), fc.EndDate.Format(notificationDateLayout)))
		}
		metadata["failed_chunks"] = failed
		evt.Event = models.NotificationEventSyncCompletedWithGaps
		evt.Severity = models.NotificationSeverityWarning
		evt.Title = fmt.Sprintf("Sync completed with gaps: %s", rangeLabel)
		evt.Message = fmt.Sprintf("Your %s sync for %s finished, but %d window(s) could not be synced. Resume the job to retry them.", job.SyncType, rangeLabel, gaps)
	}

	_, err := s.Publish(ctx, evt)
	return err
}

func (s *service) NotifySyncFailed(ctx context.Context, job models.SyncJob, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	rangeLabel := jobRangeLabel(job)
	metadata := jobMetadata(job)
	metadata["reason"] = reason

	_, err := s.Publish(ctx, Event{
		OwnerID:  job.OwnerID,
		Event:    models.NotificationEventSyncFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Sync failed: %s", rangeLabel),
		Message:  fmt.Sprintf("Your %s sync for %s stopped: %s", job.SyncType, rangeLabel, reason),
		Metadata: metadata,
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, ownerID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, ownerID, limit)
}

func (s *service) MarkRead(ctx context.Context, ownerID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, ownerID, notificationID)
}

func jobRangeLabel(job models.SyncJob) string {
	return fmt.Sprintf("%s to %s", job.StartDate.Format(notificationDateLayout), job.EndDate.Format(notificationDateLayout))
}

func jobMetadata(job models.SyncJob) map[string]interface{} {
	return map[string]interface{}{
		"job_id":           job.ID,
		"sync_type":        string(job.SyncType),
		"start_date":       job.StartDate.Format(notificationDateLayout),
		"end_date":         job.EndDate.Format(notificationDateLayout),
		"chunks_completed": job.ChunksCompleted,
		"chunks_total":     job.ChunksTotal,
	}
}
