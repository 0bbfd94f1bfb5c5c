package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stanstork/fitsync/internal/models"
)

// HealthDataRepository is the write sink for synced provider data. Writes are
// upserts, so replaying a window after a partial failure is harmless.
type HealthDataRepository interface {
	PersistMetrics(ctx context.Context, ownerID string, metrics []models.DailyMetric, windowStart, windowEnd time.Time) (int, error)
	PersistActivities(ctx context.Context, ownerID string, activities []models.Activity, windowStart, windowEnd time.Time) (int, error)
	HasData(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) (bool, error)
}

type healthDataRepository struct {
	db *sql.DB
}

func NewHealthDataRepository(db *sql.DB) HealthDataRepository {
	return &healthDataRepository{db: db}
}

func (r *healthDataRepository) PersistMetrics(ctx context.Context, ownerID string, metrics []models.DailyMetric, windowStart, windowEnd time.Time) (int, error) {
	if len(metrics) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_metrics (owner_id, metric_date, metric_type, payload, synced_at)
		VALUES ($1, $2::date, $3, $4::jsonb, NOW())
		ON CONFLICT (owner_id, metric_date, metric_type)
		DO UPDATE SET payload = EXCLUDED.payload, synced_at = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare metric upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, m := range metrics {
		// Providers pad responses with neighbouring days; keep only the window.
		if m.Date.Before(windowStart) || m.Date.After(windowEnd) {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ownerID, m.Date, m.MetricType, string(m.Payload)); err != nil {
			return 0, fmt.Errorf("failed to upsert %s metric for %s: %w", m.MetricType, m.Date.Format("2006-01-02"), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return written, nil
}

func (r *healthDataRepository) PersistActivities(ctx context.Context, ownerID string, activities []models.Activity, windowStart, windowEnd time.Time) (int, error) {
	if len(activities) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (owner_id, provider_activity_id, activity_type, start_time, duration_seconds, payload, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NOW())
		ON CONFLICT (owner_id, provider_activity_id)
		DO UPDATE SET activity_type    = EXCLUDED.activity_type,
		              start_time       = EXCLUDED.start_time,
		              duration_seconds = EXCLUDED.duration_seconds,
		              payload          = EXCLUDED.payload,
		              synced_at        = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare activity upsert: %w", err)
	}
	defer stmt.Close()

	windowEndExclusive := windowEnd.AddDate(0, 0, 1)
	written := 0
	for _, a := range activities {
		if a.StartTime.Before(windowStart) || !a.StartTime.Before(windowEndExclusive) {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ownerID, a.ProviderActivityID, a.ActivityType, a.StartTime, a.DurationSeconds, string(a.Payload)); err != nil {
			return 0, fmt.Errorf("failed to upsert activity %s: %w", a.ProviderActivityID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return written, nil
}

func (r *healthDataRepository) HasData(ctx context.Context, ownerID string, windowStart, windowEnd time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM daily_metrics
			WHERE owner_id = $1 AND metric_date BETWEEN $2::date AND $3::date
		) OR EXISTS (
			SELECT 1 FROM activities
			WHERE owner_id = $1 AND start_time >= $2::date AND start_time < ($3::date + 1)
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, ownerID, windowStart, windowEnd).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check for existing data: %w", err)
	}
	return exists, nil
}
