package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stanstork/fitsync/internal/models"
	"github.com/stanstork/fitsync/internal/utils"
)

var ErrProviderLinkNotFound = errors.New("provider link not found")

type ProviderLinkRepository interface {
	Get(ctx context.Context, ownerID string) (models.ProviderLink, error)
	ListOwnerIDs(ctx context.Context) ([]string, error)
	UpdateTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error
	// GetWatermark returns the last fully synced date, or nil when the owner never completed a sync.
	GetWatermark(ctx context.Context, ownerID string) (*time.Time, error)
	// AdvanceWatermark moves the watermark forward to date. It reports false when the
	// stored watermark is already on or after date.
	AdvanceWatermark(ctx context.Context, ownerID string, date time.Time) (bool, error)
}

type providerLinkRepository struct {
	db *sql.DB
}

func NewProviderLinkRepository(db *sql.DB) ProviderLinkRepository {
	return &providerLinkRepository{db: db}
}

func (r *providerLinkRepository) Get(ctx context.Context, ownerID string) (models.ProviderLink, error) {
	query := `
		SELECT owner_id, provider, external_user_id, access_token, refresh_token,
		       token_expires_at, last_successful_sync_date, created_at, updated_at
		FROM provider_links
		WHERE owner_id = $1
	`

	var (
		link          models.ProviderLink
		accessSealed  []byte
		refreshSealed []byte
	)
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(
		&link.OwnerID,
		&link.Provider,
		&link.ExternalUserID,
		&accessSealed,
		&refreshSealed,
		&link.TokenExpiresAt,
		&link.LastSuccessfulSyncDate,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return link, ErrProviderLinkNotFound
		}
		return link, fmt.Errorf("failed to get provider link: %w", err)
	}

	if link.AccessToken, err = utils.DecryptSecret(accessSealed); err != nil {
		return link, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if link.RefreshToken, err = utils.DecryptSecret(refreshSealed); err != nil {
		return link, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return link, nil
}

func (r *providerLinkRepository) ListOwnerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT owner_id FROM provider_links ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var ownerID string
		if err := rows.Scan(&ownerID); err != nil {
			return nil, fmt.Errorf("failed to scan owner id: %w", err)
		}
		owners = append(owners, ownerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return owners, nil
}

func (r *providerLinkRepository) UpdateTokens(ctx context.Context, ownerID, accessToken, refreshToken string, expiresAt time.Time) error {
	accessSealed, err := utils.EncryptSecret(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshSealed, err := utils.EncryptSecret(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		UPDATE provider_links
		SET access_token     = $1,
		    refresh_token    = COALESCE($2, refresh_token),
		    token_expires_at = $3,
		    updated_at       = NOW()
		WHERE owner_id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, accessSealed, refreshSealed, expiresAt, ownerID); err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

func (r *providerLinkRepository) GetWatermark(ctx context.Context, ownerID string) (*time.Time, error) {
	var watermark sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT last_successful_sync_date FROM provider_links WHERE owner_id = $1`, ownerID,
	).Scan(&watermark)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderLinkNotFound
		}
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	if !watermark.Valid {
		return nil, nil
	}
	t := watermark.Time
	return &t, nil
}

func (r *providerLinkRepository) AdvanceWatermark(ctx context.Context, ownerID string, date time.Time) (bool, error) {
	query := `
		UPDATE provider_links
		SET last_successful_sync_date = $1::date,
		    updated_at                = NOW()
		WHERE owner_id = $2
		  AND (last_successful_sync_date IS NULL OR last_successful_sync_date < $1::date)
	`
	res, err := r.db.ExecContext(ctx, query, date, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
