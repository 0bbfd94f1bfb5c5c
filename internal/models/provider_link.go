package models

import "time"

// ProviderLink connects an owner to their account at the wearable data provider.
// Tokens are stored encrypted; the repository decrypts them on read.
type ProviderLink struct {
	OwnerID                string     `json:"owner_id" db:"owner_id"`
	Provider               string     `json:"provider" db:"provider"`
	ExternalUserID         string     `json:"external_user_id" db:"external_user_id"`
	AccessToken            string     `json:"-" db:"access_token"`
	RefreshToken           string     `json:"-" db:"refresh_token"`
	TokenExpiresAt         *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
	LastSuccessfulSyncDate *time.Time `json:"last_successful_sync_date,omitempty" db:"last_successful_sync_date"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}
