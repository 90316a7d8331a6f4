// Package identity maps external auth identities onto canonical users and
// tracks each user's active-workspace pointer.
package identity

import "time"

// User is never hard-deleted; it is created on first successful identity
// resolution and otherwise only gains an active-workspace pointer.
type User struct {
	ID                string    `gorm:"column:id;primaryKey;size:36;not null"`
	Email             string    `gorm:"column:email;size:320"`
	DisplayName       string    `gorm:"column:display_name;size:320"`
	ActiveWorkspaceID *string   `gorm:"column:active_workspace_id;size:36;index"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "sync_users"
}

// AuthAccount maps a (provider, provider_user_id) pair to a canonical user.
// The unique index on (provider, provider_user_id) is the coordination
// primitive resolveOrCreateUser relies on — never a read-then-insert.
type AuthAccount struct {
	ID             string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID         string    `gorm:"column:user_id;size:36;not null;index"`
	Provider       string    `gorm:"column:provider;size:64;not null;uniqueIndex:idx_auth_account_identity,priority:1"`
	ProviderUserID string    `gorm:"column:provider_user_id;size:320;not null;uniqueIndex:idx_auth_account_identity,priority:2"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AuthAccount) TableName() string {
	return "sync_auth_accounts"
}
