// Package workspace implements workspace lifecycle, membership, role
// checks, invites, and per-workspace settings.
package workspace

import "time"

// Role values, ordered owner > editor > viewer.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Invite status values.
const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
	InviteStatusExpired  = "expired"
)

// Workspace is soft-deleted only; deleted workspaces remain queryable for
// administrative listing but are excluded from membership-facing reads.
type Workspace struct {
	ID          string     `gorm:"column:id;primaryKey;size:36;not null"`
	Name        string     `gorm:"column:name;size:320;not null"`
	Description *string    `gorm:"column:description;size:2000"`
	OwnerUserID string     `gorm:"column:owner_user_id;size:36;not null;index"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	Deleted     bool       `gorm:"column:deleted;not null;default:false;index"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "sync_workspaces"
}

// Member is a workspace membership row, unique on (workspace_id, user_id).
type Member struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID string    `gorm:"column:workspace_id;size:36;not null;uniqueIndex:idx_workspace_member,priority:1"`
	UserID      string    `gorm:"column:user_id;size:36;not null;uniqueIndex:idx_workspace_member,priority:2"`
	Role        string    `gorm:"column:role;size:32;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "sync_workspace_members"
}

// Invite tracks the pending -> accepted|revoked|expired state machine.
type Invite struct {
	ID             string     `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID    string     `gorm:"column:workspace_id;size:36;not null;index"`
	Email          string     `gorm:"column:email;size:320;not null;index"`
	Role           string     `gorm:"column:role;size:32;not null"`
	Status         string     `gorm:"column:status;size:32;not null;index"`
	InvitedBy      string     `gorm:"column:invited_by;size:36;not null"`
	TokenHash      string     `gorm:"column:token_hash;size:64;not null"`
	ExpiresAt      time.Time  `gorm:"column:expires_at;not null"`
	AcceptedAt     *time.Time `gorm:"column:accepted_at"`
	AcceptedUserID *string    `gorm:"column:accepted_user_id;size:36"`
	RevokedAt      *time.Time `gorm:"column:revoked_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Invite) TableName() string {
	return "sync_invites"
}

// Setting is server-authored workspace configuration, distinct from the
// client-synced "kv" materialized sync table.
type Setting struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:36;not null"`
	Key         string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value       string    `gorm:"column:value;size:4000;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "sync_workspace_settings"
}

// Summary is the membership-scoped listing shape returned by
// listUserWorkspaces.
type Summary struct {
	ID          string
	Name        string
	Description *string
	Role        string
	CreatedAt   time.Time
	IsActive    bool
}
