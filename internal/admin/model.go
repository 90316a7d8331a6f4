// Package admin implements deployment-wide operator surfaces: admin grants,
// cross-workspace membership management, and GC status reporting.
package admin

import "time"

// AdminUser marks a canonical user as a deployment-wide operator.
type AdminUser struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:36;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	CreatedBy *string   `gorm:"column:created_by;size:36"`
}

// TableName provides the explicit table binding for GORM.
func (AdminUser) TableName() string {
	return "sync_admin_users"
}

// GCStatus reports on a workspace's garbage-collection backlog so an
// operator can judge whether a GC run is worth triggering.
type GCStatus struct {
	WorkspaceID   string
	ChangeLogRows int64
	TombstoneRows int64
	MinCursor     int64
	CounterValue  int64
}
