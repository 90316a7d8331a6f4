// Package sync implements the sync gateway: push, pull, device cursors,
// and bounded garbage collection over a workspace-scoped change log.
package sync

import "time"

// Operation kinds carried by a PendingOp and mirrored on ChangeLogEntry.
const (
	OperationPut    = "put"
	OperationDelete = "delete"
)

// Counter holds the monotonic, dense server_version allocator for a
// workspace. Exactly one row exists per workspace that has ever received
// a push.
type Counter struct {
	WorkspaceID string `gorm:"column:workspace_id;primaryKey;size:36;not null"`
	Value       int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "sync_counters"
}

// ChangeLogEntry is one allocated, immutable entry in a workspace's sync
// log. Unique globally on op_id (I3) and per workspace on server_version.
type ChangeLogEntry struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID   string    `gorm:"column:workspace_id;size:36;not null;uniqueIndex:idx_changelog_version,priority:1;index:idx_changelog_workspace_table,priority:1"`
	ServerVersion int64     `gorm:"column:server_version;not null;uniqueIndex:idx_changelog_version,priority:2"`
	TableName     string    `gorm:"column:table_name;size:64;not null;index:idx_changelog_workspace_table,priority:2"`
	PK            string    `gorm:"column:pk;size:190;not null"`
	Op            string    `gorm:"column:op;size:16;not null"`
	PayloadJSON   *string   `gorm:"column:payload_json"`
	Clock         int64     `gorm:"column:clock;not null"`
	HLC           string    `gorm:"column:hlc;size:64;not null"`
	DeviceID      string    `gorm:"column:device_id;size:190;not null"`
	OpID          string    `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_changelog_op_id"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "sync_change_log"
}

// DeviceCursor is the forward-only read position of one device within one
// workspace's change log.
type DeviceCursor struct {
	ID              string    `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID     string    `gorm:"column:workspace_id;size:36;not null;uniqueIndex:idx_device_cursor,priority:1"`
	DeviceID        string    `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_device_cursor,priority:2"`
	LastSeenVersion int64     `gorm:"column:last_seen_version;not null;default:0"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceCursor) TableName() string {
	return "sync_device_cursors"
}

// Tombstone records the LWW-winning delete for a logical key, so pull can
// propagate deletions to devices that never saw the original row.
type Tombstone struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID   string    `gorm:"column:workspace_id;size:36;not null;uniqueIndex:idx_tombstone_key,priority:1"`
	TableName     string    `gorm:"column:table_name;size:64;not null;uniqueIndex:idx_tombstone_key,priority:2"`
	PK            string    `gorm:"column:pk;size:190;not null;uniqueIndex:idx_tombstone_key,priority:3"`
	DeletedAt     time.Time `gorm:"column:deleted_at;not null"`
	Clock         int64     `gorm:"column:clock;not null"`
	ServerVersion int64     `gorm:"column:server_version;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "sync_tombstones"
}

// MaterializedRow is the current LWW-resolved state for one
// (workspace, table_name, pk) key. One shared table covers every entry in
// the materialized-entity allowlist rather than one table per entity name,
// avoiding near-identical schemas and reflective table dispatch.
type MaterializedRow struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:36;not null"`
	TableName   string    `gorm:"column:table_name;primaryKey;size:64;not null"`
	PK          string    `gorm:"column:pk;primaryKey;size:190;not null"`
	DataJSON    string    `gorm:"column:data_json;not null"`
	Clock       int64     `gorm:"column:clock;not null"`
	HLC         string    `gorm:"column:hlc;size:64;not null"`
	DeviceID    string    `gorm:"column:device_id;size:190;not null"`
	Deleted     bool      `gorm:"column:deleted;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MaterializedRow) TableName() string {
	return "sync_materialized_rows"
}

// PendingOp is one client-submitted mutation within a push batch.
type PendingOp struct {
	TableName string
	Operation string
	PK        string
	Payload   *string
	DeviceID  string
	OpID      string
	HLC       string
	Clock     int64
}

// PushBatch is the request shape for Push.
type PushBatch struct {
	WorkspaceID string
	Ops         []PendingOp
}

// PushResult reports the outcome of one submitted op.
type PushResult struct {
	OpID          string
	Success       bool
	ServerVersion int64
	Error         string
	ErrorCode     string
}

// PushResponse is the result of a Push call.
type PushResponse struct {
	Results       []PushResult
	ServerVersion int64
}

// PullRequest is the request shape for Pull.
type PullRequest struct {
	WorkspaceID string
	Cursor      int64
	Limit       int
	Tables      []string
}

// Change is one change-log entry as returned to a pulling client.
type Change struct {
	ServerVersion int64
	TableName     string
	PK            string
	Op            string
	Payload       *string
	Clock         int64
	HLC           string
	DeviceID      string
	OpID          string
}

// PullResponse is the result of a Pull call.
type PullResponse struct {
	Changes    []Change
	HasMore    bool
	NextCursor int64
}
