package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncgateway/workspace/internal/apperr"
	"github.com/syncgateway/workspace/internal/identity"
	"github.com/syncgateway/workspace/internal/sync"
	"github.com/syncgateway/workspace/internal/workspace"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opListAdmins     = "admin.list_admins"
	opGrantAdmin     = "admin.grant_admin"
	opRevokeAdmin    = "admin.revoke_admin"
	opIsAdmin        = "admin.is_admin"
	opListMembers    = "admin.list_members"
	opUpsertMember   = "admin.upsert_member"
	opSetMemberRole  = "admin.set_member_role"
	opRemoveMember   = "admin.remove_member"
	opListWorkspaces = "admin.list_workspaces"
	opSoftDelete     = "admin.soft_delete_workspace"
	opRestore        = "admin.restore_workspace"
	opSearchUsers    = "admin.search_users"
	opGCStatus       = "admin.gc_status"
)

const defaultSearchLimit = 50

// ServiceConfig describes the dependencies required by the admin surface.
// The workspace and sync services are composed rather than reimplemented:
// softDeleteWorkspace reuses the workspace store's own re-homing
// transaction, and gcStatus reads the sync gateway's tables.
type ServiceConfig struct {
	Database  *gorm.DB
	Workspace *workspace.Service
	Sync      *sync.Service
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service implements deployment-wide operator operations.
type Service struct {
	db          *gorm.DB
	workspace   *workspace.Service
	syncGateway *sync.Service
	clock       func() time.Time
	logger      *zap.Logger
}

// NewService constructs the admin service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Workspace == nil || cfg.Sync == nil {
		return nil, apperr.New("admin.new_service", apperr.KindInternal, errors.New("database, workspace, and sync services are required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, workspace: cfg.Workspace, syncGateway: cfg.Sync, clock: clock, logger: logger}, nil
}

// ListAdmins returns every deployment-wide operator.
func (s *Service) ListAdmins(ctx context.Context) ([]AdminUser, error) {
	var admins []AdminUser
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&admins).Error; err != nil {
		s.logError(opListAdmins, err)
		return nil, apperr.New(opListAdmins, apperr.KindInternal, err)
	}
	return admins, nil
}

// GrantAdmin conflict-safely marks a user as an admin; idempotent if
// already granted.
func (s *Service) GrantAdmin(ctx context.Context, granterUserID, userID string) error {
	var grantedBy *string
	if strings.TrimSpace(granterUserID) != "" {
		grantedBy = &granterUserID
	}
	admin := AdminUser{UserID: userID, CreatedAt: s.clock().UTC(), CreatedBy: grantedBy}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&admin).Error
	if err != nil {
		return apperr.New(opGrantAdmin, apperr.KindInternal, err)
	}
	return nil
}

// RevokeAdmin removes a user's admin grant.
func (s *Service) RevokeAdmin(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&AdminUser{}).Error; err != nil {
		return apperr.New(opRevokeAdmin, apperr.KindInternal, err)
	}
	return nil
}

// IsAdmin reports whether a user currently holds an admin grant.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AdminUser{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, apperr.New(opIsAdmin, apperr.KindInternal, err)
	}
	return count > 0, nil
}

// MemberView is one workspace membership joined with its user's identity
// fields, for administrative listing.
type MemberView struct {
	UserID      string
	Role        string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// ListMembers lists every membership of a workspace with joined identity.
func (s *Service) ListMembers(ctx context.Context, workspaceID string) ([]MemberView, error) {
	var rows []MemberView
	err := s.db.WithContext(ctx).Table("sync_workspace_members").
		Select("sync_workspace_members.user_id AS user_id, sync_workspace_members.role AS role, sync_users.email AS email, sync_users.display_name AS display_name, sync_workspace_members.created_at AS created_at").
		Joins("JOIN sync_users ON sync_users.id = sync_workspace_members.user_id").
		Where("sync_workspace_members.workspace_id = ?", workspaceID).
		Order("sync_workspace_members.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.New(opListMembers, apperr.KindInternal, err)
	}
	return rows, nil
}

// UpsertMember conflict-safely inserts or overwrites a membership's role.
func (s *Service) UpsertMember(ctx context.Context, workspaceID, userID, role string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return apperr.New(opUpsertMember, apperr.KindInternal, err)
	}
	member := workspace.Member{ID: id.String(), WorkspaceID: workspaceID, UserID: userID, Role: role, CreatedAt: s.clock().UTC()}
	dbErr := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
	if dbErr != nil {
		return apperr.New(opUpsertMember, apperr.KindInternal, dbErr)
	}
	return nil
}

// SetMemberRole updates an existing membership's role; fails not_found if
// no membership exists.
func (s *Service) SetMemberRole(ctx context.Context, workspaceID, userID, role string) error {
	result := s.db.WithContext(ctx).Model(&workspace.Member{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Update("role", role)
	if result.Error != nil {
		return apperr.New(opSetMemberRole, apperr.KindInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opSetMemberRole, apperr.KindNotFound, fmt.Errorf("no membership for user %q in workspace %q", userID, workspaceID))
	}
	return nil
}

// RemoveMember deletes a membership and, in the same transaction, re-homes
// the removed user's active_workspace_id if it pointed at this workspace
// (the same rule removeWorkspace applies).
func (s *Service) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Delete(&workspace.Member{}).Error; err != nil {
			return err
		}
		var user identity.User
		err := tx.Where("id = ? AND active_workspace_id = ?", userID, workspaceID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var replacement workspace.Member
		err = tx.Joins("JOIN sync_workspaces ON sync_workspaces.id = sync_workspace_members.workspace_id").
			Where("sync_workspace_members.user_id = ? AND sync_workspaces.deleted = ? AND sync_workspace_members.workspace_id <> ?", userID, false, workspaceID).
			Order("sync_workspace_members.created_at ASC").
			Take(&replacement).Error
		if err == nil {
			return identity.SetActiveWorkspaceID(tx, userID, &replacement.WorkspaceID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return identity.SetActiveWorkspaceID(tx, userID, nil)
	})
	if txErr != nil {
		s.logError(opRemoveMember, txErr, zap.String("workspace_id", workspaceID), zap.String("user_id", userID))
		return apperr.New(opRemoveMember, apperr.KindInternal, txErr)
	}
	return nil
}

// ListWorkspaces is the deployment-wide administrative listing: search
// bypasses the membership-scoped visibility of listUserWorkspaces.
func (s *Service) ListWorkspaces(ctx context.Context, search string, includeDeleted bool, limit, offset int) ([]workspace.Workspace, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query := s.db.WithContext(ctx).Model(&workspace.Workspace{})
	if !includeDeleted {
		query = query.Where("deleted = ?", false)
	}
	if trimmed := strings.TrimSpace(search); trimmed != "" {
		query = query.Where("name LIKE ?", "%"+trimmed+"%")
	}
	var workspaces []workspace.Workspace
	err := query.Order("created_at ASC").Limit(limit).Offset(offset).Find(&workspaces).Error
	if err != nil {
		return nil, apperr.New(opListWorkspaces, apperr.KindInternal, err)
	}
	return workspaces, nil
}

// SoftDeleteWorkspace is a thin administrative wrapper over the workspace
// store's own owner-gated removal. It calls RemoveWorkspace as the
// workspace's recorded owner, so the same owner role check applies: if that
// user no longer holds the owner role, it fails with forbidden_owner.
func (s *Service) SoftDeleteWorkspace(ctx context.Context, workspaceID string) error {
	var ws workspace.Workspace
	if err := s.db.WithContext(ctx).Where("id = ?", workspaceID).Take(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opSoftDelete, apperr.KindNotFound, err)
		}
		return apperr.New(opSoftDelete, apperr.KindInternal, err)
	}
	return s.workspace.RemoveWorkspace(ctx, ws.OwnerUserID, workspaceID)
}

// RestoreWorkspace clears deleted/deleted_at. Membership was never
// touched by soft-delete, so there is no re-homing to undo.
func (s *Service) RestoreWorkspace(ctx context.Context, workspaceID string) error {
	result := s.db.WithContext(ctx).Model(&workspace.Workspace{}).
		Where("id = ?", workspaceID).
		Updates(map[string]interface{}{"deleted": false, "deleted_at": nil})
	if result.Error != nil {
		return apperr.New(opRestore, apperr.KindInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(opRestore, apperr.KindNotFound, fmt.Errorf("workspace %q not found", workspaceID))
	}
	return nil
}

// SearchUsers matches email or display name, for admin support tooling.
func (s *Service) SearchUsers(ctx context.Context, query string, limit int) ([]identity.User, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	var users []identity.User
	trimmed := "%" + strings.TrimSpace(query) + "%"
	err := s.db.WithContext(ctx).
		Where("email LIKE ? OR display_name LIKE ?", trimmed, trimmed).
		Order("created_at ASC").Limit(limit).Find(&users).Error
	if err != nil {
		return nil, apperr.New(opSearchUsers, apperr.KindInternal, err)
	}
	return users, nil
}

// GetWorkspaceSetting and SetWorkspaceSetting delegate to the workspace
// store, which owns the settings table.
func (s *Service) GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (*string, error) {
	return s.workspace.GetSetting(ctx, workspaceID, key)
}

func (s *Service) SetWorkspaceSetting(ctx context.Context, workspaceID, key, value string) error {
	return s.workspace.SetSetting(ctx, workspaceID, key, value)
}

// GCStatus reports a workspace's garbage-collection backlog.
func (s *Service) GCStatus(ctx context.Context, workspaceID string) (*GCStatus, error) {
	minCursor, err := s.syncGateway.MinCursor(ctx, workspaceID)
	if err != nil {
		return nil, apperr.New(opGCStatus, apperr.KindInternal, err)
	}

	var changeLogRows, tombstoneRows int64
	if err := s.db.WithContext(ctx).Table("sync_change_log").Where("workspace_id = ?", workspaceID).Count(&changeLogRows).Error; err != nil {
		return nil, apperr.New(opGCStatus, apperr.KindInternal, err)
	}
	if err := s.db.WithContext(ctx).Table("sync_tombstones").Where("workspace_id = ?", workspaceID).Count(&tombstoneRows).Error; err != nil {
		return nil, apperr.New(opGCStatus, apperr.KindInternal, err)
	}

	var counterValue int64
	err = s.db.WithContext(ctx).Table("sync_counters").Where("workspace_id = ?", workspaceID).Select("value").Scan(&counterValue).Error
	if err != nil {
		return nil, apperr.New(opGCStatus, apperr.KindInternal, err)
	}

	return &GCStatus{
		WorkspaceID:   workspaceID,
		ChangeLogRows: changeLogRows,
		TombstoneRows: tombstoneRows,
		MinCursor:     minCursor,
		CounterValue:  counterValue,
	}, nil
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op)}, fields...)
	attrs = append(attrs, zap.Error(err))
	s.logger.Error(fmt.Sprintf("%s failed", op), attrs...)
}
