package workspace

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncgateway/workspace/internal/apperr"
	"github.com/syncgateway/workspace/internal/identity"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const defaultWorkspaceName = "My Workspace"

const (
	opGetOrCreateDefaultWorkspace = "workspace.get_or_create_default_workspace"
	opGetWorkspaceRole            = "workspace.get_workspace_role"
	opListUserWorkspaces          = "workspace.list_user_workspaces"
	opCreateWorkspace             = "workspace.create_workspace"
	opUpdateWorkspace             = "workspace.update_workspace"
	opRemoveWorkspace             = "workspace.remove_workspace"
	opSetActiveWorkspace          = "workspace.set_active_workspace"
	opCreateInvite                = "workspace.create_invite"
	opListInvites                 = "workspace.list_invites"
	opRevokeInvite                = "workspace.revoke_invite"
	opConsumeInvite               = "workspace.consume_invite"
	opGetWorkspace                = "workspace.get_workspace"
	opGetSetting                  = "workspace.get_setting"
	opSetSetting                  = "workspace.set_setting"
)

// ServiceConfig describes the dependencies required by the workspace store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service implements workspace lifecycle, role checks, and invites.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the workspace service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New("workspace.new_service", apperr.KindInternal, errors.New("database handle is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetOrCreateDefaultWorkspace resolves the workspace a user lands in: their
// current active workspace if still valid, else their oldest surviving
// membership (repairing the active pointer), else a freshly created
// "My Workspace" owned solely by them.
func (s *Service) GetOrCreateDefaultWorkspace(ctx context.Context, userID string) (string, string, error) {
	var workspaceID, name string

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user identity.User
		if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
			return err
		}

		if user.ActiveWorkspaceID != nil {
			var ws Workspace
			err := tx.Where("id = ? AND deleted = ?", *user.ActiveWorkspaceID, false).Take(&ws).Error
			if err == nil {
				var member Member
				memberErr := tx.Where("workspace_id = ? AND user_id = ?", ws.ID, userID).Take(&member).Error
				if memberErr == nil {
					workspaceID, name = ws.ID, ws.Name
					return nil
				}
				if !errors.Is(memberErr, gorm.ErrRecordNotFound) {
					return memberErr
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var oldest Member
		err := tx.Joins("JOIN sync_workspaces ON sync_workspaces.id = sync_workspace_members.workspace_id").
			Where("sync_workspace_members.user_id = ? AND sync_workspaces.deleted = ?", userID, false).
			Order("sync_workspace_members.created_at ASC").
			Take(&oldest).Error
		if err == nil {
			var ws Workspace
			if err := tx.Where("id = ?", oldest.WorkspaceID).Take(&ws).Error; err != nil {
				return err
			}
			if err := identity.SetActiveWorkspaceID(tx, userID, &ws.ID); err != nil {
				return err
			}
			workspaceID, name = ws.ID, ws.Name
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		newWorkspaceID, genErr := uuid.NewV7()
		if genErr != nil {
			return genErr
		}
		memberID, genErr := uuid.NewV7()
		if genErr != nil {
			return genErr
		}
		now := s.clock().UTC()
		ws := Workspace{
			ID:          newWorkspaceID.String(),
			Name:        defaultWorkspaceName,
			OwnerUserID: userID,
			CreatedAt:   now,
		}
		if err := tx.Create(&ws).Error; err != nil {
			return err
		}
		member := Member{
			ID:          memberID.String(),
			WorkspaceID: ws.ID,
			UserID:      userID,
			Role:        RoleOwner,
			CreatedAt:   now,
		}
		if err := tx.Create(&member).Error; err != nil {
			return err
		}
		if err := identity.SetActiveWorkspaceID(tx, userID, &ws.ID); err != nil {
			return err
		}
		workspaceID, name = ws.ID, ws.Name
		return nil
	})

	if txErr != nil {
		s.logError(opGetOrCreateDefaultWorkspace, txErr)
		return "", "", apperr.New(opGetOrCreateDefaultWorkspace, apperr.KindInternal, txErr)
	}
	return workspaceID, name, nil
}

// GetWorkspaceRole returns the caller's role, or "" if they are not a
// member. Soft-delete state is ignored here; callers decide.
func (s *Service) GetWorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error) {
	var member Member
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.New(opGetWorkspaceRole, apperr.KindInternal, err)
	}
	return member.Role, nil
}

// ListUserWorkspaces lists the non-deleted workspaces a user belongs to.
func (s *Service) ListUserWorkspaces(ctx context.Context, userID string) ([]Summary, error) {
	var user identity.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(opListUserWorkspaces, apperr.KindNotFound, err)
		}
		return nil, apperr.New(opListUserWorkspaces, apperr.KindInternal, err)
	}

	type row struct {
		ID          string
		Name        string
		Description *string
		Role        string
		CreatedAt   time.Time
	}
	var rows []row
	err := s.db.WithContext(ctx).Table("sync_workspace_members").
		Select("sync_workspaces.id AS id, sync_workspaces.name AS name, sync_workspaces.description AS description, sync_workspace_members.role AS role, sync_workspace_members.created_at AS created_at").
		Joins("JOIN sync_workspaces ON sync_workspaces.id = sync_workspace_members.workspace_id").
		Where("sync_workspace_members.user_id = ? AND sync_workspaces.deleted = ?", userID, false).
		Order("sync_workspace_members.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.New(opListUserWorkspaces, apperr.KindInternal, err)
	}

	summaries := make([]Summary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, Summary{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Role:        r.Role,
			CreatedAt:   r.CreatedAt,
			IsActive:    user.ActiveWorkspaceID != nil && *user.ActiveWorkspaceID == r.ID,
		})
	}
	return summaries, nil
}

// CreateWorkspace atomically inserts a workspace and its owner membership.
func (s *Service) CreateWorkspace(ctx context.Context, userID, name, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.New(opCreateWorkspace, apperr.KindValidation, errors.New("name is required"))
	}

	workspaceID, err := uuid.NewV7()
	if err != nil {
		return "", apperr.New(opCreateWorkspace, apperr.KindInternal, err)
	}
	memberID, err := uuid.NewV7()
	if err != nil {
		return "", apperr.New(opCreateWorkspace, apperr.KindInternal, err)
	}
	now := s.clock().UTC()

	var desc *string
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		desc = &trimmed
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ws := Workspace{
			ID:          workspaceID.String(),
			Name:        name,
			Description: desc,
			OwnerUserID: userID,
			CreatedAt:   now,
		}
		if err := tx.Create(&ws).Error; err != nil {
			return err
		}
		member := Member{
			ID:          memberID.String(),
			WorkspaceID: ws.ID,
			UserID:      userID,
			Role:        RoleOwner,
			CreatedAt:   now,
		}
		return tx.Create(&member).Error
	})
	if txErr != nil {
		s.logError(opCreateWorkspace, txErr)
		return "", apperr.New(opCreateWorkspace, apperr.KindInternal, txErr)
	}
	return workspaceID.String(), nil
}

// UpdateWorkspace requires role owner or editor. It is a no-op on
// soft-deleted workspaces.
func (s *Service) UpdateWorkspace(ctx context.Context, userID, workspaceID, name, description string) error {
	var ws Workspace
	if err := s.db.WithContext(ctx).Where("id = ?", workspaceID).Take(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opUpdateWorkspace, apperr.KindNotFound, err)
		}
		return apperr.New(opUpdateWorkspace, apperr.KindInternal, err)
	}
	if ws.Deleted {
		return nil
	}

	role, err := s.GetWorkspaceRole(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if role != RoleOwner && role != RoleEditor {
		return apperr.New(opUpdateWorkspace, apperr.KindForbiddenRole, fmt.Errorf("role %q may not update workspace", role))
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return apperr.New(opUpdateWorkspace, apperr.KindValidation, errors.New("name is required"))
	}
	updates := map[string]interface{}{"name": name}
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		updates["description"] = trimmed
	} else {
		updates["description"] = nil
	}

	if err := s.db.WithContext(ctx).Model(&Workspace{}).Where("id = ?", workspaceID).Updates(updates).Error; err != nil {
		return apperr.New(opUpdateWorkspace, apperr.KindInternal, err)
	}
	return nil
}

// RemoveWorkspace soft-deletes a workspace and re-homes every user whose
// active_workspace_id pointed at it, all within one transaction. Requires
// role owner.
func (s *Service) RemoveWorkspace(ctx context.Context, userID, workspaceID string) error {
	role, err := s.GetWorkspaceRole(ctx, userID, workspaceID)
	if err != nil {
		return err
	}
	if role != RoleOwner {
		return apperr.New(opRemoveWorkspace, apperr.KindForbiddenOwner, fmt.Errorf("role %q may not remove workspace", role))
	}

	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Workspace{}).Where("id = ? AND deleted = ?", workspaceID, false).
			Updates(map[string]interface{}{"deleted": true, "deleted_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return rehomeActiveWorkspace(tx, workspaceID)
	})
	if txErr != nil {
		s.logError(opRemoveWorkspace, txErr)
		return apperr.New(opRemoveWorkspace, apperr.KindInternal, txErr)
	}
	return nil
}

// rehomeActiveWorkspace re-points active_workspace_id away from
// workspaceID for every affected user, inside the caller's transaction.
func rehomeActiveWorkspace(tx *gorm.DB, workspaceID string) error {
	var affectedUserIDs []string
	if err := tx.Model(&identity.User{}).
		Where("active_workspace_id = ?", workspaceID).
		Pluck("id", &affectedUserIDs).Error; err != nil {
		return err
	}

	for _, userID := range affectedUserIDs {
		var replacement Member
		err := tx.Joins("JOIN sync_workspaces ON sync_workspaces.id = sync_workspace_members.workspace_id").
			Where("sync_workspace_members.user_id = ? AND sync_workspaces.deleted = ? AND sync_workspace_members.workspace_id <> ?", userID, false, workspaceID).
			Order("sync_workspace_members.created_at ASC").
			Take(&replacement).Error
		if err == nil {
			if err := identity.SetActiveWorkspaceID(tx, userID, &replacement.WorkspaceID); err != nil {
				return err
			}
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := identity.SetActiveWorkspaceID(tx, userID, nil); err != nil {
			return err
		}
	}
	return nil
}

// SetActiveWorkspace requires an active (non-soft-deleted) membership.
func (s *Service) SetActiveWorkspace(ctx context.Context, userID, workspaceID string) error {
	var ws Workspace
	err := s.db.WithContext(ctx).Where("id = ? AND deleted = ?", workspaceID, false).Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(opSetActiveWorkspace, apperr.KindNotMember, err)
	}
	if err != nil {
		return apperr.New(opSetActiveWorkspace, apperr.KindInternal, err)
	}

	var member Member
	err = s.db.WithContext(ctx).Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(opSetActiveWorkspace, apperr.KindNotMember, err)
	}
	if err != nil {
		return apperr.New(opSetActiveWorkspace, apperr.KindInternal, err)
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return identity.SetActiveWorkspaceID(tx, userID, &workspaceID)
	}); err != nil {
		return apperr.New(opSetActiveWorkspace, apperr.KindInternal, err)
	}
	return nil
}

// CreateInvite inserts a pending invite and returns the plaintext token;
// only its SHA-256 hash is persisted.
func (s *Service) CreateInvite(ctx context.Context, workspaceID, invitedBy, email, role string, ttl time.Duration) (*Invite, string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, "", apperr.New(opCreateInvite, apperr.KindValidation, errors.New("email is required"))
	}
	if role != RoleOwner && role != RoleEditor && role != RoleViewer {
		return nil, "", apperr.New(opCreateInvite, apperr.KindValidation, fmt.Errorf("unknown role %q", role))
	}

	token, tokenHash, err := generateInviteToken()
	if err != nil {
		return nil, "", apperr.New(opCreateInvite, apperr.KindInternal, err)
	}
	inviteID, err := uuid.NewV7()
	if err != nil {
		return nil, "", apperr.New(opCreateInvite, apperr.KindInternal, err)
	}
	now := s.clock().UTC()

	invite := Invite{
		ID:          inviteID.String(),
		WorkspaceID: workspaceID,
		Email:       email,
		Role:        role,
		Status:      InviteStatusPending,
		InvitedBy:   invitedBy,
		TokenHash:   tokenHash,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&invite).Error; err != nil {
		return nil, "", apperr.New(opCreateInvite, apperr.KindInternal, err)
	}
	return &invite, token, nil
}

// ListInvites lazily transitions expired pending invites, then returns
// every invite for the workspace.
func (s *Service) ListInvites(ctx context.Context, workspaceID string) ([]Invite, error) {
	var invites []Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := expirePendingInvites(tx, s.clock().UTC(), "workspace_id = ?", workspaceID); err != nil {
			return err
		}
		return tx.Where("workspace_id = ?", workspaceID).Order("created_at ASC").Find(&invites).Error
	})
	if txErr != nil {
		return nil, apperr.New(opListInvites, apperr.KindInternal, txErr)
	}
	return invites, nil
}

// RevokeInvite transitions a pending invite to revoked; a no-op if the
// invite is not currently pending.
func (s *Service) RevokeInvite(ctx context.Context, inviteID string) error {
	var invite Invite
	if err := s.db.WithContext(ctx).Where("id = ?", inviteID).Take(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opRevokeInvite, apperr.KindNotFound, err)
		}
		return apperr.New(opRevokeInvite, apperr.KindInternal, err)
	}
	if invite.Status != InviteStatusPending {
		return nil
	}
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&Invite{}).
		Where("id = ? AND status = ?", inviteID, InviteStatusPending).
		Updates(map[string]interface{}{"status": InviteStatusRevoked, "revoked_at": now, "updated_at": now}).Error
	if err != nil {
		return apperr.New(opRevokeInvite, apperr.KindInternal, err)
	}
	return nil
}

// Invite consumption failure reasons, per the invite state machine's
// terminal transitions.
const (
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
	ReasonRevoked       = "revoked"
	ReasonAlreadyUsed   = "already_used"
	ReasonTokenMismatch = "token_mismatch"
)

// ConsumeInvite transactionally expires stale pending invites for the
// email, locates the invite whose token matches, checks that it is still
// pending (reporting already_used, revoked or expired otherwise), marks it
// accepted, upserts membership (overwriting any existing role), and sets
// the invited workspace active for the accepting user. Matching by token
// hash rather than by recency keeps the lookup scoped to the single invite
// the caller is holding a token for, regardless of how many other invites
// (in any workspace, any status) exist for the same email.
func (s *Service) ConsumeInvite(ctx context.Context, userID, email, token string) (string, error) {
	email = normalizeEmail(email)
	tokenHash := hashToken(token)

	var workspaceID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		if err := expirePendingInvites(tx, now, "email = ?", email); err != nil {
			return err
		}

		var invite Invite
		err := tx.Where("email = ? AND token_hash = ?", email, tokenHash).Take(&invite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opConsumeInvite, apperr.KindNotFound, errors.New(ReasonNotFound))
		}
		if err != nil {
			return err
		}

		switch invite.Status {
		case InviteStatusAccepted:
			return apperr.New(opConsumeInvite, apperr.KindConflict, errors.New(ReasonAlreadyUsed))
		case InviteStatusRevoked:
			return apperr.New(opConsumeInvite, apperr.KindConflict, errors.New(ReasonRevoked))
		case InviteStatusExpired:
			return apperr.New(opConsumeInvite, apperr.KindConflict, errors.New(ReasonExpired))
		case InviteStatusPending:
			// fall through to token verification below.
		default:
			return apperr.New(opConsumeInvite, apperr.KindInternal, fmt.Errorf("unknown invite status %q", invite.Status))
		}

		if subtle.ConstantTimeCompare([]byte(invite.TokenHash), []byte(tokenHash)) != 1 {
			return apperr.New(opConsumeInvite, apperr.KindConflict, errors.New(ReasonTokenMismatch))
		}

		if err := tx.Model(&Invite{}).Where("id = ?", invite.ID).
			Updates(map[string]interface{}{
				"status":           InviteStatusAccepted,
				"accepted_at":      now,
				"accepted_user_id": userID,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}

		memberID, genErr := uuid.NewV7()
		if genErr != nil {
			return genErr
		}
		member := Member{
			ID:          memberID.String(),
			WorkspaceID: invite.WorkspaceID,
			UserID:      userID,
			Role:        invite.Role,
			CreatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).Create(&member).Error; err != nil {
			return err
		}

		if err := identity.SetActiveWorkspaceID(tx, userID, &invite.WorkspaceID); err != nil {
			return err
		}
		workspaceID = invite.WorkspaceID
		return nil
	})

	if txErr != nil {
		var appErr *apperr.Error
		if errors.As(txErr, &appErr) {
			return "", appErr
		}
		s.logError(opConsumeInvite, txErr)
		return "", apperr.New(opConsumeInvite, apperr.KindInternal, txErr)
	}
	return workspaceID, nil
}

// GetWorkspace is an admin-facing read that ignores soft-delete.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	var ws Workspace
	err := s.db.WithContext(ctx).Where("id = ?", workspaceID).Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.New(opGetWorkspace, apperr.KindInternal, err)
	}
	return &ws, nil
}

// GetSetting returns a workspace's server-authored setting value, or nil
// if unset.
func (s *Service) GetSetting(ctx context.Context, workspaceID, key string) (*string, error) {
	var setting Setting
	err := s.db.WithContext(ctx).Where("workspace_id = ? AND key = ?", workspaceID, key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.New(opGetSetting, apperr.KindInternal, err)
	}
	return &setting.Value, nil
}

// SetSetting conflict-safely upserts a workspace setting.
func (s *Service) SetSetting(ctx context.Context, workspaceID, key, value string) error {
	now := s.clock().UTC()
	setting := Setting{WorkspaceID: workspaceID, Key: key, Value: value, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
	if err != nil {
		return apperr.New(opSetSetting, apperr.KindInternal, err)
	}
	return nil
}

func expirePendingInvites(tx *gorm.DB, now time.Time, condition string, args ...interface{}) error {
	query := tx.Model(&Invite{}).Where(condition, args...).
		Where("status = ? AND expires_at <= ?", InviteStatusPending, now)
	return query.Updates(map[string]interface{}{"status": InviteStatusExpired, "updated_at": now}).Error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func generateInviteToken() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := hex.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op)}, fields...)
	attrs = append(attrs, zap.Error(err))
	s.logger.Error(fmt.Sprintf("%s failed", op), attrs...)
}
