package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncgateway/workspace/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opResolveOrCreateUser = "identity.resolve_or_create_user"
	opGetUser             = "identity.get_user"
)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New("identity.new_service", apperr.KindInternal, errors.New("database handle is required"))
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

// ResolveOrCreateUser returns the canonical user id for a (provider,
// provider_user_id) tuple, creating the user and its auth account mapping
// on first sight. Two concurrent callers with identical inputs observe the
// same user id and at most one user row is created: the insert into
// AuthAccount races on its unique index, and only the transaction that wins
// that insert creates the User row. This is a conflict-safe upsert, never a
// read-then-insert.
func (s *Service) ResolveOrCreateUser(ctx context.Context, provider, providerUserID, email, displayName string) (string, error) {
	provider = normalizeProvider(provider)
	providerUserID = strings.TrimSpace(providerUserID)
	if providerUserID == "" {
		return "", apperr.New(opResolveOrCreateUser, apperr.KindValidation, errors.New("provider_user_id is required"))
	}

	candidateUserID, err := uuid.NewV7()
	if err != nil {
		return "", apperr.New(opResolveOrCreateUser, apperr.KindInternal, err)
	}
	accountID, err := uuid.NewV7()
	if err != nil {
		return "", apperr.New(opResolveOrCreateUser, apperr.KindInternal, err)
	}

	var resolvedUserID string
	now := s.clock().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := AuthAccount{
			ID:             accountID.String(),
			UserID:         candidateUserID.String(),
			Provider:       provider,
			ProviderUserID: providerUserID,
			CreatedAt:      now,
		}
		createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
		if createResult.Error != nil {
			return createResult.Error
		}

		if createResult.RowsAffected > 0 {
			user := User{
				ID:          candidateUserID.String(),
				Email:       strings.TrimSpace(email),
				DisplayName: strings.TrimSpace(displayName),
				CreatedAt:   now,
			}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			resolvedUserID = user.ID
			return nil
		}

		var existing AuthAccount
		if err := tx.Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
			Take(&existing).Error; err != nil {
			return err
		}
		resolvedUserID = existing.UserID

		updates := map[string]interface{}{}
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			updates["email"] = trimmed
		}
		if trimmed := strings.TrimSpace(displayName); trimmed != "" {
			updates["display_name"] = trimmed
		}
		if len(updates) > 0 {
			if err := tx.Model(&User{}).Where("id = ?", resolvedUserID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})

	if txErr != nil {
		s.logError(opResolveOrCreateUser, txErr, zap.String("provider", provider))
		return "", apperr.New(opResolveOrCreateUser, apperr.KindInternal, txErr)
	}

	return resolvedUserID, nil
}

// GetUser returns the user mapped to a (provider, provider_user_id) pair, or
// nil if no such mapping exists.
func (s *Service) GetUser(ctx context.Context, provider, providerUserID string) (*User, error) {
	provider = normalizeProvider(provider)
	providerUserID = strings.TrimSpace(providerUserID)

	var account AuthAccount
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetUser, err, zap.String("provider", provider))
		return nil, apperr.New(opGetUser, apperr.KindInternal, err)
	}

	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", account.UserID).Take(&user).Error; err != nil {
		s.logError(opGetUser, err, zap.String("user_id", account.UserID))
		return nil, apperr.New(opGetUser, apperr.KindInternal, err)
	}
	return &user, nil
}

// GetUserByID loads a user by canonical id, or nil if absent.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.New("identity.get_user_by_id", apperr.KindInternal, err)
	}
	return &user, nil
}

// SetActiveWorkspaceID updates a user's active workspace pointer. A nil
// value clears it. Exposed for the workspace service's re-homing logic,
// which must run inside the caller's own transaction.
func SetActiveWorkspaceID(tx *gorm.DB, userID string, workspaceID *string) error {
	return tx.Model(&User{}).Where("id = ?", userID).Update("active_workspace_id", workspaceID).Error
}

func normalizeProvider(provider string) string {
	trimmed := strings.ToLower(strings.TrimSpace(provider))
	if trimmed == "" {
		return "default"
	}
	return trimmed
}

func (s *Service) logError(op string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", op)}, fields...)
	attrs = append(attrs, zap.Error(err))
	s.logger.Error(fmt.Sprintf("%s failed", op), attrs...)
}
