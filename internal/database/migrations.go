package database

import (
	"errors"
	"time"

	"github.com/syncgateway/workspace/internal/admin"
	"github.com/syncgateway/workspace/internal/identity"
	syncgw "github.com/syncgateway/workspace/internal/sync"
	"github.com/syncgateway/workspace/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// autoMigrate registers every component's GORM models against the shared
// handle. Components are added here as they are built; this is the single
// place new tables enter the schema.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&migrationRecord{},
		&identity.User{},
		&identity.AuthAccount{},
		&workspace.Workspace{},
		&workspace.Member{},
		&workspace.Invite{},
		&workspace.Setting{},
		&admin.AdminUser{},
		&syncgw.Counter{},
		&syncgw.ChangeLogEntry{},
		&syncgw.DeviceCursor{},
		&syncgw.Tombstone{},
		&syncgw.MaterializedRow{},
	)
}

const migrationNormalizeAuthAccountProvider = "2026-03-01_normalize_auth_account_provider"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAuthAccountProvider, apply: normalizeAuthAccountProvider},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAuthAccountProvider lowercases any provider values persisted by
// earlier, case-sensitive client code, so the uniqueIndex on (provider,
// provider_user_id) cannot be bypassed by casing alone.
func normalizeAuthAccountProvider(db *gorm.DB) error {
	return db.Exec("UPDATE sync_auth_accounts SET provider = LOWER(provider)").Error
}
