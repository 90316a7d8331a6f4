package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/syncgateway/workspace/internal/identity"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesAuthAccountProvider(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := db.AutoMigrate(&identity.User{}, &identity.AuthAccount{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	user := identity.User{ID: "user-1", Email: "user@example.com", CreatedAt: time.Now().UTC()}
	if err := db.Create(&user).Error; err != nil {
		testContext.Fatalf("failed to insert user: %v", err)
	}
	account := identity.AuthAccount{
		Provider:       "GOOGLE",
		ProviderUserID: "provider-1",
		UserID:         user.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.Create(&account).Error; err != nil {
		testContext.Fatalf("failed to insert auth account: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored identity.AuthAccount
	if err := db.Where("provider_user_id = ?", account.ProviderUserID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload auth account: %v", err)
	}
	if stored.Provider != "google" {
		testContext.Fatalf("expected provider to be normalized to lowercase, got %q", stored.Provider)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationNormalizeAuthAccountProvider).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
