package database

import (
	"path/filepath"
	"testing"

	"github.com/driftpadhq/driftpad/backend/internal/acl"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesLegacyPermissions(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&acl.Entry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacyRows := []acl.Entry{
		{DocID: "doc-1", UserID: "user-1", Permission: "read"},
		{DocID: "doc-1", UserID: "user-2", Permission: "write"},
		{DocID: "doc-1", UserID: "user-3", Permission: acl.PermissionOwner},
	}
	for _, row := range legacyRows {
		if err := database.Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert entry: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]acl.Permission{
		"user-1": acl.PermissionViewer,
		"user-2": acl.PermissionEditor,
		"user-3": acl.PermissionOwner,
	}
	for userID, want := range expected {
		var stored acl.Entry
		if err := database.Where("doc_id = ? AND user_id = ?", "doc-1", userID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload entry: %v", err)
		}
		if stored.Permission != want {
			testContext.Fatalf("expected %s for %s, got %s", want, userID, stored.Permission)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeLegacyPermissions).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}
