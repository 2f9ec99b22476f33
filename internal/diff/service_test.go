package diff

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/crdt"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence int

func mustVersionStore(t *testing.T) *version.Store {
	t.Helper()
	testDatabaseSequence++
	dsn := fmt.Sprintf("file:diff_test_%d?mode=memory&cache=shared", testDatabaseSequence)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&version.DocumentVersion{}, &version.SnapshotBlob{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := version.NewStore(version.StoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustVersionWithText(t *testing.T, store *version.Store, docID, text string, cacheText bool) version.DocumentVersion {
	t.Helper()
	engine, err := crdt.NewEngine("author")
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	if text != "" {
		if _, err := engine.LocalInsert(0, text); err != nil {
			t.Fatalf("local insert failed: %v", err)
		}
	}
	snapshot, err := engine.EncodeFullState()
	if err != nil {
		t.Fatalf("encode snapshot failed: %v", err)
	}
	info, err := store.PutSnapshot(context.Background(), snapshot)
	if err != nil {
		t.Fatalf("put snapshot failed: %v", err)
	}
	cached := ""
	if cacheText {
		cached = text
	}
	row, err := store.Create(context.Background(), version.CreateConfig{
		DocID:          docID,
		SnapshotRef:    info.Ref,
		SnapshotSHA256: info.SHA256,
		SizeBytes:      info.SizeBytes,
		CreatedBy:      "author",
		Source:         version.SourceAuto,
		ContentText:    cached,
	})
	if err != nil {
		t.Fatalf("create version failed: %v", err)
	}
	return row
}

func TestDiffAgainstPrecedingVersionByDefault(t *testing.T) {
	store := mustVersionStore(t)
	service, err := NewService(ServiceConfig{Versions: store})
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	first := mustVersionWithText(t, store, "doc-1", "hello\n", true)
	second := mustVersionWithText(t, store, "doc-1", "hello\nworld\n", true)

	result, err := service.Diff(context.Background(), "doc-1", second.VersionID, "")
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if result.BaseVersionID != first.VersionID {
		t.Fatalf("expected base to default to preceding version")
	}
	if Reconstruct(result.Segments) != "hello\nworld\n" {
		t.Fatalf("reconstruction mismatch: %+v", result.Segments)
	}
}

func TestDiffFirstVersionAgainstEmpty(t *testing.T) {
	store := mustVersionStore(t)
	service, err := NewService(ServiceConfig{Versions: store})
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	first := mustVersionWithText(t, store, "doc-1", "initial\n", true)
	result, err := service.Diff(context.Background(), "doc-1", first.VersionID, "")
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if result.BaseVersionID != "" {
		t.Fatalf("expected empty base for first version")
	}
	if len(result.Segments) != 1 || result.Segments[0].Op != SegmentInsert {
		t.Fatalf("expected pure insert, got %+v", result.Segments)
	}
}

func TestDiffSameVersionIsEmptyDelta(t *testing.T) {
	store := mustVersionStore(t)
	service, err := NewService(ServiceConfig{Versions: store})
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	row := mustVersionWithText(t, store, "doc-1", "stable\ncontent\n", true)
	result, err := service.Diff(context.Background(), "doc-1", row.VersionID, row.VersionID)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	for _, segment := range result.Segments {
		if segment.Op != SegmentEqual {
			t.Fatalf("expected empty delta, got %+v", result.Segments)
		}
	}
}

func TestDiffDecodesSnapshotWhenTextNotCached(t *testing.T) {
	store := mustVersionStore(t)
	service, err := NewService(ServiceConfig{Versions: store})
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	row := mustVersionWithText(t, store, "doc-1", "decoded from snapshot\n", false)
	result, err := service.Diff(context.Background(), "doc-1", row.VersionID, "")
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if Reconstruct(result.Segments) != "decoded from snapshot\n" {
		t.Fatalf("snapshot decode mismatch: %+v", result.Segments)
	}
}
