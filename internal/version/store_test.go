package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence int

func mustStore(t *testing.T) *Store {
	t.Helper()
	testDatabaseSequence++
	dsn := fmt.Sprintf("file:version_test_%d?mode=memory&cache=shared", testDatabaseSequence)
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&DocumentVersion{}, &SnapshotBlob{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
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

func mustPut(t *testing.T, store *Store, payload []byte) SnapshotInfo {
	t.Helper()
	info, err := store.PutSnapshot(context.Background(), payload)
	if err != nil {
		t.Fatalf("put snapshot failed: %v", err)
	}
	return info
}

func mustCreate(t *testing.T, store *Store, docID string, info SnapshotInfo, source Source) DocumentVersion {
	t.Helper()
	row, err := store.Create(context.Background(), CreateConfig{
		DocID:          docID,
		SnapshotRef:    info.Ref,
		SnapshotSHA256: info.SHA256,
		SizeBytes:      info.SizeBytes,
		CreatedBy:      "user-1",
		Source:         source,
	})
	if err != nil {
		t.Fatalf("create version failed: %v", err)
	}
	return row
}

func TestPutSnapshotRoundTrip(t *testing.T) {
	store := mustStore(t)
	payload := []byte(`{"v":1,"ops":[]}`)

	info := mustPut(t, store, payload)
	sum := sha256.Sum256(payload)
	if info.Ref != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected ref: %s", info.Ref)
	}

	fetched, err := store.FetchSnapshot(context.Background(), info.Ref)
	if err != nil {
		t.Fatalf("fetch snapshot failed: %v", err)
	}
	if string(fetched) != string(payload) {
		t.Fatalf("round trip payload mismatch")
	}
}

func TestPutSnapshotDeduplicatesIdenticalContent(t *testing.T) {
	store := mustStore(t)
	payload := []byte("identical bytes")

	first := mustPut(t, store, payload)
	second := mustPut(t, store, payload)
	if first.Ref != second.Ref {
		t.Fatalf("expected identical refs, got %s vs %s", first.Ref, second.Ref)
	}

	var count int64
	if err := store.db.Model(&SnapshotBlob{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single stored blob, got %d", count)
	}
}

func TestFetchSnapshotDetectsCorruption(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte("pristine"))

	if err := store.db.Model(&SnapshotBlob{}).
		Where("ref = ?", info.Ref).
		Update("payload", []byte("tampered")).Error; err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err := store.FetchSnapshot(context.Background(), info.Ref)
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte("snapshot"))

	for expected := int64(1); expected <= 3; expected++ {
		row := mustCreate(t, store, "doc-1", info, SourceAuto)
		if row.VersionNumber != expected {
			t.Fatalf("expected version %d, got %d", expected, row.VersionNumber)
		}
	}

	// Numbering is per document.
	other := mustCreate(t, store, "doc-2", info, SourceAuto)
	if other.VersionNumber != 1 {
		t.Fatalf("expected independent numbering, got %d", other.VersionNumber)
	}
}

func TestCreateConcurrentFlushesStayGapless(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte("snapshot"))

	const writers = 16
	var wg sync.WaitGroup
	numbers := make([]int64, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			row, err := store.Create(context.Background(), CreateConfig{
				DocID:          "doc-1",
				SnapshotRef:    info.Ref,
				SnapshotSHA256: info.SHA256,
				SizeBytes:      info.SizeBytes,
				CreatedBy:      "user-1",
				Source:         SourceAuto,
			})
			numbers[slot] = row.VersionNumber
			errs[slot] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, number := range numbers {
		if number != int64(i+1) {
			t.Fatalf("expected gapless sequence 1..%d, got %v", writers, numbers)
		}
	}
}

func TestListOrdersAndFilters(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte("snapshot"))
	mustCreate(t, store, "doc-1", info, SourceAuto)
	mustCreate(t, store, "doc-1", info, SourceManual)

	if _, err := store.Create(context.Background(), CreateConfig{
		DocID:          "doc-1",
		SnapshotRef:    info.Ref,
		SnapshotSHA256: info.SHA256,
		SizeBytes:      info.SizeBytes,
		CreatedBy:      "user-2",
		Source:         SourceManual,
	}); err != nil {
		t.Fatalf("create version failed: %v", err)
	}

	versions, err := store.List(context.Background(), "doc-1", ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i-1].VersionNumber <= versions[i].VersionNumber {
			t.Fatalf("expected descending order, got %v", versions)
		}
	}

	filtered, err := store.List(context.Background(), "doc-1", ListFilter{CreatedBy: "user-2"})
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].CreatedBy != "user-2" {
		t.Fatalf("unexpected filtered result: %+v", filtered)
	}
}

func TestGetUnknownVersionFails(t *testing.T) {
	store := mustStore(t)
	_, err := store.Get(context.Background(), "doc-1", "missing")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRestoreAppendsNewVersion(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte("historic content"))
	target := mustCreate(t, store, "doc-1", info, SourceAuto)
	mustCreate(t, store, "doc-1", mustPut(t, store, []byte("newer content")), SourceAuto)

	restored, payload, err := store.Restore(context.Background(), "doc-1", target.VersionID, "user-1")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.VersionNumber != 3 {
		t.Fatalf("expected restore to append version 3, got %d", restored.VersionNumber)
	}
	if restored.Source != SourceRestore {
		t.Fatalf("expected restore source, got %s", restored.Source)
	}
	if restored.RestoredFromVersionID != target.VersionID {
		t.Fatalf("expected restored_from to reference target version")
	}
	if restored.SnapshotSHA256 != target.SnapshotSHA256 {
		t.Fatalf("expected restored content to match target")
	}
	if string(payload) != "historic content" {
		t.Fatalf("unexpected restored payload: %q", payload)
	}

	// History is append-only: the target version is untouched.
	unchanged, err := store.Get(context.Background(), "doc-1", target.VersionID)
	if err != nil {
		t.Fatalf("get target failed: %v", err)
	}
	if unchanged.VersionNumber != target.VersionNumber || unchanged.Source != SourceAuto {
		t.Fatalf("restore mutated history: %+v", unchanged)
	}
}

func TestDocLocksReleasedAfterCreate(t *testing.T) {
	store := mustStore(t)
	info := mustPut(t, store, []byte(`{"v":1,"ops":[]}`))
	for _, docID := range []string{"doc-1", "doc-2", "doc-3"} {
		mustCreate(t, store, docID, info, SourceAuto)
	}

	store.mu.Lock()
	held := len(store.docLocks)
	store.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected empty lock table after creates, got %d entries", held)
	}
}
