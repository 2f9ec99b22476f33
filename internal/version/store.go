package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/driftpadhq/driftpad/backend/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPutSnapshot   = "version.put_snapshot"
	opFetchSnapshot = "version.fetch_snapshot"
	opCreate        = "version.create"
	opList          = "version.list"
	opGet           = "version.get"
	opLatest        = "version.latest"
	opRestore       = "version.restore"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingDocID    = errors.New("document identifier is required")
	errEmptySnapshot   = errors.New("snapshot payload is empty")
	// ErrVersionNotFound indicates the requested version does not exist.
	ErrVersionNotFound = errors.New("version: not found")
	// ErrSnapshotNotFound indicates the referenced snapshot blob does not exist.
	ErrSnapshotNotFound = errors.New("version: snapshot not found")
	// ErrSnapshotCorrupt indicates stored snapshot bytes no longer match their
	// recorded hash. Corrupted state must never be served.
	ErrSnapshotCorrupt = errors.New("version: snapshot hash mismatch")

	noOpLogger = zap.NewNop()
)

// IDProvider issues new version identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the version store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  notify.Publisher
	Logger     *zap.Logger
}

// Store is the append-only version ledger plus the content-addressed blob
// store behind it. Version numbers are allocated under a per-document mutex
// so concurrent auto-save, manual save, and restore never duplicate or skip
// a number.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  notify.Publisher
	logger     *zap.Logger

	mu       sync.Mutex
	docLocks map[string]*docLock
}

// docLock is a reference-counted per-document mutex. Entries leave the table
// when the last holder releases, so the table tracks in-flight documents
// rather than every document ever written.
type docLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fault.New(opCreate, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = newUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
		docLocks:   make(map[string]*docLock),
	}, nil
}

func (s *Store) acquireLock(docID string) *docLock {
	s.mu.Lock()
	lock, ok := s.docLocks[docID]
	if !ok {
		lock = &docLock{}
		s.docLocks[docID] = lock
	}
	lock.refs++
	s.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (s *Store) releaseLock(docID string, lock *docLock) {
	lock.mu.Unlock()
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.docLocks, docID)
	}
	s.mu.Unlock()
}

// PutSnapshot stores snapshot bytes keyed by their SHA-256. Identical content
// is stored once regardless of how many versions reference it.
func (s *Store) PutSnapshot(ctx context.Context, payload []byte) (SnapshotInfo, error) {
	if len(payload) == 0 {
		return SnapshotInfo{}, fault.New(opPutSnapshot, "empty_payload", errEmptySnapshot)
	}
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])

	blob := SnapshotBlob{
		Ref:              ref,
		Payload:          payload,
		SizeBytes:        int64(len(payload)),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&blob).Error; err != nil {
		s.logError(opPutSnapshot, "blob_insert_failed", err, zap.String("ref", ref))
		return SnapshotInfo{}, fault.New(opPutSnapshot, "blob_insert_failed", err)
	}
	return SnapshotInfo{Ref: ref, SHA256: ref, SizeBytes: int64(len(payload))}, nil
}

// FetchSnapshot loads snapshot bytes by reference and verifies them against
// the recorded hash before returning.
func (s *Store) FetchSnapshot(ctx context.Context, ref string) ([]byte, error) {
	var blob SnapshotBlob
	err := s.db.WithContext(ctx).Where("ref = ?", ref).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.New(opFetchSnapshot, "not_found", ErrSnapshotNotFound)
	}
	if err != nil {
		s.logError(opFetchSnapshot, "query_failed", err, zap.String("ref", ref))
		return nil, fault.New(opFetchSnapshot, "query_failed", err)
	}

	sum := sha256.Sum256(blob.Payload)
	if hex.EncodeToString(sum[:]) != ref {
		s.logError(opFetchSnapshot, "hash_mismatch", ErrSnapshotCorrupt, zap.String("ref", ref))
		return nil, fault.New(opFetchSnapshot, "hash_mismatch", ErrSnapshotCorrupt)
	}
	return blob.Payload, nil
}

// CreateConfig describes a new version row.
type CreateConfig struct {
	DocID                 string
	SnapshotRef           string
	SnapshotSHA256        string
	SizeBytes             int64
	CreatedBy             string
	Source                Source
	ChangeSummary         string
	RestoredFromVersionID string
	ContentText           string
}

// Create appends a version with the next gapless version number for the
// document.
func (s *Store) Create(ctx context.Context, cfg CreateConfig) (DocumentVersion, error) {
	if cfg.DocID == "" {
		return DocumentVersion{}, fault.New(opCreate, "missing_doc_id", errMissingDocID)
	}
	if _, err := ParseSource(string(cfg.Source)); err != nil {
		return DocumentVersion{}, fault.New(opCreate, "invalid_source", err)
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("doc_id", cfg.DocID))
		return DocumentVersion{}, fault.New(opCreate, "id_generation_failed", err)
	}

	// Serialization point: one allocator per document, never spanning documents.
	lock := s.acquireLock(cfg.DocID)
	defer s.releaseLock(cfg.DocID, lock)

	row := DocumentVersion{
		VersionID:             versionID,
		DocID:                 cfg.DocID,
		SnapshotRef:           cfg.SnapshotRef,
		SnapshotSHA256:        cfg.SnapshotSHA256,
		SizeBytes:             cfg.SizeBytes,
		CreatedBy:             cfg.CreatedBy,
		Source:                cfg.Source,
		RestoredFromVersionID: cfg.RestoredFromVersionID,
		ChangeSummary:         cfg.ChangeSummary,
		ContentText:           cfg.ContentText,
		CreatedAtSeconds:      s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var highest int64
		if err := tx.Model(&DocumentVersion{}).
			Where("doc_id = ?", cfg.DocID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&highest).Error; err != nil {
			return fault.New(opCreate, "number_query_failed", err)
		}
		row.VersionNumber = highest + 1
		if err := tx.Create(&row).Error; err != nil {
			return fault.New(opCreate, "version_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, "transaction_failed", txErr, zap.String("doc_id", cfg.DocID))
		return DocumentVersion{}, txErr
	}

	if s.publisher != nil && cfg.CreatedBy != "" {
		s.publisher.Publish(notify.Event{
			UserID:    cfg.CreatedBy,
			EventType: notify.EventVersionCreated,
			DocID:     cfg.DocID,
			VersionID: row.VersionID,
			Timestamp: s.clock().UTC(),
		})
	}
	return row, nil
}

// ListFilter narrows a version listing.
type ListFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	CreatedBy string
}

// List returns the document's versions ordered by version number descending.
func (s *Store) List(ctx context.Context, docID string, filter ListFilter) ([]DocumentVersion, error) {
	query := s.db.WithContext(ctx).Where("doc_id = ?", docID)
	if filter.StartDate != nil {
		query = query.Where("created_at_s >= ?", filter.StartDate.UTC().Unix())
	}
	if filter.EndDate != nil {
		query = query.Where("created_at_s <= ?", filter.EndDate.UTC().Unix())
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}

	var versions []DocumentVersion
	if err := query.Order("version_number DESC").Find(&versions).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("doc_id", docID))
		return nil, fault.New(opList, "query_failed", err)
	}
	return versions, nil
}

// Get loads one version of the document.
func (s *Store) Get(ctx context.Context, docID, versionID string) (DocumentVersion, error) {
	var row DocumentVersion
	err := s.db.WithContext(ctx).
		Where("doc_id = ? AND version_id = ?", docID, versionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentVersion{}, fault.New(opGet, "not_found", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("doc_id", docID), zap.String("version_id", versionID))
		return DocumentVersion{}, fault.New(opGet, "query_failed", err)
	}
	return row, nil
}

// Latest returns the document's highest-numbered version.
func (s *Store) Latest(ctx context.Context, docID string) (DocumentVersion, error) {
	var row DocumentVersion
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("version_number DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentVersion{}, fault.New(opLatest, "not_found", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opLatest, "query_failed", err, zap.String("doc_id", docID))
		return DocumentVersion{}, fault.New(opLatest, "query_failed", err)
	}
	return row, nil
}

// Preceding returns the version immediately before the given version number,
// or ErrVersionNotFound when none exists.
func (s *Store) Preceding(ctx context.Context, docID string, versionNumber int64) (DocumentVersion, error) {
	var row DocumentVersion
	err := s.db.WithContext(ctx).
		Where("doc_id = ? AND version_number < ?", docID, versionNumber).
		Order("version_number DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentVersion{}, fault.New(opGet, "not_found", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("doc_id", docID))
		return DocumentVersion{}, fault.New(opGet, "query_failed", err)
	}
	return row, nil
}

// Restore fetches a historical version's verified snapshot and appends a new
// version referencing it. History is never mutated or deleted: the restored
// content simply becomes the newest version. The returned bytes let a live
// room swap its engine state; for cold rooms the new version is picked up on
// the next bootstrap.
func (s *Store) Restore(ctx context.Context, docID, versionID, callerID string) (DocumentVersion, []byte, error) {
	target, err := s.Get(ctx, docID, versionID)
	if err != nil {
		return DocumentVersion{}, nil, err
	}

	payload, err := s.FetchSnapshot(ctx, target.SnapshotRef)
	if err != nil {
		s.logError(opRestore, "snapshot_fetch_failed", err,
			zap.String("doc_id", docID),
			zap.String("version_id", versionID))
		return DocumentVersion{}, nil, err
	}

	restored, err := s.Create(ctx, CreateConfig{
		DocID:                 docID,
		SnapshotRef:           target.SnapshotRef,
		SnapshotSHA256:        target.SnapshotSHA256,
		SizeBytes:             target.SizeBytes,
		CreatedBy:             callerID,
		Source:                SourceRestore,
		RestoredFromVersionID: target.VersionID,
		ContentText:           target.ContentText,
	})
	if err != nil {
		return DocumentVersion{}, nil, err
	}
	return restored, payload, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("version store error", attrs...)
}
