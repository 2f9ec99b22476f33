package acl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/driftpadhq/driftpad/backend/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateDocument = "acl.create_document"
	opGetDocument    = "acl.get_document"
	opResolve        = "acl.resolve"
	opUpdate         = "acl.update"
	opListEntries    = "acl.list_entries"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrDocumentNotFound indicates the document does not exist.
	ErrDocumentNotFound = errors.New("acl: document not found")
	// ErrNotOwner indicates the caller lacks owner permission for the operation.
	ErrNotOwner = errors.New("acl: caller is not the document owner")
	// ErrOwnerRequired indicates an ACL update would drop the sole owner entry.
	ErrOwnerRequired = errors.New("acl: update must retain the owner entry")
	// ErrExtraOwner indicates an ACL update would grant owner to a second user.
	ErrExtraOwner = errors.New("acl: only one owner entry is allowed")

	noOpLogger = zap.NewNop()
)

// IDProvider issues new document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// GuardConfig describes the dependencies of the ACL guard.
type GuardConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  notify.Publisher
	Logger     *zap.Logger
}

// Guard resolves and maintains document permissions.
type Guard struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  notify.Publisher
	logger     *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Database == nil {
		return nil, fault.New(opCreateDocument, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Guard{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// CreateDocumentConfig describes a new document.
type CreateDocumentConfig struct {
	DocID   DocID
	OwnerID UserID
	Status  string
	Tags    []string
}

// CreateDocument persists a document and seeds its owner ACL entry.
func (g *Guard) CreateDocument(ctx context.Context, cfg CreateDocumentConfig) (Document, error) {
	docID := cfg.DocID.String()
	if docID == "" {
		generated, err := g.idProvider.NewID()
		if err != nil {
			g.logError(opCreateDocument, "id_generation_failed", err)
			return Document{}, fault.New(opCreateDocument, "id_generation_failed", err)
		}
		docID = generated
	}
	if cfg.OwnerID == "" {
		return Document{}, fault.New(opCreateDocument, "missing_owner", ErrInvalidUserID)
	}

	status := cfg.Status
	if status == "" {
		status = "active"
	}
	tags := cfg.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Document{}, fault.New(opCreateDocument, "tags_encode_failed", err)
	}

	now := g.clock().UTC().Unix()
	document := Document{
		DocID:            docID,
		OwnerID:          cfg.OwnerID.String(),
		Status:           status,
		TagsJSON:         string(tagsJSON),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return fault.New(opCreateDocument, "document_insert_failed", err)
		}
		ownerEntry := Entry{
			DocID:            docID,
			UserID:           cfg.OwnerID.String(),
			Permission:       PermissionOwner,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&ownerEntry).Error; err != nil {
			return fault.New(opCreateDocument, "owner_entry_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		g.logError(opCreateDocument, "transaction_failed", txErr, zap.String("doc_id", docID))
		return Document{}, txErr
	}
	return document, nil
}

// GetDocument loads a document by identifier.
func (g *Guard) GetDocument(ctx context.Context, docID DocID) (Document, error) {
	var document Document
	err := g.db.WithContext(ctx).Where("doc_id = ?", docID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, fault.New(opGetDocument, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		g.logError(opGetDocument, "query_failed", err, zap.String("doc_id", docID.String()))
		return Document{}, fault.New(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// Resolve returns the user's permission on the document. Unknown documents
// yield ErrDocumentNotFound; unknown users yield PermissionNone.
func (g *Guard) Resolve(ctx context.Context, docID DocID, userID UserID) (Permission, error) {
	document, err := g.GetDocument(ctx, docID)
	if err != nil {
		return PermissionNone, err
	}
	if document.OwnerID == userID.String() {
		return PermissionOwner, nil
	}

	var entry Entry
	err = g.db.WithContext(ctx).
		Where("doc_id = ? AND user_id = ?", docID.String(), userID.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PermissionNone, nil
	}
	if err != nil {
		g.logError(opResolve, "query_failed", err,
			zap.String("doc_id", docID.String()),
			zap.String("user_id", userID.String()))
		return PermissionNone, fault.New(opResolve, "query_failed", err)
	}
	if !entry.Permission.CanRead() {
		return PermissionNone, nil
	}
	return entry.Permission, nil
}

// Update replaces the document's editor/viewer set. Only the owner may call
// it, the owner entry must be retained, and duplicate user ids collapse to
// the last entry in the request.
func (g *Guard) Update(ctx context.Context, docID DocID, callerID UserID, entries []EntryInput) ([]Entry, error) {
	document, err := g.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if document.OwnerID != callerID.String() {
		g.logger.Warn("acl update rejected",
			zap.String("doc_id", docID.String()),
			zap.String("caller_id", callerID.String()),
			zap.String("reason", "not_owner"))
		return nil, fault.New(opUpdate, "not_owner", ErrNotOwner)
	}

	// Last entry for a given user id wins.
	deduped := make([]EntryInput, 0, len(entries))
	seenAt := make(map[UserID]int, len(entries))
	for _, entry := range entries {
		if entry.UserID == "" {
			return nil, fault.New(opUpdate, "invalid_user_id", ErrInvalidUserID)
		}
		if at, ok := seenAt[entry.UserID]; ok {
			deduped[at] = entry
			continue
		}
		seenAt[entry.UserID] = len(deduped)
		deduped = append(deduped, entry)
	}

	ownerRetained := false
	for _, entry := range deduped {
		if entry.Permission == PermissionOwner {
			if entry.UserID.String() != document.OwnerID {
				return nil, fault.New(opUpdate, "extra_owner", ErrExtraOwner)
			}
			ownerRetained = true
			continue
		}
		if entry.Permission != PermissionEditor && entry.Permission != PermissionViewer {
			return nil, fault.New(opUpdate, "invalid_permission", ErrInvalidPermission)
		}
		if entry.UserID.String() == document.OwnerID {
			// Demoting the owner would drop the sole owner entry.
			return nil, fault.New(opUpdate, "owner_required", ErrOwnerRequired)
		}
	}
	if !ownerRetained {
		return nil, fault.New(opUpdate, "owner_required", ErrOwnerRequired)
	}

	now := g.clock().UTC().Unix()
	stored := make([]Entry, 0, len(deduped))
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_id = ?", docID.String()).Delete(&Entry{}).Error; err != nil {
			return fault.New(opUpdate, "clear_failed", err)
		}
		for _, input := range deduped {
			entry := Entry{
				DocID:            docID.String(),
				UserID:           input.UserID.String(),
				Permission:       input.Permission,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fault.New(opUpdate, "entry_insert_failed", err)
			}
			stored = append(stored, entry)
		}
		return nil
	})
	if txErr != nil {
		g.logError(opUpdate, "transaction_failed", txErr, zap.String("doc_id", docID.String()))
		return nil, txErr
	}

	if g.publisher != nil {
		for _, entry := range stored {
			g.publisher.Publish(notify.Event{
				UserID:    entry.UserID,
				EventType: notify.EventACLChanged,
				DocID:     docID.String(),
				Timestamp: g.clock().UTC(),
			})
		}
	}
	return stored, nil
}

// ListEntries returns the document's ACL ordered by user id.
func (g *Guard) ListEntries(ctx context.Context, docID DocID) ([]Entry, error) {
	if _, err := g.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	var entries []Entry
	if err := g.db.WithContext(ctx).
		Where("doc_id = ?", docID.String()).
		Order("user_id ASC").
		Find(&entries).Error; err != nil {
		g.logError(opListEntries, "query_failed", err, zap.String("doc_id", docID.String()))
		return nil, fault.New(opListEntries, "query_failed", err)
	}
	return entries, nil
}

func (g *Guard) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("acl guard error", attrs...)
}
