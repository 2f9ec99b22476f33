package version

import (
	"errors"
	"fmt"
	"strings"
)

// Source enumerates how a version came to exist.
type Source string

const (
	// SourceAuto marks versions created by the periodic snapshot flush.
	SourceAuto Source = "auto"
	// SourceManual marks versions created by an explicit save request.
	SourceManual Source = "manual"
	// SourceRestore marks versions created by restoring an older version.
	SourceRestore Source = "restore"
)

// ErrInvalidSource indicates an unknown version source value.
var ErrInvalidSource = errors.New("version: invalid source")

// ParseSource validates a raw source string.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceAuto:
		return SourceAuto, nil
	case SourceManual:
		return SourceManual, nil
	case SourceRestore:
		return SourceRestore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
}

// DocumentVersion is one immutable row in a document's append-only version
// ledger. Version numbers are strictly increasing and gapless per document.
type DocumentVersion struct {
	VersionID             string `gorm:"column:version_id;primaryKey;size:190;not null"`
	DocID                 string `gorm:"column:doc_id;size:190;not null;uniqueIndex:idx_versions_doc_number,priority:1;index:idx_versions_doc_created,priority:1"`
	VersionNumber         int64  `gorm:"column:version_number;not null;uniqueIndex:idx_versions_doc_number,priority:2"`
	SnapshotRef           string `gorm:"column:snapshot_ref;size:64;not null"`
	SnapshotSHA256        string `gorm:"column:snapshot_sha256;size:64;not null"`
	SizeBytes             int64  `gorm:"column:size_bytes;not null"`
	CreatedBy             string `gorm:"column:created_by;size:190;not null"`
	Source                Source `gorm:"column:source;size:16;not null"`
	RestoredFromVersionID string `gorm:"column:restored_from_version_id;size:190;not null;default:''"`
	ChangeSummary         string `gorm:"column:change_summary;type:text;not null;default:''"`
	ContentText           string `gorm:"column:content_text;type:text;not null;default:''"`
	CreatedAtSeconds      int64  `gorm:"column:created_at_s;not null;index:idx_versions_doc_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

// SnapshotBlob stores snapshot bytes content-addressed by their SHA-256,
// deduplicating identical content across versions.
type SnapshotBlob struct {
	Ref              string `gorm:"column:ref;primaryKey;size:64;not null"`
	Payload          []byte `gorm:"column:payload;type:blob;not null"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotBlob) TableName() string {
	return "snapshot_blobs"
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	Ref       string
	SHA256    string
	SizeBytes int64
}
