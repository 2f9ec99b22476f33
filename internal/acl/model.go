package acl

import (
	"errors"
	"fmt"
	"strings"
)

// Permission enumerates what a user may do with a document.
type Permission string

const (
	// PermissionNone denies all access.
	PermissionNone Permission = "none"
	// PermissionViewer grants read and subscribe access only.
	PermissionViewer Permission = "viewer"
	// PermissionEditor grants read and write access.
	PermissionEditor Permission = "editor"
	// PermissionOwner grants full control including ACL updates.
	PermissionOwner Permission = "owner"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocID = errors.New("acl: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("acl: invalid user id")
	// ErrInvalidPermission indicates an unknown permission value.
	ErrInvalidPermission = errors.New("acl: invalid permission")
)

// ParsePermission validates a raw permission string.
func ParsePermission(raw string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(raw))) {
	case PermissionViewer:
		return PermissionViewer, nil
	case PermissionEditor:
		return PermissionEditor, nil
	case PermissionOwner:
		return PermissionOwner, nil
	case PermissionNone:
		return PermissionNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
}

// CanRead reports whether the permission allows reading and subscribing.
func (p Permission) CanRead() bool {
	return p == PermissionViewer || p == PermissionEditor || p == PermissionOwner
}

// CanWrite reports whether the permission allows merging edits.
func (p Permission) CanWrite() bool {
	return p == PermissionEditor || p == PermissionOwner
}

// DocID represents a validated document identifier.
type DocID string

// NewDocID validates raw input and returns a DocID.
func NewDocID(rawInput string) (DocID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocID, maxIdentifierLength)
	}
	return DocID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Document models an editable document and its ownership.
type Document struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	IsLocked         bool   `gorm:"column:is_locked;not null;default:false"`
	Status           string `gorm:"column:status;size:64;not null;default:'active'"`
	TagsJSON         string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Entry models one user's permission on a document. Exactly one owner entry
// exists per document at all times.
type Entry struct {
	DocID            string     `gorm:"column:doc_id;primaryKey;size:190;not null"`
	UserID           string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Permission       Permission `gorm:"column:permission;size:16;not null"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "acl_entries"
}

// EntryInput is one requested ACL row in an Update call.
type EntryInput struct {
	UserID     UserID
	Permission Permission
}
