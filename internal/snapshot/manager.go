package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/crdt"
	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	"go.uber.org/zap"
)

const (
	opFlush = "snapshot.flush"
	opRun   = "snapshot.run"

	defaultInterval       = 30 * time.Second
	defaultAlertThreshold = 5

	systemUserID = "system"
)

var (
	errMissingRooms    = errors.New("room source is required")
	errMissingVersions = errors.New("version store is required")
	// ErrNothingToFlush indicates the document has no live room or no
	// unpersisted edits.
	ErrNothingToFlush = errors.New("snapshot: nothing to flush")
)

// RoomSource exposes the live rooms' document state to the flush loop.
// Implemented by the room registry.
type RoomSource interface {
	DirtyDocs() []string
	SnapshotState(docID string) (payload []byte, text string, vector crdt.StateVector, editedBy string, ok bool)
	MarkClean(docID string, vector crdt.StateVector)
}

// ManagerConfig describes manager dependencies and tuning.
type ManagerConfig struct {
	Rooms          RoomSource
	Versions       *version.Store
	Interval       time.Duration
	AlertThreshold int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Manager persists dirty rooms on an interval. Edits are acknowledged from
// memory; the flush loop trails behind, so a failed flush loses nothing and
// is retried on the next tick. Consecutive failures past the alert threshold
// escalate to an error-level log for operator attention.
type Manager struct {
	rooms          RoomSource
	versions       *version.Store
	interval       time.Duration
	alertThreshold int
	clock          func() time.Time
	logger         *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Rooms == nil {
		return nil, fault.New(opFlush, "missing_rooms", errMissingRooms)
	}
	if cfg.Versions == nil {
		return nil, fault.New(opFlush, "missing_versions", errMissingVersions)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	alertThreshold := cfg.AlertThreshold
	if alertThreshold <= 0 {
		alertThreshold = defaultAlertThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rooms:          cfg.Rooms,
		versions:       cfg.Versions,
		interval:       interval,
		alertThreshold: alertThreshold,
		clock:          clock,
		logger:         logger,
		failures:       make(map[string]int),
	}, nil
}

// Run flushes dirty rooms on the configured interval until the context ends.
// A final sweep runs on shutdown so in-flight edits reach the store.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.sweep(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, docID := range m.rooms.DirtyDocs() {
		if err := m.FlushDoc(ctx, docID, "", false); err != nil && !errors.Is(err, ErrNothingToFlush) {
			m.logger.Warn("auto-save flush failed",
				zap.String("operation", opRun),
				zap.String("doc_id", docID),
				zap.Error(err))
		}
	}
}

// FlushDoc persists one document's current room state as a new version.
// Manual flushes record the requesting user and a manual source; automatic
// flushes are attributed to the last editor.
func (m *Manager) FlushDoc(ctx context.Context, docID, requestedBy string, manual bool) error {
	payload, text, vector, editedBy, ok := m.rooms.SnapshotState(docID)
	if !ok {
		return ErrNothingToFlush
	}

	source := version.SourceAuto
	createdBy := editedBy
	if createdBy == "" {
		createdBy = systemUserID
	}
	if manual {
		source = version.SourceManual
		if requestedBy != "" {
			createdBy = requestedBy
		}
	}

	info, err := m.versions.PutSnapshot(ctx, payload)
	if err != nil {
		m.recordFailure(docID, err)
		return err
	}
	if _, err := m.versions.Create(ctx, version.CreateConfig{
		DocID:          docID,
		SnapshotRef:    info.Ref,
		SnapshotSHA256: info.SHA256,
		SizeBytes:      info.SizeBytes,
		CreatedBy:      createdBy,
		Source:         source,
		ContentText:    text,
	}); err != nil {
		m.recordFailure(docID, err)
		return err
	}

	m.rooms.MarkClean(docID, vector)
	m.clearFailures(docID)
	return nil
}

func (m *Manager) recordFailure(docID string, err error) {
	m.mu.Lock()
	m.failures[docID]++
	consecutive := m.failures[docID]
	m.mu.Unlock()

	if consecutive >= m.alertThreshold {
		m.logger.Error("persistence degraded for document",
			zap.String("operation", opFlush),
			zap.String("doc_id", docID),
			zap.Int("consecutive_failures", consecutive),
			zap.Error(err))
		return
	}
	m.logger.Warn("snapshot flush failed",
		zap.String("operation", opFlush),
		zap.String("doc_id", docID),
		zap.Int("consecutive_failures", consecutive),
		zap.Error(err))
}

func (m *Manager) clearFailures(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, docID)
}

// ConsecutiveFailures reports the current failure streak for a document.
func (m *Manager) ConsecutiveFailures(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[docID]
}
