package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/awareness"
	"github.com/driftpadhq/driftpad/backend/internal/crdt"
	"github.com/driftpadhq/driftpad/backend/internal/fault"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	"go.uber.org/zap"
)

const (
	opBootstrap = "room.bootstrap"
	opTeardown  = "room.teardown"

	defaultIdleGrace = 60 * time.Second
	serverActor      = "server"
)

var (
	errMissingVersionStore = errors.New("version store is required")
	errRoomClosed          = errors.New("room: torn down")
)

// Flusher persists a room's unpersisted edits. Implemented by the snapshot
// manager; wired after construction to break the dependency cycle between
// rooms and persistence.
type Flusher interface {
	FlushDoc(ctx context.Context, docID, requestedBy string, manual bool) error
}

// RegistryConfig describes registry dependencies and tuning.
type RegistryConfig struct {
	Versions         *version.Store
	IdleGrace        time.Duration
	AwarenessTimeout time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Registry owns the live rooms. Rooms are created lazily on first join,
// bootstrapped from the latest persisted version, and torn down after a grace
// period with no members.
type Registry struct {
	versions         *version.Store
	idleGrace        time.Duration
	awarenessTimeout time.Duration
	clock            func() time.Time
	logger           *zap.Logger

	mu      sync.Mutex
	rooms   map[string]*Room
	flusher Flusher
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Versions == nil {
		return nil, fault.New(opBootstrap, "missing_version_store", errMissingVersionStore)
	}
	idleGrace := cfg.IdleGrace
	if idleGrace <= 0 {
		idleGrace = defaultIdleGrace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		versions:         cfg.Versions,
		idleGrace:        idleGrace,
		awarenessTimeout: cfg.AwarenessTimeout,
		clock:            clock,
		logger:           logger,
		rooms:            make(map[string]*Room),
	}, nil
}

// SetFlusher wires the persistence hook used for teardown flushes.
func (reg *Registry) SetFlusher(flusher Flusher) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.flusher = flusher
}

// Room returns the live room for the document, if any.
func (reg *Registry) Room(docID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	liveRoom, ok := reg.rooms[docID]
	return liveRoom, ok
}

// DirtyDocs lists documents whose rooms hold unpersisted edits.
func (reg *Registry) DirtyDocs() []string {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, liveRoom := range reg.rooms {
		rooms = append(rooms, liveRoom)
	}
	reg.mu.Unlock()

	var dirty []string
	for _, liveRoom := range rooms {
		if liveRoom.Dirty() {
			dirty = append(dirty, liveRoom.DocID())
		}
	}
	return dirty
}

// SnapshotState encodes the named room's document for persistence.
func (reg *Registry) SnapshotState(docID string) (payload []byte, text string, vector crdt.StateVector, editedBy string, ok bool) {
	liveRoom, found := reg.Room(docID)
	if !found {
		return nil, "", nil, "", false
	}
	return liveRoom.SnapshotState()
}

// MarkClean clears the named room's dirty flag at the given vector.
func (reg *Registry) MarkClean(docID string, vector crdt.StateVector) {
	if liveRoom, ok := reg.Room(docID); ok {
		liveRoom.MarkClean(vector)
	}
}

// ReplaceState swaps a live room's document for restored snapshot bytes.
// A cold document needs nothing: the next bootstrap reads the new version.
func (reg *Registry) ReplaceState(docID string, snapshot []byte) error {
	liveRoom, ok := reg.Room(docID)
	if !ok {
		return nil
	}
	return liveRoom.ReplaceState(snapshot)
}

// roomFor returns the live room for the document, bootstrapping one from the
// latest persisted version when the document is cold.
func (reg *Registry) roomFor(ctx context.Context, docID string) (*Room, error) {
	reg.mu.Lock()
	if liveRoom, ok := reg.rooms[docID]; ok {
		reg.mu.Unlock()
		liveRoom.cancelTeardown()
		return liveRoom, nil
	}
	reg.mu.Unlock()

	engine, err := reg.bootstrapEngine(ctx, docID)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	// Another join may have raced the bootstrap.
	if liveRoom, ok := reg.rooms[docID]; ok {
		return liveRoom, nil
	}
	broker := awareness.NewBroker(awareness.BrokerConfig{
		Timeout: reg.awarenessTimeout,
		Clock:   reg.clock,
	})
	liveRoom := newRoom(docID, engine, broker, reg.logger)
	reg.rooms[docID] = liveRoom
	return liveRoom, nil
}

// bootstrapEngine seeds an engine from the latest persisted version. A
// document with no versions starts empty. A snapshot that fails hash
// verification also starts empty, loudly: serving corrupted state would
// poison every replica that syncs against it.
func (reg *Registry) bootstrapEngine(ctx context.Context, docID string) (*crdt.Engine, error) {
	engine, err := crdt.NewEngine(serverActor)
	if err != nil {
		return nil, fault.New(opBootstrap, "engine_init_failed", err)
	}

	latest, err := reg.versions.Latest(ctx, docID)
	if errors.Is(err, version.ErrVersionNotFound) {
		return engine, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := reg.versions.FetchSnapshot(ctx, latest.SnapshotRef)
	if err != nil {
		if errors.Is(err, version.ErrSnapshotCorrupt) || errors.Is(err, version.ErrSnapshotNotFound) {
			reg.logger.Error("bootstrap snapshot unusable, starting empty",
				zap.String("operation", opBootstrap),
				zap.String("doc_id", docID),
				zap.String("version_id", latest.VersionID),
				zap.Error(err))
			return engine, nil
		}
		return nil, err
	}

	if _, err := engine.ApplyUpdate(payload); err != nil {
		reg.logger.Error("bootstrap snapshot undecodable, starting empty",
			zap.String("operation", opBootstrap),
			zap.String("doc_id", docID),
			zap.String("version_id", latest.VersionID),
			zap.Error(err))
		fresh, freshErr := crdt.NewEngine(serverActor)
		if freshErr != nil {
			return nil, fault.New(opBootstrap, "engine_init_failed", freshErr)
		}
		return fresh, nil
	}
	return engine, nil
}

// join places the session in the document's room and returns the seed
// envelopes. When the idle-grace timer wins the race and tears the room down
// between lookup and join, the lookup is retried against a fresh room.
func (reg *Registry) join(ctx context.Context, docID string, sess *session, clientVector crdt.StateVector) (*Room, []Envelope, error) {
	for {
		liveRoom, err := reg.roomFor(ctx, docID)
		if err != nil {
			return nil, nil, err
		}
		seed, err := liveRoom.join(sess, clientVector)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return liveRoom, seed, nil
	}
}

// leave removes the session from its room and schedules teardown when the
// room empties.
func (reg *Registry) leave(liveRoom *Room, clientID string) {
	if !liveRoom.leave(clientID) {
		return
	}
	reg.scheduleTeardown(liveRoom)
}

func (reg *Registry) scheduleTeardown(liveRoom *Room) {
	liveRoom.mu.Lock()
	defer liveRoom.mu.Unlock()
	if liveRoom.closed || len(liveRoom.sessions) > 0 {
		return
	}
	if liveRoom.teardown != nil {
		liveRoom.teardown.Stop()
	}
	liveRoom.teardown = time.AfterFunc(reg.idleGrace, func() {
		reg.teardownIfIdle(liveRoom.docID)
	})
}

// teardownIfIdle flushes and removes the room when it is still empty after
// the grace period. A rejoin during the flush aborts the removal.
func (reg *Registry) teardownIfIdle(docID string) {
	liveRoom, ok := reg.Room(docID)
	if !ok || liveRoom.MemberCount() > 0 {
		return
	}

	reg.mu.Lock()
	flusher := reg.flusher
	reg.mu.Unlock()

	if flusher != nil && liveRoom.Dirty() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := flusher.FlushDoc(ctx, docID, "", false); err != nil {
			reg.logger.Error("teardown flush failed, keeping room resident",
				zap.String("operation", opTeardown),
				zap.String("doc_id", docID),
				zap.Error(err))
			// Unpersisted edits stay in memory; retry on the next sweep.
			reg.scheduleTeardown(liveRoom)
			return
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	liveRoom.mu.Lock()
	defer liveRoom.mu.Unlock()
	if len(liveRoom.sessions) > 0 || liveRoom.dirty {
		return
	}
	liveRoom.closed = true
	delete(reg.rooms, docID)
}

// Run sweeps stale awareness entries until the context ends. The sweep
// cadence is half the awareness timeout.
func (reg *Registry) Run(ctx context.Context) {
	timeout := reg.awarenessTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.mu.Lock()
			rooms := make([]*Room, 0, len(reg.rooms))
			for _, liveRoom := range reg.rooms {
				rooms = append(rooms, liveRoom)
			}
			reg.mu.Unlock()
			for _, liveRoom := range rooms {
				liveRoom.evictStaleAwareness()
			}
		}
	}
}
