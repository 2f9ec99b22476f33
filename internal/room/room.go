package room

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/acl"
	"github.com/driftpadhq/driftpad/backend/internal/awareness"
	"github.com/driftpadhq/driftpad/backend/internal/crdt"
	"go.uber.org/zap"
)

// session is one connected client inside a room. The send channel is drained
// by the socket's write pump; a full channel marks the client as too slow and
// it gets disconnected rather than blocking the room.
type session struct {
	clientID   string
	userID     string
	permission acl.Permission
	send       chan []byte
}

// Room holds the live replica for one document: the CRDT engine, the presence
// broker, and the connected sessions. All state transitions happen under one
// mutex, which keeps update application, broadcast ordering, and snapshot
// encoding mutually consistent.
type Room struct {
	docID  string
	logger *zap.Logger

	mu            sync.Mutex
	engine        *crdt.Engine
	broker        *awareness.Broker
	sessions      map[string]*session
	dirty         bool
	lastEditor    string
	droppedWrites int64
	teardown      *time.Timer
	closed        bool
}

func newRoom(docID string, engine *crdt.Engine, broker *awareness.Broker, logger *zap.Logger) *Room {
	return &Room{
		docID:    docID,
		logger:   logger,
		engine:   engine,
		broker:   broker,
		sessions: make(map[string]*session),
	}
}

// DocID returns the document this room serves.
func (r *Room) DocID() string {
	return r.docID
}

// cancelTeardown stops a pending idle-grace timer, if any.
func (r *Room) cancelTeardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}
}

// join registers the session and returns the envelopes that seed it: a sync
// frame (full state, or a delta when the client supplied a state vector) and
// the current presence roster. Pending teardown is cancelled.
func (r *Room) join(sess *session, clientVector crdt.StateVector) ([]Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The teardown timer can fire between roomFor handing this room out and
	// the join envelope arriving. Joining a closed room would strand the
	// session in a replica the registry no longer tracks.
	if r.closed {
		return nil, errRoomClosed
	}

	if r.teardown != nil {
		r.teardown.Stop()
		r.teardown = nil
	}
	r.sessions[sess.clientID] = sess

	var payload []byte
	var err error
	if len(clientVector) > 0 {
		payload, err = r.engine.EncodeDelta(clientVector)
	} else {
		payload, err = r.engine.EncodeFullState()
	}
	if err != nil {
		return nil, err
	}

	envelopes := []Envelope{
		{
			Type:        MessageTypeSync,
			DocID:       r.docID,
			UpdateB64:   base64.StdEncoding.EncodeToString(payload),
			StateVector: r.engine.StateVector(),
		},
		{
			Type:  MessageTypePresence,
			DocID: r.docID,
			Peers: r.broker.Snapshot(),
		},
	}
	return envelopes, nil
}

// leave removes the session and its presence, announcing the departure to the
// remaining members. Reports whether the room is now empty.
func (r *Room) leave(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[clientID]; !ok {
		return len(r.sessions) == 0
	}
	delete(r.sessions, clientID)
	if r.broker.Remove(clientID) {
		r.broadcastLocked(Envelope{
			Type:  MessageTypePresence,
			DocID: r.docID,
			Peers: r.broker.Snapshot(),
		}, clientID)
	}
	return len(r.sessions) == 0
}

// applyUpdate integrates one update frame from an editor and rebroadcasts it
// to every other member. Frames from read-only sessions are dropped without
// touching the document.
func (r *Room) applyUpdate(sess *session, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sess.permission.CanWrite() {
		r.droppedWrites++
		r.logger.Warn("dropped update from read-only session",
			zap.String("doc_id", r.docID),
			zap.String("user_id", sess.userID),
			zap.Int64("dropped_total", r.droppedWrites))
		return nil
	}

	integrated, err := r.engine.ApplyUpdate(frame)
	if err != nil {
		return err
	}
	if integrated == 0 {
		return nil
	}
	r.dirty = true
	r.lastEditor = sess.userID

	r.broadcastLocked(Envelope{
		Type:      MessageTypeUpdate,
		DocID:     r.docID,
		UserID:    sess.userID,
		UpdateB64: base64.StdEncoding.EncodeToString(frame),
	}, sess.clientID)
	return nil
}

// applyAwareness records the presence update and fans it out to the other
// members. The client and user ids come from the authenticated session, not
// from the payload.
func (r *Room) applyAwareness(sess *session, state awareness.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state.ClientID = sess.clientID
	state.UserID = sess.userID
	r.broker.Apply(state)

	r.broadcastLocked(Envelope{
		Type:      MessageTypeAwareness,
		DocID:     r.docID,
		UserID:    sess.userID,
		Awareness: &state,
	}, sess.clientID)
}

// heartbeat refreshes the session's presence liveness.
func (r *Room) heartbeat(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broker.Heartbeat(sess.clientID)
}

// evictStaleAwareness drops presence entries idle past the broker timeout and
// announces the new roster when anything was evicted.
func (r *Room) evictStaleAwareness() {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := r.broker.EvictStale()
	if len(evicted) == 0 {
		return
	}
	r.broadcastLocked(Envelope{
		Type:  MessageTypePresence,
		DocID: r.docID,
		Peers: r.broker.Snapshot(),
	}, "")
}

// broadcastLocked fans an envelope out to every member except the one named.
// Callers must hold r.mu. Slow members with a full send buffer are skipped;
// their read pump will notice the closed socket soon enough.
func (r *Room) broadcastLocked(envelope Envelope, exceptClientID string) {
	payload, err := encodeEnvelope(envelope)
	if err != nil {
		r.logger.Error("failed to encode broadcast envelope",
			zap.String("doc_id", r.docID),
			zap.Error(err))
		return
	}
	for clientID, member := range r.sessions {
		if clientID == exceptClientID {
			continue
		}
		select {
		case member.send <- payload:
		default:
			r.logger.Warn("dropping broadcast to slow client",
				zap.String("doc_id", r.docID),
				zap.String("client_id", clientID))
		}
	}
}

// SnapshotState encodes the current document for persistence. It returns the
// canonical snapshot bytes, the plain text, the state vector at encode time,
// and the user who last edited. ok is false when the document is clean.
func (r *Room) SnapshotState() (payload []byte, text string, vector crdt.StateVector, editedBy string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil, "", nil, "", false
	}
	encoded, err := r.engine.EncodeFullState()
	if err != nil {
		r.logger.Error("failed to encode snapshot",
			zap.String("doc_id", r.docID),
			zap.Error(err))
		return nil, "", nil, "", false
	}
	return encoded, r.engine.Text(), r.engine.StateVector(), r.lastEditor, true
}

// MarkClean clears the dirty flag if the document has not advanced past the
// given vector since the snapshot was encoded.
func (r *Room) MarkClean(vector crdt.StateVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.engine.StateVector()
	if len(current) != len(vector) {
		return
	}
	for actor, counter := range current {
		if vector[actor] != counter {
			return
		}
	}
	r.dirty = false
}

// Dirty reports whether the room holds unpersisted edits.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// MemberCount reports how many sessions are connected.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Text returns the current document text.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Text()
}

// ReplaceState swaps the engine state for a restored snapshot and pushes the
// new full state to every member. The room is clean afterwards since the
// restored content is already persisted as the newest version.
func (r *Room) ReplaceState(snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.engine.Replace(snapshot); err != nil {
		return err
	}
	r.dirty = false
	r.broadcastLocked(Envelope{
		Type:        MessageTypeReplace,
		DocID:       r.docID,
		UpdateB64:   base64.StdEncoding.EncodeToString(snapshot),
		StateVector: r.engine.StateVector(),
	}, "")
	return nil
}
