package room

import (
	"encoding/json"

	"github.com/driftpadhq/driftpad/backend/internal/awareness"
	"github.com/driftpadhq/driftpad/backend/internal/crdt"
)

const (
	// MessageTypeJoin is the client's first envelope, optionally carrying its
	// last known state vector for a delta resync.
	MessageTypeJoin = "join"
	// MessageTypeSync carries the full state or delta sent on join; clients
	// merge it into whatever state they hold.
	MessageTypeSync = "sync"
	// MessageTypeReplace carries a full snapshot that supersedes the client's
	// state entirely, pushed when a historical version is restored.
	MessageTypeReplace = "replace"
	// MessageTypeUpdate carries one base64-encoded CRDT update frame.
	MessageTypeUpdate = "update"
	// MessageTypeAwareness carries one client's presence state.
	MessageTypeAwareness = "awareness"
	// MessageTypePresence carries the room's presence roster.
	MessageTypePresence = "presence"
	// MessageTypeHeartbeat refreshes awareness liveness.
	MessageTypeHeartbeat = "heartbeat"
	// MessageTypeError reports a fatal protocol error before close.
	MessageTypeError = "error"
)

// CloseCodeAuthFailure is sent when the handshake fails authentication or
// resolves no permission.
const CloseCodeAuthFailure = 4401

// Envelope is the JSON frame exchanged over the sync socket. The type
// discriminator selects which payload fields are meaningful.
type Envelope struct {
	Type        string            `json:"type"`
	DocID       string            `json:"doc_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	UpdateB64   string            `json:"update_b64,omitempty"`
	StateVector crdt.StateVector  `json:"state_vector,omitempty"`
	Awareness   *awareness.State  `json:"awareness,omitempty"`
	Peers       []awareness.State `json:"peers,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

func encodeEnvelope(envelope Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func decodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
