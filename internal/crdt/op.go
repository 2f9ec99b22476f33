package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidUpdate indicates that an update frame could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update frame")
	// ErrInvalidOp indicates that a decoded operation is malformed.
	ErrInvalidOp = errors.New("crdt: invalid operation")
)

const frameVersion = 1

// maxOpsPerFrame bounds the size of a single encoded update frame so large
// pastes are split across several transport messages.
const maxOpsPerFrame = 2048

// OpKind enumerates the supported operation kinds.
type OpKind string

const (
	// OpKindInsert places a new element after its parent.
	OpKindInsert OpKind = "insert"
	// OpKindDelete tombstones an existing element.
	OpKindDelete OpKind = "delete"
)

// OpID identifies an operation by its originating actor and that actor's
// monotonically increasing local counter. The zero value addresses the
// document root.
type OpID struct {
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

// IsRoot reports whether the identifier addresses the document root.
func (id OpID) IsRoot() bool {
	return id.Actor == "" && id.Counter == 0
}

// String renders the identifier for logging.
func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Actor, id.Counter)
}

// Op is a single replicated operation. Inserts carry a parent identifier and
// a one-rune value; deletes carry the target identifier.
type Op struct {
	Kind   OpKind `json:"kind"`
	ID     OpID   `json:"id"`
	Parent OpID   `json:"parent,omitempty"`
	Target OpID   `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (op Op) validate() error {
	if op.ID.Actor == "" || op.ID.Counter == 0 {
		return fmt.Errorf("%w: missing op id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpKindInsert:
		if len([]rune(op.Value)) != 1 {
			return fmt.Errorf("%w: insert value must be a single rune", ErrInvalidOp)
		}
	case OpKindDelete:
		if op.Target.IsRoot() {
			return fmt.Errorf("%w: delete target missing", ErrInvalidOp)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}

// StateVector summarizes the highest contiguously applied counter per actor.
type StateVector map[string]uint64

// Clone returns a defensive copy of the state vector.
func (sv StateVector) Clone() StateVector {
	cloned := make(StateVector, len(sv))
	for actor, counter := range sv {
		cloned[actor] = counter
	}
	return cloned
}

// Covers reports whether the vector already accounts for the identifier.
func (sv StateVector) Covers(id OpID) bool {
	return sv[id.Actor] >= id.Counter
}

type updateFrame struct {
	Version int  `json:"v"`
	Ops     []Op `json:"ops"`
}

// EncodeFrame serializes a batch of operations into a single update frame.
func EncodeFrame(ops []Op) ([]byte, error) {
	return json.Marshal(updateFrame{Version: frameVersion, Ops: ops})
}

// EncodeFrames serializes operations into one or more frames, each bounded by
// maxOpsPerFrame.
func EncodeFrames(ops []Op) ([][]byte, error) {
	if len(ops) == 0 {
		frame, err := EncodeFrame(nil)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
	frames := make([][]byte, 0, (len(ops)+maxOpsPerFrame-1)/maxOpsPerFrame)
	for start := 0; start < len(ops); start += maxOpsPerFrame {
		end := start + maxOpsPerFrame
		if end > len(ops) {
			end = len(ops)
		}
		frame, err := EncodeFrame(ops[start:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// DecodeFrame parses an update frame and validates its operations.
func DecodeFrame(payload []byte) ([]Op, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	var frame updateFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if frame.Version != frameVersion {
		return nil, fmt.Errorf("%w: unsupported frame version %d", ErrInvalidUpdate, frame.Version)
	}
	for _, op := range frame.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return frame.Ops, nil
}

// sortCanonical orders operations by (actor, counter) so every converged
// replica serializes the identical byte stream.
func sortCanonical(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Actor != ops[j].ID.Actor {
			return ops[i].ID.Actor < ops[j].ID.Actor
		}
		return ops[i].ID.Counter < ops[j].ID.Counter
	})
}
