package crdt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrIndexOutOfRange indicates a local edit addressed a position beyond the document.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrMissingActor indicates an engine was constructed without an actor identifier.
	ErrMissingActor = errors.New("crdt: actor identifier is required")
)

type element struct {
	id       OpID
	value    rune
	deleted  bool
	children []*element
}

// Engine maintains one document's replicated sequence state. Integration is
// commutative, associative, and idempotent: replicas that have applied the
// same operation set decode to identical state regardless of delivery order
// or duplication. Concurrent siblings are ordered by descending counter with
// ascending actor as the tie-break, so every replica picks the same final
// ordering without negotiation.
type Engine struct {
	mu      sync.RWMutex
	actor   string
	counter uint64
	root    *element
	index   map[OpID]*element
	applied map[OpID]bool
	log     map[string][]Op
	vector  StateVector
	pending []Op
}

// NewEngine constructs an empty engine replicating on behalf of the actor.
func NewEngine(actor string) (*Engine, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrMissingActor
	}
	return &Engine{
		actor:   actor,
		root:    &element{},
		index:   make(map[OpID]*element),
		applied: make(map[OpID]bool),
		log:     make(map[string][]Op),
		vector:  make(StateVector),
	}, nil
}

// ApplyUpdate merges a remote update frame into local state. Operations whose
// causal dependencies have not arrived yet are buffered and integrated once
// the gap fills. The returned count covers newly integrated operations;
// duplicates are skipped silently.
func (e *Engine) ApplyUpdate(payload []byte) (int, error) {
	ops, err := DecodeFrame(payload)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	integrated := 0
	for _, op := range ops {
		if e.applied[op.ID] {
			continue
		}
		if e.integrateOrBuffer(op) {
			integrated++
		}
	}
	integrated += e.drainPending()
	return integrated, nil
}

// integrateOrBuffer integrates the op when causally ready, otherwise parks it
// in the pending buffer. Reports whether the op was integrated.
func (e *Engine) integrateOrBuffer(op Op) bool {
	if !e.ready(op) {
		e.pending = append(e.pending, op)
		return false
	}
	e.integrate(op)
	return true
}

func (e *Engine) ready(op Op) bool {
	// Counters are issued sequentially per actor; require the predecessor so
	// the state vector stays contiguous.
	if op.ID.Counter > 1 && e.vector[op.ID.Actor] < op.ID.Counter-1 {
		return false
	}
	switch op.Kind {
	case OpKindInsert:
		return op.Parent.IsRoot() || e.index[op.Parent] != nil
	case OpKindDelete:
		return e.index[op.Target] != nil
	}
	return false
}

func (e *Engine) integrate(op Op) {
	switch op.Kind {
	case OpKindInsert:
		parent := e.root
		if !op.Parent.IsRoot() {
			parent = e.index[op.Parent]
		}
		el := &element{id: op.ID, value: []rune(op.Value)[0]}
		e.index[op.ID] = el
		parent.children = insertSibling(parent.children, el)
	case OpKindDelete:
		e.index[op.Target].deleted = true
	}

	e.applied[op.ID] = true
	e.log[op.ID.Actor] = appendOrdered(e.log[op.ID.Actor], op)
	if e.vector[op.ID.Actor] == op.ID.Counter-1 {
		e.vector[op.ID.Actor] = op.ID.Counter
	}
	// Keep the local counter ahead of anything already attributed to this
	// actor, e.g. after bootstrapping from a snapshot it produced earlier.
	if op.ID.Actor == e.actor && op.ID.Counter > e.counter {
		e.counter = op.ID.Counter
	}
}

func (e *Engine) drainPending() int {
	integrated := 0
	for {
		progressed := false
		remaining := e.pending[:0]
		for _, op := range e.pending {
			if e.applied[op.ID] {
				progressed = true
				continue
			}
			if e.ready(op) {
				e.integrate(op)
				integrated++
				progressed = true
				continue
			}
			remaining = append(remaining, op)
		}
		e.pending = remaining
		if !progressed || len(e.pending) == 0 {
			return integrated
		}
	}
}

// insertSibling keeps children ordered by descending counter, ascending actor.
func insertSibling(siblings []*element, el *element) []*element {
	at := len(siblings)
	for i, sibling := range siblings {
		if el.id.Counter > sibling.id.Counter ||
			(el.id.Counter == sibling.id.Counter && el.id.Actor < sibling.id.Actor) {
			at = i
			break
		}
	}
	siblings = append(siblings, nil)
	copy(siblings[at+1:], siblings[at:])
	siblings[at] = el
	return siblings
}

// appendOrdered keeps an actor's op log sorted by counter. Ops integrate in
// contiguous counter order, so this is an append in the common case.
func appendOrdered(ops []Op, op Op) []Op {
	if len(ops) == 0 || ops[len(ops)-1].ID.Counter < op.ID.Counter {
		return append(ops, op)
	}
	at := len(ops)
	for i := range ops {
		if ops[i].ID.Counter > op.ID.Counter {
			at = i
			break
		}
	}
	ops = append(ops, Op{})
	copy(ops[at+1:], ops[at:])
	ops[at] = op
	return ops
}

// StateVector returns a copy of the per-actor applied-counter summary.
func (e *Engine) StateVector() StateVector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vector.Clone()
}

// EncodeFullState serializes the complete operation set canonically: two
// converged replicas produce byte-identical snapshots, which content-addressed
// storage dedupes by hash.
func (e *Engine) EncodeFullState() ([]byte, error) {
	e.mu.RLock()
	ops := e.collectSince(nil)
	e.mu.RUnlock()
	sortCanonical(ops)
	return EncodeFrame(ops)
}

// EncodeDelta serializes only the operations the peer has not yet observed
// according to its state vector.
func (e *Engine) EncodeDelta(peer StateVector) ([]byte, error) {
	e.mu.RLock()
	ops := e.collectSince(peer)
	e.mu.RUnlock()
	sortCanonical(ops)
	return EncodeFrame(ops)
}

func (e *Engine) collectSince(peer StateVector) []Op {
	var ops []Op
	for actor, actorOps := range e.log {
		since := uint64(0)
		if peer != nil {
			since = peer[actor]
		}
		for _, op := range actorOps {
			if op.ID.Counter > since {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// Text renders the visible document content.
func (e *Engine) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var builder strings.Builder
	walkVisible(e.root, func(el *element) {
		builder.WriteRune(el.value)
	})
	return builder.String()
}

// Len reports the number of visible runes.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count := 0
	walkVisible(e.root, func(*element) { count++ })
	return count
}

// walkVisible traverses the tree in document order with an explicit stack.
// Sequentially typed text chains every insert under its predecessor, so the
// tree depth grows with the document length and recursion is off the table.
func walkVisible(root *element, visit func(*element)) {
	stack := make([]*element, 0, 64)
	for i := len(root.children) - 1; i >= 0; i-- {
		stack = append(stack, root.children[i])
	}
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !el.deleted {
			visit(el)
		}
		for i := len(el.children) - 1; i >= 0; i-- {
			stack = append(stack, el.children[i])
		}
	}
}

func (e *Engine) visibleElements() []*element {
	visible := make([]*element, 0, len(e.index))
	walkVisible(e.root, func(el *element) {
		visible = append(visible, el)
	})
	return visible
}

// LocalInsert generates insert operations for text at the visible rune index,
// applies them locally, and returns the encoded frames for broadcast. Large
// pastes span multiple frames.
func (e *Engine) LocalInsert(index int, text string) ([][]byte, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	visible := e.visibleElements()
	if index < 0 || index > len(visible) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(visible))
	}
	parent := OpID{}
	if index > 0 {
		parent = visible[index-1].id
	}

	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		e.counter++
		op := Op{
			Kind:   OpKindInsert,
			ID:     OpID{Actor: e.actor, Counter: e.counter},
			Parent: parent,
			Value:  string(r),
		}
		e.integrate(op)
		ops = append(ops, op)
		parent = op.ID
	}
	e.mu.Unlock()

	return EncodeFrames(ops)
}

// LocalDelete tombstones length visible runes starting at index and returns
// the encoded frames for broadcast.
func (e *Engine) LocalDelete(index, length int) ([][]byte, error) {
	if length <= 0 {
		return nil, nil
	}

	e.mu.Lock()
	visible := e.visibleElements()
	if index < 0 || index+length > len(visible) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: delete [%d,%d) of %d", ErrIndexOutOfRange, index, index+length, len(visible))
	}

	ops := make([]Op, 0, length)
	for _, el := range visible[index : index+length] {
		e.counter++
		op := Op{
			Kind:   OpKindDelete,
			ID:     OpID{Actor: e.actor, Counter: e.counter},
			Target: el.id,
		}
		e.integrate(op)
		ops = append(ops, op)
	}
	e.mu.Unlock()

	return EncodeFrames(ops)
}

// Replace discards the current state and rebuilds the engine from a full
// snapshot frame. Used when a restored version becomes the live room state.
func (e *Engine) Replace(snapshot []byte) error {
	ops, err := DecodeFrame(snapshot)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.root = &element{}
	e.index = make(map[OpID]*element)
	e.applied = make(map[OpID]bool)
	e.log = make(map[string][]Op)
	e.vector = make(StateVector)
	e.pending = nil

	for _, op := range ops {
		if !e.applied[op.ID] {
			e.integrateOrBuffer(op)
		}
	}
	e.drainPending()
	return nil
}
