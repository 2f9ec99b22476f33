package crdt

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func mustEngine(t *testing.T, actor string) *Engine {
	t.Helper()
	engine, err := NewEngine(actor)
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func mustLocalInsert(t *testing.T, engine *Engine, index int, text string) [][]byte {
	t.Helper()
	frames, err := engine.LocalInsert(index, text)
	if err != nil {
		t.Fatalf("local insert failed: %v", err)
	}
	return frames
}

func mustApply(t *testing.T, engine *Engine, frames ...[]byte) {
	t.Helper()
	for _, frame := range frames {
		if _, err := engine.ApplyUpdate(frame); err != nil {
			t.Fatalf("apply update failed: %v", err)
		}
	}
}

func TestEngineRejectsEmptyActor(t *testing.T) {
	if _, err := NewEngine("  "); err == nil {
		t.Fatalf("expected error for empty actor")
	}
}

func TestEngineLocalEditing(t *testing.T) {
	engine := mustEngine(t, "alice")
	mustLocalInsert(t, engine, 0, "Hello")
	mustLocalInsert(t, engine, 5, " world")
	if engine.Text() != "Hello world" {
		t.Fatalf("unexpected text: %q", engine.Text())
	}

	if _, err := engine.LocalDelete(5, 6); err != nil {
		t.Fatalf("local delete failed: %v", err)
	}
	if engine.Text() != "Hello" {
		t.Fatalf("unexpected text after delete: %q", engine.Text())
	}
	if engine.Len() != 5 {
		t.Fatalf("unexpected length: %d", engine.Len())
	}
}

func TestEngineIdempotentApply(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	frames := mustLocalInsert(t, alice, 0, "Hello")
	mustApply(t, bob, frames...)
	if bob.Text() != "Hello" {
		t.Fatalf("unexpected text: %q", bob.Text())
	}

	applied, err := bob.ApplyUpdate(frames[0])
	if err != nil {
		t.Fatalf("duplicate apply failed: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected duplicate frame to integrate nothing, got %d", applied)
	}
	if bob.Text() != "Hello" {
		t.Fatalf("duplicate apply changed text: %q", bob.Text())
	}
}

func TestEngineConvergesAcrossDeliveryOrders(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	aliceFrames := mustLocalInsert(t, alice, 0, "Hello")
	bobFrames := mustLocalInsert(t, bob, 0, "World")

	// Forward order on bob, reverse order with duplicates on alice.
	mustApply(t, bob, aliceFrames...)
	for i := len(bobFrames) - 1; i >= 0; i-- {
		mustApply(t, alice, bobFrames[i])
	}
	mustApply(t, alice, bobFrames...)

	if alice.Text() != bob.Text() {
		t.Fatalf("replicas diverged: %q vs %q", alice.Text(), bob.Text())
	}

	aliceState, err := alice.EncodeFullState()
	if err != nil {
		t.Fatalf("encode alice state failed: %v", err)
	}
	bobState, err := bob.EncodeFullState()
	if err != nil {
		t.Fatalf("encode bob state failed: %v", err)
	}
	if !bytes.Equal(aliceState, bobState) {
		t.Fatalf("converged replicas encode different snapshots")
	}
}

func TestEngineConvergesUnderRandomShuffle(t *testing.T) {
	source := mustEngine(t, "alice")
	other := mustEngine(t, "bob")
	mustLocalInsert(t, source, 0, "The quick brown fox")
	mustLocalInsert(t, other, 0, "jumps over")

	var frames [][]byte
	aliceOps, err := source.EncodeFullState()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	bobOps, err := other.EncodeFullState()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frames = append(frames, aliceOps, bobOps, aliceOps, bobOps)

	rng := rand.New(rand.NewSource(7))
	var reference string
	for trial := 0; trial < 20; trial++ {
		rng.Shuffle(len(frames), func(i, j int) {
			frames[i], frames[j] = frames[j], frames[i]
		})
		replica := mustEngine(t, "observer")
		mustApply(t, replica, frames...)
		if trial == 0 {
			reference = replica.Text()
			continue
		}
		if replica.Text() != reference {
			t.Fatalf("shuffle trial %d diverged: %q vs %q", trial, replica.Text(), reference)
		}
	}
}

func TestEngineConcurrentInsertTieBreakDeterministic(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	aliceFrames := mustLocalInsert(t, alice, 0, "A")
	bobFrames := mustLocalInsert(t, bob, 0, "B")

	mustApply(t, alice, bobFrames...)
	mustApply(t, bob, aliceFrames...)

	if alice.Text() != bob.Text() {
		t.Fatalf("tie-break diverged: %q vs %q", alice.Text(), bob.Text())
	}
	// Equal counters order by ascending actor.
	if alice.Text() != "AB" {
		t.Fatalf("unexpected tie-break order: %q", alice.Text())
	}
}

func TestEngineBuffersOutOfOrderDependencies(t *testing.T) {
	alice := mustEngine(t, "alice")
	first := mustLocalInsert(t, alice, 0, "ab")
	second := mustLocalInsert(t, alice, 2, "cd")

	replica := mustEngine(t, "bob")
	mustApply(t, replica, second...)
	if replica.Text() != "" {
		t.Fatalf("expected buffered ops to stay invisible, got %q", replica.Text())
	}
	mustApply(t, replica, first...)
	if replica.Text() != "abcd" {
		t.Fatalf("expected buffered ops to integrate, got %q", replica.Text())
	}
}

func TestEngineDeltaCoversOnlyMissingOps(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	firstFrames := mustLocalInsert(t, alice, 0, "Hello")
	mustApply(t, bob, firstFrames...)
	mustLocalInsert(t, alice, 5, "!")

	delta, err := alice.EncodeDelta(bob.StateVector())
	if err != nil {
		t.Fatalf("encode delta failed: %v", err)
	}
	ops, err := DecodeFrame(delta)
	if err != nil {
		t.Fatalf("decode delta failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected single missing op, got %d", len(ops))
	}

	mustApply(t, bob, delta)
	if bob.Text() != "Hello!" {
		t.Fatalf("unexpected text after delta: %q", bob.Text())
	}

	emptyDelta, err := alice.EncodeDelta(bob.StateVector())
	if err != nil {
		t.Fatalf("encode empty delta failed: %v", err)
	}
	emptyOps, err := DecodeFrame(emptyDelta)
	if err != nil {
		t.Fatalf("decode empty delta failed: %v", err)
	}
	if len(emptyOps) != 0 {
		t.Fatalf("expected empty delta, got %d ops", len(emptyOps))
	}
}

func TestEngineDeleteConvergesAndStaysIdempotent(t *testing.T) {
	alice := mustEngine(t, "alice")
	bob := mustEngine(t, "bob")

	insertFrames := mustLocalInsert(t, alice, 0, "abc")
	mustApply(t, bob, insertFrames...)

	deleteFrames, err := alice.LocalDelete(1, 1)
	if err != nil {
		t.Fatalf("local delete failed: %v", err)
	}
	mustApply(t, bob, deleteFrames...)
	mustApply(t, bob, deleteFrames...)

	if alice.Text() != "ac" || bob.Text() != "ac" {
		t.Fatalf("delete diverged: %q vs %q", alice.Text(), bob.Text())
	}
}

func TestEngineChunksLargePastes(t *testing.T) {
	engine := mustEngine(t, "alice")
	frames := mustLocalInsert(t, engine, 0, strings.Repeat("x", maxOpsPerFrame+1))
	if len(frames) != 2 {
		t.Fatalf("expected paste to split into 2 frames, got %d", len(frames))
	}

	replica := mustEngine(t, "bob")
	mustApply(t, replica, frames...)
	if replica.Len() != maxOpsPerFrame+1 {
		t.Fatalf("unexpected replica length: %d", replica.Len())
	}
}

func TestEngineReplaceRebuildsFromSnapshot(t *testing.T) {
	original := mustEngine(t, "alice")
	mustLocalInsert(t, original, 0, "restored content")
	snapshot, err := original.EncodeFullState()
	if err != nil {
		t.Fatalf("encode snapshot failed: %v", err)
	}

	engine := mustEngine(t, "server")
	mustLocalInsert(t, engine, 0, "live content")
	if err := engine.Replace(snapshot); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if engine.Text() != "restored content" {
		t.Fatalf("unexpected text after replace: %q", engine.Text())
	}

	// The engine must stay editable after a replace.
	mustLocalInsert(t, engine, 0, ">> ")
	if engine.Text() != ">> restored content" {
		t.Fatalf("unexpected text after post-replace edit: %q", engine.Text())
	}
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	original := mustEngine(t, "alice")
	mustLocalInsert(t, original, 0, "Hello")
	snapshot, err := original.EncodeFullState()
	if err != nil {
		t.Fatalf("encode snapshot failed: %v", err)
	}

	replica := mustEngine(t, "bob")
	mustApply(t, replica, snapshot)
	if replica.Text() != original.Text() {
		t.Fatalf("round trip diverged: %q vs %q", replica.Text(), original.Text())
	}

	replicaSnapshot, err := replica.EncodeFullState()
	if err != nil {
		t.Fatalf("encode replica snapshot failed: %v", err)
	}
	if !bytes.Equal(snapshot, replicaSnapshot) {
		t.Fatalf("round trip snapshots differ")
	}
}

func TestEngineRendersDeepSequentialDocument(t *testing.T) {
	// Sequential typing chains every insert under its predecessor, producing a
	// tree as deep as the document is long.
	const docLength = 100000
	ops := make([]Op, 0, docLength)
	parent := OpID{}
	for i := 0; i < docLength; i++ {
		id := OpID{Actor: "writer", Counter: uint64(i + 1)}
		ops = append(ops, Op{Kind: OpKindInsert, ID: id, Parent: parent, Value: "a"})
		parent = id
	}
	frames, err := EncodeFrames(ops)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	replica := mustEngine(t, "reader")
	mustApply(t, replica, frames...)

	if replica.Len() != docLength {
		t.Fatalf("expected %d visible runes, got %d", docLength, replica.Len())
	}
	if text := replica.Text(); len(text) != docLength {
		t.Fatalf("expected %d rendered bytes, got %d", docLength, len(text))
	}
}
