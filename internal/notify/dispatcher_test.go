package notify

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alice")
	defer cleanup()

	dispatcher.Publish(Event{
		UserID:    "alice",
		EventType: EventVersionCreated,
		DocID:     "doc-1",
		VersionID: "v-1",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})

	select {
	case event := <-stream:
		if event.EventType != EventVersionCreated || event.DocID != "doc-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected delivered event")
	}
}

func TestPublishSkipsOtherUsers(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "bob")
	defer cleanup()

	dispatcher.Publish(Event{UserID: "alice", EventType: EventACLChanged, DocID: "doc-1"})

	select {
	case event := <-stream:
		t.Fatalf("unexpected delivery: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "alice")
	cleanup()

	dispatcher.Publish(Event{UserID: "alice", EventType: EventACLChanged, DocID: "doc-1"})

	select {
	case event, ok := <-stream:
		if ok {
			t.Fatalf("unexpected delivery after cleanup: %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWithoutUserReturnsClosedStream(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatalf("expected closed stream for empty user")
	}
}
