package notify

import (
	"context"
	"sync"
	"time"
)

const (
	// EventACLChanged fires when a document's access list is replaced.
	EventACLChanged = "acl-changed"
	// EventVersionCreated fires when a new document version is recorded.
	EventVersionCreated = "version-created"
)

// Event is a fire-and-forget notification about a document mutation. Delivery
// is best effort; slow subscribers are skipped rather than blocked on.
type Event struct {
	UserID    string
	EventType string
	DocID     string
	VersionID string
	Timestamp time.Time
}

// Publisher is the sink interface services emit events through.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans events out to per-user subscribers. Subscriptions are
// scoped to a context rather than held in process-global state.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of events for the user. The subscription is
// removed when the context is cancelled or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(userID, sub)
	cleanup := func() {
		d.unregister(userID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of the addressed user
// without blocking on full buffers.
func (d *Dispatcher) Publish(event Event) {
	if event.UserID == "" || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
