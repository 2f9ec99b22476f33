package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// State is one client's ephemeral presence inside a room. It is broadcast to
// room members and never persisted.
type State struct {
	ClientID    string          `json:"client_id"`
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name,omitempty"`
	Color       string          `json:"color,omitempty"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

type entry struct {
	state    State
	lastSeen time.Time
}

// BrokerConfig describes broker tuning.
type BrokerConfig struct {
	Timeout time.Duration
	Clock   func() time.Time
}

// Broker tracks presence for one room. Entries go stale after the inactivity
// timeout independent of socket closure, since awareness can lapse before a
// connection teardown is observed.
type Broker struct {
	mu      sync.Mutex
	entries map[string]entry
	timeout time.Duration
	clock   func() time.Time
}

// NewBroker constructs a Broker.
func NewBroker(cfg BrokerConfig) *Broker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Broker{
		entries: make(map[string]entry),
		timeout: timeout,
		clock:   clock,
	}
}

// Apply records a presence update and returns the state to rebroadcast.
func (b *Broker) Apply(state State) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[state.ClientID] = entry{state: state, lastSeen: b.clock()}
	return state
}

// Heartbeat refreshes a client's liveness without changing its state.
// Reports whether the client is still tracked.
func (b *Broker) Heartbeat(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.entries[clientID]
	if !ok {
		return false
	}
	existing.lastSeen = b.clock()
	b.entries[clientID] = existing
	return true
}

// Snapshot returns all tracked presence states ordered by client id, for
// seeding a joining client.
func (b *Broker) Snapshot() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make([]State, 0, len(b.entries))
	for _, tracked := range b.entries {
		states = append(states, tracked.state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ClientID < states[j].ClientID
	})
	return states
}

// Remove drops a client's presence. Reports whether it was tracked.
func (b *Broker) Remove(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[clientID]; !ok {
		return false
	}
	delete(b.entries, clientID)
	return true
}

// EvictStale removes entries idle past the timeout and returns their client
// ids so the room can announce the departures.
func (b *Broker) EvictStale() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.clock().Add(-b.timeout)
	var evicted []string
	for clientID, tracked := range b.entries {
		if tracked.lastSeen.Before(cutoff) {
			delete(b.entries, clientID)
			evicted = append(evicted, clientID)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Count reports how many clients are tracked.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
