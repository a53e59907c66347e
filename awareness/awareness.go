// Package awareness implements the ephemeral, non-persisted presence
// registry that rides alongside a document: per-client cursor/selection/
// name state, last-write-wins per client by clock, expired by TTL rather
// than by an explicit leave message alone.
package awareness

import (
	"sync"
	"time"

	"github.com/ybroker/ybroker/codec"
)

// State is one client's current entry: its LWW clock and opaque state
// payload. A nil Payload with Clock > 0 means the client announced its own
// departure.
type State struct {
	Clock   uint64
	Payload []byte
	seenAt  time.Time
}

// Registry holds the presence state for every client currently known to a
// room. It is safe for concurrent use.
//
// Grounded on spec.md §4.3 directly (no pack repo implements Yjs-style
// awareness); the mutex-guarded-map idiom is the same one the teacher uses
// in store/memory.go for its in-memory document cache.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock map[uint64]*State
}

// NewRegistry creates an empty registry. ttl is how long a client's state
// is kept after its last update before Expire considers it gone.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{ttl: ttl, clock: map[uint64]*State{}}
}

// Apply integrates a batch of awareness entries decoded off the wire.
// Entries whose clock does not advance the stored clock for that client
// are dropped (stale retransmit). changed reports the entries that were
// actually accepted, for rebroadcast.
func (r *Registry) Apply(entries []codec.AwarenessEntry, now time.Time) []codec.AwarenessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []codec.AwarenessEntry
	for _, e := range entries {
		cur, ok := r.clock[e.ClientID]
		if ok && e.Clock <= cur.Clock {
			continue
		}
		r.clock[e.ClientID] = &State{Clock: e.Clock, Payload: e.State, seenAt: now}
		changed = append(changed, e)
	}
	return changed
}

// SetLocal records a local client's own state under a freshly-minted
// clock value (one greater than its previous clock) and returns the
// awareness entry to broadcast.
func (r *Registry) SetLocal(clientID uint64, payload []byte, now time.Time) codec.AwarenessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	clock := uint64(1)
	if cur, ok := r.clock[clientID]; ok {
		clock = cur.Clock + 1
	}
	r.clock[clientID] = &State{Clock: clock, Payload: payload, seenAt: now}
	return codec.AwarenessEntry{ClientID: clientID, Clock: clock, State: payload}
}

// Depart marks a client as departed (nil payload) and returns the entry to
// broadcast, or false if the client had no known state to depart from.
func (r *Registry) Depart(clientID uint64, now time.Time) (codec.AwarenessEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.clock[clientID]
	if !ok {
		return codec.AwarenessEntry{}, false
	}
	clock := cur.Clock + 1
	r.clock[clientID] = &State{Clock: clock, Payload: nil, seenAt: now}
	return codec.AwarenessEntry{ClientID: clientID, Clock: clock, State: nil}, true
}

// Snapshot returns every currently-known entry (including departed
// clients whose tombstone hasn't expired yet), for a late-joining client's
// initial sync.
func (r *Registry) Snapshot() []codec.AwarenessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]codec.AwarenessEntry, 0, len(r.clock))
	for clientID, st := range r.clock {
		out = append(out, codec.AwarenessEntry{ClientID: clientID, Clock: st.Clock, State: st.Payload})
	}
	return out
}

// Expire marks every client whose state hasn't been refreshed within the
// registry's TTL as departed and returns departure entries for them, so the
// caller can broadcast their removal. A client that never refreshes
// (crashed, network partition) is reclaimed this way even without an
// explicit Depart. A departure tombstone that is itself older than the TTL
// is removed from the registry without a further announcement.
func (r *Registry) Expire(now time.Time) []codec.AwarenessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departed []codec.AwarenessEntry
	for clientID, st := range r.clock {
		if now.Sub(st.seenAt) <= r.ttl {
			continue
		}
		if st.Payload == nil {
			delete(r.clock, clientID) // tombstone already announced; drop it
			continue
		}
		st.Clock++
		st.Payload = nil
		st.seenAt = now
		departed = append(departed, codec.AwarenessEntry{ClientID: clientID, Clock: st.Clock, State: nil})
	}
	return departed
}
