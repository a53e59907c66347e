package crdt

import "sync"

// Replica is the concrete Document: one actor's view of a shared LWW map
// plus any number of named text sequences, merged via the RGA rules in
// rga.go. It is safe for concurrent use; the room package is the only
// caller expected to hold it, but Subscribe callbacks may run on whatever
// goroutine calls ApplyUpdate or a local mutator.
type Replica struct {
	mu    sync.Mutex
	actor uint64
	clock uint64

	seen map[ID]bool
	log  []op // full causal history, used to answer EncodeDiff

	m      *lwwMap
	fields map[string]*textField

	subs    map[SubscriptionHandle]func([]byte)
	nextSub SubscriptionHandle
}

// NewReplica creates an empty replica identified by actor, a caller-chosen
// ID unique among the peers that will ever merge with it (a client ID or a
// room-assigned server actor ID).
func NewReplica(actor uint64) *Replica {
	return &Replica{
		actor:  actor,
		seen:   map[ID]bool{},
		m:      newLWWMap(),
		fields: map[string]*textField{},
		subs:   map[SubscriptionHandle]func([]byte){},
	}
}

var _ Document = (*Replica)(nil)

func (r *Replica) nextID() ID {
	r.clock++
	return ID{Replica: r.actor, Counter: r.clock}
}

// SetMap performs a local LWW map write and returns the update bytes
// representing it, after notifying subscribers.
func (r *Replica) SetMap(key string, value []byte) []byte {
	r.mu.Lock()
	o := op{kind: opMapSet, id: r.nextID(), key: key, value: append([]byte(nil), value...)}
	r.integrate(o)
	update := encodeOps([]op{o})
	r.mu.Unlock()
	r.notify(update)
	return update
}

// GetMap reads the current value for key.
func (r *Replica) GetMap(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.get(key)
}

// MapSnapshot returns the current contents of the LWW map.
func (r *Replica) MapSnapshot() map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.snapshot()
}

// InsertText performs a local text insert at index in the named field and
// returns the update bytes representing it.
func (r *Replica) InsertText(field string, index int, ch rune) []byte {
	r.mu.Lock()
	tf := r.field(field)
	parent := tf.anchorBefore(index)
	o := op{kind: opTextInsert, id: r.nextID(), field: field, parent: parent, ch: ch}
	r.integrate(o)
	update := encodeOps([]op{o})
	r.mu.Unlock()
	r.notify(update)
	return update
}

// DeleteText performs a local text delete at index in the named field.
// ok is false if index was out of range and nothing was deleted.
func (r *Replica) DeleteText(field string, index int) (update []byte, ok bool) {
	r.mu.Lock()
	tf := r.field(field)
	target, found := tf.idAt(index)
	if !found {
		r.mu.Unlock()
		return nil, false
	}
	o := op{kind: opTextDelete, id: r.nextID(), field: field, target: target}
	r.integrate(o)
	update = encodeOps([]op{o})
	r.mu.Unlock()
	r.notify(update)
	return update, true
}

// Text returns the current contents of the named field.
func (r *Replica) Text(field string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.field(field).text()
}

func (r *Replica) field(name string) *textField {
	tf, ok := r.fields[name]
	if !ok {
		tf = newTextField()
		r.fields[name] = tf
	}
	return tf
}

// integrate applies one already-ordered op to the local state, assuming the
// caller holds mu. It is idempotent: re-integrating a seen op is a no-op.
// Returns true if the op was new.
func (r *Replica) integrate(o op) bool {
	if r.seen[o.id] {
		return false
	}
	r.seen[o.id] = true
	r.log = append(r.log, o)
	if o.id.Counter > r.clock && o.id.Replica != r.actor {
		// keep our own clock ahead of anything we've observed so locally
		// minted IDs never collide with a remote one.
		r.clock = o.id.Counter
	}
	switch o.kind {
	case opMapSet:
		r.m.set(o)
	case opTextInsert:
		r.field(o.field).applyInsert(o)
	case opTextDelete:
		r.field(o.field).applyDelete(o)
	}
	return true
}

// StateVector implements Document.
func (r *Replica) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv := map[uint64]uint64{}
	for id := range r.seen {
		if id.Counter > sv[id.Replica] {
			sv[id.Replica] = id.Counter
		}
	}
	return encodeStateVector(sv)
}

// EncodeDiff implements Document.
func (r *Replica) EncodeDiff(remoteStateVector []byte) []byte {
	remote := decodeStateVector(remoteStateVector)
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []op
	for _, o := range r.log {
		if o.id.Counter > remote[o.id.Replica] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing)
}

// ApplyUpdate implements Document.
func (r *Replica) ApplyUpdate(update []byte) (bool, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	var applied []op
	for _, o := range ops {
		if r.integrate(o) {
			applied = append(applied, o)
		}
	}
	r.mu.Unlock()
	if len(applied) == 0 {
		return false, nil
	}
	r.notify(encodeOps(applied))
	return true, nil
}

// Subscribe implements Document.
func (r *Replica) Subscribe(callback func([]byte)) SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	h := r.nextSub
	r.subs[h] = callback
	return h
}

// Unsubscribe implements Document.
func (r *Replica) Unsubscribe(handle SubscriptionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, handle)
}

func (r *Replica) notify(update []byte) {
	r.mu.Lock()
	callbacks := make([]func([]byte), 0, len(r.subs))
	for _, cb := range r.subs {
		callbacks = append(callbacks, cb)
	}
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb(update)
	}
}
