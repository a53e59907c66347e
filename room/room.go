// Package room is the concurrency fulcrum of the broker: one CRDT replica,
// one awareness registry, a set of connected clients, and a single
// goroutine that serializes every mutation to both so the CRDT and the
// awareness map are never touched from two goroutines at once.
//
// Grounded on the teacher's server/session.go: a single goroutine draining
// join/leave/incoming channels is exactly spec.md's recommended
// single-consumer-inbound-channel design, generalized here from
// operational-transform ops to CRDT updates.
package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ybroker/ybroker/awareness"
	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
	"github.com/ybroker/ybroker/protocol"
	"github.com/ybroker/ybroker/store"
)

// ErrSlowConsumer is returned by Room.HandleFrame's caller-visible path (via
// Sink.Send) when a client's outbound queue is full: the client is too slow
// to keep up and must be disconnected rather than have the room buffer
// updates for it indefinitely.
var ErrSlowConsumer = errors.New("room: slow consumer")

// Sink is the capability a transport gives the room to deliver frames to
// one connected client. Send must never block the room's single goroutine;
// implementations enqueue onto their own bounded, per-connection channel
// and return ErrSlowConsumer if that channel is full.
type Sink interface {
	Send(frame []byte) error
}

type member struct {
	id       uint64
	sink     Sink
	endpoint *protocol.Endpoint
}

// Room owns one document's worth of state: the CRDT replica, the awareness
// registry, the connected clients, and the append-only log. Every exported
// method is safe to call from any goroutine. Join, Leave, HandleFrame and
// Tick post a closure onto the room's single-consumer inbox and return
// without waiting for it to run; ClientCount and Squash post one and wait
// for its answer.
type Room struct {
	path   string
	doc    *crdt.Replica
	aw     *awareness.Registry
	st     store.UpdateStore
	log    *zap.SugaredLogger

	sendQueueCapacity int

	inbox   chan func()
	ready   chan struct{}
	closing chan struct{}

	clients map[uint64]*member

	// currentOrigin is set for the duration of processing one inbound
	// frame, so the doc.Subscribe callback below can exclude the
	// originating client from the broadcast it triggers. Room processing
	// is single-threaded, so this is never touched concurrently.
	currentOrigin uint64
	hasOrigin     bool

	// replaying is true only while run() replays the persisted log into
	// doc at startup. onDocUpdate checks it to skip re-persisting and
	// broadcasting those replayed updates — there are no clients yet, and
	// writing them back would double the store's log on every restart.
	replaying bool
}

// New creates a room for path backed by st, and starts its goroutine: it
// first replays path's persisted log into a fresh replica, then begins
// serving Join/Leave/HandleFrame/Tick calls. Calls made before replay
// finishes are queued, not dropped or rejected — this is the room's ready
// gate.
func New(path string, actor uint64, st store.UpdateStore, sendQueueCapacity int, logger *zap.SugaredLogger) *Room {
	r := &Room{
		path:              path,
		doc:               crdt.NewReplica(actor),
		aw:                awareness.NewRegistry(30 * time.Second),
		st:                st,
		log:               logger,
		sendQueueCapacity: sendQueueCapacity,
		inbox:             make(chan func(), 256),
		ready:             make(chan struct{}),
		closing:           make(chan struct{}),
		clients:           map[uint64]*member{},
		replaying:         true,
	}
	r.doc.Subscribe(r.onDocUpdate)
	go r.run()
	return r
}

// SetAwarenessTTL overrides the default awareness TTL. Call before the
// first Tick.
func (r *Room) SetAwarenessTTL(ttl time.Duration) {
	r.aw = awareness.NewRegistry(ttl)
}

func (r *Room) run() {
	r.replay()
	r.replaying = false
	close(r.ready)
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.closing:
			return
		}
	}
}

func (r *Room) replay() {
	ctx := context.Background()
	updates, err := r.st.Read(ctx, r.path)
	if err != nil {
		r.log.Errorw("room: replay failed, starting empty", "path", r.path, "error", err)
		return
	}
	for _, u := range updates {
		if _, err := r.doc.ApplyUpdate(u.Data); err != nil {
			r.log.Errorw("room: skipping corrupt replay record", "path", r.path, "error", err)
		}
	}
}

// onDocUpdate is registered once via doc.Subscribe and fires synchronously
// for every locally- or remotely-originated update that advances the
// replica. It persists first, then broadcasts — spec.md's "write calls
// complete before the corresponding broadcast is attempted" ordering.
//
// While replaying is set, the update came from the store itself (see
// replay above), so it is neither re-persisted nor broadcast: there are no
// clients yet, and writing it back would double the log on every restart.
func (r *Room) onDocUpdate(update []byte) {
	if r.replaying {
		return
	}
	ctx := context.Background()
	if err := r.st.Write(ctx, r.path, update, nil); err != nil {
		r.log.Errorw("room: persist failed", "path", r.path, "error", err)
	}
	r.log.Debugw("room: applied update", "path", r.path, "bytes", len(update), "fingerprint", xxhash.Sum64(update))
	frame := protocol.LocalUpdate(update)
	for id, m := range r.clients {
		if r.hasOrigin && id == r.currentOrigin {
			continue // at-most-once self-echo: never reflect an update back to its origin
		}
		r.deliver(m, frame)
	}
}

func (r *Room) deliver(m *member, frame []byte) {
	if err := m.sink.Send(frame); err != nil {
		r.log.Warnw("room: disconnecting slow consumer", "path", r.path, "client", m.id, "error", err)
		delete(r.clients, m.id)
	}
}

// Join registers a new client and sends it the room's current sync hello
// and awareness snapshot. id must be unique among currently-joined clients
// of this room.
func (r *Room) Join(id uint64, sink Sink) {
	r.post(func() {
		ep := protocol.NewEndpoint(r.doc, nil)
		m := &member{id: id, sink: sink, endpoint: ep}
		r.clients[id] = m
		r.deliver(m, ep.Hello())
		if snap := r.aw.Snapshot(); len(snap) > 0 {
			r.deliver(m, codec.EncodeAwareness(snap))
		}
	})
}

// Leave removes a client, marks its awareness state departed, and notifies
// the remaining clients of the departure.
func (r *Room) Leave(id uint64) {
	r.post(func() {
		if _, ok := r.clients[id]; !ok {
			return
		}
		delete(r.clients, id)
		entry, ok := r.aw.Depart(id, time.Now())
		if !ok {
			return
		}
		frame := codec.EncodeAwareness([]codec.AwarenessEntry{entry})
		for _, m := range r.clients {
			r.deliver(m, frame)
		}
	})
}

// HandleFrame decodes one frame received from client id and applies it: a
// sync frame flows through protocol, an awareness frame flows through the
// awareness registry. A malformed frame is logged and dropped; it never
// disconnects the client.
func (r *Room) HandleFrame(id uint64, frame []byte) {
	r.post(func() {
		m, ok := r.clients[id]
		if !ok {
			return
		}
		top, body, err := codec.TopLevelType(frame)
		if err != nil {
			r.log.Debugw("room: dropping empty frame", "path", r.path, "client", id)
			return
		}
		switch top {
		case codec.MessageSync:
			r.handleSyncFrame(m, body)
		case codec.MessageAwareness:
			r.handleAwarenessFrame(m, body)
		default:
			// unknown top-level tag: ignore per the tolerant-peer policy
		}
	})
}

func (r *Room) handleSyncFrame(m *member, body []byte) {
	msg, err := codec.DecodeSync(body)
	if err != nil {
		r.log.Debugw("room: dropping malformed sync frame", "path", r.path, "client", m.id, "error", err)
		return
	}

	r.currentOrigin, r.hasOrigin = m.id, true
	replies, err := m.endpoint.HandleSyncFrame(msg)
	r.hasOrigin = false

	if err != nil {
		r.log.Debugw("room: rejecting crdt update", "path", r.path, "client", m.id, "error", err)
		return
	}
	for _, frame := range replies {
		r.deliver(m, frame)
	}
}

func (r *Room) handleAwarenessFrame(m *member, body []byte) {
	entries, err := codec.DecodeAwareness(body)
	if err != nil {
		r.log.Debugw("room: dropping malformed awareness frame", "path", r.path, "client", m.id, "error", err)
		return
	}
	changed := r.aw.Apply(entries, time.Now())
	if len(changed) == 0 {
		return
	}
	frame := codec.EncodeAwareness(changed)
	for id, other := range r.clients {
		if id == m.id {
			continue
		}
		r.deliver(other, frame)
	}
}

// Tick expires stale awareness entries and broadcasts their departure. The
// broker calls this periodically for every open room.
func (r *Room) Tick(now time.Time) {
	r.post(func() {
		departed := r.aw.Expire(now)
		if len(departed) == 0 {
			return
		}
		frame := codec.EncodeAwareness(departed)
		for _, m := range r.clients {
			r.deliver(m, frame)
		}
	})
}

// Squash replaces the persisted log with a single snapshot of the current
// replica state, bounding log growth for long-lived rooms.
func (r *Room) Squash(ctx context.Context) error {
	done := make(chan error, 1)
	r.post(func() {
		sv := r.doc.StateVector()
		snapshot := r.doc.EncodeDiff(nil) // diff against an empty state vector == full state
		done <- r.st.Squash(ctx, r.path, snapshot, sv)
	})
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("room: squash %s: %w", r.path, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of currently-joined clients. It blocks
// until the room's goroutine answers, so it reflects a consistent snapshot.
func (r *Room) ClientCount() int {
	done := make(chan int, 1)
	r.post(func() { done <- len(r.clients) })
	return <-done
}

// Ready returns a channel that closes once the room has finished replaying
// its persisted history.
func (r *Room) Ready() <-chan struct{} {
	return r.ready
}

// Close stops the room's goroutine. Joined clients are not notified; the
// broker is responsible for tearing down their transports first.
func (r *Room) Close() {
	close(r.closing)
}

func (r *Room) post(fn func()) {
	select {
	case r.inbox <- fn:
	case <-r.closing:
	}
}
