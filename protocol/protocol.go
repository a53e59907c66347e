// Package protocol drives the symmetric sync handshake over a document:
// SyncStep1 exchanges state vectors, SyncStep2 and Update messages carry
// diffs, and a synced edge trigger fires the first time an endpoint receives
// a SyncStep2. It never touches a transport directly; callers hand it decoded
// frames and get back frames to send.
package protocol

import (
	"fmt"

	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
)

// Endpoint runs one side of the sync handshake against a document. It is
// not safe for concurrent use; callers (room, provider) serialize access to
// one Endpoint per connection on a single goroutine, matching the document
// itself.
//
// Grounded on ypy_websocket/yutils.py's process_sync_message/sync: the
// handshake there is the same three-message exchange, just expressed as a
// pair of free functions over a stream instead of a stateful type.
type Endpoint struct {
	doc    crdt.Document
	synced bool
	onSync func()
}

// NewEndpoint creates a sync endpoint over doc. onSynced, if non-nil, is
// called at most once, the first time this endpoint receives a SyncStep2
// from its peer (i.e. the first time this side has been caught up).
func NewEndpoint(doc crdt.Document, onSynced func()) *Endpoint {
	return &Endpoint{doc: doc, onSync: onSynced}
}

// Hello returns the initial SyncStep1 frame a newly-connected endpoint
// sends to kick off the handshake.
func (e *Endpoint) Hello() []byte {
	return codec.EncodeSyncStep1(e.doc.StateVector())
}

// HandleSyncFrame processes one decoded sync sub-message and returns zero
// or more frames to send back to the peer. err is non-nil only for
// corrupted update payloads; the caller should log and drop, not
// disconnect, since a single bad frame does not imply a broken connection.
func (e *Endpoint) HandleSyncFrame(msg codec.SyncMessage) ([][]byte, error) {
	switch msg.Type {
	case codec.SyncStep1:
		// A peer announcing its state vector. Reply with the diff that
		// brings it up to date. Only the SyncStep2 is returned here; this
		// endpoint's own state vector goes out separately as its Hello
		// frame (the room sends it when a client joins).
		diff := e.doc.EncodeDiff(msg.Payload)
		frames := [][]byte{codec.EncodeSyncStep2(diff)}
		return frames, nil

	case codec.SyncStep2, codec.SyncUpdate:
		applied, err := e.doc.ApplyUpdate(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: apply update: %w", err)
		}
		if msg.Type == codec.SyncStep2 {
			e.markSynced()
		}
		_ = applied
		return nil, nil

	default:
		// Unknown sync sub-type: ignore per the tolerant-peer policy.
		return nil, nil
	}
}

// LocalUpdate returns the Update frame to broadcast for update bytes that
// were produced by a local mutation or by re-applying a remote update to
// other subscribers of the same document.
func LocalUpdate(update []byte) []byte {
	return codec.EncodeUpdate(update)
}

// Synced reports whether this endpoint has received a SyncStep2.
func (e *Endpoint) Synced() bool {
	return e.synced
}

func (e *Endpoint) markSynced() {
	if e.synced {
		return
	}
	e.synced = true
	if e.onSync != nil {
		e.onSync()
	}
}
