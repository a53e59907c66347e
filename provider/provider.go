// Package provider implements the client side of the sync protocol: it
// binds one local CRDT document to one connection, drives the initial
// handshake, mirrors local edits out, applies remote updates in, and
// exposes an edge-triggered synced signal.
//
// Grounded on original_source/ypy_websocket/websocket_provider.py's
// WebsocketProvider (subscribe-to-local-updates, sync-then-forward loop)
// and the teacher's server/client.go ReadPump/WritePump goroutine split,
// applied here to the client rather than the server end of the socket.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
	"github.com/ybroker/ybroker/protocol"
)

// Websocket is the minimal transport capability a Provider needs: framed
// send/receive plus a close, deliberately identical in shape to the
// broker's own Websocket interface but declared independently so this
// package never has to import the server side of the protocol.
type Websocket interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Provider owns one document<->connection binding. Not safe for
// concurrent use beyond the goroutines Run itself starts.
type Provider struct {
	doc  crdt.Document
	sock Websocket
	log  *zap.SugaredLogger

	endpoint *protocol.Endpoint
	syncedCh chan struct{}
	sub      crdt.SubscriptionHandle

	sendErrs chan error
}

// New creates a provider binding doc to sock. It does not start any
// goroutines until Run is called.
func New(doc crdt.Document, sock Websocket, logger *zap.SugaredLogger) *Provider {
	p := &Provider{
		doc:      doc,
		sock:     sock,
		log:      logger,
		syncedCh: make(chan struct{}),
		sendErrs: make(chan error, 1),
	}
	p.endpoint = protocol.NewEndpoint(doc, p.markSynced)
	return p
}

func (p *Provider) markSynced() {
	close(p.syncedCh)
}

// Synced returns a channel that closes exactly once, the first time this
// provider's document has caught up with its peer's state as of connect
// time. It does not reopen if the connection later falls behind again —
// spec.md's "synced" signal is an edge trigger, not a continuous status.
func (p *Provider) Synced() <-chan struct{} {
	return p.syncedCh
}

// Run drives the provider until ctx is canceled or the connection errors:
// it sends the initial SyncStep1, subscribes to local document mutations
// so they're mirrored out as Update frames, and processes inbound frames
// as they arrive. It blocks until the read loop exits.
func (p *Provider) Run(ctx context.Context) error {
	p.sub = p.doc.Subscribe(func(update []byte) {
		p.sendAsync(protocol.LocalUpdate(update))
	})
	defer p.doc.Unsubscribe(p.sub)

	if err := p.sock.Send(ctx, p.endpoint.Hello()); err != nil {
		return fmt.Errorf("provider: send hello: %w", err)
	}

	for {
		select {
		case err := <-p.sendErrs:
			return fmt.Errorf("provider: send failed: %w", err)
		default:
		}

		frame, err := p.sock.Recv(ctx)
		if err != nil {
			return fmt.Errorf("provider: recv: %w", err)
		}
		if err := p.handleFrame(ctx, frame); err != nil {
			p.log.Debugw("provider: dropping frame", "error", err)
		}
	}
}

func (p *Provider) handleFrame(ctx context.Context, frame []byte) error {
	top, body, err := codec.TopLevelType(frame)
	if err != nil {
		return err
	}
	if top != codec.MessageSync {
		return nil // awareness frames are the caller's concern, not this package's
	}
	msg, err := codec.DecodeSync(body)
	if err != nil {
		return err
	}
	replies, err := p.endpoint.HandleSyncFrame(msg)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if err := p.sock.Send(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// sendAsync mirrors a local update out. It sends synchronously on the
// caller's goroutine (for the Subscribe callback, whatever goroutine
// mutated the document) and does not report the error to that caller: a
// failure is recorded and surfaces on the next Run loop iteration.
func (p *Provider) sendAsync(frame []byte) {
	if err := p.sock.Send(context.Background(), frame); err != nil {
		select {
		case p.sendErrs <- err:
		default:
		}
	}
}

// Close tears down the underlying connection.
func (p *Provider) Close() error {
	return p.sock.Close()
}
