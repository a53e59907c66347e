package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ybroker/ybroker/room"
)

// connection bridges one transport socket to one room membership: a reader
// goroutine forwards inbound frames to the room, a writer goroutine drains
// this connection's bounded send queue onto the socket, and a ticker
// keeps the transport's keepalive alive. Grounded on the teacher's
// Client.ReadPump/WritePump split (server/client.go), generalized from a
// single *websocket.Conn field to the Websocket interface and from JSON
// ServerMessage values to opaque binary frames.
type connection struct {
	id      uint64
	traceID string // correlates this connection's log lines across both pumps
	path    string
	sock    Websocket
	room    *room.Room
	log     *zap.SugaredLogger
	send    chan []byte
	closed  chan struct{}
}

func newConnection(id uint64, path string, sock Websocket, r *room.Room, queueCapacity int, logger *zap.SugaredLogger) *connection {
	traceID := uuid.NewString()
	return &connection{
		id:      id,
		traceID: traceID,
		path:    path,
		sock:    sock,
		room:    r,
		log:     logger.With("trace_id", traceID, "path", path),
		send:    make(chan []byte, queueCapacity),
		closed:  make(chan struct{}),
	}
}

// Send implements room.Sink. It never blocks: a full queue means the
// client is too slow to keep up, so the socket is closed (which ends
// readPump and tears the connection down) and the room drops the member.
func (c *connection) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warnw("broker: closing slow consumer", "client", c.id)
		c.sock.Close()
		return room.ErrSlowConsumer
	}
}

// readPump forwards inbound frames to the room until the socket errors or
// closes. It owns the lifetime of the connection: its return triggers
// teardown of both pumps and the room membership.
func (c *connection) readPump(ctx context.Context) {
	defer c.teardown()
	for {
		frame, err := c.sock.Recv(ctx)
		if err != nil {
			c.log.Debugw("broker: read ended", "client", c.id, "error", err)
			return
		}
		c.room.HandleFrame(c.id, frame)
	}
}

// writePump drains the send queue onto the socket and pings on an interval
// so intermediaries don't consider the connection idle and drop it.
func (c *connection) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	gs, canPing := c.sock.(*gorillaSocket)

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.sock.Send(ctx, frame); err != nil {
				return
			}
		case <-ticker.C:
			if canPing {
				if err := gs.ping(); err != nil {
					return
				}
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) teardown() {
	c.room.Leave(c.id)
	close(c.closed)
	c.sock.Close()
}
