// Package broker is the server side of the sync protocol: it accepts
// transport connections, routes them to a room by path, and relays decoded
// frames between the transport and the room's single-goroutine inbox.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// Websocket is the capability surface a transport gives the broker: framed
// send/receive plus a close. The gorilla-backed implementation below is
// the only one this module ships, but isolating it behind an interface
// keeps the broker's routing logic testable without a real socket.
type Websocket interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// gorillaSocket adapts a *websocket.Conn to the Websocket interface.
// Grounded on the teacher's server/client.go ReadPump/WritePump deadlines
// (pongWait/pingPeriod/maxMsgSize are the same constants), restated here as
// blocking Send/Recv calls instead of goroutine pumps — the pumping itself
// lives in connection.go, generalized from per-message JSON frames to
// opaque binary sync/awareness frames.
type gorillaSocket struct {
	conn *websocket.Conn
}

func newGorillaSocket(conn *websocket.Conn) *gorillaSocket {
	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &gorillaSocket{conn: conn}
}

func (s *gorillaSocket) Send(ctx context.Context, frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("broker: set write deadline: %w", err)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *gorillaSocket) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *gorillaSocket) Close() error {
	return s.conn.Close()
}

func (s *gorillaSocket) ping() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
