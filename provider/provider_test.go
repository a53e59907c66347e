package provider

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ybroker/ybroker/broker"
	"github.com/ybroker/ybroker/crdt"
	"github.com/ybroker/ybroker/store"
)

// gorillaClientSocket adapts a client-dialed *websocket.Conn to this
// package's Websocket interface, for exercising Provider against a real
// broker.Server over an actual socket rather than an in-process fake.
type gorillaClientSocket struct {
	conn *websocket.Conn
}

func (s *gorillaClientSocket) Send(ctx context.Context, frame []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *gorillaClientSocket) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *gorillaClientSocket) Close() error {
	return s.conn.Close()
}

func dialProvider(t *testing.T, serverURL, path string, doc crdt.Document) *Provider {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return New(doc, &gorillaClientSocket{conn: conn}, zap.NewNop().Sugar())
}

func TestProviderSyncsWithServerState(t *testing.T) {
	st, err := store.NewTempFileStore("provider-test")
	require.NoError(t, err)
	defer st.Close()

	s := broker.NewServer(st, broker.DefaultConfig(), zap.NewNop().Sugar())
	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	// Seed the room with server-side state before any client connects, by
	// connecting once, sending an update, and disconnecting.
	seedDoc := crdt.NewReplica(1)
	seed := dialProvider(t, httpServer.URL, "/rooms/x", seedDoc)
	ctx, cancel := context.WithCancel(context.Background())
	go seed.Run(ctx)
	<-seed.Synced()
	seedDoc.SetMap("title", []byte("seeded"))
	time.Sleep(100 * time.Millisecond) // let the mirrored update reach the room
	cancel()
	seed.Close()

	clientDoc := crdt.NewReplica(2)
	p := dialProvider(t, httpServer.URL, "/rooms/x", clientDoc)
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go p.Run(ctx2)

	select {
	case <-p.Synced():
	case <-time.After(3 * time.Second):
		t.Fatal("provider never synced")
	}

	v, ok := clientDoc.GetMap("title")
	require.True(t, ok)
	assert.Equal(t, "seeded", string(v))
}

func TestProviderMirrorsLocalEditsOut(t *testing.T) {
	st, err := store.NewTempFileStore("provider-test")
	require.NoError(t, err)
	defer st.Close()

	s := broker.NewServer(st, broker.DefaultConfig(), zap.NewNop().Sugar())
	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	doc1 := crdt.NewReplica(1)
	p1 := dialProvider(t, httpServer.URL, "/rooms/mirror", doc1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p1.Run(ctx)
	<-p1.Synced()

	doc2 := crdt.NewReplica(2)
	p2 := dialProvider(t, httpServer.URL, "/rooms/mirror", doc2)
	go p2.Run(ctx)
	<-p2.Synced()

	doc1.SetMap("k", []byte("v"))

	require.Eventually(t, func() bool {
		v, ok := doc2.GetMap("k")
		return ok && string(v) == "v"
	}, 3*time.Second, 20*time.Millisecond)
}
