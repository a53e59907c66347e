package broker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
	"github.com/ybroker/ybroker/store"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewTempFileStore("broker-test")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := NewServer(st, DefaultConfig(), zap.NewNop().Sugar())
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return server
}

func wsConnect(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestConnectReceivesSyncHello(t *testing.T) {
	server := setupTestServer(t)
	conn := wsConnect(t, server, "/rooms/doc1")
	defer conn.Close()

	frame := readFrame(t, conn)
	typ, body, err := codec.TopLevelType(frame)
	require.NoError(t, err)
	assert.Equal(t, codec.MessageSync, typ)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)
	assert.Equal(t, codec.SyncStep1, msg.Type)
}

func TestTwoClientsShareUpdatesButNotSelfEcho(t *testing.T) {
	server := setupTestServer(t)
	conn1 := wsConnect(t, server, "/rooms/shared")
	defer conn1.Close()
	readFrame(t, conn1) // hello

	conn2 := wsConnect(t, server, "/rooms/shared")
	defer conn2.Close()
	readFrame(t, conn2) // hello

	scratch := crdt.NewReplica(42)
	update := scratch.SetMap("title", []byte("hello"))
	require.NoError(t, conn1.WriteMessage(websocket.BinaryMessage, codec.EncodeUpdate(update)))

	frame := readFrame(t, conn2)
	typ, body, err := codec.TopLevelType(frame)
	require.NoError(t, err)
	require.Equal(t, codec.MessageSync, typ)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)
	assert.Equal(t, codec.SyncUpdate, msg.Type)
	assert.Equal(t, update, msg.Payload)

	// conn1 must not receive its own update back.
	conn1.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn1.ReadMessage()
	assert.Error(t, err, "origin should not have received anything else")
}

func TestLateJoinerSeesPriorState(t *testing.T) {
	server := setupTestServer(t)
	conn1 := wsConnect(t, server, "/rooms/late")
	defer conn1.Close()
	readFrame(t, conn1)

	scratch := crdt.NewReplica(7)
	update := scratch.SetMap("k", []byte("v"))
	require.NoError(t, conn1.WriteMessage(websocket.BinaryMessage, codec.EncodeUpdate(update)))

	// give the room a moment to apply the update before the second client
	// joins the same, already-running room.
	time.Sleep(100 * time.Millisecond)

	conn2 := wsConnect(t, server, "/rooms/late")
	defer conn2.Close()
	hello := readFrame(t, conn2)
	_, body, err := codec.TopLevelType(hello)
	require.NoError(t, err)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)
	assert.Equal(t, codec.SyncStep1, msg.Type)
	assert.NotEmpty(t, msg.Payload, "a room with prior state has a non-empty state vector")
}
