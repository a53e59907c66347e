package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
)

func TestHandshakeSyncsTwoEndpoints(t *testing.T) {
	serverDoc := crdt.NewReplica(1)
	serverDoc.SetMap("title", []byte("hello"))
	server := NewEndpoint(serverDoc, nil)

	clientDoc := crdt.NewReplica(2)
	var clientSynced bool
	client := NewEndpoint(clientDoc, func() { clientSynced = true })

	hello := client.Hello()
	_, body, err := codec.TopLevelType(hello)
	require.NoError(t, err)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)

	replies, err := server.HandleSyncFrame(msg)
	require.NoError(t, err)
	require.Len(t, replies, 1)

	_, body, err = codec.TopLevelType(replies[0])
	require.NoError(t, err)
	msg, err = codec.DecodeSync(body)
	require.NoError(t, err)
	assert.Equal(t, codec.SyncStep2, msg.Type)

	_, err = client.HandleSyncFrame(msg)
	require.NoError(t, err)

	assert.True(t, clientSynced)
	v, ok := clientDoc.GetMap("title")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
}

func TestUpdateFrameAppliesWithoutMarkingSynced(t *testing.T) {
	doc := crdt.NewReplica(1)
	ep := NewEndpoint(doc, nil)

	other := crdt.NewReplica(2)
	upd := other.SetMap("k", []byte("v"))

	_, body, err := codec.TopLevelType(LocalUpdate(upd))
	require.NoError(t, err)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)

	replies, err := ep.HandleSyncFrame(msg)
	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.False(t, ep.Synced())

	v, ok := doc.GetMap("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestHandleSyncFrameRejectsCorruptUpdate(t *testing.T) {
	doc := crdt.NewReplica(1)
	ep := NewEndpoint(doc, nil)

	_, err := ep.HandleSyncFrame(codec.SyncMessage{Type: codec.SyncUpdate, Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}})
	assert.Error(t, err)
}

func TestUnknownSyncSubTypeIsIgnored(t *testing.T) {
	doc := crdt.NewReplica(1)
	ep := NewEndpoint(doc, nil)

	replies, err := ep.HandleSyncFrame(codec.SyncMessage{Type: 0xEE, Payload: nil})
	require.NoError(t, err)
	assert.Empty(t, replies)
}
