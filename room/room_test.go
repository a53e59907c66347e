package room

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ybroker/ybroker/codec"
	"github.com/ybroker/ybroker/crdt"
	"github.com/ybroker/ybroker/store"
)

type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	full     bool
	received chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{received: make(chan struct{}, 64)}
}

func (s *fakeSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return ErrSlowConsumer
	}
	s.frames = append(s.frames, frame)
	s.received <- struct{}{}
	return nil
}

func (s *fakeSink) wait(n int) {
	for i := 0; i < n; i++ {
		<-s.received
	}
}

func (s *fakeSink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	st, err := store.NewTempFileStore("room-test")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger := zap.NewNop().Sugar()
	r := New("test/room", 1, st, 16, logger)
	<-r.Ready()
	t.Cleanup(r.Close)
	return r
}

func TestJoinSendsOnlyHelloWhenNoAwarenessState(t *testing.T) {
	r := newTestRoom(t)
	sink := newFakeSink()
	r.Join(1, sink)
	sink.wait(1)

	frames := sink.all()
	require.Len(t, frames, 1)
	typ, body, err := codec.TopLevelType(frames[0])
	require.NoError(t, err)
	assert.Equal(t, codec.MessageSync, typ)
	msg, err := codec.DecodeSync(body)
	require.NoError(t, err)
	assert.Equal(t, codec.SyncStep1, msg.Type)
}

func TestUpdateBroadcastsToOthersNotOrigin(t *testing.T) {
	r := newTestRoom(t)
	sinkA, sinkB := newFakeSink(), newFakeSink()
	r.Join(1, sinkA)
	r.Join(2, sinkB)
	sinkA.wait(1)
	sinkB.wait(1)

	// simulate client 1 sending an Update frame carrying a well-formed
	// CRDT update, built via a throwaway replica.
	frame := buildUpdateFrame(t)
	r.HandleFrame(1, frame)

	sinkB.wait(1)
	assert.Empty(t, findUpdateFrames(sinkA.all()), "origin must not receive its own update back")
	assert.Len(t, findUpdateFrames(sinkB.all()), 1)
}

func TestLeaveBroadcastsAwarenessDeparture(t *testing.T) {
	r := newTestRoom(t)
	sinkA, sinkB := newFakeSink(), newFakeSink()
	r.Join(1, sinkA)
	r.Join(2, sinkB)
	sinkA.wait(1)
	sinkB.wait(1)

	aw := codec.EncodeAwareness([]codec.AwarenessEntry{{ClientID: 1, Clock: 1, State: []byte("hi")}})
	r.HandleFrame(1, aw)
	sinkB.wait(1)

	r.Leave(1)
	sinkB.wait(1)

	frames := sinkB.all()
	last := frames[len(frames)-1]
	_, body, err := codec.TopLevelType(last)
	require.NoError(t, err)
	entries, err := codec.DecodeAwareness(body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].State)
}

func TestRoomReplaysPersistedUpdatesBeforeServing(t *testing.T) {
	st, err := store.NewTempFileStore("room-replay")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Write(context.Background(), "test/replay", buildRawUpdate(t), nil))

	logger := zap.NewNop().Sugar()
	r := New("test/replay", 1, st, 16, logger)
	<-r.Ready()
	defer r.Close()

	sink := newFakeSink()
	r.Join(5, sink)
	sink.wait(1) // hello only; replay happened before Join, so no separate update frame

	assert.Equal(t, 1, r.ClientCount())

	records, err := st.Read(context.Background(), "test/replay")
	require.NoError(t, err)
	assert.Len(t, records, 1, "replay must not re-append the history it just read back into the store")
}

func buildUpdateFrame(t *testing.T) []byte {
	t.Helper()
	return codec.EncodeUpdate(buildRawUpdate(t))
}

func buildRawUpdate(t *testing.T) []byte {
	t.Helper()
	scratch := crdt.NewReplica(99)
	return scratch.SetMap("key", []byte("value"))
}

func findUpdateFrames(frames [][]byte) [][]byte {
	var out [][]byte
	for _, f := range frames {
		typ, body, err := codec.TopLevelType(f)
		if err != nil || typ != codec.MessageSync {
			continue
		}
		msg, err := codec.DecodeSync(body)
		if err != nil {
			continue
		}
		if msg.Type == codec.SyncUpdate {
			out = append(out, f)
		}
	}
	return out
}
