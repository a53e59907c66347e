package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapConvergesRegardlessOfApplyOrder(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	updA := a.SetMap("color", []byte("blue"))
	updB := b.SetMap("color", []byte("red"))

	// apply in one order on a, the opposite order on b
	_, err := a.ApplyUpdate(updB)
	require.NoError(t, err)

	_, err = b.ApplyUpdate(updA)
	require.NoError(t, err)

	va, _ := a.GetMap("color")
	vb, _ := b.GetMap("color")
	assert.Equal(t, va, vb, "both replicas must converge on the same LWW winner")
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	upd := a.SetMap("key", []byte("value"))

	applied, err := b.ApplyUpdate(upd)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.ApplyUpdate(upd)
	require.NoError(t, err)
	assert.False(t, applied, "re-applying the same update must be a no-op")
}

func TestEncodeDiffIsMinimal(t *testing.T) {
	a := NewReplica(1)
	a.SetMap("x", []byte("1"))
	a.SetMap("y", []byte("2"))

	b := NewReplica(2)
	diffToB := a.EncodeDiff(b.StateVector())
	applied, err := b.ApplyUpdate(diffToB)
	require.NoError(t, err)
	assert.True(t, applied)

	// b is now caught up; a further diff against b's state vector is empty.
	emptyDiff := a.EncodeDiff(b.StateVector())
	ops, err := decodeOps(emptyDiff)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestTextInsertAndDeleteConverge(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	var updates [][]byte
	updates = append(updates, a.InsertText("body", 0, 'a'))
	updates = append(updates, a.InsertText("body", 1, 'b'))
	updates = append(updates, a.InsertText("body", 2, 'c'))
	assert.Equal(t, "abc", a.Text("body"))

	for _, u := range updates {
		_, err := b.ApplyUpdate(u)
		require.NoError(t, err)
	}
	assert.Equal(t, "abc", b.Text("body"))

	delUpd, ok := a.DeleteText("body", 1)
	require.True(t, ok)
	assert.Equal(t, "ac", a.Text("body"))

	_, err := b.ApplyUpdate(delUpd)
	require.NoError(t, err)
	assert.Equal(t, "ac", b.Text("body"))
}

func TestConcurrentTextInsertsAtSamePositionConverge(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	base := a.InsertText("body", 0, 'x')
	_, err := b.ApplyUpdate(base)
	require.NoError(t, err)

	// both replicas insert at index 1, concurrently, without seeing each
	// other's op first.
	updA := a.InsertText("body", 1, 'A')
	updB := b.InsertText("body", 1, 'B')

	_, err = a.ApplyUpdate(updB)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(updA)
	require.NoError(t, err)

	assert.Equal(t, a.Text("body"), b.Text("body"))
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	a := NewReplica(1)
	_, err := a.ApplyUpdate([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSubscribeReceivesLocalAndRemoteUpdates(t *testing.T) {
	a := NewReplica(1)
	b := NewReplica(2)

	var got [][]byte
	h := b.Subscribe(func(u []byte) {
		got = append(got, u)
	})
	defer b.Unsubscribe(h)

	upd := a.SetMap("k", []byte("v"))
	_, err := b.ApplyUpdate(upd)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = b.ApplyUpdate(upd)
	require.NoError(t, err)
	assert.Len(t, got, 1, "a duplicate apply must not trigger another notification")

	b.SetMap("local", []byte("1"))
	assert.Len(t, got, 2, "a local mutation must also notify subscribers")
}
