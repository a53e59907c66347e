// Package codec reads and writes the binary wire frames exchanged between
// sync protocol endpoints: varint length-prefixed byte strings wrapped in a
// top-level message-type tag, compatible with the y-protocols framing.
package codec

import (
	"errors"
)

// Top-level message types (first byte of every frame).
const (
	MessageSync      byte = 0
	MessageAwareness byte = 1
)

// Sync sub-message types (second byte of a MessageSync frame).
const (
	SyncStep1 byte = 0
	SyncStep2 byte = 1
	SyncUpdate byte = 2
)

// ErrDecode reports a malformed frame. Callers MUST drop the frame and keep
// the connection open; decoding is total, it never panics.
var ErrDecode = errors.New("codec: malformed frame")

// WriteVarUint appends num to buf using the Yjs-compatible 7-bit
// continuation varint encoding (LEB128-like, unsigned).
func WriteVarUint(buf []byte, num uint64) []byte {
	for num > 127 {
		buf = append(buf, byte(128|(127&num)))
		num >>= 7
	}
	return append(buf, byte(num))
}

// WriteVarString appends a length-prefixed byte string to buf.
func WriteVarString(buf []byte, data []byte) []byte {
	buf = WriteVarUint(buf, uint64(len(data)))
	return append(buf, data...)
}

// Decoder reads varints and length-prefixed byte strings from a frame.
// Decoding is total: a malformed stream yields ErrDecode rather than
// panicking, so the caller can drop the frame and keep the connection open.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder wraps data for sequential reads.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Len reports how many bytes remain unread.
func (d *Decoder) Len() int {
	return len(d.data) - d.pos
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrDecode
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

// ReadVarUint reads a varint-encoded unsigned integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if d.pos >= len(d.data) {
			return 0, ErrDecode
		}
		b := d.data[d.pos]
		d.pos++
		result |= uint64(b&127) << shift
		if b < 128 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrDecode
		}
	}
}

// ReadVarString reads a length-prefixed byte string.
func (d *Decoder) ReadVarString() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, ErrDecode
	}
	start := d.pos
	d.pos += int(n)
	return d.data[start:d.pos], nil
}

// SyncMessage is a decoded sync sub-message: SyncStep1 carries a state
// vector, SyncStep2 and SyncUpdate carry update bytes.
type SyncMessage struct {
	Type    byte
	Payload []byte
}

// EncodeSyncStep1 frames a SyncStep1 message carrying the local state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames a SyncStep2 message carrying a diff update.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate frames an Update message carrying CRDT update bytes.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(subType byte, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, MessageSync, subType)
	buf = WriteVarString(buf, payload)
	return buf
}

// DecodeSync decodes a MessageSync frame's body (the bytes after the
// top-level tag). Returns ErrDecode on any malformed input.
func DecodeSync(body []byte) (SyncMessage, error) {
	d := NewDecoder(body)
	subType, err := d.ReadByte()
	if err != nil {
		return SyncMessage{}, ErrDecode
	}
	payload, err := d.ReadVarString()
	if err != nil {
		return SyncMessage{}, ErrDecode
	}
	return SyncMessage{Type: subType, Payload: payload}, nil
}

// AwarenessEntry is one client's presence record inside an awareness frame.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte // nil means departure
}

// EncodeAwareness frames an awareness update carrying the given entries.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	body := WriteVarUint(nil, uint64(len(entries)))
	for _, e := range entries {
		body = WriteVarUint(body, e.ClientID)
		body = WriteVarUint(body, e.Clock)
		body = WriteVarString(body, e.State)
	}
	buf := make([]byte, 0, len(body)+8)
	buf = append(buf, MessageAwareness)
	buf = WriteVarString(buf, body)
	return buf
}

// DecodeAwareness decodes a MessageAwareness frame's body.
func DecodeAwareness(body []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(body)
	payload, err := d.ReadVarString()
	if err != nil {
		return nil, ErrDecode
	}
	pd := NewDecoder(payload)
	n, err := pd.ReadVarUint()
	if err != nil {
		return nil, ErrDecode
	}
	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := pd.ReadVarUint()
		if err != nil {
			return nil, ErrDecode
		}
		clock, err := pd.ReadVarUint()
		if err != nil {
			return nil, ErrDecode
		}
		state, err := pd.ReadVarString()
		if err != nil {
			return nil, ErrDecode
		}
		var s []byte
		if len(state) > 0 {
			s = state
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: s})
	}
	return entries, nil
}

// TopLevelType returns the top-level message tag of a frame, or an error if
// the frame is empty. Unknown tags are returned without error: recipients
// MUST ignore frames whose top-level tag is unknown, not reject them.
func TopLevelType(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrDecode
	}
	return frame[0], frame[1:], nil
}
