package crdt

import (
	"github.com/ybroker/ybroker/codec"
)

type opKind byte

const (
	opMapSet     opKind = 0
	opTextInsert opKind = 1
	opTextDelete opKind = 2
)

// op is one causally-identified mutation in the replica's log. Every op
// carries its own ID so replicas can deduplicate on integration regardless
// of how many times it arrives.
type op struct {
	kind opKind
	id   ID

	// opMapSet
	key   string
	value []byte

	// opTextInsert / opTextDelete
	field  string
	parent ID // opTextInsert: the element this one is inserted after
	target ID // opTextDelete: the element being tombstoned
	ch     rune
}

// encodeOps serializes a slice of ops into update bytes. The replica and
// counter fields are written relative to nothing — IDs are absolute, so
// the encoding is stable regardless of which subset of the log is encoded.
func encodeOps(ops []op) []byte {
	buf := codec.WriteVarUint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = codec.WriteVarUint(buf, o.id.Replica)
		buf = codec.WriteVarUint(buf, o.id.Counter)
		switch o.kind {
		case opMapSet:
			buf = codec.WriteVarString(buf, []byte(o.key))
			buf = codec.WriteVarString(buf, o.value)
		case opTextInsert:
			buf = codec.WriteVarString(buf, []byte(o.field))
			buf = codec.WriteVarUint(buf, o.parent.Replica)
			buf = codec.WriteVarUint(buf, o.parent.Counter)
			buf = codec.WriteVarUint(buf, uint64(o.ch))
		case opTextDelete:
			buf = codec.WriteVarString(buf, []byte(o.field))
			buf = codec.WriteVarUint(buf, o.target.Replica)
			buf = codec.WriteVarUint(buf, o.target.Counter)
		}
	}
	return buf
}

// decodeOps is the inverse of encodeOps. It returns ErrRejected on any
// malformed input rather than panicking: corrupt update bytes must not take
// down the room that applies them.
func decodeOps(data []byte) ([]op, error) {
	d := codec.NewDecoder(data)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, ErrRejected
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		kindByte, err := d.ReadByte()
		if err != nil {
			return nil, ErrRejected
		}
		kind := opKind(kindByte)
		replica, err := d.ReadVarUint()
		if err != nil {
			return nil, ErrRejected
		}
		counter, err := d.ReadVarUint()
		if err != nil {
			return nil, ErrRejected
		}
		o := op{kind: kind, id: ID{Replica: replica, Counter: counter}}
		switch kind {
		case opMapSet:
			key, err := d.ReadVarString()
			if err != nil {
				return nil, ErrRejected
			}
			value, err := d.ReadVarString()
			if err != nil {
				return nil, ErrRejected
			}
			o.key = string(key)
			o.value = append([]byte(nil), value...)
		case opTextInsert:
			field, err := d.ReadVarString()
			if err != nil {
				return nil, ErrRejected
			}
			pr, err := d.ReadVarUint()
			if err != nil {
				return nil, ErrRejected
			}
			pc, err := d.ReadVarUint()
			if err != nil {
				return nil, ErrRejected
			}
			chv, err := d.ReadVarUint()
			if err != nil {
				return nil, ErrRejected
			}
			o.field = string(field)
			o.parent = ID{Replica: pr, Counter: pc}
			o.ch = rune(chv)
		case opTextDelete:
			field, err := d.ReadVarString()
			if err != nil {
				return nil, ErrRejected
			}
			tr, err := d.ReadVarUint()
			if err != nil {
				return nil, ErrRejected
			}
			tc, err := d.ReadVarUint()
			if err != nil {
				return nil, ErrRejected
			}
			o.field = string(field)
			o.target = ID{Replica: tr, Counter: tc}
		default:
			return nil, ErrRejected
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// encodeStateVector serializes a replica->maxCounter map.
func encodeStateVector(sv map[uint64]uint64) []byte {
	buf := codec.WriteVarUint(nil, uint64(len(sv)))
	for replica, counter := range sv {
		buf = codec.WriteVarUint(buf, replica)
		buf = codec.WriteVarUint(buf, counter)
	}
	return buf
}

// decodeStateVector is the inverse of encodeStateVector. A malformed or
// empty input decodes to an empty map (a peer with no prior state), never
// an error: a state vector is advisory input, not a trust boundary.
func decodeStateVector(data []byte) map[uint64]uint64 {
	sv := make(map[uint64]uint64)
	d := codec.NewDecoder(data)
	n, err := d.ReadVarUint()
	if err != nil {
		return sv
	}
	for i := uint64(0); i < n; i++ {
		replica, err := d.ReadVarUint()
		if err != nil {
			return sv
		}
		counter, err := d.ReadVarUint()
		if err != nil {
			return sv
		}
		sv[replica] = counter
	}
	return sv
}
