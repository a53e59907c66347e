package crdt

// mapValue is the current winner for one key: the op that set it and the
// value it carried.
type mapValue struct {
	id    ID
	value []byte
}

// lwwMap is a last-write-wins map keyed by string, with the ID total order
// (document.go's ID.Less) as the tiebreaker. Grounded on the seed-hypermedia
// lwwmap Value.Compare pattern (timestamp first, deterministic tiebreak
// second), specialized to a flat string-keyed map rather than that repo's
// path-tree.
type lwwMap struct {
	entries map[string]mapValue
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: map[string]mapValue{}}
}

// set integrates a map-set op, idempotently: a later-or-equal winner for the
// same key is a no-op. Returns true only if the op became the new winner,
// i.e. the map actually changed as a result of this call.
func (m *lwwMap) set(o op) bool {
	cur, ok := m.entries[o.key]
	if ok && !cur.id.Less(o.id) {
		return false
	}
	m.entries[o.key] = mapValue{id: o.id, value: o.value}
	return true
}

func (m *lwwMap) get(key string) ([]byte, bool) {
	v, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return v.value, true
}

// snapshot returns a copy of the current key->value contents.
func (m *lwwMap) snapshot() map[string][]byte {
	out := make(map[string][]byte, len(m.entries))
	for k, v := range m.entries {
		out[k] = v.value
	}
	return out
}
