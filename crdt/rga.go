package crdt

import "strings"

// element is one character in a sequence CRDT field, tombstoned rather than
// removed on delete so concurrent inserts anchored to it still have
// somewhere to land.
type element struct {
	id      ID
	ch      rune
	visible bool
}

// textField is a replicated growable array: each element is inserted as a
// child of the element it followed at insertion time, children of a parent
// are kept sorted so every replica that has integrated the same ops walks
// the tree in the same order.
//
// Grounded on the RGA shape in aggregat4-go-crdtnotes: a head sentinel,
// parent->children adjacency, and waiting buffers for ops that arrive
// before their parent/target is known.
type textField struct {
	head     ID // sentinel, never visible
	elems    map[ID]*element
	children map[ID][]ID
	waiting  map[ID][]op // inserts buffered on a missing parent
	waitDel  map[ID][]op // deletes buffered on a missing target
}

func newTextField() *textField {
	head := ID{}
	return &textField{
		head:     head,
		elems:    map[ID]*element{head: {id: head, visible: false}},
		children: map[ID][]ID{},
		waiting:  map[ID][]op{},
		waitDel:  map[ID][]op{},
	}
}

// applyInsert integrates an insert op, idempotently. If the parent is not
// yet known it is buffered until the parent arrives.
func (t *textField) applyInsert(o op) {
	if _, exists := t.elems[o.id]; exists {
		return
	}
	if _, ok := t.elems[o.parent]; !ok {
		t.waiting[o.parent] = append(t.waiting[o.parent], o)
		return
	}
	t.elems[o.id] = &element{id: o.id, ch: o.ch, visible: true}
	t.insertSorted(o.parent, o.id)
	t.flushWaiting(o.id)
}

// applyDelete tombstones the target element, idempotently. If the target is
// not yet known the delete is buffered until it arrives.
func (t *textField) applyDelete(o op) {
	el, ok := t.elems[o.target]
	if !ok {
		t.waitDel[o.target] = append(t.waitDel[o.target], o)
		return
	}
	el.visible = false
}

func (t *textField) flushWaiting(parent ID) {
	for _, o := range t.waiting[parent] {
		t.applyInsert(o)
	}
	delete(t.waiting, parent)
	for _, o := range t.waitDel[parent] {
		t.applyDelete(o)
	}
	delete(t.waitDel, parent)
}

// insertSorted splices child into parent's children list, keeping siblings
// ordered by ID so concurrent inserts at the same position converge to the
// same sequence on every replica.
func (t *textField) insertSorted(parent, child ID) {
	siblings := t.children[parent]
	i := 0
	for i < len(siblings) && siblings[i].Less(child) {
		i++
	}
	siblings = append(siblings, ID{})
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = child
	t.children[parent] = siblings
}

// text walks the tree depth-first, collecting visible characters in
// document order.
func (t *textField) text() string {
	var sb strings.Builder
	var walk func(ID)
	walk = func(id ID) {
		if el := t.elems[id]; el != nil && el.visible {
			sb.WriteRune(el.ch)
		}
		for _, child := range t.children[id] {
			walk(child)
		}
	}
	walk(t.head)
	return sb.String()
}

// visibleIDs returns the IDs of currently-visible elements in document
// order, used to resolve a local index into an anchor ID.
func (t *textField) visibleIDs() []ID {
	var out []ID
	var walk func(ID)
	walk = func(id ID) {
		if el := t.elems[id]; el != nil && el.visible {
			out = append(out, id)
		}
		for _, child := range t.children[id] {
			walk(child)
		}
	}
	walk(t.head)
	return out
}

// anchorBefore returns the ID a new element inserted at index should be
// made a child of: the head sentinel for index 0, otherwise the element
// currently at index-1.
func (t *textField) anchorBefore(index int) ID {
	ids := t.visibleIDs()
	if index <= 0 || len(ids) == 0 {
		return t.head
	}
	if index > len(ids) {
		index = len(ids)
	}
	return ids[index-1]
}

// idAt returns the ID of the visible element at index, or false if index is
// out of range.
func (t *textField) idAt(index int) (ID, bool) {
	ids := t.visibleIDs()
	if index < 0 || index >= len(ids) {
		return ID{}, false
	}
	return ids[index], true
}
