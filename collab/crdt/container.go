package crdt

import (
	"encoding/json"
)

// Map is a field-level last-write-wins map container. Concurrent sets
// on disjoint keys merge cleanly; sets on the same key resolve by
// (clock, actor).
type Map struct {
	doc  *Doc
	name string

	registers map[string]*register
}

func newMap(doc *Doc, name string) *Map {
	return &Map{
		doc:       doc,
		name:      name,
		registers: map[string]*register{},
	}
}

// Set writes one key. Must be called inside a transaction.
func (self *Map) Set(key string, value any) {
	raw := mustMarshal(value)
	self.doc.localOp(Op{
		Type:      OpTypeMapSet,
		Container: self.name,
		Key:       key,
		Value:     raw,
	})
}

// Delete removes one key. Must be called inside a transaction.
func (self *Map) Delete(key string) {
	self.doc.localOp(Op{
		Type:      OpTypeMapDel,
		Container: self.name,
		Key:       key,
	})
}

func (self *Map) Get(key string) (json.RawMessage, bool) {
	reg, ok := self.registers[key]
	if !ok || reg.deleted {
		return nil, false
	}
	return reg.value, true
}

// GetInto decodes the value at key into out. Returns false if the key
// is absent or the stored value does not decode into out.
func (self *Map) GetInto(key string, out any) bool {
	raw, ok := self.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (self *Map) Keys() []string {
	keys := []string{}
	for key, reg := range self.registers {
		if !reg.deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

func (self *Map) Len() int {
	n := 0
	for _, reg := range self.registers {
		if !reg.deleted {
			n += 1
		}
	}
	return n
}

// element is one entry of a List. Ordering metadata (after, id) is
// immutable; fields and the deleted flag are LWW registers.
type element struct {
	id     OpID
	after  OpID
	clock  uint64
	fields map[string]*register
	// LWW tombstone so delete/restore converge
	deleted *register
}

func (self *element) isDeleted() bool {
	if self.deleted == nil {
		return false
	}
	return self.deleted.deleted
}

// Element is a read-only snapshot of a visible list entry.
type Element struct {
	ID     OpID
	Fields map[string]json.RawMessage
}

// DecodeInto unmarshals the element's field map into out as one JSON
// object.
func (self Element) DecodeInto(out any) error {
	obj, err := json.Marshal(self.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(obj, out)
}

// List is a replicated ordered sequence. Elements are placed after
// their predecessor; concurrent inserts at the same spot interleave by
// (clock, actor) of the inserting op, never by arrival order. Removed
// elements stay as tombstones to anchor later inserts.
type List struct {
	doc  *Doc
	name string

	// insertion order maintained here, tombstones included
	order []*element
	index map[OpID]*element
}

func newList(doc *Doc, name string) *List {
	return &List{
		doc:   doc,
		name:  name,
		order: []*element{},
		index: map[OpID]*element{},
	}
}

// Push appends a new element. Must be called inside a transaction.
// Returns the new element id.
func (self *List) Push(fields map[string]any) OpID {
	var after OpID
	if 0 < len(self.order) {
		after = self.order[len(self.order)-1].id
	}
	return self.InsertAfter(after, fields)
}

// InsertAfter inserts a new element after the given element id (zero
// id inserts at the head). Must be called inside a transaction.
func (self *List) InsertAfter(after OpID, fields map[string]any) OpID {
	rawFields := map[string]json.RawMessage{}
	for key, value := range fields {
		rawFields[key] = mustMarshal(value)
	}
	op := self.doc.localOp(Op{
		Type:      OpTypeInsert,
		Container: self.name,
		After:     after,
		Fields:    rawFields,
	})
	return op.ID
}

// Remove tombstones an element. Must be called inside a transaction.
func (self *List) Remove(elem OpID) {
	self.doc.localOp(Op{
		Type:      OpTypeDelete,
		Container: self.name,
		Elem:      elem,
	})
}

// restore clears an element's tombstone (undo of Remove).
func (self *List) restore(elem OpID) {
	self.doc.localOp(Op{
		Type:      OpTypeRestore,
		Container: self.name,
		Elem:      elem,
	})
}

// SetField writes one field of an element. Must be called inside a
// transaction.
func (self *List) SetField(elem OpID, field string, value any) {
	self.doc.localOp(Op{
		Type:      OpTypeSetField,
		Container: self.name,
		Elem:      elem,
		Key:       field,
		Value:     mustMarshal(value),
	})
}

// Get returns the visible element with the given id.
func (self *List) Get(elem OpID) (Element, bool) {
	e, ok := self.index[elem]
	if !ok || e.isDeleted() {
		return Element{}, false
	}
	return snapshotElement(e), true
}

// Elements returns the visible elements in sequence order.
func (self *List) Elements() []Element {
	elements := []Element{}
	for _, e := range self.order {
		if e.isDeleted() {
			continue
		}
		elements = append(elements, snapshotElement(e))
	}
	return elements
}

func (self *List) Len() int {
	n := 0
	for _, e := range self.order {
		if !e.isDeleted() {
			n += 1
		}
	}
	return n
}

// FindByField returns the first visible element whose field decodes to
// the given string. The workflow layer keys jobs/edges by a string id
// field, distinct from the CRDT element id.
func (self *List) FindByField(field string, value string) (Element, bool) {
	raw := mustMarshal(value)
	for _, e := range self.order {
		if e.isDeleted() {
			continue
		}
		reg, ok := e.fields[field]
		if !ok || reg.deleted {
			continue
		}
		if string(reg.value) == string(raw) {
			return snapshotElement(e), true
		}
	}
	return Element{}, false
}

func snapshotElement(e *element) Element {
	fields := map[string]json.RawMessage{}
	for key, reg := range e.fields {
		if reg.deleted {
			continue
		}
		fields[key] = reg.value
	}
	return Element{
		ID:     e.id,
		Fields: fields,
	}
}

// insert places e in sequence order using the RGA rule: start at the
// predecessor, then skip over any run of elements that sort after the
// new element. Two replicas inserting concurrently at the same spot
// end up in the same relative order on both ends.
func (self *List) insert(e *element) {
	i := 0
	if !e.after.IsZero() {
		anchor, ok := self.index[e.after]
		if !ok {
			// dependency is checked before apply
			panic("crdt: insert before anchor")
		}
		for j, existing := range self.order {
			if existing == anchor {
				i = j + 1
				break
			}
		}
	}
	for i < len(self.order) {
		existing := self.order[i]
		if lessID(existing.clock, existing.id.Actor, e.clock, e.id.Actor) {
			break
		}
		i += 1
	}
	self.order = append(self.order, nil)
	copy(self.order[i+1:], self.order[i:])
	self.order[i] = e
	self.index[e.id] = e
}

func mustMarshal(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return raw
}
