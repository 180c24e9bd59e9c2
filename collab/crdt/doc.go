package crdt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Doc is one replica of a shared document: named map and list
// containers built over a single op log. Concurrent edits from
// different replicas merge deterministically: field writes are
// last-write-wins by (lamport clock, actor), sequence inserts
// interleave by the same ordering, never by arrival time.
//
// A Doc is not internally synchronized. Exactly one owner serializes
// all access: the session's room lock when attached, the caller when
// standalone. Observer callbacks run with that serialization already
// in place and may read freely.
//
// All edits go through Transact. Reads are allowed at any time.

type UpdateFunc func(update []byte, origin string)
type ChangeFunc func(origin string)

type txDoneFunc func(event txEvent)

// fired after each transaction (local or applied remote) that changed
// the document
type txEvent struct {
	origin string
	local  bool
	// inverse op templates in application order, local transactions only
	inverses   []Op
	containers map[string]bool
	eventTime  time.Time
}

type Doc struct {
	actor ActorID

	clock   uint64
	nextSeq uint64

	maps  map[string]*Map
	lists map[string]*List

	// applied ops, own and remote, keyed by actor then seq
	ops map[ActorID]map[uint64]Op
	// remote ops whose dependencies have not arrived yet
	pending []Op

	inTx       bool
	txOrigin   string
	txOps      []Op
	txInverses []Op

	updateCallbacks *docCallbacks[UpdateFunc]
	changeCallbacks *docCallbacks[ChangeFunc]
	txDoneCallbacks *docCallbacks[txDoneFunc]
}

func NewDoc() *Doc {
	return NewDocWithActor(ActorID(ulid.Make().String()))
}

func NewDocWithActor(actor ActorID) *Doc {
	return &Doc{
		actor:           actor,
		maps:            map[string]*Map{},
		lists:           map[string]*List{},
		ops:             map[ActorID]map[uint64]Op{},
		updateCallbacks: newDocCallbacks[UpdateFunc](),
		changeCallbacks: newDocCallbacks[ChangeFunc](),
		txDoneCallbacks: newDocCallbacks[txDoneFunc](),
	}
}

func (self *Doc) Actor() ActorID {
	return self.actor
}

// Map returns the named map container, creating it on first use.
func (self *Doc) Map(name string) *Map {
	m, ok := self.maps[name]
	if !ok {
		if _, conflict := self.lists[name]; conflict {
			panic(fmt.Sprintf("crdt: container %s is a list", name))
		}
		m = newMap(self, name)
		self.maps[name] = m
	}
	return m
}

// List returns the named list container, creating it on first use.
func (self *Doc) List(name string) *List {
	l, ok := self.lists[name]
	if !ok {
		if _, conflict := self.maps[name]; conflict {
			panic(fmt.Sprintf("crdt: container %s is a map", name))
		}
		l = newList(self, name)
		self.lists[name] = l
	}
	return l
}

// OnUpdate registers a callback fired with the encoded ops of each
// local transaction. Remote applies do not fire it, so an update is
// never echoed back to the wire. Returns an unsubscribe func.
func (self *Doc) OnUpdate(callback UpdateFunc) func() {
	return self.updateCallbacks.add(callback)
}

// OnChange registers a callback fired after any transaction, local or
// remote, that changed the document. Returns an unsubscribe func.
func (self *Doc) OnChange(callback ChangeFunc) func() {
	return self.changeCallbacks.add(callback)
}

func (self *Doc) onTxDone(callback txDoneFunc) func() {
	return self.txDoneCallbacks.add(callback)
}

// Transact batches edits into one atomic step. Observers are notified
// synchronously after fn returns, once, even if fn issued many edits.
// Nested transactions are a programmer error.
func (self *Doc) Transact(origin string, fn func()) {
	if self.inTx {
		panic("crdt: nested transaction")
	}
	self.inTx = true
	self.txOrigin = origin
	self.txOps = nil
	self.txInverses = nil
	defer func() {
		self.inTx = false
	}()

	fn()

	ops := self.txOps
	inverses := self.txInverses
	// close the transaction before notifying so observers can read
	// and even open their own transactions
	self.inTx = false

	if len(ops) == 0 {
		return
	}

	update := encodeUpdate(ops)

	self.txDoneCallbacks.invoke(func(callback txDoneFunc) {
		callback(txEvent{
			origin:     origin,
			local:      true,
			inverses:   inverses,
			containers: opContainers(ops),
			eventTime:  time.Now(),
		})
	})
	self.updateCallbacks.invoke(func(callback UpdateFunc) {
		callback(update, origin)
	})
	self.changeCallbacks.invoke(func(callback ChangeFunc) {
		callback(origin)
	})
}

// localOp assigns identity and clock to a new local op, applies it,
// and records it in the open transaction.
func (self *Doc) localOp(template Op) Op {
	if !self.inTx {
		panic("crdt: edit outside transaction")
	}
	op := template
	op.ID = OpID{
		Actor: self.actor,
		Seq:   self.nextSeq + 1,
	}
	op.Clock = self.clock + 1

	inverse, ok := self.invert(op)
	applied, err := self.applyOp(op)
	if err != nil {
		panic(err)
	}
	if !applied {
		panic(fmt.Sprintf("crdt: local op not applied %s", op.ID))
	}
	self.nextSeq = op.ID.Seq

	self.txOps = append(self.txOps, op)
	if ok {
		self.txInverses = append(self.txInverses, inverse)
	}
	return op
}

// invert builds the op template that undoes op, captured against the
// current state, before op is applied.
func (self *Doc) invert(op Op) (Op, bool) {
	switch op.Type {
	case OpTypeMapSet, OpTypeMapDel:
		m := self.Map(op.Container)
		prev, hadPrev := m.Get(op.Key)
		if hadPrev {
			return Op{
				Type:      OpTypeMapSet,
				Container: op.Container,
				Key:       op.Key,
				Value:     prev,
			}, true
		}
		return Op{
			Type:      OpTypeMapDel,
			Container: op.Container,
			Key:       op.Key,
		}, true
	case OpTypeInsert:
		// the element id of an insert is the op id
		return Op{
			Type:      OpTypeDelete,
			Container: op.Container,
			Elem:      op.ID,
		}, true
	case OpTypeDelete:
		return Op{
			Type:      OpTypeRestore,
			Container: op.Container,
			Elem:      op.Elem,
		}, true
	case OpTypeRestore:
		return Op{
			Type:      OpTypeDelete,
			Container: op.Container,
			Elem:      op.Elem,
		}, true
	case OpTypeSetField:
		l := self.List(op.Container)
		e, ok := l.index[op.Elem]
		if !ok {
			return Op{}, false
		}
		var prev json.RawMessage
		if reg, hadPrev := e.fields[op.Key]; hadPrev && !reg.deleted {
			prev = reg.value
		}
		// nil Value reads the field back as absent
		return Op{
			Type:      OpTypeSetField,
			Container: op.Container,
			Elem:      op.Elem,
			Key:       op.Key,
			Value:     prev,
		}, true
	}
	return Op{}, false
}

// applyOp applies one op to container state. Returns false when the
// op was already applied or is buffered pending a dependency.
func (self *Doc) applyOp(op Op) (bool, error) {
	if actorOps, ok := self.ops[op.ID.Actor]; ok {
		if _, dup := actorOps[op.ID.Seq]; dup {
			return false, nil
		}
	}

	switch op.Type {
	case OpTypeMapSet, OpTypeMapDel:
		m := self.Map(op.Container)
		reg := m.registers[op.Key]
		if reg.wins(op.Clock, op.ID.Actor) {
			m.registers[op.Key] = &register{
				value:   op.Value,
				clock:   op.Clock,
				actor:   op.ID.Actor,
				deleted: op.Type == OpTypeMapDel,
			}
		}
	case OpTypeInsert:
		l := self.List(op.Container)
		if _, dup := l.index[op.ID]; dup {
			return false, nil
		}
		if !op.After.IsZero() {
			if _, ok := l.index[op.After]; !ok {
				self.pending = append(self.pending, op)
				return false, nil
			}
		}
		e := &element{
			id:     op.ID,
			after:  op.After,
			clock:  op.Clock,
			fields: map[string]*register{},
		}
		for key, value := range op.Fields {
			e.fields[key] = &register{
				value: value,
				clock: op.Clock,
				actor: op.ID.Actor,
			}
		}
		l.insert(e)
	case OpTypeDelete, OpTypeRestore:
		l := self.List(op.Container)
		e, ok := l.index[op.Elem]
		if !ok {
			self.pending = append(self.pending, op)
			return false, nil
		}
		if e.deleted.wins(op.Clock, op.ID.Actor) {
			e.deleted = &register{
				clock:   op.Clock,
				actor:   op.ID.Actor,
				deleted: op.Type == OpTypeDelete,
			}
		}
	case OpTypeSetField:
		l := self.List(op.Container)
		e, ok := l.index[op.Elem]
		if !ok {
			self.pending = append(self.pending, op)
			return false, nil
		}
		reg := e.fields[op.Key]
		if reg.wins(op.Clock, op.ID.Actor) {
			e.fields[op.Key] = &register{
				value:   op.Value,
				clock:   op.Clock,
				actor:   op.ID.Actor,
				deleted: op.Value == nil,
			}
		}
	default:
		return false, fmt.Errorf("crdt: unknown op type %s", op.Type)
	}

	actorOps, ok := self.ops[op.ID.Actor]
	if !ok {
		actorOps = map[uint64]Op{}
		self.ops[op.ID.Actor] = actorOps
	}
	actorOps[op.ID.Seq] = op

	if self.clock < op.Clock {
		self.clock = op.Clock
	}
	return true, nil
}

// drainPending retries buffered ops until no more apply.
func (self *Doc) drainPending() int {
	applied := 0
	for {
		progress := false
		remaining := self.pending[:0]
		pending := self.pending
		self.pending = nil
		for _, op := range pending {
			ok, err := self.applyOp(op)
			if err != nil {
				continue
			}
			if ok {
				progress = true
				applied += 1
			}
		}
		// applyOp may have re-buffered some ops
		remaining = append(remaining, self.pending...)
		self.pending = remaining
		if !progress {
			return applied
		}
	}
}

type updatePayload struct {
	Ops []Op `json:"ops"`
}

func encodeUpdate(ops []Op) []byte {
	update, err := json.Marshal(&updatePayload{Ops: ops})
	if err != nil {
		panic(err)
	}
	return update
}

// ApplyUpdate merges an encoded remote update into this replica.
// Duplicate ops are ignored, ops with missing dependencies are
// buffered. Observers are notified once if anything changed.
func (self *Doc) ApplyUpdate(update []byte, origin string) error {
	if self.inTx {
		panic("crdt: apply inside transaction")
	}
	var payload updatePayload
	if err := json.Unmarshal(update, &payload); err != nil {
		return fmt.Errorf("bad update encoding: %w", err)
	}

	applied := 0
	containers := opContainers(payload.Ops)
	for _, op := range payload.Ops {
		ok, err := self.applyOp(op)
		if err != nil {
			return err
		}
		if ok {
			applied += 1
		}
	}
	applied += self.drainPending()

	if applied == 0 {
		return nil
	}
	self.txDoneCallbacks.invoke(func(callback txDoneFunc) {
		callback(txEvent{
			origin:     origin,
			local:      false,
			containers: containers,
			eventTime:  time.Now(),
		})
	})
	self.changeCallbacks.invoke(func(callback ChangeFunc) {
		callback(origin)
	})
	return nil
}

// EncodeStateAsUpdate encodes every op the given vector has not seen.
// A zero-length vector encodes the full document history.
func (self *Doc) EncodeStateAsUpdate(since Vector) []byte {
	ops := []Op{}
	for actor, actorOps := range self.ops {
		for seq, op := range actorOps {
			if since[actor] < seq {
				ops = append(ops, op)
			}
		}
	}
	// stable order, and causally safe to replay since the receiver
	// buffers out-of-order dependencies
	sortOps(ops)
	return encodeUpdate(ops)
}

// Vector reports the contiguous applied prefix per actor.
func (self *Doc) Vector() Vector {
	vector := Vector{}
	for actor, actorOps := range self.ops {
		seq := uint64(0)
		for {
			if _, ok := actorOps[seq+1]; !ok {
				break
			}
			seq += 1
		}
		if 0 < seq {
			vector[actor] = seq
		}
	}
	return vector
}

func sortOps(ops []Op) {
	slices.SortFunc(ops, func(a Op, b Op) int {
		if a.Clock != b.Clock {
			if a.Clock < b.Clock {
				return -1
			}
			return 1
		}
		if a.ID.Actor != b.ID.Actor {
			if a.ID.Actor < b.ID.Actor {
				return -1
			}
			return 1
		}
		if a.ID.Seq != b.ID.Seq {
			if a.ID.Seq < b.ID.Seq {
				return -1
			}
			return 1
		}
		return 0
	})
}

func opContainers(ops []Op) map[string]bool {
	containers := map[string]bool{}
	for _, op := range ops {
		containers[op.Container] = true
	}
	return containers
}

// docCallbacks is a minimal registry keyed by registration order.
type docCallbacks[T any] struct {
	nextId    int
	callbacks map[int]T
}

func newDocCallbacks[T any]() *docCallbacks[T] {
	return &docCallbacks[T]{
		callbacks: map[int]T{},
	}
}

func (self *docCallbacks[T]) add(callback T) func() {
	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	removed := false
	return func() {
		if removed {
			return
		}
		removed = true
		delete(self.callbacks, callbackId)
	}
}

func (self *docCallbacks[T]) invoke(fn func(callback T)) {
	// stable invocation order
	ordered := maps.Keys(self.callbacks)
	slices.Sort(ordered)
	for _, callbackId := range ordered {
		if callback, ok := self.callbacks[callbackId]; ok {
			fn(callback)
		}
	}
}
