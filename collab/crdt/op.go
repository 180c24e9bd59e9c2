package crdt

import (
	"encoding/json"
	"fmt"
)

// ActorID identifies one replica of a document. Every op an actor
// generates carries a per-actor sequence number, so (actor, seq) is
// globally unique.
type ActorID string

// comparable
type OpID struct {
	Actor ActorID `json:"a"`
	Seq   uint64  `json:"s"`
}

func (self OpID) IsZero() bool {
	return self.Actor == "" && self.Seq == 0
}

func (self OpID) String() string {
	return fmt.Sprintf("%s:%d", self.Actor, self.Seq)
}

type OpType string

const (
	OpTypeMapSet   OpType = "mset"
	OpTypeMapDel   OpType = "mdel"
	OpTypeInsert   OpType = "ins"
	OpTypeDelete   OpType = "del"
	OpTypeRestore  OpType = "res"
	OpTypeSetField OpType = "set"
)

// Op is one replicated edit. Ops are commutative under `Doc.applyOp`
// up to the causal dependencies below:
// - OpTypeInsert depends on its After element (zero After is the head)
// - OpTypeSetField, OpTypeDelete, OpTypeRestore depend on their Elem
// Ops with unmet dependencies are buffered, never dropped.
type Op struct {
	ID        OpID            `json:"id"`
	Clock     uint64          `json:"c"`
	Type      OpType          `json:"t"`
	Container string          `json:"n"`
	Key       string          `json:"k,omitempty"`
	Elem      OpID            `json:"e,omitempty"`
	After     OpID            `json:"f,omitempty"`
	Value     json.RawMessage `json:"v,omitempty"`
	Fields    map[string]json.RawMessage `json:"fs,omitempty"`
}

// register is one last-write-wins cell. Ties on clock break by actor so
// all replicas pick the same winner.
type register struct {
	value json.RawMessage
	clock uint64
	actor ActorID
	// a deleted register keeps its clock for LWW but reads as absent
	deleted bool
}

func (self *register) wins(clock uint64, actor ActorID) bool {
	if self == nil {
		return true
	}
	if self.clock != clock {
		return self.clock < clock
	}
	return self.actor < actor
}

// lessID orders op ids for deterministic sequence interleaving.
func lessID(aClock uint64, a ActorID, bClock uint64, b ActorID) bool {
	if aClock != bClock {
		return aClock < bClock
	}
	return a < b
}

// Vector maps each known actor to the length of the contiguous prefix
// of its ops that have been applied.
type Vector map[ActorID]uint64

func (self Vector) Clone() Vector {
	next := Vector{}
	for actor, seq := range self {
		next[actor] = seq
	}
	return next
}
