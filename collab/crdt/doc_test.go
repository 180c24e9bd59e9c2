package crdt

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

// two replicas joined by captured update blobs
func newPair(t *testing.T) (*Doc, *Doc, func()) {
	a := NewDocWithActor("a")
	b := NewDocWithActor("b")

	aOut := [][]byte{}
	bOut := [][]byte{}
	a.OnUpdate(func(update []byte, origin string) {
		aOut = append(aOut, update)
	})
	b.OnUpdate(func(update []byte, origin string) {
		bOut = append(bOut, update)
	})

	exchange := func() {
		for _, update := range aOut {
			assert.Equal(t, b.ApplyUpdate(update, "remote"), nil)
		}
		for _, update := range bOut {
			assert.Equal(t, a.ApplyUpdate(update, "remote"), nil)
		}
		aOut = nil
		bOut = nil
	}
	return a, b, exchange
}

func jobIds(doc *Doc) []string {
	ids := []string{}
	for _, e := range doc.List("jobs").Elements() {
		var id string
		if err := e.DecodeInto(&struct {
			Id *string `json:"id"`
		}{Id: &id}); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestConcurrentInsertConvergence(t *testing.T) {
	a, b, exchange := newPair(t)

	a.Transact("test", func() {
		a.List("jobs").Push(map[string]any{"id": "job-a1", "name": "A one"})
		a.List("jobs").Push(map[string]any{"id": "job-a2", "name": "A two"})
	})
	b.Transact("test", func() {
		b.List("jobs").Push(map[string]any{"id": "job-b1", "name": "B one"})
	})

	exchange()

	assert.Equal(t, len(a.List("jobs").Elements()), 3)
	assert.Equal(t, jobIds(a), jobIds(b))
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	a := NewDocWithActor("a")
	b := NewDocWithActor("b")

	updates := [][]byte{}
	collect := func(update []byte, origin string) {
		updates = append(updates, update)
	}
	a.OnUpdate(collect)
	b.OnUpdate(collect)

	a.Transact("test", func() {
		a.List("jobs").Push(map[string]any{"id": "j1"})
	})
	b.Transact("test", func() {
		b.List("jobs").Push(map[string]any{"id": "j2"})
		b.List("jobs").Push(map[string]any{"id": "j3"})
	})

	// replay to two fresh replicas in opposite orders
	x := NewDocWithActor("x")
	y := NewDocWithActor("y")
	for i := 0; i < len(updates); i += 1 {
		assert.Equal(t, x.ApplyUpdate(updates[i], "remote"), nil)
	}
	for i := len(updates) - 1; 0 <= i; i -= 1 {
		assert.Equal(t, y.ApplyUpdate(updates[i], "remote"), nil)
	}

	assert.Equal(t, len(jobIds(x)), 3)
	assert.Equal(t, jobIds(x), jobIds(y))
}

func TestDisjointFieldMerge(t *testing.T) {
	a, b, exchange := newPair(t)

	var elemA OpID
	a.Transact("test", func() {
		elemA = a.List("jobs").Push(map[string]any{"id": "j1", "name": "start", "body": "// start"})
	})
	exchange()

	elemB, ok := b.List("jobs").FindByField("id", "j1")
	assert.Equal(t, ok, true)

	// concurrent edits on disjoint fields of the same element
	a.Transact("test", func() {
		a.List("jobs").SetField(elemA, "name", "renamed by a")
	})
	b.Transact("test", func() {
		b.List("jobs").SetField(elemB.ID, "body", "// edited by b")
	})
	exchange()

	type job struct {
		Name string `json:"name"`
		Body string `json:"body"`
	}
	for _, doc := range []*Doc{a, b} {
		e, ok := doc.List("jobs").FindByField("id", "j1")
		assert.Equal(t, ok, true)
		var j job
		assert.Equal(t, e.DecodeInto(&j), nil)
		assert.Equal(t, j.Name, "renamed by a")
		assert.Equal(t, j.Body, "// edited by b")
	}
}

func TestSameFieldLastWriteWins(t *testing.T) {
	a, b, exchange := newPair(t)

	a.Transact("test", func() {
		a.Map("workflow").Set("name", "initial")
	})
	exchange()

	// same clock on both sides, actor breaks the tie identically
	a.Transact("test", func() {
		a.Map("workflow").Set("name", "from a")
	})
	b.Transact("test", func() {
		b.Map("workflow").Set("name", "from b")
	})
	exchange()

	var nameA string
	var nameB string
	assert.Equal(t, a.Map("workflow").GetInto("name", &nameA), true)
	assert.Equal(t, b.Map("workflow").GetInto("name", &nameB), true)
	assert.Equal(t, nameA, nameB)
}

func TestRemoveConverges(t *testing.T) {
	a, b, exchange := newPair(t)

	a.Transact("test", func() {
		a.List("jobs").Push(map[string]any{"id": "j1"})
		a.List("jobs").Push(map[string]any{"id": "j2"})
	})
	exchange()

	e, ok := b.List("jobs").FindByField("id", "j1")
	assert.Equal(t, ok, true)
	b.Transact("test", func() {
		b.List("jobs").Remove(e.ID)
	})
	exchange()

	assert.Equal(t, jobIds(a), []string{"j2"})
	assert.Equal(t, jobIds(b), []string{"j2"})
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := NewDocWithActor("a")

	updates := [][]byte{}
	a.OnUpdate(func(update []byte, origin string) {
		updates = append(updates, update)
	})

	var elem OpID
	a.Transact("test", func() {
		elem = a.List("jobs").Push(map[string]any{"id": "j1", "name": "one"})
	})
	a.Transact("test", func() {
		a.List("jobs").SetField(elem, "name", "renamed")
	})
	assert.Equal(t, len(updates), 2)

	// deliver the field edit before the insert it depends on
	b := NewDocWithActor("b")
	assert.Equal(t, b.ApplyUpdate(updates[1], "remote"), nil)
	assert.Equal(t, len(b.List("jobs").Elements()), 0)

	assert.Equal(t, b.ApplyUpdate(updates[0], "remote"), nil)
	e, ok := b.List("jobs").FindByField("id", "j1")
	assert.Equal(t, ok, true)
	assert.Equal(t, string(e.Fields["name"]), `"renamed"`)
}

func TestDuplicateUpdatesAreIdempotent(t *testing.T) {
	a, b, _ := newPair(t)

	updates := [][]byte{}
	a.OnUpdate(func(update []byte, origin string) {
		updates = append(updates, update)
	})
	a.Transact("test", func() {
		a.List("jobs").Push(map[string]any{"id": "j1"})
	})

	for i := 0; i < 3; i += 1 {
		assert.Equal(t, b.ApplyUpdate(updates[0], "remote"), nil)
	}
	assert.Equal(t, len(b.List("jobs").Elements()), 1)
}

func TestEncodeStateSinceVector(t *testing.T) {
	a := NewDocWithActor("a")
	b := NewDocWithActor("b")

	a.Transact("test", func() {
		a.Map("workflow").Set("name", "one")
	})
	assert.Equal(t, b.ApplyUpdate(a.EncodeStateAsUpdate(Vector{}), "remote"), nil)

	a.Transact("test", func() {
		a.Map("workflow").Set("name", "two")
		a.List("jobs").Push(map[string]any{"id": "j1"})
	})

	// the delta since b's vector carries only the second transaction
	delta := a.EncodeStateAsUpdate(b.Vector())
	assert.Equal(t, b.ApplyUpdate(delta, "remote"), nil)

	var name string
	assert.Equal(t, b.Map("workflow").GetInto("name", &name), true)
	assert.Equal(t, name, "two")
	assert.Equal(t, len(b.List("jobs").Elements()), 1)
	assert.Equal(t, a.Vector(), b.Vector())
}

func TestRemoteApplyDoesNotEcho(t *testing.T) {
	a, _, _ := newPair(t)

	localUpdates := 0
	changes := 0
	a.OnUpdate(func(update []byte, origin string) {
		localUpdates += 1
	})
	a.OnChange(func(origin string) {
		changes += 1
	})

	remote := NewDocWithActor("r")
	var blob []byte
	remote.OnUpdate(func(update []byte, origin string) {
		blob = update
	})
	remote.Transact("test", func() {
		remote.Map("workflow").Set("name", "pushed")
	})

	assert.Equal(t, a.ApplyUpdate(blob, "remote"), nil)
	assert.Equal(t, localUpdates, 0)
	assert.Equal(t, changes, 1)
}

func TestEditOutsideTransactionPanics(t *testing.T) {
	doc := NewDocWithActor("a")
	recovered := func() (recovered bool) {
		defer func() {
			if r := recover(); r != nil {
				recovered = true
			}
		}()
		doc.Map("workflow").Set("name", "nope")
		return false
	}()
	assert.Equal(t, recovered, true)
}
