package collab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/flowline/collab/collab/crdt"
)

type fakeProvider struct {
	roomLock  sync.Mutex
	transport ChannelTransport
}

func (self *fakeProvider) RoomLock() *sync.Mutex {
	return &self.roomLock
}

func (self *fakeProvider) Transport() ChannelTransport {
	return self.transport
}

func newLocalStore() *WorkflowStore {
	store := NewWorkflowStore()
	store.Connect(crdt.NewDoc(), nil)
	return store
}

// newLinkedStores returns two connected stores whose documents
// exchange updates when flush is called, simulating two editors.
func newLinkedStores() (*WorkflowStore, *WorkflowStore, func()) {
	docA := crdt.NewDoc()
	docB := crdt.NewDoc()

	pendingA := [][]byte{}
	pendingB := [][]byte{}
	docA.OnUpdate(func(update []byte, origin string) {
		pendingA = append(pendingA, update)
	})
	docB.OnUpdate(func(update []byte, origin string) {
		pendingB = append(pendingB, update)
	})

	storeA := NewWorkflowStore()
	storeA.Connect(docA, nil)
	storeB := NewWorkflowStore()
	storeB.Connect(docB, nil)

	flush := func() {
		for 0 < len(pendingA) || 0 < len(pendingB) {
			fromA := pendingA
			pendingA = nil
			fromB := pendingB
			pendingB = nil
			for _, update := range fromA {
				docB.ApplyUpdate(update, "remote")
			}
			for _, update := range fromB {
				docA.ApplyUpdate(update, "remote")
			}
		}
	}
	return storeA, storeB, flush
}

func TestAddUpdateRemoveJob(t *testing.T) {
	store := newLocalStore()

	jobId := store.AddJob(Job{Name: "fetch", Adaptor: "@openfn/language-http", Body: "fn(s => s)"})
	assert.NotEqual(t, jobId, "")

	workflow := store.GetSnapshot().Workflow
	assert.Equal(t, len(workflow.Jobs), 1)
	assert.Equal(t, workflow.Jobs[0].Name, "fetch")

	name := "transform"
	store.UpdateJob(jobId, JobPatch{Name: &name})
	workflow = store.GetSnapshot().Workflow
	assert.Equal(t, workflow.Jobs[0].Name, "transform")
	assert.Equal(t, workflow.Jobs[0].Adaptor, "@openfn/language-http")

	store.RemoveJob(jobId)
	workflow = store.GetSnapshot().Workflow
	assert.Equal(t, len(workflow.Jobs), 0)
}

func TestRemoveJobCascades(t *testing.T) {
	store := newLocalStore()

	triggerId := store.AddTrigger(Trigger{Type: TriggerTypeWebhook, Enabled: true})
	jobId := store.AddJob(Job{Name: "step"})
	store.AddEdge(Edge{SourceTriggerId: triggerId, TargetJobId: jobId, Enabled: true})
	store.UpdatePosition(jobId, Position{X: 10, Y: 20})

	store.RemoveJob(jobId)

	workflow := store.GetSnapshot().Workflow
	assert.Equal(t, len(workflow.Jobs), 0)
	assert.Equal(t, len(workflow.Edges), 0)
	_, hasPosition := workflow.Positions[jobId]
	assert.Equal(t, hasPosition, false)
	assert.Equal(t, len(workflow.Errors), 0)
}

func TestUndoRedoRestoresJob(t *testing.T) {
	store := newLocalStore()

	jobId := store.AddJob(Job{Name: "undone", Adaptor: "@openfn/language-common"})
	assert.Equal(t, store.CanUndo(), true)

	assert.Equal(t, store.Undo(), true)
	assert.Equal(t, len(store.GetSnapshot().Workflow.Jobs), 0)
	assert.Equal(t, store.CanRedo(), true)

	assert.Equal(t, store.Redo(), true)
	workflow := store.GetSnapshot().Workflow
	assert.Equal(t, len(workflow.Jobs), 1)
	assert.Equal(t, workflow.Jobs[0].Id, jobId)
	assert.Equal(t, workflow.Jobs[0].Name, "undone")
	assert.Equal(t, workflow.Jobs[0].Adaptor, "@openfn/language-common")

	store.ClearHistory()
	assert.Equal(t, store.CanUndo(), false)
	assert.Equal(t, store.CanRedo(), false)
}

func TestConcurrentEditsConverge(t *testing.T) {
	storeA, storeB, flush := newLinkedStores()

	jobId := storeA.AddJob(Job{Name: "shared", Adaptor: "@openfn/language-common"})
	flush()

	// disjoint fields edited concurrently merge without conflict
	name := "renamed by a"
	storeA.UpdateJob(jobId, JobPatch{Name: &name})
	body := "fn(s => s.data)"
	storeB.UpdateJob(jobId, JobPatch{Body: &body})
	flush()

	workflowA := storeA.GetSnapshot().Workflow
	workflowB := storeB.GetSnapshot().Workflow
	assert.Equal(t, workflowA.Jobs[0].Name, "renamed by a")
	assert.Equal(t, workflowA.Jobs[0].Body, "fn(s => s.data)")
	assert.Equal(t, workflowA.Jobs, workflowB.Jobs)
}

func TestDanglingEdgeSurfacesInErrors(t *testing.T) {
	storeA, storeB, flush := newLinkedStores()

	triggerId := storeA.AddTrigger(Trigger{Type: TriggerTypeWebhook, Enabled: true})
	jobId := storeA.AddJob(Job{Name: "doomed"})
	flush()

	// a removes the job while b concurrently wires an edge to it
	storeA.RemoveJob(jobId)
	edgeId := storeB.AddEdge(Edge{SourceTriggerId: triggerId, TargetJobId: jobId, Enabled: true})
	flush()

	for _, store := range []*WorkflowStore{storeA, storeB} {
		workflow := store.GetSnapshot().Workflow
		assert.Equal(t, len(workflow.Jobs), 0)
		assert.Equal(t, len(workflow.Edges), 1)
		assert.NotEqual(t, len(workflow.Errors[edgeId]), 0)
	}
}

func TestDisconnectKeepsDocumentEditable(t *testing.T) {
	transport := newFakeTransport()
	provider := &fakeProvider{transport: transport}

	store := NewWorkflowStore()
	store.Connect(crdt.NewDoc(), provider)
	assert.Equal(t, store.GetSnapshot().IsLive, true)

	store.Disconnect()
	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsConnected, true)
	assert.Equal(t, snapshot.IsLive, false)

	store.AddJob(Job{Name: "offline"})
	assert.Equal(t, len(store.GetSnapshot().Workflow.Jobs), 1)
}

// Remote updates arrive on the transport's read pump, so document
// callbacks can fire while a detach command runs on another goroutine.
func TestDisconnectDuringRemoteApply(t *testing.T) {
	transport := newFakeTransport()
	provider := &fakeProvider{transport: transport}
	doc := crdt.NewDoc()

	store := NewWorkflowStore()
	store.Connect(doc, provider)

	remote := crdt.NewDoc()
	updates := [][]byte{}
	remote.OnUpdate(func(update []byte, origin string) {
		updates = append(updates, update)
	})
	for i := 0; i < 50; i++ {
		i := i
		remote.Transact("local-edit", func() {
			remote.List("jobs").Push(map[string]any{
				"id":   fmt.Sprintf("job-%d", i),
				"name": "remote job",
			})
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, update := range updates {
			provider.RoomLock().Lock()
			doc.ApplyUpdate(update, "remote")
			provider.RoomLock().Unlock()
		}
	}()

	store.Disconnect()
	<-done

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsConnected, true)
	assert.Equal(t, snapshot.IsLive, false)

	// the applies all landed regardless of interleaving
	store.AddJob(Job{Name: "local after detach"})
	assert.Equal(t, len(store.GetSnapshot().Workflow.Jobs), 51)
}

func TestSaveWorkflowOk(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventSaveWorkflow, PushStatusOk, `{"saved_at":"2026-08-30T12:00:00Z","lock_version":7}`)
	provider := &fakeProvider{transport: transport}

	store := NewWorkflowStore()
	store.Connect(crdt.NewDoc(), provider)
	store.AddJob(Job{Name: "persist me"})

	store.SaveWorkflow()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsSaving, false)
	assert.Equal(t, snapshot.SaveError, nil)
	assert.Equal(t, snapshot.SavedAt.IsZero(), false)
	assert.Equal(t, snapshot.Workflow.Record.LockVersion, int64(7))
	assert.Equal(t, transport.countSent(eventSaveWorkflow), 1)
}

func TestSaveWorkflowError(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventSaveWorkflow, PushStatusError, `{"errors":{"base":["Workflow has been modified"]},"type":"conflict"}`)
	provider := &fakeProvider{transport: transport}

	store := NewWorkflowStore()
	store.Connect(crdt.NewDoc(), provider)
	store.SaveWorkflow()

	snapshot := store.GetSnapshot()
	assert.Equal(t, snapshot.IsSaving, false)
	assert.Equal(t, snapshot.SaveError.Message, "Workflow has been modified")
	assert.Equal(t, snapshot.SaveError.Type, "conflict")

	store.ClearError()
	assert.Equal(t, store.GetSnapshot().SaveError, nil)
}

func TestSaveWorkflowOffline(t *testing.T) {
	store := newLocalStore()
	store.SaveWorkflow()

	saveError := store.GetSnapshot().SaveError
	assert.NotEqual(t, saveError, nil)
	assert.Equal(t, saveError.Message, "not connected")
}

func TestValidateName(t *testing.T) {
	transport := newFakeTransport()
	transport.script(eventValidateName, PushStatusError, `{"errors":{"base":["Name has already been taken"]},"type":"validation"}`)
	transport.script(eventValidateName, PushStatusOk, `{"workflow":{"name":"fresh name"}}`)
	provider := &fakeProvider{transport: transport}

	store := NewWorkflowStore()
	store.Connect(crdt.NewDoc(), provider)

	store.ValidateName("taken name")
	assert.Equal(t, store.GetSnapshot().NameError.Message, "Name has already been taken")

	store.ValidateName("fresh name")
	assert.Equal(t, store.GetSnapshot().NameError, nil)
}

func TestRenameIsNotUndoable(t *testing.T) {
	store := newLocalStore()

	store.Rename("v2")
	assert.Equal(t, store.GetSnapshot().Workflow.Record.Name, "v2")
	assert.Equal(t, store.CanUndo(), false)
}

func TestCommandBeforeConnectPanics(t *testing.T) {
	store := NewWorkflowStore()

	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	store.AddJob(Job{Name: "too early"})
}
