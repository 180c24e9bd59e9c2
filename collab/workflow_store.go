package collab

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/flowline/collab/collab/crdt"
)

// document container names
const (
	containerWorkflow  = "workflow"
	containerJobs      = "jobs"
	containerTriggers  = "triggers"
	containerEdges     = "edges"
	containerPositions = "positions"
)

// transaction origins. Only originLocalEdit is undoable; metadata
// written back from the server (lock version) must never land on the
// undo stack.
const (
	originLocalEdit = "local-edit"
	originSync      = "sync"
)

const (
	eventSaveWorkflow = "save_workflow"
	eventValidateName = "validate_workflow_name"
)

// DocProvider is what a store needs from the session: the room lock
// serializing document access and the transport, which may be nil
// while offline.
type DocProvider interface {
	RoomLock() *sync.Mutex
	Transport() ChannelTransport
}

type WorkflowState struct {
	Workflow Workflow

	// IsConnected: a document is attached and editable. This stays
	// true after Disconnect(), which detaches only the provider;
	// offline edits keep working and reconcile on the next session.
	IsConnected bool
	// IsLive: a provider with a transport is attached, edits replicate
	IsLive bool

	IsSaving  bool
	SavedAt   time.Time
	SaveError *StoreError
	NameError *StoreError
}

// WorkflowStore issues all durable graph edits. It holds a non-owning
// reference to the document: Connect/Disconnect attach and detach, the
// session owns the document's lifecycle.
type WorkflowStore struct {
	subscriptions

	stateLock sync.Mutex
	state     WorkflowState

	roomLock *sync.Mutex
	doc      *crdt.Doc
	provider DocProvider
	undo     *crdt.UndoManager

	unsubChange func()
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{}
}

// Connect attaches the store to a document. provider may be nil for a
// purely local document (offline editing, tests).
//
// The attachment fields (doc, provider, room lock, undo) are guarded
// by stateLock: document callbacks run on the transport's read pump,
// so a detach command on another goroutine must never race them.
func (self *WorkflowStore) Connect(doc *crdt.Doc, provider DocProvider) {
	var roomLock *sync.Mutex
	if provider != nil {
		roomLock = provider.RoomLock()
	} else {
		roomLock = &sync.Mutex{}
	}

	// the document may already be live on a session; attach under its
	// room lock
	roomLock.Lock()
	defer roomLock.Unlock()

	self.stateLock.Lock()
	if self.doc != nil {
		self.stateLock.Unlock()
		panic("workflow store already connected")
	}
	self.doc = doc
	self.provider = provider
	self.roomLock = roomLock
	self.undo = crdt.NewUndoManagerWithDefaults(
		doc,
		[]string{containerJobs, containerTriggers, containerEdges, containerPositions},
		[]string{originLocalEdit},
	)
	self.stateLock.Unlock()

	self.unsubChange = doc.OnChange(func(origin string) {
		self.refresh()
	})

	self.refresh()
	glog.V(1).Infof("[w]connect\n")
}

// Disconnect detaches the provider but deliberately keeps the document
// attached: IsConnected stays true and edits continue locally, to be
// reconciled when a session reattaches. Use Release to drop the
// document reference entirely.
func (self *WorkflowStore) Disconnect() {
	_, roomLock, _ := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()

	self.stateLock.Lock()
	self.provider = nil
	self.stateLock.Unlock()

	self.refresh()
	glog.V(1).Infof("[w]disconnect\n")
}

// Release fully detaches: document, undo history, provider. The store
// must not outlive the document it was attached to.
func (self *WorkflowStore) Release() {
	self.stateLock.Lock()
	doc := self.doc
	roomLock := self.roomLock
	undo := self.undo
	self.stateLock.Unlock()
	if doc == nil {
		return
	}

	roomLock.Lock()
	if self.unsubChange != nil {
		self.unsubChange()
		self.unsubChange = nil
	}
	undo.Stop()

	self.stateLock.Lock()
	self.undo = nil
	self.doc = nil
	self.provider = nil
	self.roomLock = nil
	self.state = WorkflowState{}
	self.stateLock.Unlock()
	roomLock.Unlock()

	self.notify()
}

// requireAttached snapshots the attachment under stateLock. Callers
// take the room lock themselves before touching the document.
func (self *WorkflowStore) requireAttached() (*crdt.Doc, *sync.Mutex, *crdt.UndoManager) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.doc == nil {
		panic("workflow store used before Connect")
	}
	return self.doc, self.roomLock, self.undo
}

func (self *WorkflowStore) transact(origin string, fn func(doc *crdt.Doc)) {
	doc, roomLock, _ := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	doc.Transact(origin, func() {
		fn(doc)
	})
}

// AddJob inserts a job at the end of the job sequence and returns its
// id. A zero id is assigned.
func (self *WorkflowStore) AddJob(job Job) string {
	if job.Id == "" {
		job.Id = NewId().String()
	}
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		doc.List(containerJobs).Push(jobFields(job))
	})
	return job.Id
}

func (self *WorkflowStore) UpdateJob(jobId string, patch JobPatch) {
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		jobs := doc.List(containerJobs)
		e, ok := jobs.FindByField("id", jobId)
		if !ok {
			glog.Infof("[w]update missing job %s\n", jobId)
			return
		}
		if patch.Name != nil {
			jobs.SetField(e.ID, "name", *patch.Name)
		}
		if patch.Adaptor != nil {
			jobs.SetField(e.ID, "adaptor", *patch.Adaptor)
		}
		if patch.Body != nil {
			jobs.SetField(e.ID, "body", *patch.Body)
		}
		if patch.ProjectCredentialId != nil {
			jobs.SetField(e.ID, "project_credential_id", *patch.ProjectCredentialId)
		}
	})
}

// RemoveJob removes the job, its position, and locally-known edges
// attached to it. Edges added concurrently by a peer can still dangle;
// those surface in the snapshot's Errors map after the merge.
func (self *WorkflowStore) RemoveJob(jobId string) {
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		jobs := doc.List(containerJobs)
		e, ok := jobs.FindByField("id", jobId)
		if !ok {
			glog.Infof("[w]remove missing job %s\n", jobId)
			return
		}
		jobs.Remove(e.ID)

		edges := doc.List(containerEdges)
		for _, edgeElem := range edges.Elements() {
			var edge Edge
			if err := edgeElem.DecodeInto(&edge); err != nil {
				continue
			}
			if edge.SourceJobId == jobId || edge.TargetJobId == jobId {
				edges.Remove(edgeElem.ID)
			}
		}

		positions := doc.Map(containerPositions)
		if _, ok := positions.Get(jobId); ok {
			positions.Delete(jobId)
		}
	})
}

func (self *WorkflowStore) AddTrigger(trigger Trigger) string {
	if trigger.Id == "" {
		trigger.Id = NewId().String()
	}
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		doc.List(containerTriggers).Push(triggerFields(trigger))
	})
	return trigger.Id
}

func (self *WorkflowStore) AddEdge(edge Edge) string {
	if edge.Id == "" {
		edge.Id = NewId().String()
	}
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		doc.List(containerEdges).Push(edgeFields(edge))
	})
	return edge.Id
}

func (self *WorkflowStore) UpdatePosition(nodeId string, position Position) {
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		doc.Map(containerPositions).Set(nodeId, position)
	})
}

// Rename writes the workflow name. Metadata is outside the undo scope.
func (self *WorkflowStore) Rename(name string) {
	self.transact(originLocalEdit, func(doc *crdt.Doc) {
		doc.Map(containerWorkflow).Set("name", name)
	})
}

func (self *WorkflowStore) Undo() bool {
	_, roomLock, undo := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	return undo.Undo()
}

func (self *WorkflowStore) Redo() bool {
	_, roomLock, undo := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	return undo.Redo()
}

func (self *WorkflowStore) CanUndo() bool {
	_, roomLock, undo := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	return undo.CanUndo()
}

func (self *WorkflowStore) CanRedo() bool {
	_, roomLock, undo := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	return undo.CanRedo()
}

func (self *WorkflowStore) ClearHistory() {
	_, roomLock, undo := self.requireAttached()
	roomLock.Lock()
	defer roomLock.Unlock()
	undo.Clear()
}

// SaveWorkflow pushes the current snapshot to the server. Failure is
// visible only through SaveError; offline saves fail the same way.
func (self *WorkflowStore) SaveWorkflow() {
	self.requireAttached()

	transport := self.liveTransport()
	if transport == nil {
		self.setSaveState(false, nil, &StoreError{Message: "not connected"})
		return
	}

	self.setSaveState(true, nil, nil)
	workflow := self.GetSnapshot().Workflow

	transport.Send(eventSaveWorkflow, map[string]any{"workflow": workflow}).
		OnResult(PushStatusOk, func(payload json.RawMessage) {
			var saved struct {
				SavedAt     time.Time `json:"saved_at"`
				LockVersion int64     `json:"lock_version"`
			}
			if err := json.Unmarshal(payload, &saved); err != nil {
				self.setSaveState(false, nil, &StoreError{Message: fmt.Sprintf("bad save response: %s", err)})
				return
			}
			self.transact(originSync, func(doc *crdt.Doc) {
				doc.Map(containerWorkflow).Set("lock_version", saved.LockVersion)
			})
			self.setSaveState(false, &saved.SavedAt, nil)
		}).
		OnResult(PushStatusError, func(payload json.RawMessage) {
			self.setSaveState(false, nil, errorFromPayload(payload))
		}).
		OnResult(PushStatusTimeout, func(payload json.RawMessage) {
			self.setSaveState(false, nil, timeoutError)
		})
}

// ValidateName asks the server to validate a prospective name without
// renaming. The result lands in NameError.
func (self *WorkflowStore) ValidateName(name string) {
	self.requireAttached()

	transport := self.liveTransport()
	if transport == nil {
		self.setNameError(&StoreError{Message: "not connected"})
		return
	}

	transport.Send(eventValidateName, map[string]any{"workflow": map[string]any{"name": name}}).
		OnResult(PushStatusOk, func(payload json.RawMessage) {
			self.setNameError(nil)
		}).
		OnResult(PushStatusError, func(payload json.RawMessage) {
			self.setNameError(errorFromPayload(payload))
		}).
		OnResult(PushStatusTimeout, func(payload json.RawMessage) {
			self.setNameError(timeoutError)
		})
}

func (self *WorkflowStore) ClearError() {
	self.stateLock.Lock()
	self.state.SaveError = nil
	self.state.NameError = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *WorkflowStore) GetSnapshot() WorkflowState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *WorkflowStore) liveTransport() ChannelTransport {
	self.stateLock.Lock()
	provider := self.provider
	self.stateLock.Unlock()
	if provider == nil {
		return nil
	}
	return provider.Transport()
}

func (self *WorkflowStore) setSaveState(saving bool, savedAt *time.Time, saveError *StoreError) {
	self.stateLock.Lock()
	self.state.IsSaving = saving
	if savedAt != nil {
		self.state.SavedAt = *savedAt
	}
	self.state.SaveError = saveError
	self.stateLock.Unlock()
	self.notify()
}

func (self *WorkflowStore) setNameError(nameError *StoreError) {
	self.stateLock.Lock()
	self.state.NameError = nameError
	self.stateLock.Unlock()
	self.notify()
}

// refresh rebuilds the published snapshot from the document. Called
// with the room lock held (doc observers run under it).
func (self *WorkflowStore) refresh() {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return
	}

	workflow := Workflow{
		Positions: map[string]Position{},
		Errors:    map[string][]string{},
	}

	record := doc.Map(containerWorkflow)
	record.GetInto("id", &workflow.Record.Id)
	record.GetInto("name", &workflow.Record.Name)
	record.GetInto("lock_version", &workflow.Record.LockVersion)
	record.GetInto("enable_job_logs", &workflow.Record.EnableJobLogs)
	record.GetInto("concurrency_type", &workflow.Record.ConcurrencyType)

	for _, e := range doc.List(containerJobs).Elements() {
		var job Job
		if err := e.DecodeInto(&job); err != nil || job.Id == "" {
			continue
		}
		workflow.Jobs = append(workflow.Jobs, job)
	}
	for _, e := range doc.List(containerTriggers).Elements() {
		var trigger Trigger
		if err := e.DecodeInto(&trigger); err != nil || trigger.Id == "" {
			continue
		}
		workflow.Triggers = append(workflow.Triggers, trigger)
	}
	for _, e := range doc.List(containerEdges).Elements() {
		var edge Edge
		if err := e.DecodeInto(&edge); err != nil || edge.Id == "" {
			continue
		}
		workflow.Edges = append(workflow.Edges, edge)
	}

	positions := doc.Map(containerPositions)
	for _, nodeId := range positions.Keys() {
		var position Position
		if positions.GetInto(nodeId, &position) {
			workflow.Positions[nodeId] = position
		}
	}

	workflow.Errors = graphErrors(&workflow)
	isLive := self.liveTransport() != nil

	self.stateLock.Lock()
	self.state.Workflow = workflow
	self.state.IsConnected = true
	self.state.IsLive = isLive
	self.stateLock.Unlock()
	self.notify()
}

// graphErrors checks edge references. Violations are tolerated
// transiently (peers may still be sending the node) and surfaced per
// node id for the canvas to render.
func graphErrors(workflow *Workflow) map[string][]string {
	errors := map[string][]string{}

	jobIds := map[string]bool{}
	for _, job := range workflow.Jobs {
		jobIds[job.Id] = true
	}
	triggerIds := map[string]bool{}
	for _, trigger := range workflow.Triggers {
		triggerIds[trigger.Id] = true
	}

	for _, edge := range workflow.Edges {
		if edge.SourceJobId == "" && edge.SourceTriggerId == "" {
			errors[edge.Id] = append(errors[edge.Id], "edge has no source")
		}
		if edge.SourceJobId != "" && !jobIds[edge.SourceJobId] {
			errors[edge.Id] = append(errors[edge.Id], fmt.Sprintf("source job %s not found", edge.SourceJobId))
		}
		if edge.SourceTriggerId != "" && !triggerIds[edge.SourceTriggerId] {
			errors[edge.Id] = append(errors[edge.Id], fmt.Sprintf("source trigger %s not found", edge.SourceTriggerId))
		}
		if edge.TargetJobId == "" {
			errors[edge.Id] = append(errors[edge.Id], "edge has no target")
		} else if !jobIds[edge.TargetJobId] {
			errors[edge.Id] = append(errors[edge.Id], fmt.Sprintf("target job %s not found", edge.TargetJobId))
		}
	}
	return errors
}

func jobFields(job Job) map[string]any {
	fields := map[string]any{
		"id":      job.Id,
		"name":    job.Name,
		"adaptor": job.Adaptor,
		"body":    job.Body,
	}
	if job.ProjectCredentialId != nil {
		fields["project_credential_id"] = *job.ProjectCredentialId
	}
	return fields
}

func triggerFields(trigger Trigger) map[string]any {
	fields := map[string]any{
		"id":      trigger.Id,
		"type":    string(trigger.Type),
		"enabled": trigger.Enabled,
	}
	if trigger.CronExpression != "" {
		fields["cron_expression"] = trigger.CronExpression
	}
	return fields
}

func edgeFields(edge Edge) map[string]any {
	fields := map[string]any{
		"id":             edge.Id,
		"target_job_id":  edge.TargetJobId,
		"enabled":        edge.Enabled,
		"condition_type": edge.Condition,
	}
	if edge.SourceJobId != "" {
		fields["source_job_id"] = edge.SourceJobId
	}
	if edge.SourceTriggerId != "" {
		fields["source_trigger_id"] = edge.SourceTriggerId
	}
	return fields
}
