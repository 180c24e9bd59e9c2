package crdt

import (
	"time"
)

const (
	originUndo = "crdt:undo"
	originRedo = "crdt:redo"
)

type UndoManagerSettings struct {
	// edits from tracked origins closer together than this coalesce
	// into one undo step
	CaptureTimeout time.Duration
}

func DefaultUndoManagerSettings() *UndoManagerSettings {
	return &UndoManagerSettings{
		CaptureTimeout: 500 * time.Millisecond,
	}
}

// UndoManager keeps an inverse-op log for transactions issued by
// tracked origins against a scoped subset of a document's containers.
// Remote edits and out-of-scope containers (presence never reaches the
// document at all) are never undoable.
type UndoManager struct {
	doc      *Doc
	scope    map[string]bool
	tracked  map[string]bool
	settings *UndoManagerSettings

	undoStack []*undoStep
	redoStack []*undoStep

	lastCapture time.Time

	unsub func()
}

type undoStep struct {
	// inverse templates in capture order; replayed in reverse
	inverses []Op
}

func NewUndoManagerWithDefaults(doc *Doc, scope []string, trackedOrigins []string) *UndoManager {
	return NewUndoManager(doc, scope, trackedOrigins, DefaultUndoManagerSettings())
}

func NewUndoManager(doc *Doc, scope []string, trackedOrigins []string, settings *UndoManagerSettings) *UndoManager {
	manager := &UndoManager{
		doc:      doc,
		scope:    map[string]bool{},
		tracked:  map[string]bool{},
		settings: settings,
	}
	for _, name := range scope {
		manager.scope[name] = true
	}
	for _, origin := range trackedOrigins {
		manager.tracked[origin] = true
	}
	manager.unsub = doc.onTxDone(manager.txDone)
	return manager
}

func (self *UndoManager) txDone(event txEvent) {
	if !event.local {
		return
	}

	scoped := []Op{}
	for _, inverse := range event.inverses {
		if self.scope[inverse.Container] {
			scoped = append(scoped, inverse)
		}
	}
	if len(scoped) == 0 {
		return
	}

	switch event.origin {
	case originUndo:
		self.redoStack = append(self.redoStack, &undoStep{inverses: scoped})
		return
	case originRedo:
		self.undoStack = append(self.undoStack, &undoStep{inverses: scoped})
		return
	}
	if !self.tracked[event.origin] {
		return
	}

	// a fresh edit invalidates the redo branch
	self.redoStack = nil

	if 0 < len(self.undoStack) && event.eventTime.Sub(self.lastCapture) < self.settings.CaptureTimeout {
		top := self.undoStack[len(self.undoStack)-1]
		top.inverses = append(top.inverses, scoped...)
	} else {
		self.undoStack = append(self.undoStack, &undoStep{inverses: scoped})
	}
	self.lastCapture = event.eventTime
}

func (self *UndoManager) CanUndo() bool {
	return 0 < len(self.undoStack)
}

func (self *UndoManager) CanRedo() bool {
	return 0 < len(self.redoStack)
}

// Undo reverts the newest undo step. The transaction it issues is
// captured as the matching redo step. Returns false when there is
// nothing to undo.
func (self *UndoManager) Undo() bool {
	if len(self.undoStack) == 0 {
		return false
	}
	step := self.undoStack[len(self.undoStack)-1]
	self.undoStack = self.undoStack[:len(self.undoStack)-1]
	self.replay(step, originUndo)
	return true
}

// Redo re-applies the newest redo step. Returns false when there is
// nothing to redo.
func (self *UndoManager) Redo() bool {
	if len(self.redoStack) == 0 {
		return false
	}
	step := self.redoStack[len(self.redoStack)-1]
	self.redoStack = self.redoStack[:len(self.redoStack)-1]
	self.replay(step, originRedo)
	return true
}

func (self *UndoManager) replay(step *undoStep, origin string) {
	self.doc.Transact(origin, func() {
		for i := len(step.inverses) - 1; 0 <= i; i -= 1 {
			self.doc.localOp(step.inverses[i])
		}
	})
}

// Clear drops both stacks without touching the document.
func (self *UndoManager) Clear() {
	self.undoStack = nil
	self.redoStack = nil
	self.lastCapture = time.Time{}
}

// Stop detaches from the document. The manager must not be used after.
func (self *UndoManager) Stop() {
	self.unsub()
}
