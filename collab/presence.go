package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	eventPresenceState  = "presence_state"
	eventPresenceDiff   = "presence_diff"
	eventPresenceUpdate = "presence_update"
)

// PresenceUser is the minimal identity that is broadcast to peers.
// Anything richer stays in the local store; see PresenceStore.
type PresenceUser struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	NodeId string `json:"node_id"`
}

// PresenceMeta is one participant's ephemeral state, keyed in the
// presence map by session-scoped client id.
type PresenceMeta struct {
	User      *PresenceUser `json:"user,omitempty"`
	Cursor    *Cursor       `json:"cursor,omitempty"`
	Selection *Selection    `json:"selection,omitempty"`
	LastSeen  int64         `json:"last_seen,omitempty"`
}

type presenceDiff struct {
	Joins  map[string]*PresenceMeta `json:"joins"`
	Leaves map[string]*PresenceMeta `json:"leaves"`
}

// Presence replicates ephemeral per-participant state over the same
// transport as the document, but never through the document: presence
// is last-snapshot-wins per client id and is dropped on leave.
type Presence struct {
	transport ChannelTransport
	clientId  string

	stateLock sync.Mutex
	local     *PresenceMeta
	// server view, local client included
	entries map[string]*PresenceMeta

	changeCallbacks *CallbackList[func()]

	unsubs []func()
}

func NewPresence(transport ChannelTransport, clientId string) *Presence {
	presence := &Presence{
		transport:       transport,
		clientId:        clientId,
		entries:         map[string]*PresenceMeta{},
		changeCallbacks: NewCallbackList[func()](),
	}
	presence.unsubs = append(presence.unsubs,
		transport.On(eventPresenceState, presence.handleState),
		transport.On(eventPresenceDiff, presence.handleDiff),
	)
	return presence
}

func (self *Presence) ClientId() string {
	return self.clientId
}

// SetLocalState broadcasts meta as this client's presence entry. Only
// what is passed here ever reaches peers.
func (self *Presence) SetLocalState(meta *PresenceMeta) {
	self.stateLock.Lock()
	meta.LastSeen = time.Now().UnixMilli()
	self.local = meta
	self.entries[self.clientId] = meta
	self.stateLock.Unlock()

	self.transport.Send(eventPresenceUpdate, meta)
	self.changed()
}

// State returns the full presence map, local client included. Callers
// filter the local client id themselves.
func (self *Presence) State() map[string]*PresenceMeta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := map[string]*PresenceMeta{}
	for clientId, meta := range self.entries {
		state[clientId] = meta
	}
	return state
}

func (self *Presence) AddChangeCallback(callback func()) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Presence) changed() {
	for _, callback := range self.changeCallbacks.Get() {
		safeInvoke(callback)
	}
}

func (self *Presence) handleState(payload json.RawMessage) {
	var entries map[string]*PresenceMeta
	if err := json.Unmarshal(payload, &entries); err != nil {
		glog.Infof("[p]bad state = %s\n", err)
		return
	}

	self.stateLock.Lock()
	self.entries = entries
	if self.local != nil {
		// the local entry is authoritative locally
		self.entries[self.clientId] = self.local
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[p]state n=%d\n", len(entries))
	self.changed()
}

func (self *Presence) handleDiff(payload json.RawMessage) {
	var diff presenceDiff
	if err := json.Unmarshal(payload, &diff); err != nil {
		glog.Infof("[p]bad diff = %s\n", err)
		return
	}

	self.stateLock.Lock()
	for clientId := range diff.Leaves {
		if clientId != self.clientId {
			delete(self.entries, clientId)
		}
	}
	for clientId, meta := range diff.Joins {
		if clientId != self.clientId {
			self.entries[clientId] = meta
		}
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[p]diff +%d -%d\n", len(diff.Joins), len(diff.Leaves))
	self.changed()
}

// Detach unhooks the transport handlers and drops all entries. The
// handle must not be used after.
func (self *Presence) Detach() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil

	self.stateLock.Lock()
	self.entries = map[string]*PresenceMeta{}
	self.local = nil
	self.stateLock.Unlock()

	self.changeCallbacks.Clear()
}
