package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Identity is the durable local user profile. Only the minimal
// PresenceUser projection of it is ever broadcast; fields like Email
// exist for local display and must never enter the presence map.
type Identity struct {
	Id    string
	Name  string
	Color string
	Email string
}

// Participant is one remote editor derived from the presence map. A
// participant may have an identity but no cursor yet; render nothing
// for those.
type Participant struct {
	ClientId  string
	User      PresenceUser
	Cursor    *Cursor
	Selection *Selection
	LastSeen  time.Time
}

type PresenceSnapshot struct {
	LocalIdentity *Identity
	// remote participants ordered by client id
	Participants []Participant
}

// PresenceStore projects the presence handle into renderable state.
// Remote entries are re-derived wholesale on every change
// notification; there is no incremental patching.
type PresenceStore struct {
	subscriptions

	stateLock sync.Mutex

	presence *Presence
	identity *Identity

	cursor    *Cursor
	selection *Selection

	participants []Participant

	unsubChange func()
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{}
}

// InitializeAwareness attaches the store to a presence handle and
// broadcasts the minimal user object. The identity itself stays in
// store state only.
func (self *PresenceStore) InitializeAwareness(presence *Presence, identity Identity) {
	self.stateLock.Lock()
	if self.presence != nil {
		self.stateLock.Unlock()
		panic("presence store already initialized")
	}
	self.presence = presence
	self.identity = &identity
	self.stateLock.Unlock()

	self.unsubChange = presence.AddChangeCallback(self.handleAwarenessChange)

	presence.SetLocalState(&PresenceMeta{
		User: &PresenceUser{
			Id:    identity.Id,
			Name:  identity.Name,
			Color: identity.Color,
		},
	})
	glog.V(1).Infof("[p]awareness init client=%s\n", presence.ClientId())
}

func (self *PresenceStore) requirePresence() *Presence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.presence == nil {
		panic("presence store used before InitializeAwareness")
	}
	return self.presence
}

func (self *PresenceStore) UpdateLocalCursor(cursor *Cursor) {
	presence := self.requirePresence()

	self.stateLock.Lock()
	self.cursor = cursor
	meta := self.localMeta()
	self.stateLock.Unlock()

	presence.SetLocalState(meta)
}

func (self *PresenceStore) UpdateLocalSelection(selection *Selection) {
	presence := self.requirePresence()

	self.stateLock.Lock()
	self.selection = selection
	meta := self.localMeta()
	self.stateLock.Unlock()

	presence.SetLocalState(meta)
}

// localMeta builds the broadcast payload: minimal user object plus
// ephemeral cursor/selection. Never the identity itself.
func (self *PresenceStore) localMeta() *PresenceMeta {
	return &PresenceMeta{
		User: &PresenceUser{
			Id:    self.identity.Id,
			Name:  self.identity.Name,
			Color: self.identity.Color,
		},
		Cursor:    self.cursor,
		Selection: self.selection,
	}
}

// handleAwarenessChange re-derives the remote participant list from
// the presence map. Client ids absent from the map have left.
func (self *PresenceStore) handleAwarenessChange() {
	self.stateLock.Lock()
	presence := self.presence
	if presence == nil {
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	state := presence.State()
	delete(state, presence.ClientId())

	clientIds := maps.Keys(state)
	slices.Sort(clientIds)

	participants := []Participant{}
	for _, clientId := range clientIds {
		meta := state[clientId]
		if meta == nil || meta.User == nil {
			// not announced yet
			continue
		}
		participants = append(participants, Participant{
			ClientId:  clientId,
			User:      *meta.User,
			Cursor:    meta.Cursor,
			Selection: meta.Selection,
			LastSeen:  time.UnixMilli(meta.LastSeen),
		})
	}

	self.stateLock.Lock()
	self.participants = participants
	self.stateLock.Unlock()

	self.notify()
}

func (self *PresenceStore) GetSnapshot() PresenceSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var identity *Identity
	if self.identity != nil {
		copied := *self.identity
		identity = &copied
	}
	return PresenceSnapshot{
		LocalIdentity: identity,
		Participants:  slices.Clone(self.participants),
	}
}

// Cleanup detaches from the presence handle. The store can be
// re-initialized afterwards.
func (self *PresenceStore) Cleanup() {
	if self.unsubChange != nil {
		self.unsubChange()
		self.unsubChange = nil
	}

	self.stateLock.Lock()
	self.presence = nil
	self.identity = nil
	self.cursor = nil
	self.selection = nil
	self.participants = nil
	self.stateLock.Unlock()

	self.notify()
}
