package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

const (
	eventRequestAdaptors = "request_adaptors"
	eventAdaptorsUpdated = "adaptors_updated"
)

type AdaptorVersion struct {
	Version string `json:"version"`
}

type Adaptor struct {
	Name     string           `json:"name"`
	RepoUrl  string           `json:"repo,omitempty"`
	Latest   string           `json:"latest,omitempty"`
	Versions []AdaptorVersion `json:"versions,omitempty"`
}

type AdaptorSnapshot struct {
	Adaptors  []Adaptor
	IsLoading bool
	Error     *StoreError
}

// AdaptorStore caches the adaptor catalog: requested once per session,
// refreshed by server push when the registry changes.
type AdaptorStore struct {
	subscriptions

	transport ChannelTransport

	stateLock sync.Mutex
	state     AdaptorSnapshot

	unsub func()
}

func NewAdaptorStore(transport ChannelTransport) *AdaptorStore {
	store := &AdaptorStore{
		transport: transport,
	}
	store.unsub = transport.On(eventAdaptorsUpdated, store.handlePush)
	return store
}

func (self *AdaptorStore) RequestAdaptors() {
	self.stateLock.Lock()
	self.state.IsLoading = true
	self.stateLock.Unlock()
	self.notify()

	sendRequest(self.transport, eventRequestAdaptors, map[string]any{},
		self.apply,
		func(storeError *StoreError) {
			self.stateLock.Lock()
			self.state.IsLoading = false
			self.state.Error = storeError
			self.stateLock.Unlock()
			self.notify()
		},
	)
}

func (self *AdaptorStore) handlePush(payload json.RawMessage) {
	if storeError := self.apply(payload); storeError != nil {
		glog.Infof("[q]adaptors push invalid = %s\n", storeError.Message)
		return
	}
	self.notify()
}

func (self *AdaptorStore) apply(payload json.RawMessage) *StoreError {
	var decoded struct {
		Adaptors []Adaptor `json:"adaptors"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		return storeError
	}
	for _, adaptor := range decoded.Adaptors {
		if adaptor.Name == "" {
			return &StoreError{Message: "adaptor missing name", Type: "validation"}
		}
	}

	self.stateLock.Lock()
	self.state.Adaptors = decoded.Adaptors
	self.stateLock.Unlock()
	return nil
}

func (self *AdaptorStore) ClearError() {
	self.stateLock.Lock()
	self.state.Error = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *AdaptorStore) GetSnapshot() AdaptorSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *AdaptorStore) Cleanup() {
	self.unsub()
}
