package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

const (
	eventRequestCredentials = "request_credentials"
	eventCredentialsUpdated = "credentials_updated"
)

type Credential struct {
	Id                  string `json:"id"`
	Name                string `json:"name"`
	Schema              string `json:"schema,omitempty"`
	ProjectCredentialId string `json:"project_credential_id,omitempty"`
}

type KeychainCredential struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type CredentialSnapshot struct {
	ProjectCredentials  []Credential
	KeychainCredentials []KeychainCredential
	IsLoading           bool
	Error               *StoreError
}

// CredentialStore caches the credentials available to the project so
// the job inspector can offer them without a round trip per job.
type CredentialStore struct {
	subscriptions

	transport ChannelTransport

	stateLock sync.Mutex
	state     CredentialSnapshot

	unsub func()
}

func NewCredentialStore(transport ChannelTransport) *CredentialStore {
	store := &CredentialStore{
		transport: transport,
	}
	store.unsub = transport.On(eventCredentialsUpdated, store.handlePush)
	return store
}

func (self *CredentialStore) RequestCredentials() {
	self.stateLock.Lock()
	self.state.IsLoading = true
	self.stateLock.Unlock()
	self.notify()

	sendRequest(self.transport, eventRequestCredentials, map[string]any{},
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

func (self *CredentialStore) handlePush(payload json.RawMessage) {
	if storeError := self.apply(payload); storeError != nil {
		glog.Infof("[q]credentials push invalid = %s\n", storeError.Message)
		return
	}
	self.notify()
}

func (self *CredentialStore) apply(payload json.RawMessage) *StoreError {
	var decoded struct {
		ProjectCredentials  []Credential         `json:"credentials"`
		KeychainCredentials []KeychainCredential `json:"keychain_credentials"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		return storeError
	}

	self.stateLock.Lock()
	self.state.ProjectCredentials = decoded.ProjectCredentials
	self.state.KeychainCredentials = decoded.KeychainCredentials
	self.stateLock.Unlock()
	return nil
}

func (self *CredentialStore) ClearError() {
	self.stateLock.Lock()
	self.state.Error = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *CredentialStore) GetSnapshot() CredentialSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *CredentialStore) Cleanup() {
	self.unsub()
}
