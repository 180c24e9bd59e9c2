package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

const (
	eventGetContext            = "get_context"
	eventSessionContext        = "session_context"
	eventSessionContextUpdated = "session_context_updated"
)

type User struct {
	Id        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

type Project struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type AppConfig struct {
	RequireEmailVerification bool `json:"require_email_verification"`
	AiAssistantEnabled       bool `json:"ai_assistant_enabled"`
}

type Permissions struct {
	CanEditWorkflow bool `json:"can_edit_workflow"`
}

type RepoConnection struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

type WebhookAuthMethod struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	AuthType string `json:"auth_type"`
}

type WorkflowTemplate struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

type Limits struct {
	RunLimit JSONBool `json:"run_limit,omitempty"`
}

// JSONBool tolerates servers sending booleans as JSON bool or number.
type JSONBool bool

func (self *JSONBool) UnmarshalJSON(src []byte) error {
	var b bool
	if err := json.Unmarshal(src, &b); err == nil {
		*self = JSONBool(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(src, &n); err != nil {
		return err
	}
	*self = n != 0
	return nil
}

// sessionContextPayload mirrors the get_context ok response and the
// session_context push. All fields are optional pointers so the same
// decode handles full snapshots and partial updates.
type sessionContextPayload struct {
	User                      *User               `json:"user"`
	Project                   *Project            `json:"project"`
	Config                    *AppConfig          `json:"config"`
	Permissions               *Permissions        `json:"permissions"`
	LatestSnapshotLockVersion *int64              `json:"latest_snapshot_lock_version"`
	ProjectRepoConnection     *RepoConnection     `json:"project_repo_connection"`
	WebhookAuthMethods        []WebhookAuthMethod `json:"webhook_auth_methods"`
	WorkflowTemplate          *WorkflowTemplate   `json:"workflow_template"`
	HasReadAiDisclaimer       *bool               `json:"has_read_ai_disclaimer"`
	Limits                    *Limits             `json:"limits"`
}

type SessionContextSnapshot struct {
	User                      *User
	Project                   *Project
	Config                    *AppConfig
	Permissions               *Permissions
	LatestSnapshotLockVersion int64
	ProjectRepoConnection     *RepoConnection
	WebhookAuthMethods        []WebhookAuthMethod
	WorkflowTemplate          *WorkflowTemplate
	HasReadAiDisclaimer       bool
	Limits                    *Limits

	IsLoading bool
	Error     *StoreError
}

type SessionContextStore struct {
	subscriptions

	transport ChannelTransport

	stateLock sync.Mutex
	state     SessionContextSnapshot

	unsubs []func()
}

func NewSessionContextStore(transport ChannelTransport) *SessionContextStore {
	store := &SessionContextStore{
		transport: transport,
	}
	store.unsubs = append(store.unsubs,
		transport.On(eventSessionContext, store.handlePush),
		transport.On(eventSessionContextUpdated, store.handlePush),
	)
	return store
}

// RequestSessionContext issues one get_context request. Completion is
// visible through the snapshot: IsLoading flips back with either
// merged data or Error set.
func (self *SessionContextStore) RequestSessionContext() {
	self.stateLock.Lock()
	self.state.IsLoading = true
	self.stateLock.Unlock()
	self.notify()

	sendRequest(self.transport, eventGetContext, map[string]any{},
		func(payload json.RawMessage) *StoreError {
			return self.merge(payload, true)
		},
		func(storeError *StoreError) {
			self.stateLock.Lock()
			self.state.IsLoading = false
			self.state.Error = storeError
			self.stateLock.Unlock()
			self.notify()
		},
	)
}

// handlePush merges server-pushed context deltas, independent of any
// in-flight request.
func (self *SessionContextStore) handlePush(payload json.RawMessage) {
	if storeError := self.merge(payload, false); storeError != nil {
		glog.Infof("[q]context push invalid = %s\n", storeError.Message)
		return
	}
	self.notify()
}

// merge validates and applies present fields. A full response must at
// least identify the user and project; partial pushes may carry any
// subset.
func (self *SessionContextStore) merge(payload json.RawMessage, full bool) *StoreError {
	var decoded sessionContextPayload
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		return storeError
	}
	if full {
		if decoded.User == nil || decoded.User.Id == "" {
			return &StoreError{Message: "context missing user", Type: "validation"}
		}
		if decoded.Project == nil || decoded.Project.Id == "" {
			return &StoreError{Message: "context missing project", Type: "validation"}
		}
	}

	self.stateLock.Lock()
	if decoded.User != nil {
		self.state.User = decoded.User
	}
	if decoded.Project != nil {
		self.state.Project = decoded.Project
	}
	if decoded.Config != nil {
		self.state.Config = decoded.Config
	}
	if decoded.Permissions != nil {
		self.state.Permissions = decoded.Permissions
	}
	if decoded.LatestSnapshotLockVersion != nil {
		self.state.LatestSnapshotLockVersion = *decoded.LatestSnapshotLockVersion
	}
	if decoded.ProjectRepoConnection != nil {
		self.state.ProjectRepoConnection = decoded.ProjectRepoConnection
	}
	if decoded.WebhookAuthMethods != nil {
		self.state.WebhookAuthMethods = decoded.WebhookAuthMethods
	}
	if decoded.WorkflowTemplate != nil {
		self.state.WorkflowTemplate = decoded.WorkflowTemplate
	}
	if decoded.HasReadAiDisclaimer != nil {
		self.state.HasReadAiDisclaimer = *decoded.HasReadAiDisclaimer
	}
	if decoded.Limits != nil {
		self.state.Limits = decoded.Limits
	}
	self.stateLock.Unlock()
	return nil
}

func (self *SessionContextStore) ClearError() {
	self.stateLock.Lock()
	self.state.Error = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *SessionContextStore) GetSnapshot() SessionContextSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SessionContextStore) Cleanup() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}
