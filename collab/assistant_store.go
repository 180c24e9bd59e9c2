package collab

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

const (
	eventAssistantSessionCreated = "session_created"
	eventAssistantNewMessage     = "new_message"
	eventAssistantMessageUpdated = "message_updated"
	eventAssistantError          = "error"
)

type AssistantMessage struct {
	Id      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

type AssistantSnapshot struct {
	SessionId string
	Messages  []AssistantMessage
	IsLoading bool
	Error     *StoreError
}

// AssistantStore tracks one ai chat session per room. The session is
// created lazily by the server on the first message; replies and
// streaming edits arrive as pushes, not as the request response, so
// IsLoading covers only the send acknowledgement.
type AssistantStore struct {
	subscriptions

	transport ChannelTransport

	stateLock sync.Mutex
	state     AssistantSnapshot

	unsubs []func()
}

func NewAssistantStore(transport ChannelTransport) *AssistantStore {
	store := &AssistantStore{
		transport: transport,
	}
	store.unsubs = []func(){
		transport.On(eventAssistantSessionCreated, store.handleSessionCreated),
		transport.On(eventAssistantNewMessage, store.handleNewMessage),
		transport.On(eventAssistantMessageUpdated, store.handleMessageUpdated),
		transport.On(eventAssistantError, store.handleError),
	}
	return store
}

func (self *AssistantStore) SendMessage(content string) {
	self.stateLock.Lock()
	self.state.IsLoading = true
	sessionId := self.state.SessionId
	self.stateLock.Unlock()
	self.notify()

	payload := map[string]any{
		"content": content,
	}
	if sessionId != "" {
		payload["session_id"] = sessionId
	}

	sendRequest(self.transport, eventAssistantNewMessage, payload,
		self.applyAck,
		func(storeError *StoreError) {
			self.stateLock.Lock()
			self.state.IsLoading = false
			self.state.Error = storeError
			self.stateLock.Unlock()
			self.notify()
		},
	)
}

// applyAck merges the send acknowledgement. The server may echo the
// persisted user message here; assistant replies arrive as pushes.
func (self *AssistantStore) applyAck(payload json.RawMessage) *StoreError {
	var decoded struct {
		SessionId string            `json:"session_id"`
		Message   *AssistantMessage `json:"message"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		return storeError
	}

	self.stateLock.Lock()
	if decoded.SessionId != "" {
		self.state.SessionId = decoded.SessionId
	}
	if decoded.Message != nil {
		self.mergeMessage(*decoded.Message)
	}
	self.stateLock.Unlock()
	return nil
}

func (self *AssistantStore) handleSessionCreated(payload json.RawMessage) {
	var decoded struct {
		SessionId string `json:"session_id"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		glog.Infof("[q]session_created invalid = %s\n", storeError.Message)
		return
	}
	if decoded.SessionId == "" {
		glog.Infof("[q]session_created missing session id\n")
		return
	}

	self.stateLock.Lock()
	self.state.SessionId = decoded.SessionId
	self.stateLock.Unlock()
	self.notify()
}

func (self *AssistantStore) handleNewMessage(payload json.RawMessage) {
	message, ok := self.decodeMessage(payload)
	if !ok {
		return
	}

	self.stateLock.Lock()
	self.mergeMessage(message)
	self.stateLock.Unlock()
	self.notify()
}

func (self *AssistantStore) handleMessageUpdated(payload json.RawMessage) {
	message, ok := self.decodeMessage(payload)
	if !ok {
		return
	}

	self.stateLock.Lock()
	i := slices.IndexFunc(self.state.Messages, func(m AssistantMessage) bool {
		return m.Id == message.Id
	})
	if i < 0 {
		// an update for a message we never saw; treat it as new
		self.mergeMessage(message)
	} else {
		messages := slices.Clone(self.state.Messages)
		messages[i] = message
		self.state.Messages = messages
	}
	self.stateLock.Unlock()
	self.notify()
}

func (self *AssistantStore) handleError(payload json.RawMessage) {
	storeError := errorFromPayload(payload)
	glog.V(1).Infof("[q]assistant error = %s\n", storeError.Message)

	self.stateLock.Lock()
	self.state.IsLoading = false
	self.state.Error = storeError
	self.stateLock.Unlock()
	self.notify()
}

func (self *AssistantStore) decodeMessage(payload json.RawMessage) (AssistantMessage, bool) {
	var decoded struct {
		Message AssistantMessage `json:"message"`
	}
	if storeError := decodeInto(payload, &decoded); storeError != nil {
		glog.Infof("[q]assistant message invalid = %s\n", storeError.Message)
		return AssistantMessage{}, false
	}
	if decoded.Message.Id == "" {
		glog.Infof("[q]assistant message missing id\n")
		return AssistantMessage{}, false
	}
	return decoded.Message, true
}

// mergeMessage appends or replaces by id. Callers hold stateLock.
func (self *AssistantStore) mergeMessage(message AssistantMessage) {
	messages := slices.Clone(self.state.Messages)
	i := slices.IndexFunc(messages, func(m AssistantMessage) bool {
		return m.Id == message.Id
	})
	if i < 0 {
		messages = append(messages, message)
	} else {
		messages[i] = message
	}
	self.state.Messages = messages
}

func (self *AssistantStore) ClearError() {
	self.stateLock.Lock()
	self.state.Error = nil
	self.stateLock.Unlock()
	self.notify()
}

func (self *AssistantStore) GetSnapshot() AssistantSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *AssistantStore) Cleanup() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}
