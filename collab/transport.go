package collab

import (
	"encoding/json"
	"strings"
	"sync"
)

// The channel transport is the one seam between the stores and the
// network. Stores receive it at construction time; test doubles
// implement the same interface.

type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
)

type PushStatus string

const (
	PushStatusOk      PushStatus = "ok"
	PushStatusError   PushStatus = "error"
	PushStatusTimeout PushStatus = "timeout"
)

// PushHandler receives the raw payload of an inbound event.
type PushHandler func(payload json.RawMessage)

type StatusFunction func(status ConnectionState)

type ChannelTransport interface {
	// Send issues one correlated request. The returned handle resolves
	// exactly once with ok, error or timeout, always after Send
	// returns. No ordering is guaranteed between independent sends.
	Send(event string, payload any) *Push

	// On registers an inbound event handler. Multiple handlers per
	// event are supported. Returns an idempotent unsubscribe.
	On(event string, handler PushHandler) func()

	AddStatusCallback(callback StatusFunction) func()

	Close()
}

// Push is the outcome handle of one Send. OnResult may be registered
// repeatedly and for several statuses; each registration returns the
// same handle so status handling chains. The callback for the status
// that actually occurred fires once; registrations made after
// resolution fire immediately with the stored outcome.
type Push struct {
	mutex sync.Mutex

	resolved bool
	status   PushStatus
	payload  json.RawMessage

	callbacks map[PushStatus][]func(payload json.RawMessage)
}

func NewPush() *Push {
	return &Push{
		callbacks: map[PushStatus][]func(payload json.RawMessage){},
	}
}

func (self *Push) OnResult(status PushStatus, callback func(payload json.RawMessage)) *Push {
	var fire bool
	var payload json.RawMessage

	self.mutex.Lock()
	if self.resolved {
		fire = self.status == status
		payload = self.payload
	} else {
		self.callbacks[status] = append(self.callbacks[status], callback)
	}
	self.mutex.Unlock()

	if fire {
		safeInvoke(func() {
			callback(payload)
		})
	}
	return self
}

// Resolve fires the callbacks registered for status. Later resolves
// are ignored; one outcome per push.
func (self *Push) Resolve(status PushStatus, payload json.RawMessage) {
	self.mutex.Lock()
	if self.resolved {
		self.mutex.Unlock()
		return
	}
	self.resolved = true
	self.status = status
	self.payload = payload
	callbacks := self.callbacks[status]
	self.callbacks = nil
	self.mutex.Unlock()

	for _, callback := range callbacks {
		callback := callback
		safeInvoke(func() {
			callback(payload)
		})
	}
}

// ErrorEnvelope is the structured error payload of an `error` outcome:
// {"errors": {"base": ["message"]}, "type": "..."}.
type ErrorEnvelope struct {
	Errors ErrorDetail `json:"errors"`
	Type   string      `json:"type"`
}

type ErrorDetail struct {
	Base []string `json:"base"`
}

func (self *ErrorEnvelope) Message() string {
	if 0 < len(self.Errors.Base) {
		return strings.Join(self.Errors.Base, "; ")
	}
	if self.Type != "" {
		return self.Type
	}
	return "request failed"
}

// StoreError is what query stores keep in state for a failed request.
type StoreError struct {
	Message string
	Type    string
}

// errorFromPayload maps an error outcome payload to a StoreError. It
// accepts the structured envelope, a plain string reason, or anything
// else (generic message), and never fails.
func errorFromPayload(payload json.RawMessage) *StoreError {
	if len(payload) == 0 {
		return &StoreError{Message: "request failed"}
	}
	var envelope ErrorEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil {
		if 0 < len(envelope.Errors.Base) || envelope.Type != "" {
			return &StoreError{
				Message: envelope.Message(),
				Type:    envelope.Type,
			}
		}
	}
	var reason string
	if err := json.Unmarshal(payload, &reason); err == nil && reason != "" {
		return &StoreError{Message: reason}
	}
	return &StoreError{Message: "request failed"}
}

var timeoutError = &StoreError{
	Message: "request timed out",
	Type:    "timeout",
}
