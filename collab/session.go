package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/flowline/collab/collab/crdt"
)

const (
	eventSyncDocument    = "sync_document"
	eventUpdateDocument  = "update_document"
	eventDocumentUpdated = "document_updated"
)

// transactions applied from the wire carry this origin so they are
// neither rebroadcast nor undoable
const originRemote = "remote"

type SessionAuth struct {
	// room session token, carried as-is; the server verifies it
	Token string
}

// UserId reads the subject out of the token without verifying it, for
// local display only.
func (self *SessionAuth) UserId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.Token, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return subject, nil
}

type SessionSnapshot struct {
	ConnectionState ConnectionState
	// IsConnected and IsSynced are deliberately independent: a
	// connection is connected-but-not-synced until the first vector
	// exchange completes. IsSynced never leads IsConnected.
	IsConnected bool
	IsSynced    bool
}

// Session owns one room's transport, document and presence handle: the
// channel provider the stores attach to. The session is the document's
// lifecycle owner; stores hold non-owning references and attach and
// detach through it. All document access inside the library runs under
// the session's room lock.
type Session struct {
	subscriptions

	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	auth     *SessionAuth

	roomLock sync.Mutex
	doc      *crdt.Doc

	transportLock sync.Mutex
	transport     ChannelTransport
	presence      *Presence

	stateLock sync.Mutex
	state     SessionSnapshot

	unsubs []func()
}

// NewSession attaches to a transport and starts the sync handshake as
// soon as the transport reports connected. doc may be nil for a fresh
// room; passing a previously retained document reconnects it and
// reconciles offline edits.
func NewSession(ctx context.Context, transport ChannelTransport, doc *crdt.Doc, auth *SessionAuth) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	if doc == nil {
		doc = crdt.NewDoc()
	}
	session := &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		clientId: NewClientId(),
		auth:     auth,
		doc:      doc,
		state: SessionSnapshot{
			ConnectionState: ConnectionStateDisconnected,
		},
	}
	session.transport = transport
	session.presence = NewPresence(transport, session.clientId)

	session.unsubs = append(session.unsubs,
		transport.AddStatusCallback(session.handleStatus),
		transport.On(eventDocumentUpdated, session.handleDocumentUpdated),
		doc.OnUpdate(session.handleLocalUpdate),
	)
	return session
}

func (self *Session) ClientId() string {
	return self.clientId
}

func (self *Session) Doc() *crdt.Doc {
	return self.doc
}

// Presence returns the presence handle, nil after Leave.
func (self *Session) Presence() *Presence {
	self.transportLock.Lock()
	defer self.transportLock.Unlock()
	return self.presence
}

// RoomLock serializes all document access for this room.
func (self *Session) RoomLock() *sync.Mutex {
	return &self.roomLock
}

// Transport returns the channel transport, nil after Leave.
func (self *Session) Transport() ChannelTransport {
	self.transportLock.Lock()
	defer self.transportLock.Unlock()
	return self.transport
}

func (self *Session) GetSnapshot() SessionSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) handleStatus(status ConnectionState) {
	switch status {
	case ConnectionStateConnected:
		self.setState(func(state *SessionSnapshot) {
			state.ConnectionState = ConnectionStateConnected
			state.IsConnected = true
			// synced only after the vector exchange
			state.IsSynced = false
		})
		self.sync()
	case ConnectionStateConnecting:
		self.setState(func(state *SessionSnapshot) {
			state.ConnectionState = ConnectionStateConnecting
			state.IsConnected = false
			state.IsSynced = false
		})
	case ConnectionStateDisconnected:
		// the document is not discarded; edits continue locally and
		// reconcile on reconnect
		self.setState(func(state *SessionSnapshot) {
			state.ConnectionState = ConnectionStateDisconnected
			state.IsConnected = false
			state.IsSynced = false
		})
	}
}

type syncRequest struct {
	Vector crdt.Vector `json:"vector"`
}

type syncResponse struct {
	Update string      `json:"update"`
	Vector crdt.Vector `json:"vector"`
}

// sync exchanges vectors with the server: applies what this replica is
// missing, then pushes what the server is missing, then flips synced.
func (self *Session) sync() {
	transport := self.Transport()
	if transport == nil {
		return
	}

	self.roomLock.Lock()
	vector := self.doc.Vector()
	self.roomLock.Unlock()

	transport.Send(eventSyncDocument, &syncRequest{Vector: vector}).
		OnResult(PushStatusOk, func(payload json.RawMessage) {
			var response syncResponse
			if err := json.Unmarshal(payload, &response); err != nil {
				glog.Infof("[s]bad sync response = %s\n", err)
				return
			}
			if response.Update != "" {
				update, err := base64.StdEncoding.DecodeString(response.Update)
				if err != nil {
					glog.Infof("[s]bad sync update = %s\n", err)
					return
				}
				self.roomLock.Lock()
				err = self.doc.ApplyUpdate(update, originRemote)
				self.roomLock.Unlock()
				if err != nil {
					glog.Infof("[s]sync apply error = %s\n", err)
					return
				}
			}

			// reconcile offline edits the server has not seen
			self.roomLock.Lock()
			delta := self.doc.EncodeStateAsUpdate(response.Vector)
			self.roomLock.Unlock()
			self.sendUpdate(delta)

			self.setState(func(state *SessionSnapshot) {
				state.IsSynced = true
			})
			glog.V(1).Infof("[s]synced\n")
		}).
		OnResult(PushStatusError, func(payload json.RawMessage) {
			glog.Infof("[s]sync error = %s\n", errorFromPayload(payload).Message)
		}).
		OnResult(PushStatusTimeout, func(payload json.RawMessage) {
			glog.Infof("[s]sync timeout\n")
		})
}

func (self *Session) handleDocumentUpdated(payload json.RawMessage) {
	var pushed struct {
		Update string `json:"update"`
	}
	if err := json.Unmarshal(payload, &pushed); err != nil {
		glog.Infof("[s]bad update push = %s\n", err)
		return
	}
	update, err := base64.StdEncoding.DecodeString(pushed.Update)
	if err != nil {
		glog.Infof("[s]bad update encoding = %s\n", err)
		return
	}

	self.roomLock.Lock()
	err = self.doc.ApplyUpdate(update, originRemote)
	self.roomLock.Unlock()
	if err != nil {
		glog.Infof("[s]apply error = %s\n", err)
	}
}

// handleLocalUpdate broadcasts each local transaction. Remote applies
// never fire OnUpdate, so nothing echoes.
func (self *Session) handleLocalUpdate(update []byte, origin string) {
	self.sendUpdate(update)
}

func (self *Session) sendUpdate(update []byte) {
	transport := self.Transport()
	if transport == nil {
		return
	}
	transport.Send(eventUpdateDocument, map[string]any{
		"update": base64.StdEncoding.EncodeToString(update),
	})
}

func (self *Session) setState(mutate func(state *SessionSnapshot)) {
	self.stateLock.Lock()
	mutate(&self.state)
	self.stateLock.Unlock()
	self.notify()
}

// Leave releases the transport and presence. The document is retained
// deliberately, so a workflow store attached to it keeps working
// offline; pass it to a new session to rejoin the room.
func (self *Session) Leave() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil

	self.transportLock.Lock()
	transport := self.transport
	presence := self.presence
	self.transport = nil
	self.presence = nil
	self.transportLock.Unlock()

	if presence != nil {
		presence.Detach()
	}
	if transport != nil {
		transport.Close()
	}

	self.setState(func(state *SessionSnapshot) {
		state.ConnectionState = ConnectionStateDisconnected
		state.IsConnected = false
		state.IsSynced = false
	})
	self.cancel()
	glog.V(1).Infof("[s]leave\n")
}
