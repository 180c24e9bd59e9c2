package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const wsSendBufferSize = 32

// reserved channel events
const (
	wsEventJoin      = "phx_join"
	wsEventReply     = "phx_reply"
	wsEventHeartbeat = "heartbeat"
	wsTopicHeartbeat = "phoenix"
)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// outcome deadline for each Send
	PushTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		JoinTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PushTimeout:        10 * time.Second,
	}
}

// wire frame: [join_ref, ref, topic, event, payload]
type wsFrame struct {
	joinRef string
	ref     string
	topic   string
	event   string
	payload json.RawMessage
}

func (self *wsFrame) encode() ([]byte, error) {
	return json.Marshal([]any{self.joinRef, self.ref, self.topic, self.event, self.payload})
}

func decodeWsFrame(message []byte) (*wsFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(message, &parts); err != nil {
		return nil, err
	}
	if len(parts) != 5 {
		return nil, fmt.Errorf("frame must have 5 parts, got %d", len(parts))
	}
	frame := &wsFrame{payload: parts[4]}
	// join_ref and ref may be null
	json.Unmarshal(parts[0], &frame.joinRef)
	json.Unmarshal(parts[1], &frame.ref)
	if err := json.Unmarshal(parts[2], &frame.topic); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(parts[3], &frame.event); err != nil {
		return nil, err
	}
	return frame, nil
}

type wsReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// WsTransport keeps one websocket channel joined to a room topic,
// reconnecting on failure. Sends are correlated to replies by ref;
// a send outstanding past PushTimeout resolves as timeout, including
// across a disconnect.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	topic string
	token string

	settings *WsTransportSettings

	stateLock sync.Mutex
	nextRef   uint64
	pending   map[string]*Push
	sendQueue chan *wsFrame
	state     ConnectionState

	handlers        map[string]*CallbackList[PushHandler]
	handlersLock    sync.Mutex
	statusCallbacks *CallbackList[StatusFunction]
}

func NewWsTransportWithDefaults(ctx context.Context, url string, topic string, token string) *WsTransport {
	return NewWsTransport(ctx, url, topic, token, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, url string, topic string, token string, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		topic:           topic,
		token:           token,
		settings:        settings,
		pending:         map[string]*Push{},
		sendQueue:       make(chan *wsFrame, wsSendBufferSize),
		state:           ConnectionStateDisconnected,
		handlers:        map[string]*CallbackList[PushHandler]{},
		statusCallbacks: NewCallbackList[StatusFunction](),
	}
	go transport.run()
	return transport
}

func (self *WsTransport) Send(event string, payload any) *Push {
	push := NewPush()

	raw, err := json.Marshal(payload)
	if err != nil {
		glog.Infof("[ct]send %s encode error = %s\n", event, err)
		push.Resolve(PushStatusError, json.RawMessage(`"bad payload"`))
		return push
	}

	self.stateLock.Lock()
	self.nextRef += 1
	ref := strconv.FormatUint(self.nextRef, 10)
	self.pending[ref] = push
	self.stateLock.Unlock()

	frame := &wsFrame{
		ref:     ref,
		topic:   self.topic,
		event:   event,
		payload: raw,
	}

	go func() {
		select {
		case self.sendQueue <- frame:
		case <-self.ctx.Done():
		case <-time.After(self.settings.PushTimeout):
		}
	}()

	// the outcome deadline covers queueing, transmission and reply
	go func() {
		select {
		case <-time.After(self.settings.PushTimeout):
			self.resolvePending(ref, PushStatusTimeout, nil)
		case <-self.ctx.Done():
			self.resolvePending(ref, PushStatusTimeout, nil)
		}
	}()

	glog.V(2).Infof("[ct]%s->\n", event)
	return push
}

func (self *WsTransport) resolvePending(ref string, status PushStatus, payload json.RawMessage) {
	self.stateLock.Lock()
	push, ok := self.pending[ref]
	if ok {
		delete(self.pending, ref)
	}
	self.stateLock.Unlock()
	if ok {
		push.Resolve(status, payload)
	}
}

func (self *WsTransport) On(event string, handler PushHandler) func() {
	self.handlersLock.Lock()
	callbacks, ok := self.handlers[event]
	if !ok {
		callbacks = NewCallbackList[PushHandler]()
		self.handlers[event] = callbacks
	}
	self.handlersLock.Unlock()

	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *WsTransport) AddStatusCallback(callback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(callback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *WsTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *WsTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[ct]state %s\n", state)
	for _, callback := range self.statusCallbacks.Get() {
		callback := callback
		safeInvoke(func() {
			callback(state)
		})
	}
}

func (self *WsTransport) dispatch(event string, payload json.RawMessage) {
	self.handlersLock.Lock()
	callbacks, ok := self.handlers[event]
	self.handlersLock.Unlock()
	if !ok {
		glog.V(2).Infof("[ct]drop %s<-\n", event)
		return
	}
	for _, handler := range callbacks.Get() {
		handler := handler
		safeInvoke(func() {
			handler(payload)
		})
	}
}

func (self *WsTransport) run() {
	defer self.cancel()

	for {
		self.setState(ConnectionStateConnecting)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// join the room topic. The join reply echoes ref "join".
			joinPayload, err := json.Marshal(map[string]any{"token": self.token})
			if err != nil {
				return nil, err
			}
			joinFrame := &wsFrame{
				joinRef: "join",
				ref:     "join",
				topic:   self.topic,
				event:   wsEventJoin,
				payload: joinPayload,
			}
			joinBytes, err := joinFrame.encode()
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			reply, err := decodeWsFrame(message)
			if err != nil {
				return nil, err
			}
			if reply.event != wsEventReply || reply.ref != "join" {
				return nil, fmt.Errorf("join reply error: unexpected %s", reply.event)
			}
			var joinReply wsReply
			if err := json.Unmarshal(reply.payload, &joinReply); err != nil {
				return nil, err
			}
			if joinReply.Status != "ok" {
				return nil, fmt.Errorf("join rejected: %s", joinReply.Status)
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ct]connect error = %s\n", err)
			self.setState(ConnectionStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.setState(ConnectionStateConnected)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				heartbeatRef := uint64(0)
				for {
					select {
					case <-handleCtx.Done():
						return
					case frame := <-self.sendQueue:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						message, err := frame.encode()
						if err != nil {
							continue
						}
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							glog.Infof("[ct]-> error = %s\n", err)
							return
						}
					case <-time.After(self.settings.PingTimeout):
						heartbeatRef += 1
						heartbeat := &wsFrame{
							ref:     "hb:" + strconv.FormatUint(heartbeatRef, 10),
							topic:   wsTopicHeartbeat,
							event:   wsEventHeartbeat,
							payload: json.RawMessage(`{}`),
						}
						message, err := heartbeat.encode()
						if err != nil {
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ct]<- error = %s\n", err)
						return
					}
					frame, err := decodeWsFrame(message)
					if err != nil {
						glog.Infof("[ct]<- bad frame = %s\n", err)
						continue
					}
					if frame.topic == wsTopicHeartbeat {
						continue
					}
					if frame.event == wsEventReply {
						var reply wsReply
						if err := json.Unmarshal(frame.payload, &reply); err != nil {
							glog.Infof("[ct]<- bad reply = %s\n", err)
							continue
						}
						glog.V(2).Infof("[ct]reply %s<-\n", frame.ref)
						switch reply.Status {
						case "ok":
							self.resolvePending(frame.ref, PushStatusOk, reply.Response)
						case "timeout":
							self.resolvePending(frame.ref, PushStatusTimeout, nil)
						default:
							self.resolvePending(frame.ref, PushStatusError, reply.Response)
						}
					} else {
						glog.V(2).Infof("[ct]%s<-\n", frame.event)
						self.dispatch(frame.event, frame.payload)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		self.setState(ConnectionStateDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsTransport) Close() {
	self.cancel()
	self.setState(ConnectionStateDisconnected)
}
