package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Transport owns exactly one logical websocket connection to the room
// relay and multiplexes document sync and presence frames over it. It
// recovers from transient failures by itself: any unexpected close
// schedules a reconnect with exponential backoff, forever, until
// Disconnect or Destroy.
//
// connection state machine:
// ConnStateDisconnected
//
//	-> ConnStateConnecting
//	  -> ConnStateConnected
//	    -> ConnStateDisconnected (loop)
//
// `synced` is orthogonal: it turns true on the first sync step 2 of a
// connection and false whenever the connection drops.
type ConnState string

const (
	ConnStateDisconnected ConnState = "Disconnected"
	ConnStateConnecting   ConnState = "Connecting"
	ConnStateConnected    ConnState = "Connected"
)

func (self ConnState) IsOpen() bool {
	return self == ConnStateConnected
}

type TransportStatus struct {
	State  ConnState
	Synced bool
}

type StatusFunc func(status TransportStatus)

type TransportSettings struct {
	MinReconnectDelay  time.Duration
	MaxReconnectDelay  time.Duration
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		MinReconnectDelay:  1000 * time.Millisecond,
		MaxReconnectDelay:  30000 * time.Millisecond,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingInterval:       15 * time.Second,
	}
}

// reconnect tracks the backoff delay: starts at the floor, doubles after
// every scheduled attempt, caps at the max, resets to the floor on a
// successful connection.
type reconnect struct {
	minDelay time.Duration
	maxDelay time.Duration
	delay    time.Duration
}

func newReconnect(minDelay time.Duration, maxDelay time.Duration) *reconnect {
	return &reconnect{
		minDelay: minDelay,
		maxDelay: maxDelay,
		delay:    minDelay,
	}
}

// Next returns the delay to schedule now and doubles the stored delay.
func (self *reconnect) Next() time.Duration {
	delay := self.delay
	next := 2 * self.delay
	if self.maxDelay < next {
		next = self.maxDelay
	}
	self.delay = next
	return delay
}

func (self *reconnect) Reset() {
	self.delay = self.minDelay
}

type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc      *Doc
	presence *Presence

	endpoint string
	room     string
	params   map[string]string

	settings *TransportSettings

	stateLock       sync.Mutex
	state           ConnState
	synced          bool
	shouldReconnect bool
	reconnect       *reconnect
	reconnectTimer  *time.Timer
	ws              *websocket.Conn
	// connection generation. Events from a previous connection's
	// goroutines are ignored.
	gen int

	writeLock sync.Mutex

	statusCallbacks *CallbackList[StatusFunc]

	removeDocCallback      func()
	removePresenceCallback func()
}

func NewTransportWithDefaults(
	ctx context.Context,
	doc *Doc,
	presence *Presence,
	endpoint string,
	room string,
	params map[string]string,
) *Transport {
	return NewTransport(ctx, doc, presence, endpoint, room, params, DefaultTransportSettings())
}

func NewTransport(
	ctx context.Context,
	doc *Doc,
	presence *Presence,
	endpoint string,
	room string,
	params map[string]string,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &Transport{
		ctx:             cancelCtx,
		cancel:          cancel,
		doc:             doc,
		presence:        presence,
		endpoint:        endpoint,
		room:            room,
		params:          params,
		settings:        settings,
		state:           ConnStateDisconnected,
		reconnect:       newReconnect(settings.MinReconnectDelay, settings.MaxReconnectDelay),
		statusCallbacks: NewCallbackList[StatusFunc](),
	}

	// every local document change goes out, whether or not the bridge is
	// suppressing its own application echo. Changes this transport applied
	// from the wire are not echoed back.
	transport.removeDocCallback = doc.AddUpdateCallback(func(update []byte, origin any) {
		if origin == transport {
			return
		}
		transport.send(MessageKindSync, EncodeSyncPayload(SyncUpdate, update))
	})

	// only changes to the local client's presence are sent. Remote
	// presence arrives from the relay and is never reflected back.
	transport.removePresenceCallback = presence.AddChangeCallback(func(added []uint64, updated []uint64, removed []uint64) {
		localId := presence.ClientId()
		for _, clientIds := range [][]uint64{added, updated, removed} {
			for _, clientId := range clientIds {
				if clientId == localId {
					transport.send(MessageKindPresence, presence.EncodeDelta([]uint64{localId}))
					return
				}
			}
		}
	})

	return transport
}

func (self *Transport) AddStatusCallback(statusCallback StatusFunc) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *Transport) Status() TransportStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return TransportStatus{
		State:  self.state,
		Synced: self.synced,
	}
}

// Connect opens the connection. Idempotent: a no-op while connecting or
// connected. Returns immediately; completion is observed via status
// callbacks.
func (self *Transport) Connect() {
	self.stateLock.Lock()
	if self.state != ConnStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.shouldReconnect = true
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.state = ConnStateConnecting
	self.gen += 1
	gen := self.gen
	self.stateLock.Unlock()

	self.emitStatus()
	go self.dial(gen)
}

// Disconnect closes the connection and stops all reconnection until the
// next Connect. The pending reconnect timer is cancelled synchronously.
func (self *Transport) Disconnect() {
	self.stateLock.Lock()
	self.shouldReconnect = false
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	ws := self.ws
	self.ws = nil
	self.gen += 1
	changed := self.state != ConnStateDisconnected || self.synced
	self.state = ConnStateDisconnected
	self.synced = false
	self.stateLock.Unlock()

	if ws != nil {
		ws.Close()
	}
	self.presence.Clear()
	if changed {
		self.emitStatus()
	}
}

// Destroy disconnects, detaches the document and presence listeners. The
// transport cannot be reused after.
func (self *Transport) Destroy() {
	self.Disconnect()
	self.removeDocCallback()
	self.removePresenceCallback()
	self.cancel()
}

func (self *Transport) connectUrl() (string, error) {
	u, err := url.Parse(self.endpoint)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("room", self.room)
	for key, value := range self.params {
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *Transport) dial(gen int) {
	connectUrl, err := self.connectUrl()
	if err != nil {
		self.handleClose(gen, err)
		return
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, connectUrl, nil)
	if err != nil {
		glog.Infof("[t]%s dial error = %s\n", self.room, err)
		self.handleClose(gen, err)
		return
	}

	self.stateLock.Lock()
	if self.gen != gen || !self.shouldReconnect {
		self.stateLock.Unlock()
		ws.Close()
		return
	}
	self.ws = ws
	self.state = ConnStateConnected
	self.reconnect.Reset()
	self.stateLock.Unlock()

	glog.V(2).Infof("[t]%s connected\n", self.room)
	self.emitStatus()

	// announce what we have, and who we are. The announcement goes through
	// SetLocalState so it carries a fresh clock: the relay evicted this
	// client when the previous connection dropped, and an eviction clock
	// would shadow an unchanged re-announcement.
	self.send(MessageKindSync, self.doc.EncodeSyncStep1())
	if state := self.presence.LocalState(); state != nil {
		self.presence.SetLocalState(state)
	}

	go self.readLoop(gen, ws)
	go self.pingLoop(gen, ws)
}

func (self *Transport) readLoop(gen int, ws *websocket.Conn) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[tr]%s<- error = %s\n", self.room, err)
			self.handleClose(gen, err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			self.handleMessage(message)
		default:
			glog.V(2).Infof("[tr]%s<- other=%d\n", self.room, messageType)
		}
	}
}

func (self *Transport) pingLoop(gen int, ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingInterval):
		}
		self.stateLock.Lock()
		live := self.gen == gen && self.ws == ws
		self.stateLock.Unlock()
		if !live {
			return
		}
		self.writeLock.Lock()
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0))
		self.writeLock.Unlock()
		if err != nil {
			ws.Close()
			return
		}
	}
}

func (self *Transport) handleMessage(message []byte) {
	kind, payload, err := DecodeMessage(message)
	if err != nil {
		glog.Infof("[tr]%s<- bad frame = %s\n", self.room, err)
		return
	}
	switch kind {
	case MessageKindSync:
		reply, syncType, err := self.doc.HandleSyncMessage(payload, self)
		if err != nil {
			glog.Infof("[tr]%s<- sync error = %s\n", self.room, err)
			return
		}
		if reply != nil {
			self.send(MessageKindSync, reply)
		}
		if syncType == SyncStep2 {
			// the local replica has caught up with remote history
			self.markSynced()
		}
	case MessageKindPresence:
		if err := self.presence.ApplyDelta(payload); err != nil {
			glog.Infof("[tr]%s<- presence error = %s\n", self.room, err)
		}
	default:
		// forward compatible ignore
		glog.V(2).Infof("[tr]%s<- unknown kind=%d\n", self.room, kind)
	}
}

func (self *Transport) markSynced() {
	self.stateLock.Lock()
	changed := !self.synced && self.state == ConnStateConnected
	if changed {
		self.synced = true
	}
	self.stateLock.Unlock()
	if changed {
		glog.V(2).Infof("[t]%s synced\n", self.room)
		self.emitStatus()
	}
}

// send writes one frame if the connection is open. If it is not, the
// message is dropped: the document re-synchronizes in full via the step 1
// handshake after reconnect, and presence re-announces the latest local
// state.
func (self *Transport) send(kind uint64, payload []byte) {
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws == nil {
		glog.V(2).Infof("[ts]%s-> drop kind=%d\n", self.room, kind)
		return
	}

	self.writeLock.Lock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err := ws.WriteMessage(websocket.BinaryMessage, EncodeMessage(kind, payload))
	self.writeLock.Unlock()
	if err != nil {
		glog.Infof("[ts]%s-> error = %s\n", self.room, err)
		// the read loop observes the close and drives reconnection
		ws.Close()
	}
}

func (self *Transport) handleClose(gen int, err error) {
	self.stateLock.Lock()
	if self.gen != gen {
		// a stale connection's goroutine, already superseded
		self.stateLock.Unlock()
		return
	}
	self.gen += 1
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
	self.state = ConnStateDisconnected
	self.synced = false
	if self.shouldReconnect {
		delay := self.reconnect.Next()
		glog.V(2).Infof("[t]%s reconnect in %s\n", self.room, delay)
		self.reconnectTimer = time.AfterFunc(delay, self.reconnectNow)
	}
	self.stateLock.Unlock()

	// remote presence cannot be trusted without a live connection. The
	// join snapshot repopulates it after reconnect.
	self.presence.Clear()
	self.emitStatus()
}

func (self *Transport) reconnectNow() {
	self.stateLock.Lock()
	if !self.shouldReconnect || self.state != ConnStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.reconnectTimer = nil
	self.state = ConnStateConnecting
	self.gen += 1
	gen := self.gen
	self.stateLock.Unlock()

	self.emitStatus()
	go self.dial(gen)
}

func (self *Transport) emitStatus() {
	status := self.Status()
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(status)
	}
}

func (self *Transport) String() string {
	return fmt.Sprintf("transport(%s)", self.room)
}
