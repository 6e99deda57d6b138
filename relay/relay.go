// Package relay is the room authority: it routes every client carrying
// the same room key into one replication group, holds a server-side
// replica of each room's document, answers sync handshakes, and fans out
// effective updates and presence deltas.
//
// State is in-memory for the lifetime of the process. Durable persistence
// of room documents is handled by an external authority.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"loomworks.com/collab"
)

type HubSettings struct {
	// HS256 secret for room tokens. Empty disables verification (tests,
	// trusted networks).
	Secret []byte

	WriteTimeout time.Duration
	// inbound frame size cap
	ReadLimit int64
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout: 5 * time.Second,
		ReadLimit:    4 * 1024 * 1024,
	}
}

type Hub struct {
	settings *HubSettings

	stateLock sync.Mutex
	rooms     map[string]*room

	upgrader websocket.Upgrader
}

func NewHubWithDefaults() *Hub {
	return NewHub(DefaultHubSettings())
}

func NewHub(settings *HubSettings) *Hub {
	return &Hub{
		settings: settings,
		rooms:    map[string]*room{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the bearer token authorizes the connection, not the origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Hub) Handler() http.Handler {
	return http.HandlerFunc(self.handleWs)
}

func (self *Hub) handleWs(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if 0 < len(self.settings.Secret) {
		token := r.URL.Query().Get("token")
		if _, err := collab.VerifyRoomToken(self.settings.Secret, roomKey, token); err != nil {
			glog.Infof("[relay]%s reject = %s\n", roomKey, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	room := self.room(roomKey)
	conn := &conn{
		hub:       self,
		room:      room,
		ws:        ws,
		clientIds: map[uint64]bool{},
	}
	room.join(conn)
	defer room.leave(conn)

	glog.V(2).Infof("[relay]%s join\n", roomKey)

	// tell the client what the room already has
	conn.send(collab.EncodeMessage(collab.MessageKindSync, room.doc.EncodeSyncStep1()))
	if snapshot := room.presenceSnapshot(); snapshot != nil {
		conn.send(collab.EncodeMessage(collab.MessageKindPresence, snapshot))
	}

	if self.settings.ReadLimit > 0 {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[relay]%s leave = %s\n", roomKey, err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping or noise
			continue
		}
		conn.handleMessage(message)
	}
}

func (self *Hub) room(roomKey string) *room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	r, ok := self.rooms[roomKey]
	if !ok {
		r = newRoom(self, roomKey)
		self.rooms[roomKey] = r
	}
	return r
}

type presenceEntry struct {
	clock     uint64
	stateJson []byte
}

type room struct {
	hub *Hub
	key string
	doc *collab.Doc

	stateLock sync.Mutex
	conns     map[*conn]bool
	presence  map[uint64]*presenceEntry
}

func newRoom(hub *Hub, key string) *room {
	r := &room{
		hub:      hub,
		key:      key,
		doc:      collab.NewDoc(),
		conns:    map[*conn]bool{},
		presence: map[uint64]*presenceEntry{},
	}
	// effective updates fan out to every connection except the one they
	// arrived on. Updates the room has already seen produce no
	// notification, so a client echoing a delta back cannot loop.
	r.doc.AddUpdateCallback(func(update []byte, origin any) {
		originConn, _ := origin.(*conn)
		r.broadcast(
			collab.EncodeMessage(collab.MessageKindSync, collab.EncodeSyncPayload(collab.SyncUpdate, update)),
			originConn,
		)
	})
	return r
}

func (self *room) join(c *conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conns[c] = true
}

func (self *room) leave(c *conn) {
	self.stateLock.Lock()
	delete(self.conns, c)

	// evict the presence of every client announced on this connection
	removals := []collab.PresenceDeltaEntry{}
	for clientId := range c.clientIds {
		entry, ok := self.presence[clientId]
		if !ok {
			continue
		}
		entry.clock += 1
		entry.stateJson = nil
		removals = append(removals, collab.PresenceDeltaEntry{
			ClientId: clientId,
			Clock:    entry.clock,
		})
	}
	self.stateLock.Unlock()

	if 0 < len(removals) {
		self.broadcast(
			collab.EncodeMessage(collab.MessageKindPresence, collab.EncodePresenceDelta(removals)),
			c,
		)
	}
	c.ws.Close()
}

// presenceSnapshot packs the live presence entries for a newly joined
// connection, or nil if the room is empty.
func (self *room) presenceSnapshot() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []collab.PresenceDeltaEntry{}
	for clientId, entry := range self.presence {
		if len(entry.stateJson) == 0 {
			continue
		}
		entries = append(entries, collab.PresenceDeltaEntry{
			ClientId:  clientId,
			Clock:     entry.clock,
			StateJson: entry.stateJson,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return collab.EncodePresenceDelta(entries)
}

func (self *room) broadcast(frame []byte, except *conn) {
	self.stateLock.Lock()
	conns := make([]*conn, 0, len(self.conns))
	for c := range self.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	self.stateLock.Unlock()

	for _, c := range conns {
		c.send(frame)
	}
}

type conn struct {
	hub  *Hub
	room *room
	ws   *websocket.Conn

	writeLock sync.Mutex

	// client ids whose presence was announced on this connection,
	// guarded by room.stateLock
	clientIds map[uint64]bool
}

func (self *conn) send(frame []byte) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		self.ws.Close()
	}
}

func (self *conn) handleMessage(message []byte) {
	kind, payload, err := collab.DecodeMessage(message)
	if err != nil {
		glog.Infof("[relay]%s<- bad frame = %s\n", self.room.key, err)
		return
	}
	switch kind {
	case collab.MessageKindSync:
		reply, _, err := self.room.doc.HandleSyncMessage(payload, self)
		if err != nil {
			glog.Infof("[relay]%s<- sync error = %s\n", self.room.key, err)
			return
		}
		if reply != nil {
			self.send(collab.EncodeMessage(collab.MessageKindSync, reply))
		}
	case collab.MessageKindPresence:
		self.handlePresence(payload)
	default:
		// forward compatible ignore
		glog.V(2).Infof("[relay]%s<- unknown kind=%d\n", self.room.key, kind)
	}
}

func (self *conn) handlePresence(payload []byte) {
	deltaEntries, err := collab.DecodePresenceDelta(payload)
	if err != nil {
		glog.Infof("[relay]%s<- presence error = %s\n", self.room.key, err)
		return
	}

	room := self.room
	room.stateLock.Lock()
	forward := []collab.PresenceDeltaEntry{}
	for _, deltaEntry := range deltaEntries {
		// each client id has one announcing connection and the stream per
		// connection is ordered, so an announcement behind the table clock
		// is a reconnect restarting below the eviction clock, not a
		// reorder. Accept it, and keep the stored clock monotonic so the
		// forwarded delta passes every receiver's staleness check.
		clock := deltaEntry.Clock
		if entry, ok := room.presence[deltaEntry.ClientId]; ok && clock <= entry.clock {
			clock = entry.clock + 1
		}
		room.presence[deltaEntry.ClientId] = &presenceEntry{
			clock:     clock,
			stateJson: deltaEntry.StateJson,
		}
		if len(deltaEntry.StateJson) == 0 {
			delete(self.clientIds, deltaEntry.ClientId)
		} else {
			self.clientIds[deltaEntry.ClientId] = true
		}
		forward = append(forward, collab.PresenceDeltaEntry{
			ClientId:  deltaEntry.ClientId,
			Clock:     clock,
			StateJson: deltaEntry.StateJson,
		})
	}
	room.stateLock.Unlock()

	if 0 < len(forward) {
		room.broadcast(
			collab.EncodeMessage(collab.MessageKindPresence, collab.EncodePresenceDelta(forward)),
			self,
		)
	}
}
