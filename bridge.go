package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Bridge is the only surface the application talks to. It owns one Doc
// and one Transport per room, converts between domain nodes/edges and
// replicated records, and suppresses the echo of its own writes back into
// the application.
//
// Echo suppression is by origin marker, not by timer: every local write
// goes through a transaction tagged with the bridge, and the bridge's
// document listener skips updates carrying that tag. The transport's
// listener does not, so local changes always go out on the wire.

type Node = Record
type Edge = Record

const (
	CollectionNodes = "nodes"
	CollectionEdges = "edges"
)

// BridgeState is the observable output, polled via State or pushed via
// AddStateCallback. Err is set while the transport reports disconnected
// and cleared otherwise; no bridge operation returns a network error
// synchronously.
type BridgeState struct {
	Connected bool
	Synced    bool
	Users     []PresenceUser
	Err       string
}

type BridgeStateFunc func(state BridgeState)

type BridgeSettings struct {
	Transport *TransportSettings
	// clock for presence timestamps
	Now func() time.Time
	// remote presence entries idle longer than this are evicted
	PresenceTtl           time.Duration
	PresenceSweepInterval time.Duration
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		Transport:             DefaultTransportSettings(),
		Now:                   time.Now,
		PresenceTtl:           5 * time.Minute,
		PresenceSweepInterval: 30 * time.Second,
	}
}

type BridgeConfig struct {
	// websocket endpoint of the room relay, e.g. wss://collab.example.com/sync
	Endpoint   string
	TenantId   string
	WorkflowId string
	// bearer credential, carried as the `token` query parameter
	Token string
	User  PresenceUser

	// invoked with the full materialized list after a remotely-originated
	// change to the corresponding collection. Never invoked for this
	// bridge's own Update* calls.
	OnNodesChange func(nodes []Node)
	OnEdgesChange func(edges []Edge)
}

type Bridge struct {
	config   *BridgeConfig
	settings *BridgeSettings
	cancel   context.CancelFunc

	stateLock sync.Mutex
	doc       *Doc
	connected bool
	synced    bool
	errStr    string

	transport *Transport
	presence  *Presence

	stateCallbacks *CallbackList[BridgeStateFunc]

	removeDocCallback func()
}

func NewBridgeWithDefaults(ctx context.Context, config *BridgeConfig) (*Bridge, error) {
	return NewBridge(ctx, config, DefaultBridgeSettings())
}

// NewBridge creates the document, presence, and transport for the room
// and starts connecting. Network failures surface on the observable
// state, never here; construction only fails on invalid configuration.
func NewBridge(ctx context.Context, config *BridgeConfig, settings *BridgeSettings) (*Bridge, error) {
	room, err := RoomKey(config.TenantId, config.WorkflowId)
	if err != nil {
		return nil, err
	}

	doc := NewDoc()
	doc.EnsureCollection(CollectionNodes)
	doc.EnsureCollection(CollectionEdges)
	presence := NewPresence(doc.ClientId())

	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &Bridge{
		config:         config,
		settings:       settings,
		cancel:         cancel,
		doc:            doc,
		presence:       presence,
		stateCallbacks: NewCallbackList[BridgeStateFunc](),
	}

	bridge.removeDocCallback = doc.AddUpdateCallback(func(update []byte, origin any) {
		if origin == bridge {
			// our own write echoing back through the document
			return
		}
		bridge.handleRemoteUpdate(update)
	})

	presence.AddChangeCallback(func(added []uint64, updated []uint64, removed []uint64) {
		bridge.emitState()
	})

	bridge.transport = NewTransport(
		cancelCtx,
		doc,
		presence,
		config.Endpoint,
		room,
		map[string]string{"token": config.Token},
		settings.Transport,
	)
	bridge.transport.AddStatusCallback(func(status TransportStatus) {
		bridge.handleTransportStatus(status)
	})

	// announce who we are before the first connect so the open handshake
	// carries presence
	user := config.User
	presence.SetLocalState(&PresenceState{
		User:       &user,
		LastActive: settings.Now().UnixMilli(),
	})

	bridge.transport.Connect()
	go bridge.evictLoop(cancelCtx)
	return bridge, nil
}

// evictLoop sweeps idle remote presence entries out of the directory.
func (self *Bridge) evictLoop(ctx context.Context) {
	if self.settings.PresenceSweepInterval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.PresenceSweepInterval):
		}
		before := self.settings.Now().Add(-self.settings.PresenceTtl).UnixMilli()
		self.presence.EvictStale(before)
	}
}

// UpdateNodes replaces the nodes collection in one atomic transaction. A
// silent no-op after Disconnect: teardown races with UI updates are
// expected.
func (self *Bridge) UpdateNodes(nodes []Node) error {
	return self.replace(CollectionNodes, nodes)
}

// UpdateEdges replaces the edges collection in one atomic transaction.
func (self *Bridge) UpdateEdges(edges []Edge) error {
	return self.replace(CollectionEdges, edges)
}

func (self *Bridge) replace(collectionName string, records []Record) error {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return nil
	}
	return doc.Transact(self, func(txn *Txn) error {
		return doc.ReplaceRecords(txn, collectionName, records)
	})
}

// UpdateCursor merges the cursor position into the local presence record,
// stamping last-active. Never touches nodes or edges.
func (self *Bridge) UpdateCursor(x float64, y float64) {
	self.mergePresence(func(state *PresenceState) {
		state.Cursor = &Cursor{X: x, Y: y}
	})
}

// UpdateSelectedNode merges the selected node (nil for no selection) into
// the local presence record, stamping last-active.
func (self *Bridge) UpdateSelectedNode(nodeId *string) {
	self.mergePresence(func(state *PresenceState) {
		state.SelectedNodeId = nodeId
	})
}

func (self *Bridge) mergePresence(mergeFn func(state *PresenceState)) {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return
	}

	state := self.presence.LocalState()
	if state == nil {
		user := self.config.User
		state = &PresenceState{
			User: &user,
		}
	}
	mergeFn(state)
	state.LastActive = self.settings.Now().UnixMilli()
	self.presence.SetLocalState(state)
}

// Disconnect tears down the transport and releases the document. The
// bridge cannot be reused after.
func (self *Bridge) Disconnect() {
	self.stateLock.Lock()
	doc := self.doc
	self.doc = nil
	self.connected = false
	self.synced = false
	self.stateLock.Unlock()
	if doc == nil {
		return
	}

	self.transport.Destroy()
	self.removeDocCallback()
	self.cancel()
	self.emitState()
}

func (self *Bridge) State() BridgeState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return BridgeState{
		Connected: self.connected,
		Synced:    self.synced,
		Users:     self.users(),
		Err:       self.errStr,
	}
}

func (self *Bridge) AddStateCallback(stateCallback BridgeStateFunc) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Nodes returns the current materialized nodes.
func (self *Bridge) Nodes() []Node {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return []Node{}
	}
	return doc.Records(CollectionNodes)
}

// Edges returns the current materialized edges.
func (self *Bridge) Edges() []Edge {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return []Edge{}
	}
	return doc.Records(CollectionEdges)
}

// must be called with `stateLock`
func (self *Bridge) users() []PresenceUser {
	users := []PresenceUser{}
	for _, state := range self.presence.States() {
		if state.User != nil {
			users = append(users, *state.User)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserId < users[j].UserId
	})
	return users
}

func (self *Bridge) handleRemoteUpdate(update []byte) {
	self.stateLock.Lock()
	doc := self.doc
	self.stateLock.Unlock()
	if doc == nil {
		return
	}

	writes, err := decodeWrites(update)
	if err != nil {
		return
	}
	changedCollections := map[string]bool{}
	for _, w := range writes {
		changedCollections[w.collection] = true
	}

	if changedCollections[CollectionNodes] && self.config.OnNodesChange != nil {
		self.config.OnNodesChange(doc.Records(CollectionNodes))
	}
	if changedCollections[CollectionEdges] && self.config.OnEdgesChange != nil {
		self.config.OnEdgesChange(doc.Records(CollectionEdges))
	}
}

func (self *Bridge) handleTransportStatus(status TransportStatus) {
	self.stateLock.Lock()
	// a requested teardown is not a connection loss
	closed := self.doc == nil
	self.connected = !closed && status.State.IsOpen()
	self.synced = !closed && status.Synced
	if !closed && status.State == ConnStateDisconnected {
		self.errStr = fmt.Sprintf("connection to room %s:%s lost, reconnecting", self.config.TenantId, self.config.WorkflowId)
	} else {
		self.errStr = ""
	}
	self.stateLock.Unlock()

	self.emitState()
}

func (self *Bridge) emitState() {
	state := self.State()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state)
	}
}
