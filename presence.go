package collab

import (
	"encoding/json"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Presence is the ephemeral per-connection directory of who is in the
// room and what they are doing. One state per connected client, keyed by
// replica client id. Nothing here is persisted: a reconnecting client
// re-announces its state from scratch, and states of disconnected clients
// are removed.
//
// Each client's entries carry a per-client clock. A delta only applies if
// its clock is newer than what the directory has seen for that client,
// which makes delivery order irrelevant. An empty state is a removal.

// PresenceUser identifies the human behind a connection.
type PresenceUser struct {
	UserId      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Color       string `json:"color"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceState is one client's live state. `LastActive` is unix
// milliseconds of the last cursor move or selection change.
type PresenceState struct {
	User           *PresenceUser `json:"user,omitempty"`
	Cursor         *Cursor       `json:"cursor,omitempty"`
	SelectedNodeId *string       `json:"selectedNodeId,omitempty"`
	LastActive     int64         `json:"lastActive"`
}

func (self *PresenceState) clone() *PresenceState {
	if self == nil {
		return nil
	}
	out := *self
	if self.User != nil {
		user := *self.User
		out.User = &user
	}
	if self.Cursor != nil {
		cursor := *self.Cursor
		out.Cursor = &cursor
	}
	if self.SelectedNodeId != nil {
		selectedNodeId := *self.SelectedNodeId
		out.SelectedNodeId = &selectedNodeId
	}
	return &out
}

// added, updated, removed client ids for one change, local or remote
type PresenceChangeFunc func(added []uint64, updated []uint64, removed []uint64)

type presenceEntry struct {
	clock uint64
	state *PresenceState
}

type Presence struct {
	clientId uint64

	stateLock sync.Mutex
	entries   map[uint64]*presenceEntry
	// removal clocks for clients no longer present, so a stale re-delivery
	// of their last state does not resurrect them
	removedClocks map[uint64]uint64

	changeCallbacks *CallbackList[PresenceChangeFunc]
}

func NewPresence(clientId uint64) *Presence {
	return &Presence{
		clientId:        clientId,
		entries:         map[uint64]*presenceEntry{},
		removedClocks:   map[uint64]uint64{},
		changeCallbacks: NewCallbackList[PresenceChangeFunc](),
	}
}

func (self *Presence) ClientId() uint64 {
	return self.clientId
}

func (self *Presence) AddChangeCallback(changeCallback PresenceChangeFunc) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// SetLocalState replaces the local client's state and bumps its clock.
// One change notification fires, scoped to the local client id, no matter
// how many nested fields changed. A nil state announces departure.
func (self *Presence) SetLocalState(state *PresenceState) {
	var added, updated, removed []uint64

	self.stateLock.Lock()
	entry, ok := self.entries[self.clientId]
	clock := self.removedClocks[self.clientId]
	if ok && clock < entry.clock {
		clock = entry.clock
	}
	clock += 1
	if state == nil {
		delete(self.entries, self.clientId)
		self.removedClocks[self.clientId] = clock
		if ok {
			removed = []uint64{self.clientId}
		}
	} else {
		delete(self.removedClocks, self.clientId)
		self.entries[self.clientId] = &presenceEntry{
			clock: clock,
			state: state.clone(),
		}
		if ok {
			updated = []uint64{self.clientId}
		} else {
			added = []uint64{self.clientId}
		}
	}
	self.stateLock.Unlock()

	self.notify(added, updated, removed)
}

func (self *Presence) LocalState() *PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if entry, ok := self.entries[self.clientId]; ok {
		return entry.state.clone()
	}
	return nil
}

// States snapshots all present clients.
func (self *Presence) States() map[uint64]*PresenceState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	states := map[uint64]*PresenceState{}
	for clientId, entry := range self.entries {
		states[clientId] = entry.state.clone()
	}
	return states
}

// EncodeDelta packs the current entries for the given client ids. Client
// ids with no entry encode as removals.
func (self *Presence) EncodeDelta(clientIds []uint64) []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := []PresenceDeltaEntry{}
	for _, clientId := range clientIds {
		if entry, ok := self.entries[clientId]; ok {
			stateJson, _ := json.Marshal(entry.state)
			entries = append(entries, PresenceDeltaEntry{
				ClientId:  clientId,
				Clock:     entry.clock,
				StateJson: stateJson,
			})
		} else {
			entries = append(entries, PresenceDeltaEntry{
				ClientId: clientId,
				Clock:    self.removedClocks[clientId],
			})
		}
	}
	return EncodePresenceDelta(entries)
}

// ApplyDelta merges a remote presence payload. Per client: newer clock
// wins, empty state removes. Stale deltas are dropped silently. A
// malformed entry stops the merge, but entries applied before it are
// still notified.
func (self *Presence) ApplyDelta(payload []byte) error {
	deltaEntries, err := DecodePresenceDelta(payload)
	if err != nil {
		return err
	}

	var added, updated, removed []uint64
	var entryErr error

	self.stateLock.Lock()
	for _, deltaEntry := range deltaEntries {
		clientId := deltaEntry.ClientId

		entry, present := self.entries[clientId]
		known := self.removedClocks[clientId]
		if present && known < entry.clock {
			known = entry.clock
		}
		if deltaEntry.Clock <= known {
			// stale
			continue
		}

		if len(deltaEntry.StateJson) == 0 {
			delete(self.entries, clientId)
			self.removedClocks[clientId] = deltaEntry.Clock
			if present {
				removed = append(removed, clientId)
			}
		} else {
			state := &PresenceState{}
			if err := json.Unmarshal(deltaEntry.StateJson, state); err != nil {
				entryErr = err
				break
			}
			delete(self.removedClocks, clientId)
			self.entries[clientId] = &presenceEntry{
				clock: deltaEntry.Clock,
				state: state,
			}
			if present {
				updated = append(updated, clientId)
			} else {
				added = append(added, clientId)
			}
		}
	}
	self.stateLock.Unlock()

	self.notify(added, updated, removed)
	return entryErr
}

// Clear drops every remote entry and forgets their clocks, notifying the
// removals. Called when the connection drops: presence of other clients
// cannot be trusted without a live connection, and the relay's snapshot
// on the next connection is authoritative, so a retained clock would
// wrongly shadow an unchanged re-announcement.
func (self *Presence) Clear() {
	self.stateLock.Lock()
	removed := []uint64{}
	for clientId := range self.entries {
		if clientId == self.clientId {
			continue
		}
		delete(self.entries, clientId)
		removed = append(removed, clientId)
	}
	for clientId := range self.removedClocks {
		if clientId == self.clientId {
			continue
		}
		delete(self.removedClocks, clientId)
	}
	self.stateLock.Unlock()

	slices.Sort(removed)
	self.notify(nil, nil, removed)
}

// EvictStale removes remote entries whose last activity predates
// `before` (unix milliseconds), notifying the removals. The local entry
// is exempt: the local client announces itself for as long as it is
// connected.
func (self *Presence) EvictStale(before int64) {
	self.stateLock.Lock()
	removed := []uint64{}
	for clientId, entry := range self.entries {
		if clientId == self.clientId {
			continue
		}
		if before <= entry.state.LastActive {
			continue
		}
		delete(self.entries, clientId)
		if self.removedClocks[clientId] < entry.clock {
			self.removedClocks[clientId] = entry.clock
		}
		removed = append(removed, clientId)
	}
	self.stateLock.Unlock()

	slices.Sort(removed)
	self.notify(nil, nil, removed)
}

// ClientIds lists all present clients.
func (self *Presence) ClientIds() []uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	clientIds := maps.Keys(self.entries)
	slices.Sort(clientIds)
	return clientIds
}

func (self *Presence) notify(added []uint64, updated []uint64, removed []uint64) {
	if len(added) == 0 && len(updated) == 0 && len(removed) == 0 {
		return
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(added, updated, removed)
	}
}
