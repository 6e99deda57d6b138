package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type presenceChange struct {
	added   []uint64
	updated []uint64
	removed []uint64
}

func collectChanges(presence *Presence) *[]presenceChange {
	changes := &[]presenceChange{}
	presence.AddChangeCallback(func(added []uint64, updated []uint64, removed []uint64) {
		*changes = append(*changes, presenceChange{
			added:   added,
			updated: updated,
			removed: removed,
		})
	})
	return changes
}

func selfState(name string) *PresenceState {
	return &PresenceState{
		User: &PresenceUser{
			UserId:      name,
			DisplayName: name,
		},
		LastActive: 1000,
	}
}

func TestSetLocalStateSingleNotification(t *testing.T) {
	presence := NewPresence(7)
	changes := collectChanges(presence)

	presence.SetLocalState(selfState("ada"))
	assert.Equal(t, 1, len(*changes))
	assert.Equal(t, []uint64{7}, (*changes)[0].added)

	// updating only the nested cursor while preserving the user is one
	// notification scoped to the local client id
	state := presence.LocalState()
	state.Cursor = &Cursor{X: 10, Y: 20}
	presence.SetLocalState(state)
	assert.Equal(t, 2, len(*changes))
	assert.Equal(t, []uint64{7}, (*changes)[1].updated)
	assert.Equal(t, nil, (*changes)[1].added)

	local := presence.LocalState()
	assert.Equal(t, "ada", local.User.UserId)
	assert.Equal(t, 10.0, local.Cursor.X)
}

func TestApplyDeltaAddUpdateRemove(t *testing.T) {
	local := NewPresence(1)
	remote := NewPresence(2)
	changes := collectChanges(local)

	remote.SetLocalState(selfState("grace"))
	err := local.ApplyDelta(remote.EncodeDelta([]uint64{2}))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(*changes))
	assert.Equal(t, []uint64{2}, (*changes)[0].added)
	assert.Equal(t, 1, len(local.States()))

	state := remote.LocalState()
	state.Cursor = &Cursor{X: 5, Y: 5}
	remote.SetLocalState(state)
	err = local.ApplyDelta(remote.EncodeDelta([]uint64{2}))
	assert.Equal(t, nil, err)
	assert.Equal(t, []uint64{2}, (*changes)[1].updated)

	remote.SetLocalState(nil)
	err = local.ApplyDelta(remote.EncodeDelta([]uint64{2}))
	assert.Equal(t, nil, err)
	assert.Equal(t, []uint64{2}, (*changes)[2].removed)
	assert.Equal(t, 0, len(local.States()))
}

func TestStaleDeltaDropped(t *testing.T) {
	local := NewPresence(1)
	remote := NewPresence(2)

	remote.SetLocalState(selfState("grace"))
	oldDelta := remote.EncodeDelta([]uint64{2})

	state := remote.LocalState()
	state.SelectedNodeId = ptr("n1")
	remote.SetLocalState(state)
	newDelta := remote.EncodeDelta([]uint64{2})

	assert.Equal(t, nil, local.ApplyDelta(newDelta))
	changes := collectChanges(local)
	// the older clock must not overwrite the newer state
	assert.Equal(t, nil, local.ApplyDelta(oldDelta))
	assert.Equal(t, 0, len(*changes))
	assert.Equal(t, "n1", *local.States()[2].SelectedNodeId)
}

func TestClearRemovesRemoteOnly(t *testing.T) {
	local := NewPresence(1)
	remoteA := NewPresence(2)
	remoteB := NewPresence(3)

	local.SetLocalState(selfState("ada"))
	remoteA.SetLocalState(selfState("grace"))
	remoteB.SetLocalState(selfState("edsger"))
	local.ApplyDelta(remoteA.EncodeDelta([]uint64{2}))
	local.ApplyDelta(remoteB.EncodeDelta([]uint64{3}))
	assert.Equal(t, 3, len(local.States()))

	changes := collectChanges(local)
	local.Clear()
	assert.Equal(t, 1, len(*changes))
	assert.Equal(t, []uint64{2, 3}, (*changes)[0].removed)

	states := local.States()
	assert.Equal(t, 1, len(states))
	assert.Equal(t, "ada", states[1].User.UserId)
}

func TestReannounceAfterClear(t *testing.T) {
	local := NewPresence(1)
	remote := NewPresence(2)

	remote.SetLocalState(selfState("grace"))
	delta := remote.EncodeDelta([]uint64{2})
	local.ApplyDelta(delta)
	local.Clear()
	assert.Equal(t, 0, len(local.States()))

	// a clear forgets the old clocks: the relay snapshot re-delivers the
	// same entries on reconnect and they must apply
	assert.Equal(t, nil, local.ApplyDelta(delta))
	assert.Equal(t, 1, len(local.States()))
}

func TestEvictStale(t *testing.T) {
	local := NewPresence(1)
	idle := NewPresence(2)
	active := NewPresence(3)

	local.SetLocalState(selfState("ada"))
	idle.SetLocalState(selfState("grace"))
	activeState := selfState("edsger")
	activeState.LastActive = 5000
	active.SetLocalState(activeState)

	local.ApplyDelta(idle.EncodeDelta([]uint64{2}))
	local.ApplyDelta(active.EncodeDelta([]uint64{3}))

	changes := collectChanges(local)
	local.EvictStale(2000)
	assert.Equal(t, 1, len(*changes))
	assert.Equal(t, []uint64{2}, (*changes)[0].removed)

	// the idle local entry stays: the local client announces itself for
	// as long as it is connected
	states := local.States()
	assert.Equal(t, 2, len(states))
	assert.NotEqual(t, nil, states[1])
	assert.NotEqual(t, nil, states[3])

	// renewed activity resurrects the evicted client
	idleState := idle.LocalState()
	idleState.LastActive = 6000
	idle.SetLocalState(idleState)
	assert.Equal(t, nil, local.ApplyDelta(idle.EncodeDelta([]uint64{2})))
	assert.Equal(t, 3, len(local.States()))
}

func TestMalformedDeltaRejected(t *testing.T) {
	presence := NewPresence(1)
	enc := &encoder{}
	enc.writeUvarint(5)
	assert.NotEqual(t, nil, presence.ApplyDelta(enc.bytes()))
}

func TestMalformedEntryNotifiesApplied(t *testing.T) {
	local := NewPresence(1)
	changes := collectChanges(local)

	delta := EncodePresenceDelta([]PresenceDeltaEntry{
		{ClientId: 2, Clock: 1, StateJson: []byte(`{"lastActive":1}`)},
		{ClientId: 3, Clock: 1, StateJson: []byte(`{`)},
	})
	assert.NotEqual(t, nil, local.ApplyDelta(delta))

	// entries merged before the malformed one are visible and notified
	assert.Equal(t, 1, len(*changes))
	assert.Equal(t, []uint64{2}, (*changes)[0].added)
	assert.Equal(t, 1, len(local.States()))
}

func ptr(s string) *string {
	return &s
}
