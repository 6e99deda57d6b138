// Package collab is the client engine for real-time collaborative editing
// of a workflow document. Multiple clients concurrently edit a shared set
// of nodes and edges and observe each other's live presence (cursors,
// selections), with eventual conflict-free convergence.
//
// The pieces, leaf to root:
//   - Doc: an in-memory replicated document holding the "nodes" and "edges"
//     collections, merging concurrent edits with per-field last-writer-wins
//     registers.
//   - Presence: an ephemeral per-connection table of presence states,
//     cleared on disconnect.
//   - Transport: one websocket connection to the room relay, multiplexing
//     document sync and presence frames, reconnecting with exponential
//     backoff.
//   - Bridge: the narrow imperative surface the application talks to.
package collab

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// ClientId returns the replica client id derived from the entropy half of
// the id. Register tie breaks order on this value, so it must be stable
// for the lifetime of a replica.
func (self Id) ClientId() uint64 {
	return binary.BigEndian.Uint64(self[8:16])
}

// RoomKey builds the deterministic room key that routes all clients editing
// the same logical workflow into one replication group. Identifiers must
// not contain the colon delimiter.
func RoomKey(tenantId string, workflowId string) (string, error) {
	if strings.Contains(tenantId, ":") {
		return "", fmt.Errorf("tenant id must not contain ':': %s", tenantId)
	}
	if strings.Contains(workflowId, ":") {
		return "", fmt.Errorf("workflow id must not contain ':': %s", workflowId)
	}
	return fmt.Sprintf("tenant:%s:workflow:%s", tenantId, workflowId), nil
}
