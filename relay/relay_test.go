package relay_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"loomworks.com/collab"
	"loomworks.com/collab/relay"
)

func wsUrl(server *httptest.Server, query url.Values) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/sync?" + query.Encode()
}

func TestMissingRoomRejected(t *testing.T) {
	hub := relay.NewHubWithDefaults()
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(server, url.Values{}), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestTokenVerification(t *testing.T) {
	secret := []byte("relay-secret")
	settings := relay.DefaultHubSettings()
	settings.Secret = secret
	hub := relay.NewHub(settings)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	room, err := collab.RoomKey("acme", "wf-1")
	assert.Equal(t, nil, err)
	user := &collab.PresenceUser{
		UserId: "u1",
		Role:   "editor",
	}

	// no token
	_, response, err := websocket.DefaultDialer.Dial(wsUrl(server, url.Values{"room": {room}}), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	// token minted for a different room
	otherRoom, _ := collab.RoomKey("acme", "wf-2")
	otherToken, err := collab.MintRoomToken(secret, otherRoom, user, time.Hour)
	assert.Equal(t, nil, err)
	_, response, err = websocket.DefaultDialer.Dial(wsUrl(server, url.Values{"room": {room}, "token": {otherToken}}), nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	// valid token connects and receives the opening sync handshake
	token, err := collab.MintRoomToken(secret, room, user, time.Hour)
	assert.Equal(t, nil, err)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(server, url.Values{"room": {room}, "token": {token}}), nil)
	assert.Equal(t, nil, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := ws.ReadMessage()
	assert.Equal(t, nil, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	kind, _, err := collab.DecodeMessage(message)
	assert.Equal(t, nil, err)
	assert.Equal(t, collab.MessageKindSync, kind)
}

func TestPresenceReannounceAfterRejoin(t *testing.T) {
	hub := relay.NewHubWithDefaults()
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	room, err := collab.RoomKey("acme", "wf-1")
	assert.Equal(t, nil, err)

	dial := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(wsUrl(server, url.Values{"room": {room}}), nil)
		assert.Equal(t, nil, err)
		return ws
	}

	announce := func(ws *websocket.Conn, clock uint64) {
		delta := collab.EncodePresenceDelta([]collab.PresenceDeltaEntry{
			{ClientId: 5, Clock: clock, StateJson: []byte(`{"lastActive":1}`)},
		})
		err := ws.WriteMessage(websocket.BinaryMessage, collab.EncodeMessage(collab.MessageKindPresence, delta))
		assert.Equal(t, nil, err)
	}

	nextPresence := func(ws *websocket.Conn) collab.PresenceDeltaEntry {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				t.Fatal(err)
			}
			kind, payload, err := collab.DecodeMessage(message)
			assert.Equal(t, nil, err)
			if kind != collab.MessageKindPresence {
				continue
			}
			entries, err := collab.DecodePresenceDelta(payload)
			assert.Equal(t, nil, err)
			for _, entry := range entries {
				if entry.ClientId == 5 {
					return entry
				}
			}
		}
	}

	observer := dial()
	defer observer.Close()

	first := dial()
	announce(first, 1)
	entry := nextPresence(observer)
	assert.Equal(t, uint64(1), entry.Clock)
	assert.NotEqual(t, 0, len(entry.StateJson))

	// dropping the connection evicts the client with a bumped clock
	first.Close()
	entry = nextPresence(observer)
	assert.Equal(t, uint64(2), entry.Clock)
	assert.Equal(t, 0, len(entry.StateJson))

	// the rejoining client restarts at a clock at or below the eviction
	// clock. The relay accepts it and forwards a clock every receiver's
	// staleness check passes.
	second := dial()
	defer second.Close()
	announce(second, 2)
	entry = nextPresence(observer)
	assert.NotEqual(t, 0, len(entry.StateJson))
	assert.Equal(t, true, 2 < entry.Clock)
}
