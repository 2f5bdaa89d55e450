package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

var errReadEOF = errors.New("eof")

func TestClient_DeliverMarshalsEnvelopeOntoSendChannel(t *testing.T) {
	conn := &mockConnection{}
	router := &recordingRouter{}
	c := NewClient(conn, "conn-1", "user-1", "/room/r1", router, 8)

	err := c.Deliver("note_played", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	select {
	case data := <-c.send:
		var env types.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "note_played", env.Event)
		assert.Equal(t, "/room/r1", env.Namespace)
	default:
		t.Fatal("expected a queued message")
	}
}

func TestClient_DeliverRoutesPriorityEventsSeparately(t *testing.T) {
	conn := &mockConnection{}
	router := &recordingRouter{}
	c := NewClient(conn, "conn-1", "user-1", "/room/r1", router, 8)

	require.NoError(t, c.Deliver("room_state_updated", json.RawMessage(`{}`)))
	require.NoError(t, c.Deliver("note_played", json.RawMessage(`{}`)))

	assert.Len(t, c.prioritySend, 1)
	assert.Len(t, c.send, 1)
}

func TestClient_DeliverReturnsBackpressureWhenFull(t *testing.T) {
	conn := &mockConnection{}
	router := &recordingRouter{}
	c := NewClient(conn, "conn-1", "user-1", "/room/r1", router, 1)

	require.NoError(t, c.Deliver("note_played", json.RawMessage(`{}`)))
	err := c.Deliver("note_played", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errBackpressure)
}

func TestClient_SendDisconnectsOnBackpressure(t *testing.T) {
	closed := make(chan struct{})
	conn := &mockConnection{CloseFunc: func() error { close(closed); return nil }}
	router := &recordingRouter{}
	c := NewClient(conn, "conn-1", "user-1", "/room/r1", router, 1)

	c.send <- []byte("filler")
	c.Send("note_played", map[string]string{"x": "y"})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected Disconnect to close the underlying connection")
	}
}

func TestClient_ReadPumpRoutesDecodedEnvelopes(t *testing.T) {
	msgs := [][]byte{encodeEnvelope("/room/r1", "play_note", map[string]any{"notes": []string{"C4"}})}
	idx := 0
	conn := &mockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			if idx >= len(msgs) {
				return 0, nil, errReadEOF
			}
			m := msgs[idx]
			idx++
			return 1, m, nil // websocket.TextMessage == 1
		},
	}
	router := &recordingRouter{}
	c := NewClient(conn, "conn-1", "user-1", "/room/r1", router, 8)

	disconnected := make(chan struct{})
	c.readPump(func() { close(disconnected) })

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("expected readPump to call onDisconnect after EOF")
	}
	assert.Equal(t, []string{"play_note"}, router.routedEvents())
}
