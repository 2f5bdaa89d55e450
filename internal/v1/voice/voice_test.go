package voice

import (
	"context"
	"sync"
	"testing"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	to      types.ConnIDType
	event   string
	payload any
}

type fakeBus struct {
	mu   sync.Mutex
	sent []recordedEvent
}

func (b *fakeBus) CreateNamespace(string)  {}
func (b *fakeBus) DestroyNamespace(string) {}
func (b *fakeBus) Subscribe(string, types.ConnIDType, types.Subscriber) error { return nil }
func (b *fakeBus) Unsubscribe(string, types.ConnIDType)                      {}
func (b *fakeBus) Publish(ctx context.Context, namespace, event string, payload any) error {
	return nil
}
func (b *fakeBus) PublishExcept(ctx context.Context, namespace string, exclude types.ConnIDType, event string, payload any) error {
	return nil
}
func (b *fakeBus) PublishTo(ctx context.Context, namespace string, connID types.ConnIDType, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, recordedEvent{to: connID, event: event, payload: payload})
	return nil
}
func (b *fakeBus) SetAdd(context.Context, string, string) error         { return nil }
func (b *fakeBus) SetRem(context.Context, string, string) error         { return nil }
func (b *fakeBus) SetMembers(context.Context, string) ([]string, error) { return nil, nil }
func (b *fakeBus) Close() error                                         { return nil }

func (b *fakeBus) events() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]recordedEvent, len(b.sent))
	copy(out, b.sent)
	return out
}

func connLookup() ConnLookup {
	return func(roomID types.RoomIDType, userID types.UserIDType) (types.ConnIDType, bool) {
		return types.ConnIDType("conn-" + string(userID)), true
	}
}

func TestJoin_NotifiesExistingParticipantsOnly(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, connLookup())

	require.NoError(t, m.Join(context.Background(), "room-1", "a"))
	assert.Empty(t, bus.events(), "first joiner has no one to notify")

	require.NoError(t, m.Join(context.Background(), "room-1", "b"))
	events := bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventUserJoinedVoice, events[0].event)
	assert.Equal(t, types.ConnIDType("conn-a"), events[0].to)

	assert.ElementsMatch(t, []types.UserIDType{"a", "b"}, m.Participants("room-1"))
}

func TestLeave_NotifiesRemainingParticipants(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, connLookup())
	require.NoError(t, m.Join(context.Background(), "room-1", "a"))
	require.NoError(t, m.Join(context.Background(), "room-1", "b"))

	require.NoError(t, m.Leave(context.Background(), "room-1", "a"))

	events := bus.events()
	last := events[len(events)-1]
	assert.Equal(t, EventUserLeftVoice, last.event)
	assert.Equal(t, types.ConnIDType("conn-b"), last.to)
	assert.ElementsMatch(t, []types.UserIDType{"b"}, m.Participants("room-1"))
}

func TestLeave_UnknownUserIsNoOp(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, connLookup())
	assert.NoError(t, m.Leave(context.Background(), "room-1", "ghost"))
	assert.Empty(t, bus.events())
}

func TestRelay_ForwardsVerbatimToTarget(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, connLookup())

	err := m.Relay(context.Background(), "room-1", "a", "b", EventVoiceOffer, map[string]any{"sdp": "opaque-sdp-blob"})
	require.NoError(t, err)

	events := bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, types.ConnIDType("conn-b"), events[0].to)
	payload, ok := events[0].payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "opaque-sdp-blob", payload["sdp"])
	assert.Equal(t, types.UserIDType("a"), payload["from"])
}

func TestRelay_UnknownTargetErrors(t *testing.T) {
	bus := &fakeBus{}
	m := New(bus, func(types.RoomIDType, types.UserIDType) (types.ConnIDType, bool) { return "", false })

	err := m.Relay(context.Background(), "room-1", "a", "ghost", EventVoiceICECandidate, map[string]any{"candidate": "x"})
	assert.Error(t, err)
}
