package swap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	namespace string
	event     string
	payload   any
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
	b.record(namespace, event, payload)
	return nil
}
func (b *fakeBus) PublishExcept(ctx context.Context, namespace string, exclude types.ConnIDType, event string, payload any) error {
	b.record(namespace, event, payload)
	return nil
}
func (b *fakeBus) PublishTo(ctx context.Context, namespace string, connID types.ConnIDType, event string, payload any) error {
	b.record(namespace, event, payload)
	return nil
}
func (b *fakeBus) SetAdd(context.Context, string, string) error         { return nil }
func (b *fakeBus) SetRem(context.Context, string, string) error         { return nil }
func (b *fakeBus) SetMembers(context.Context, string) ([]string, error) { return nil, nil }
func (b *fakeBus) Close() error                                         { return nil }

func (b *fakeBus) record(namespace, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, recordedEvent{namespace, event, payload})
}

func (b *fakeBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, e := range b.sent {
		out[i] = e.event
	}
	return out
}

func newRoomWithTwoMembers(t *testing.T) *room.Room {
	t.Helper()
	r := room.New("room-1", "Room", "", types.RoomKindPerform, types.RoomVisibilityPublic, false, "owner", "Owner", 0)
	require.True(t, r.InsertUser(types.User{ID: "a", Username: "A", Role: types.RoleBandMember, CurrentInstrument: "piano", CurrentCategory: "keyboard"}))
	require.True(t, r.InsertUser(types.User{ID: "b", Username: "B", Role: types.RoleBandMember, CurrentInstrument: "analog_lead", CurrentCategory: categorySynthesizer, SynthParams: json.RawMessage(`{"cutoff":0.3}`)}))
	return r
}

func setup(t *testing.T) (*Manager, *room.Registry, *fakeBus) {
	t.Helper()
	rooms := room.NewRegistry(time.Minute, nil)
	r := newRoomWithTwoMembers(t)
	require.True(t, rooms.Insert(r))
	bus := &fakeBus{}
	mgr := New(rooms, bus, nil)
	return mgr, rooms, bus
}

func TestRequest_NotifiesBothSides(t *testing.T) {
	mgr, _, bus := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))

	events := bus.events()
	assert.Contains(t, events, EventSwapRequestSent)
	assert.Contains(t, events, EventSwapRequestReceived)
}

func TestRequest_RejectsAudience(t *testing.T) {
	mgr, rooms, _ := setup(t)
	r, _ := rooms.Peek("room-1")
	require.True(t, r.InsertUser(types.User{ID: "c", Username: "C", Role: types.RoleAudience}))

	err := mgr.Request(context.Background(), "room-1", "c", "a")
	assert.Error(t, err)
}

func TestRequest_DuplicateRejected(t *testing.T) {
	mgr, _, _ := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))
	err := mgr.Request(context.Background(), "room-1", "a", "b")
	assert.Error(t, err)
}

func TestApprove_ExchangesStateAndOrdersEvents(t *testing.T) {
	mgr, rooms, bus := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))
	requestEvents := len(bus.events())

	require.NoError(t, mgr.Approve(context.Background(), "room-1", "a", "b"))

	r, _ := rooms.Peek("room-1")
	a, _ := r.User("a")
	b, _ := r.User("b")

	assert.Equal(t, "analog_lead", a.CurrentInstrument)
	assert.Equal(t, categorySynthesizer, a.CurrentCategory)
	assert.JSONEq(t, `{"cutoff":0.3}`, string(a.SynthParams))

	assert.Equal(t, "piano", b.CurrentInstrument)
	assert.Equal(t, "keyboard", b.CurrentCategory)
	assert.Empty(t, b.SynthParams)

	events := bus.events()[requestEvents:]
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, EventSwapCompleted, events[0])
	assert.Equal(t, EventInstrumentChanged, events[1])
	assert.Equal(t, EventInstrumentChanged, events[2])
	assert.Contains(t, events, EventSynthParamsChanged)
}

func TestApprove_OnlyStoredTargetMayApprove(t *testing.T) {
	mgr, _, _ := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))

	err := mgr.Approve(context.Background(), "room-1", "a", "someone-else")
	assert.Error(t, err)
}

func TestApprove_AbortsWhenInstrumentMissing(t *testing.T) {
	mgr, rooms, bus := setup(t)
	r, _ := rooms.Peek("room-1")
	r.MutateUser("a", func(u *types.User) { u.CurrentInstrument = "" })

	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))
	err := mgr.Approve(context.Background(), "room-1", "a", "b")
	assert.Error(t, err)
	assert.Contains(t, bus.events(), EventSwapError)
}

func TestReject_NotifiesRequester(t *testing.T) {
	mgr, _, bus := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))

	require.NoError(t, mgr.Reject(context.Background(), "room-1", "a", "b"))
	assert.Contains(t, bus.events(), EventSwapRejected)
}

func TestReject_WrongRejecterErrors(t *testing.T) {
	mgr, _, _ := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))

	err := mgr.Reject(context.Background(), "room-1", "a", "someone-else")
	assert.Error(t, err)
}

func TestCancel_NotifiesTarget(t *testing.T) {
	mgr, _, bus := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))

	require.NoError(t, mgr.Cancel(context.Background(), "room-1", "a"))
	assert.Contains(t, bus.events(), EventSwapCancelled)
}

func TestCancel_NoPendingIsNoOp(t *testing.T) {
	mgr, _, _ := setup(t)
	assert.NoError(t, mgr.Cancel(context.Background(), "room-1", "a"))
}

func TestSwapReversibility(t *testing.T) {
	mgr, rooms, _ := setup(t)
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))
	require.NoError(t, mgr.Approve(context.Background(), "room-1", "a", "b"))
	require.NoError(t, mgr.Request(context.Background(), "room-1", "a", "b"))
	require.NoError(t, mgr.Approve(context.Background(), "room-1", "a", "b"))

	r, _ := rooms.Peek("room-1")
	a, _ := r.User("a")
	b, _ := r.User("b")
	assert.Equal(t, "piano", a.CurrentInstrument)
	assert.Equal(t, "keyboard", a.CurrentCategory)
	assert.Equal(t, "analog_lead", b.CurrentInstrument)
	assert.Equal(t, categorySynthesizer, b.CurrentCategory)
	assert.JSONEq(t, `{"cutoff":0.3}`, string(b.SynthParams))
}
