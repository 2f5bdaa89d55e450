package metronome

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu    sync.Mutex
	ticks int
}

func (b *recordingBus) CreateNamespace(string)  {}
func (b *recordingBus) DestroyNamespace(string) {}
func (b *recordingBus) Subscribe(string, types.ConnIDType, types.Subscriber) error { return nil }
func (b *recordingBus) Unsubscribe(string, types.ConnIDType)                      {}
func (b *recordingBus) Publish(ctx context.Context, namespace, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == EventMetronomeTick {
		b.ticks++
	}
	return nil
}
func (b *recordingBus) PublishExcept(ctx context.Context, namespace string, exclude types.ConnIDType, event string, payload any) error {
	return b.Publish(ctx, namespace, event, payload)
}
func (b *recordingBus) PublishTo(ctx context.Context, namespace string, connID types.ConnIDType, event string, payload any) error {
	return b.Publish(ctx, namespace, event, payload)
}
func (b *recordingBus) SetAdd(context.Context, string, string) error         { return nil }
func (b *recordingBus) SetRem(context.Context, string, string) error         { return nil }
func (b *recordingBus) SetMembers(context.Context, string) ([]string, error) { return nil, nil }
func (b *recordingBus) Close() error                                         { return nil }

func (b *recordingBus) tickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticks
}

func setup(t *testing.T, bpm int) (*Scheduler, *room.Registry, *recordingBus) {
	t.Helper()
	rooms := room.NewRegistry(time.Minute, nil)
	r := room.New("room-1", "Room", "", types.RoomKindPerform, types.RoomVisibilityPublic, false, "owner", "Owner", bpm)
	require.True(t, rooms.Insert(r))
	bus := &recordingBus{}
	return New(rooms, bus), rooms, bus
}

func TestScheduler_TicksAtConfiguredBPM(t *testing.T) {
	sched, rooms, bus := setup(t, 6000) // 10ms/tick
	defer sched.ShutdownAll()

	sched.Start("room-1")

	assert.Eventually(t, func() bool {
		return bus.tickCount() >= 3
	}, time.Second, time.Millisecond)

	r, _ := rooms.Peek("room-1")
	assert.NotZero(t, r.Metronome().LastTickTimestamp)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	sched, _, _ := setup(t, 120)
	defer sched.ShutdownAll()

	sched.Start("room-1")
	sched.Start("room-1")

	sched.mu.Lock()
	count := len(sched.tickers)
	sched.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSetBPM_ValidatesRange(t *testing.T) {
	sched, rooms, _ := setup(t, 120)

	assert.Error(t, sched.SetBPM("room-1", 10))
	assert.Error(t, sched.SetBPM("room-1", 400))
	assert.NoError(t, sched.SetBPM("room-1", 140))

	r, _ := rooms.Peek("room-1")
	assert.Equal(t, 140, r.Metronome().BPM)
}

func TestStop_HaltsFurtherTicks(t *testing.T) {
	sched, _, bus := setup(t, 6000)
	sched.Start("room-1")

	assert.Eventually(t, func() bool { return bus.tickCount() >= 1 }, time.Second, time.Millisecond)
	sched.Stop("room-1")
	after := bus.tickCount()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, bus.tickCount())
}

func TestShutdownAll_StopsEveryRoom(t *testing.T) {
	sched, rooms, _ := setup(t, 6000)
	r2 := room.New("room-2", "Room2", "", types.RoomKindPerform, types.RoomVisibilityPublic, false, "owner2", "Owner2", 6000)
	require.True(t, rooms.Insert(r2))

	sched.Start("room-1")
	sched.Start("room-2")
	sched.ShutdownAll()

	sched.mu.Lock()
	count := len(sched.tickers)
	sched.mu.Unlock()
	assert.Equal(t, 0, count)
}
