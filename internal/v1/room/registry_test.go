package room

import (
	"testing"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertAndGet(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()

	require.True(t, reg.Insert(r))
	assert.False(t, reg.Insert(r), "duplicate insert must fail")

	got, ok := reg.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, r, got)
}

func TestRegistry_ScheduleCleanup_RemovesEmptyRoom(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	reg.ScheduleCleanup(r.ID)

	assert.Eventually(t, func() bool {
		_, ok := reg.Peek(r.ID)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestRegistry_ScheduleCleanup_CancelledOnGet(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	reg.ScheduleCleanup(r.ID)
	// Re-attach a user before the timer fires (simulating a reconnect that
	// rediscovers the room via Get, which cancels any pending cleanup).
	time.Sleep(2 * time.Millisecond)
	_, ok := reg.Get(r.ID)
	require.True(t, ok)
	r.InsertUser(types.User{ID: "owner-a", Role: types.RoleRoomOwner})

	time.Sleep(30 * time.Millisecond)
	_, ok = reg.Peek(r.ID)
	assert.True(t, ok, "room must survive since cleanup was cancelled by Get")
}

func TestRegistry_ScheduleCleanup_SkippedIfNoLongerEmpty(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	reg.ScheduleCleanup(r.ID)
	r.InsertUser(types.User{ID: "owner-a", Role: types.RoleRoomOwner})

	time.Sleep(30 * time.Millisecond)
	_, ok := reg.Peek(r.ID)
	assert.True(t, ok, "room must survive since it's no longer empty when the timer fires")
}

func TestRegistry_ScheduleCleanup_RespectsEligibleForGC(t *testing.T) {
	blocked := true
	reg := NewRegistry(10*time.Millisecond, func(types.RoomIDType) bool { return !blocked })
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	reg.ScheduleCleanup(r.ID)
	time.Sleep(30 * time.Millisecond)

	_, ok := reg.Peek(r.ID)
	assert.True(t, ok, "room must survive while a grace-period entry still references it")
}

func TestRegistry_ScheduleCleanup_FiresOnDestroy(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	var destroyed types.RoomIDType
	reg.SetOnDestroy(func(id types.RoomIDType) { destroyed = id })

	reg.ScheduleCleanup(r.ID)

	assert.Eventually(t, func() bool {
		return destroyed == r.ID
	}, time.Second, time.Millisecond, "onDestroy must fire exactly when the room is actually collected")
}

func TestRegistry_ScheduleCleanup_OnDestroyNotCalledWhenSkipped(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")

	called := false
	reg.SetOnDestroy(func(types.RoomIDType) { called = true })

	reg.ScheduleCleanup(r.ID)
	r.InsertUser(types.User{ID: "owner-a", Role: types.RoleRoomOwner})

	time.Sleep(30 * time.Millisecond)
	assert.False(t, called, "onDestroy must not fire when the room survives the settle delay")
}

func TestRegistry_Shutdown_CancelsTimers(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil)
	r := newTestRoom()
	reg.Insert(r)
	r.RemoveUser("owner-a")
	reg.ScheduleCleanup(r.ID)

	reg.Shutdown()

	time.Sleep(30 * time.Millisecond)
	_, ok := reg.Peek(r.ID)
	assert.True(t, ok, "shutdown must prevent pending cleanup timers from firing")
}

func TestRegistry_All(t *testing.T) {
	reg := NewRegistry(time.Second, nil)
	r1 := newTestRoom()
	r2 := New("room-2", "Room 2", "", types.RoomKindArrange, types.RoomVisibilityPublic, false, "owner-b", "B", 0)
	reg.Insert(r1)
	reg.Insert(r2)

	all := reg.All()
	assert.Len(t, all, 2)
}
