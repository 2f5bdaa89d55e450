package room

import (
	"testing"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom() *Room {
	return New("room-1", "Jam Room", "", types.RoomKindPerform, types.RoomVisibilityPublic, false, "owner-a", "Owner", 0)
}

func TestNew_OwnerIsRoomOwner(t *testing.T) {
	r := newTestRoom()
	u, ok := r.User("owner-a")
	require.True(t, ok)
	assert.Equal(t, types.RoleRoomOwner, u.Role)
	assert.Equal(t, types.UserIDType("owner-a"), r.OwnerID())
	assert.Equal(t, 120, r.Metronome().BPM)
}

func TestNew_CustomDefaultBPM(t *testing.T) {
	r := New("room-1", "Jam Room", "", types.RoomKindPerform, types.RoomVisibilityPublic, false, "owner-a", "Owner", 90)
	assert.Equal(t, 90, r.Metronome().BPM)
}

func TestInsertUser_RejectsDuplicate(t *testing.T) {
	r := newTestRoom()
	ok := r.InsertUser(types.User{ID: "user-b", Username: "B", Role: types.RoleBandMember})
	assert.True(t, ok)

	ok = r.InsertUser(types.User{ID: "user-b", Username: "B again", Role: types.RoleBandMember})
	assert.False(t, ok)
}

func TestInsertUser_RejectsIfPending(t *testing.T) {
	r := newTestRoom()
	require.True(t, r.InsertPending(types.User{ID: "user-c", Role: types.RoleBandMember}))

	ok := r.InsertUser(types.User{ID: "user-c", Role: types.RoleBandMember})
	assert.False(t, ok)
}

func TestApprovePending(t *testing.T) {
	r := newTestRoom()
	require.True(t, r.InsertPending(types.User{ID: "user-c", Username: "C", Role: types.RoleBandMember}))

	u, ok := r.ApprovePending("user-c")
	require.True(t, ok)
	assert.Equal(t, "C", u.Username)

	assert.Empty(t, r.PendingMembers())
	got, ok := r.User("user-c")
	require.True(t, ok)
	assert.Equal(t, "C", got.Username)
}

func TestApprovePending_UnknownUserFails(t *testing.T) {
	r := newTestRoom()
	_, ok := r.ApprovePending("ghost")
	assert.False(t, ok)
}

func TestRemoveUser_EmptiesRoom(t *testing.T) {
	r := newTestRoom()
	assert.False(t, r.IsEmpty())

	_, ok := r.RemoveUser("owner-a")
	require.True(t, ok)
	assert.True(t, r.IsEmpty())
}

func TestMutateUser(t *testing.T) {
	r := newTestRoom()
	require.True(t, r.InsertUser(types.User{ID: "user-b", Role: types.RoleBandMember}))

	ok := r.MutateUser("user-b", func(u *types.User) {
		u.CurrentInstrument = "piano"
		u.CurrentCategory = "keyboard"
	})
	require.True(t, ok)

	u, _ := r.User("user-b")
	assert.Equal(t, "piano", u.CurrentInstrument)
	assert.Equal(t, "keyboard", u.CurrentCategory)
}

func TestMutateUser_UnknownUserFails(t *testing.T) {
	r := newTestRoom()
	ok := r.MutateUser("ghost", func(u *types.User) {})
	assert.False(t, ok)
}

func TestTransferOwnership(t *testing.T) {
	r := newTestRoom()
	require.True(t, r.InsertUser(types.User{ID: "user-b", Role: types.RoleBandMember}))

	ok := r.TransferOwnership("user-b")
	require.True(t, ok)

	assert.Equal(t, types.UserIDType("user-b"), r.OwnerID())
	newOwner, _ := r.User("user-b")
	assert.Equal(t, types.RoleRoomOwner, newOwner.Role)
	prevOwner, _ := r.User("owner-a")
	assert.Equal(t, types.RoleBandMember, prevOwner.Role)
}

func TestTransferOwnership_UnknownTargetFails(t *testing.T) {
	r := newTestRoom()
	ok := r.TransferOwnership("ghost")
	assert.False(t, ok)
	assert.Equal(t, types.UserIDType("owner-a"), r.OwnerID())
}

func TestSequencerState_LatestOnly(t *testing.T) {
	r := newTestRoom()
	assert.Nil(t, r.SequencerState())

	r.SetSequencerState([]byte(`{"pattern":1}`))
	assert.Equal(t, `{"pattern":1}`, string(r.SequencerState()))

	r.SetSequencerState([]byte(`{"pattern":2}`))
	assert.Equal(t, `{"pattern":2}`, string(r.SequencerState()))
}

func TestBroadcastState(t *testing.T) {
	r := newTestRoom()
	assert.False(t, r.Broadcast().Active)

	r.SetBroadcast(types.BroadcastState{Active: true, PlaylistURL: "https://example.com/stream.m3u8"})
	assert.True(t, r.Broadcast().Active)
	assert.Equal(t, "https://example.com/stream.m3u8", r.Broadcast().PlaylistURL)
}
