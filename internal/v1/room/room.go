// Package room implements the Room aggregate (spec data model §3) and the
// RoomRegistry that owns it: the single in-memory source of truth for room
// membership, metronome state, and broadcast state.
package room

import (
	"encoding/json"
	"sync"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const defaultBPM = 120

// Room is the aggregate for one collaborative session. All mutation happens
// through its locked methods; callers outside this package never see the
// map fields directly.
type Room struct {
	ID          types.RoomIDType
	Name        string
	Description string
	Kind        types.RoomKind
	Visibility  types.RoomVisibility
	Hidden      bool
	CreatedAt   types.Timestamp

	mu             sync.RWMutex
	owner          types.UserIDType
	users          map[types.UserIDType]*types.User
	pendingMembers map[types.UserIDType]*types.User
	metronome      types.Metronome
	broadcast      types.BroadcastState
	sequencerState json.RawMessage
}

// New constructs a Room with ownerID already inserted as the room owner.
func New(id types.RoomIDType, name, description string, kind types.RoomKind, visibility types.RoomVisibility, hidden bool, ownerID types.UserIDType, ownerUsername string, defaultBPMOverride int) *Room {
	bpm := defaultBPM
	if defaultBPMOverride > 0 {
		bpm = defaultBPMOverride
	}

	r := &Room{
		ID:             id,
		Name:           name,
		Description:    description,
		Kind:           kind,
		Visibility:     visibility,
		Hidden:         hidden,
		CreatedAt:      types.NowMillis(),
		owner:          ownerID,
		users:          make(map[types.UserIDType]*types.User),
		pendingMembers: make(map[types.UserIDType]*types.User),
		metronome:      types.Metronome{BPM: bpm},
	}
	r.users[ownerID] = &types.User{ID: ownerID, Username: ownerUsername, Role: types.RoleRoomOwner}
	return r
}

// OwnerID returns the current owner's userId.
func (r *Room) OwnerID() types.UserIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// User returns a copy of the user record for userID, if present in users.
func (r *Room) User(userID types.UserIDType) (types.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return types.User{}, false
	}
	return *u, true
}

// Users returns a snapshot slice of every in-room user, for room_state
// broadcasts and lobby listings.
func (r *Room) Users() []types.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out
}

// PendingMembers returns a snapshot of users awaiting approval.
func (r *Room) PendingMembers() []types.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.User, 0, len(r.pendingMembers))
	for _, u := range r.pendingMembers {
		out = append(out, *u)
	}
	return out
}

// IsEmpty reports whether the room has no joined users (invariant 1: an
// empty room is eligible for garbage collection).
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users) == 0
}

// InsertUser adds u directly into users (public join, or grace-period
// restore). Returns false if userID is already present in users or pending.
func (r *Room) InsertUser(u types.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[u.ID]; exists {
		return false
	}
	if _, exists := r.pendingMembers[u.ID]; exists {
		return false
	}
	copied := u
	r.users[u.ID] = &copied
	return true
}

// InsertPending adds u into pendingMembers (private-room approval path).
// Returns false if userID is already present in users or pending.
func (r *Room) InsertPending(u types.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[u.ID]; exists {
		return false
	}
	if _, exists := r.pendingMembers[u.ID]; exists {
		return false
	}
	copied := u
	r.pendingMembers[u.ID] = &copied
	return true
}

// ApprovePending moves userID from pendingMembers to users. Returns the
// promoted user and true on success.
func (r *Room) ApprovePending(userID types.UserIDType) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.pendingMembers[userID]
	if !ok {
		return types.User{}, false
	}
	delete(r.pendingMembers, userID)
	r.users[userID] = u
	return *u, true
}

// RemovePending deletes userID from pendingMembers, returning false if it
// wasn't present.
func (r *Room) RemovePending(userID types.UserIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingMembers[userID]; !ok {
		return false
	}
	delete(r.pendingMembers, userID)
	return true
}

// RemoveUser deletes userID from users, returning the removed record.
func (r *Room) RemoveUser(userID types.UserIDType) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return types.User{}, false
	}
	delete(r.users, userID)
	return *u, true
}

// MutateUser applies fn to the stored user record for userID under the
// room lock, persisting any change fn makes. Returns false if userID isn't
// a current member.
func (r *Room) MutateUser(userID types.UserIDType, fn func(*types.User)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return false
	}
	fn(u)
	return true
}

// TransferOwnership makes newOwnerID the owner, demoting the previous
// owner to band_member. Returns false if newOwnerID isn't a current user.
func (r *Room) TransferOwnership(newOwnerID types.UserIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	newOwner, ok := r.users[newOwnerID]
	if !ok {
		return false
	}
	if prevOwner, ok := r.users[r.owner]; ok {
		prevOwner.Role = types.RoleBandMember
	}
	newOwner.Role = types.RoleRoomOwner
	r.owner = newOwnerID
	return true
}

// Metronome returns a copy of the current metronome state.
func (r *Room) Metronome() types.Metronome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metronome
}

// SetBPM updates the metronome's BPM. Validation of the [20,300] range is
// the caller's responsibility (the metronome scheduler enforces it before
// calling in).
func (r *Room) SetBPM(bpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metronome.BPM = bpm
}

// SetLastTick records the timestamp of the most recent metronome tick.
func (r *Room) SetLastTick(ts types.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metronome.LastTickTimestamp = ts
}

// Broadcast returns a copy of the current broadcast state.
func (r *Room) Broadcast() types.BroadcastState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcast
}

// SetBroadcast replaces the broadcast state wholesale.
func (r *Room) SetBroadcast(state types.BroadcastState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = state
}

// SequencerState returns the single latest sequencer pattern set via
// SetSequencerState, or nil if none has been sent yet.
func (r *Room) SequencerState() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sequencerState
}

// SetSequencerState stores the latest sequencer pattern, replacing any
// prior one — only the current pattern matters for a late joiner.
func (r *Room) SetSequencerState(state json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequencerState = append(json.RawMessage(nil), state...)
}
