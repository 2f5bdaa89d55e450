package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// EmptyChecker reports whether a room is currently a garbage-collection
// candidate beyond "no users" — e.g. no outstanding grace-period entries
// referencing it. Supplied by the lifecycle handler, which is the only
// component that knows about grace periods.
type EmptyChecker func(types.RoomIDType) bool

// Registry owns every live Room and garbage-collects ones that go empty,
// after a short settle delay so a reconnecting user doesn't race the
// room's destruction.
type Registry struct {
	mu              sync.Mutex
	rooms           map[types.RoomIDType]*Room
	pendingCleanups map[types.RoomIDType]*time.Timer
	settleDelay     time.Duration
	eligibleForGC   EmptyChecker
	onDestroy       func(types.RoomIDType)
}

// NewRegistry constructs an empty Registry. eligibleForGC may be nil, in
// which case only room.IsEmpty() gates collection.
func NewRegistry(settleDelay time.Duration, eligibleForGC EmptyChecker) *Registry {
	return &Registry{
		rooms:           make(map[types.RoomIDType]*Room),
		pendingCleanups: make(map[types.RoomIDType]*time.Timer),
		settleDelay:     settleDelay,
		eligibleForGC:   eligibleForGC,
	}
}

// SetOnDestroy wires the callback invoked once a room is actually
// collected (not merely scheduled for collection) — the caller's chance
// to tear down everything that outlives the Room struct itself: the
// room's namespaces on the event bus, its metronome ticker, and any
// other per-room resource that isn't reclaimed by the Go garbage
// collector just because the *Room pointer becomes unreachable. Wired
// post-construction because the collaborators that own those resources
// are themselves built from this Registry, the same circular-dependency
// shape as EmptyChecker.
func (reg *Registry) SetOnDestroy(fn func(types.RoomIDType)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.onDestroy = fn
}

// Insert adds r to the registry. Returns false if roomID already exists.
func (reg *Registry) Insert(r *Room) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rooms[r.ID]; exists {
		return false
	}
	reg.rooms[r.ID] = r
	metrics.ActiveRooms.Inc()
	return true
}

// Get returns the room for roomID, cancelling any pending cleanup timer —
// a lookup implies the caller is about to use the room, so a scheduled GC
// for it is no longer appropriate.
func (reg *Registry) Get(roomID types.RoomIDType) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, false
	}
	reg.cancelCleanupLocked(roomID)
	return r, true
}

// Peek returns the room for roomID without disturbing any pending cleanup.
func (reg *Registry) Peek(roomID types.RoomIDType) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// All returns a snapshot of every live room, for lobby listings.
func (reg *Registry) All() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

func (reg *Registry) cancelCleanupLocked(roomID types.RoomIDType) {
	if timer, exists := reg.pendingCleanups[roomID]; exists {
		timer.Stop()
		delete(reg.pendingCleanups, roomID)
	}
}

// ScheduleCleanup arms a settle-delay timer that removes roomID from the
// registry if, when it fires, the room is still empty and (if a checker
// was supplied) still eligible for GC. Re-arming an already-pending
// cleanup replaces the prior timer.
func (reg *Registry) ScheduleCleanup(roomID types.RoomIDType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.cancelCleanupLocked(roomID)

	timer := time.AfterFunc(reg.settleDelay, func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		r, ok := reg.rooms[roomID]
		if !ok {
			return
		}
		if !r.IsEmpty() {
			delete(reg.pendingCleanups, roomID)
			return
		}
		if reg.eligibleForGC != nil && !reg.eligibleForGC(roomID) {
			delete(reg.pendingCleanups, roomID)
			return
		}

		delete(reg.rooms, roomID)
		delete(reg.pendingCleanups, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(roomID))
		if reg.onDestroy != nil {
			reg.onDestroy(roomID)
		}
		slog.Info("room garbage collected", "roomId", roomID)
	})
	reg.pendingCleanups[roomID] = timer
}

// CancelCleanup stops any pending cleanup for roomID, e.g. on reconnect.
func (reg *Registry) CancelCleanup(roomID types.RoomIDType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.cancelCleanupLocked(roomID)
}

// Shutdown cancels every pending cleanup timer. Used on process shutdown
// so timers don't fire after their registry has been discarded.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for roomID, timer := range reg.pendingCleanups {
		timer.Stop()
		delete(reg.pendingCleanups, roomID)
	}
}
