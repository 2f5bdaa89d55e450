// Package grace implements the GracePeriodRegistry: a bounded window after
// a non-intended disconnect during which a user's in-room state is held so
// a reconnect can restore it without re-running the approval workflow.
package grace

import (
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

type key struct {
	roomID types.RoomIDType
	userID types.UserIDType
}

// Entry is what's preserved across a disconnect/reconnect gap.
type Entry struct {
	Namespace     string
	Snapshot      types.User
	ExpiresAt     types.Timestamp
	IntendedLeave bool
}

// Registry holds at most one Entry per (userID, roomID); a new disconnect
// replaces any prior entry for the same pair (resource cap in spec.md §5).
type Registry struct {
	mu      sync.Mutex
	entries map[key]Entry
	timers  map[key]*time.Timer
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[key]Entry),
		timers:  make(map[key]*time.Timer),
	}
}

// Add stores a snapshot for (userID, roomID), replacing any existing one
// and its timer, and arms a timer that deletes the entry after duration
// unless Reconnect fires first.
func (reg *Registry) Add(roomID types.RoomIDType, userID types.UserIDType, namespace string, snapshot types.User, duration time.Duration) {
	k := key{roomID, userID}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if timer, exists := reg.timers[k]; exists {
		timer.Stop()
	}

	reg.entries[k] = Entry{
		Namespace: namespace,
		Snapshot:  snapshot,
		ExpiresAt: types.Timestamp(time.Now().Add(duration).UnixMilli()),
	}
	metrics.GracePeriodEntriesActive.Set(float64(len(reg.entries)))

	reg.timers[k] = time.AfterFunc(duration, func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		// Re-check existence: Reconnect may have already consumed this
		// entry, in which case the timer firing is a no-op (timer-race
		// policy in spec.md §5/§7).
		if _, stillPresent := reg.entries[k]; stillPresent {
			delete(reg.entries, k)
			delete(reg.timers, k)
			metrics.GracePeriodEntriesActive.Set(float64(len(reg.entries)))
		}
	})
}

// Reconnect removes and returns the entry for (userID, roomID), stopping
// its timer. ok is false if no entry exists (the grace window already
// expired, or the user never disconnected).
func (reg *Registry) Reconnect(roomID types.RoomIDType, userID types.UserIDType) (Entry, bool) {
	k := key{roomID, userID}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	entry, ok := reg.entries[k]
	if !ok {
		return Entry{}, false
	}
	if timer, exists := reg.timers[k]; exists {
		timer.Stop()
		delete(reg.timers, k)
	}
	delete(reg.entries, k)
	metrics.GracePeriodEntriesActive.Set(float64(len(reg.entries)))
	return entry, true
}

// Has reports whether (userID, roomID) currently has a live grace entry.
func (reg *Registry) Has(roomID types.RoomIDType, userID types.UserIDType) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.entries[key{roomID, userID}]
	return ok
}

// AnyInRoom reports whether roomID has any outstanding grace entry — used
// by the room registry to decide whether an otherwise-empty room is
// eligible for garbage collection.
func (reg *Registry) AnyInRoom(roomID types.RoomIDType) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for k := range reg.entries {
		if k.roomID == roomID {
			return true
		}
	}
	return false
}

// Shutdown stops every pending timer. Used on process shutdown.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for k, timer := range reg.timers {
		timer.Stop()
		delete(reg.timers, k)
	}
}
