// Package metronome implements the MetronomeScheduler: one monotonic tick
// emitter per room, at a configurable BPM (spec.md §4.7).
package metronome

import (
	"context"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const EventMetronomeTick = "metronome_tick"

func tickInterval(bpm int) time.Duration {
	return time.Duration(60000/bpm) * time.Millisecond
}

// roomTicker owns one room's scheduling goroutine.
type roomTicker struct {
	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
}

// Scheduler runs one ticker per room currently playing. setBpm reschedules
// from the next tick boundary; it never retroactively adjusts a tick
// already in flight.
type Scheduler struct {
	mu      sync.Mutex
	tickers map[types.RoomIDType]*roomTicker

	rooms *room.Registry
	bus   types.EventBus
}

// New constructs a Scheduler.
func New(rooms *room.Registry, bus types.EventBus) *Scheduler {
	return &Scheduler{
		tickers: make(map[types.RoomIDType]*roomTicker),
		rooms:   rooms,
		bus:     bus,
	}
}

// Start begins ticking roomID at its room record's current BPM. A
// duplicate Start for an already-running room is a no-op.
func (s *Scheduler) Start(roomID types.RoomIDType) {
	s.mu.Lock()
	if _, exists := s.tickers[roomID]; exists {
		s.mu.Unlock()
		return
	}
	rt := &roomTicker{stopCh: make(chan struct{})}
	s.tickers[roomID] = rt
	s.mu.Unlock()

	s.armNext(roomID, rt)
}

func (s *Scheduler) armNext(roomID types.RoomIDType, rt *roomTicker) {
	r, ok := s.rooms.Peek(roomID)
	if !ok {
		s.Stop(roomID)
		return
	}
	interval := tickInterval(r.Metronome().BPM)

	rt.mu.Lock()
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.timer = time.AfterFunc(interval, func() { s.onTick(roomID, rt) })
	rt.mu.Unlock()
}

func (s *Scheduler) onTick(roomID types.RoomIDType, rt *roomTicker) {
	select {
	case <-rt.stopCh:
		return
	default:
	}

	r, ok := s.rooms.Peek(roomID)
	if !ok {
		s.Stop(roomID)
		return
	}
	r.SetLastTick(types.NowMillis())
	_ = s.bus.Publish(context.Background(), "/room/"+string(roomID), EventMetronomeTick, map[string]any{
		"roomId":    roomID,
		"timestamp": r.Metronome().LastTickTimestamp,
		"bpm":       r.Metronome().BPM,
	})

	s.armNext(roomID, rt)
}

// SetBPM validates and persists the new BPM; the next scheduled tick picks
// it up when it reschedules (not retroactively).
func (s *Scheduler) SetBPM(roomID types.RoomIDType, bpm int) error {
	if err := types.ValidateBPM(bpm); err != nil {
		return err
	}
	r, ok := s.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	r.SetBPM(bpm)
	return nil
}

// Stop cancels roomID's ticker. Called on room destruction.
func (s *Scheduler) Stop(roomID types.RoomIDType) {
	s.mu.Lock()
	rt, ok := s.tickers[roomID]
	if ok {
		delete(s.tickers, roomID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(rt.stopCh)
	rt.mu.Lock()
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.mu.Unlock()
}

// ShutdownAll stops every running ticker. Used on process shutdown.
func (s *Scheduler) ShutdownAll() {
	s.mu.Lock()
	ids := make([]types.RoomIDType, 0, len(s.tickers))
	for id := range s.tickers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}
