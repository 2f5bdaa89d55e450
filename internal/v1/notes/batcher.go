package notes

import (
	"context"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// BatchInterval is the default coalescing tick (spec.md §4.6).
const BatchInterval = 16 * time.Millisecond

// MaxQueueSize is the per-room cap before the batcher drops the oldest
// half of its queue.
const MaxQueueSize = 50

type batchKey struct {
	event  string
	userID types.UserIDType
}

type batchedMessage struct {
	namespace string
	exclude   types.ConnIDType
	payload   any
	seq       uint64
}

// roomQueue is one room's coalescing buffer, owned by its own goroutine so
// rooms never contend with each other (same isolation shape as the bus's
// per-namespace goroutine).
type roomQueue struct {
	mu      sync.Mutex
	order   []batchKey
	byKey   map[batchKey]batchedMessage
	nextSeq uint64

	stop chan struct{}
}

// Batcher coalesces non-critical, per-room events: only the latest message
// for a given (event, userId) key survives to the next tick. Critical
// events bypass the batcher entirely and are published directly.
type Batcher struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*roomQueue

	bus      types.EventBus
	interval time.Duration
}

// NewBatcher constructs a Batcher publishing flushed messages through bus.
func NewBatcher(bus types.EventBus, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = BatchInterval
	}
	return &Batcher{
		rooms:    make(map[types.RoomIDType]*roomQueue),
		bus:      bus,
		interval: interval,
	}
}

// Enqueue stores the latest payload for (roomId, event, userId), superseding
// any prior unflushed message for the same key. On overflow the oldest half
// of the room's queue is dropped.
func (b *Batcher) Enqueue(roomID types.RoomIDType, event string, userID types.UserIDType, namespace string, exclude types.ConnIDType, payload any) {
	q := b.roomQueueFor(roomID)

	q.mu.Lock()
	defer q.mu.Unlock()

	k := batchKey{event, userID}
	if _, exists := q.byKey[k]; !exists {
		q.order = append(q.order, k)
	}
	q.nextSeq++
	q.byKey[k] = batchedMessage{namespace: namespace, exclude: exclude, payload: payload, seq: q.nextSeq}

	if len(q.order) > MaxQueueSize {
		drop := len(q.order) / 2
		for _, dk := range q.order[:drop] {
			delete(q.byKey, dk)
		}
		q.order = q.order[drop:]
	}
}

func (b *Batcher) roomQueueFor(roomID types.RoomIDType) *roomQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.rooms[roomID]; ok {
		return q
	}
	q := &roomQueue{
		byKey: make(map[batchKey]batchedMessage),
		stop:  make(chan struct{}),
	}
	b.rooms[roomID] = q
	go b.run(roomID, q)
	return q
}

func (b *Batcher) run(roomID types.RoomIDType, q *roomQueue) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			b.flush(roomID, q)
		}
	}
}

func (b *Batcher) flush(roomID types.RoomIDType, q *roomQueue) {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	order := q.order
	byKey := q.byKey
	q.order = nil
	q.byKey = make(map[batchKey]batchedMessage)
	q.mu.Unlock()

	ctx := context.Background()
	for _, k := range order {
		msg, ok := byKey[k]
		if !ok {
			continue
		}
		if msg.exclude != "" {
			_ = b.bus.PublishExcept(ctx, msg.namespace, msg.exclude, k.event, msg.payload)
		} else {
			_ = b.bus.Publish(ctx, msg.namespace, k.event, msg.payload)
		}
	}
}

// StopRoom terminates the goroutine backing roomID's queue, discarding any
// unflushed messages. Called on room destruction.
func (b *Batcher) StopRoom(roomID types.RoomIDType) {
	b.mu.Lock()
	q, ok := b.rooms[roomID]
	if ok {
		delete(b.rooms, roomID)
	}
	b.mu.Unlock()

	if ok {
		close(q.stop)
	}
}
