// Package bus implements the namespace-isolated event fabric: per-namespace
// FIFO delivery, broadcast/broadcast-except-sender, and an optional
// cross-process presence set backed by Redis.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// deliverJob is one unit of work processed by a namespace's owning goroutine,
// preserving publish order regardless of which goroutine called Publish.
type deliverJob struct {
	event   string
	payload json.RawMessage
	exclude types.ConnIDType
	only    types.ConnIDType
}

type namespaceState struct {
	path string

	mu          sync.RWMutex
	subscribers map[types.ConnIDType]types.Subscriber

	jobs chan deliverJob
	done chan struct{}
}

func newNamespaceState(path string) *namespaceState {
	ns := &namespaceState{
		path:        path,
		subscribers: make(map[types.ConnIDType]types.Subscriber),
		jobs:        make(chan deliverJob, 256),
		done:        make(chan struct{}),
	}
	go ns.run()
	return ns
}

// run is the single goroutine that owns this namespace's mailbox. Jobs are
// processed strictly in the order they were enqueued, which is what gives
// every publisher FIFO delivery on this namespace.
func (ns *namespaceState) run() {
	for {
		select {
		case job := <-ns.jobs:
			ns.deliver(job)
		case <-ns.done:
			return
		}
	}
}

func (ns *namespaceState) deliver(job deliverJob) {
	ns.mu.RLock()
	targets := make([]types.Subscriber, 0, len(ns.subscribers))
	for connID, sub := range ns.subscribers {
		if job.only != "" && connID != job.only {
			continue
		}
		if job.only == "" && job.exclude != "" && connID == job.exclude {
			continue
		}
		targets = append(targets, sub)
	}
	ns.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Deliver(job.event, job.payload); err != nil {
			slog.Warn("subscriber delivery failed, disconnecting", "namespace", ns.path, "connId", sub.ConnID(), "error", err)
			ns.removeSubscriber(sub.ConnID())
		}
	}
}

func (ns *namespaceState) addSubscriber(sub types.Subscriber) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.subscribers[sub.ConnID()] = sub
}

func (ns *namespaceState) removeSubscriber(connID types.ConnIDType) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.subscribers, connID)
}

func (ns *namespaceState) close() {
	ns.mu.Lock()
	ns.subscribers = make(map[types.ConnIDType]types.Subscriber)
	ns.mu.Unlock()
	close(ns.done)
}

// InMemoryBus is the single-process-authoritative implementation of
// types.EventBus. Namespace isolation is structural: each namespace owns its
// own goroutine and subscriber map, so a publish on one can never reach
// another's subscribers, even under overload on a sibling namespace.
type InMemoryBus struct {
	mu         sync.RWMutex
	namespaces map[string]*namespaceState

	mirror *RedisMirror // optional cross-process presence mirror

	localSetsMu sync.Mutex
	localSets   map[string]map[string]struct{}
}

// NewInMemoryBus constructs a bus with no cross-process mirror. Pass a
// *RedisMirror via WithMirror for multi-process presence-set sharing.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		namespaces: make(map[string]*namespaceState),
		localSets:  make(map[string]map[string]struct{}),
	}
}

// WithMirror attaches an optional Redis-backed mirror used only for the
// cross-process presence set (SetAdd/SetRem/SetMembers). Event delivery
// itself stays single-process authoritative.
func (b *InMemoryBus) WithMirror(m *RedisMirror) *InMemoryBus {
	b.mirror = m
	return b
}

func (b *InMemoryBus) CreateNamespace(namespace string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.namespaces[namespace]; exists {
		return
	}
	b.namespaces[namespace] = newNamespaceState(namespace)
}

func (b *InMemoryBus) DestroyNamespace(namespace string) {
	b.mu.Lock()
	ns, exists := b.namespaces[namespace]
	delete(b.namespaces, namespace)
	b.mu.Unlock()

	if exists {
		ns.close()
	}
}

func (b *InMemoryBus) Subscribe(namespace string, connID types.ConnIDType, sub types.Subscriber) error {
	b.mu.RLock()
	ns, exists := b.namespaces[namespace]
	b.mu.RUnlock()
	if !exists {
		return fmt.Errorf("bus: subscribe to nonexistent namespace %q", namespace)
	}
	ns.addSubscriber(sub)
	return nil
}

func (b *InMemoryBus) Unsubscribe(namespace string, connID types.ConnIDType) {
	b.mu.RLock()
	ns, exists := b.namespaces[namespace]
	b.mu.RUnlock()
	if exists {
		ns.removeSubscriber(connID)
	}
}

func (b *InMemoryBus) Publish(ctx context.Context, namespace, event string, payload any) error {
	return b.publish(namespace, event, payload, "", "")
}

func (b *InMemoryBus) PublishExcept(ctx context.Context, namespace string, exclude types.ConnIDType, event string, payload any) error {
	return b.publish(namespace, event, payload, exclude, "")
}

func (b *InMemoryBus) PublishTo(ctx context.Context, namespace string, connID types.ConnIDType, event string, payload any) error {
	return b.publish(namespace, event, payload, "", connID)
}

func (b *InMemoryBus) publish(namespace, event string, payload any, exclude, only types.ConnIDType) error {
	b.mu.RLock()
	ns, exists := b.namespaces[namespace]
	b.mu.RUnlock()
	if !exists {
		slog.Warn("publish to nonexistent namespace", "namespace", namespace, "event", event)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for event %q: %w", event, err)
	}

	metrics.WebsocketEvents.WithLabelValues(event, "out").Inc()

	ns.jobs <- deliverJob{event: event, payload: raw, exclude: exclude, only: only}
	return nil
}

func (b *InMemoryBus) SetAdd(ctx context.Context, key, member string) error {
	if b.mirror != nil {
		return b.mirror.SetAdd(ctx, key, member)
	}
	b.localSetsMu.Lock()
	defer b.localSetsMu.Unlock()
	set, ok := b.localSets[key]
	if !ok {
		set = make(map[string]struct{})
		b.localSets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (b *InMemoryBus) SetRem(ctx context.Context, key, member string) error {
	if b.mirror != nil {
		return b.mirror.SetRem(ctx, key, member)
	}
	b.localSetsMu.Lock()
	defer b.localSetsMu.Unlock()
	if set, ok := b.localSets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (b *InMemoryBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	if b.mirror != nil {
		return b.mirror.SetMembers(ctx, key)
	}
	b.localSetsMu.Lock()
	defer b.localSetsMu.Unlock()
	set, ok := b.localSets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	namespaces := b.namespaces
	b.namespaces = make(map[string]*namespaceState)
	b.mu.Unlock()

	for _, ns := range namespaces {
		ns.close()
	}
	if b.mirror != nil {
		return b.mirror.Close()
	}
	return nil
}

var _ types.EventBus = (*InMemoryBus)(nil)
