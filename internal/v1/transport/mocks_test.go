package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// mockConnection implements wsConnection with overridable function fields,
// mirroring the teacher's MockConnection.
type mockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error

	mu     sync.Mutex
	closed bool
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *mockConnection) SetWriteDeadline(_ time.Time) error { return nil }

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recordingRouter implements types.Router, recording every routed envelope
// and disconnect.
type recordingRouter struct {
	mu       sync.Mutex
	routed   []types.Envelope
	disconnected int
}

func (r *recordingRouter) Route(ctx context.Context, client types.ClientInterface, env types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, env)
}

func (r *recordingRouter) HandleDisconnect(ctx context.Context, client types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recordingRouter) routedEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.routed))
	for i, e := range r.routed {
		out[i] = e.Event
	}
	return out
}

// fakeEventBus is a minimal types.EventBus for Hub tests: Subscribe always
// succeeds unless failSubscribe is set, and Subscribe/Unsubscribe calls are
// recorded by namespace.
type fakeEventBus struct {
	mu            sync.Mutex
	failSubscribe bool
	subscribed    []string
	unsubscribed  []string
}

func (b *fakeEventBus) CreateNamespace(ns string)  {}
func (b *fakeEventBus) DestroyNamespace(ns string) {}
func (b *fakeEventBus) Subscribe(namespace string, connID types.ConnIDType, sub types.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSubscribe {
		return errSubscribeFailed
	}
	b.subscribed = append(b.subscribed, namespace)
	return nil
}
func (b *fakeEventBus) Unsubscribe(namespace string, connID types.ConnIDType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, namespace)
}
func (b *fakeEventBus) Publish(ctx context.Context, namespace, event string, payload any) error {
	return nil
}
func (b *fakeEventBus) PublishExcept(ctx context.Context, namespace string, exclude types.ConnIDType, event string, payload any) error {
	return nil
}
func (b *fakeEventBus) PublishTo(ctx context.Context, namespace string, connID types.ConnIDType, event string, payload any) error {
	return nil
}
func (b *fakeEventBus) SetAdd(ctx context.Context, key, member string) error         { return nil }
func (b *fakeEventBus) SetRem(ctx context.Context, key, member string) error         { return nil }
func (b *fakeEventBus) SetMembers(ctx context.Context, key string) ([]string, error) { return nil, nil }
func (b *fakeEventBus) Close() error                                                 { return nil }

var errSubscribeFailed = errors.New("namespace does not exist")

// fakeIdentityVerifier implements types.IdentityVerifier.
type fakeIdentityVerifier struct {
	identity types.Identity
	err      error
}

func (f *fakeIdentityVerifier) Verify(ctx context.Context, bearerToken string) (types.Identity, error) {
	return f.identity, f.err
}

func encodeEnvelope(namespace, event string, payload any) []byte {
	raw, _ := json.Marshal(payload)
	env := types.Envelope{Namespace: namespace, Event: event, Payload: raw}
	data, _ := json.Marshal(env)
	return data
}
