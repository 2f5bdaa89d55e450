// Package voice implements the VoiceConnectionHandler: a WebRTC signaling
// relay. The server never inspects SDP/ICE payloads, it only forwards them
// verbatim to the named target (spec.md §4.8).
package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const (
	EventUserJoinedVoice    = "user_joined_voice"
	EventUserLeftVoice      = "user_left_voice"
	EventVoiceOffer         = "voice_offer"
	EventVoiceAnswer        = "voice_answer"
	EventVoiceICECandidate  = "voice_ice_candidate"
)

// ConnLookup resolves a room member's live connId for direct signaling
// delivery.
type ConnLookup func(roomID types.RoomIDType, userID types.UserIDType) (types.ConnIDType, bool)

// Manager tracks each room's voice participant set and relays signaling
// messages between them.
type Manager struct {
	mu           sync.Mutex
	participants map[types.RoomIDType]map[types.UserIDType]struct{}

	bus     types.EventBus
	connFor ConnLookup
}

// New constructs a Manager.
func New(bus types.EventBus, connFor ConnLookup) *Manager {
	return &Manager{
		participants: make(map[types.RoomIDType]map[types.UserIDType]struct{}),
		bus:          bus,
		connFor:      connFor,
	}
}

func roomNamespace(roomID types.RoomIDType) string { return "/room/" + string(roomID) }

// Join adds userID to roomID's voice participant set and announces it to
// every existing participant.
func (m *Manager) Join(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	m.mu.Lock()
	set, ok := m.participants[roomID]
	if !ok {
		set = make(map[types.UserIDType]struct{})
		m.participants[roomID] = set
	}
	others := make([]types.UserIDType, 0, len(set))
	for existing := range set {
		others = append(others, existing)
	}
	set[userID] = struct{}{}
	m.mu.Unlock()

	for _, other := range others {
		conn, ok := m.connFor(roomID, other)
		if !ok {
			continue
		}
		if err := m.bus.PublishTo(ctx, roomNamespace(roomID), conn, EventUserJoinedVoice, map[string]any{
			"roomId": roomID, "userId": userID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Leave removes userID from roomID's voice participant set and notifies
// the remaining participants. Safe to call on an unknown user (disconnect
// path may call this even if the user never joined voice).
func (m *Manager) Leave(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	m.mu.Lock()
	set, ok := m.participants[roomID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, present := set[userID]; !present {
		m.mu.Unlock()
		return nil
	}
	delete(set, userID)
	remaining := make([]types.UserIDType, 0, len(set))
	for other := range set {
		remaining = append(remaining, other)
	}
	if len(set) == 0 {
		delete(m.participants, roomID)
	}
	m.mu.Unlock()

	for _, other := range remaining {
		conn, ok := m.connFor(roomID, other)
		if !ok {
			continue
		}
		if err := m.bus.PublishTo(ctx, roomNamespace(roomID), conn, EventUserLeftVoice, map[string]any{
			"roomId": roomID, "userId": userID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Relay forwards a signaling payload verbatim to target's connection. The
// event is one of voice_offer, voice_answer, or voice_ice_candidate; the
// payload body (sdp/candidate) is never inspected.
func (m *Manager) Relay(ctx context.Context, roomID types.RoomIDType, from, target types.UserIDType, event string, body map[string]any) error {
	conn, ok := m.connFor(roomID, target)
	if !ok {
		return fmt.Errorf("voice: target %q has no live connection in %q", target, roomID)
	}
	payload := map[string]any{"roomId": roomID, "from": from}
	for k, v := range body {
		payload[k] = v
	}
	return m.bus.PublishTo(ctx, roomNamespace(roomID), conn, event, payload)
}

// Participants returns a snapshot of roomID's current voice participant
// set, for request_mesh_connections.
func (m *Manager) Participants(roomID types.RoomIDType) []types.UserIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.participants[roomID]
	out := make([]types.UserIDType, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}
