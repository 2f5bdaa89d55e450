// Package swap implements the InstrumentSwapHandler: a two-party
// request/accept protocol that atomically exchanges instrument, category,
// and synth-param state between two room members (spec.md §4.5).
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const (
	EventSwapRequestSent     = "swap_request_sent"
	EventSwapRequestReceived = "swap_request_received"
	EventSwapCompleted       = "swap_completed"
	EventSwapRejected        = "swap_rejected"
	EventSwapCancelled       = "swap_cancelled"
	EventSwapError           = "swap_error"
	EventInstrumentChanged   = "instrument_changed"
	EventSynthParamsChanged  = "synth_params_changed"
)

const categorySynthesizer = "synthesizer"

type key struct {
	roomID   types.RoomIDType
	requester types.UserIDType
}

// PendingSwap is a one-slot reservation: requester has asked target to
// exchange instruments. At most one per requester per room.
type PendingSwap struct {
	Target types.UserIDType
}

// ConnLookup resolves a room member's live connId for direct delivery.
// Supplied by the lifecycle handler via internal/v1/registry.
type ConnLookup func(roomID types.RoomIDType, userID types.UserIDType) (types.ConnIDType, bool)

// Manager owns every in-flight PendingSwap, at most one per (roomId,
// requesterId).
type Manager struct {
	mu      sync.Mutex
	pending map[key]PendingSwap

	rooms    *room.Registry
	bus      types.EventBus
	connFor  ConnLookup
}

// New constructs a Manager.
func New(rooms *room.Registry, bus types.EventBus, connFor ConnLookup) *Manager {
	return &Manager{
		pending: make(map[key]PendingSwap),
		rooms:   rooms,
		bus:     bus,
		connFor: connFor,
	}
}

func roomNamespace(roomID types.RoomIDType) string { return "/room/" + string(roomID) }

// Request stores a pending swap from requester to target. Rejected if
// either party is audience, target is missing, or requester already has a
// pending swap.
func (m *Manager) Request(ctx context.Context, roomID types.RoomIDType, requester, target types.UserIDType) error {
	r, ok := m.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("swap: room %q not found", roomID)
	}

	reqUser, ok := r.User(requester)
	if !ok || reqUser.Role == types.RoleAudience {
		m.publishError(ctx, roomID, requester, "requester is not eligible to swap instruments")
		return fmt.Errorf("swap: requester %q ineligible", requester)
	}
	targetUser, ok := r.User(target)
	if !ok || targetUser.Role == types.RoleAudience {
		m.publishError(ctx, roomID, requester, "target is not eligible to swap instruments")
		return fmt.Errorf("swap: target %q ineligible", target)
	}

	k := key{roomID, requester}
	m.mu.Lock()
	if _, exists := m.pending[k]; exists {
		m.mu.Unlock()
		m.publishError(ctx, roomID, requester, "a swap request is already pending")
		return fmt.Errorf("swap: requester %q already has a pending swap in %q", requester, roomID)
	}
	m.pending[k] = PendingSwap{Target: target}
	m.mu.Unlock()

	m.publishTo(ctx, roomID, requester, EventSwapRequestSent, map[string]any{
		"roomId": roomID, "target": target,
	})
	m.publishTo(ctx, roomID, target, EventSwapRequestReceived, map[string]any{
		"roomId": roomID, "requester": requester,
	})
	return nil
}

// Approve executes the atomic swap. Only the stored target may call this.
func (m *Manager) Approve(ctx context.Context, roomID types.RoomIDType, requester, approver types.UserIDType) error {
	r, ok := m.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("swap: room %q not found", roomID)
	}

	pending, ok := m.take(roomID, requester)
	if !ok {
		return fmt.Errorf("swap: no pending swap from %q in %q", requester, roomID)
	}
	if pending.Target != approver {
		return fmt.Errorf("swap: %q is not the target of %q's swap request", approver, requester)
	}

	reqUser, reqOK := r.User(requester)
	tgtUser, tgtOK := r.User(approver)
	if !reqOK || !tgtOK || reqUser.CurrentInstrument == "" || reqUser.CurrentCategory == "" ||
		tgtUser.CurrentInstrument == "" || tgtUser.CurrentCategory == "" {
		m.publishError(ctx, roomID, requester, "both parties must have an instrument selected to swap")
		m.publishError(ctx, roomID, approver, "both parties must have an instrument selected to swap")
		return fmt.Errorf("swap: incomplete instrument state for %q/%q in %q", requester, approver, roomID)
	}

	reqInstrument, reqCategory, reqParams := reqUser.CurrentInstrument, reqUser.CurrentCategory, reqUser.SynthParams
	tgtInstrument, tgtCategory, tgtParams := tgtUser.CurrentInstrument, tgtUser.CurrentCategory, tgtUser.SynthParams

	r.MutateUser(requester, func(u *types.User) {
		u.CurrentInstrument = tgtInstrument
		u.CurrentCategory = tgtCategory
		if tgtCategory == categorySynthesizer && len(tgtParams) > 0 {
			u.SynthParams = tgtParams
		} else {
			u.SynthParams = nil
		}
	})
	r.MutateUser(approver, func(u *types.User) {
		u.CurrentInstrument = reqInstrument
		u.CurrentCategory = reqCategory
		if reqCategory == categorySynthesizer && len(reqParams) > 0 {
			u.SynthParams = reqParams
		} else {
			u.SynthParams = nil
		}
	})

	ns := roomNamespace(roomID)
	_ = m.bus.Publish(ctx, ns, EventSwapCompleted, map[string]any{
		"roomId": roomID, "userA": requester, "userB": approver,
	})

	newReq, _ := r.User(requester)
	newTgt, _ := r.User(approver)

	_ = m.bus.Publish(ctx, ns, EventInstrumentChanged, instrumentChangedPayload(requester, newReq))
	_ = m.bus.Publish(ctx, ns, EventInstrumentChanged, instrumentChangedPayload(approver, newTgt))

	if newReq.CurrentCategory == categorySynthesizer && len(newReq.SynthParams) > 0 {
		_ = m.bus.Publish(ctx, ns, EventSynthParamsChanged, synthParamsPayload(requester, newReq.SynthParams))
	}
	if newTgt.CurrentCategory == categorySynthesizer && len(newTgt.SynthParams) > 0 {
		_ = m.bus.Publish(ctx, ns, EventSynthParamsChanged, synthParamsPayload(approver, newTgt.SynthParams))
	}
	return nil
}

func instrumentChangedPayload(userID types.UserIDType, u types.User) map[string]any {
	return map[string]any{
		"userId":     userID,
		"instrument": u.CurrentInstrument,
		"category":   u.CurrentCategory,
	}
}

func synthParamsPayload(userID types.UserIDType, params json.RawMessage) map[string]any {
	return map[string]any{
		"userId": userID,
		"params": params,
	}
}

// Reject clears the pending swap and notifies the requester. Only the
// stored target may call this.
func (m *Manager) Reject(ctx context.Context, roomID types.RoomIDType, requester, rejecter types.UserIDType) error {
	pending, ok := m.take(roomID, requester)
	if !ok {
		return fmt.Errorf("swap: no pending swap from %q in %q", requester, roomID)
	}
	if pending.Target != rejecter {
		return fmt.Errorf("swap: %q is not the target of %q's swap request", rejecter, requester)
	}

	m.publishTo(ctx, roomID, requester, EventSwapRejected, map[string]any{
		"roomId": roomID, "by": rejecter,
	})
	return nil
}

// Cancel clears the pending swap on the requester's own initiative and
// notifies the target.
func (m *Manager) Cancel(ctx context.Context, roomID types.RoomIDType, requester types.UserIDType) error {
	pending, ok := m.take(roomID, requester)
	if !ok {
		return nil
	}
	m.publishTo(ctx, roomID, pending.Target, EventSwapCancelled, map[string]any{
		"roomId": roomID, "requester": requester,
	})
	return nil
}

func (m *Manager) take(roomID types.RoomIDType, requester types.UserIDType) (PendingSwap, bool) {
	k := key{roomID, requester}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[k]
	if !ok {
		return PendingSwap{}, false
	}
	delete(m.pending, k)
	return p, true
}

// ClearForUser drops any pending swap where userID is the requester, e.g.
// on leave/disconnect. Does not notify the other side.
func (m *Manager) ClearForUser(roomID types.RoomIDType, userID types.UserIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key{roomID, userID})
}

func (m *Manager) publishTo(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, event string, payload any) {
	if m.connFor == nil {
		_ = m.bus.Publish(ctx, roomNamespace(roomID), event, payload)
		return
	}
	conn, ok := m.connFor(roomID, userID)
	if !ok {
		return
	}
	_ = m.bus.PublishTo(ctx, roomNamespace(roomID), conn, event, payload)
}

func (m *Manager) publishError(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, message string) {
	m.publishTo(ctx, roomID, userID, EventSwapError, map[string]any{"message": message})
}
