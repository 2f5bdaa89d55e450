// Package approval implements the ApprovalSessionManager and the
// ApprovalWorkflowHandler state machine for private-room joins (spec §4.4):
// request -> PENDING -> approve/reject/cancel/timeout/disconnect.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/registry"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const (
	EventApprovalPending    = "approval_pending"
	EventNewMemberRequest   = "new_member_request"
	EventApprovalSuccess    = "approval_success"
	EventApprovalGranted    = "approval_granted"
	EventApprovalRejected   = "approval_rejected"
	EventApprovalCancelled  = "approval_cancelled"
	EventApprovalTimedOut   = "approval_timed_out"
	EventApprovalError      = "approval_error"
)

// Outcome is the terminal result of an approval session.
type Outcome string

const (
	OutcomeApproved Outcome = "approve"
	OutcomeRejected Outcome = "reject"
	OutcomeCanceled Outcome = "cancel"
	OutcomeTimedOut Outcome = "timeout"
	OutcomeAbandoned Outcome = "disconnect"
)

type key struct {
	roomID types.RoomIDType
	userID types.UserIDType
}

type session struct {
	types.User
	ConnID    types.ConnIDType
	CreatedAt types.Timestamp
	timer     *time.Timer
}

// JoinCommitter is invoked when a PENDING session resolves to approve, so
// the lifecycle handler can finish the join (attach the requester's
// connection to the room's session registry, publish user_joined, etc.)
// without approval depending on the transport package. connID is the
// requester's own connection, captured at request() time.
type JoinCommitter func(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, connID types.ConnIDType)

// Manager owns every in-flight approval session, at most one per
// (userId, roomId).
type Manager struct {
	mu       sync.Mutex
	sessions map[key]*session
	timeout  time.Duration

	rooms    *room.Registry
	sessReg  *registry.SessionRegistry
	bus      types.EventBus
	onJoin   JoinCommitter
}

// New constructs a Manager. onJoin may be nil in tests that only exercise
// the state machine's bookkeeping.
func New(rooms *room.Registry, sessReg *registry.SessionRegistry, bus types.EventBus, timeout time.Duration, onJoin JoinCommitter) *Manager {
	return &Manager{
		sessions: make(map[key]*session),
		timeout:  timeout,
		rooms:    rooms,
		sessReg:  sessReg,
		bus:      bus,
		onJoin:   onJoin,
	}
}

func approvalNamespace(roomID types.RoomIDType) string {
	return "/approval/" + string(roomID)
}

func roomNamespace(roomID types.RoomIDType) string {
	return "/room/" + string(roomID)
}

// Request begins the PENDING state for (userID, roomID). Preconditions:
// room exists, requester not already in users or pendingMembers, and no
// existing approval session for the pair.
func (m *Manager) Request(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, username string, role types.RoleType, connID types.ConnIDType) error {
	r, ok := m.rooms.Peek(roomID)
	if !ok {
		m.publishError(ctx, roomID, connID, "room not found")
		return fmt.Errorf("approval: room %q not found", roomID)
	}

	k := key{roomID, userID}

	m.mu.Lock()
	if _, exists := m.sessions[k]; exists {
		m.mu.Unlock()
		m.publishError(ctx, roomID, connID, "approval already pending")
		return fmt.Errorf("approval: session already pending for %q in %q", userID, roomID)
	}
	m.mu.Unlock()

	if _, exists := r.User(userID); exists {
		m.publishError(ctx, roomID, connID, "already joined")
		return fmt.Errorf("approval: user %q already joined %q", userID, roomID)
	}

	u := types.User{ID: userID, Username: username, Role: role}
	if !r.InsertPending(u) {
		m.publishError(ctx, roomID, connID, "already pending")
		return fmt.Errorf("approval: user %q already pending in %q", userID, roomID)
	}

	s := &session{User: u, ConnID: connID, CreatedAt: types.NowMillis()}
	s.timer = time.AfterFunc(m.timeout, func() {
		m.resolveTimeout(roomID, userID)
	})

	m.mu.Lock()
	m.sessions[k] = s
	metrics.ApprovalSessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	_ = m.bus.PublishTo(ctx, approvalNamespace(roomID), connID, EventApprovalPending, map[string]any{
		"roomId": roomID,
		"userId": userID,
	})

	if ownerConn, ok := m.sessReg.ConnByUser(roomID, r.OwnerID()); ok {
		_ = m.bus.PublishTo(ctx, roomNamespace(roomID), ownerConn, EventNewMemberRequest, map[string]any{
			"roomId":   roomID,
			"userId":   userID,
			"username": username,
			"role":     role,
		})
	}

	return nil
}

// Approve accepts the pending session for userID in roomID. Only the
// room's current owner may call this; approverUserID is checked against
// the room's authoritative owner.
func (m *Manager) Approve(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, approverUserID types.UserIDType) error {
	r, ok := m.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("approval: room %q not found", roomID)
	}
	if r.OwnerID() != approverUserID {
		m.publishOwnerOnlyError(ctx, roomID, approverUserID, "approve")
		return fmt.Errorf("approval: %q is not authorized to approve in %q", approverUserID, roomID)
	}

	s, ok := m.take(roomID, userID)
	if !ok {
		return fmt.Errorf("approval: no pending session for %q in %q", userID, roomID)
	}

	if _, ok := r.ApprovePending(userID); !ok {
		return fmt.Errorf("approval: pending member %q vanished from room %q", userID, roomID)
	}

	if m.onJoin != nil {
		m.onJoin(ctx, roomID, userID, s.ConnID)
	}

	_ = m.bus.PublishTo(ctx, roomNamespace(roomID), s.ConnID, EventApprovalSuccess, map[string]any{
		"roomId": roomID,
		"userId": userID,
	})
	_ = m.bus.PublishTo(ctx, approvalNamespace(roomID), s.ConnID, EventApprovalGranted, map[string]any{
		"roomId": roomID,
		"userId": userID,
	})

	metrics.ApprovalOutcomesTotal.WithLabelValues(string(OutcomeApproved)).Inc()
	return nil
}

// Reject declines the pending session for userID. Only the room's current
// owner may call this.
func (m *Manager) Reject(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, approverUserID types.UserIDType) error {
	r, ok := m.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("approval: room %q not found", roomID)
	}
	if r.OwnerID() != approverUserID {
		m.publishOwnerOnlyError(ctx, roomID, approverUserID, "reject")
		return fmt.Errorf("approval: %q is not authorized to reject in %q", approverUserID, roomID)
	}

	s, ok := m.take(roomID, userID)
	if !ok {
		return fmt.Errorf("approval: no pending session for %q in %q", userID, roomID)
	}
	r.RemovePending(userID)

	_ = m.bus.PublishTo(ctx, approvalNamespace(roomID), s.ConnID, EventApprovalRejected, map[string]any{
		"roomId": roomID,
		"userId": userID,
	})
	metrics.ApprovalOutcomesTotal.WithLabelValues(string(OutcomeRejected)).Inc()
	return nil
}

// Cancel is accepted only when the requester cancels their own session.
func (m *Manager) Cancel(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	return m.cancelLike(ctx, roomID, userID, EventApprovalCancelled, OutcomeCanceled)
}

// Disconnect counts as a cancel, per spec.md §4.4.
func (m *Manager) Disconnect(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	return m.cancelLike(ctx, roomID, userID, "", OutcomeAbandoned)
}

func (m *Manager) cancelLike(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, notifyEvent string, outcome Outcome) error {
	r, ok := m.rooms.Peek(roomID)
	if ok {
		r.RemovePending(userID)
	}

	s, existed := m.take(roomID, userID)
	if !existed {
		return nil // already resolved elsewhere; timer-race policy: no-op
	}

	if notifyEvent != "" {
		_ = m.bus.PublishTo(ctx, approvalNamespace(roomID), s.ConnID, notifyEvent, map[string]any{
			"roomId": roomID,
			"userId": userID,
		})
	}
	metrics.ApprovalOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}

func (m *Manager) resolveTimeout(roomID types.RoomIDType, userID types.UserIDType) {
	r, ok := m.rooms.Peek(roomID)
	if ok {
		r.RemovePending(userID)
	}

	s, existed := m.take(roomID, userID)
	if !existed {
		return // lost the race to approve/reject/cancel; no-op
	}

	slog.Info("approval session timed out", "roomId", roomID, "userId", userID)
	_ = m.bus.PublishTo(context.Background(), approvalNamespace(roomID), s.ConnID, EventApprovalTimedOut, map[string]any{
		"roomId": roomID,
		"userId": userID,
	})
	metrics.ApprovalOutcomesTotal.WithLabelValues(string(OutcomeTimedOut)).Inc()
}

// take removes and returns the session for (roomID, userID) if it still
// exists, stopping its timer. The existence check under the session lock
// is what makes the approve/reject/timeout race safe: exactly one caller
// observes existed == true.
func (m *Manager) take(roomID types.RoomIDType, userID types.UserIDType) (*session, bool) {
	k := key{roomID, userID}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[k]
	if !ok {
		return nil, false
	}
	delete(m.sessions, k)
	if s.timer != nil {
		s.timer.Stop()
	}
	metrics.ApprovalSessionsActive.Set(float64(len(m.sessions)))
	return s, true
}

// Has reports whether a pending session exists for (userID, roomID).
func (m *Manager) Has(roomID types.RoomIDType, userID types.UserIDType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key{roomID, userID}]
	return ok
}

func (m *Manager) publishError(ctx context.Context, roomID types.RoomIDType, connID types.ConnIDType, message string) {
	_ = m.bus.PublishTo(ctx, approvalNamespace(roomID), connID, EventApprovalError, map[string]any{"message": message})
}

func (m *Manager) publishOwnerOnlyError(ctx context.Context, roomID types.RoomIDType, fromUserID types.UserIDType, action string) {
	if conn, ok := m.sessReg.ConnByUser(roomID, fromUserID); ok {
		_ = m.bus.PublishTo(ctx, roomNamespace(roomID), conn, EventApprovalError, map[string]any{
			"message": fmt.Sprintf("not authorized to %s", action),
		})
	}
}

// Shutdown stops every pending timer. Used on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.sessions, k)
	}
}
