// Package lifecycle implements the RoomLifecycleHandler (spec.md §4.3): room
// creation, join/leave/grace/kick/ownership-transfer, and the Router seam
// that dispatches every inbound client message to the domain package that
// owns it.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/approval"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/broadcast"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/grace"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metronome"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/notes"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/registry"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/swap"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/voice"
)

const lobbyMonitorNamespace = "/lobby-monitor"

func roomNamespace(roomID types.RoomIDType) string     { return "/room/" + string(roomID) }
func approvalNamespace(roomID types.RoomIDType) string { return "/approval/" + string(roomID) }

const (
	EventUserJoined              = "user_joined"
	EventUserLeft                = "user_left"
	EventUserKicked              = "user_kicked"
	EventOwnershipTransferred    = "ownership_transferred"
	EventRoomStateUpdated        = "room_state_updated"
	EventKickError               = "kick_error"
	EventMembershipError          = "membership_error"
	EventRoomCreated              = "room_created"
	EventSequencerStateRequested  = "sequencer_state_requested"
	EventSequencerState           = "sequencer_state"
)

// CreateParams is the input to Create, mirroring spec.md §4.3's
// create(ownerId, params).
type CreateParams struct {
	Name        string
	Description string
	Kind        types.RoomKind
	Visibility  types.RoomVisibility
	Hidden      bool
	DefaultBPM  int
}

// Config bundles the timers and caps the handler needs, sourced from
// process configuration.
type Config struct {
	ApprovalTimeout time.Duration
	GracePeriod     time.Duration
}

// Handler is the RoomLifecycleHandler: it owns room creation/teardown and
// is the single types.Router implementation that every transport Client
// dispatches inbound envelopes through.
type Handler struct {
	cfg Config

	rooms   *room.Registry
	sessReg *registry.SessionRegistry
	grace   *grace.Registry
	bus     types.EventBus

	approvals  *approval.Manager
	swaps      *swap.Manager
	notesH     *notes.Handler
	batcher    *notes.Batcher
	metronomes *metronome.Scheduler
	voices     *voice.Manager
	broadcasts *broadcast.Handler

	idGen func() types.RoomIDType
}

// Deps bundles the already-constructed collaborators a Handler wires
// together. approvals' JoinCommitter must be wired back to h.commitApprovedJoin
// after construction, since approval.Manager and Handler are mutually
// referential; New does this internally.
type Deps struct {
	Rooms      *room.Registry
	SessReg    *registry.SessionRegistry
	Grace      *grace.Registry
	Bus        types.EventBus
	Swaps      *swap.Manager
	Notes      *notes.Handler
	Batcher    *notes.Batcher
	Metronomes *metronome.Scheduler
	Voices     *voice.Manager
	Broadcasts *broadcast.Handler
	IDGen      func() types.RoomIDType
}

// New constructs a Handler and its internal approval.Manager (which needs
// a callback into Handler.commitApprovedJoin).
func New(cfg Config, d Deps) *Handler {
	h := &Handler{
		cfg:        cfg,
		rooms:      d.Rooms,
		sessReg:    d.SessReg,
		grace:      d.Grace,
		bus:        d.Bus,
		swaps:      d.Swaps,
		notesH:     d.Notes,
		batcher:    d.Batcher,
		metronomes: d.Metronomes,
		voices:     d.Voices,
		broadcasts: d.Broadcasts,
		idGen:      d.IDGen,
	}
	h.approvals = approval.New(d.Rooms, d.SessReg, d.Bus, cfg.ApprovalTimeout, h.commitApprovedJoin)
	return h
}

// Create allocates a Room, inserts ownerID as room_owner, creates its two
// namespaces, starts its metronome, and announces it on the lobby unless
// hidden.
func (h *Handler) Create(ctx context.Context, ownerID types.UserIDType, ownerUsername string, params CreateParams) (*room.Room, error) {
	id := h.idGen()
	r := room.New(id, params.Name, params.Description, params.Kind, params.Visibility, params.Hidden, ownerID, ownerUsername, params.DefaultBPM)
	if !h.rooms.Insert(r) {
		return nil, fmt.Errorf("lifecycle: room id collision for %q", id)
	}

	h.bus.CreateNamespace(roomNamespace(id))
	h.bus.CreateNamespace(approvalNamespace(id))
	h.metronomes.Start(id)

	if !params.Hidden {
		_ = h.bus.Publish(ctx, lobbyMonitorNamespace, EventRoomCreated, map[string]any{
			"roomId":     id,
			"name":       params.Name,
			"visibility": params.Visibility,
			"kind":       params.Kind,
		})
	}

	slog.Info("room created", "roomId", id, "ownerId", ownerID, "visibility", params.Visibility)
	return r, nil
}

// Join attaches connID for userID to roomID: restoring a grace-period
// snapshot, inserting directly into a public room, or delegating to the
// approval workflow for a private one. State mutation always happens
// before the corresponding publish, per spec.md §4.3's ordering law.
func (h *Handler) Join(ctx context.Context, connID types.ConnIDType, roomID types.RoomIDType, userID types.UserIDType, username string, requestedRole types.RoleType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("lifecycle: room %q not found", roomID)
	}

	if entry, ok := h.grace.Reconnect(roomID, userID); ok {
		snapshot := entry.Snapshot
		if !r.InsertUser(snapshot) {
			return fmt.Errorf("lifecycle: grace restore collided with existing member %q", userID)
		}
		h.attach(connID, roomID, userID)
		h.publishUserJoined(ctx, roomID, userID, false)
		return nil
	}

	if r.Visibility == types.RoomVisibilityPublic {
		u := types.User{ID: userID, Username: username, Role: requestedRole}
		if requestedRole == "" {
			u.Role = types.RoleBandMember
		}
		if !r.InsertUser(u) {
			return fmt.Errorf("lifecycle: user %q already in room %q", userID, roomID)
		}
		h.attach(connID, roomID, userID)
		h.publishUserJoined(ctx, roomID, userID, false)
		return nil
	}

	role := requestedRole
	if role == "" {
		role = types.RoleBandMember
	}
	return h.approvals.Request(ctx, roomID, userID, username, role, connID)
}

// commitApprovedJoin is the approval.JoinCommitter: it finishes an
// approved private-room join by attaching the requester's session and
// announcing it, mirroring the public-join tail of Join.
func (h *Handler) commitApprovedJoin(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, connID types.ConnIDType) {
	h.attach(connID, roomID, userID)
	h.publishUserJoined(ctx, roomID, userID, false)
}

func (h *Handler) attach(connID types.ConnIDType, roomID types.RoomIDType, userID types.UserIDType) {
	h.sessReg.Attach(connID, roomID, userID, roomNamespace(roomID), func(staleConn types.ConnIDType) {
		h.bus.Unsubscribe(roomNamespace(roomID), staleConn)
	})
	h.rooms.CancelCleanup(roomID)
	metrics.RoomParticipants.WithLabelValues(string(roomID)).Inc()
}

func (h *Handler) publishUserJoined(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, temporary bool) {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return
	}
	u, ok := r.User(userID)
	if !ok {
		return
	}
	_ = h.bus.Publish(ctx, roomNamespace(roomID), EventUserJoined, map[string]any{
		"roomId": roomID,
		"user":   u,
	})
}

// Leave tears down connID's session. An intended leave removes the user
// immediately; an unintended one (connection drop) starts a grace-period
// window so a reconnect can restore state silently.
func (h *Handler) Leave(ctx context.Context, connID types.ConnIDType, intended bool) error {
	sess, ok := h.sessReg.ByConn(connID)
	if !ok {
		return nil
	}
	h.sessReg.Detach(connID)
	h.bus.Unsubscribe(roomNamespace(sess.RoomID), connID)

	if h.approvals.Has(sess.RoomID, sess.UserID) {
		if intended {
			_ = h.approvals.Cancel(ctx, sess.RoomID, sess.UserID)
		} else {
			_ = h.approvals.Disconnect(ctx, sess.RoomID, sess.UserID)
		}
	}

	r, ok := h.rooms.Peek(sess.RoomID)
	if !ok {
		return nil
	}

	if intended {
		u, removed := r.RemoveUser(sess.UserID)
		if !removed {
			return nil
		}
		h.swaps.ClearForUser(sess.RoomID, sess.UserID)
		metrics.RoomParticipants.WithLabelValues(string(sess.RoomID)).Dec()
		_ = h.broadcasts.BroadcasterLeft(ctx, sess.RoomID, sess.UserID)
		_ = h.bus.Publish(ctx, roomNamespace(sess.RoomID), EventUserLeft, map[string]any{
			"roomId":    sess.RoomID,
			"userId":    sess.UserID,
			"temporary": false,
		})
		_ = u
		h.scheduleCleanupIfEmpty(sess.RoomID)
		return nil
	}

	u, removed := r.RemoveUser(sess.UserID)
	if !removed {
		return nil
	}
	h.swaps.ClearForUser(sess.RoomID, sess.UserID)
	metrics.RoomParticipants.WithLabelValues(string(sess.RoomID)).Dec()
	_ = h.broadcasts.BroadcasterLeft(ctx, sess.RoomID, sess.UserID)
	h.grace.Add(sess.RoomID, sess.UserID, roomNamespace(sess.RoomID), u.Clone(), h.cfg.GracePeriod)
	_ = h.bus.Publish(ctx, roomNamespace(sess.RoomID), EventUserLeft, map[string]any{
		"roomId":    sess.RoomID,
		"userId":    sess.UserID,
		"temporary": true,
	})
	h.scheduleCleanupIfEmpty(sess.RoomID)
	return nil
}

func (h *Handler) scheduleCleanupIfEmpty(roomID types.RoomIDType) {
	if r, ok := h.rooms.Peek(roomID); ok && r.IsEmpty() {
		h.rooms.ScheduleCleanup(roomID)
	}
}

// EligibleForGC expresses the room.EmptyChecker rule (main.go wires an
// equivalent closure over the grace registry): a room with an
// outstanding grace-period entry is not yet eligible for collection.
func (h *Handler) EligibleForGC(roomID types.RoomIDType) bool {
	return !h.grace.AnyInRoom(roomID)
}

// Kick removes targetUserID from roomID on behalf of callerID.
// Only the current owner may kick.
func (h *Handler) Kick(ctx context.Context, roomID types.RoomIDType, callerID, targetUserID types.UserIDType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("lifecycle: room %q not found", roomID)
	}
	if r.OwnerID() != callerID {
		h.publishMembershipError(ctx, roomID, callerID, EventKickError, "not authorized to kick")
		return fmt.Errorf("lifecycle: %q is not authorized to kick in %q", callerID, roomID)
	}
	if targetUserID == callerID {
		h.publishMembershipError(ctx, roomID, callerID, EventKickError, "cannot kick yourself")
		return fmt.Errorf("lifecycle: %q cannot kick self", callerID)
	}

	if _, removed := r.RemoveUser(targetUserID); !removed {
		h.publishMembershipError(ctx, roomID, callerID, EventKickError, "user not in room")
		return fmt.Errorf("lifecycle: target %q not in room %q", targetUserID, roomID)
	}
	metrics.RoomParticipants.WithLabelValues(string(roomID)).Dec()
	h.swaps.ClearForUser(roomID, targetUserID)

	if targetConn, ok := h.sessReg.ConnByUser(roomID, targetUserID); ok {
		h.sessReg.Detach(targetConn)
		h.bus.Unsubscribe(roomNamespace(roomID), targetConn)
		_ = h.bus.PublishTo(ctx, roomNamespace(roomID), targetConn, EventUserKicked, map[string]any{
			"roomId": roomID,
			"userId": targetUserID,
		})
	}

	_ = h.bus.Publish(ctx, roomNamespace(roomID), EventUserKicked, map[string]any{
		"roomId": roomID,
		"userId": targetUserID,
	})
	_ = h.bus.Publish(ctx, roomNamespace(roomID), EventRoomStateUpdated, map[string]any{
		"roomId": roomID,
		"users":  r.Users(),
	})
	h.scheduleCleanupIfEmpty(roomID)
	return nil
}

// TransferOwnership makes newOwnerID the owner of roomID, on behalf of
// currentOwnerID. newOwnerID must already be a room member.
func (h *Handler) TransferOwnership(ctx context.Context, roomID types.RoomIDType, currentOwnerID, newOwnerID types.UserIDType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("lifecycle: room %q not found", roomID)
	}
	if r.OwnerID() != currentOwnerID {
		h.publishMembershipError(ctx, roomID, currentOwnerID, EventMembershipError, "not authorized to transfer ownership")
		return fmt.Errorf("lifecycle: %q is not authorized to transfer ownership in %q", currentOwnerID, roomID)
	}
	if !r.TransferOwnership(newOwnerID) {
		h.publishMembershipError(ctx, roomID, currentOwnerID, EventMembershipError, "new owner not in room")
		return fmt.Errorf("lifecycle: new owner %q not in room %q", newOwnerID, roomID)
	}

	_ = h.bus.Publish(ctx, roomNamespace(roomID), EventOwnershipTransferred, map[string]any{
		"roomId":      roomID,
		"newOwnerId":  newOwnerID,
		"previousOwnerId": currentOwnerID,
	})
	return nil
}

func (h *Handler) publishMembershipError(ctx context.Context, roomID types.RoomIDType, fromUserID types.UserIDType, event, message string) {
	if conn, ok := h.sessReg.ConnByUser(roomID, fromUserID); ok {
		_ = h.bus.PublishTo(ctx, roomNamespace(roomID), conn, event, map[string]string{"message": message})
	}
}

// SequencerState returns the room's last-known sequencer pattern, or nil.
func (h *Handler) SequencerState(roomID types.RoomIDType) json.RawMessage {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	return r.SequencerState()
}

// Shutdown stops every owned timer-bearing collaborator. Used on process
// shutdown so no timer fires after its dependencies are torn down.
func (h *Handler) Shutdown() {
	h.approvals.Shutdown()
	h.metronomes.ShutdownAll()
	h.rooms.Shutdown()
	h.grace.Shutdown()
}
