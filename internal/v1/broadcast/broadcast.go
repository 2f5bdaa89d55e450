// Package broadcast implements the BroadcastHandler: owner-only HLS audio
// ingest, delegating encode/mux work to an external BroadcastTranscoder
// (spec.md §4.9).
package broadcast

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const (
	EventBroadcastStateChanged = "broadcast_state_changed"
	EventRoomBroadcastChanged  = "room_broadcast_changed"
	EventBroadcastError        = "broadcast_error"
	EventBroadcastState        = "broadcast_state"
)

const lobbyMonitorNamespace = "/lobby-monitor"

// Handler drives one room's owner-only broadcast lifecycle.
type Handler struct {
	rooms       *room.Registry
	bus         types.EventBus
	transcoder  types.BroadcastTranscoder
}

// New constructs a Handler. transcoder may be nil in deployments that
// never enable broadcasting; Toggle then always fails closed.
func New(rooms *room.Registry, bus types.EventBus, transcoder types.BroadcastTranscoder) *Handler {
	return &Handler{rooms: rooms, bus: bus, transcoder: transcoder}
}

func roomNamespace(roomID types.RoomIDType) string { return "/room/" + string(roomID) }

// Toggle starts or stops roomID's broadcast. Only the room owner may call
// this; a non-owner attempt is silently dropped (not errored back to an
// untrusted caller).
func (h *Handler) Toggle(ctx context.Context, roomID types.RoomIDType, callerID types.UserIDType, on bool) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return fmt.Errorf("broadcast: room %q not found", roomID)
	}
	if r.OwnerID() != callerID {
		return nil // silently dropped per spec.md §4.9
	}
	if h.transcoder == nil {
		h.publishError(ctx, roomID, "broadcast transcoder unavailable")
		return fmt.Errorf("broadcast: no transcoder configured")
	}

	current := r.Broadcast()
	if on == current.Active {
		return nil
	}

	if on {
		if err := h.transcoder.Start(ctx, roomID); err != nil {
			h.publishError(ctx, roomID, "failed to start broadcast")
			return err
		}
		r.SetBroadcast(types.BroadcastState{Active: true, BroadcasterID: callerID, PlaylistURL: h.transcoder.PlaylistURL(roomID)})
	} else {
		if err := h.transcoder.Stop(ctx, roomID); err != nil {
			h.publishError(ctx, roomID, "failed to stop broadcast")
			return err
		}
		r.SetBroadcast(types.BroadcastState{Active: false})
	}

	return h.announce(ctx, roomID, r)
}

func (h *Handler) announce(ctx context.Context, roomID types.RoomIDType, r *room.Room) error {
	state := r.Broadcast()
	if err := h.bus.Publish(ctx, roomNamespace(roomID), EventBroadcastStateChanged, map[string]any{
		"active":      state.Active,
		"playlistUrl": state.PlaylistURL,
	}); err != nil {
		return err
	}
	return h.bus.Publish(ctx, lobbyMonitorNamespace, EventRoomBroadcastChanged, map[string]any{
		"roomId": roomID,
		"active": state.Active,
	})
}

// IngestChunk decodes a base64 audio chunk from the owner and forwards it
// to the transcoder, but only while the broadcast is active and callerID
// is the owner. Any other attempt is silently dropped.
func (h *Handler) IngestChunk(ctx context.Context, roomID types.RoomIDType, callerID types.UserIDType, base64Chunk string) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok || r.OwnerID() != callerID || !r.Broadcast().Active || h.transcoder == nil {
		return nil
	}

	chunk, err := base64.StdEncoding.DecodeString(base64Chunk)
	if err != nil {
		return nil // malformed chunk, silently dropped
	}
	return h.transcoder.WriteChunk(ctx, roomID, chunk)
}

// RequestState answers a request_broadcast_state query with the room's
// current broadcast state.
func (h *Handler) RequestState(ctx context.Context, roomID types.RoomIDType, requesterConn types.ConnIDType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	state := r.Broadcast()
	return h.bus.PublishTo(ctx, roomNamespace(roomID), requesterConn, EventBroadcastState, map[string]any{
		"active":      state.Active,
		"playlistUrl": state.PlaylistURL,
	})
}

// BroadcasterLeft stops an active broadcast when the user who started it
// leaves the room, per spec.md §4.9's "owner leaving while active stops
// the broadcast". This is keyed on the broadcast's BroadcasterID rather
// than the room's current owner: an ownership transfer does not stop an
// in-progress stream, but the original streamer's departure still must,
// even after they've been demoted to band_member.
func (h *Handler) BroadcasterLeft(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	state := r.Broadcast()
	if !state.Active || state.BroadcasterID != userID {
		return nil
	}
	if h.transcoder != nil {
		_ = h.transcoder.Stop(ctx, roomID)
	}
	r.SetBroadcast(types.BroadcastState{Active: false})
	return h.announce(ctx, roomID, r)
}

func (h *Handler) publishError(ctx context.Context, roomID types.RoomIDType, message string) {
	_ = h.bus.Publish(ctx, roomNamespace(roomID), EventBroadcastError, map[string]any{"message": message})
}
