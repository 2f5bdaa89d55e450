// Package notes implements the NotePlayingHandler / AudioRoutingHandler:
// realtime note and synth-parameter fan-out, with an optional coalescing
// batcher for non-critical events (spec.md §4.6).
package notes

import (
	"context"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const (
	EventNotePlayed                   = "note_played"
	EventStopAllNotes                 = "stop_all_notes"
	EventInstrumentChanged            = "instrument_changed"
	EventRoomStateUpdated             = "room_state_updated"
	EventSynthParamsChanged           = "synth_params_changed"
	EventRequestSynthParamsResponse   = "request_synth_params_response"
	EventAutoSendSynthParamsToNewUser = "auto_send_synth_params_to_new_user"
)

const categorySynthesizer = "synthesizer"

// ConnLookup resolves a room member's live connId, used to address
// requests at a specific synth-param holder.
type ConnLookup func(roomID types.RoomIDType, userID types.UserIDType) (types.ConnIDType, bool)

// NotePlay is the inbound play_note payload.
type NotePlay struct {
	Notes       []string `json:"notes"`
	Velocity    float64  `json:"velocity"`
	Instrument  string   `json:"instrument"`
	Category    string   `json:"category"`
	EventType   string   `json:"eventType"`
	IsKeyHeld   bool     `json:"isKeyHeld"`
}

// Handler fans out note, instrument, and synth-parameter events for a
// session, persisting per-user state into the room registry.
type Handler struct {
	rooms   *room.Registry
	bus     types.EventBus
	batcher *Batcher
	connFor ConnLookup
}

// New constructs a Handler. batcher may be nil to disable coalescing
// entirely (every event is published directly, still respecting the
// critical/non-critical split only insofar as there's nothing left to
// bypass).
func New(rooms *room.Registry, bus types.EventBus, batcher *Batcher, connFor ConnLookup) *Handler {
	return &Handler{rooms: rooms, bus: bus, batcher: batcher, connFor: connFor}
}

func roomNamespace(roomID types.RoomIDType) string { return "/room/" + string(roomID) }

// PlayNote updates the player's current instrument/category and publishes
// note_played to everyone else on the room namespace. Notes are critical:
// never coalesced, never dropped.
func (h *Handler) PlayNote(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, senderConn types.ConnIDType, note NotePlay) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	r.MutateUser(userID, func(u *types.User) {
		u.CurrentInstrument = note.Instrument
		u.CurrentCategory = note.Category
	})

	return h.bus.PublishExcept(ctx, roomNamespace(roomID), senderConn, EventNotePlayed, map[string]any{
		"userId":     userID,
		"notes":      note.Notes,
		"velocity":   note.Velocity,
		"instrument": note.Instrument,
		"category":   note.Category,
		"eventType":  note.EventType,
		"isKeyHeld":  note.IsKeyHeld,
	})
}

// StopAllNotes publishes stop_all_notes to everyone else, e.g. on
// disconnect or explicit stop.
func (h *Handler) StopAllNotes(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, senderConn types.ConnIDType) error {
	return h.bus.PublishExcept(ctx, roomNamespace(roomID), senderConn, EventStopAllNotes, map[string]any{
		"userId": userID,
	})
}

// ChangeInstrument persists the new instrument/category and publishes, in
// order: stop_all_notes, instrument_changed (both excluding sender), then
// room_state_updated (to all). The order matters: listeners may still be
// decaying notes from the previous instrument.
func (h *Handler) ChangeInstrument(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, senderConn types.ConnIDType, instrument, category string) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	r.MutateUser(userID, func(u *types.User) {
		u.CurrentInstrument = instrument
		u.CurrentCategory = category
	})

	ns := roomNamespace(roomID)
	if err := h.bus.PublishExcept(ctx, ns, senderConn, EventStopAllNotes, map[string]any{"userId": userID}); err != nil {
		return err
	}
	if err := h.bus.PublishExcept(ctx, ns, senderConn, EventInstrumentChanged, map[string]any{
		"userId": userID, "instrument": instrument, "category": category,
	}); err != nil {
		return err
	}
	return h.bus.Publish(ctx, ns, EventRoomStateUpdated, map[string]any{"roomId": roomID, "users": r.Users()})
}

// UpdateSynthParams stores params on the user record and broadcasts
// synth_params_changed excluding the sender. Params are an opaque blob.
func (h *Handler) UpdateSynthParams(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, senderConn types.ConnIDType, params []byte) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	r.MutateUser(userID, func(u *types.User) {
		u.SynthParams = params
	})

	return h.bus.PublishExcept(ctx, roomNamespace(roomID), senderConn, EventSynthParamsChanged, map[string]any{
		"userId": userID,
		"params": params,
	})
}

// RequestSynthParams answers a direct request for a user's current synth
// params, addressed back to the requester's connection only.
func (h *Handler) RequestSynthParams(ctx context.Context, roomID types.RoomIDType, requesterConn types.ConnIDType, targetUserID types.UserIDType) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	u, ok := r.User(targetUserID)
	if !ok {
		return nil
	}
	return h.bus.PublishTo(ctx, roomNamespace(roomID), requesterConn, EventRequestSynthParamsResponse, map[string]any{
		"userId": targetUserID,
		"params": u.SynthParams,
	})
}

// NotifyNewUserOfSynthUsers asks every existing synthesizer user in the
// room to (re-)send their current params to newUserID, so the new
// arrival's client can reconstruct state it missed.
func (h *Handler) NotifyNewUserOfSynthUsers(ctx context.Context, roomID types.RoomIDType, newUserID types.UserIDType, newUsername string) error {
	r, ok := h.rooms.Peek(roomID)
	if !ok {
		return nil
	}
	for _, u := range r.Users() {
		if u.ID == newUserID || u.CurrentCategory != categorySynthesizer {
			continue
		}
		conn, ok := h.connFor(roomID, u.ID)
		if !ok {
			continue
		}
		if err := h.bus.PublishTo(ctx, roomNamespace(roomID), conn, EventAutoSendSynthParamsToNewUser, map[string]any{
			"newUserId":   newUserID,
			"newUsername": newUsername,
		}); err != nil {
			return err
		}
	}
	return nil
}
