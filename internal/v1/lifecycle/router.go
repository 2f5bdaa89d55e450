package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/notes"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/registry"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// Route decodes env.Event and dispatches to the domain package that owns
// it, per spec.md §6's client->server message table. Validation errors are
// reported to the originating client only; Route itself never returns an
// error to its caller (the transport layer has no use for one).
func (h *Handler) Route(ctx context.Context, client types.ClientInterface, env types.Envelope) {
	metrics.WebsocketEvents.WithLabelValues(env.Event, "received").Inc()

	sess, hasSession := h.sessReg.ByConn(client.ConnID())
	if hasSession {
		h.sessReg.Touch(client.ConnID())
	}

	switch env.Event {
	case "join_room":
		h.routeJoinRoom(ctx, client, env)
	case "leave_room":
		h.routeLeaveRoom(ctx, client, env, sess, hasSession)

	case "play_note":
		h.withSession(client, sess, hasSession, func() {
			var p notes.NotePlay
			if !decode(client, env, &p) {
				return
			}
			_ = h.notesH.PlayNote(ctx, sess.RoomID, sess.UserID, client.ConnID(), p)
		})
	case "stop_all_notes":
		h.withSession(client, sess, hasSession, func() {
			_ = h.notesH.StopAllNotes(ctx, sess.RoomID, sess.UserID, client.ConnID())
		})
	case "change_instrument":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				Instrument string `json:"instrument"`
				Category   string `json:"category"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.notesH.ChangeInstrument(ctx, sess.RoomID, sess.UserID, client.ConnID(), p.Instrument, p.Category)
		})
	case "update_synth_params":
		h.withSession(client, sess, hasSession, func() {
			_ = h.notesH.UpdateSynthParams(ctx, sess.RoomID, sess.UserID, client.ConnID(), env.Payload)
		})
	case "request_synth_params":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				TargetUserID types.UserIDType `json:"targetUserId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.notesH.RequestSynthParams(ctx, sess.RoomID, client.ConnID(), p.TargetUserID)
		})

	case "request_instrument_swap":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				TargetUserID types.UserIDType `json:"targetUserId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.swaps.Request(ctx, sess.RoomID, sess.UserID, p.TargetUserID)
		})
	case "approve_instrument_swap":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				RequesterID types.UserIDType `json:"requesterId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.swaps.Approve(ctx, sess.RoomID, p.RequesterID, sess.UserID)
		})
	case "reject_instrument_swap":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				RequesterID types.UserIDType `json:"requesterId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.swaps.Reject(ctx, sess.RoomID, p.RequesterID, sess.UserID)
		})
	case "cancel_instrument_swap":
		h.withSession(client, sess, hasSession, func() {
			_ = h.swaps.Cancel(ctx, sess.RoomID, sess.UserID)
		})

	case "kick_user":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				TargetUserID types.UserIDType `json:"targetUserId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.Kick(ctx, sess.RoomID, sess.UserID, p.TargetUserID)
		})
	case "transfer_ownership":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				NewOwnerID types.UserIDType `json:"newOwnerId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.TransferOwnership(ctx, sess.RoomID, sess.UserID, p.NewOwnerID)
		})

	case "join_voice":
		h.withSession(client, sess, hasSession, func() {
			_ = h.voices.Join(ctx, sess.RoomID, sess.UserID)
		})
	case "leave_voice":
		h.withSession(client, sess, hasSession, func() {
			_ = h.voices.Leave(ctx, sess.RoomID, sess.UserID)
		})
	case "voice_offer", "voice_answer", "voice_ice_candidate":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				TargetUserID types.UserIDType `json:"targetUserId"`
				Body         map[string]any   `json:"body"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.voices.Relay(ctx, sess.RoomID, sess.UserID, p.TargetUserID, env.Event, p.Body)
		})
	case "request_mesh_connections":
		h.withSession(client, sess, hasSession, func() {
			client.Send("mesh_connections", map[string]any{
				"roomId":       sess.RoomID,
				"participants": h.voices.Participants(sess.RoomID),
			})
		})

	case "toggle_broadcast":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				On bool `json:"on"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.broadcasts.Toggle(ctx, sess.RoomID, sess.UserID, p.On)
		})
	case "broadcast_audio_chunk":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				Chunk string `json:"chunk"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.broadcasts.IngestChunk(ctx, sess.RoomID, sess.UserID, p.Chunk)
		})
	case "request_broadcast_state":
		h.withSession(client, sess, hasSession, func() {
			_ = h.broadcasts.RequestState(ctx, sess.RoomID, client.ConnID())
		})

	case "set_bpm":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				BPM int `json:"bpm"`
			}
			if !decode(client, env, &p) {
				return
			}
			if err := h.metronomes.SetBPM(sess.RoomID, p.BPM); err != nil {
				client.SendError("metronome_error", err.Error())
			}
		})

	case "request_sequencer_state":
		h.withSession(client, sess, hasSession, func() {
			client.Send(EventSequencerState, map[string]any{
				"roomId": sess.RoomID,
				"state":  h.SequencerState(sess.RoomID),
			})
		})
	case "send_sequencer_state":
		h.withSession(client, sess, hasSession, func() {
			if r, ok := h.rooms.Peek(sess.RoomID); ok {
				r.SetSequencerState(env.Payload)
				_ = h.bus.PublishExcept(ctx, roomNamespace(sess.RoomID), client.ConnID(), EventSequencerStateRequested, map[string]any{
					"roomId": sess.RoomID,
					"state":  env.Payload,
				})
			}
		})

	case "approval_request":
		h.routeApprovalRequest(ctx, client, env)
	case "approval_cancel":
		h.withSession(client, sess, hasSession, func() {
			_ = h.approvals.Cancel(ctx, sess.RoomID, sess.UserID)
		})
	case "approve_member":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				UserID types.UserIDType `json:"userId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.approvals.Approve(ctx, sess.RoomID, p.UserID, sess.UserID)
		})
	case "reject_member":
		h.withSession(client, sess, hasSession, func() {
			var p struct {
				UserID types.UserIDType `json:"userId"`
			}
			if !decode(client, env, &p) {
				return
			}
			_ = h.approvals.Reject(ctx, sess.RoomID, p.UserID, sess.UserID)
		})

	default:
		slog.Debug("router: unrecognized event", "event", env.Event, "namespace", env.Namespace)
	}
}

// withSession guards a handler branch that requires an attached session,
// emitting membership_error rather than silently dropping the message.
func (h *Handler) withSession(client types.ClientInterface, sess registry.Session, hasSession bool, fn func()) {
	if !hasSession {
		client.SendError(EventMembershipError, "no active session")
		return
	}
	fn()
}

func decode(client types.ClientInterface, env types.Envelope, dst any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		client.SendError(env.Event+"_error", "malformed payload")
		return false
	}
	return true
}

func (h *Handler) routeJoinRoom(ctx context.Context, client types.ClientInterface, env types.Envelope) {
	var p struct {
		RoomID   types.RoomIDType `json:"roomId"`
		UserID   types.UserIDType `json:"userId"`
		Username string           `json:"username"`
		Role     types.RoleType   `json:"role"`
	}
	if !decode(client, env, &p) {
		return
	}
	if err := h.Join(ctx, client.ConnID(), p.RoomID, p.UserID, p.Username, p.Role); err != nil {
		client.SendError(EventMembershipError, err.Error())
	}
}

func (h *Handler) routeLeaveRoom(ctx context.Context, client types.ClientInterface, env types.Envelope, sess registry.Session, hasSession bool) {
	if !hasSession {
		return
	}
	var p struct {
		Intended *bool `json:"intended"`
	}
	_ = decode(client, env, &p)
	intended := true
	if p.Intended != nil {
		intended = *p.Intended
	}
	_ = h.Leave(ctx, client.ConnID(), intended)
}

func (h *Handler) routeApprovalRequest(ctx context.Context, client types.ClientInterface, env types.Envelope) {
	var p struct {
		RoomID   types.RoomIDType `json:"roomId"`
		UserID   types.UserIDType `json:"userId"`
		Username string           `json:"username"`
		Role     types.RoleType   `json:"role"`
	}
	if !decode(client, env, &p) {
		return
	}
	if p.Role == "" {
		p.Role = types.RoleBandMember
	}
	_ = h.approvals.Request(ctx, p.RoomID, p.UserID, p.Username, p.Role, client.ConnID())
}

// HandleDisconnect is called by the transport layer when a connection's
// read loop exits for any reason (clean close, error, eviction). It is
// treated as an unintended leave.
func (h *Handler) HandleDisconnect(ctx context.Context, client types.ClientInterface) {
	_ = h.Leave(ctx, client.ConnID(), false)
}
