// Package types defines the shared domain vocabulary and collaborator
// interfaces used across the session engine packages.
package types

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the different roles a user can have within a room.
type RoleType string

const (
	RoleRoomOwner  RoleType = "room_owner"
	RoleBandMember RoleType = "band_member"
	RoleAudience   RoleType = "audience"
)

// RoomKind distinguishes a performance room from an arrangement room.
type RoomKind string

const (
	RoomKindPerform RoomKind = "perform"
	RoomKindArrange RoomKind = "arrange"
)

// RoomVisibility controls whether a room appears in lobby listings and
// whether joining requires owner approval.
type RoomVisibility string

const (
	RoomVisibilityPublic  RoomVisibility = "public"
	RoomVisibilityPrivate RoomVisibility = "private"
)

// ConnIDType identifies a single WebSocket connection.
type ConnIDType string

// UserIDType identifies a user, stable across reconnects.
type UserIDType string

// RoomIDType identifies a room.
type RoomIDType string

// Timestamp is a Unix timestamp in milliseconds.
type Timestamp int64

// NowMillis returns the current time as a Timestamp.
func NowMillis() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Metronome holds the per-room tick state.
type Metronome struct {
	BPM              int       `json:"bpm"`
	LastTickTimestamp Timestamp `json:"lastTickTimestamp"`
}

// BroadcastState holds the per-room HLS broadcast state. BroadcasterID is
// the user who started the active broadcast, not necessarily the room's
// current owner — an ownership transfer must not sever an in-progress
// stream, so stopping on owner departure has to check this field instead
// of the room's live OwnerID.
type BroadcastState struct {
	Active           bool         `json:"active"`
	BroadcasterID    UserIDType   `json:"-"`
	TranscoderHandle string       `json:"-"`
	PlaylistURL      string       `json:"playlistUrl,omitempty"`
}

// User is the in-room record for a participant.
type User struct {
	ID                UserIDType      `json:"id"`
	Username          string          `json:"username"`
	Role              RoleType        `json:"role"`
	IsReady           bool            `json:"isReady"`
	CurrentInstrument string          `json:"currentInstrument,omitempty"`
	CurrentCategory   string          `json:"currentCategory,omitempty"`
	SynthParams       json.RawMessage `json:"synthParams,omitempty"`
	EffectChains      json.RawMessage `json:"effectChains,omitempty"`
}

// Clone returns a deep-enough copy of the user record for snapshotting into
// a grace-period entry — safe to mutate independently of the original.
func (u User) Clone() User {
	clone := u
	if u.SynthParams != nil {
		clone.SynthParams = append(json.RawMessage(nil), u.SynthParams...)
	}
	if u.EffectChains != nil {
		clone.EffectChains = append(json.RawMessage(nil), u.EffectChains...)
	}
	return clone
}

// ValidateBPM reports whether bpm falls within the room invariant's range.
func ValidateBPM(bpm int) error {
	if bpm < 20 || bpm > 300 {
		return errors.New("bpm must be between 20 and 300")
	}
	return nil
}

// --- Shared Interfaces ---

// Identity is the resolved identity of a connecting client: a verified user
// or an anonymous caller.
type Identity struct {
	UserID   UserIDType
	Username string
	Anonymous bool
}

// IdentityVerifier validates a bearer token (possibly empty, for anonymous
// access where the caller allows it) and resolves it to an Identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, bearerToken string) (Identity, error)
}

// BroadcastTranscoder is the external subsystem that turns a byte stream
// from a room owner into an HLS playlist. The core only controls its
// lifecycle and never inspects the audio payload.
type BroadcastTranscoder interface {
	Start(ctx context.Context, roomID RoomIDType) error
	WriteChunk(ctx context.Context, roomID RoomIDType, chunk []byte) error
	Stop(ctx context.Context, roomID RoomIDType) error
	PlaylistURL(roomID RoomIDType) string
}

// Envelope is the standardized container for every event moving through the
// namespace fabric, in or out of process.
type Envelope struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId,omitempty"`
}

// EventBus is the namespace-isolated pub/sub fabric described by the
// namespace fabric component: per-namespace FIFO delivery, broadcast and
// broadcast-except-sender, plus an optional cross-process presence set.
type EventBus interface {
	CreateNamespace(namespace string)
	DestroyNamespace(namespace string)
	Subscribe(namespace string, connID ConnIDType, sub Subscriber) error
	Unsubscribe(namespace string, connID ConnIDType)
	Publish(ctx context.Context, namespace, event string, payload any) error
	PublishExcept(ctx context.Context, namespace string, exclude ConnIDType, event string, payload any) error
	PublishTo(ctx context.Context, namespace string, connID ConnIDType, event string, payload any) error

	// Presence sets, shared across processes when a Redis mirror backs the
	// bus and held in local state otherwise. The voice manager keeps its
	// participant set in memory and does not call these.
	SetAdd(ctx context.Context, key, member string) error
	SetRem(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}

// Subscriber receives events delivered to a namespace. Implementations must
// not block the publisher — a slow subscriber is disconnected by the bus,
// never allowed to stall delivery to others.
type Subscriber interface {
	ConnID() ConnIDType
	Deliver(event string, payload json.RawMessage) error
}

// ClientInterface is the behavior the session packages require from a
// transport-layer connection, decoupling room/handler logic from the
// concrete WebSocket implementation.
type ClientInterface interface {
	ConnID() ConnIDType
	UserID() UserIDType
	Send(event string, payload any)
	SendError(event, message string)
	Disconnect()
}

// WaitGroupSubscribe is the shape of a receive loop run under a
// caller-owned sync.WaitGroup. Nothing in this module uses it: the Redis
// mirror backs only the presence sets and runs no receive loop.
type WaitGroupSubscribe func(ctx context.Context, wg *sync.WaitGroup)

// Router dispatches one decoded inbound Envelope from client to whichever
// domain handler owns its event name. The transport layer depends only on
// this seam, never on the domain packages directly.
type Router interface {
	Route(ctx context.Context, client ClientInterface, env Envelope)
	HandleDisconnect(ctx context.Context, client ClientInterface)
}
