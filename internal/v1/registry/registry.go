// Package registry implements the SessionRegistry: a shared, fine-grained
// locked index from connection id to the room/user/namespace a connection
// is attached to.
package registry

import (
	"sync"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// Session is the record SessionRegistry owns for one connection.
type Session struct {
	ConnID       types.ConnIDType
	RoomID       types.RoomIDType
	UserID       types.UserIDType
	Namespace    string
	ConnectedAt  types.Timestamp
	LastActivity types.Timestamp
}

// DetachFunc is invoked when attach() evicts a prior connection for the
// same (roomId, userId) pair — the caller supplies how to actually close
// that connection, since the registry has no transport dependency.
type DetachFunc func(connID types.ConnIDType)

// SessionRegistry maps connId -> Session, with a reverse index for
// (roomId, userId) lookups. A userId may have at most one active
// connection per room.
type SessionRegistry struct {
	mu sync.RWMutex

	byConn map[types.ConnIDType]*Session
	byRoom map[types.RoomIDType]map[types.ConnIDType]struct{}
	byUser map[types.RoomIDType]map[types.UserIDType]types.ConnIDType
}

// New constructs an empty SessionRegistry.
func New() *SessionRegistry {
	return &SessionRegistry{
		byConn: make(map[types.ConnIDType]*Session),
		byRoom: make(map[types.RoomIDType]map[types.ConnIDType]struct{}),
		byUser: make(map[types.RoomIDType]map[types.UserIDType]types.ConnIDType),
	}
}

// Attach registers a new connection for (roomId, userId) in namespace.
// If a prior connection already exists for the same (roomId, userId), it is
// detached first and detachFn (if non-nil) is invoked with its connId so
// the caller can close the underlying transport.
func (r *SessionRegistry) Attach(connID types.ConnIDType, roomID types.RoomIDType, userID types.UserIDType, namespace string, detachFn DetachFunc) {
	r.mu.Lock()
	now := types.NowMillis()

	if users, ok := r.byUser[roomID]; ok {
		if priorConn, exists := users[userID]; exists && priorConn != connID {
			r.detachLocked(priorConn)
			r.mu.Unlock()
			if detachFn != nil {
				detachFn(priorConn)
			}
			r.mu.Lock()
		}
	}

	session := &Session{
		ConnID:       connID,
		RoomID:       roomID,
		UserID:       userID,
		Namespace:    namespace,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.byConn[connID] = session

	if r.byRoom[roomID] == nil {
		r.byRoom[roomID] = make(map[types.ConnIDType]struct{})
	}
	r.byRoom[roomID][connID] = struct{}{}

	if r.byUser[roomID] == nil {
		r.byUser[roomID] = make(map[types.UserIDType]types.ConnIDType)
	}
	r.byUser[roomID][userID] = connID

	r.mu.Unlock()
}

// Detach removes connId from the registry.
func (r *SessionRegistry) Detach(connID types.ConnIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(connID)
}

func (r *SessionRegistry) detachLocked(connID types.ConnIDType) {
	session, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	if conns, ok := r.byRoom[session.RoomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byRoom, session.RoomID)
		}
	}

	if users, ok := r.byUser[session.RoomID]; ok {
		if users[session.UserID] == connID {
			delete(users, session.UserID)
			if len(users) == 0 {
				delete(r.byUser, session.RoomID)
			}
		}
	}
}

// ByConn returns the session for connId, if any.
func (r *SessionRegistry) ByConn(connID types.ConnIDType) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// ConnsInRoom lists every connId currently attached to roomId.
func (r *SessionRegistry) ConnsInRoom(roomID types.RoomIDType) []types.ConnIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byRoom[roomID]
	out := make([]types.ConnIDType, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// ConnByUser returns the active connId for userId in roomId, if any.
func (r *SessionRegistry) ConnByUser(roomID types.RoomIDType, userID types.UserIDType) (types.ConnIDType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[roomID][userID]
	return connID, ok
}

// Touch updates lastActivity for connId to now. No-op if connId is unknown.
func (r *SessionRegistry) Touch(connID types.ConnIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.byConn[connID]; ok {
		session.LastActivity = types.NowMillis()
	}
}
