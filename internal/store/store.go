package store

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/duoview/internal/proto"
)

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = errors.New("not found")

// CallStatus is the lifecycle status of a call session.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusCalling    CallStatus = "calling"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusCancelled  CallStatus = "cancelled"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether a call in this status can never transition
// again.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusCancelled, CallStatusFailed:
		return true
	}
	return false
}

// CallSession is one voice/video call between two room participants.
// At most one non-terminal session exists per room. Terminal sessions
// are archived, never deleted.
type CallSession struct {
	ID       string
	RoomID   string
	CallerID string
	CalleeID string
	CallType proto.CallType
	Status   CallStatus
	// Reason distinguishes "no answer" from "rejected" and carries the
	// failure cause for failed sessions.
	Reason      string
	CreatedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
}

// SyncStore persists the latest playback snapshot per room. A single
// row per room; every write supersedes the previous one.
type SyncStore interface {
	// SaveSyncState upserts the latest snapshot for a room.
	SaveSyncState(ctx context.Context, roomID string, s proto.SyncState) error

	// LatestSyncState returns the last saved snapshot for a room.
	// Returns ErrNotFound when the room has never had one.
	LatestSyncState(ctx context.Context, roomID string) (proto.SyncState, error)
}

// CallStore persists call sessions for late-join bootstrap and history.
type CallStore interface {
	// CreateCall inserts a new call session.
	CreateCall(ctx context.Context, c *CallSession) error

	// UpdateCall updates status, reason and timestamps of a session.
	UpdateCall(ctx context.Context, c *CallSession) error

	// GetCall retrieves a call session by ID.
	GetCall(ctx context.Context, id string) (*CallSession, error)

	// ActiveCallForRoom returns the room's non-terminal session, or
	// ErrNotFound when there is none.
	ActiveCallForRoom(ctx context.Context, roomID string) (*CallSession, error)

	// ListCallsForRoom returns the room's archived sessions, newest first.
	ListCallsForRoom(ctx context.Context, roomID string, limit int) ([]*CallSession, error)
}

// UserStore handles relay-side account persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore handles watch-room persistence. The creator of a room is
// its host for playback, durably; host role is never inferred at
// runtime.
type RoomStore interface {
	// CreateRoom creates a room owned (hosted) by creatorID.
	CreateRoom(ctx context.Context, id string, creatorID string) (*Room, error)

	// GetRoom retrieves a room by ID.
	GetRoom(ctx context.Context, id string) (*Room, error)
}

// User represents a relay account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Room represents a two-seat watch room. HostID is fixed at creation.
type Room struct {
	ID        string
	HostID    string
	CreatedAt time.Time
}

// Store aggregates all storage interfaces.
type Store interface {
	SyncStore
	CallStore
	UserStore
	RoomStore

	// Close closes the underlying database connection.
	Close() error
}
