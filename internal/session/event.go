package session

import (
	"github.com/google/uuid"

	"linguachat-backend/internal/domain"
)

// Event is a lifecycle request applied to a call session snapshot.
// Events carry all identifiers up front so transitions stay deterministic;
// the state machine never mints ids or reads clocks on its own.
type Event interface {
	// Name is the fan-out event name published after the transition commits
	Name() string
}

// Initiate creates a new session for a room. SessionID and CallRoomID are
// minted by the caller before the transition is applied.
type Initiate struct {
	SessionID   uuid.UUID
	CallRoomID  uuid.UUID
	RoomID      uuid.UUID
	InitiatorID uuid.UUID
	MemberIDs   []uuid.UUID
	CallType    domain.CallType
}

// Join connects an invited user to the session
type Join struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// Leave disconnects a user; the session ends when the last active
// participant leaves
type Leave struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// Decline marks an invited user as having rejected the call
type Decline struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// Reap force-terminates an abandoned session
type Reap struct {
	SessionID uuid.UUID
}

func (Initiate) Name() string { return "call.ringing" }
func (Join) Name() string     { return "call.participant_joined" }
func (Leave) Name() string    { return "call.participant_left" }
func (Decline) Name() string  { return "call.participant_declined" }
func (Reap) Name() string     { return "call.ended" }

// Outcome describes what a transition changed, for fan-out and bookkeeping
type Outcome struct {
	// NoOp is set when the event was idempotently absorbed (e.g. a second
	// join from the same user)
	NoOp bool

	// Promoted is set when the session moved from ringing to active
	Promoted bool

	// Ended is set when this transition terminated the session
	Ended bool

	// NewlyMissed lists participants forced from invited to missed by
	// termination
	NewlyMissed []uuid.UUID
}
