package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the session-level lifecycle state
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CallType represents type of call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ParticipantStatus is the per-invitee state within a session
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantMissed   ParticipantStatus = "missed"
)

// ParticipantEntry is one invited user's membership record in a call session
type ParticipantEntry struct {
	UserID   uuid.UUID         `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`

	// Fan-out delivery bookkeeping, best-effort only
	NotificationSent      bool `json:"notification_sent"`
	NotificationDelivered bool `json:"notification_delivered"`
}

// CallSession represents one group call attached to a room.
// Version increments by exactly 1 on every successful mutation; the store
// rejects a write whose expected version does not match.
type CallSession struct {
	ID          uuid.UUID  `json:"id"`
	RoomID      uuid.UUID  `json:"room_id"`
	CallRoomID  uuid.UUID  `json:"call_room_id"` // transport channel token
	InitiatorID uuid.UUID  `json:"initiator_id"`
	CallType    CallType   `json:"call_type"`
	Status      CallStatus `json:"status"`

	// Participants is ordered by invitation; user ids are unique within it
	Participants []ParticipantEntry `json:"participants"`

	// ActiveParticipantIDs is exactly the set of participants whose
	// status is joined and left_at is null
	ActiveParticipantIDs []uuid.UUID `json:"active_participant_ids"`

	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	Version int64 `json:"version"`
}

// IsTerminal reports whether the session can no longer be mutated
func (s *CallSession) IsTerminal() bool {
	return s.Status == CallStatusEnded
}

// Participant returns the entry for userID, or nil if the user was not invited
func (s *CallSession) Participant(userID uuid.UUID) *ParticipantEntry {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// IsActiveParticipant reports whether userID is currently connected
func (s *CallSession) IsActiveParticipant(userID uuid.UUID) bool {
	for _, id := range s.ActiveParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the ids of every invited participant in order
func (s *CallSession) ParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// ComputeActiveParticipantIDs derives the active set from participant entries.
// Used to re-establish the invariant after any transition.
func (s *CallSession) ComputeActiveParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Status == ParticipantJoined && p.LeftAt == nil {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// Clone returns a deep copy so transitions never mutate a shared snapshot
func (s *CallSession) Clone() *CallSession {
	next := *s
	next.Participants = make([]ParticipantEntry, len(s.Participants))
	copy(next.Participants, s.Participants)
	next.ActiveParticipantIDs = make([]uuid.UUID, len(s.ActiveParticipantIDs))
	copy(next.ActiveParticipantIDs, s.ActiveParticipantIDs)
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		next.EndedAt = &endedAt
	}
	return &next
}
