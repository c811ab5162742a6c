package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"linguachat-backend/internal/domain"
)

// Store errors. ErrVersionConflict is the only error the retry policy
// treats as retryable.
var (
	ErrSessionNotFound = errors.New("call session not found")
	ErrVersionConflict = errors.New("call session version conflict")
)

// DeliveryFlags is the best-effort per-participant fan-out bookkeeping,
// persisted outside the versioned session record
type DeliveryFlags struct {
	NotificationSent      bool
	NotificationDelivered bool
}

// Store is durable storage for call sessions with conditional writes
type Store interface {
	// Get returns the session or ErrSessionNotFound
	Get(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error)

	// FindNonTerminalByRoom returns the room's ringing/active session,
	// or (nil, nil) when the room is idle
	FindNonTerminalByRoom(ctx context.Context, roomID uuid.UUID) (*domain.CallSession, error)

	// ConditionalSave persists the session only if the stored version still
	// equals expectedVersion (0 means insert). On success the session's
	// version is expectedVersion+1. Returns ErrVersionConflict when another
	// writer won the race.
	ConditionalSave(ctx context.Context, s *domain.CallSession, expectedVersion int64) error

	// SaveDeliveryFlags upserts fan-out bookkeeping for participants.
	// Deliberately unconditional; flag updates lost under a race are
	// acceptable.
	SaveDeliveryFlags(ctx context.Context, sessionID uuid.UUID, flags map[uuid.UUID]DeliveryFlags) error
}

// RoomDirectory answers room membership questions; rooms live in the chat
// service, reached through its store
type RoomDirectory interface {
	// IsMember reports whether userID belongs to roomID
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)

	// ListMembers returns all member ids of roomID, or ErrRoomNotFound
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
}

// ErrRoomNotFound is returned by RoomDirectory for unknown rooms
var ErrRoomNotFound = errors.New("room not found")

// FanoutChannel delivers an event to the recipients listening on a session's
// channel token. Delivery is best-effort per peer; the returned set contains
// the recipients that were determinably reached.
type FanoutChannel interface {
	Publish(ctx context.Context, channelToken uuid.UUID, eventName string, payload any, recipients []uuid.UUID) (delivered []uuid.UUID, err error)
}

// RingNotifier sends out-of-band notifications (push) for peers not reachable
// on the fan-out channel. All methods are best-effort.
type RingNotifier interface {
	NotifyIncomingCall(ctx context.Context, s *domain.CallSession, inviteeIDs []uuid.UUID)
	NotifyMissedCall(ctx context.Context, s *domain.CallSession, missedIDs []uuid.UUID)
}

// EventArchive records committed transitions for call history
type EventArchive interface {
	Record(ctx context.Context, entry ArchiveEntry) error
}

// ArchiveEntry is one committed session transition
type ArchiveEntry struct {
	SessionID  uuid.UUID
	RoomID     uuid.UUID
	EventName  string
	ActorID    uuid.UUID
	Version    int64
	Status     domain.CallStatus
	OccurredAt int64 // unix millis
}
