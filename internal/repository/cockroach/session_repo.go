package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"linguachat-backend/internal/domain"
	"linguachat-backend/internal/session"
)

// SessionRepository persists call sessions with optimistic concurrency.
// The version column linearizes writers: the store accepts at most one
// writer per version.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// sessionSchema holds the DDL for the call session tables. The partial
// unique index enforces at most one non-terminal session per room at the
// storage layer; a racing insert surfaces as a unique violation.
const sessionSchema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	session_id   UUID PRIMARY KEY,
	room_id      UUID NOT NULL,
	call_room_id UUID NOT NULL,
	initiator_id UUID NOT NULL,
	call_type    TEXT NOT NULL,
	status       TEXT NOT NULL,
	participants JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	duration     INT NOT NULL DEFAULT 0,
	version      BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_live_room
	ON call_sessions (room_id) WHERE status != 'ended';
CREATE TABLE IF NOT EXISTS call_delivery_flags (
	session_id             UUID NOT NULL,
	user_id                UUID NOT NULL,
	notification_sent      BOOL NOT NULL DEFAULT false,
	notification_delivered BOOL NOT NULL DEFAULT false,
	PRIMARY KEY (session_id, user_id)
);
`

// EnsureSchema creates the call session tables if they do not exist
func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, sessionSchema); err != nil {
		return fmt.Errorf("failed to ensure call session schema: %w", err)
	}
	return nil
}

// Get retrieves a session by id, including best-effort delivery flags
func (r *SessionRepository) Get(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT session_id, room_id, call_room_id, initiator_id, call_type,
		       status, participants, started_at, ended_at, duration, version
		FROM call_sessions
		WHERE session_id = $1
	`
	s, err := r.scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		return nil, err
	}
	if err := r.loadDeliveryFlags(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FindNonTerminalByRoom returns the room's ringing or active session, or
// (nil, nil) when the room is idle
func (r *SessionRepository) FindNonTerminalByRoom(ctx context.Context, roomID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT session_id, room_id, call_room_id, initiator_id, call_type,
		       status, participants, started_at, ended_at, duration, version
		FROM call_sessions
		WHERE room_id = $1 AND status != 'ended'
	`
	s, err := r.scanSession(r.pool.QueryRow(ctx, query, roomID))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadDeliveryFlags(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ConditionalSave persists the session only if the stored version still
// equals expectedVersion; 0 inserts. On success s.Version is
// expectedVersion+1.
func (r *SessionRepository) ConditionalSave(ctx context.Context, s *domain.CallSession, expectedVersion int64) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	nextVersion := expectedVersion + 1

	if expectedVersion == 0 {
		query := `
			INSERT INTO call_sessions (
				session_id, room_id, call_room_id, initiator_id, call_type,
				status, participants, started_at, ended_at, duration, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`
		_, err := r.pool.Exec(ctx, query,
			s.ID, s.RoomID, s.CallRoomID, s.InitiatorID, s.CallType,
			s.Status, participants, s.StartedAt, s.EndedAt, s.DurationSeconds, nextVersion,
		)
		if err != nil {
			// A racing writer creating the room's live session trips the
			// partial unique index; surface it as a version conflict so the
			// retry policy reloads
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return session.ErrVersionConflict
			}
			return fmt.Errorf("failed to insert call session: %w", err)
		}
		s.Version = nextVersion
		return nil
	}

	query := `
		UPDATE call_sessions
		SET status = $3, participants = $4, ended_at = $5, duration = $6, version = $7
		WHERE session_id = $1 AND version = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		s.ID, expectedVersion,
		s.Status, participants, s.EndedAt, s.DurationSeconds, nextVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update call session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrVersionConflict
	}
	s.Version = nextVersion
	return nil
}

// SaveDeliveryFlags upserts fan-out bookkeeping. The write is deliberately
// unconditional; the flags back no correctness invariant.
func (r *SessionRepository) SaveDeliveryFlags(ctx context.Context, sessionID uuid.UUID, flags map[uuid.UUID]session.DeliveryFlags) error {
	query := `
		UPSERT INTO call_delivery_flags (session_id, user_id, notification_sent, notification_delivered)
		VALUES ($1, $2, $3, $4)
	`
	for userID, f := range flags {
		if _, err := r.pool.Exec(ctx, query, sessionID, userID, f.NotificationSent, f.NotificationDelivered); err != nil {
			return fmt.Errorf("failed to save delivery flags: %w", err)
		}
	}
	return nil
}

// scanSession scans one session row, deriving the active participant set
// from the stored entries
func (r *SessionRepository) scanSession(row pgx.Row) (*domain.CallSession, error) {
	s := &domain.CallSession{}
	var participants []byte

	err := row.Scan(
		&s.ID, &s.RoomID, &s.CallRoomID, &s.InitiatorID, &s.CallType,
		&s.Status, &participants, &s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to scan call session: %w", err)
	}

	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	s.ActiveParticipantIDs = s.ComputeActiveParticipantIDs()
	return s, nil
}

// loadDeliveryFlags merges the side table into the participant entries
func (r *SessionRepository) loadDeliveryFlags(ctx context.Context, s *domain.CallSession) error {
	query := `
		SELECT user_id, notification_sent, notification_delivered
		FROM call_delivery_flags
		WHERE session_id = $1
	`
	rows, err := r.pool.Query(ctx, query, s.ID)
	if err != nil {
		return fmt.Errorf("failed to load delivery flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID uuid.UUID
		var sent, delivered bool
		if err := rows.Scan(&userID, &sent, &delivered); err != nil {
			return fmt.Errorf("failed to scan delivery flags: %w", err)
		}
		if entry := s.Participant(userID); entry != nil {
			entry.NotificationSent = sent
			entry.NotificationDelivered = delivered
		}
	}
	return rows.Err()
}
