package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"linguachat-backend/internal/session"
)

// RoomRepository answers room membership questions for call authorization
type RoomRepository struct {
	pool *pgxpool.Pool
}

// NewRoomRepository creates a new room repository
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

const roomSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id    UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id   UUID NOT NULL REFERENCES rooms(room_id),
	user_id   UUID NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, user_id)
);
`

// EnsureSchema creates the room tables if they do not exist
func (r *RoomRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, roomSchema); err != nil {
		return fmt.Errorf("failed to ensure room schema: %w", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the room
func (r *RoomRepository) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`

	var isMember bool
	if err := r.pool.QueryRow(ctx, query, roomID, userID).Scan(&isMember); err != nil {
		return false, fmt.Errorf("failed to check room membership: %w", err)
	}
	return isMember, nil
}

// ListMembers returns every member of the room
func (r *RoomRepository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	if err := r.roomExists(ctx, roomID); err != nil {
		return nil, err
	}

	query := `SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at`

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan room member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

func (r *RoomRepository) roomExists(ctx context.Context, roomID uuid.UUID) error {
	query := `SELECT room_id FROM rooms WHERE room_id = $1`

	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, query, roomID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.ErrRoomNotFound
		}
		return fmt.Errorf("failed to look up room: %w", err)
	}
	return nil
}
