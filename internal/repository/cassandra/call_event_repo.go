package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"linguachat-backend/internal/session"
	"linguachat-backend/pkg/constants"
)

// CallEventRepository archives call state transitions in Cassandra.
// Partitioned by session with a monthly bucket so long-lived rooms never
// produce unbounded partitions.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(s *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: s}
}

// calculateBucket maps a timestamp to a YYYYMM partition bucket
func calculateBucket(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

const insertCallEventStmt = `
	INSERT INTO call_events (
		session_id, bucket, event_id, room_id, event_name,
		actor_id, version, status, occurred_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	USING TTL ?
`

// insertCallEventArgs binds one archive entry to insertCallEventStmt, the
// retention TTL last
func insertCallEventArgs(entry session.ArchiveEntry) []interface{} {
	occurredAt := time.UnixMilli(entry.OccurredAt)
	return []interface{}{
		entry.SessionID,
		calculateBucket(occurredAt),
		gocql.UUIDFromTime(occurredAt),
		entry.RoomID,
		entry.EventName,
		entry.ActorID,
		entry.Version,
		entry.Status,
		occurredAt,
		int(constants.CallEventRetention.Seconds()),
	}
}

// Record appends one transition to the archive. Rows expire after the
// retention window.
func (r *CallEventRepository) Record(ctx context.Context, entry session.ArchiveEntry) error {
	err := r.session.Query(insertCallEventStmt, insertCallEventArgs(entry)...).
		WithContext(ctx).
		Exec()
	if err != nil {
		return fmt.Errorf("failed to archive call event: %w", err)
	}

	return nil
}

// GetBySession retrieves archived transitions for one session and bucket,
// newest first, with cursor-based pagination
func (r *CallEventRepository) GetBySession(
	ctx context.Context,
	sessionID uuid.UUID,
	bucket int,
	limit int,
	pageState []byte,
) ([]session.ArchiveEntry, []byte, error) {
	query := `
		SELECT session_id, room_id, event_name, actor_id, version, status, occurred_at
		FROM call_events
		WHERE session_id = ? AND bucket = ?
		ORDER BY event_id DESC
		LIMIT ?
	`

	iter := r.session.Query(query, sessionID, bucket, limit).
		WithContext(ctx).
		PageState(pageState).
		Iter()

	var entries []session.ArchiveEntry
	for {
		var entry session.ArchiveEntry
		var occurredAt time.Time
		if !iter.Scan(
			&entry.SessionID,
			&entry.RoomID,
			&entry.EventName,
			&entry.ActorID,
			&entry.Version,
			&entry.Status,
			&occurredAt,
		) {
			break
		}
		entry.OccurredAt = occurredAt.UnixMilli()
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch call events: %w", err)
	}

	return entries, iter.PageState(), nil
}

// GetRecent gets transitions from the current bucket (most common case)
func (r *CallEventRepository) GetRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.ArchiveEntry, error) {
	entries, _, err := r.GetBySession(ctx, sessionID, calculateBucket(time.Now()), limit, nil)
	return entries, err
}
