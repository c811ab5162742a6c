package cassandra

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguachat-backend/internal/domain"
	"linguachat-backend/internal/session"
	"linguachat-backend/pkg/constants"
)

func TestInsertCallEventBindsEveryPlaceholder(t *testing.T) {
	entry := session.ArchiveEntry{
		SessionID:  uuid.New(),
		RoomID:     uuid.New(),
		EventName:  "call.ringing",
		ActorID:    uuid.New(),
		Version:    1,
		Status:     domain.CallStatusRinging,
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}

	args := insertCallEventArgs(entry)

	placeholders := strings.Count(insertCallEventStmt, "?")
	require.Equal(t, placeholders, len(args))

	// TTL binds last, against USING TTL ?
	ttl, ok := args[len(args)-1].(int)
	require.True(t, ok)
	assert.Equal(t, int(constants.CallEventRetention.Seconds()), ttl)
}

func TestCalculateBucket(t *testing.T) {
	assert.Equal(t, 202506, calculateBucket(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 202512, calculateBucket(time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, 202601, calculateBucket(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}
