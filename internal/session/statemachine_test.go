package session

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguachat-backend/internal/domain"
	"linguachat-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newRingingSession builds a fresh session with the given members, the first
// of which is the initiator
func newRingingSession(t *testing.T, members ...uuid.UUID) *domain.CallSession {
	t.Helper()
	require.NotEmpty(t, members)

	s, outcome, err := Apply(nil, Initiate{
		SessionID:   uuid.New(),
		CallRoomID:  uuid.New(),
		RoomID:      uuid.New(),
		InitiatorID: members[0],
		MemberIDs:   members,
		CallType:    domain.CallTypeVideo,
	}, baseTime)
	require.NoError(t, err)
	require.False(t, outcome.NoOp)
	return s
}

// assertActiveSetInvariant checks that ActiveParticipantIDs is exactly the
// set of joined entries without a left_at timestamp
func assertActiveSetInvariant(t *testing.T, s *domain.CallSession) {
	t.Helper()
	assert.ElementsMatch(t, s.ComputeActiveParticipantIDs(), s.ActiveParticipantIDs)
}

func TestApplyInitiateCreatesRingingSession(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()

	s := newRingingSession(t, initiator, invitee)

	assert.Equal(t, domain.CallStatusRinging, s.Status)
	assert.Equal(t, initiator, s.InitiatorID)
	assert.Equal(t, baseTime, s.StartedAt)
	assert.Len(t, s.Participants, 2)

	initiatorEntry := s.Participant(initiator)
	require.NotNil(t, initiatorEntry)
	assert.Equal(t, domain.ParticipantJoined, initiatorEntry.Status)
	require.NotNil(t, initiatorEntry.JoinedAt)
	assert.Equal(t, baseTime, *initiatorEntry.JoinedAt)

	inviteeEntry := s.Participant(invitee)
	require.NotNil(t, inviteeEntry)
	assert.Equal(t, domain.ParticipantInvited, inviteeEntry.Status)
	assert.Nil(t, inviteeEntry.JoinedAt)

	assert.Equal(t, []uuid.UUID{initiator}, s.ActiveParticipantIDs)
	assertActiveSetInvariant(t, s)
}

func TestApplyInitiateDeduplicatesMembers(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()

	s := newRingingSession(t, initiator, invitee, invitee, initiator)

	assert.Len(t, s.Participants, 2)
}

func TestApplyInitiateRejectsLiveSession(t *testing.T) {
	initiator := uuid.New()
	s := newRingingSession(t, initiator, uuid.New())

	_, _, err := Apply(s, Initiate{
		SessionID:   uuid.New(),
		CallRoomID:  uuid.New(),
		RoomID:      s.RoomID,
		InitiatorID: initiator,
		MemberIDs:   []uuid.UUID{initiator},
		CallType:    domain.CallTypeAudio,
	}, baseTime)

	assert.ErrorIs(t, err, ErrRoomBusy)
}

func TestApplyInitiateAllowedAfterTermination(t *testing.T) {
	initiator := uuid.New()
	s := newRingingSession(t, initiator, uuid.New())

	ended, _, err := Apply(s, Reap{SessionID: s.ID}, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ended.IsTerminal())

	fresh, _, err := Apply(ended, Initiate{
		SessionID:   uuid.New(),
		CallRoomID:  uuid.New(),
		RoomID:      s.RoomID,
		InitiatorID: initiator,
		MemberIDs:   []uuid.UUID{initiator},
		CallType:    domain.CallTypeAudio,
	}, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, fresh.Status)
}

func TestApplyJoinPromotesToActive(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	next, outcome, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(5*time.Second))
	require.NoError(t, err)

	assert.True(t, outcome.Promoted)
	assert.Equal(t, domain.CallStatusActive, next.Status)
	assert.Len(t, next.ActiveParticipantIDs, 2)
	assertActiveSetInvariant(t, next)

	entry := next.Participant(invitee)
	require.NotNil(t, entry)
	assert.Equal(t, domain.ParticipantJoined, entry.Status)
	assert.Equal(t, baseTime.Add(5*time.Second), *entry.JoinedAt)
}

func TestApplyJoinIdempotentForConnectedUser(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	active, _, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	again, outcome, err := Apply(active, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Minute))
	require.NoError(t, err)

	assert.True(t, outcome.NoOp)
	assert.False(t, outcome.Promoted)
	assert.Equal(t, active.Status, again.Status)
	// The original join timestamp is preserved
	assert.Equal(t, baseTime.Add(time.Second), *again.Participant(invitee).JoinedAt)
}

func TestApplyJoinAllowsRejoinAfterLeave(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	third := uuid.New()
	s := newRingingSession(t, initiator, invitee, third)

	active, _, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	left, outcome, err := Apply(active, Leave{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, outcome.Ended)

	rejoined, outcome, err := Apply(left, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(2*time.Minute))
	require.NoError(t, err)

	assert.False(t, outcome.NoOp)
	entry := rejoined.Participant(invitee)
	assert.Equal(t, domain.ParticipantJoined, entry.Status)
	assert.Nil(t, entry.LeftAt)
	assert.True(t, rejoined.IsActiveParticipant(invitee))
	assertActiveSetInvariant(t, rejoined)
}

func TestApplyJoinRejectsNonParticipant(t *testing.T) {
	s := newRingingSession(t, uuid.New(), uuid.New())

	_, _, err := Apply(s, Join{SessionID: s.ID, UserID: uuid.New()}, baseTime)
	assert.ErrorIs(t, err, ErrNotAParticipant)
}

func TestApplyJoinRejectsEndedSession(t *testing.T) {
	invitee := uuid.New()
	s := newRingingSession(t, uuid.New(), invitee)

	ended, _, err := Apply(s, Reap{SessionID: s.ID}, baseTime.Add(time.Minute))
	require.NoError(t, err)

	_, _, err = Apply(ended, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestApplyLeaveKeepsSessionWhileOthersConnected(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	active, _, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	next, outcome, err := Apply(active, Leave{SessionID: s.ID, UserID: initiator}, baseTime.Add(time.Minute))
	require.NoError(t, err)

	assert.False(t, outcome.Ended)
	assert.Equal(t, domain.CallStatusActive, next.Status)
	assert.Equal(t, []uuid.UUID{invitee}, next.ActiveParticipantIDs)

	entry := next.Participant(initiator)
	assert.Equal(t, domain.ParticipantLeft, entry.Status)
	assert.Equal(t, baseTime.Add(time.Minute), *entry.LeftAt)
	assertActiveSetInvariant(t, next)
}

func TestApplyLeaveLastParticipantEndsSession(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	never := uuid.New()
	s := newRingingSession(t, initiator, invitee, never)

	active, _, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	afterFirst, _, err := Apply(active, Leave{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Minute))
	require.NoError(t, err)

	final, outcome, err := Apply(afterFirst, Leave{SessionID: s.ID, UserID: initiator}, baseTime.Add(90*time.Second))
	require.NoError(t, err)

	assert.True(t, outcome.Ended)
	assert.Equal(t, domain.CallStatusEnded, final.Status)
	assert.Empty(t, final.ActiveParticipantIDs)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, baseTime.Add(90*time.Second), *final.EndedAt)
	assert.Equal(t, 90, final.DurationSeconds)

	// The invitee who never answered is recorded as missed
	assert.Equal(t, []uuid.UUID{never}, outcome.NewlyMissed)
	assert.Equal(t, domain.ParticipantMissed, final.Participant(never).Status)
	assertActiveSetInvariant(t, final)
}

func TestApplyDeclineMarksInvitedOnly(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	next, outcome, err := Apply(s, Decline{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	assert.False(t, outcome.NoOp)
	assert.Equal(t, domain.ParticipantDeclined, next.Participant(invitee).Status)
	// Declines never end the session; the ring timeout handles an
	// all-declined call
	assert.Equal(t, domain.CallStatusRinging, next.Status)
	assertActiveSetInvariant(t, next)
}

func TestApplyDeclineAbsorbedForJoinedUser(t *testing.T) {
	initiator := uuid.New()
	s := newRingingSession(t, initiator, uuid.New())

	next, outcome, err := Apply(s, Decline{SessionID: s.ID, UserID: initiator}, baseTime.Add(time.Second))
	require.NoError(t, err)

	assert.True(t, outcome.NoOp)
	assert.Equal(t, domain.ParticipantJoined, next.Participant(initiator).Status)
}

func TestApplyReapTerminatesAndMarksMissed(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	final, outcome, err := Apply(s, Reap{SessionID: s.ID}, baseTime.Add(10*time.Minute))
	require.NoError(t, err)

	assert.True(t, outcome.Ended)
	assert.Equal(t, domain.CallStatusEnded, final.Status)
	assert.Equal(t, []uuid.UUID{invitee}, outcome.NewlyMissed)
	assert.Equal(t, 600, final.DurationSeconds)

	// The connected initiator gets a departure timestamp at termination
	entry := final.Participant(initiator)
	require.NotNil(t, entry.LeftAt)
	assert.Equal(t, baseTime.Add(10*time.Minute), *entry.LeftAt)
	assertActiveSetInvariant(t, final)
}

func TestApplyDoesNotMutateSnapshot(t *testing.T) {
	initiator := uuid.New()
	invitee := uuid.New()
	s := newRingingSession(t, initiator, invitee)

	_, _, err := Apply(s, Join{SessionID: s.ID, UserID: invitee}, baseTime.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusRinging, s.Status)
	assert.Equal(t, domain.ParticipantInvited, s.Participant(invitee).Status)
	assert.Equal(t, []uuid.UUID{initiator}, s.ActiveParticipantIDs)
}
