package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguachat-backend/internal/domain"
	apperrors "linguachat-backend/pkg/errors"
)

// memStore is an in-memory Store with real conditional-write semantics,
// usable from concurrent goroutines
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.CallSession
	flags    map[uuid.UUID]map[uuid.UUID]DeliveryFlags

	// injectConflicts forces the next N saves to fail with a version conflict
	injectConflicts int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*domain.CallSession),
		flags:    make(map[uuid.UUID]map[uuid.UUID]DeliveryFlags),
	}
}

func (m *memStore) Get(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) FindNonTerminalByRoom(ctx context.Context, roomID uuid.UUID) (*domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.RoomID == roomID && !s.IsTerminal() {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) ConditionalSave(ctx context.Context, s *domain.CallSession, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.injectConflicts > 0 {
		m.injectConflicts--
		return ErrVersionConflict
	}

	if expectedVersion == 0 {
		if _, exists := m.sessions[s.ID]; exists {
			return ErrVersionConflict
		}
		// One live session per room, as the partial unique index enforces
		if !s.IsTerminal() {
			for _, other := range m.sessions {
				if other.RoomID == s.RoomID && !other.IsTerminal() {
					return ErrVersionConflict
				}
			}
		}
	} else {
		current, ok := m.sessions[s.ID]
		if !ok || current.Version != expectedVersion {
			return ErrVersionConflict
		}
	}

	s.Version = expectedVersion + 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) SaveDeliveryFlags(ctx context.Context, sessionID uuid.UUID, flags map[uuid.UUID]DeliveryFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags[sessionID] == nil {
		m.flags[sessionID] = make(map[uuid.UUID]DeliveryFlags)
	}
	for id, f := range flags {
		m.flags[sessionID][id] = f
	}
	return nil
}

type memRooms struct {
	members map[uuid.UUID][]uuid.UUID
}

func (m *memRooms) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	members, ok := m.members[roomID]
	if !ok {
		return false, ErrRoomNotFound
	}
	for _, id := range members {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRooms) ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	members, ok := m.members[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return members, nil
}

type publishedEvent struct {
	channelToken uuid.UUID
	eventName    string
	recipients   []uuid.UUID
}

type memFanout struct {
	mu         sync.Mutex
	events     []publishedEvent
	deliverAll bool
}

func (m *memFanout) Publish(ctx context.Context, channelToken uuid.UUID, eventName string, payload any, recipients []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{channelToken, eventName, recipients})
	if m.deliverAll {
		return recipients, nil
	}
	return nil, nil
}

func (m *memFanout) eventNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.events))
	for i, e := range m.events {
		names[i] = e.eventName
	}
	return names
}

type memNotifier struct {
	mu       sync.Mutex
	incoming [][]uuid.UUID
	missed   [][]uuid.UUID
}

func (m *memNotifier) NotifyIncomingCall(ctx context.Context, s *domain.CallSession, inviteeIDs []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = append(m.incoming, inviteeIDs)
}

func (m *memNotifier) NotifyMissedCall(ctx context.Context, s *domain.CallSession, missedIDs []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missed = append(m.missed, missedIDs)
}

type memArchive struct {
	mu      sync.Mutex
	entries []ArchiveEntry
}

func (m *memArchive) Record(ctx context.Context, entry ArchiveEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *memStore
	rooms       *memRooms
	fanout      *memFanout
	notifier    *memNotifier
	archive     *memArchive

	roomID    uuid.UUID
	initiator uuid.UUID
	invitee   uuid.UUID
	third     uuid.UUID
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		store:     newMemStore(),
		fanout:    &memFanout{deliverAll: true},
		notifier:  &memNotifier{},
		archive:   &memArchive{},
		roomID:    uuid.New(),
		initiator: uuid.New(),
		invitee:   uuid.New(),
		third:     uuid.New(),
	}
	f.rooms = &memRooms{members: map[uuid.UUID][]uuid.UUID{
		f.roomID: {f.initiator, f.invitee, f.third},
	}}

	retry := NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond, nil).WithSleep(noSleep)
	f.coordinator = NewCoordinator(f.store, f.rooms, f.fanout, f.notifier, f.archive, retry, NewReaper(5*time.Minute), nil)
	return f
}

func TestCoordinatorInitiateCreatesSessionAndRings(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.False(t, out.AlreadyActive)
	assert.Equal(t, domain.CallStatusRinging, out.Session.Status)
	assert.Equal(t, int64(1), out.Session.Version)
	assert.Len(t, out.Session.Participants, 3)

	assert.Equal(t, []string{"call.ringing"}, f.fanout.eventNames())
	assert.ElementsMatch(t, []uuid.UUID{f.invitee, f.third}, f.fanout.events[0].recipients)
	assert.Equal(t, out.Session.CallRoomID, f.fanout.events[0].channelToken)

	// Everyone was reached on the channel, so no ring push went out
	assert.Empty(t, f.notifier.incoming)

	// Delivery flags recorded for both invitees
	flags := f.store.flags[out.Session.ID]
	require.Len(t, flags, 2)
	assert.True(t, flags[f.invitee].NotificationSent)
	assert.True(t, flags[f.invitee].NotificationDelivered)
}

func TestCoordinatorInitiatePushesToUndeliveredInvitees(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.fanout.deliverAll = false

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeAudio)
	require.NoError(t, err)

	require.Len(t, f.notifier.incoming, 1)
	assert.ElementsMatch(t, []uuid.UUID{f.invitee, f.third}, f.notifier.incoming[0])

	flags := f.store.flags[out.Session.ID]
	assert.True(t, flags[f.invitee].NotificationSent)
	assert.False(t, flags[f.invitee].NotificationDelivered)
}

func TestCoordinatorInitiateReturnsLiveSession(t *testing.T) {
	f := newCoordinatorFixture(t)

	first, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	second, err := f.coordinator.Initiate(context.Background(), f.roomID, f.invitee, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.True(t, second.AlreadyActive)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	// No second ringing event was published
	assert.Equal(t, []string{"call.ringing"}, f.fanout.eventNames())
}

func TestCoordinatorInitiateReapsAbandonedSession(t *testing.T) {
	f := newCoordinatorFixture(t)

	stale, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	// Move the clock past the ring timeout and initiate again
	f.coordinator.WithClock(func() time.Time { return time.Now().Add(6 * time.Minute) })

	fresh, err := f.coordinator.Initiate(context.Background(), f.roomID, f.invitee, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.False(t, fresh.AlreadyActive)
	assert.NotEqual(t, stale.Session.ID, fresh.Session.ID)

	reaped, err := f.store.Get(context.Background(), stale.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, reaped.Status)

	// The stale session's unanswered invitees got missed-call notices
	require.Len(t, f.notifier.missed, 1)
	assert.ElementsMatch(t, []uuid.UUID{f.invitee, f.third}, f.notifier.missed[0])

	names := f.fanout.eventNames()
	assert.Contains(t, names, "call.ended")
	assert.Equal(t, "call.ringing", names[len(names)-1])
}

func TestCoordinatorInitiateRejectsNonMember(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Initiate(context.Background(), f.roomID, uuid.New(), domain.CallTypeVideo)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotRoomMember))

	_, err = f.coordinator.Initiate(context.Background(), uuid.New(), f.initiator, domain.CallTypeVideo)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRoomNotFound))
}

func TestCoordinatorInitiateRejectsInvalidCallType(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallType("screen"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestCoordinatorJoinPromotesAndPublishes(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	s, err := f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusActive, s.Status)
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, []string{"call.ringing", "call.participant_joined"}, f.fanout.eventNames())
}

func TestCoordinatorJoinIdempotentSkipsPublish(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	_, err = f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)

	s, err := f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)

	// Version unchanged, no duplicate event
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, []string{"call.ringing", "call.participant_joined"}, f.fanout.eventNames())
}

func TestCoordinatorJoinUnknownSession(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coordinator.Join(context.Background(), uuid.New(), f.invitee)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

func TestCoordinatorJoinAfterEndIsCallEnded(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	_, err = f.coordinator.Leave(context.Background(), out.Session.ID, f.initiator)
	require.NoError(t, err)

	_, err = f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallEnded))
}

func TestCoordinatorLeaveLastEndsCallAndNotifiesMissed(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	leave, err := f.coordinator.Leave(context.Background(), out.Session.ID, f.initiator)
	require.NoError(t, err)

	assert.True(t, leave.CallEnded)
	assert.Equal(t, domain.CallStatusEnded, leave.Session.Status)

	require.Len(t, f.notifier.missed, 1)
	assert.ElementsMatch(t, []uuid.UUID{f.invitee, f.third}, f.notifier.missed[0])

	names := f.fanout.eventNames()
	assert.Equal(t, "call.ended", names[len(names)-1])
}

func TestCoordinatorLeaveKeepsCallWithRemainingParticipants(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)
	_, err = f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)

	leave, err := f.coordinator.Leave(context.Background(), out.Session.ID, f.initiator)
	require.NoError(t, err)

	assert.False(t, leave.CallEnded)
	assert.Equal(t, domain.CallStatusActive, leave.Session.Status)
	assert.Empty(t, f.notifier.missed)
}

func TestCoordinatorDeclineDoesNotEndCall(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	s, err := f.coordinator.Decline(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, s.Status)

	s, err = f.coordinator.Decline(context.Background(), out.Session.ID, f.third)
	require.NoError(t, err)

	// Everyone declined, but the session stays ringing until the timeout
	assert.Equal(t, domain.CallStatusRinging, s.Status)
	assert.Equal(t, domain.ParticipantDeclined, s.Participant(f.invitee).Status)
}

func TestCoordinatorGetChecksParticipation(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	s, err := f.coordinator.Get(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, s.ID)

	_, err = f.coordinator.Get(context.Background(), out.Session.ID, uuid.New())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotAParticipant))

	_, err = f.coordinator.Get(context.Background(), uuid.New(), f.invitee)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}

func TestCoordinatorRetriesThroughTransientConflicts(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	f.store.injectConflicts = 2
	s, err := f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, s.Status)
}

func TestCoordinatorSurfacesContentionWhenBudgetExhausted(t *testing.T) {
	f := newCoordinatorFixture(t)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	f.store.injectConflicts = 3
	_, err = f.coordinator.Join(context.Background(), out.Session.ID, f.invitee)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeContention))
}

func TestCoordinatorConcurrentJoinsLoseNoUpdates(t *testing.T) {
	f := newCoordinatorFixture(t)

	members := []uuid.UUID{f.initiator}
	for i := 0; i < 5; i++ {
		members = append(members, uuid.New())
	}
	f.rooms.members[f.roomID] = members

	// More headroom than production: six writers race on one record
	retry := NewRetryPolicy(20, time.Millisecond, 5*time.Millisecond, nil).WithSleep(noSleep)
	f.coordinator = NewCoordinator(f.store, f.rooms, f.fanout, f.notifier, f.archive, retry, NewReaper(5*time.Minute), nil)

	out, err := f.coordinator.Initiate(context.Background(), f.roomID, f.initiator, domain.CallTypeVideo)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(members)-1)
	for _, member := range members[1:] {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			_, err := f.coordinator.Join(context.Background(), out.Session.ID, userID)
			errs <- err
		}(member)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	final, err := f.store.Get(context.Background(), out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, final.Status)
	assert.Len(t, final.ActiveParticipantIDs, len(members))
	assert.Equal(t, int64(len(members)), final.Version)
}

func TestCoordinatorConcurrentInitiatesYieldOneSession(t *testing.T) {
	f := newCoordinatorFixture(t)

	var wg sync.WaitGroup
	results := make(chan *InitiateOutput, 3)
	for _, userID := range []uuid.UUID{f.initiator, f.invitee, f.third} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			out, err := f.coordinator.Initiate(context.Background(), f.roomID, id, domain.CallTypeVideo)
			if err == nil {
				results <- out
			}
		}(userID)
	}
	wg.Wait()
	close(results)

	sessionIDs := make(map[uuid.UUID]bool)
	created := 0
	for out := range results {
		sessionIDs[out.Session.ID] = true
		if !out.AlreadyActive {
			created++
		}
	}

	assert.Len(t, sessionIDs, 1)
	assert.Equal(t, 1, created)
}
