package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linguachat-backend/internal/domain"
	apperrors "linguachat-backend/pkg/errors"
	"linguachat-backend/pkg/logger"
	"linguachat-backend/pkg/metrics"
)

// Coordinator merges concurrent lifecycle requests for a room's group call
// into one consistent session state. All mutation flows through the pure
// state machine and the store's conditional write; the coordinator itself
// holds no mutable session state between requests.
type Coordinator struct {
	store    Store
	rooms    RoomDirectory
	fanout   FanoutChannel
	notifier RingNotifier // optional
	archive  EventArchive // optional
	retry    *RetryPolicy
	reaper   *Reaper
	metrics  *metrics.Metrics // optional

	now func() time.Time
}

// NewCoordinator creates a coordinator. notifier, archive and m may be nil.
func NewCoordinator(store Store, rooms RoomDirectory, fanout FanoutChannel, notifier RingNotifier, archive EventArchive, retry *RetryPolicy, reaper *Reaper, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:    store,
		rooms:    rooms,
		fanout:   fanout,
		notifier: notifier,
		archive:  archive,
		retry:    retry,
		reaper:   reaper,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock replaces the time source; tests inject a fixed clock
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// InitiateOutput is the result of an initiate request. AlreadyActive is an
// informational outcome, not an error: the caller is expected to join the
// returned session instead of creating one.
type InitiateOutput struct {
	Session       *domain.CallSession
	AlreadyActive bool
}

// LeaveOutput reports whether the departure terminated the session
type LeaveOutput struct {
	Session   *domain.CallSession
	CallEnded bool
}

// EventPayload is the body published on the fan-out channel for every
// committed transition
type EventPayload struct {
	Event                string            `json:"event"`
	SessionID            uuid.UUID         `json:"session_id"`
	RoomID               uuid.UUID         `json:"room_id"`
	ActorID              uuid.UUID         `json:"actor_id"`
	CallType             domain.CallType   `json:"call_type"`
	Status               domain.CallStatus `json:"status"`
	ActiveParticipantIDs []uuid.UUID       `json:"active_participant_ids"`
	Timestamp            time.Time         `json:"timestamp"`
}

// Initiate starts a new call session for a room, reclaiming an abandoned
// session first if one is in the way. When a live session already exists it
// is returned with AlreadyActive set.
func (c *Coordinator) Initiate(ctx context.Context, roomID, initiatorID uuid.UUID, callType domain.CallType) (*InitiateOutput, error) {
	if callType != domain.CallTypeAudio && callType != domain.CallTypeVideo {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("invalid call type: %s", callType))
	}

	isMember, err := c.rooms.IsMember(ctx, roomID, initiatorID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, apperrors.RoomNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	if !isMember {
		return nil, apperrors.NotRoomMemberError()
	}

	members, err := c.rooms.ListMembers(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, apperrors.RoomNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}

	var (
		out         InitiateOutput
		reaped      *domain.CallSession
		reapOutcome Outcome
	)

	err = c.retry.Execute(ctx, "initiate", func() error {
		existing, err := c.store.FindNonTerminalByRoom(ctx, roomID)
		if err != nil {
			return err
		}

		if existing != nil {
			if !c.reaper.IsAbandoned(existing, c.now()) {
				out = InitiateOutput{Session: existing, AlreadyActive: true}
				return nil
			}

			// Reclaim the stuck session before creating a fresh one
			next, oc, err := Apply(existing, Reap{SessionID: existing.ID}, c.now())
			if err != nil {
				return err
			}
			if err := c.store.ConditionalSave(ctx, next, existing.Version); err != nil {
				return err
			}
			reaped, reapOutcome = next, oc
		}

		ev := Initiate{
			SessionID:   uuid.New(),
			CallRoomID:  uuid.New(),
			RoomID:      roomID,
			InitiatorID: initiatorID,
			MemberIDs:   members,
			CallType:    callType,
		}
		next, _, err := Apply(nil, ev, c.now())
		if err != nil {
			return err
		}
		// A racing initiator that inserts first surfaces here as a version
		// conflict; the retry reloads and returns their session instead
		if err := c.store.ConditionalSave(ctx, next, 0); err != nil {
			return err
		}
		out = InitiateOutput{Session: next}
		return nil
	})
	if err != nil {
		return nil, c.mapTransitionError(err)
	}

	if reaped != nil {
		c.afterTermination(ctx, reaped, reapOutcome, uuid.Nil, "reaped")
	}

	if out.AlreadyActive {
		return &out, nil
	}

	if c.metrics != nil {
		c.metrics.RecordCallInitiated(string(callType))
	}
	c.recordArchive(ctx, out.Session, "call.ringing", initiatorID)

	// Ring every invitee; those unreachable on the fan-out channel get a
	// push notification instead
	invitees := recipientsExcept(out.Session.ParticipantIDs(), initiatorID)
	delivered := c.publish(ctx, out.Session, "call.ringing", initiatorID, invitees)
	if c.notifier != nil {
		if unreachable := recipientsExceptAll(invitees, delivered); len(unreachable) > 0 {
			c.notifier.NotifyIncomingCall(ctx, out.Session, unreachable)
		}
	}

	return &out, nil
}

// Join connects an invited user to the session, promoting it to active once
// two or more participants are connected
func (c *Coordinator) Join(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	final, outcome, err := c.mutate(ctx, "join", sessionID, Join{SessionID: sessionID, UserID: userID})
	if err != nil {
		return nil, err
	}

	if !outcome.NoOp {
		c.recordArchive(ctx, final, "call.participant_joined", userID)
		c.publish(ctx, final, "call.participant_joined", userID, recipientsExcept(final.ParticipantIDs(), userID))
	}
	return final, nil
}

// Leave disconnects a user; the last active participant leaving terminates
// the session
func (c *Coordinator) Leave(ctx context.Context, sessionID, userID uuid.UUID) (*LeaveOutput, error) {
	final, outcome, err := c.mutate(ctx, "leave", sessionID, Leave{SessionID: sessionID, UserID: userID})
	if err != nil {
		return nil, err
	}

	c.recordArchive(ctx, final, "call.participant_left", userID)
	c.publish(ctx, final, "call.participant_left", userID, recipientsExcept(final.ParticipantIDs(), userID))

	if outcome.Ended {
		c.afterTermination(ctx, final, outcome, userID, "completed")
	}
	return &LeaveOutput{Session: final, CallEnded: outcome.Ended}, nil
}

// Decline marks an invited user as having rejected the call; the session
// itself is unaffected
func (c *Coordinator) Decline(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	final, outcome, err := c.mutate(ctx, "decline", sessionID, Decline{SessionID: sessionID, UserID: userID})
	if err != nil {
		return nil, err
	}

	if !outcome.NoOp {
		c.recordArchive(ctx, final, "call.participant_declined", userID)
		c.publish(ctx, final, "call.participant_declined", userID, recipientsExcept(final.ParticipantIDs(), userID))
	}
	return final, nil
}

// Get returns the session for a participant; peers can always poll state
// regardless of fan-out delivery
func (c *Coordinator) Get(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(err)
	}
	if s.Participant(userID) == nil {
		return nil, apperrors.NotAParticipantError()
	}
	return s, nil
}

// mutate runs one load-apply-save cycle under the retry policy. Every
// attempt re-loads the snapshot, so a transition is always defined relative
// to the state it observed.
func (c *Coordinator) mutate(ctx context.Context, operation string, sessionID uuid.UUID, ev Event) (*domain.CallSession, Outcome, error) {
	var (
		final   *domain.CallSession
		outcome Outcome
	)

	err := c.retry.Execute(ctx, operation, func() error {
		snapshot, err := c.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		next, oc, err := Apply(snapshot, ev, c.now())
		if err != nil {
			return err
		}
		if oc.NoOp {
			final, outcome = next, oc
			return nil
		}

		if err := c.store.ConditionalSave(ctx, next, snapshot.Version); err != nil {
			return err
		}
		final, outcome = next, oc
		return nil
	})
	if err != nil {
		return nil, Outcome{}, c.mapTransitionError(err)
	}
	return final, outcome, nil
}

// afterTermination handles the bookkeeping shared by the leave and reap
// termination paths: the ended event, metrics, and missed-call pushes
func (c *Coordinator) afterTermination(ctx context.Context, s *domain.CallSession, outcome Outcome, actorID uuid.UUID, reason string) {
	if c.metrics != nil {
		c.metrics.RecordCallEnded(reason, s.DurationSeconds)
	}
	c.recordArchive(ctx, s, "call.ended", actorID)
	c.publish(ctx, s, "call.ended", actorID, recipientsExcept(s.ParticipantIDs(), actorID))

	if c.notifier != nil && len(outcome.NewlyMissed) > 0 {
		c.notifier.NotifyMissedCall(ctx, s, outcome.NewlyMissed)
	}
}

// publish fans the event out and records per-participant delivery flags.
// Failures here never fail the lifecycle operation: correctness is defined
// by the persisted session state, and peers can poll.
func (c *Coordinator) publish(ctx context.Context, s *domain.CallSession, eventName string, actorID uuid.UUID, recipients []uuid.UUID) []uuid.UUID {
	payload := EventPayload{
		Event:                eventName,
		SessionID:            s.ID,
		RoomID:               s.RoomID,
		ActorID:              actorID,
		CallType:             s.CallType,
		Status:               s.Status,
		ActiveParticipantIDs: s.ActiveParticipantIDs,
		Timestamp:            c.now(),
	}

	delivered, err := c.fanout.Publish(ctx, s.CallRoomID, eventName, payload, recipients)
	if err != nil {
		logger.Warn("Fan-out publish failed",
			zap.String("session_id", s.ID.String()),
			zap.String("event", eventName),
			zap.Error(err),
		)
	}

	if c.metrics != nil {
		c.metrics.RecordFanout(eventName, len(delivered), len(recipients)-len(delivered))
	}

	deliveredSet := make(map[uuid.UUID]bool, len(delivered))
	for _, id := range delivered {
		deliveredSet[id] = true
	}
	flags := make(map[uuid.UUID]DeliveryFlags, len(recipients))
	for _, id := range recipients {
		flags[id] = DeliveryFlags{
			NotificationSent:      true,
			NotificationDelivered: deliveredSet[id],
		}
	}
	if len(flags) > 0 {
		if err := c.store.SaveDeliveryFlags(ctx, s.ID, flags); err != nil {
			logger.Warn("Failed to record delivery flags",
				zap.String("session_id", s.ID.String()),
				zap.Error(err),
			)
		}
	}

	return delivered
}

// recordArchive appends the committed transition to the call-history
// archive, best-effort
func (c *Coordinator) recordArchive(ctx context.Context, s *domain.CallSession, eventName string, actorID uuid.UUID) {
	if c.archive == nil {
		return
	}
	entry := ArchiveEntry{
		SessionID:  s.ID,
		RoomID:     s.RoomID,
		EventName:  eventName,
		ActorID:    actorID,
		Version:    s.Version,
		Status:     s.Status,
		OccurredAt: c.now().UnixMilli(),
	}
	if err := c.archive.Record(ctx, entry); err != nil {
		logger.Warn("Failed to archive call event",
			zap.String("session_id", s.ID.String()),
			zap.String("event", eventName),
			zap.Error(err),
		)
	}
}

// mapTransitionError translates state-machine and store sentinels into the
// API error taxonomy
func (c *Coordinator) mapTransitionError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, ErrSessionEnded):
		return apperrors.CallEndedError()
	case errors.Is(err, ErrNotAParticipant):
		return apperrors.NotAParticipantError()
	case errors.Is(err, ErrRetryExhausted):
		return apperrors.ContentionError(err)
	case apperrors.IsAppError(err):
		return err
	default:
		return apperrors.DatabaseError(err)
	}
}

func recipientsExcept(ids []uuid.UUID, except uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func recipientsExceptAll(ids, except []uuid.UUID) []uuid.UUID {
	exceptSet := make(map[uuid.UUID]bool, len(except))
	for _, id := range except {
		exceptSet[id] = true
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !exceptSet[id] {
			out = append(out, id)
		}
	}
	return out
}
