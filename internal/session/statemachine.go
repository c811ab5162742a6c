package session

import (
	"errors"
	"fmt"
	"time"

	"linguachat-backend/internal/domain"
)

// Transition errors surfaced by Apply. The coordinator maps these onto the
// API error taxonomy.
var (
	// ErrRoomBusy means an Initiate hit a room that already has a live session
	ErrRoomBusy = errors.New("room already has an active call session")

	// ErrNotAParticipant means the acting user was never invited
	ErrNotAParticipant = errors.New("user is not a participant of this session")

	// ErrSessionEnded means the session is terminal and rejects mutation
	ErrSessionEnded = errors.New("call session has ended")
)

// Apply computes the next session snapshot for an event. It is a pure
// function: no I/O, no clocks (now is passed in), no mutation of the input
// snapshot. For Initiate the snapshot is the room's existing non-terminal
// session, or nil when the room is idle.
func Apply(snapshot *domain.CallSession, ev Event, now time.Time) (*domain.CallSession, Outcome, error) {
	switch e := ev.(type) {
	case Initiate:
		return applyInitiate(snapshot, e, now)
	case Join:
		return applyJoin(snapshot, e, now)
	case Leave:
		return applyLeave(snapshot, e, now)
	case Decline:
		return applyDecline(snapshot, e)
	case Reap:
		return applyReap(snapshot, now)
	default:
		return nil, Outcome{}, fmt.Errorf("unknown session event %T", ev)
	}
}

func applyInitiate(snapshot *domain.CallSession, e Initiate, now time.Time) (*domain.CallSession, Outcome, error) {
	if snapshot != nil && !snapshot.IsTerminal() {
		return nil, Outcome{}, ErrRoomBusy
	}

	joinedAt := now
	next := &domain.CallSession{
		ID:          e.SessionID,
		RoomID:      e.RoomID,
		CallRoomID:  e.CallRoomID,
		InitiatorID: e.InitiatorID,
		CallType:    e.CallType,
		Status:      domain.CallStatusRinging,
		StartedAt:   now,
	}

	// Every room member gets an entry; the initiator starts joined
	next.Participants = make([]domain.ParticipantEntry, 0, len(e.MemberIDs))
	seen := make(map[string]bool, len(e.MemberIDs))
	for _, memberID := range e.MemberIDs {
		if seen[memberID.String()] {
			continue
		}
		seen[memberID.String()] = true

		entry := domain.ParticipantEntry{
			UserID: memberID,
			Status: domain.ParticipantInvited,
		}
		if memberID == e.InitiatorID {
			entry.Status = domain.ParticipantJoined
			entry.JoinedAt = &joinedAt
		}
		next.Participants = append(next.Participants, entry)
	}
	next.ActiveParticipantIDs = next.ComputeActiveParticipantIDs()

	return next, Outcome{}, nil
}

func applyJoin(snapshot *domain.CallSession, e Join, now time.Time) (*domain.CallSession, Outcome, error) {
	if snapshot == nil {
		return nil, Outcome{}, ErrSessionEnded
	}
	if snapshot.IsTerminal() {
		return nil, Outcome{}, ErrSessionEnded
	}
	if snapshot.Participant(e.UserID) == nil {
		return nil, Outcome{}, ErrNotAParticipant
	}

	next := snapshot.Clone()
	entry := next.Participant(e.UserID)

	// Idempotent: a second join from a connected user changes nothing
	if entry.Status == domain.ParticipantJoined && entry.LeftAt == nil {
		return next, Outcome{NoOp: true}, nil
	}

	joinedAt := now
	entry.Status = domain.ParticipantJoined
	entry.JoinedAt = &joinedAt
	entry.LeftAt = nil
	next.ActiveParticipantIDs = next.ComputeActiveParticipantIDs()

	outcome := Outcome{}
	if next.Status == domain.CallStatusRinging && len(next.ActiveParticipantIDs) >= 2 {
		next.Status = domain.CallStatusActive
		outcome.Promoted = true
	}

	return next, outcome, nil
}

func applyLeave(snapshot *domain.CallSession, e Leave, now time.Time) (*domain.CallSession, Outcome, error) {
	if snapshot == nil || snapshot.IsTerminal() {
		return nil, Outcome{}, ErrSessionEnded
	}
	if snapshot.Participant(e.UserID) == nil {
		return nil, Outcome{}, ErrNotAParticipant
	}

	next := snapshot.Clone()
	entry := next.Participant(e.UserID)

	leftAt := now
	entry.Status = domain.ParticipantLeft
	entry.LeftAt = &leftAt
	next.ActiveParticipantIDs = next.ComputeActiveParticipantIDs()

	outcome := Outcome{}
	if len(next.ActiveParticipantIDs) == 0 {
		outcome = terminate(next, now)
		outcome.Ended = true
	}

	return next, outcome, nil
}

func applyDecline(snapshot *domain.CallSession, e Decline) (*domain.CallSession, Outcome, error) {
	if snapshot == nil || snapshot.IsTerminal() {
		return nil, Outcome{}, ErrSessionEnded
	}
	if snapshot.Participant(e.UserID) == nil {
		return nil, Outcome{}, ErrNotAParticipant
	}

	next := snapshot.Clone()
	entry := next.Participant(e.UserID)

	// Decline only moves invited entries; a connected or departed user
	// declining is absorbed so the active-set invariant holds
	if entry.Status != domain.ParticipantInvited {
		return next, Outcome{NoOp: true}, nil
	}

	entry.Status = domain.ParticipantDeclined
	return next, Outcome{}, nil
}

func applyReap(snapshot *domain.CallSession, now time.Time) (*domain.CallSession, Outcome, error) {
	if snapshot == nil || snapshot.IsTerminal() {
		return nil, Outcome{}, ErrSessionEnded
	}

	next := snapshot.Clone()
	outcome := terminate(next, now)
	outcome.Ended = true
	return next, outcome, nil
}

// terminate transitions a session to ended: sets endedAt, computes duration,
// forces invited entries to missed and stamps leftAt on connected ones.
func terminate(s *domain.CallSession, now time.Time) Outcome {
	endedAt := now
	s.Status = domain.CallStatusEnded
	s.EndedAt = &endedAt
	s.DurationSeconds = int(endedAt.Sub(s.StartedAt) / time.Second)

	var newlyMissed []domain.ParticipantEntry
	for i := range s.Participants {
		p := &s.Participants[i]
		switch {
		case p.Status == domain.ParticipantInvited:
			p.Status = domain.ParticipantMissed
			newlyMissed = append(newlyMissed, *p)
		case p.Status == domain.ParticipantJoined && p.LeftAt == nil:
			leftAt := endedAt
			p.LeftAt = &leftAt
		}
	}
	s.ActiveParticipantIDs = s.ComputeActiveParticipantIDs()

	outcome := Outcome{}
	for _, p := range newlyMissed {
		outcome.NewlyMissed = append(outcome.NewlyMissed, p.UserID)
	}
	return outcome
}
