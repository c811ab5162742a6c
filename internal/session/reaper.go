package session

import (
	"time"

	"linguachat-backend/internal/domain"
	"linguachat-backend/pkg/constants"
)

// Reaper classifies sessions nobody is actively using, so a stuck session
// never permanently blocks new calls to its room. It is consulted on
// initiate, before a conflict is surfaced to the caller.
type Reaper struct {
	// RingTimeout is how long a ringing session may go unanswered before it
	// is considered abandoned
	RingTimeout time.Duration
}

// NewReaper creates a reaper with the given ring timeout; zero means the
// default from constants
func NewReaper(ringTimeout time.Duration) *Reaper {
	if ringTimeout <= 0 {
		ringTimeout = constants.CallRingTimeout
	}
	return &Reaper{RingTimeout: ringTimeout}
}

// IsAbandoned reports whether the session qualifies for forced termination
func (r *Reaper) IsAbandoned(s *domain.CallSession, now time.Time) bool {
	if s == nil || s.IsTerminal() {
		return false
	}
	return r.hasNoActiveParticipants(s) || r.ringTimedOut(s, now)
}

// hasNoActiveParticipants: everyone who joined has left again, but the
// termination write never landed
func (r *Reaper) hasNoActiveParticipants(s *domain.CallSession) bool {
	return len(s.ActiveParticipantIDs) == 0
}

// ringTimedOut: the call rang unanswered past the timeout
func (r *Reaper) ringTimedOut(s *domain.CallSession, now time.Time) bool {
	return s.Status == domain.CallStatusRinging && now.Sub(s.StartedAt) > r.RingTimeout
}
