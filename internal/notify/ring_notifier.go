// Package notify adapts the push notification service to the call
// coordination ports.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linguachat-backend/internal/domain"
	"linguachat-backend/pkg/logger"
	"linguachat-backend/pkg/metrics"
	"linguachat-backend/pkg/push"
)

// PushRingNotifier rings invitees without a live socket and informs missed
// participants after a call ends. Everything here is best-effort; a failed
// push never fails the lifecycle operation that triggered it.
type PushRingNotifier struct {
	pushService *push.Service
	metrics     *metrics.Metrics
}

// NewPushRingNotifier creates a new PushRingNotifier. m may be nil.
func NewPushRingNotifier(pushService *push.Service, m *metrics.Metrics) *PushRingNotifier {
	return &PushRingNotifier{pushService: pushService, metrics: m}
}

// NotifyIncomingCall pushes an incoming-call alert to invitees unreachable on
// the fan-out channel
func (n *PushRingNotifier) NotifyIncomingCall(ctx context.Context, s *domain.CallSession, inviteeIDs []uuid.UUID) {
	notification := &push.Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("Incoming %s call", s.CallType),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":          "incoming_call",
			"session_id":    s.ID.String(),
			"room_id":       s.RoomID.String(),
			"channel_token": s.CallRoomID.String(),
			"initiator_id":  s.InitiatorID.String(),
			"call_type":     string(s.CallType),
		},
	}

	n.send(ctx, "incoming_call", s, notification, inviteeIDs)
}

// NotifyMissedCall informs participants who never answered that the call is
// over
func (n *PushRingNotifier) NotifyMissedCall(ctx context.Context, s *domain.CallSession, missedIDs []uuid.UUID) {
	notification := &push.Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a %s call", s.CallType),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":         "missed_call",
			"session_id":   s.ID.String(),
			"room_id":      s.RoomID.String(),
			"initiator_id": s.InitiatorID.String(),
			"call_type":    string(s.CallType),
		},
	}

	n.send(ctx, "missed_call", s, notification, missedIDs)
}

func (n *PushRingNotifier) send(ctx context.Context, kind string, s *domain.CallSession, notification *push.Notification, userIDs []uuid.UUID) {
	if len(userIDs) == 0 {
		return
	}

	err := n.pushService.SendToUsers(ctx, notification, userIDs)
	if err != nil {
		logger.Warn("Push notification failed",
			zap.String("kind", kind),
			zap.String("session_id", s.ID.String()),
			zap.Int("recipient_count", len(userIDs)),
			zap.Error(err))
	}
	if n.metrics != nil {
		n.metrics.RecordPushNotification(kind, err == nil)
	}
}
