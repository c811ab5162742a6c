// Package fanout bridges committed call transitions onto the realtime
// delivery path: a Redis pub/sub channel per call, consumed by the
// websocket hubs of every service instance.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linguachat-backend/internal/database"
	"linguachat-backend/internal/repository/redis"
	"linguachat-backend/pkg/logger"
)

// ChannelName returns the pub/sub channel for a call's channel token
func ChannelName(channelToken uuid.UUID) string {
	return fmt.Sprintf("call:%s", channelToken)
}

// Envelope is the wire format published on a call channel. Hubs on every
// instance receive it and deliver to their locally connected recipients.
type Envelope struct {
	Event      string      `json:"event"`
	Recipients []uuid.UUID `json:"recipients,omitempty"`
	Payload    any         `json:"payload"`
}

// RedisFanout publishes call events over Redis pub/sub. The delivered set is
// derived from presence: a recipient with a live heartbeat is assumed to hold
// a socket on some instance subscribed to the channel.
type RedisFanout struct {
	client   *database.RedisClient
	presence *redis.PresenceRepository
}

// NewRedisFanout creates a new RedisFanout
func NewRedisFanout(client *database.RedisClient, presence *redis.PresenceRepository) *RedisFanout {
	return &RedisFanout{client: client, presence: presence}
}

// Publish sends the event to every recipient listening on the call channel
// and returns the recipients believed reached. Under Redis degradation it
// returns an empty delivered set so callers fall back to push.
func (f *RedisFanout) Publish(ctx context.Context, channelToken uuid.UUID, eventName string, payload any, recipients []uuid.UUID) ([]uuid.UUID, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(Envelope{
		Event:      eventName,
		Recipients: recipients,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode fanout envelope: %w", err)
	}

	if err := f.client.SafePublish(ctx, ChannelName(channelToken), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish call event: %w", err)
	}

	delivered, err := f.presence.FilterOnline(ctx, recipients)
	if err != nil {
		// The publish landed; only the delivered estimate is lost
		logger.Warn("Presence lookup failed after fanout publish",
			zap.String("event", eventName),
			zap.Error(err))
		return nil, nil
	}

	return delivered, nil
}
