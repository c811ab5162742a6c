package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguachat-backend/internal/database"
	"linguachat-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakePresence records online transitions per user
type fakePresence struct {
	mu      sync.Mutex
	online  map[uuid.UUID]bool
	refresh int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[uuid.UUID]bool)}
}

func (f *fakePresence) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	return nil
}

func (f *fakePresence) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = false
	return nil
}

func (f *fakePresence) RefreshPresence(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
	return nil
}

func (f *fakePresence) isOnline(userID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

// unreachableRedis returns a client whose connections fail fast, so
// subscription goroutines exit quickly instead of hanging the test
func unreachableRedis(t *testing.T) *database.RedisClient {
	t.Helper()
	client, err := database.NewRedisDB(&database.RedisConfig{
		Host:    "127.0.0.1",
		Port:    1,
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newTestClient(hub *CallHub, channelToken uuid.UUID, sendBuffer int) *CallClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallClient{
		hub:          hub,
		send:         make(chan []byte, sendBuffer),
		userID:       uuid.New(),
		channelToken: channelToken,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (h *CallHub) clientCount(channelToken uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelToken])
}

func (h *CallHub) hasSubscription(channelToken uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscriptionCancels[channelToken]
	return ok
}

func TestHubTracksPresence(t *testing.T) {
	presence := newFakePresence()
	hub := NewCallHub(unreachableRedis(t), presence, nil)

	channelToken := uuid.New()
	client := newTestClient(hub, channelToken, 8)

	hub.register <- client
	assert.Eventually(t, func() bool {
		return presence.isOnline(client.userID) && hub.clientCount(channelToken) == 1
	}, time.Second, 5*time.Millisecond)

	hub.unregister <- client
	assert.Eventually(t, func() bool {
		return !presence.isOnline(client.userID) && hub.clientCount(channelToken) == 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, hub.hasSubscription(channelToken))

	select {
	case <-client.ctx.Done():
	default:
		t.Fatal("expected client context to be cancelled on removal")
	}
}

func TestSlowConsumerFullTeardown(t *testing.T) {
	presence := newFakePresence()
	hub := NewCallHub(unreachableRedis(t), presence, nil)

	channelToken := uuid.New()
	client := newTestClient(hub, channelToken, 1)

	released := 0
	client.release = func() { released++ }

	hub.register <- client
	assert.Eventually(t, func() bool {
		return hub.clientCount(channelToken) == 1
	}, time.Second, 5*time.Millisecond)

	// Fill the send buffer so the next delivery cannot be queued
	client.send <- []byte(`{"event":"participant_joined"}`)

	hub.broadcast <- &channelMessage{
		channelToken: channelToken,
		senderID:     uuid.New(),
		raw:          []byte(`{"event":"call_ended"}`),
	}

	assert.Eventually(t, func() bool {
		return hub.clientCount(channelToken) == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case <-client.ctx.Done():
	default:
		t.Fatal("expected dropped client's context to be cancelled")
	}

	assert.False(t, hub.hasSubscription(channelToken), "last listener's subscription should be torn down")
	assert.Equal(t, 1, released, "connection slot should be released on drop")
	assert.Eventually(t, func() bool {
		return !presence.isOnline(client.userID)
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateRemovalIsHarmless(t *testing.T) {
	hub := NewCallHub(unreachableRedis(t), nil, nil)

	channelToken := uuid.New()
	client := newTestClient(hub, channelToken, 1)
	released := 0
	client.release = func() { released++ }

	hub.register <- client
	assert.Eventually(t, func() bool {
		return hub.clientCount(channelToken) == 1
	}, time.Second, 5*time.Millisecond)

	hub.mu.Lock()
	hub.removeClientLocked(client)
	hub.removeClientLocked(client)
	hub.mu.Unlock()

	assert.Equal(t, 0, hub.clientCount(channelToken))
	assert.Equal(t, 1, released)
}
