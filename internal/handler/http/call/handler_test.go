package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguachat-backend/internal/domain"
	"linguachat-backend/internal/session"
	"linguachat-backend/pkg/constants"
	"linguachat-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	gin.SetMode(gin.TestMode)
	m.Run()
}

// fakeStore serves a single prebuilt session
type fakeStore struct {
	session *domain.CallSession
}

func (f *fakeStore) Get(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	if f.session != nil && f.session.ID == sessionID {
		return f.session, nil
	}
	return nil, session.ErrSessionNotFound
}

func (f *fakeStore) FindNonTerminalByRoom(ctx context.Context, roomID uuid.UUID) (*domain.CallSession, error) {
	return nil, nil
}

func (f *fakeStore) ConditionalSave(ctx context.Context, s *domain.CallSession, expectedVersion int64) error {
	return nil
}

func (f *fakeStore) SaveDeliveryFlags(ctx context.Context, sessionID uuid.UUID, flags map[uuid.UUID]session.DeliveryFlags) error {
	return nil
}

// fakeHistory records the limit it was asked for
type fakeHistory struct {
	entries   []session.ArchiveEntry
	gotLimit  int
	callCount int
}

func (f *fakeHistory) GetRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.ArchiveEntry, error) {
	f.gotLimit = limit
	f.callCount++
	return f.entries, nil
}

func ringingSession(userID uuid.UUID) *domain.CallSession {
	return &domain.CallSession{
		ID:          uuid.New(),
		RoomID:      uuid.New(),
		CallRoomID:  uuid.New(),
		InitiatorID: userID,
		CallType:    domain.CallTypeVideo,
		Status:      domain.CallStatusRinging,
		Participants: []domain.ParticipantEntry{
			{UserID: userID, Status: domain.ParticipantJoined},
		},
		ActiveParticipantIDs: []uuid.UUID{userID},
		StartedAt:            time.Now().UTC(),
		Version:              1,
	}
}

func historyRouter(userID uuid.UUID, store *fakeStore, history EventHistory) *gin.Engine {
	coordinator := session.NewCoordinator(
		store, nil, nil, nil, nil,
		session.DefaultRetryPolicy(nil),
		session.NewReaper(constants.CallRingTimeout),
		nil,
	)
	handler := NewHandler(coordinator, history)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	})
	router.GET("/v1/calls/:id/events", handler.GetCallEvents)
	return router
}

func TestGetCallEventsReturnsHistory(t *testing.T) {
	userID := uuid.New()
	s := ringingSession(userID)
	history := &fakeHistory{
		entries: []session.ArchiveEntry{
			{SessionID: s.ID, RoomID: s.RoomID, EventName: "call_initiated", ActorID: userID, Version: 1, Status: domain.CallStatusRinging, OccurredAt: time.Now().UnixMilli()},
		},
	}
	router := historyRouter(userID, &fakeStore{session: s}, history)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+s.ID.String()+"/events", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, history.gotLimit)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 1, body.Data.Count)
}

func TestGetCallEventsHonorsLimitParam(t *testing.T) {
	userID := uuid.New()
	s := ringingSession(userID)
	history := &fakeHistory{}
	router := historyRouter(userID, &fakeStore{session: s}, history)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+s.ID.String()+"/events?limit=5", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, history.gotLimit)
}

func TestGetCallEventsRejectsBadLimit(t *testing.T) {
	userID := uuid.New()
	s := ringingSession(userID)
	history := &fakeHistory{}
	router := historyRouter(userID, &fakeStore{session: s}, history)

	for _, limit := range []string{"0", "201", "abc"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+s.ID.String()+"/events?limit="+limit, nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
	assert.Zero(t, history.callCount)
}

func TestGetCallEventsWithoutArchive(t *testing.T) {
	userID := uuid.New()
	s := ringingSession(userID)
	router := historyRouter(userID, &fakeStore{session: s}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+s.ID.String()+"/events", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetCallEventsRequiresParticipation(t *testing.T) {
	owner := uuid.New()
	outsider := uuid.New()
	s := ringingSession(owner)
	history := &fakeHistory{}
	router := historyRouter(outsider, &fakeStore{session: s}, history)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/calls/"+s.ID.String()+"/events", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, history.callCount)
}
