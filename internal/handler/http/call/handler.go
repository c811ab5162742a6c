package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"linguachat-backend/internal/domain"
	"linguachat-backend/internal/session"
	"linguachat-backend/pkg/response"
)

// EventHistory reads archived call transitions
type EventHistory interface {
	GetRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.ArchiveEntry, error)
}

// Handler handles call lifecycle HTTP requests
type Handler struct {
	coordinator *session.Coordinator
	history     EventHistory // optional
}

// NewHandler creates a new call handler. history may be nil when no archive
// is configured.
func NewHandler(coordinator *session.Coordinator, history EventHistory) *Handler {
	return &Handler{coordinator: coordinator, history: history}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	RoomID   string `json:"room_id" binding:"required,uuid"`
	CallType string `json:"call_type" binding:"required,oneof=audio video"`
}

// InitiateCall starts a new call in a room, or returns the room's live call
// when one already exists
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	roomID, err := uuid.Parse(req.RoomID)
	if err != nil {
		response.ValidationError(c, "Invalid room ID")
		return
	}

	output, err := h.coordinator.Initiate(c.Request.Context(), roomID, userID, domain.CallType(req.CallType))
	if err != nil {
		response.AppError(c, err)
		return
	}

	// A live call already in progress is a success outcome; the caller
	// should join it instead
	if output.AlreadyActive {
		response.Success(c, http.StatusOK, gin.H{
			"already_active": true,
			"session":        output.Session,
		})
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"already_active": false,
		"session":        output.Session,
	})
}

// JoinCall connects the caller to a ringing or active call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	sessionID, userID, ok := sessionAndUser(c)
	if !ok {
		return
	}

	s, err := h.coordinator.Join(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": s})
}

// LeaveCall disconnects the caller; the last participant leaving ends the call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	sessionID, userID, ok := sessionAndUser(c)
	if !ok {
		return
	}

	output, err := h.coordinator.Leave(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_ended": output.CallEnded,
		"session":    output.Session,
	})
}

// DeclineCall marks the caller as having rejected the invitation
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	sessionID, userID, ok := sessionAndUser(c)
	if !ok {
		return
	}

	s, err := h.coordinator.Decline(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": s})
}

// GetCall returns current call state; participants poll this when fan-out
// delivery is uncertain
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	sessionID, userID, ok := sessionAndUser(c)
	if !ok {
		return
	}

	s, err := h.coordinator.Get(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": s})
}

// GetCallEvents returns the archived transition history of a call, newest
// first. Only participants may read it.
// GET /v1/calls/:id/events
func (h *Handler) GetCallEvents(c *gin.Context) {
	sessionID, userID, ok := sessionAndUser(c)
	if !ok {
		return
	}

	if h.history == nil {
		response.NotFound(c, "Call history is not available")
		return
	}

	// Participation check rides on the session read
	if _, err := h.coordinator.Get(c.Request.Context(), sessionID, userID); err != nil {
		response.AppError(c, err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			response.ValidationError(c, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	events, err := h.history.GetRecent(c.Request.Context(), sessionID, limit)
	if err != nil {
		response.InternalError(c, "Failed to read call history")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// sessionAndUser extracts the session id path param and the authenticated
// user, writing the error response itself on failure
func sessionAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}

	userID, ok := currentUserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return sessionID, userID, true
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
