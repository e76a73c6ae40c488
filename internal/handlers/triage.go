package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"medlink-server/internal/events"
	"medlink-server/internal/llm"
	"medlink-server/internal/middleware"
	"medlink-server/internal/models"
	"medlink-server/internal/triage"
	"medlink-server/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHeader carries the id of the session a chat turn was stored in.
const SessionHeader = "X-Triage-Session-Id"

// ChatModel is the part of llm.Client the chat relay needs.
type ChatModel interface {
	Ready() error
	StreamChat(ctx context.Context, messages []llm.Message) (*llm.Stream, error)
}

// TriageHandler serves the triage chat relay and session endpoints.
type TriageHandler struct {
	Service      *triage.Service
	LLM          ChatModel
	Persister    *triage.Persister
	Events       events.Subscriber
	HistoryLimit int
	Logger       *zap.Logger
}

// NewTriageHandler creates a new TriageHandler.
func NewTriageHandler(service *triage.Service, model ChatModel, persister *triage.Persister, feed events.Subscriber, historyLimit int, logger *zap.Logger) *TriageHandler {
	return &TriageHandler{
		Service:      service,
		LLM:          model,
		Persister:    persister,
		Events:       feed,
		HistoryLimit: historyLimit,
		Logger:       logger,
	}
}

// LatestUserMessageRequest is the new user turn of a chat request.
type LatestUserMessageRequest struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// ChatRequest represents the request body of a triage chat turn.
type ChatRequest struct {
	SessionID         string                    `json:"sessionId"`
	Messages          []triage.ChatTurn         `json:"messages" binding:"required,min=1,dive"`
	LatestUserMessage *LatestUserMessageRequest `json:"latestUserMessage"`
	Context           *triage.ClientContext     `json:"context"`
}

// Chat relays one triage turn to the model and streams the reply back as
// plain text. The reply is persisted in the background once the stream ends.
func (h *TriageHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	if req.LatestUserMessage == nil || strings.TrimSpace(req.LatestUserMessage.Content) == "" {
		utils.BadRequest(c, "latestUserMessage with non-empty content is required")
		return
	}
	if strings.TrimSpace(req.LatestUserMessage.ID) == "" {
		utils.BadRequest(c, "latestUserMessage.id is required")
		return
	}

	latest := triage.LatestUserMessage{
		ID:      strings.TrimSpace(req.LatestUserMessage.ID),
		Content: strings.TrimSpace(req.LatestUserMessage.Content),
	}
	if raw := strings.TrimSpace(req.LatestUserMessage.CreatedAt); raw != "" {
		createdAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.BadRequest(c, "latestUserMessage.createdAt must be an RFC3339 timestamp")
			return
		}
		latest.CreatedAt = &createdAt
	}

	if err := h.LLM.Ready(); err != nil {
		h.Logger.Error("triage chat unavailable", zap.Error(err))
		utils.InternalServerError(c, "AI triage is not configured")
		return
	}

	patientID, _ := middleware.GetUserIDFromContext(c)
	ctx := c.Request.Context()

	session, err := h.Service.ResolveOrCreateSession(ctx, patientID, strings.TrimSpace(req.SessionID), latest.CreatedAt)
	if err != nil {
		utils.InternalServerError(c, "Failed to resolve triage session")
		return
	}
	log := h.Logger.With(zap.String("session_id", session.ID), zap.String("patient_id", patientID))

	if _, err := h.Service.PersistUserMessage(ctx, session.ID, latest); err != nil {
		log.Error("store user message", zap.Error(err))
		utils.InternalServerError(c, "Failed to store message")
		return
	}

	pc, err := h.Service.LoadPatientContext(ctx, patientID, session.Summary.Data(), req.Context)
	if err != nil {
		log.Warn("load patient context", zap.Error(err))
	}
	messages := triage.BuildMessages(req.Messages, latest.Content, triage.BuildContextMessage(pc), h.HistoryLimit)

	stream, err := h.LLM.StreamChat(ctx, messages)
	if err != nil {
		var upstream *llm.UpstreamError
		if errors.As(err, &upstream) {
			log.Warn("llm upstream failed", zap.Int("status", upstream.StatusCode), zap.Error(err))
			utils.BadGateway(c, "AI triage service unavailable", upstream.Message)
			return
		}
		log.Error("open llm stream", zap.Error(err))
		utils.InternalServerError(c, "Failed to start AI triage")
		return
	}
	defer stream.Close()

	c.Header(SessionHeader, session.ID)
	c.Header("Cache-Control", "no-cache, no-store")
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	var full strings.Builder
	clientGone := false
	for {
		delta, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("llm stream ended with error", zap.Error(err))
			}
			break
		}
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if clientGone {
			continue
		}
		if _, err := io.WriteString(c.Writer, delta); err != nil {
			log.Debug("client disconnected", zap.Error(err))
			clientGone = true
			continue
		}
		c.Writer.Flush()
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	sessionID := session.ID
	h.Persister.Submit("complete triage turn", func(jobCtx context.Context) error {
		return h.Service.CompleteTurn(jobCtx, sessionID, text)
	}, zap.String("session_id", sessionID))
}

// CurrentSession returns the caller's active session.
func (h *TriageHandler) CurrentSession(c *gin.Context) {
	patientID, _ := middleware.GetUserIDFromContext(c)
	session, err := h.Service.ActiveSession(c.Request.Context(), patientID)
	if err != nil {
		h.respondError(c, err, "Failed to load triage session")
		return
	}
	utils.Success(c, "Triage session fetched successfully", session)
}

// GetSession returns a session with its summary and transcript.
func (h *TriageHandler) GetSession(c *gin.Context) {
	detail, err := h.Service.GetSessionDetail(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.respondError(c, err, "Failed to load triage session")
		return
	}
	utils.Success(c, "Triage session fetched successfully", detail)
}

// ListSessions returns the doctor queue, most urgent first.
func (h *TriageHandler) ListSessions(c *gin.Context) {
	filter := triage.SessionFilter{
		Status:    models.SessionStatus(strings.ToLower(c.Query("status"))),
		PatientID: c.Query("patientId"),
	}
	if risk := c.Query("risk"); risk != "" {
		level, ok := models.ParseRiskLevel(risk)
		if !ok {
			utils.BadRequest(c, "Invalid risk filter")
			return
		}
		filter.RiskLevel = level
	}
	if filter.Status != "" && !filter.Status.Valid() {
		utils.BadRequest(c, "Invalid status filter")
		return
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.Service.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Failed to list triage sessions")
		return
	}
	utils.Success(c, "Triage sessions fetched successfully", sessions)
}

// CompleteSessionRequest optionally hands the session to a doctor and books
// a consultation.
type CompleteSessionRequest struct {
	DoctorID        string     `json:"doctorId" binding:"omitempty,uuid"`
	StartTime       *time.Time `json:"startTime"`
	DurationMinutes int        `json:"durationMinutes" binding:"omitempty,min=5,max=240"`
	Notes           string     `json:"notes"`
}

// CompleteSession closes an active session.
func (h *TriageHandler) CompleteSession(c *gin.Context) {
	var req CompleteSessionRequest
	if c.Request.ContentLength != 0 && !utils.BindAndValidate(c, &req) {
		return
	}
	if req.StartTime != nil && req.StartTime.Before(time.Now()) {
		utils.BadRequest(c, "Appointment date must be in the future.")
		return
	}

	result, err := h.Service.CompleteSession(c.Request.Context(), c.Param("id"), actorFrom(c), &triage.HandoffRequest{
		DoctorID:  req.DoctorID,
		StartTime: req.StartTime,
		Duration:  time.Duration(req.DurationMinutes) * time.Minute,
		Notes:     req.Notes,
	})
	if err != nil {
		h.respondError(c, err, "Failed to complete triage session")
		return
	}
	utils.Success(c, "Triage session completed successfully", result)
}

// Feed streams triage events to clinicians as server-sent events.
func (h *TriageHandler) Feed(c *gin.Context) {
	ctx := c.Request.Context()
	feed, err := h.Events.Subscribe(ctx)
	if err != nil {
		if errors.Is(err, events.ErrFeedUnavailable) {
			utils.Error(c, http.StatusServiceUnavailable, "Triage event feed is not configured")
			return
		}
		h.Logger.Error("subscribe to triage feed", zap.Error(err))
		utils.InternalServerError(c, "Failed to subscribe to triage feed")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-feed:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		}
	})
}

func actorFrom(c *gin.Context) triage.Actor {
	userID, _ := middleware.GetUserIDFromContext(c)
	role, _ := middleware.GetUserRoleFromContext(c)
	return triage.Actor{UserID: userID, Role: role}
}

// respondError maps triage errors onto HTTP statuses.
func (h *TriageHandler) respondError(c *gin.Context, err error, fallback string) {
	respondTriageError(c, h.Logger, err, fallback)
}

func respondTriageError(c *gin.Context, logger *zap.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, triage.ErrSessionNotFound):
		utils.NotFound(c, "Triage session not found")
	case errors.Is(err, triage.ErrForbidden):
		utils.Forbidden(c, "You are not authorized to access this triage session")
	case errors.Is(err, triage.ErrSessionCompleted):
		utils.Conflict(c, "Triage session is already completed")
	case errors.Is(err, triage.ErrUserNotFound):
		utils.ErrorWithDetail(c, http.StatusBadRequest, "Doctor not found", err.Error())
	default:
		logger.Error(fallback, zap.Error(err))
		utils.InternalServerError(c, fallback)
	}
}
