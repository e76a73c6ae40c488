package handlers

import (
	"strings"

	"medlink-server/internal/triage"
	"medlink-server/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageHandler serves the transcript of a triage session.
type MessageHandler struct {
	Service *triage.Service
	Logger  *zap.Logger
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(service *triage.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{Service: service, Logger: logger}
}

// GetMessages returns the transcript of a session, oldest first.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	messages, err := h.Service.ListMessages(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondTriageError(c, h.Logger, err, "Failed to fetch messages")
		return
	}
	utils.Success(c, "Messages fetched successfully", messages)
}

// SendMessageRequest represents the request body for a doctor reply.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required,max=4000"`
}

// SendMessage posts a doctor reply into the session transcript.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		utils.BadRequest(c, "Message content cannot be empty")
		return
	}

	msg, err := h.Service.AddDoctorMessage(c.Request.Context(), c.Param("id"), actorFrom(c), content)
	if err != nil {
		respondTriageError(c, h.Logger, err, "Failed to send message")
		return
	}
	utils.Created(c, "Message sent successfully", msg)
}
