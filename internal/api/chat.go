package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"comchat/backend/internal/services"
)

// ChatMessageRequest is one inbound chat message.
type ChatMessageRequest struct {
	TenantSlug     string `json:"tenant_slug"`
	Channel        string `json:"channel"`
	ChannelUserID  string `json:"channel_user_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
}

// HandleChatMessage processes one inbound message through the chat
// pipeline.
// (POST /api/v1/chat/message)
func (s *Server) HandleChatMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var req ChatMessageRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request", "Invalid request body: "+err.Error())
	}
	if req.TenantSlug == "" || req.Channel == "" || req.ChannelUserID == "" || req.Message == "" {
		return problem(c, http.StatusBadRequest, "Invalid request", "tenant_slug, channel, channel_user_id and message are required")
	}

	result, err := s.Chatbot.ProcessMessage(ctx, services.ProcessMessageParams{
		TenantSlug:     req.TenantSlug,
		Channel:        req.Channel,
		ChannelUserID:  req.ChannelUserID,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
	})
	if err != nil {
		if errors.Is(err, services.ErrTenantNotFound) {
			return problem(c, http.StatusNotFound, "Tenant not found", err.Error())
		}
		s.Logger.Error("message processing failed", "tenant", req.TenantSlug, "error", err)
		return problem(c, http.StatusInternalServerError, "Processing failed", "Failed to process message")
	}

	return c.JSON(http.StatusOK, result)
}

// HandleListModels lists models available on the local inference
// backend.
// (GET /api/v1/models)
func (s *Server) HandleListModels(c echo.Context) error {
	models := s.Router.ListAvailableModels(c.Request().Context())
	if models == nil {
		models = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"models": models})
}
