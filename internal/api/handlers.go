// Package api contains the HTTP handlers for the chatbot service
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/internal/services"
)

// Server holds the dependencies for the API server.
type Server struct {
	Chatbot   *services.ChatbotService
	Workflows *services.WorkflowEngine
	Router    *services.ModelRouter
	Store     repository.Store
	Logger    *logging.Logger
}

// NewServer creates a new Server.
func NewServer(
	chatbot *services.ChatbotService,
	workflows *services.WorkflowEngine,
	router *services.ModelRouter,
	store repository.Store,
	logger *logging.Logger,
) *Server {
	return &Server{
		Chatbot:   chatbot,
		Workflows: workflows,
		Router:    router,
		Store:     store,
		Logger:    logger,
	}
}

// RegisterRoutes mounts the API routes on an echo group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/chat/message", s.HandleChatMessage)
	g.GET("/models", s.HandleListModels)
	g.GET("/workflows", s.HandleListWorkflows)
	g.POST("/workflows", s.HandleCreateWorkflow)
	g.POST("/workflows/:id/execute", s.HandleExecuteWorkflow)
	g.GET("/workflows/executions/:id", s.HandleGetExecution)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "comchat",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problem writes an RFC 7807 Problem Details JSON error response
func problem(c echo.Context, status int, title, detail string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
