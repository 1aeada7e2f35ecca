package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"comchat/backend/internal/repository"
	"comchat/backend/internal/services"
	"comchat/backend/pkg/models"
)

// CreateWorkflowRequest creates a workflow together with its steps.
type CreateWorkflowRequest struct {
	TenantID                string                 `json:"tenant_id"`
	Name                    string                 `json:"name"`
	Description             string                 `json:"description,omitempty"`
	Status                  string                 `json:"status,omitempty"`
	InitialContext          map[string]interface{} `json:"initial_context,omitempty"`
	Priority                int                    `json:"priority,omitempty"`
	MaxExecutionTimeMinutes int                    `json:"max_execution_time_minutes,omitempty"`
	Version                 string                 `json:"version,omitempty"`
	Steps                   []models.WorkflowStep  `json:"steps,omitempty"`
}

// ExecuteWorkflowRequest starts one execution of a workflow.
type ExecuteWorkflowRequest struct {
	TenantID       string                 `json:"tenant_id"`
	Context        map[string]interface{} `json:"context,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
}

// HandleListWorkflows returns a tenant's workflows
// (GET /api/v1/workflows?tenant_id=...)
func (s *Server) HandleListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return problem(c, http.StatusBadRequest, "Invalid request", "tenant_id query parameter is required")
	}

	workflows, err := s.Store.ListWorkflows(ctx, tenantID)
	if err != nil {
		s.Logger.Error("failed to list workflows", "tenant_id", tenantID, "error", err)
		return problem(c, http.StatusInternalServerError, "Listing failed", "Failed to list workflows")
	}
	return c.JSON(http.StatusOK, workflows)
}

// HandleCreateWorkflow creates a workflow and its steps
// (POST /api/v1/workflows)
func (s *Server) HandleCreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request", "Invalid request body: "+err.Error())
	}
	if req.TenantID == "" || req.Name == "" {
		return problem(c, http.StatusBadRequest, "Invalid request", "tenant_id and name are required")
	}

	status := req.Status
	if status == "" {
		status = models.WorkflowDraft
	}
	maxMinutes := req.MaxExecutionTimeMinutes
	if maxMinutes <= 0 {
		maxMinutes = 30
	}
	version := req.Version
	if version == "" {
		version = "1.0"
	}

	workflow := &models.Workflow{
		ID:                      uuid.NewString(),
		TenantID:                req.TenantID,
		Name:                    req.Name,
		Description:             req.Description,
		Status:                  status,
		InitialContext:          req.InitialContext,
		Priority:                req.Priority,
		MaxExecutionTimeMinutes: maxMinutes,
		Version:                 version,
	}
	if err := s.Store.CreateWorkflow(ctx, workflow); err != nil {
		s.Logger.Error("failed to create workflow", "tenant_id", req.TenantID, "error", err)
		return problem(c, http.StatusInternalServerError, "Creation failed", "Failed to save workflow")
	}

	for i := range req.Steps {
		step := req.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.WorkflowID = workflow.ID
		if step.OrderIndex == 0 {
			step.OrderIndex = i
		}
		if err := s.Store.CreateWorkflowStep(ctx, &step); err != nil {
			s.Logger.Error("failed to create workflow step", "workflow_id", workflow.ID, "step", step.Name, "error", err)
			return problem(c, http.StatusInternalServerError, "Creation failed", "Failed to save workflow step")
		}
	}

	return c.JSON(http.StatusCreated, workflow)
}

// HandleExecuteWorkflow runs one workflow execution synchronously
// (POST /api/v1/workflows/:id/execute)
func (s *Server) HandleExecuteWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("id")

	var req ExecuteWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return problem(c, http.StatusBadRequest, "Invalid request", "Invalid request body: "+err.Error())
	}
	if req.TenantID == "" {
		return problem(c, http.StatusBadRequest, "Invalid request", "tenant_id is required")
	}

	result, err := s.Workflows.ExecuteWorkflow(ctx, workflowID, req.TenantID, req.Context, services.ExecuteOptions{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	})
	if err != nil {
		if errors.Is(err, services.ErrWorkflowNotActive) {
			return problem(c, http.StatusNotFound, "Workflow not available", err.Error())
		}
		s.Logger.Error("workflow execution failed", "workflow_id", workflowID, "error", err)
		return problem(c, http.StatusInternalServerError, "Execution failed", "Failed to execute workflow")
	}

	return c.JSON(http.StatusOK, result)
}

// HandleGetExecution returns one persisted execution record
// (GET /api/v1/workflows/executions/:id)
func (s *Server) HandleGetExecution(c echo.Context) error {
	ctx := c.Request().Context()

	execution, err := s.Store.GetExecution(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return problem(c, http.StatusNotFound, "Execution not found", "No execution with that id")
		}
		s.Logger.Error("failed to fetch execution", "execution_id", c.Param("id"), "error", err)
		return problem(c, http.StatusInternalServerError, "Fetch failed", "Failed to fetch execution")
	}
	return c.JSON(http.StatusOK, execution)
}
