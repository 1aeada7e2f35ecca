package repository

import (
	"context"
	"errors"

	"comchat/backend/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the message pipeline and the
// workflow engine. All calls may fail with a generic I/O error which
// callers propagate; there is no store-level retry.
type Store interface {
	// Tenants
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error

	// Conversations
	GetConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conversation *models.Conversation) error
	UpdateConversation(ctx context.Context, conversation *models.Conversation) error

	// Messages
	CreateMessage(ctx context.Context, message *models.Message) error
	// ListRecentMessages returns up to limit messages, newest first.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// Billing
	GetActiveSubscription(ctx context.Context, tenantID string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	SumUsage(ctx context.Context, tenantID, usageType, billingPeriod string) (int, error)
	CreateUsageRecord(ctx context.Context, record *models.UsageRecord) error

	// Webhooks
	ListWebhooks(ctx context.Context, tenantID string) ([]*models.Webhook, error)
	CreateWebhook(ctx context.Context, webhook *models.Webhook) error
	UpdateWebhookStats(ctx context.Context, webhook *models.Webhook) error

	// Workflows
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error)
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	CreateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error
	// ListWorkflowSteps returns steps ordered by order_index ascending.
	ListWorkflowSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error)
	UpdateWorkflowStats(ctx context.Context, workflowID string, success bool) error

	// Workflow executions
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)

	// Prompt templates
	GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error)
	CreatePromptTemplate(ctx context.Context, template *models.PromptTemplate) error
}
