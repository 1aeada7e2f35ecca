package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"comchat/backend/pkg/models"
)

// MockStore satisfies repository.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *MockStore) GetConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	args := m.Called(ctx, id, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Conversation), args.Error(1)
}

func (m *MockStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	args := m.Called(ctx, conversation)
	return args.Error(0)
}

func (m *MockStore) UpdateConversation(ctx context.Context, conversation *models.Conversation) error {
	args := m.Called(ctx, conversation)
	return args.Error(0)
}

func (m *MockStore) CreateMessage(ctx context.Context, message *models.Message) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Message), args.Error(1)
}

func (m *MockStore) GetActiveSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *MockStore) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	args := m.Called(ctx, subscription)
	return args.Error(0)
}

func (m *MockStore) SumUsage(ctx context.Context, tenantID, usageType, billingPeriod string) (int, error) {
	args := m.Called(ctx, tenantID, usageType, billingPeriod)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) CreateUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) ListWebhooks(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Webhook), args.Error(1)
}

func (m *MockStore) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	args := m.Called(ctx, webhook)
	return args.Error(0)
}

func (m *MockStore) UpdateWebhookStats(ctx context.Context, webhook *models.Webhook) error {
	args := m.Called(ctx, webhook)
	return args.Error(0)
}

func (m *MockStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Workflow), args.Error(1)
}

func (m *MockStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)
	return args.Error(0)
}

func (m *MockStore) CreateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

func (m *MockStore) ListWorkflowSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WorkflowStep), args.Error(1)
}

func (m *MockStore) UpdateWorkflowStats(ctx context.Context, workflowID string, success bool) error {
	args := m.Called(ctx, workflowID, success)
	return args.Error(0)
}

func (m *MockStore) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)
	return args.Error(0)
}

func (m *MockStore) UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)
	return args.Error(0)
}

func (m *MockStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockStore) GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PromptTemplate), args.Error(1)
}

func (m *MockStore) CreatePromptTemplate(ctx context.Context, template *models.PromptTemplate) error {
	args := m.Called(ctx, template)
	return args.Error(0)
}
