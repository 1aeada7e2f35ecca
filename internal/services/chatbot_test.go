package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

func newTestChatbot(store *MockStore, router *ModelRouter, trees ...models.DecisionTree) *ChatbotService {
	logger := logging.NewLogger()
	webhooks := NewWebhookService(store, logger) // worker not started: events only enqueue
	billing := NewBillingService(store, logger)
	engine := NewDecisionTreeEngine(logger)
	return NewChatbotService(store, router, engine, billing, webhooks, logger)
}

func localRouter(t *testing.T, reply string, tokens int) *ModelRouter {
	ollama := fakeOllama(t, reply, tokens)
	return NewModelRouter(nil, NewOllamaClient(ollama.URL), testRouterConfig(true), logging.NewLogger())
}

func demoTenant(trees ...models.DecisionTree) *models.Tenant {
	return &models.Tenant{
		ID:       "t-1",
		Name:     "Demo",
		Slug:     "demo",
		IsActive: true,
		Config:   models.TenantConfig{DecisionTrees: trees},
	}
}

func expectWithinLimits(store *MockStore) {
	period := CurrentBillingPeriod()
	store.On("GetActiveSubscription", mock.Anything, "t-1").Return(&models.Subscription{
		TenantID:              "t-1",
		PlanName:              "free",
		MonthlyMessageLimit:   1000,
		MonthlyAIRequestLimit: 500,
	}, nil)
	store.On("SumUsage", mock.Anything, "t-1", models.UsageTypeMessages, period).Return(0, nil)
	store.On("SumUsage", mock.Anything, "t-1", models.UsageTypeAIRequests, period).Return(0, nil)
}

func baseParams() ProcessMessageParams {
	return ProcessMessageParams{
		TenantSlug:    "demo",
		Channel:       "web",
		ChannelUserID: "user-9",
		Message:       "hello",
	}
}

func TestProcessMessage_TenantNotFound(t *testing.T) {
	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(nil, repository.ErrNotFound)

	chatbot := newTestChatbot(store, localRouter(t, "", 0))
	_, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestProcessMessage_InactiveTenantNotFound(t *testing.T) {
	store := new(MockStore)
	tenant := demoTenant()
	tenant.IsActive = false
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(tenant, nil)

	chatbot := newTestChatbot(store, localRouter(t, "", 0))
	_, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestProcessMessage_OverLimitShortCircuits(t *testing.T) {
	store := new(MockStore)
	period := CurrentBillingPeriod()
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(), nil)
	store.On("GetActiveSubscription", mock.Anything, "t-1").Return(&models.Subscription{
		MonthlyMessageLimit:   10,
		MonthlyAIRequestLimit: 10,
	}, nil)
	store.On("SumUsage", mock.Anything, "t-1", models.UsageTypeMessages, period).Return(10, nil)
	store.On("SumUsage", mock.Anything, "t-1", models.UsageTypeAIRequests, period).Return(0, nil)

	chatbot := newTestChatbot(store, localRouter(t, "should never appear", 5))
	result, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.Equal(t, limitExceededResponse, result.Response)
	assert.Equal(t, "usage_limit_exceeded", result.MessageID)
	assert.Equal(t, "none", result.AIModelUsed)
	assert.Equal(t, "unknown", result.ConversationID)
	assert.Equal(t, 0, result.ProcessingTimeMs)

	// No model call side effects: nothing persisted, no usage charged.
	store.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "CreateUsageRecord", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything)
}

func TestProcessMessage_NoTreesReturnsRouterOutputUnchanged(t *testing.T) {
	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(), nil)
	expectWithinLimits(store)
	store.On("CreateConversation", mock.Anything, mock.Anything).Return(nil)
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	store.On("ListRecentMessages", mock.Anything, mock.Anything, historyLimit).Return([]*models.Message{}, nil)
	store.On("CreateUsageRecord", mock.Anything, mock.Anything).Return(nil)

	chatbot := newTestChatbot(store, localRouter(t, "raw model reply", 21))
	result, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.Equal(t, "raw model reply", result.Response)
	assert.Equal(t, "llama3.2:3b", result.AIModelUsed)
	assert.NotEmpty(t, result.ConversationID)
	assert.NotEmpty(t, result.MessageID)
}

func TestProcessMessage_EndToEndCounts(t *testing.T) {
	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(), nil)
	expectWithinLimits(store)

	var conversations []*models.Conversation
	store.On("CreateConversation", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		conversations = append(conversations, args.Get(1).(*models.Conversation))
	}).Return(nil)

	var messages []*models.Message
	store.On("CreateMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		messages = append(messages, args.Get(1).(*models.Message))
	}).Return(nil)

	store.On("ListRecentMessages", mock.Anything, mock.Anything, historyLimit).Return([]*models.Message{}, nil)

	var usage []*models.UsageRecord
	store.On("CreateUsageRecord", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		usage = append(usage, args.Get(1).(*models.UsageRecord))
	}).Return(nil)

	chatbot := newTestChatbot(store, localRouter(t, "hi there", 2000))
	result, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.NoError(t, err)

	// Exactly one conversation, one inbound and one outbound message.
	assert.Len(t, conversations, 1)
	assert.Len(t, messages, 2)
	assert.Equal(t, models.DirectionInbound, messages[0].Direction)
	assert.Equal(t, models.SenderUser, messages[0].Sender)
	assert.Equal(t, models.DirectionOutbound, messages[1].Direction)
	assert.Equal(t, models.SenderBot, messages[1].Sender)
	assert.True(t, messages[1].ProcessedByAI)
	assert.Equal(t, result.MessageID, messages[1].ID)
	assert.Equal(t, result.ProcessingTimeMs, messages[1].ProcessingTimeMs)

	// Two ledger rows: one message unit, one zero-cost local AI request.
	assert.Len(t, usage, 2)
	assert.Equal(t, models.UsageTypeMessages, usage[0].UsageType)
	assert.Equal(t, models.UsageTypeAIRequests, usage[1].UsageType)
	assert.Equal(t, 2000, usage[1].TokensUsed)
	assert.Equal(t, 0, usage[1].CostCents)
	assert.Equal(t, "llama3.2:3b", usage[1].Metadata["model"])
}

func TestProcessMessage_ReusesExistingConversation(t *testing.T) {
	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(), nil)
	expectWithinLimits(store)

	existing := &models.Conversation{ID: "c-1", TenantID: "t-1", Channel: "web", Status: models.ConversationActive}
	store.On("GetConversation", mock.Anything, "c-1", "t-1").Return(existing, nil)
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	store.On("ListRecentMessages", mock.Anything, "c-1", historyLimit).Return([]*models.Message{}, nil)
	store.On("CreateUsageRecord", mock.Anything, mock.Anything).Return(nil)

	params := baseParams()
	params.ConversationID = "c-1"

	chatbot := newTestChatbot(store, localRouter(t, "ok", 1))
	result, err := chatbot.ProcessMessage(context.Background(), params)
	assert.NoError(t, err)
	assert.Equal(t, "c-1", result.ConversationID)
	store.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything)
}

func TestProcessMessage_HandoverTreeUpdatesConversation(t *testing.T) {
	tree := models.DecisionTree{
		Name: "escalation", Enabled: true, Root: "start",
		Nodes: []models.Node{
			&models.ConditionNode{ID: "start", Conditions: []models.Condition{
				{CondType: models.ConditionContains, Keywords: []string{"human"}, NextNode: "h"},
			}},
			&models.HandoverNode{ID: "h", HandoverMessage: "Connecting you now.", Reason: "Customer asked"},
		},
	}

	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(tree), nil)
	expectWithinLimits(store)
	store.On("CreateConversation", mock.Anything, mock.Anything).Return(nil)
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	store.On("ListRecentMessages", mock.Anything, mock.Anything, historyLimit).Return([]*models.Message{}, nil)
	store.On("CreateUsageRecord", mock.Anything, mock.Anything).Return(nil)

	var updated *models.Conversation
	store.On("UpdateConversation", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		updated = args.Get(1).(*models.Conversation)
	}).Return(nil)

	params := baseParams()
	params.Message = "I need a human please"

	chatbot := newTestChatbot(store, localRouter(t, "bot draft", 3))
	result, err := chatbot.ProcessMessage(context.Background(), params)
	assert.NoError(t, err)
	assert.Equal(t, "Connecting you now.", result.Response)
	if assert.NotNil(t, updated) {
		assert.True(t, updated.HandedOverToHuman)
		assert.Equal(t, models.ConversationHandedOver, updated.Status)
		assert.Equal(t, "Customer asked", updated.HandoverReason)
	}
}

func TestProcessMessage_DisabledTreesAreSkipped(t *testing.T) {
	tree := models.DecisionTree{
		Name: "disabled", Enabled: false, Root: "start",
		Nodes: []models.Node{
			&models.ConditionNode{ID: "start", Conditions: []models.Condition{
				{CondType: models.ConditionContains, Keywords: []string{"hello"}, NextNode: "m"},
			}},
			&models.MessageNode{ID: "m", Message: "canned"},
		},
	}

	store := new(MockStore)
	store.On("GetTenantBySlug", mock.Anything, "demo").Return(demoTenant(tree), nil)
	expectWithinLimits(store)
	store.On("CreateConversation", mock.Anything, mock.Anything).Return(nil)
	store.On("CreateMessage", mock.Anything, mock.Anything).Return(nil)
	store.On("ListRecentMessages", mock.Anything, mock.Anything, historyLimit).Return([]*models.Message{}, nil)
	store.On("CreateUsageRecord", mock.Anything, mock.Anything).Return(nil)

	chatbot := newTestChatbot(store, localRouter(t, "model reply", 1))
	result, err := chatbot.ProcessMessage(context.Background(), baseParams())
	assert.NoError(t, err)
	assert.Equal(t, "model reply", result.Response)
}
