package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

const (
	historyLimit = 10

	limitExceededResponse = "You have exceeded your usage limits for this billing period. Please upgrade your plan or wait for the next billing cycle."
)

// ErrTenantNotFound is returned when the tenant slug does not resolve to
// an active tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// ProcessMessageParams is one inbound message to the pipeline.
type ProcessMessageParams struct {
	TenantSlug     string
	Channel        string
	ChannelUserID  string
	Message        string
	ConversationID string
	MediaURL       string
	MediaType      string
}

// ProcessMessageResult is the pipeline's reply to the caller.
type ProcessMessageResult struct {
	Response         string `json:"response"`
	ConversationID   string `json:"conversation_id"`
	MessageID        string `json:"message_id"`
	ProcessingTimeMs int    `json:"processing_time_ms"`
	AIModelUsed      string `json:"ai_model_used"`
}

// ChatbotService is the message pipeline orchestrator: usage gate,
// conversation bookkeeping, model routing, decision trees, usage
// recording and webhook notification, in that order.
type ChatbotService struct {
	store    repository.Store
	router   *ModelRouter
	trees    *DecisionTreeEngine
	billing  *BillingService
	webhooks *WebhookService
	logger   *logging.Logger

	messageCounter  metric.Int64Counter
	processDuration metric.Float64Histogram
}

// NewChatbotService creates a new ChatbotService.
func NewChatbotService(
	store repository.Store,
	router *ModelRouter,
	trees *DecisionTreeEngine,
	billing *BillingService,
	webhooks *WebhookService,
	logger *logging.Logger,
) *ChatbotService {
	meter := otel.Meter("comchat/backend/internal/services")
	messageCounter, _ := meter.Int64Counter("chatbot.messages.processed",
		metric.WithDescription("Messages processed by the chat pipeline"))
	processDuration, _ := meter.Float64Histogram("chatbot.process.duration",
		metric.WithDescription("Wall-clock message processing time"),
		metric.WithUnit("ms"))

	return &ChatbotService{
		store:           store,
		router:          router,
		trees:           trees,
		billing:         billing,
		webhooks:        webhooks,
		logger:          logger,
		messageCounter:  messageCounter,
		processDuration: processDuration,
	}
}

// ProcessMessage runs the full pipeline for one inbound message. An
// over-limit tenant gets a fixed reply without any model call; a missing
// tenant is the only hard client error.
func (s *ChatbotService) ProcessMessage(ctx context.Context, params ProcessMessageParams) (*ProcessMessageResult, error) {
	start := time.Now()

	tenant, err := s.store.GetTenantBySlug(ctx, params.TenantSlug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, params.TenantSlug)
		}
		return nil, fmt.Errorf("fetch tenant: %w", err)
	}
	if !tenant.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, params.TenantSlug)
	}

	usage, err := s.billing.CheckUsageLimits(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if !usage.WithinLimits {
		s.logger.Warn("usage limits exceeded", "tenant_id", tenant.ID, "reason", usage.Reason)
		s.recordMetrics(ctx, params.TenantSlug, "none", 0)
		conversationID := params.ConversationID
		if conversationID == "" {
			conversationID = "unknown"
		}
		return &ProcessMessageResult{
			Response:         limitExceededResponse,
			ConversationID:   conversationID,
			MessageID:        "usage_limit_exceeded",
			ProcessingTimeMs: 0,
			AIModelUsed:      "none",
		}, nil
	}

	conversation, err := s.getOrCreateConversation(ctx, tenant, params)
	if err != nil {
		return nil, err
	}

	inbound := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		Content:        params.Message,
		Direction:      models.DirectionInbound,
		Sender:         models.SenderUser,
		MediaURL:       params.MediaURL,
		MediaType:      params.MediaType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("save inbound message: %w", err)
	}

	history, err := s.conversationHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	multimodal := params.MediaURL != "" && strings.HasPrefix(params.MediaType, "image/")
	mediaURL := ""
	if multimodal {
		mediaURL = params.MediaURL
	}
	generated := s.router.GenerateResponse(ctx, params.Message, history, tenant.Config, mediaURL, multimodal)

	responseContent := generated.Content
	if decision := s.applyDecisionTrees(ctx, tenant, conversation, params.Message, generated.Content); decision.Action != ActionContinue {
		if decision.Response != "" {
			responseContent = decision.Response
		}
	}

	processingTime := int(time.Since(start).Milliseconds())

	outbound := &models.Message{
		ID:               uuid.NewString(),
		ConversationID:   conversation.ID,
		Content:          responseContent,
		Direction:        models.DirectionOutbound,
		Sender:           models.SenderBot,
		AIModelUsed:      generated.Model,
		TokensUsed:       generated.TokensUsed,
		ProcessedByAI:    true,
		ProcessingTimeMs: processingTime,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, outbound); err != nil {
		return nil, fmt.Errorf("save outbound message: %w", err)
	}

	if err := s.billing.RecordUsage(ctx, RecordUsageParams{
		TenantID:   tenant.ID,
		UsageType:  models.UsageTypeMessages,
		Quantity:   1,
		ResourceID: inbound.ID,
	}); err != nil {
		return nil, err
	}
	if err := s.billing.RecordUsage(ctx, RecordUsageParams{
		TenantID:   tenant.ID,
		UsageType:  models.UsageTypeAIRequests,
		Quantity:   1,
		TokensUsed: generated.TokensUsed,
		CostCents:  CalculateAICost(generated.Model, generated.TokensUsed),
		ResourceID: outbound.ID,
		Metadata: map[string]interface{}{
			"model":              generated.Model,
			"processing_time_ms": processingTime,
		},
	}); err != nil {
		return nil, err
	}

	s.webhooks.TriggerMessageEvent(EventMessageReceived, conversation, inbound)
	s.webhooks.TriggerMessageEvent(EventMessageSent, conversation, outbound)

	s.recordMetrics(ctx, params.TenantSlug, generated.Model, processingTime)

	return &ProcessMessageResult{
		Response:         responseContent,
		ConversationID:   conversation.ID,
		MessageID:        outbound.ID,
		ProcessingTimeMs: processingTime,
		AIModelUsed:      generated.Model,
	}, nil
}

func (s *ChatbotService) getOrCreateConversation(ctx context.Context, tenant *models.Tenant, params ProcessMessageParams) (*models.Conversation, error) {
	if params.ConversationID != "" {
		conversation, err := s.store.GetConversation(ctx, params.ConversationID, tenant.ID)
		if err == nil {
			return conversation, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("fetch conversation: %w", err)
		}
	}

	conversation := &models.Conversation{
		ID:            uuid.NewString(),
		TenantID:      tenant.ID,
		Channel:       params.Channel,
		ChannelUserID: params.ChannelUserID,
		Status:        models.ConversationActive,
		CreatedAt:     time.Now().UTC(),
		LastMessageAt: time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	s.webhooks.Trigger(EventConversationStarted, tenant.ID, map[string]interface{}{
		"conversation_id": conversation.ID,
		"channel":         params.Channel,
		"channel_user_id": params.ChannelUserID,
		"timestamp":       conversation.CreatedAt.Format(time.RFC3339),
	})

	return conversation, nil
}

// conversationHistory returns the last turns in chronological order for
// model context.
func (s *ChatbotService) conversationHistory(ctx context.Context, conversationID string) ([]Turn, error) {
	messages, err := s.store.ListRecentMessages(ctx, conversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation history: %w", err)
	}

	history := make([]Turn, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		role := "assistant"
		if msg.Sender == models.SenderUser {
			role = "user"
		}
		history = append(history, Turn{
			Role:      role,
			Content:   msg.Content,
			MediaURL:  msg.MediaURL,
			MediaType: msg.MediaType,
		})
	}
	return history, nil
}

// applyDecisionTrees runs the tenant's enabled trees in listed order and
// returns the first non-continue result, applying its side effects. A
// cyclic tree is logged and skipped so one broken tree cannot take down
// the pipeline.
func (s *ChatbotService) applyDecisionTrees(
	ctx context.Context,
	tenant *models.Tenant,
	conversation *models.Conversation,
	userMessage, aiResponse string,
) *DecisionResult {
	passThrough := &DecisionResult{Action: ActionContinue, Response: aiResponse}
	if len(tenant.Config.DecisionTrees) == 0 {
		return passThrough
	}

	treeContext := map[string]interface{}{
		"user_id":         conversation.ChannelUserID,
		"channel":         conversation.Channel,
		"conversation_id": conversation.ID,
		"user_name":       conversation.UserName,
		"user_phone":      conversation.UserPhone,
	}
	for k, v := range conversation.Context {
		treeContext[k] = v
	}
	for k, v := range conversation.UserMetadata {
		treeContext[k] = v
	}

	for i := range tenant.Config.DecisionTrees {
		tree := &tenant.Config.DecisionTrees[i]
		if !tree.Enabled {
			continue
		}
		result, err := s.trees.ProcessDecisionTree(tree, userMessage, treeContext, aiResponse)
		if err != nil {
			s.logger.Error("skipping broken decision tree", "tree", tree.Name, "error", err)
			continue
		}
		if result.Action != ActionContinue {
			s.handleDecisionAction(ctx, result, conversation)
			return result
		}
	}
	return passThrough
}

func (s *ChatbotService) handleDecisionAction(ctx context.Context, result *DecisionResult, conversation *models.Conversation) {
	switch result.Action {
	case ActionHandover:
		reason, _ := result.Metadata["reason"].(string)
		if reason == "" {
			reason = "Decision tree triggered"
		}
		conversation.HandedOverToHuman = true
		conversation.HandoverReason = reason
		conversation.Status = models.ConversationHandedOver
		if err := s.store.UpdateConversation(ctx, conversation); err != nil {
			s.logger.Error("failed to mark conversation handed over", "conversation_id", conversation.ID, "error", err)
			return
		}
		s.webhooks.Trigger(EventHandoverRequested, conversation.TenantID, map[string]interface{}{
			"conversation_id": conversation.ID,
			"reason":          reason,
			"department":      result.Metadata["department"],
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	case ActionWebhook:
		url, _ := result.Metadata["webhook_url"].(string)
		if url == "" {
			return
		}
		method, _ := result.Metadata["webhook_method"].(string)
		data, _ := result.Metadata["webhook_data"].(map[string]interface{})
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.webhooks.SendDirect(sendCtx, url, method, data); err != nil {
				s.logger.Error("decision tree webhook call failed", "url", url, "error", err)
			}
		}()
	}
}

func (s *ChatbotService) recordMetrics(ctx context.Context, tenantSlug, model string, durationMs int) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenantSlug),
		attribute.String("model", model),
	)
	s.messageCounter.Add(ctx, 1, attrs)
	s.processDuration.Record(ctx, float64(durationMs), attrs)
}
