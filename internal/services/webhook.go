package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

// Webhook event types.
const (
	EventMessageReceived     = "message.received"
	EventMessageSent         = "message.sent"
	EventConversationStarted = "conversation.started"
	EventConversationEnded   = "conversation.ended"
	EventHandoverRequested   = "handover.requested"
	EventHandoverCompleted   = "handover.completed"
)

const (
	webhookQueueSize      = 256
	defaultWebhookTimeout = 10 * time.Second
)

type webhookJob struct {
	eventType string
	tenantID  string
	payload   map[string]interface{}
}

// WebhookService delivers platform events to tenant-registered
// endpoints. Delivery is fire-and-forget: Trigger enqueues and returns
// immediately, and a background worker drains the queue so a slow or
// failing endpoint never blocks message processing.
type WebhookService struct {
	store  repository.Store
	logger *logging.Logger
	client *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration)

	jobs chan webhookJob
	wg   sync.WaitGroup
	once sync.Once
}

// NewWebhookService creates a new WebhookService. Start must be called
// before events are delivered.
func NewWebhookService(store repository.Store, logger *logging.Logger) *WebhookService {
	return &WebhookService{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		sleep:  sleepContext,
		jobs:   make(chan webhookJob, webhookQueueSize),
	}
}

// Start launches the background delivery worker. The worker drains the
// queue until Close is called, using ctx for outbound requests.
func (s *WebhookService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for job := range s.jobs {
			s.deliver(ctx, job)
		}
	}()
}

// Close stops accepting events and waits for in-flight deliveries.
func (s *WebhookService) Close() {
	s.once.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

// Trigger enqueues an event for asynchronous delivery. A full queue
// drops the event with a log line rather than blocking the caller.
func (s *WebhookService) Trigger(eventType, tenantID string, payload map[string]interface{}) {
	select {
	case s.jobs <- webhookJob{eventType: eventType, tenantID: tenantID, payload: payload}:
	default:
		s.logger.Warn("webhook queue full, dropping event", "event", eventType, "tenant_id", tenantID)
	}
}

// TriggerMessageEvent builds the standard conversation/message payload
// and enqueues it.
func (s *WebhookService) TriggerMessageEvent(eventType string, conversation *models.Conversation, message *models.Message) {
	payload := map[string]interface{}{
		"timestamp": message.CreatedAt.UTC().Format(time.RFC3339),
		"tenant_id": conversation.TenantID,
		"conversation": map[string]interface{}{
			"id":              conversation.ID,
			"channel":         conversation.Channel,
			"channel_user_id": conversation.ChannelUserID,
			"status":          conversation.Status,
			"user_name":       conversation.UserName,
			"user_phone":      conversation.UserPhone,
		},
		"message": map[string]interface{}{
			"id":            message.ID,
			"content":       message.Content,
			"direction":     message.Direction,
			"sender":        message.Sender,
			"media_url":     message.MediaURL,
			"ai_model_used": message.AIModelUsed,
		},
	}
	s.Trigger(eventType, conversation.TenantID, payload)
}

// deliver fans one event out to every subscribed endpoint. Errors stay
// inside the worker; an undeliverable event is logged and dropped.
func (s *WebhookService) deliver(ctx context.Context, job webhookJob) {
	webhooks, err := s.store.ListWebhooks(ctx, job.tenantID)
	if err != nil {
		s.logger.Error("failed to list webhooks", "tenant_id", job.tenantID, "error", err)
		return
	}

	for _, webhook := range webhooks {
		if !webhook.IsActive || !subscribed(webhook, job.eventType) {
			continue
		}
		s.send(ctx, webhook, job.eventType, job.payload)
	}
}

func subscribed(webhook *models.Webhook, eventType string) bool {
	for _, event := range webhook.Events {
		if event == eventType {
			return true
		}
	}
	return false
}

// send posts one event to one endpoint, retrying with exponential
// backoff (2^attempt seconds) up to the webhook's retry count, then
// persists updated delivery statistics.
func (s *WebhookService) send(ctx context.Context, webhook *models.Webhook, eventType string, payload map[string]interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"event":     eventType,
		"timestamp": payload["timestamp"],
		"data":      payload,
	})
	if err != nil {
		s.logger.Error("failed to marshal webhook payload", "webhook_id", webhook.ID, "error", err)
		return
	}

	timeout := defaultWebhookTimeout
	if webhook.TimeoutSeconds > 0 {
		timeout = time.Duration(webhook.TimeoutSeconds) * time.Second
	}

	var lastError string
	success := false
	for attempt := 0; attempt <= webhook.RetryCount; attempt++ {
		lastError = s.post(ctx, webhook, body, timeout)
		if lastError == "" {
			success = true
			break
		}
		if attempt < webhook.RetryCount {
			s.sleep(ctx, time.Duration(1<<attempt)*time.Second)
		}
	}

	now := time.Now().UTC()
	webhook.TotalCalls++
	webhook.LastCalledAt = &now
	if success {
		webhook.SuccessfulCalls++
		webhook.LastError = ""
	} else {
		webhook.FailedCalls++
		webhook.LastError = lastError
		s.logger.Error("webhook delivery failed", "webhook_id", webhook.ID, "attempts", webhook.RetryCount+1, "error", lastError)
	}
	if err := s.store.UpdateWebhookStats(ctx, webhook); err != nil {
		s.logger.Error("failed to update webhook stats", "webhook_id", webhook.ID, "error", err)
	}
}

// post makes one delivery attempt; an empty return means success.
func (s *WebhookService) post(ctx context.Context, webhook *models.Webhook, body []byte, timeout time.Duration) string {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ComChat-Webhook/1.0")
	for name, value := range webhook.Headers {
		req.Header.Set(name, value)
	}
	if webhook.Secret != "" {
		req.Header.Set("X-ComChat-Signature", "sha256="+Sign(webhook.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text)
	}
	return ""
}

// SendDirect posts a JSON payload to an arbitrary URL with no retries
// or signature. Decision-tree webhook nodes use it for their one-off
// calls.
func (s *WebhookService) SendDirect(ctx context.Context, url, method string, payload map[string]interface{}) error {
	if method == "" {
		method = "POST"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
