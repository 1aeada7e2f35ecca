package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"comchat/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the DDL for all tables the store owns. Applied by cmd/seed and
// the integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	contact_email TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	config JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	channel TEXT NOT NULL,
	channel_user_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	context JSONB NOT NULL DEFAULT '{}',
	handed_over_to_human BOOLEAN NOT NULL DEFAULT FALSE,
	handover_reason TEXT,
	user_name TEXT,
	user_phone TEXT,
	user_metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	content TEXT NOT NULL,
	direction TEXT NOT NULL,
	sender TEXT NOT NULL,
	media_url TEXT,
	media_type TEXT,
	ai_model_used TEXT,
	tokens_used INT NOT NULL DEFAULT 0,
	processed_by_ai BOOLEAN NOT NULL DEFAULT FALSE,
	processing_time_ms INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS subscriptions (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	plan_name TEXT NOT NULL,
	status TEXT NOT NULL,
	monthly_price_cents INT NOT NULL DEFAULT 0,
	monthly_message_limit INT NOT NULL DEFAULT 0,
	monthly_ai_request_limit INT NOT NULL DEFAULT 0,
	max_channels INT NOT NULL DEFAULT 1,
	max_users INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS usage_records (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	usage_type TEXT NOT NULL,
	quantity INT NOT NULL,
	cost_cents INT NOT NULL DEFAULT 0,
	tokens_used INT NOT NULL DEFAULT 0,
	resource_id TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	billing_period TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_period ON usage_records(tenant_id, usage_type, billing_period);
CREATE TABLE IF NOT EXISTS webhooks (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	url TEXT NOT NULL,
	events JSONB NOT NULL DEFAULT '[]',
	secret TEXT,
	headers JSONB NOT NULL DEFAULT '{}',
	retry_count INT NOT NULL DEFAULT 3,
	timeout_seconds INT NOT NULL DEFAULT 30,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	total_calls INT NOT NULL DEFAULT 0,
	successful_calls INT NOT NULL DEFAULT 0,
	failed_calls INT NOT NULL DEFAULT 0,
	last_error TEXT,
	last_called_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'draft',
	initial_context JSONB NOT NULL DEFAULT '{}',
	priority INT NOT NULL DEFAULT 0,
	max_execution_time_minutes INT NOT NULL DEFAULT 30,
	execution_count INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '1.0',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_executed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS workflow_steps (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	name TEXT NOT NULL,
	step_type TEXT NOT NULL,
	order_index INT NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	input_mapping JSONB NOT NULL DEFAULT '{}',
	output_mapping JSONB NOT NULL DEFAULT '{}',
	next_step_conditions JSONB NOT NULL DEFAULT '[]',
	timeout_seconds INT NOT NULL DEFAULT 300,
	retry_config JSONB NOT NULL DEFAULT '{}',
	prompt_template_id UUID
);
CREATE TABLE IF NOT EXISTS workflow_executions (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflows(id),
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	conversation_id UUID,
	user_id UUID,
	status TEXT NOT NULL,
	context_variables JSONB NOT NULL DEFAULT '{}',
	current_step_id TEXT,
	execution_log JSONB NOT NULL DEFAULT '[]',
	final_output JSONB,
	error_details JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	total_execution_time_ms INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS prompt_templates (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	template TEXT NOT NULL,
	variables JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates all tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// --- Tenants ---

func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var t models.Tenant
	var config []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, name, slug, COALESCE(contact_email, ''), is_active, config, created_at, updated_at
		 FROM tenants WHERE slug = $1 AND is_active = TRUE`, slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.ContactEmail, &t.IsActive, &config, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(config, &t.Config); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	config, err := json.Marshal(tenant.Config)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	_, err = s.db.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, contact_email, is_active, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tenant.ID, tenant.Name, tenant.Slug, tenant.ContactEmail, tenant.IsActive, config, now, now)
	return err
}

// --- Conversations ---

func (s *PostgresStore) GetConversation(ctx context.Context, id, tenantID string) (*models.Conversation, error) {
	var c models.Conversation
	var context, userMetadata []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, channel, channel_user_id, status, context, handed_over_to_human,
		        COALESCE(handover_reason, ''), COALESCE(user_name, ''), COALESCE(user_phone, ''),
		        user_metadata, created_at, last_message_at
		 FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.Channel, &c.ChannelUserID, &c.Status, &context, &c.HandedOverToHuman,
		&c.HandoverReason, &c.UserName, &c.UserPhone, &userMetadata, &c.CreatedAt, &c.LastMessageAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(context, &c.Context); err != nil {
		return nil, fmt.Errorf("decode conversation context: %w", err)
	}
	if err := json.Unmarshal(userMetadata, &c.UserMetadata); err != nil {
		return nil, fmt.Errorf("decode user metadata: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	context, userMetadata, err := marshalConversationJSON(conversation)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	conversation.CreatedAt = now
	conversation.LastMessageAt = now
	_, err = s.db.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, channel, channel_user_id, status, context,
		        handed_over_to_human, handover_reason, user_name, user_phone, user_metadata,
		        created_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		conversation.ID, conversation.TenantID, conversation.Channel, conversation.ChannelUserID,
		conversation.Status, context, conversation.HandedOverToHuman, conversation.HandoverReason,
		conversation.UserName, conversation.UserPhone, userMetadata, now, now)
	return err
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, conversation *models.Conversation) error {
	context, userMetadata, err := marshalConversationJSON(conversation)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE conversations SET status = $1, context = $2, handed_over_to_human = $3,
		        handover_reason = $4, user_name = $5, user_phone = $6, user_metadata = $7,
		        last_message_at = now()
		 WHERE id = $8`,
		conversation.Status, context, conversation.HandedOverToHuman, conversation.HandoverReason,
		conversation.UserName, conversation.UserPhone, userMetadata, conversation.ID)
	return err
}

func marshalConversationJSON(c *models.Conversation) ([]byte, []byte, error) {
	if c.Context == nil {
		c.Context = map[string]interface{}{}
	}
	if c.UserMetadata == nil {
		c.UserMetadata = map[string]interface{}{}
	}
	context, err := json.Marshal(c.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conversation context: %w", err)
	}
	userMetadata, err := json.Marshal(c.UserMetadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode user metadata: %w", err)
	}
	return context, userMetadata, nil
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, content, direction, sender, media_url, media_type,
		        ai_model_used, tokens_used, processed_by_ai, processing_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		message.ID, message.ConversationID, message.Content, message.Direction, message.Sender,
		message.MediaURL, message.MediaType, message.AIModelUsed, message.TokensUsed,
		message.ProcessedByAI, message.ProcessingTimeMs, message.CreatedAt)
	return err
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, conversation_id, content, direction, sender, COALESCE(media_url, ''),
		        COALESCE(media_type, ''), COALESCE(ai_model_used, ''), tokens_used, processed_by_ai,
		        processing_time_ms, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Direction, &m.Sender,
			&m.MediaURL, &m.MediaType, &m.AIModelUsed, &m.TokensUsed, &m.ProcessedByAI,
			&m.ProcessingTimeMs, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// --- Billing ---

func (s *PostgresStore) GetActiveSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, plan_name, status, monthly_price_cents, monthly_message_limit,
		        monthly_ai_request_limit, max_channels, max_users, created_at
		 FROM subscriptions WHERE tenant_id = $1 AND status IN ('active', 'trialing')
		 ORDER BY created_at DESC LIMIT 1`, tenantID,
	).Scan(&sub.ID, &sub.TenantID, &sub.PlanName, &sub.Status, &sub.MonthlyPriceCents,
		&sub.MonthlyMessageLimit, &sub.MonthlyAIRequestLimit, &sub.MaxChannels, &sub.MaxUsers, &sub.CreatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	if subscription.ID == "" {
		subscription.ID = uuid.New().String()
	}
	subscription.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (id, tenant_id, plan_name, status, monthly_price_cents,
		        monthly_message_limit, monthly_ai_request_limit, max_channels, max_users, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		subscription.ID, subscription.TenantID, subscription.PlanName, subscription.Status,
		subscription.MonthlyPriceCents, subscription.MonthlyMessageLimit,
		subscription.MonthlyAIRequestLimit, subscription.MaxChannels, subscription.MaxUsers,
		subscription.CreatedAt)
	return err
}

func (s *PostgresStore) SumUsage(ctx context.Context, tenantID, usageType, billingPeriod string) (int, error) {
	var total int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM usage_records
		 WHERE tenant_id = $1 AND usage_type = $2 AND billing_period = $3`,
		tenantID, usageType, billingPeriod,
	).Scan(&total)
	return total, err
}

func (s *PostgresStore) CreateUsageRecord(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Metadata == nil {
		record.Metadata = map[string]interface{}{}
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode usage metadata: %w", err)
	}
	record.CreatedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, usage_type, quantity, cost_cents, tokens_used,
		        resource_id, metadata, billing_period, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.TenantID, record.UsageType, record.Quantity, record.CostCents,
		record.TokensUsed, record.ResourceID, metadata, record.BillingPeriod, record.CreatedAt)
	return err
}

// --- Webhooks ---

func (s *PostgresStore) ListWebhooks(ctx context.Context, tenantID string) ([]*models.Webhook, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, url, events, COALESCE(secret, ''), headers, retry_count,
		        timeout_seconds, is_active, total_calls, successful_calls, failed_calls,
		        COALESCE(last_error, ''), last_called_at
		 FROM webhooks WHERE tenant_id = $1 AND is_active = TRUE`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		var w models.Webhook
		var events, headers []byte
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &events, &w.Secret, &headers, &w.RetryCount,
			&w.TimeoutSeconds, &w.IsActive, &w.TotalCalls, &w.SuccessfulCalls, &w.FailedCalls,
			&w.LastError, &w.LastCalledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &w.Events); err != nil {
			return nil, fmt.Errorf("decode webhook events: %w", err)
		}
		if err := json.Unmarshal(headers, &w.Headers); err != nil {
			return nil, fmt.Errorf("decode webhook headers: %w", err)
		}
		webhooks = append(webhooks, &w)
	}
	return webhooks, rows.Err()
}

func (s *PostgresStore) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}
	if webhook.Headers == nil {
		webhook.Headers = map[string]string{}
	}
	events, err := json.Marshal(webhook.Events)
	if err != nil {
		return fmt.Errorf("encode webhook events: %w", err)
	}
	headers, err := json.Marshal(webhook.Headers)
	if err != nil {
		return fmt.Errorf("encode webhook headers: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO webhooks (id, tenant_id, url, events, secret, headers, retry_count,
		        timeout_seconds, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		webhook.ID, webhook.TenantID, webhook.URL, events, webhook.Secret, headers,
		webhook.RetryCount, webhook.TimeoutSeconds, webhook.IsActive)
	return err
}

func (s *PostgresStore) UpdateWebhookStats(ctx context.Context, webhook *models.Webhook) error {
	_, err := s.db.Exec(ctx,
		`UPDATE webhooks SET total_calls = $1, successful_calls = $2, failed_calls = $3,
		        last_error = $4, last_called_at = now()
		 WHERE id = $5`,
		webhook.TotalCalls, webhook.SuccessfulCalls, webhook.FailedCalls, webhook.LastError, webhook.ID)
	return err
}

// --- Workflows ---

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	var initialContext []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, COALESCE(description, ''), status, initial_context, priority,
		        max_execution_time_minutes, execution_count, success_count, version, created_at,
		        updated_at, last_executed_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.TenantID, &w.Name, &w.Description, &w.Status, &initialContext, &w.Priority,
		&w.MaxExecutionTimeMinutes, &w.ExecutionCount, &w.SuccessCount, &w.Version, &w.CreatedAt,
		&w.UpdatedAt, &w.LastExecutedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(initialContext, &w.InitialContext); err != nil {
		return nil, fmt.Errorf("decode initial context: %w", err)
	}
	if w.ExecutionCount > 0 {
		w.SuccessRate = float64(w.SuccessCount) / float64(w.ExecutionCount)
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, name, COALESCE(description, ''), status, initial_context, priority,
		        max_execution_time_minutes, execution_count, success_count, version, created_at,
		        updated_at, last_executed_at
		 FROM workflows WHERE tenant_id = $1
		 ORDER BY priority DESC, execution_count DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var w models.Workflow
		var initialContext []byte
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Description, &w.Status, &initialContext,
			&w.Priority, &w.MaxExecutionTimeMinutes, &w.ExecutionCount, &w.SuccessCount, &w.Version,
			&w.CreatedAt, &w.UpdatedAt, &w.LastExecutedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(initialContext, &w.InitialContext); err != nil {
			return nil, fmt.Errorf("decode initial context: %w", err)
		}
		if w.ExecutionCount > 0 {
			w.SuccessRate = float64(w.SuccessCount) / float64(w.ExecutionCount)
		}
		workflows = append(workflows, &w)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}
	if workflow.InitialContext == nil {
		workflow.InitialContext = map[string]interface{}{}
	}
	initialContext, err := json.Marshal(workflow.InitialContext)
	if err != nil {
		return fmt.Errorf("encode initial context: %w", err)
	}
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, tenant_id, name, description, status, initial_context, priority,
		        max_execution_time_minutes, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		workflow.ID, workflow.TenantID, workflow.Name, workflow.Description, workflow.Status,
		initialContext, workflow.Priority, workflow.MaxExecutionTimeMinutes, workflow.Version, now, now)
	return err
}

func (s *PostgresStore) CreateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	config := step.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	inputMapping, err := json.Marshal(orEmptyMap(step.InputMapping))
	if err != nil {
		return fmt.Errorf("encode input mapping: %w", err)
	}
	outputMapping, err := json.Marshal(orEmptyMap(step.OutputMapping))
	if err != nil {
		return fmt.Errorf("encode output mapping: %w", err)
	}
	branches, err := json.Marshal(step.NextStepConditions)
	if err != nil {
		return fmt.Errorf("encode branch rules: %w", err)
	}
	retryConfig, err := json.Marshal(step.RetryConfig)
	if err != nil {
		return fmt.Errorf("encode retry config: %w", err)
	}
	var templateID interface{}
	if step.PromptTemplateID != "" {
		templateID = step.PromptTemplateID
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, name, step_type, order_index, config,
		        input_mapping, output_mapping, next_step_conditions, timeout_seconds, retry_config,
		        prompt_template_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		step.ID, step.WorkflowID, step.Name, step.StepType, step.OrderIndex, []byte(config),
		inputMapping, outputMapping, branches, step.TimeoutSeconds, retryConfig, templateID)
	return err
}

func (s *PostgresStore) ListWorkflowSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, name, step_type, order_index, config, input_mapping, output_mapping,
		        next_step_conditions, timeout_seconds, retry_config, COALESCE(prompt_template_id::text, '')
		 FROM workflow_steps WHERE workflow_id = $1
		 ORDER BY order_index ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		var st models.WorkflowStep
		var config, inputMapping, outputMapping, branches, retryConfig []byte
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.StepType, &st.OrderIndex, &config,
			&inputMapping, &outputMapping, &branches, &st.TimeoutSeconds, &retryConfig,
			&st.PromptTemplateID); err != nil {
			return nil, err
		}
		st.Config = json.RawMessage(config)
		if err := json.Unmarshal(inputMapping, &st.InputMapping); err != nil {
			return nil, fmt.Errorf("decode input mapping: %w", err)
		}
		if err := json.Unmarshal(outputMapping, &st.OutputMapping); err != nil {
			return nil, fmt.Errorf("decode output mapping: %w", err)
		}
		if err := json.Unmarshal(branches, &st.NextStepConditions); err != nil {
			return nil, fmt.Errorf("decode branch rules: %w", err)
		}
		if err := json.Unmarshal(retryConfig, &st.RetryConfig); err != nil {
			return nil, fmt.Errorf("decode retry config: %w", err)
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) UpdateWorkflowStats(ctx context.Context, workflowID string, success bool) error {
	successIncrement := 0
	if success {
		successIncrement = 1
	}
	_, err := s.db.Exec(ctx,
		`UPDATE workflows SET execution_count = execution_count + 1,
		        success_count = success_count + $1, last_executed_at = now()
		 WHERE id = $2`, successIncrement, workflowID)
	return err
}

// --- Workflow executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	contextVars, executionLog, finalOutput, errorDetails, err := marshalExecutionJSON(execution)
	if err != nil {
		return err
	}
	execution.StartedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, tenant_id, conversation_id, user_id, status,
		        context_variables, current_step_id, execution_log, final_output, error_details,
		        started_at, total_execution_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		execution.ID, execution.WorkflowID, execution.TenantID, nullable(execution.ConversationID),
		nullable(execution.UserID), execution.Status, contextVars, execution.CurrentStepID,
		executionLog, finalOutput, errorDetails, execution.StartedAt, execution.TotalExecutionTimeMs)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	contextVars, executionLog, finalOutput, errorDetails, err := marshalExecutionJSON(execution)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE workflow_executions SET status = $1, context_variables = $2, current_step_id = $3,
		        execution_log = $4, final_output = $5, error_details = $6, completed_at = $7,
		        total_execution_time_ms = $8
		 WHERE id = $9`,
		execution.Status, contextVars, execution.CurrentStepID, executionLog, finalOutput,
		errorDetails, execution.CompletedAt, execution.TotalExecutionTimeMs, execution.ID)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var contextVars, executionLog, finalOutput, errorDetails []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, tenant_id, COALESCE(conversation_id::text, ''), COALESCE(user_id::text, ''),
		        status, context_variables, COALESCE(current_step_id, ''), execution_log, final_output,
		        error_details, started_at, completed_at, total_execution_time_ms
		 FROM workflow_executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.WorkflowID, &e.TenantID, &e.ConversationID, &e.UserID, &e.Status, &contextVars,
		&e.CurrentStepID, &executionLog, &finalOutput, &errorDetails, &e.StartedAt, &e.CompletedAt,
		&e.TotalExecutionTimeMs)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(contextVars, &e.ContextVariables); err != nil {
		return nil, fmt.Errorf("decode context variables: %w", err)
	}
	if err := json.Unmarshal(executionLog, &e.ExecutionLog); err != nil {
		return nil, fmt.Errorf("decode execution log: %w", err)
	}
	if len(finalOutput) > 0 {
		if err := json.Unmarshal(finalOutput, &e.FinalOutput); err != nil {
			return nil, fmt.Errorf("decode final output: %w", err)
		}
	}
	if len(errorDetails) > 0 {
		if err := json.Unmarshal(errorDetails, &e.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	return &e, nil
}

func marshalExecutionJSON(e *models.WorkflowExecution) ([]byte, []byte, []byte, []byte, error) {
	if e.ContextVariables == nil {
		e.ContextVariables = map[string]interface{}{}
	}
	if e.ExecutionLog == nil {
		e.ExecutionLog = []models.StepLog{}
	}
	contextVars, err := json.Marshal(e.ContextVariables)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode context variables: %w", err)
	}
	executionLog, err := json.Marshal(e.ExecutionLog)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode execution log: %w", err)
	}
	var finalOutput, errorDetails []byte
	if e.FinalOutput != nil {
		if finalOutput, err = json.Marshal(e.FinalOutput); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode final output: %w", err)
		}
	}
	if e.ErrorDetails != nil {
		if errorDetails, err = json.Marshal(e.ErrorDetails); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode error details: %w", err)
		}
	}
	return contextVars, executionLog, finalOutput, errorDetails, nil
}

// --- Prompt templates ---

func (s *PostgresStore) GetPromptTemplate(ctx context.Context, id string) (*models.PromptTemplate, error) {
	var t models.PromptTemplate
	var variables []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, template, variables, created_at
		 FROM prompt_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.Template, &variables, &t.CreatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(variables, &t.Variables); err != nil {
		return nil, fmt.Errorf("decode template variables: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreatePromptTemplate(ctx context.Context, template *models.PromptTemplate) error {
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	variables, err := json.Marshal(template.Variables)
	if err != nil {
		return fmt.Errorf("encode template variables: %w", err)
	}
	template.CreatedAt = time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`INSERT INTO prompt_templates (id, tenant_id, name, template, variables, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		template.ID, template.TenantID, template.Name, template.Template, variables, template.CreatedAt)
	return err
}

func wrapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
