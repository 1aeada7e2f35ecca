package models

import "time"

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message senders.
const (
	SenderUser  = "user"
	SenderBot   = "bot"
	SenderAgent = "agent"
)

// Conversation statuses.
const (
	ConversationActive     = "active"
	ConversationHandedOver = "handed_over"
	ConversationClosed     = "closed"
)

// Usage ledger entry types.
const (
	UsageTypeMessages   = "messages"
	UsageTypeAIRequests = "ai_requests"
)

// Conversation is one dialogue between a channel user and the bot.
type Conversation struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	Channel           string                 `json:"channel"`
	ChannelUserID     string                 `json:"channel_user_id"`
	Status            string                 `json:"status"`
	Context           map[string]interface{} `json:"context,omitempty"`
	HandedOverToHuman bool                   `json:"handed_over_to_human"`
	HandoverReason    string                 `json:"handover_reason,omitempty"`
	UserName          string                 `json:"user_name,omitempty"`
	UserPhone         string                 `json:"user_phone,omitempty"`
	UserMetadata      map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	LastMessageAt     time.Time              `json:"last_message_at"`
}

// Message is an immutable record of one conversation turn. Corrections
// create new messages; existing rows are never mutated.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Content          string    `json:"content"`
	Direction        string    `json:"direction"`
	Sender           string    `json:"sender"`
	MediaURL         string    `json:"media_url,omitempty"`
	MediaType        string    `json:"media_type,omitempty"`
	AIModelUsed      string    `json:"ai_model_used,omitempty"`
	TokensUsed       int       `json:"tokens_used,omitempty"`
	ProcessedByAI    bool      `json:"processed_by_ai"`
	ProcessingTimeMs int       `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Subscription carries the usage limits of a tenant's current plan.
type Subscription struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	PlanName              string    `json:"plan_name"`
	Status                string    `json:"status"`
	MonthlyPriceCents     int       `json:"monthly_price_cents"`
	MonthlyMessageLimit   int       `json:"monthly_message_limit"`
	MonthlyAIRequestLimit int       `json:"monthly_ai_request_limit"`
	MaxChannels           int       `json:"max_channels"`
	MaxUsers              int       `json:"max_users"`
	CreatedAt             time.Time `json:"created_at"`
}

// UsageRecord is one row of the append-only usage ledger. BillingPeriod
// is the calendar month in YYYY-MM form.
type UsageRecord struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenant_id"`
	UsageType     string                 `json:"usage_type"`
	Quantity      int                    `json:"quantity"`
	CostCents     int                    `json:"cost_cents"`
	TokensUsed    int                    `json:"tokens_used,omitempty"`
	ResourceID    string                 `json:"resource_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	BillingPeriod string                 `json:"billing_period"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Webhook is a tenant-registered delivery target for platform events.
// Delivery statistics are updated by the dispatcher after each attempt.
type Webhook struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	URL             string            `json:"url"`
	Events          []string          `json:"events"`
	Secret          string            `json:"secret,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	RetryCount      int               `json:"retry_count"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	IsActive        bool              `json:"is_active"`
	TotalCalls      int               `json:"total_calls"`
	SuccessfulCalls int               `json:"successful_calls"`
	FailedCalls     int               `json:"failed_calls"`
	LastError       string            `json:"last_error,omitempty"`
	LastCalledAt    *time.Time        `json:"last_called_at,omitempty"`
}

// PromptTemplate is a reusable prompt with named variables, referenced by
// workflow prompt steps.
type PromptTemplate struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Variables []string  `json:"variables,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
