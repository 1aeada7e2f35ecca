package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

// UsageCheck is the result of a usage-limit check. Computed fresh per
// call; never cached.
type UsageCheck struct {
	WithinLimits      bool   `json:"within_limits"`
	Reason            string `json:"reason,omitempty"`
	CurrentMessages   int    `json:"current_messages"`
	MessageLimit      int    `json:"message_limit"`
	CurrentAIRequests int    `json:"current_ai_requests"`
	AIRequestLimit    int    `json:"ai_request_limit"`
	PlanName          string `json:"plan_name"`
}

// RecordUsageParams describes one usage ledger entry.
type RecordUsageParams struct {
	TenantID   string
	UsageType  string
	Quantity   int
	CostCents  int
	TokensUsed int
	ResourceID string
	Metadata   map[string]interface{}
}

// PlanConfig is the static configuration of a billing plan.
type PlanConfig struct {
	MonthlyPriceCents     int
	MonthlyMessageLimit   int
	MonthlyAIRequestLimit int
	MaxChannels           int
	MaxUsers              int
	Features              map[string]bool
}

// BillingService tracks usage against subscription quotas.
type BillingService struct {
	store  repository.Store
	logger *logging.Logger
}

// NewBillingService creates a new BillingService.
func NewBillingService(store repository.Store, logger *logging.Logger) *BillingService {
	return &BillingService{store: store, logger: logger}
}

// CurrentBillingPeriod returns the calendar-month period string (YYYY-MM).
func CurrentBillingPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// CheckUsageLimits reports whether the tenant is within its plan quotas
// for the current billing period. Fails closed: a tenant without an
// active subscription is over limit.
func (s *BillingService) CheckUsageLimits(ctx context.Context, tenantID string) (*UsageCheck, error) {
	subscription, err := s.store.GetActiveSubscription(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("no active subscription", "tenant_id", tenantID)
			return &UsageCheck{WithinLimits: false, Reason: "No subscription found"}, nil
		}
		return nil, fmt.Errorf("fetch subscription: %w", err)
	}

	period := CurrentBillingPeriod()

	currentMessages, err := s.store.SumUsage(ctx, tenantID, models.UsageTypeMessages, period)
	if err != nil {
		return nil, fmt.Errorf("sum message usage: %w", err)
	}
	currentAIRequests, err := s.store.SumUsage(ctx, tenantID, models.UsageTypeAIRequests, period)
	if err != nil {
		return nil, fmt.Errorf("sum ai request usage: %w", err)
	}

	// Strict <: reaching the limit exactly blocks further use.
	withinMessages := currentMessages < subscription.MonthlyMessageLimit
	withinAIRequests := currentAIRequests < subscription.MonthlyAIRequestLimit

	check := &UsageCheck{
		WithinLimits:      withinMessages && withinAIRequests,
		CurrentMessages:   currentMessages,
		MessageLimit:      subscription.MonthlyMessageLimit,
		CurrentAIRequests: currentAIRequests,
		AIRequestLimit:    subscription.MonthlyAIRequestLimit,
		PlanName:          subscription.PlanName,
	}
	if !check.WithinLimits {
		check.Reason = "Usage limits exceeded"
	}
	return check, nil
}

// RecordUsage appends one entry to the usage ledger. Errors propagate to
// the caller; a ledger failure is a hard failure of the enclosing
// operation.
func (s *BillingService) RecordUsage(ctx context.Context, params RecordUsageParams) error {
	if params.Quantity == 0 {
		params.Quantity = 1
	}
	record := &models.UsageRecord{
		TenantID:      params.TenantID,
		UsageType:     params.UsageType,
		Quantity:      params.Quantity,
		CostCents:     params.CostCents,
		TokensUsed:    params.TokensUsed,
		ResourceID:    params.ResourceID,
		Metadata:      params.Metadata,
		BillingPeriod: CurrentBillingPeriod(),
	}
	if err := s.store.CreateUsageRecord(ctx, record); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// aiPricing maps model names to cents per 1K tokens. Local models are
// free.
var aiPricing = map[string]float64{
	"gpt-3.5-turbo": 0.15,
	"gpt-4o":        0.30,
	"llama3.2:3b":   0.0,
	"mistral:latest": 0.0,
	"llava:latest":  0.0,
	"fallback":      0.0,
	"fallback-demo": 0.0,
}

// CalculateAICost returns the cost in cents for AI usage, truncated to an
// integer. Unknown models are free.
func CalculateAICost(modelUsed string, tokensUsed int) int {
	rate := aiPricing[modelUsed]
	return int(float64(tokensUsed) / 1000 * rate * 100)
}

// planCatalog is the static plan configuration.
var planCatalog = map[string]PlanConfig{
	"free": {
		MonthlyPriceCents:     0,
		MonthlyMessageLimit:   1000,
		MonthlyAIRequestLimit: 500,
		MaxChannels:           1,
		MaxUsers:              1,
		Features: map[string]bool{
			"web_chat": true, "telegram": false, "whatsapp": false,
			"analytics": false, "webhooks": false, "decision_trees": false,
		},
	},
	"basic": {
		MonthlyPriceCents:     2900,
		MonthlyMessageLimit:   5000,
		MonthlyAIRequestLimit: 2500,
		MaxChannels:           2,
		MaxUsers:              3,
		Features: map[string]bool{
			"web_chat": true, "telegram": true, "whatsapp": false,
			"analytics": true, "webhooks": true, "decision_trees": true,
		},
	},
	"pro": {
		MonthlyPriceCents:     9900,
		MonthlyMessageLimit:   25000,
		MonthlyAIRequestLimit: 12500,
		MaxChannels:           3,
		MaxUsers:              10,
		Features: map[string]bool{
			"web_chat": true, "telegram": true, "whatsapp": true,
			"analytics": true, "webhooks": true, "decision_trees": true,
			"custom_branding": true, "priority_support": true,
		},
	},
	"enterprise": {
		MonthlyPriceCents:     29900,
		MonthlyMessageLimit:   100000,
		MonthlyAIRequestLimit: 50000,
		MaxChannels:           10,
		MaxUsers:              50,
		Features: map[string]bool{
			"web_chat": true, "telegram": true, "whatsapp": true,
			"analytics": true, "webhooks": true, "decision_trees": true,
			"custom_branding": true, "priority_support": true,
			"custom_integration": true, "sso": true, "dedicated_support": true,
		},
	},
}

// GetPlanConfig returns the configuration for a billing plan. An unknown
// plan name is a configuration error, never retried.
func GetPlanConfig(planName string) (PlanConfig, error) {
	plan, ok := planCatalog[planName]
	if !ok {
		return PlanConfig{}, fmt.Errorf("unknown plan: %s", planName)
	}
	return plan, nil
}
