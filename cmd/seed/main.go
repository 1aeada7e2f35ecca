package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"comchat/backend/internal/config"
	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/internal/services"
	"comchat/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	logger.Info("Schema ensured")

	// 1. Ensure demo tenant exists
	slug := "demo"
	tenant, err := store.GetTenantBySlug(ctx, slug)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Fatalf("Failed to look up tenant: %v", err)
		}
		logger.Info("Creating demo tenant", "slug", slug)
		tenant = &models.Tenant{
			ID:           uuid.NewString(),
			Name:         "Demo Company",
			Slug:         slug,
			ContactEmail: "demo@example.com",
			IsActive:     true,
			Config: models.TenantConfig{
				SystemPrompt:  "You are the support assistant of Demo Company. Our products are widgets and gadgets.",
				DecisionTrees: []models.DecisionTree{supportTree()},
				Features:      map[string]bool{"web_chat": true, "decision_trees": true},
			},
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			log.Fatalf("Failed to create tenant: %v", err)
		}
	} else {
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	// 2. Ensure a free subscription
	if _, err := store.GetActiveSubscription(ctx, tenant.ID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Fatalf("Failed to look up subscription: %v", err)
		}
		plan, err := services.GetPlanConfig("free")
		if err != nil {
			log.Fatalf("Failed to resolve plan: %v", err)
		}
		subscription := &models.Subscription{
			ID:                    uuid.NewString(),
			TenantID:              tenant.ID,
			PlanName:              "free",
			Status:                "active",
			MonthlyPriceCents:     plan.MonthlyPriceCents,
			MonthlyMessageLimit:   plan.MonthlyMessageLimit,
			MonthlyAIRequestLimit: plan.MonthlyAIRequestLimit,
			MaxChannels:           plan.MaxChannels,
			MaxUsers:              plan.MaxUsers,
		}
		if err := store.CreateSubscription(ctx, subscription); err != nil {
			log.Fatalf("Failed to create subscription: %v", err)
		}
		logger.Info("Created free subscription", "tenant_id", tenant.ID)
	}

	// 3. Sample prompt template. The id is derived from the tenant so
	// reruns find the existing row instead of inserting a duplicate.
	templateID := uuid.NewSHA1(uuid.MustParse(tenant.ID), []byte("lead-summary")).String()
	template, err := store.GetPromptTemplate(ctx, templateID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Fatalf("Failed to look up prompt template: %v", err)
		}
		template = &models.PromptTemplate{
			ID:        templateID,
			TenantID:  tenant.ID,
			Name:      "Lead summary",
			Template:  "Summarize this customer inquiry in one sentence: {{inquiry}}",
			Variables: []string{"inquiry"},
		}
		if err := store.CreatePromptTemplate(ctx, template); err != nil {
			log.Fatalf("Failed to create prompt template: %v", err)
		}
		logger.Info("Created prompt template", "template_id", template.ID)
	}

	// 4. Sample workflow with steps
	existing, err := store.ListWorkflows(ctx, tenant.ID)
	if err != nil {
		log.Fatalf("Failed to list workflows: %v", err)
	}
	for _, w := range existing {
		if w.Name == "Lead qualification" {
			logger.Info("Seed workflow already present", "workflow_id", w.ID)
			return
		}
	}

	workflow := &models.Workflow{
		ID:                      uuid.NewString(),
		TenantID:                tenant.ID,
		Name:                    "Lead qualification",
		Description:             "Summarizes an inquiry and flags high-value leads.",
		Status:                  models.WorkflowActive,
		InitialContext:          map[string]interface{}{"source": "seed"},
		MaxExecutionTimeMinutes: 5,
		Version:                 "1.0",
	}
	if err := store.CreateWorkflow(ctx, workflow); err != nil {
		log.Fatalf("Failed to create workflow: %v", err)
	}

	steps := []*models.WorkflowStep{
		{
			ID:               uuid.NewString(),
			WorkflowID:       workflow.ID,
			Name:             "Summarize inquiry",
			StepType:         models.StepTypePrompt,
			OrderIndex:       0,
			PromptTemplateID: template.ID,
			InputMapping:     map[string]string{"inquiry": "context.inquiry"},
			OutputMapping:    map[string]string{"summary": "response", "summary_model": "model_used"},
		},
		{
			ID:         uuid.NewString(),
			WorkflowID: workflow.ID,
			Name:       "Check budget",
			StepType:   models.StepTypeCondition,
			OrderIndex: 1,
			Config: mustJSON(models.ConditionStepConfig{Conditions: []models.StepCondition{
				{Left: "context.budget", Operator: "greater_than", Right: 10000},
			}}),
		},
		{
			ID:         uuid.NewString(),
			WorkflowID: workflow.ID,
			Name:       "Flag high value",
			StepType:   models.StepTypeAction,
			OrderIndex: 2,
			Config: mustJSON(models.ActionStepConfig{
				ActionType:    "set_variable",
				VariableName:  "high_value",
				VariableValue: "context.condition_result",
			}),
		},
	}
	for _, step := range steps {
		if err := store.CreateWorkflowStep(ctx, step); err != nil {
			log.Fatalf("Failed to create workflow step: %v", err)
		}
	}

	logger.Info("Seed complete", "tenant_id", tenant.ID, "workflow_id", workflow.ID)
}

// supportTree routes refund requests to a canned message and angry
// customers to a human.
func supportTree() models.DecisionTree {
	return models.DecisionTree{
		Name:        "Support triage",
		Description: "Routes refunds and escalations",
		Enabled:     true,
		Root:        "start",
		Nodes: []models.Node{
			&models.ConditionNode{
				ID: "start",
				Conditions: []models.Condition{
					{CondType: models.ConditionContains, Keywords: []string{"refund", "money back"}, NextNode: "refund_info"},
					{CondType: models.ConditionContains, Keywords: []string{"agent", "human", "complaint"}, NextNode: "to_human"},
				},
			},
			&models.MessageNode{
				ID:      "refund_info",
				Message: "Hi {{user_name}}! Refunds are processed within 5 business days. Reply with your order number and we'll get started.",
			},
			&models.HandoverNode{
				ID:              "to_human",
				HandoverMessage: "Let me connect you with a member of our support team.",
				Reason:          "Customer asked for a human",
				Department:      "support",
			},
		},
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("Failed to marshal seed config: %v", err)
	}
	return data
}
