package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"comchat/backend/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	tenant := &models.Tenant{
		Name:     "Acme",
		Slug:     "acme",
		IsActive: true,
		Config: models.TenantConfig{
			SystemPrompt: "Be helpful.",
			DecisionTrees: []models.DecisionTree{{
				Name:    "triage",
				Enabled: true,
				Root:    "start",
				Nodes: []models.Node{
					&models.ConditionNode{ID: "start", Conditions: []models.Condition{
						{CondType: models.ConditionContains, Keywords: []string{"human"}, NextNode: "h"},
					}},
					&models.HandoverNode{ID: "h"},
				},
			}},
		},
	}

	t.Run("Tenant round trip", func(t *testing.T) {
		assert.NoError(t, store.CreateTenant(ctx, tenant))

		got, err := store.GetTenantBySlug(ctx, "acme")
		assert.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)
		assert.Equal(t, "Be helpful.", got.Config.SystemPrompt)
		if assert.Len(t, got.Config.DecisionTrees, 1) {
			tree := got.Config.DecisionTrees[0]
			assert.True(t, tree.Enabled)
			assert.IsType(t, &models.ConditionNode{}, tree.FindNode("start"))
			assert.IsType(t, &models.HandoverNode{}, tree.FindNode("h"))
		}

		_, err = store.GetTenantBySlug(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	conversation := &models.Conversation{
		TenantID:      tenant.ID,
		Channel:       "web",
		ChannelUserID: "visitor-1",
		Status:        models.ConversationActive,
		UserName:      "Ana",
		Context:       map[string]interface{}{"locale": "es"},
	}

	t.Run("Conversation round trip and update", func(t *testing.T) {
		assert.NoError(t, store.CreateConversation(ctx, conversation))

		got, err := store.GetConversation(ctx, conversation.ID, tenant.ID)
		assert.NoError(t, err)
		assert.Equal(t, "web", got.Channel)
		assert.Equal(t, "Ana", got.UserName)
		assert.Equal(t, "es", got.Context["locale"])

		got.Status = models.ConversationHandedOver
		got.HandedOverToHuman = true
		got.HandoverReason = "asked for a human"
		assert.NoError(t, store.UpdateConversation(ctx, got))

		updated, err := store.GetConversation(ctx, conversation.ID, tenant.ID)
		assert.NoError(t, err)
		assert.True(t, updated.HandedOverToHuman)
		assert.Equal(t, "asked for a human", updated.HandoverReason)

		// Wrong tenant never sees another tenant's conversation.
		_, err = store.GetConversation(ctx, conversation.ID, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Messages newest first", func(t *testing.T) {
		for _, content := range []string{"first", "second", "third"} {
			msg := &models.Message{
				ConversationID: conversation.ID,
				Content:        content,
				Direction:      models.DirectionInbound,
				Sender:         models.SenderUser,
			}
			assert.NoError(t, store.CreateMessage(ctx, msg))
			// keep created_at strictly increasing
			time.Sleep(2 * time.Millisecond)
		}

		messages, err := store.ListRecentMessages(ctx, conversation.ID, 2)
		assert.NoError(t, err)
		if assert.Len(t, messages, 2) {
			assert.Equal(t, "third", messages[0].Content)
			assert.Equal(t, "second", messages[1].Content)
		}
	})

	t.Run("Subscription and usage ledger", func(t *testing.T) {
		_, err := store.GetActiveSubscription(ctx, tenant.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		sub := &models.Subscription{
			TenantID:              tenant.ID,
			PlanName:              "free",
			Status:                "active",
			MonthlyMessageLimit:   1000,
			MonthlyAIRequestLimit: 500,
		}
		assert.NoError(t, store.CreateSubscription(ctx, sub))

		got, err := store.GetActiveSubscription(ctx, tenant.ID)
		assert.NoError(t, err)
		assert.Equal(t, 1000, got.MonthlyMessageLimit)

		period := "2026-09"
		for _, quantity := range []int{1, 1, 3} {
			assert.NoError(t, store.CreateUsageRecord(ctx, &models.UsageRecord{
				TenantID:      tenant.ID,
				UsageType:     models.UsageTypeMessages,
				Quantity:      quantity,
				BillingPeriod: period,
			}))
		}
		assert.NoError(t, store.CreateUsageRecord(ctx, &models.UsageRecord{
			TenantID:      tenant.ID,
			UsageType:     models.UsageTypeAIRequests,
			Quantity:      1,
			TokensUsed:    2000,
			CostCents:     60,
			BillingPeriod: period,
			Metadata:      map[string]interface{}{"model": "gpt-4o"},
		}))

		total, err := store.SumUsage(ctx, tenant.ID, models.UsageTypeMessages, period)
		assert.NoError(t, err)
		assert.Equal(t, 5, total)

		total, err = store.SumUsage(ctx, tenant.ID, models.UsageTypeMessages, "2026-10")
		assert.NoError(t, err)
		assert.Equal(t, 0, total)
	})

	t.Run("Webhook stats", func(t *testing.T) {
		webhook := &models.Webhook{
			TenantID:   tenant.ID,
			URL:        "https://example.com/hook",
			Events:     []string{"message.sent"},
			Secret:     "shh",
			RetryCount: 3,
			IsActive:   true,
		}
		assert.NoError(t, store.CreateWebhook(ctx, webhook))

		webhooks, err := store.ListWebhooks(ctx, tenant.ID)
		assert.NoError(t, err)
		if assert.Len(t, webhooks, 1) {
			assert.Equal(t, []string{"message.sent"}, webhooks[0].Events)
			assert.Nil(t, webhooks[0].LastCalledAt)
		}

		webhook.TotalCalls = 4
		webhook.SuccessfulCalls = 3
		webhook.FailedCalls = 1
		webhook.LastError = "HTTP 502"
		assert.NoError(t, store.UpdateWebhookStats(ctx, webhook))

		webhooks, err = store.ListWebhooks(ctx, tenant.ID)
		assert.NoError(t, err)
		if assert.Len(t, webhooks, 1) {
			assert.Equal(t, 4, webhooks[0].TotalCalls)
			assert.Equal(t, "HTTP 502", webhooks[0].LastError)
			assert.NotNil(t, webhooks[0].LastCalledAt)
		}
	})

	workflow := &models.Workflow{
		TenantID:                tenant.ID,
		Name:                    "Lead qualification",
		Status:                  models.WorkflowActive,
		MaxExecutionTimeMinutes: 5,
		Version:                 "1.0",
		InitialContext:          map[string]interface{}{"source": "test"},
	}

	t.Run("Workflow with ordered steps", func(t *testing.T) {
		assert.NoError(t, store.CreateWorkflow(ctx, workflow))

		config, _ := json.Marshal(models.ConditionStepConfig{Conditions: []models.StepCondition{
			{Left: "context.budget", Operator: "greater_than", Right: 10000},
		}})
		steps := []*models.WorkflowStep{
			{WorkflowID: workflow.ID, Name: "check budget", StepType: models.StepTypeCondition, OrderIndex: 1, Config: config},
			{WorkflowID: workflow.ID, Name: "summarize", StepType: models.StepTypePrompt, OrderIndex: 0,
				InputMapping:  map[string]string{"inquiry": "context.inquiry"},
				OutputMapping: map[string]string{"summary": "response"},
				RetryConfig:   models.RetryConfig{MaxRetries: 2},
				NextStepConditions: []models.BranchRule{
					{OutputKey: "summary", Equals: "skip", NextStepID: "end"},
				}},
		}
		for _, step := range steps {
			assert.NoError(t, store.CreateWorkflowStep(ctx, step))
		}

		got, err := store.GetWorkflow(ctx, workflow.ID)
		assert.NoError(t, err)
		assert.Equal(t, "test", got.InitialContext["source"])
		assert.Equal(t, float64(0), got.SuccessRate)

		// Steps come back in order_index order regardless of insert order.
		listed, err := store.ListWorkflowSteps(ctx, workflow.ID)
		assert.NoError(t, err)
		if assert.Len(t, listed, 2) {
			assert.Equal(t, "summarize", listed[0].Name)
			assert.Equal(t, "context.inquiry", listed[0].InputMapping["inquiry"])
			assert.Equal(t, 2, listed[0].RetryConfig.MaxRetries)
			if assert.Len(t, listed[0].NextStepConditions, 1) {
				assert.Equal(t, "end", listed[0].NextStepConditions[0].NextStepID)
			}
			assert.Equal(t, "check budget", listed[1].Name)

			var decoded models.ConditionStepConfig
			assert.NoError(t, json.Unmarshal(listed[1].Config, &decoded))
			assert.Equal(t, "context.budget", decoded.Conditions[0].Left)
		}

		workflows, err := store.ListWorkflows(ctx, tenant.ID)
		assert.NoError(t, err)
		assert.Len(t, workflows, 1)
	})

	t.Run("Workflow stats accumulate", func(t *testing.T) {
		assert.NoError(t, store.UpdateWorkflowStats(ctx, workflow.ID, true))
		assert.NoError(t, store.UpdateWorkflowStats(ctx, workflow.ID, false))

		got, err := store.GetWorkflow(ctx, workflow.ID)
		assert.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)
		assert.Equal(t, 1, got.SuccessCount)
		assert.Equal(t, 0.5, got.SuccessRate)
		assert.NotNil(t, got.LastExecutedAt)
	})

	t.Run("Execution lifecycle", func(t *testing.T) {
		execution := &models.WorkflowExecution{
			WorkflowID:       workflow.ID,
			TenantID:         tenant.ID,
			ConversationID:   conversation.ID,
			Status:           models.ExecutionRunning,
			ContextVariables: map[string]interface{}{"inquiry": "need 500 units"},
		}
		assert.NoError(t, store.CreateExecution(ctx, execution))

		execution.Status = models.ExecutionCompleted
		execution.CurrentStepID = "check budget"
		execution.ExecutionLog = []models.StepLog{
			{StepID: "s1", StepName: "summarize", StepType: models.StepTypePrompt, Success: true, DurationMs: 12},
		}
		execution.FinalOutput = map[string]interface{}{"summary": "bulk order"}
		execution.TotalExecutionTimeMs = 40
		now := time.Now().UTC()
		execution.CompletedAt = &now
		assert.NoError(t, store.UpdateExecution(ctx, execution))

		got, err := store.GetExecution(ctx, execution.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, got.Status)
		assert.Equal(t, conversation.ID, got.ConversationID)
		assert.Equal(t, "need 500 units", got.ContextVariables["inquiry"])
		if assert.Len(t, got.ExecutionLog, 1) {
			assert.True(t, got.ExecutionLog[0].Success)
		}
		assert.Equal(t, "bulk order", got.FinalOutput["summary"])
		assert.NotNil(t, got.CompletedAt)

		_, err = store.GetExecution(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Prompt template round trip", func(t *testing.T) {
		template := &models.PromptTemplate{
			TenantID:  tenant.ID,
			Name:      "Lead summary",
			Template:  "Summarize: {{inquiry}}",
			Variables: []string{"inquiry"},
		}
		assert.NoError(t, store.CreatePromptTemplate(ctx, template))

		got, err := store.GetPromptTemplate(ctx, template.ID)
		assert.NoError(t, err)
		assert.Equal(t, "Summarize: {{inquiry}}", got.Template)
		assert.Equal(t, []string{"inquiry"}, got.Variables)

		_, err = store.GetPromptTemplate(ctx, uuid.New().String())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
