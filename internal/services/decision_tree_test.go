package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"comchat/backend/internal/logging"
	"comchat/backend/pkg/models"
)

func newTestEngine() *DecisionTreeEngine {
	return NewDecisionTreeEngine(logging.NewLogger())
}

func keywordTree(keywords []string, next string, nodes ...models.Node) *models.DecisionTree {
	all := append([]models.Node{
		&models.ConditionNode{
			ID: "start",
			Conditions: []models.Condition{
				{CondType: models.ConditionContains, Keywords: keywords, NextNode: next},
			},
		},
	}, nodes...)
	return &models.DecisionTree{Name: "test", Enabled: true, Root: "start", Nodes: all}
}

func TestProcessDecisionTree_NoMatchNoDefaultPassesThrough(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"refund"}, "missing")

	result, err := engine.ProcessDecisionTree(tree, "hello there", nil, "draft reply")
	assert.NoError(t, err)
	assert.Equal(t, ActionContinue, result.Action)
	assert.Equal(t, "draft reply", result.Response)
}

func TestProcessDecisionTree_Deterministic(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"refund"}, "msg",
		&models.MessageNode{ID: "msg", Message: "Refunds take 5 days."},
	)

	first, err := engine.ProcessDecisionTree(tree, "I want a refund", nil, "draft")
	assert.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.ProcessDecisionTree(tree, "I want a refund", nil, "draft")
		assert.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestProcessDecisionTree_MessageTemplateRendering(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"hi"}, "msg",
		&models.MessageNode{ID: "msg", Message: "Hello {{user_name}}, you said: {{user_message}}"},
	)

	result, err := engine.ProcessDecisionTree(tree, "hi", map[string]interface{}{"user_name": "Ana"}, "draft")
	assert.NoError(t, err)
	assert.Equal(t, ActionMessage, result.Action)
	assert.Equal(t, "Hello Ana, you said: hi", result.Response)
}

func TestProcessDecisionTree_MessageNodeContinuesIntoNextNode(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"hi"}, "msg",
		&models.MessageNode{ID: "msg", Message: "Rendered greeting", NextNode: "handover"},
		&models.HandoverNode{ID: "handover"},
	)

	result, err := engine.ProcessDecisionTree(tree, "hi", nil, "draft")
	assert.NoError(t, err)
	assert.Equal(t, ActionHandover, result.Action)
	assert.Equal(t, defaultHandoverMessage, result.Response)
}

func TestProcessDecisionTree_HandoverDefaults(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"human"}, "h",
		&models.HandoverNode{ID: "h", Department: "support"},
	)

	result, err := engine.ProcessDecisionTree(tree, "get me a human", nil, "draft")
	assert.NoError(t, err)
	assert.Equal(t, ActionHandover, result.Action)
	assert.Equal(t, "User request", result.Metadata["reason"])
	assert.Equal(t, "support", result.Metadata["department"])
}

func TestProcessDecisionTree_WebhookNodeMetadata(t *testing.T) {
	engine := newTestEngine()
	tree := keywordTree([]string{"order"}, "hook",
		&models.WebhookNode{ID: "hook", WebhookURL: "https://example.com/hook", WebhookData: map[string]interface{}{"kind": "order"}},
	)

	result, err := engine.ProcessDecisionTree(tree, "where is my order", nil, "draft")
	assert.NoError(t, err)
	assert.Equal(t, ActionWebhook, result.Action)
	assert.Equal(t, "draft", result.Response)
	assert.Equal(t, "https://example.com/hook", result.Metadata["webhook_url"])
	assert.Equal(t, "POST", result.Metadata["webhook_method"])
}

func TestProcessDecisionTree_CycleDetected(t *testing.T) {
	engine := newTestEngine()
	tree := &models.DecisionTree{
		Name: "cyclic", Enabled: true, Root: "a",
		Nodes: []models.Node{
			&models.MessageNode{ID: "a", Message: "loop", NextNode: "b"},
			&models.MessageNode{ID: "b", Message: "loop", NextNode: "a"},
		},
	}

	result, err := engine.ProcessDecisionTree(tree, "hi", nil, "draft")
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Nil(t, result)
}

func TestProcessDecisionTree_MissingRootPassesThrough(t *testing.T) {
	engine := newTestEngine()
	tree := &models.DecisionTree{
		Name: "broken", Enabled: true, Root: "nope",
		Nodes: []models.Node{&models.MessageNode{ID: "msg", Message: "hi"}},
	}

	result, err := engine.ProcessDecisionTree(tree, "hi", nil, "draft")
	assert.NoError(t, err)
	assert.Equal(t, ActionContinue, result.Action)
	assert.Equal(t, "draft", result.Response)
}

func TestEvaluateCondition_Contains(t *testing.T) {
	engine := newTestEngine()

	insensitive := models.Condition{CondType: models.ConditionContains, Keywords: []string{"Refund"}}
	assert.True(t, engine.evaluateCondition(insensitive, "I want a REFUND now", nil))

	sensitive := models.Condition{CondType: models.ConditionContains, Keywords: []string{"Refund"}, CaseSensitive: true}
	assert.False(t, engine.evaluateCondition(sensitive, "I want a refund now", nil))
	assert.True(t, engine.evaluateCondition(sensitive, "I want a Refund now", nil))
}

func TestEvaluateCondition_Regex(t *testing.T) {
	engine := newTestEngine()

	pattern := models.Condition{CondType: models.ConditionRegex, Pattern: `order\s+#\d+`}
	assert.True(t, engine.evaluateCondition(pattern, "Where is ORDER #42?", nil))

	invalid := models.Condition{CondType: models.ConditionRegex, Pattern: `([`}
	assert.False(t, engine.evaluateCondition(invalid, "anything", nil))
}

func TestEvaluateCondition_Intent(t *testing.T) {
	engine := newTestEngine()
	condition := models.Condition{CondType: models.ConditionIntent, Intents: []string{"billing", "refund"}}

	assert.True(t, engine.evaluateCondition(condition, "", map[string]interface{}{"detected_intent": "refund"}))
	assert.False(t, engine.evaluateCondition(condition, "", map[string]interface{}{"detected_intent": "greeting"}))
	assert.False(t, engine.evaluateCondition(condition, "", map[string]interface{}{}))
}

func TestEvaluateCondition_Context(t *testing.T) {
	engine := newTestEngine()

	equals := models.Condition{CondType: models.ConditionContext, ContextKey: "status", Operator: "equals", ExpectedValue: "open"}
	assert.True(t, engine.evaluateCondition(equals, "", map[string]interface{}{"status": "open"}))
	assert.False(t, engine.evaluateCondition(equals, "", map[string]interface{}{"status": "closed"}))
	assert.False(t, engine.evaluateCondition(equals, "", map[string]interface{}{}))

	greater := models.Condition{CondType: models.ConditionContext, ContextKey: "orders", Operator: "greater_than", ExpectedValue: float64(3)}
	assert.True(t, engine.evaluateCondition(greater, "", map[string]interface{}{"orders": float64(5)}))
	assert.False(t, engine.evaluateCondition(greater, "", map[string]interface{}{"orders": "not a number"}))
}

func TestEvaluateCondition_SentimentDefaultsNeutral(t *testing.T) {
	engine := newTestEngine()
	condition := models.Condition{CondType: models.ConditionSentiment}

	assert.True(t, engine.evaluateCondition(condition, "", map[string]interface{}{}))

	negative := models.Condition{CondType: models.ConditionSentiment, Sentiment: "negative"}
	assert.True(t, engine.evaluateCondition(negative, "", map[string]interface{}{"sentiment": "negative"}))
	assert.False(t, engine.evaluateCondition(negative, "", map[string]interface{}{}))
}

func TestRenderTemplate(t *testing.T) {
	context := map[string]interface{}{
		"user_id": "u-1",
		"channel": "web",
		"plan":    "pro",
	}

	rendered := RenderTemplate("{{user_name}} ({{user_id}}, {{channel}}) on {{context.plan}}: {{user_message}}", "help", context)
	assert.Equal(t, "there (u-1, web) on pro: help", rendered)
}

func TestRenderTemplate_SubstitutedValuesAreNotReExpanded(t *testing.T) {
	context := map[string]interface{}{"user_name": "{{context.secret}}", "secret": "hidden"}

	rendered := RenderTemplate("Hello {{user_name}}", "hi", context)
	assert.Equal(t, "Hello {{context.secret}}", rendered)
}
