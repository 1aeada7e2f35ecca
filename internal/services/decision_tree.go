package services

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"comchat/backend/internal/logging"
	"comchat/backend/pkg/models"
)

// Decision actions. Action nodes may return custom types beyond these.
const (
	ActionContinue = "continue"
	ActionMessage  = "message"
	ActionWebhook  = "webhook"
	ActionHandover = "handover"
)

const defaultHandoverMessage = "Transferring you to a human agent..."

// ErrCycleDetected is returned when a tree routes back into a node
// already visited in the same traversal. A cyclic tree is a hard
// configuration error, never silently continued.
var ErrCycleDetected = errors.New("decision tree cycle detected")

// DecisionResult is the outcome of one tree traversal.
type DecisionResult struct {
	Action   string                 `json:"action"`
	Response string                 `json:"response"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DecisionTreeEngine interprets tenant-configured decision trees against
// the current message and conversation context. Evaluation is pure: no
// network calls, no hidden randomness.
type DecisionTreeEngine struct {
	logger *logging.Logger
}

// NewDecisionTreeEngine creates a new DecisionTreeEngine.
func NewDecisionTreeEngine(logger *logging.Logger) *DecisionTreeEngine {
	return &DecisionTreeEngine{logger: logger}
}

// ProcessDecisionTree traverses one tree from its root. Misconfiguration
// (missing nodes, bad regex) degrades to a continue result so a broken
// tree never breaks the message pipeline; only a cycle is a hard error.
func (e *DecisionTreeEngine) ProcessDecisionTree(
	tree *models.DecisionTree,
	userMessage string,
	context map[string]interface{},
	aiResponse string,
) (result *DecisionResult, err error) {
	passThrough := &DecisionResult{Action: ActionContinue, Response: aiResponse}

	if tree == nil || len(tree.Nodes) == 0 {
		return passThrough, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("decision tree processing panicked", "tree", tree.Name, "panic", r)
			result = passThrough
			err = nil
		}
	}()

	root := tree.FindNode(tree.Root)
	if root == nil {
		e.logger.Warn("root node not found in decision tree", "tree", tree.Name, "root", tree.Root)
		return passThrough, nil
	}

	visited := make(map[string]bool)
	return e.processNode(root, tree, userMessage, context, aiResponse, visited)
}

func (e *DecisionTreeEngine) processNode(
	node models.Node,
	tree *models.DecisionTree,
	userMessage string,
	context map[string]interface{},
	aiResponse string,
	visited map[string]bool,
) (*DecisionResult, error) {
	if visited[node.NodeID()] {
		return nil, fmt.Errorf("%w: node %q revisited", ErrCycleDetected, node.NodeID())
	}
	visited[node.NodeID()] = true

	switch n := node.(type) {
	case *models.ConditionNode:
		return e.processConditionNode(n, tree, userMessage, context, aiResponse, visited)
	case *models.MessageNode:
		return e.processMessageNode(n, tree, userMessage, context, aiResponse, visited)
	case *models.ActionNode:
		action := n.ActionType
		if action == "" {
			action = ActionContinue
		}
		return &DecisionResult{Action: action, Response: aiResponse, Metadata: n.Metadata}, nil
	case *models.WebhookNode:
		method := n.WebhookMethod
		if method == "" {
			method = "POST"
		}
		metadata := mergeMetadata(map[string]interface{}{
			"webhook_url":    n.WebhookURL,
			"webhook_method": method,
			"webhook_data":   n.WebhookData,
		}, n.Metadata)
		return &DecisionResult{Action: ActionWebhook, Response: aiResponse, Metadata: metadata}, nil
	case *models.HandoverNode:
		response := n.HandoverMessage
		if response == "" {
			response = defaultHandoverMessage
		}
		reason := n.Reason
		if reason == "" {
			reason = "User request"
		}
		metadata := mergeMetadata(map[string]interface{}{
			"reason":     reason,
			"department": n.Department,
		}, n.Metadata)
		return &DecisionResult{Action: ActionHandover, Response: response, Metadata: metadata}, nil
	default:
		return &DecisionResult{Action: ActionContinue, Response: aiResponse}, nil
	}
}

// processConditionNode evaluates sub-conditions in listed order. A match
// routing to a missing node is skipped rather than fatal; no match at all
// is a pass-through, not an error.
func (e *DecisionTreeEngine) processConditionNode(
	node *models.ConditionNode,
	tree *models.DecisionTree,
	userMessage string,
	context map[string]interface{},
	aiResponse string,
	visited map[string]bool,
) (*DecisionResult, error) {
	for _, condition := range node.Conditions {
		if !e.evaluateCondition(condition, userMessage, context) {
			continue
		}
		if condition.NextNode == "" {
			continue
		}
		if next := tree.FindNode(condition.NextNode); next != nil {
			return e.processNode(next, tree, userMessage, context, aiResponse, visited)
		}
	}

	if node.DefaultNext != "" {
		if next := tree.FindNode(node.DefaultNext); next != nil {
			return e.processNode(next, tree, userMessage, context, aiResponse, visited)
		}
	}

	return &DecisionResult{Action: ActionContinue, Response: aiResponse}, nil
}

// processMessageNode renders the node's template. A next node continues
// traversal with the rendered message as the new draft response, allowing
// a message to compose and still branch.
func (e *DecisionTreeEngine) processMessageNode(
	node *models.MessageNode,
	tree *models.DecisionTree,
	userMessage string,
	context map[string]interface{},
	aiResponse string,
	visited map[string]bool,
) (*DecisionResult, error) {
	rendered := RenderTemplate(node.Message, userMessage, context)

	if node.NextNode != "" {
		if next := tree.FindNode(node.NextNode); next != nil {
			return e.processNode(next, tree, userMessage, context, rendered, visited)
		}
	}

	return &DecisionResult{Action: ActionMessage, Response: rendered, Metadata: node.Metadata}, nil
}

func (e *DecisionTreeEngine) evaluateCondition(condition models.Condition, userMessage string, context map[string]interface{}) bool {
	switch condition.CondType {
	case models.ConditionContains, "":
		return evaluateContains(condition, userMessage)
	case models.ConditionRegex:
		return e.evaluateRegex(condition, userMessage)
	case models.ConditionIntent:
		detected, _ := context["detected_intent"].(string)
		for _, intent := range condition.Intents {
			if intent == detected {
				return true
			}
		}
		return false
	case models.ConditionContext:
		return evaluateContextCondition(condition, context)
	case models.ConditionSentiment:
		target := condition.Sentiment
		if target == "" {
			target = "neutral"
		}
		detected := "neutral"
		if s, ok := context["sentiment"].(string); ok && s != "" {
			detected = s
		}
		return detected == target
	default:
		return false
	}
}

func evaluateContains(condition models.Condition, userMessage string) bool {
	message := userMessage
	if !condition.CaseSensitive {
		message = strings.ToLower(message)
	}
	for _, keyword := range condition.Keywords {
		if !condition.CaseSensitive {
			keyword = strings.ToLower(keyword)
		}
		if strings.Contains(message, keyword) {
			return true
		}
	}
	return false
}

// evaluateRegex treats an invalid pattern as non-matching, not fatal.
func (e *DecisionTreeEngine) evaluateRegex(condition models.Condition, userMessage string) bool {
	pattern := condition.Pattern
	if !condition.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		e.logger.Error("invalid regex pattern in decision tree", "pattern", condition.Pattern)
		return false
	}
	return re.MatchString(userMessage)
}

// evaluateContextCondition compares a named context key against an
// expected value. Missing keys and non-numeric values on numeric
// operators are non-matching, not fatal.
func evaluateContextCondition(condition models.Condition, context map[string]interface{}) bool {
	actual, ok := context[condition.ContextKey]
	if !ok || actual == nil {
		return false
	}

	operator := condition.Operator
	if operator == "" {
		operator = "equals"
	}

	switch operator {
	case "equals":
		return valuesEqual(actual, condition.ExpectedValue)
	case "contains":
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(condition.ExpectedValue))
	case "greater_than":
		left, lok := toFloat(actual)
		right, rok := toFloat(condition.ExpectedValue)
		return lok && rok && left > right
	case "less_than":
		left, lok := toFloat(actual)
		right, rok := toFloat(condition.ExpectedValue)
		return lok && rok && left < right
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// RenderTemplate substitutes {{user_message}}, {{user_name}}, {{user_id}},
// {{channel}} and every {{context.<key>}} in a message template. The
// replacement is single-pass, so substituted values are never re-expanded
// as templates themselves.
func RenderTemplate(template, userMessage string, context map[string]interface{}) string {
	userName := "there"
	if v, ok := context["user_name"].(string); ok && v != "" {
		userName = v
	}

	pairs := []string{
		"{{user_message}}", userMessage,
		"{{user_name}}", userName,
		"{{user_id}}", stringValue(context["user_id"]),
		"{{channel}}", stringValue(context["channel"]),
	}
	for key, value := range context {
		pairs = append(pairs, "{{context."+key+"}}", stringValue(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
