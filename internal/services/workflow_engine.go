package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

const defaultMaxExecutionMinutes = 30

// ErrWorkflowNotActive is returned when an execution is requested for a
// workflow that does not exist or is not in the active status. This is a
// configuration error, never retried.
var ErrWorkflowNotActive = errors.New("workflow not found or not active")

// ExecuteOptions carries optional correlation ids for one execution.
type ExecuteOptions struct {
	ConversationID string
	UserID         string
}

// WorkflowResult summarizes one finished execution for the caller. The
// full step log lives on the persisted execution record.
type WorkflowResult struct {
	ExecutionID     string                 `json:"execution_id"`
	Success         bool                   `json:"success"`
	Output          map[string]interface{} `json:"output"`
	ExecutionTimeMs int                    `json:"execution_time_ms"`
	StepsExecuted   int                    `json:"steps_executed"`
	Error           string                 `json:"error,omitempty"`
}

// stepResult is the outcome of one step attempt.
type stepResult struct {
	success bool
	output  map[string]interface{}
	err     string
}

// WorkflowEngine runs tenant-authored workflows step by step against a
// persisted execution record. One engine serves all tenants; it holds no
// per-execution state.
type WorkflowEngine struct {
	store   repository.Store
	prompts PromptExecutor
	logger  *logging.Logger
	client  *http.Client

	// sleep backs delay steps; swapped out in tests.
	sleep func(context.Context, time.Duration)
}

// NewWorkflowEngine creates a new WorkflowEngine.
func NewWorkflowEngine(store repository.Store, prompts PromptExecutor, logger *logging.Logger) *WorkflowEngine {
	return &WorkflowEngine{
		store:   store,
		prompts: prompts,
		logger:  logger,
		client:  &http.Client{Timeout: 30 * time.Second},
		sleep:   sleepContext,
	}
}

// ExecuteWorkflow runs one workflow to completion. The execution context
// is seeded from the workflow's initial context merged with callerContext
// (caller keys win). The whole run is bounded by the workflow's
// max_execution_time_minutes.
func (e *WorkflowEngine) ExecuteWorkflow(
	ctx context.Context,
	workflowID, tenantID string,
	callerContext map[string]interface{},
	opts ExecuteOptions,
) (*WorkflowResult, error) {
	start := time.Now()

	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotActive
		}
		return nil, fmt.Errorf("fetch workflow: %w", err)
	}
	if workflow.Status != models.WorkflowActive {
		return nil, ErrWorkflowNotActive
	}

	seeded := make(map[string]interface{}, len(workflow.InitialContext)+len(callerContext))
	for k, v := range workflow.InitialContext {
		seeded[k] = v
	}
	for k, v := range callerContext {
		seeded[k] = v
	}

	execution := &models.WorkflowExecution{
		ID:               uuid.NewString(),
		WorkflowID:       workflow.ID,
		TenantID:         tenantID,
		ConversationID:   opts.ConversationID,
		UserID:           opts.UserID,
		Status:           models.ExecutionRunning,
		ContextVariables: seeded,
		ExecutionLog:     []models.StepLog{},
		StartedAt:        start.UTC(),
	}
	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	steps, err := e.store.ListWorkflowSteps(ctx, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}

	maxMinutes := workflow.MaxExecutionTimeMinutes
	if maxMinutes <= 0 {
		maxMinutes = defaultMaxExecutionMinutes
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(maxMinutes)*time.Minute)
	defer cancel()

	success, output, runErr := e.runSteps(runCtx, execution, steps)

	now := time.Now()
	completed := now.UTC()
	execution.CompletedAt = &completed
	execution.TotalExecutionTimeMs = int(now.Sub(start).Milliseconds())
	execution.CurrentStepID = ""
	if success {
		execution.Status = models.ExecutionCompleted
		execution.FinalOutput = output
	} else if errors.Is(ctx.Err(), context.Canceled) {
		execution.Status = models.ExecutionCancelled
		execution.ErrorDetails = map[string]interface{}{"message": runErr}
	} else {
		execution.Status = models.ExecutionFailed
		execution.ErrorDetails = map[string]interface{}{"message": runErr}
	}
	// Finalization must outlive caller cancellation or the record stays
	// running forever.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinalize()
	if err := e.store.UpdateExecution(finalizeCtx, execution); err != nil {
		return nil, fmt.Errorf("finalize execution: %w", err)
	}
	if err := e.store.UpdateWorkflowStats(finalizeCtx, workflow.ID, success); err != nil {
		e.logger.Error("failed to update workflow stats", "workflow_id", workflow.ID, "error", err)
	}

	return &WorkflowResult{
		ExecutionID:     execution.ID,
		Success:         success,
		Output:          execution.FinalOutput,
		ExecutionTimeMs: execution.TotalExecutionTimeMs,
		StepsExecuted:   len(execution.ExecutionLog),
		Error:           runErr,
	}, nil
}

// runSteps executes steps in order-index order, following branch rules
// and stopping at the first unrecoverable step failure. Exactly one log
// entry is appended per step reached, retries included. The final
// context snapshot is the run's output.
func (e *WorkflowEngine) runSteps(
	ctx context.Context,
	execution *models.WorkflowExecution,
	steps []*models.WorkflowStep,
) (bool, map[string]interface{}, string) {
	vars := make(map[string]interface{}, len(execution.ContextVariables))
	for k, v := range execution.ContextVariables {
		vars[k] = v
	}

	visited := make(map[string]bool, len(steps))
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		index[step.ID] = i
	}

	i := 0
	for i < len(steps) {
		if err := ctx.Err(); err != nil {
			return false, nil, "execution aborted: " + err.Error()
		}

		step := steps[i]
		// A branch jump back into an already-executed step would loop
		// forever; treat it as a hard configuration failure.
		if visited[step.ID] {
			return false, nil, fmt.Sprintf("step cycle detected at step %q", step.Name)
		}
		visited[step.ID] = true

		execution.CurrentStepID = step.ID
		if err := e.store.UpdateExecution(ctx, execution); err != nil {
			e.logger.Error("failed to checkpoint execution", "execution_id", execution.ID, "error", err)
		}

		stepStart := time.Now()
		result := e.executeStep(ctx, step, vars, execution)
		for attempt := 0; !result.success && attempt < step.RetryConfig.MaxRetries; attempt++ {
			result = e.executeStep(ctx, step, vars, execution)
		}

		execution.ExecutionLog = append(execution.ExecutionLog, models.StepLog{
			StepID:     step.ID,
			StepName:   step.Name,
			StepType:   step.StepType,
			Success:    result.success,
			DurationMs: int(time.Since(stepStart).Milliseconds()),
			Output:     result.output,
			Error:      result.err,
		})

		if !result.success {
			return false, nil, result.err
		}

		for k, v := range result.output {
			vars[k] = v
		}

		if target := branchTarget(step, result.output); target != "" {
			j, ok := index[target]
			if !ok {
				return false, nil, fmt.Sprintf("branch target %q not found", target)
			}
			i = j
			continue
		}
		i++
	}

	return true, vars, ""
}

// branchTarget returns the first branch rule whose output key matches,
// or "" to continue sequentially.
func branchTarget(step *models.WorkflowStep, output map[string]interface{}) string {
	for _, rule := range step.NextStepConditions {
		if valuesEqual(output[rule.OutputKey], rule.Equals) {
			return rule.NextStepID
		}
	}
	return ""
}

// executeStep dispatches one step by type. Adding a StepType means
// adding a case here; an unhandled type fails the step.
func (e *WorkflowEngine) executeStep(
	ctx context.Context,
	step *models.WorkflowStep,
	vars map[string]interface{},
	execution *models.WorkflowExecution,
) stepResult {
	switch step.StepType {
	case models.StepTypePrompt:
		return e.executePromptStep(ctx, step, vars, execution)
	case models.StepTypeCondition:
		return executeConditionStep(step, vars)
	case models.StepTypeAction:
		return e.executeActionStep(ctx, step, vars)
	case models.StepTypeDelay:
		return e.executeDelayStep(ctx, step)
	case models.StepTypeWebhook:
		return e.executeWebhookStep(ctx, step, vars)
	default:
		return stepResult{err: fmt.Sprintf("unknown step type: %s", step.StepType)}
	}
}

func (e *WorkflowEngine) executePromptStep(
	ctx context.Context,
	step *models.WorkflowStep,
	vars map[string]interface{},
	execution *models.WorkflowExecution,
) stepResult {
	if step.PromptTemplateID == "" {
		return stepResult{err: "no prompt template specified"}
	}

	variables := make(map[string]interface{}, len(step.InputMapping))
	for name, mapping := range step.InputMapping {
		variables[name] = resolveValue(mapping, vars)
	}

	meta := map[string]interface{}{
		"conversation_id":       execution.ConversationID,
		"user_id":               execution.UserID,
		"workflow_execution_id": execution.ID,
	}
	result, err := e.prompts.Execute(ctx, step.PromptTemplateID, variables, meta)
	if err != nil {
		return stepResult{err: err.Error()}
	}

	output := make(map[string]interface{}, len(step.OutputMapping))
	for key, mapping := range step.OutputMapping {
		switch mapping {
		case "response":
			output[key] = result.Response
		case "model_used":
			output[key] = result.ModelUsed
		case "execution_id":
			output[key] = result.ExecutionID
		case "tokens_used":
			output[key] = result.TokensUsed
		}
	}
	return stepResult{success: true, output: output}
}

// executeConditionStep evaluates conditions in order and reports the
// first match. It never branches itself; branching is driven by the
// step's branch rules against condition_result.
func executeConditionStep(step *models.WorkflowStep, vars map[string]interface{}) stepResult {
	var config models.ConditionStepConfig
	if err := decodeStepConfig(step.Config, &config); err != nil {
		return stepResult{err: err.Error()}
	}

	for _, condition := range config.Conditions {
		left := resolveValue(condition.Left, vars)
		if evaluateStepCondition(left, condition.Operator, condition.Right) {
			return stepResult{success: true, output: map[string]interface{}{
				"condition_result":  true,
				"matched_condition": condition,
			}}
		}
	}
	return stepResult{success: true, output: map[string]interface{}{"condition_result": false}}
}

func (e *WorkflowEngine) executeActionStep(ctx context.Context, step *models.WorkflowStep, vars map[string]interface{}) stepResult {
	var config models.ActionStepConfig
	if err := decodeStepConfig(step.Config, &config); err != nil {
		return stepResult{err: err.Error()}
	}

	switch config.ActionType {
	case "set_variable":
		if config.VariableName == "" {
			return stepResult{err: "set_variable requires a variable name"}
		}
		value := resolveValue(config.VariableValue, vars)
		return stepResult{success: true, output: map[string]interface{}{config.VariableName: value}}
	case "api_call":
		return e.executeAPICall(ctx, step, config, vars)
	default:
		return stepResult{err: fmt.Sprintf("unknown action type: %s", config.ActionType)}
	}
}

func (e *WorkflowEngine) executeAPICall(ctx context.Context, step *models.WorkflowStep, config models.ActionStepConfig, vars map[string]interface{}) stepResult {
	if config.URL == "" {
		return stepResult{err: "api_call requires a url"}
	}
	method := config.Method
	if method == "" {
		method = "GET"
	}

	var bodyReader *bytes.Reader
	if config.Body != nil {
		body, err := json.Marshal(resolvePayload(config.Body, vars))
		if err != nil {
			return stepResult{err: fmt.Sprintf("marshal api_call body: %v", err)}
		}
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, stepTimeout(step))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, config.URL, bodyReader)
	if err != nil {
		return stepResult{err: err.Error()}
	}
	if config.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return stepResult{err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stepResult{err: fmt.Sprintf("api call returned status %d", resp.StatusCode)}
	}

	var parsed interface{}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		parsed = nil
	}
	return stepResult{success: true, output: map[string]interface{}{
		"status_code": resp.StatusCode,
		"response":    parsed,
	}}
}

func (e *WorkflowEngine) executeDelayStep(ctx context.Context, step *models.WorkflowStep) stepResult {
	var config models.DelayStepConfig
	if err := decodeStepConfig(step.Config, &config); err != nil {
		return stepResult{err: err.Error()}
	}
	seconds := config.DelaySeconds
	if seconds <= 0 {
		seconds = 1
	}

	e.sleep(ctx, time.Duration(seconds)*time.Second)
	if err := ctx.Err(); err != nil {
		return stepResult{err: "delay interrupted: " + err.Error()}
	}
	return stepResult{success: true, output: map[string]interface{}{"delayed_seconds": seconds}}
}

func (e *WorkflowEngine) executeWebhookStep(ctx context.Context, step *models.WorkflowStep, vars map[string]interface{}) stepResult {
	var config models.WebhookStepConfig
	if err := decodeStepConfig(step.Config, &config); err != nil {
		return stepResult{err: err.Error()}
	}
	if config.WebhookURL == "" {
		return stepResult{err: "webhook step requires a webhook_url"}
	}

	body, err := json.Marshal(resolvePayload(config.Payload, vars))
	if err != nil {
		return stepResult{err: fmt.Sprintf("marshal webhook payload: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, stepTimeout(step))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return stepResult{err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return stepResult{err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return stepResult{err: fmt.Sprintf("webhook returned status %d", resp.StatusCode)}
	}

	var responseData interface{}
	if err := json.NewDecoder(resp.Body).Decode(&responseData); err != nil {
		responseData = nil
	}
	return stepResult{success: true, output: map[string]interface{}{"webhook_response": responseData}}
}

func stepTimeout(step *models.WorkflowStep) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

func decodeStepConfig(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("invalid step config: %w", err)
	}
	return nil
}

// resolveValue resolves a "context."-prefixed string by dotted lookup in
// the execution context; anything else is returned verbatim.
func resolveValue(expression interface{}, vars map[string]interface{}) interface{} {
	s, ok := expression.(string)
	if !ok || !strings.HasPrefix(s, "context.") {
		return expression
	}

	var value interface{} = vars
	for _, key := range strings.Split(strings.TrimPrefix(s, "context."), ".") {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil
		}
		value, ok = m[key]
		if !ok {
			return nil
		}
	}
	return value
}

// resolvePayload resolves context references in every string value of an
// outbound payload, recursing into nested maps.
func resolvePayload(payload map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		switch v := value.(type) {
		case string:
			resolved[key] = resolveValue(v, vars)
		case map[string]interface{}:
			resolved[key] = resolvePayload(v, vars)
		default:
			resolved[key] = value
		}
	}
	return resolved
}

func evaluateStepCondition(left interface{}, operator string, right interface{}) bool {
	switch operator {
	case "equals":
		return valuesEqual(left, right)
	case "not_equals":
		return !valuesEqual(left, right)
	case "greater_than":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		return lok && rok && lf > rf
	case "less_than":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		return lok && rok && lf < rf
	case "contains":
		return strings.Contains(stringValue(left), stringValue(right))
	case "starts_with":
		return strings.HasPrefix(stringValue(left), stringValue(right))
	case "ends_with":
		return strings.HasSuffix(stringValue(left), stringValue(right))
	default:
		return false
	}
}
