package models

import (
	"encoding/json"
	"time"
)

// Workflow statuses.
const (
	WorkflowDraft    = "draft"
	WorkflowActive   = "active"
	WorkflowPaused   = "paused"
	WorkflowArchived = "archived"
)

// Execution statuses. ExecutionPaused is reserved: no implemented path
// reaches it.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
	ExecutionPaused    = "paused"
)

// StepType discriminates workflow step variants.
type StepType string

const (
	StepTypePrompt    StepType = "prompt"
	StepTypeCondition StepType = "condition"
	StepTypeAction    StepType = "action"
	StepTypeDelay     StepType = "delay"
	StepTypeWebhook   StepType = "webhook"
)

// Workflow is a tenant-authored ordered sequence of typed automation
// steps, executed independently of live chat replies.
type Workflow struct {
	ID                      string                 `json:"id"`
	TenantID                string                 `json:"tenant_id"`
	Name                    string                 `json:"name"`
	Description             string                 `json:"description,omitempty"`
	Status                  string                 `json:"status"`
	InitialContext          map[string]interface{} `json:"initial_context,omitempty"`
	Priority                int                    `json:"priority"`
	MaxExecutionTimeMinutes int                    `json:"max_execution_time_minutes"`
	ExecutionCount          int                    `json:"execution_count"`
	SuccessCount            int                    `json:"success_count"`
	SuccessRate             float64                `json:"success_rate"`
	Version                 string                 `json:"version"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
	LastExecutedAt          *time.Time             `json:"last_executed_at,omitempty"`
}

// WorkflowStep is one step of a workflow. Config is decoded per step type
// by the engine; input and output mappings move values between the shared
// execution context and step-local variables.
type WorkflowStep struct {
	ID                 string            `json:"id"`
	WorkflowID         string            `json:"workflow_id"`
	Name               string            `json:"name"`
	StepType           StepType          `json:"step_type"`
	OrderIndex         int               `json:"order_index"`
	Config             json.RawMessage   `json:"config,omitempty"`
	InputMapping       map[string]string `json:"input_mapping,omitempty"`
	OutputMapping      map[string]string `json:"output_mapping,omitempty"`
	NextStepConditions []BranchRule      `json:"next_step_conditions,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds"`
	RetryConfig        RetryConfig       `json:"retry_config"`
	PromptTemplateID   string            `json:"prompt_template_id,omitempty"`
}

// RetryConfig bounds per-step retries on failure.
type RetryConfig struct {
	MaxRetries int `json:"max_retries"`
}

// BranchRule redirects execution to another step when a step output key
// equals the expected value. Rules are checked in order after a step
// succeeds; the first match wins.
type BranchRule struct {
	OutputKey  string      `json:"output_key"`
	Equals     interface{} `json:"equals"`
	NextStepID string      `json:"next_step_id"`
}

// Per-type step configurations, decoded from WorkflowStep.Config. Prompt
// steps carry no extra config; the template reference and mappings live
// on the step record itself.

// ConditionStepConfig holds the ordered condition triples of a condition
// step.
type ConditionStepConfig struct {
	Conditions []StepCondition `json:"conditions"`
}

// StepCondition is one {left, operator, right} triple. A left value with
// a "context." prefix is resolved by dotted lookup; anything else is a
// literal.
type StepCondition struct {
	Left     string      `json:"left"`
	Operator string      `json:"operator"`
	Right    interface{} `json:"right"`
}

// ActionStepConfig configures an action step.
type ActionStepConfig struct {
	ActionType    string                 `json:"action_type"`
	VariableName  string                 `json:"variable_name,omitempty"`
	VariableValue interface{}            `json:"variable_value,omitempty"`
	URL           string                 `json:"url,omitempty"`
	Method        string                 `json:"method,omitempty"`
	Body          map[string]interface{} `json:"body,omitempty"`
}

// DelayStepConfig configures a delay step.
type DelayStepConfig struct {
	DelaySeconds int `json:"delay_seconds"`
}

// WebhookStepConfig configures a webhook step.
type WebhookStepConfig struct {
	WebhookURL string                 `json:"webhook_url"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// WorkflowExecution is one run instance of a workflow. It is created
// running and is terminal once completed, failed or cancelled.
type WorkflowExecution struct {
	ID                   string                 `json:"id"`
	WorkflowID           string                 `json:"workflow_id"`
	TenantID             string                 `json:"tenant_id"`
	ConversationID       string                 `json:"conversation_id,omitempty"`
	UserID               string                 `json:"user_id,omitempty"`
	Status               string                 `json:"status"`
	ContextVariables     map[string]interface{} `json:"context_variables"`
	CurrentStepID        string                 `json:"current_step_id,omitempty"`
	ExecutionLog         []StepLog              `json:"execution_log"`
	FinalOutput          map[string]interface{} `json:"final_output,omitempty"`
	ErrorDetails         map[string]interface{} `json:"error_details,omitempty"`
	StartedAt            time.Time              `json:"started_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	TotalExecutionTimeMs int                    `json:"total_execution_time_ms"`
}

// StepLog is one append-only entry of an execution's step log.
type StepLog struct {
	StepID     string                 `json:"step_id"`
	StepName   string                 `json:"step_name"`
	StepType   StepType               `json:"step_type"`
	Success    bool                   `json:"success"`
	DurationMs int                    `json:"duration_ms"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
