package services

import "context"

// ChatMessage is one turn handed to an AI backend. ImageURL is consumed
// by cloud multimodal models; ImageData carries a base64 payload for
// local multimodal models.
type ChatMessage struct {
	Role      string
	Content   string
	ImageURL  string
	ImageData string
}

// ChatResponse is the result of one backend chat call.
type ChatResponse struct {
	Content    string
	TokensUsed int
}

// CloudClient is an interface for a hosted chat-completion backend.
type CloudClient interface {
	// Chat sends a conversation to the given model and returns its reply.
	Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error)
}

// LocalClient is an interface for a local inference backend.
type LocalClient interface {
	// Chat sends a conversation to the given model and returns its reply.
	Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error)
	// Healthy reports whether the backend is reachable. Any failure means
	// unavailable; there is no retry.
	Healthy(ctx context.Context) bool
	// ListModels returns the models the backend has pulled.
	ListModels(ctx context.Context) ([]string, error)
}

// PromptExecutor executes a stored prompt template with variables. Used
// by workflow prompt steps.
type PromptExecutor interface {
	Execute(ctx context.Context, templateID string, variables map[string]interface{}, meta map[string]interface{}) (*PromptResult, error)
}

// PromptResult is the outcome of one prompt template execution.
type PromptResult struct {
	Response    string
	ModelUsed   string
	ExecutionID string
	TokensUsed  int
}
