package services

import (
	"context"
	"strings"

	"comchat/backend/internal/logging"
	"comchat/backend/pkg/models"
)

// Fallback responses. Backend unavailability is a degraded success, not
// an error: the pipeline records zero-cost usage and still answers.
const (
	fallbackDemoModel = "fallback-demo"
	fallbackModel     = "fallback"

	fallbackDemoMessage = "Hello! I'm a demo chatbot. I'd be happy to help you, but I need either a cloud API key or a local model server to be running to provide intelligent responses."
	fallbackMessage     = "I apologize, but I'm having trouble processing your request right now. Please try again later."
)

const baseSystemPrompt = `You are a helpful customer service chatbot. Be friendly, professional, and helpful.

Guidelines:
- Keep responses concise and relevant
- If you cannot help with something, politely explain and offer alternatives
- Maintain a consistent tone throughout the conversation
- If asked about sensitive information, politely decline and redirect`

// Turn is one prior conversation turn replayed as model context.
type Turn struct {
	Role      string
	Content   string
	MediaURL  string
	MediaType string
}

// GenerateResult is the model router's answer to one message.
type GenerateResult struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// RouterConfig names the models each backend serves.
type RouterConfig struct {
	CloudTextModel       string
	CloudMultimodalModel string
	LocalTextModel       string
	LocalMultimodalModel string
	LocalEnabled         bool
}

// ModelRouter selects and invokes an AI backend with fallback chains.
// Client handles are injected by the caller and shared across requests.
type ModelRouter struct {
	cloud  CloudClient // nil when no cloud API key is configured
	local  LocalClient
	config RouterConfig
	logger *logging.Logger
}

// NewModelRouter creates a new ModelRouter. cloud may be nil.
func NewModelRouter(cloud CloudClient, local LocalClient, config RouterConfig, logger *logging.Logger) *ModelRouter {
	return &ModelRouter{cloud: cloud, local: local, config: config, logger: logger}
}

// GenerateResponse routes one message to the best available backend.
// It never fails on backend errors: the final resort is a canned
// fallback with zero tokens.
func (r *ModelRouter) GenerateResponse(
	ctx context.Context,
	message string,
	history []Turn,
	tenantConfig models.TenantConfig,
	mediaURL string,
	useMultimodal bool,
) *GenerateResult {
	useLocal := r.config.LocalEnabled && r.local != nil && r.local.Healthy(ctx)

	if r.cloud == nil && !useLocal {
		r.logger.Warn("no AI backends available, returning demo fallback")
		return &GenerateResult{Content: fallbackDemoMessage, Model: fallbackDemoModel, TokensUsed: 0}
	}

	result, err := r.dispatch(ctx, message, history, tenantConfig, mediaURL, useMultimodal, useLocal)
	if err == nil {
		return result
	}
	r.logger.Error("primary backend failed", "error", err)

	// One fallback attempt through the local text backend, unless local
	// was already the primary.
	if !useLocal && r.local != nil {
		fallback, ferr := r.localText(ctx, message, history, tenantConfig)
		if ferr == nil {
			return fallback
		}
		r.logger.Error("fallback backend also failed", "error", ferr)
	}

	return &GenerateResult{Content: fallbackMessage, Model: fallbackModel, TokensUsed: 0}
}

func (r *ModelRouter) dispatch(
	ctx context.Context,
	message string,
	history []Turn,
	tenantConfig models.TenantConfig,
	mediaURL string,
	useMultimodal, useLocal bool,
) (*GenerateResult, error) {
	if useMultimodal && mediaURL != "" {
		if useLocal {
			return r.localMultimodal(ctx, message, mediaURL)
		}
		return r.cloudChat(ctx, r.config.CloudMultimodalModel, message, history, tenantConfig, mediaURL)
	}
	if useLocal {
		return r.localText(ctx, message, history, tenantConfig)
	}
	return r.cloudChat(ctx, r.config.CloudTextModel, message, history, tenantConfig, "")
}

func (r *ModelRouter) cloudChat(
	ctx context.Context,
	model, message string,
	history []Turn,
	tenantConfig models.TenantConfig,
	mediaURL string,
) (*GenerateResult, error) {
	multimodal := mediaURL != ""
	messages := r.buildConversation(history, tenantConfig, multimodal, true)
	current := ChatMessage{Role: "user", Content: message}
	if multimodal {
		current.ImageURL = mediaURL
	}
	messages = append(messages, current)

	resp, err := r.cloud.Chat(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Content: resp.Content, Model: model, TokensUsed: resp.TokensUsed}, nil
}

func (r *ModelRouter) localText(
	ctx context.Context,
	message string,
	history []Turn,
	tenantConfig models.TenantConfig,
) (*GenerateResult, error) {
	messages := r.buildConversation(history, tenantConfig, false, true)
	messages = append(messages, ChatMessage{Role: "user", Content: message})

	resp, err := r.local.Chat(ctx, r.config.LocalTextModel, messages)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Content: resp.Content, Model: r.config.LocalTextModel, TokensUsed: resp.TokensUsed}, nil
}

// localMultimodal sends a single image-bearing message; local multimodal
// models take no system prompt or history.
func (r *ModelRouter) localMultimodal(ctx context.Context, message, mediaURL string) (*GenerateResult, error) {
	imageData, err := EncodeImageFromURL(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	messages := []ChatMessage{{Role: "user", Content: message, ImageData: imageData}}

	resp, err := r.local.Chat(ctx, r.config.LocalMultimodalModel, messages)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Content: resp.Content, Model: r.config.LocalMultimodalModel, TokensUsed: resp.TokensUsed}, nil
}

// buildConversation replays history in chronological order after the
// system prompt. Media-bearing turns are only included for multimodal
// backends; text backends never see raw image payloads.
func (r *ModelRouter) buildConversation(history []Turn, tenantConfig models.TenantConfig, includeMedia, includeSystem bool) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	if includeSystem {
		messages = append(messages, ChatMessage{Role: "system", Content: r.BuildSystemPrompt(tenantConfig)})
	}
	for _, turn := range history {
		if turn.MediaURL != "" {
			if !includeMedia {
				continue
			}
			msg := ChatMessage{Role: turn.Role, Content: turn.Content}
			if strings.HasPrefix(turn.MediaType, "image/") {
				msg.ImageURL = turn.MediaURL
			}
			messages = append(messages, msg)
			continue
		}
		messages = append(messages, ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// BuildSystemPrompt concatenates the baseline persona with tenant
// instructions and a listing of configured decision trees. The listing is
// informational; the model does not execute tree logic.
func (r *ModelRouter) BuildSystemPrompt(tenantConfig models.TenantConfig) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)

	if tenantConfig.SystemPrompt != "" {
		sb.WriteString("\n\nAdditional instructions:\n")
		sb.WriteString(tenantConfig.SystemPrompt)
	}

	if len(tenantConfig.DecisionTrees) > 0 {
		sb.WriteString("\n\nAvailable decision paths:\n")
		for _, tree := range tenantConfig.DecisionTrees {
			name := tree.Name
			if name == "" {
				name = "Unnamed"
			}
			sb.WriteString("- " + name + ": " + tree.Description + "\n")
		}
	}
	return sb.String()
}

// ListAvailableModels lists the local backend's models; an unreachable
// backend yields an empty list.
func (r *ModelRouter) ListAvailableModels(ctx context.Context) []string {
	if r.local == nil {
		return nil
	}
	names, err := r.local.ListModels(ctx)
	if err != nil {
		r.logger.Error("failed to list local models", "error", err)
		return nil
	}
	return names
}
