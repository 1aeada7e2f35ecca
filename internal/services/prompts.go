package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"comchat/backend/internal/logging"
	"comchat/backend/internal/repository"
	"comchat/backend/pkg/models"
)

// PromptService executes stored prompt templates through the model
// router. It satisfies PromptExecutor for workflow prompt steps.
type PromptService struct {
	store  repository.Store
	router *ModelRouter
	logger *logging.Logger
}

// NewPromptService creates a new PromptService.
func NewPromptService(store repository.Store, router *ModelRouter, logger *logging.Logger) *PromptService {
	return &PromptService{store: store, router: router, logger: logger}
}

// Execute renders the template with the given variables and sends it to
// the model router. Every declared variable must be supplied.
func (s *PromptService) Execute(ctx context.Context, templateID string, variables map[string]interface{}, meta map[string]interface{}) (*PromptResult, error) {
	template, err := s.store.GetPromptTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("fetch prompt template: %w", err)
	}

	for _, name := range template.Variables {
		if _, ok := variables[name]; !ok {
			return nil, fmt.Errorf("missing template variable: %s", name)
		}
	}

	prompt := renderPromptTemplate(template.Template, variables)

	result := s.router.GenerateResponse(ctx, prompt, nil, models.TenantConfig{}, "", false)

	return &PromptResult{
		Response:    result.Content,
		ModelUsed:   result.Model,
		ExecutionID: uuid.NewString(),
		TokensUsed:  result.TokensUsed,
	}, nil
}

func renderPromptTemplate(template string, variables map[string]interface{}) string {
	pairs := make([]string, 0, len(variables)*2)
	for name, value := range variables {
		pairs = append(pairs, "{{"+name+"}}", stringValue(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
