package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"comchat/backend/internal/logging"
	"comchat/backend/pkg/models"
)

func fakeOllama(t *testing.T, reply string, tokens int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "llama3.2:3b"}, {"name": "llava:latest"}},
		})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":    map[string]string{"content": reply},
			"eval_count": tokens,
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func fakeOpenAI(t *testing.T, status int, reply string, tokens int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": reply}}},
			"usage":   map[string]int{"total_tokens": tokens},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testRouterConfig(localEnabled bool) RouterConfig {
	return RouterConfig{
		CloudTextModel:       "gpt-3.5-turbo",
		CloudMultimodalModel: "gpt-4o",
		LocalTextModel:       "llama3.2:3b",
		LocalMultimodalModel: "llava:latest",
		LocalEnabled:         localEnabled,
	}
}

func TestGenerateResponse_NoBackendsReturnsDemoFallback(t *testing.T) {
	// Unreachable local endpoint, no cloud client.
	local := NewOllamaClient("http://127.0.0.1:1")
	router := NewModelRouter(nil, local, testRouterConfig(true), logging.NewLogger())

	result := router.GenerateResponse(context.Background(), "hi", nil, models.TenantConfig{}, "", false)
	assert.Equal(t, fallbackDemoModel, result.Model)
	assert.Equal(t, fallbackDemoMessage, result.Content)
	assert.Equal(t, 0, result.TokensUsed)
}

func TestGenerateResponse_LocalBackend(t *testing.T) {
	ollama := fakeOllama(t, "local says hi", 12)
	router := NewModelRouter(nil, NewOllamaClient(ollama.URL), testRouterConfig(true), logging.NewLogger())

	result := router.GenerateResponse(context.Background(), "hi", nil, models.TenantConfig{}, "", false)
	assert.Equal(t, "llama3.2:3b", result.Model)
	assert.Equal(t, "local says hi", result.Content)
	assert.Equal(t, 12, result.TokensUsed)
}

func TestGenerateResponse_CloudBackend(t *testing.T) {
	openai := fakeOpenAI(t, http.StatusOK, "cloud says hi", 42)
	cloud := NewOpenAIClient(openai.URL, "test-key")
	local := NewOllamaClient("http://127.0.0.1:1")
	router := NewModelRouter(cloud, local, testRouterConfig(false), logging.NewLogger())

	result := router.GenerateResponse(context.Background(), "hi", nil, models.TenantConfig{}, "", false)
	assert.Equal(t, "gpt-3.5-turbo", result.Model)
	assert.Equal(t, "cloud says hi", result.Content)
	assert.Equal(t, 42, result.TokensUsed)
}

func TestGenerateResponse_CloudFailureFallsBackToLocal(t *testing.T) {
	openai := fakeOpenAI(t, http.StatusInternalServerError, "", 0)
	ollama := fakeOllama(t, "local rescue", 7)
	cloud := NewOpenAIClient(openai.URL, "test-key")
	router := NewModelRouter(cloud, NewOllamaClient(ollama.URL), testRouterConfig(false), logging.NewLogger())

	result := router.GenerateResponse(context.Background(), "hi", nil, models.TenantConfig{}, "", false)
	assert.Equal(t, "llama3.2:3b", result.Model)
	assert.Equal(t, "local rescue", result.Content)
}

func TestGenerateResponse_TotalFailureReturnsApologyFallback(t *testing.T) {
	openai := fakeOpenAI(t, http.StatusInternalServerError, "", 0)
	cloud := NewOpenAIClient(openai.URL, "test-key")
	local := NewOllamaClient("http://127.0.0.1:1")
	router := NewModelRouter(cloud, local, testRouterConfig(false), logging.NewLogger())

	result := router.GenerateResponse(context.Background(), "hi", nil, models.TenantConfig{}, "", false)
	assert.Equal(t, fallbackModel, result.Model)
	assert.Equal(t, fallbackMessage, result.Content)
	assert.Equal(t, 0, result.TokensUsed)
}

func TestBuildSystemPrompt(t *testing.T) {
	router := NewModelRouter(nil, nil, testRouterConfig(false), logging.NewLogger())

	prompt := router.BuildSystemPrompt(models.TenantConfig{
		SystemPrompt: "Answer in Spanish.",
		DecisionTrees: []models.DecisionTree{
			{Name: "Support triage", Description: "Routes refunds"},
		},
	})

	assert.Contains(t, prompt, baseSystemPrompt)
	assert.Contains(t, prompt, "Additional instructions:\nAnswer in Spanish.")
	assert.Contains(t, prompt, "Available decision paths:")
	assert.Contains(t, prompt, "- Support triage: Routes refunds")
}

func TestBuildConversation_SkipsMediaTurnsForTextBackends(t *testing.T) {
	router := NewModelRouter(nil, nil, testRouterConfig(false), logging.NewLogger())

	history := []Turn{
		{Role: "user", Content: "look at this", MediaURL: "https://example.com/cat.png", MediaType: "image/png"},
		{Role: "assistant", Content: "nice cat"},
	}

	text := router.buildConversation(history, models.TenantConfig{}, false, true)
	assert.Len(t, text, 2) // system + assistant turn only

	multimodal := router.buildConversation(history, models.TenantConfig{}, true, true)
	assert.Len(t, multimodal, 3)
	assert.Equal(t, "https://example.com/cat.png", multimodal[1].ImageURL)
}

func TestListAvailableModels(t *testing.T) {
	ollama := fakeOllama(t, "", 0)
	router := NewModelRouter(nil, NewOllamaClient(ollama.URL), testRouterConfig(true), logging.NewLogger())

	names := router.ListAvailableModels(context.Background())
	assert.Equal(t, []string{"llama3.2:3b", "llava:latest"}, names)

	unreachable := NewModelRouter(nil, NewOllamaClient("http://127.0.0.1:1"), testRouterConfig(true), logging.NewLogger())
	assert.Nil(t, unreachable.ListAvailableModels(context.Background()))
}
