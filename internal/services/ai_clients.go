package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient is an HTTP client for an OpenAI-compatible chat API.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIClient creates a new OpenAIClient.
func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// Chat sends a conversation to the chat-completions endpoint.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	wire := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		if m.ImageURL == "" {
			wire = append(wire, openAIMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []openAIContentPart{{Type: "text", Text: m.Content}}
		part := openAIContentPart{Type: "image_url"}
		part.ImageURL = &struct {
			URL string `json:"url"`
		}{URL: m.ImageURL}
		parts = append(parts, part)
		wire = append(wire, openAIMessage{Role: m.Role, Content: parts})
	}

	requestBody, err := json.Marshal(map[string]interface{}{
		"model":       model,
		"messages":    wire,
		"max_tokens":  500,
		"temperature": 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat API error: status code %d", resp.StatusCode)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("chat API returned no choices")
	}
	return &ChatResponse{Content: result.Choices[0].Message.Content, TokensUsed: result.Usage.TotalTokens}, nil
}

// OllamaClient is an HTTP client for a local Ollama instance.
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

// NewOllamaClient creates a new OllamaClient.
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Chat sends a conversation to the Ollama chat endpoint.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	wire := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.ImageData != "" {
			msg.Images = []string{m.ImageData}
		}
		wire = append(wire, msg)
	}

	requestBody, err := json.Marshal(map[string]interface{}{
		"model":    model,
		"messages": wire,
		"stream":   false,
		"options": map[string]interface{}{
			"temperature": 0.7,
			"top_p":       0.9,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error: status code %d", resp.StatusCode)
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		EvalCount int `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return &ChatResponse{Content: result.Message.Content, TokensUsed: result.EvalCount}, nil
}

// Healthy reports whether Ollama is reachable. Timeouts, connection
// errors and non-2xx statuses all mean unavailable.
func (c *OllamaClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the models Ollama has pulled.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error: status code %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// EncodeImageFromURL downloads an image and encodes it as base64 for
// local multimodal models.
func EncodeImageFromURL(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image fetch error: status code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read image body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}
