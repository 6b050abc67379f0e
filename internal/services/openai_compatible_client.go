package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// OpenAICompatibleClient implements ModelBackend for OpenAI-compatible APIs.
// This client works with any provider that implements the OpenAI Chat Completions API,
// such as OpenRouter, Together AI, and other OpenAI-compatible services.
type OpenAICompatibleClient struct {
	providerName string
	apiKey       string
	baseURL      string
	headers      map[string]string
	endpoint     string
	httpClient   *http.Client
}

// OpenAICompatibleConfig holds configuration for the OpenAI-compatible client.
type OpenAICompatibleConfig struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	Headers      map[string]string
	Endpoint     string // Custom endpoint path (defaults to "/chat/completions")
	HTTPClient   *http.Client
}

// ChatCompletionRequest represents the request payload for OpenAI-compatible chat completions.
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
}

// ChatCompletionMessage represents a message in the chat completion request.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse represents the response from OpenAI-compatible chat completions.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
	Error   *ChatCompletionError   `json:"error,omitempty"`
}

// ChatCompletionChoice represents a choice in the chat completion response.
type ChatCompletionChoice struct {
	Index        int                    `json:"index"`
	Message      *ChatCompletionMessage `json:"message,omitempty"`
	FinishReason *string                `json:"finish_reason"`
}

// ChatCompletionUsage represents token usage information.
type ChatCompletionUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"` // OpenRouter reports billed cost when usage accounting is on
}

// ChatCompletionError represents an error response.
type ChatCompletionError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAICompatibleClient creates a new OpenAI-compatible client.
// If no baseURL is provided, it defaults to OpenRouter's API endpoint.
func NewOpenAICompatibleClient(config OpenAICompatibleConfig) *OpenAICompatibleClient {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	// Ensure base URL doesn't end with slash for consistent URL building
	baseURL = strings.TrimSuffix(baseURL, "/")

	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}

	providerName := config.ProviderName
	if providerName == "" {
		providerName = "openai-compatible"
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = "/chat/completions"
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &OpenAICompatibleClient{
		providerName: providerName,
		apiKey:       config.APIKey,
		baseURL:      baseURL,
		headers:      headers,
		endpoint:     endpoint,
		httpClient:   httpClient,
	}
}

// GetProviderName returns the provider name for this client.
func (c *OpenAICompatibleClient) GetProviderName() string {
	return c.providerName
}

// IsConfigured returns true if the client has a valid API key and base URL.
func (c *OpenAICompatibleClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}

// Chat sends a chat completion request to the OpenAI-compatible API.
func (c *OpenAICompatibleClient) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	logger.Debug("OpenAI-compatible chat starting", "provider", c.providerName, "model", req.Model, "baseURL", c.baseURL)

	if !c.IsConfigured() {
		return nil, fmt.Errorf("%s client not configured: missing API key or base URL", c.providerName)
	}

	temperature := req.Temperature
	request := ChatCompletionRequest{
		Model:       req.Model,
		Messages:    c.convertMessages(req.Messages),
		Temperature: &temperature,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		request.MaxTokens = &maxTokens
	}

	body, err := c.sendHTTPRequest(ctx, c.endpoint, request)
	if err != nil {
		logger.Error("OpenAI-compatible request failed", "provider", c.providerName, "error", err)
		return nil, fmt.Errorf("%s request failed: %w", c.providerName, err)
	}

	var chatResponse ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if chatResponse.Error != nil {
		return nil, fmt.Errorf("API error: %s", chatResponse.Error.Message)
	}

	if len(chatResponse.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := chatResponse.Choices[0]
	if choice.Message == nil || choice.Message.Content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	response := &convtypes.ChatResponse{
		Content:  choice.Message.Content,
		Model:    chatResponse.Model,
		Provider: c.providerName,
	}
	if response.Model == "" {
		response.Model = req.Model
	}
	if choice.FinishReason != nil {
		response.FinishReason = *choice.FinishReason
	}
	if usage := chatResponse.Usage; usage != nil {
		response.TokensUsed = convtypes.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
		if usage.Cost != nil {
			response.Cost = *usage.Cost
		}
	}

	logger.Debug("OpenAI-compatible response received", "provider", c.providerName, "content_length", len(response.Content))
	return response, nil
}

// convertMessages keeps only the roles the Chat Completions API understands.
func (c *OpenAICompatibleClient) convertMessages(messages []convtypes.ChatMessage) []ChatCompletionMessage {
	converted := make([]ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "user", "assistant", "system":
			converted = append(converted, ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		default:
			continue
		}
	}

	return converted
}

// sendHTTPRequest sends a non-streaming HTTP request to the API.
func (c *OpenAICompatibleClient) sendHTTPRequest(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
