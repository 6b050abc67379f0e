package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// defaultAnthropicMaxTokens is sent when a request leaves max tokens unset,
// since the Messages API requires it.
const defaultAnthropicMaxTokens = 1024

// AnthropicClient implements ModelBackend for Anthropic's Messages API.
// The SDK client is created lazily on the first request.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	once    sync.Once
	client  *anthropic.Client
	initErr error
}

// NewAnthropicClient creates a new Anthropic client with lazy initialization.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey}
}

// GetProviderName returns the provider name for this client.
func (c *AnthropicClient) GetProviderName() string {
	return "anthropic"
}

// IsConfigured returns true if the client has a valid API key.
func (c *AnthropicClient) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient routes requests through client. It must be called before the first request.
func (c *AnthropicClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetBaseURL overrides the API endpoint. It must be called before the first request.
func (c *AnthropicClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// initializeClientIfNeeded initializes the Anthropic client if it hasn't been initialized yet.
func (c *AnthropicClient) initializeClientIfNeeded() error {
	c.once.Do(func() {
		if c.apiKey == "" {
			c.initErr = fmt.Errorf("anthropic API key not configured")
			return
		}

		options := []option.RequestOption{option.WithAPIKey(c.apiKey)}
		if c.httpClient != nil {
			options = append(options, option.WithHTTPClient(c.httpClient))
		}
		if c.baseURL != "" {
			options = append(options, option.WithBaseURL(c.baseURL))
		}

		client := anthropic.NewClient(options...)
		c.client = &client
		logger.Debug("Anthropic client initialized", "provider", "anthropic")
	})
	return c.initErr
}

// Chat sends a messages request to Anthropic.
func (c *AnthropicClient) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	logger.Debug("Anthropic chat starting", "model", req.Model)

	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize Anthropic client: %w", err)
	}

	messages, systemPrompt := c.convertMessagesToAnthropic(req.Messages)

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		logger.Error("Anthropic request failed", "error", err)
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	// Concatenate all text blocks
	var content strings.Builder
	for _, block := range message.Content {
		content.WriteString(block.Text)
	}
	if content.Len() == 0 {
		return nil, fmt.Errorf("empty response content")
	}

	promptTokens := int(message.Usage.InputTokens)
	completionTokens := int(message.Usage.OutputTokens)

	logger.Debug("Anthropic response received", "content_length", content.Len())
	return &convtypes.ChatResponse{
		Content:      content.String(),
		Model:        string(message.Model),
		Provider:     c.GetProviderName(),
		FinishReason: string(message.StopReason),
		TokensUsed: convtypes.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// convertMessagesToAnthropic splits system messages out of the conversation,
// since Anthropic takes the system prompt as a separate field.
func (c *AnthropicClient) convertMessagesToAnthropic(messages []convtypes.ChatMessage) ([]anthropic.MessageParam, string) {
	converted := make([]anthropic.MessageParam, 0, len(messages))
	var systemInstructions []string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case "system":
			systemInstructions = append(systemInstructions, msg.Content)
		default:
			continue
		}
	}

	return converted, strings.Join(systemInstructions, "\n\n")
}
