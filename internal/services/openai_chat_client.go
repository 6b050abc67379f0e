package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// OpenAIClient implements ModelBackend for OpenAI's Chat Completions API.
// The SDK client is created lazily on the first request.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	once    sync.Once
	client  *openai.Client
	initErr error
}

// NewOpenAIClient creates a new OpenAI client with lazy initialization.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{apiKey: apiKey}
}

// GetProviderName returns the provider name for this client.
func (c *OpenAIClient) GetProviderName() string {
	return "openai"
}

// IsConfigured returns true if the client has a valid API key.
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient routes requests through client, typically a capturing one.
// It must be called before the first request.
func (c *OpenAIClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetBaseURL overrides the API endpoint. It must be called before the first request.
func (c *OpenAIClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// initializeClientIfNeeded initializes the OpenAI client if it hasn't been initialized yet.
func (c *OpenAIClient) initializeClientIfNeeded() error {
	c.once.Do(func() {
		if c.apiKey == "" {
			c.initErr = fmt.Errorf("OpenAI API key not configured")
			return
		}

		options := []option.RequestOption{option.WithAPIKey(c.apiKey)}
		if c.httpClient != nil {
			options = append(options, option.WithHTTPClient(c.httpClient))
		}
		if c.baseURL != "" {
			options = append(options, option.WithBaseURL(c.baseURL))
		}

		client := openai.NewClient(options...)
		c.client = &client
		logger.Debug("OpenAI client initialized", "provider", "openai")
	})
	return c.initErr
}

// Chat sends a chat completion request to OpenAI.
func (c *OpenAIClient) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	logger.Debug("OpenAI chat starting", "model", req.Model)

	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: c.convertMessagesToOpenAI(req.Messages),
	}
	c.applyModelParameters(&params, req)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		logger.Error("OpenAI request failed", "error", err)
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := completion.Choices[0]
	if choice.Message.Content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	logger.Debug("OpenAI response received", "content_length", len(choice.Message.Content))
	return &convtypes.ChatResponse{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		Provider:     c.GetProviderName(),
		FinishReason: string(choice.FinishReason),
		TokensUsed: convtypes.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// convertMessagesToOpenAI converts chat messages to OpenAI format.
func (c *OpenAIClient) convertMessagesToOpenAI(messages []convtypes.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			converted = append(converted, openai.UserMessage(msg.Content))
		case "assistant":
			converted = append(converted, openai.AssistantMessage(msg.Content))
		case "system":
			converted = append(converted, openai.SystemMessage(msg.Content))
		default:
			// Skip unknown roles
			continue
		}
	}

	return converted
}

// applyModelParameters applies request parameters to the OpenAI request.
func (c *OpenAIClient) applyModelParameters(params *openai.ChatCompletionNewParams, req *convtypes.ChatRequest) {
	params.Temperature = openai.Float(req.Temperature)
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
}
