package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// GeminiClient implements ModelBackend for the Google Gemini API.
// The SDK client is created lazily on the first request.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClient creates a new Gemini client with lazy initialization.
func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey}
}

// GetProviderName returns the provider name for this client.
func (c *GeminiClient) GetProviderName() string {
	return "gemini"
}

// IsConfigured returns true if the client has a valid API key.
func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != ""
}

// SetHTTPClient routes requests through client. It must be called before the first request.
func (c *GeminiClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetBaseURL overrides the API endpoint. It must be called before the first request.
func (c *GeminiClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// initializeClientIfNeeded initializes the Gemini client if it hasn't been initialized yet.
func (c *GeminiClient) initializeClientIfNeeded(ctx context.Context) error {
	c.once.Do(func() {
		if c.apiKey == "" {
			c.initErr = fmt.Errorf("google API key not configured")
			return
		}

		clientConfig := &genai.ClientConfig{
			APIKey:     c.apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: c.httpClient,
		}
		if c.baseURL != "" {
			clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
		}

		client, err := genai.NewClient(ctx, clientConfig)
		if err != nil {
			c.initErr = fmt.Errorf("failed to create Gemini client: %w", err)
			return
		}
		c.client = client
		logger.Debug("Gemini client initialized", "provider", "gemini")
	})
	return c.initErr
}

// Chat sends a generate-content request to Gemini.
func (c *GeminiClient) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	logger.Debug("Gemini chat starting", "model", req.Model)

	if err := c.initializeClientIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
	}

	contents, systemPrompt := c.convertMessagesToGemini(req.Messages)
	config := c.buildGenerationConfig(req, systemPrompt)

	result, err := c.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		logger.Error("Gemini request failed", "error", err)
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	content, finishReason := c.processGeminiResponse(result)
	if content == "" {
		return nil, fmt.Errorf("empty response content")
	}

	response := &convtypes.ChatResponse{
		Content:      content,
		Model:        req.Model,
		Provider:     c.GetProviderName(),
		FinishReason: finishReason,
	}
	if result.ModelVersion != "" {
		response.Model = result.ModelVersion
	}
	if usage := result.UsageMetadata; usage != nil {
		response.TokensUsed = convtypes.TokenUsage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}

	logger.Debug("Gemini response received", "content_length", len(content))
	return response, nil
}

// convertMessagesToGemini converts chat messages to Gemini contents.
// System messages are returned separately for SystemInstruction.
func (c *GeminiClient) convertMessagesToGemini(messages []convtypes.ChatMessage) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(messages))
	var systemInstructions []string

	for _, msg := range messages {
		var role string
		switch msg.Role {
		case "user":
			role = string(genai.RoleUser)
		case "assistant":
			role = string(genai.RoleModel) // Gemini uses "model" instead of "assistant"
		case "system":
			systemInstructions = append(systemInstructions, msg.Content)
			continue
		default:
			continue
		}

		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: msg.Content}},
			Role:  role,
		})
	}

	// Gemini rejects an empty contents list
	if len(contents) == 0 {
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: ""}},
			Role:  string(genai.RoleUser),
		})
	}

	return contents, strings.Join(systemInstructions, "\n\n")
}

// buildGenerationConfig creates a Gemini generation config from the request.
func (c *GeminiClient) buildGenerationConfig(req *convtypes.ChatRequest, systemPrompt string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	temperature := float32(req.Temperature)
	config.Temperature = &temperature
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	return config
}

// processGeminiResponse joins the text parts of the first candidate, skipping thoughts.
func (c *GeminiClient) processGeminiResponse(result *genai.GenerateContentResponse) (string, string) {
	if result == nil || len(result.Candidates) == 0 {
		return "", ""
	}

	candidate := result.Candidates[0]
	finishReason := strings.ToLower(string(candidate.FinishReason))
	if candidate.Content == nil {
		return "", finishReason
	}

	var contentBuilder strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Text == "" || part.Thought {
			continue
		}
		contentBuilder.WriteString(part.Text)
	}

	return contentBuilder.String(), finishReason
}
