// Package convtypes defines LLM backend types for the conversation core.
// This file contains the provider-neutral chat request/response records and the
// backend and context collaborator interfaces.
package convtypes

import "context"

// ChatMessage is one entry of a backend request's message list.
// Role is "system", "user" or "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized chat-style request handed to a model backend.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"maxTokens"`
}

// SystemPrompt joins all system messages of the request.
func (r *ChatRequest) SystemPrompt() string {
	var out string
	for _, msg := range r.Messages {
		if msg.Role != "system" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += msg.Content
	}
	return out
}

// TokenUsage reports token accounting for one backend call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatResponse is what a model backend returns for a ChatRequest.
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider,omitempty"`
	TokensUsed   TokenUsage `json:"tokensUsed"`
	Cost         float64    `json:"cost"`
	FinishReason string     `json:"finishReason"`
}

// ModelBackend abstracts one LLM provider family.
type ModelBackend interface {
	// Chat sends the request and returns the generated text with accounting.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// GetProviderName returns the provider identifier (e.g. "openai", "anthropic").
	GetProviderName() string

	// IsConfigured returns true if the backend can make requests.
	IsConfigured() bool
}

// ContextOptions controls context retrieval for one turn.
type ContextOptions struct {
	Query          string `json:"query,omitempty"`
	MaxProjects    int    `json:"maxProjects,omitempty"`
	IncludeProfile *bool  `json:"includeProfile,omitempty"`
	SkipCache      bool   `json:"skipCache,omitempty"`
}

// ContextResult is the retrieved project/profile text for a turn.
type ContextResult struct {
	Context   string `json:"context"`
	FromCache bool   `json:"fromCache"`
}

// ContextProvider retrieves project context for a session.
type ContextProvider interface {
	BuildContextWithCaching(ctx context.Context, sessionID string, opts ContextOptions) (*ContextResult, error)
}
