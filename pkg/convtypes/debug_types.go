// Package convtypes defines debug trace types for the conversation core.
package convtypes

import "time"

// HTTPExchange is a captured provider HTTP round trip with secrets masked.
type HTTPExchange struct {
	Method     string         `json:"method"`
	URL        string         `json:"url"`
	StatusCode int            `json:"statusCode,omitempty"`
	Request    map[string]any `json:"request,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
}

// DebugTrace captures the full inputs and outputs of one processed turn.
type DebugTrace struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"sessionId"`
	Timestamp       time.Time           `json:"timestamp"`
	Input           ConversationInput   `json:"input"`
	Options         ConversationOptions `json:"options"`
	SystemPrompt    string              `json:"systemPrompt"`
	Context         string              `json:"context"`
	ContextCached   bool                `json:"contextCached"`
	BackendRequest  *ChatRequest        `json:"backendRequest,omitempty"`
	BackendResponse *ChatResponse       `json:"backendResponse,omitempty"`
	HTTPExchanges   []HTTPExchange      `json:"httpExchanges,omitempty"`
	Error           string              `json:"error,omitempty"`
}
