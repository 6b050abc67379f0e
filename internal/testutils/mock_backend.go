package testutils

import (
	"context"
	"sync"

	"convcore/pkg/convtypes"
)

// MockBackend implements convtypes.ModelBackend for testing.
// Replies are served in order; once exhausted the last reply repeats.
type MockBackend struct {
	mu       sync.Mutex
	provider string
	replies  []string
	err      error
	requests []convtypes.ChatRequest
	usage    convtypes.TokenUsage
	cost     float64

	// Hook runs inside Chat before the reply is produced. Tests use it to
	// block a call or observe state mid-flight.
	Hook func(ctx context.Context, req *convtypes.ChatRequest)
}

// NewMockBackend creates a mock backend returning the given replies.
func NewMockBackend(replies ...string) *MockBackend {
	if len(replies) == 0 {
		replies = []string{"Mock response"}
	}
	return &MockBackend{
		provider: "mock",
		replies:  replies,
		usage:    convtypes.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		cost:     0.001,
	}
}

// SetError makes every subsequent Chat call fail with err. Passing nil restores replies.
func (m *MockBackend) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetUsage changes the accounting reported with each reply.
func (m *MockBackend) SetUsage(usage convtypes.TokenUsage, cost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = usage
	m.cost = cost
}

// Requests returns copies of every request received so far.
func (m *MockBackend) Requests() []convtypes.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]convtypes.ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or nil if none was received.
func (m *MockBackend) LastRequest() *convtypes.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	req := m.requests[len(m.requests)-1]
	return &req
}

// Chat implements convtypes.ModelBackend.
func (m *MockBackend) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	if m.Hook != nil {
		m.Hook(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recorded := *req
	recorded.Messages = append([]convtypes.ChatMessage(nil), req.Messages...)
	m.requests = append(m.requests, recorded)

	if m.err != nil {
		return nil, m.err
	}

	idx := len(m.requests) - 1
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	return &convtypes.ChatResponse{
		Content:      m.replies[idx],
		Model:        req.Model,
		Provider:     m.provider,
		TokensUsed:   m.usage,
		Cost:         m.cost,
		FinishReason: "stop",
	}, nil
}

// GetProviderName implements convtypes.ModelBackend.
func (m *MockBackend) GetProviderName() string {
	return m.provider
}

// IsConfigured implements convtypes.ModelBackend.
func (m *MockBackend) IsConfigured() bool {
	return true
}
