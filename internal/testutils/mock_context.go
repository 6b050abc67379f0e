package testutils

import (
	"context"
	"sync"

	"convcore/pkg/convtypes"
)

// MockContextProvider implements convtypes.ContextProvider for testing.
// It returns a fixed context string and remembers every call.
type MockContextProvider struct {
	mu        sync.Mutex
	context   string
	fromCache bool
	err       error
	calls     []ContextCall
}

// ContextCall records one BuildContextWithCaching invocation.
type ContextCall struct {
	SessionID string
	Options   convtypes.ContextOptions
}

// NewMockContextProvider creates a provider that always returns text.
func NewMockContextProvider(text string) *MockContextProvider {
	return &MockContextProvider{context: text}
}

// SetContext changes the returned context and cache flag.
func (m *MockContextProvider) SetContext(text string, fromCache bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context = text
	m.fromCache = fromCache
}

// SetError makes subsequent calls fail with err.
func (m *MockContextProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the recorded invocations.
func (m *MockContextProvider) Calls() []ContextCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ContextCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// BuildContextWithCaching implements convtypes.ContextProvider.
func (m *MockContextProvider) BuildContextWithCaching(_ context.Context, sessionID string, opts convtypes.ContextOptions) (*convtypes.ContextResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, ContextCall{SessionID: sessionID, Options: opts})
	if m.err != nil {
		return nil, m.err
	}
	return &convtypes.ContextResult{Context: m.context, FromCache: m.fromCache}, nil
}
