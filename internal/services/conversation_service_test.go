package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convcore/internal/config"
	"convcore/internal/session"
	"convcore/internal/testutils"
	"convcore/pkg/convtypes"
)

var testModelDefaults = config.ModelConfig{
	Model:        "test-model",
	Temperature:  0.7,
	MaxTokens:    100,
	HistoryLimit: 20,
}

func newTestConversationService(t *testing.T, backend convtypes.ModelBackend, opts ...ConversationOption) *ConversationService {
	t.Helper()
	store, err := session.NewStore(session.StoreTypeMemory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts = append([]ConversationOption{WithTestMode(true)}, opts...)
	svc := NewConversationService(backend, store, NewDebugTraceService(10), testModelDefaults, opts...)
	require.NoError(t, svc.Initialize())
	return svc
}

func textInput(sessionID, content string) convtypes.ConversationInput {
	return convtypes.ConversationInput{Content: content, Mode: convtypes.ModeText, SessionID: sessionID}
}

type recordingObserver struct {
	mu    sync.Mutex
	stats []convtypes.TurnStats
}

func (r *recordingObserver) ObserveTurn(stats convtypes.TurnStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stats)
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []convtypes.TurnRecord
	err     error
}

func (r *recordingRecorder) RecordTurn(record convtypes.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

func TestConversationService_Name(t *testing.T) {
	svc := NewConversationService(nil, nil, nil, testModelDefaults)
	assert.Equal(t, "conversation", svc.Name())
	assert.Error(t, svc.Initialize(), "missing backend should fail initialization")
}

func TestProcessInput_FirstTextTurn(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend("Hi there! How can I help?"))

	resp, err := svc.ProcessInput(context.Background(), textInput("s1", "Hello"), nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, convtypes.RoleAssistant, resp.Message.Role)
	assert.Equal(t, convtypes.ModeText, resp.Message.InputMode)
	assert.Equal(t, "Hi there! How can I help?", resp.Message.Content)
	assert.Empty(t, resp.NavigationCommands)
	assert.Len(t, resp.Suggestions, 3)
	assert.Nil(t, resp.Error)

	require.NotNil(t, resp.Message.Metadata)
	assert.Equal(t, 15, resp.Message.Metadata.TokensUsed)
	assert.Equal(t, "test-model", resp.Message.Metadata.Model)
	assert.Equal(t, "stop", resp.Message.Metadata.FinishReason)
	assert.False(t, svc.IsProcessing("s1"))
}

func TestProcessInput_ModeSwitchKeepsPerMessageModes(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend("First reply", "Second reply"))
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "Hello"), nil)
	require.NoError(t, err)
	_, err = svc.ProcessInput(ctx, convtypes.ConversationInput{
		Content:   "Tell me about your projects",
		Mode:      convtypes.ModeVoice,
		SessionID: "s1",
		Metadata:  &convtypes.InputMetadata{Voice: &convtypes.VoiceMetadata{Duration: 2.5, TranscriptionConfidence: 0.93}},
	}, nil)
	require.NoError(t, err)

	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)

	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, convtypes.ModeText, history[0].InputMode)
	assert.Equal(t, convtypes.ModeText, history[1].InputMode)
	assert.Equal(t, "Tell me about your projects", history[2].Content)
	assert.Equal(t, convtypes.ModeVoice, history[2].InputMode)
	assert.Equal(t, convtypes.ModeVoice, history[3].InputMode)

	require.NotNil(t, history[2].Metadata)
	require.NotNil(t, history[2].Metadata.Voice)
	assert.InDelta(t, 0.93, history[2].Metadata.Voice.TranscriptionConfidence, 0.0001)

	state, err := svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, convtypes.ModeVoice, state.ActiveMode)
}

func TestProcessInput_HistoryAlternatesInOrder(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend("a1", "a2", "a3"))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := svc.ProcessInput(ctx, textInput("s1", fmt.Sprintf("q%d", i)), nil)
		require.NoError(t, err)
	}

	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 6)

	for i, msg := range history {
		n := i/2 + 1
		if i%2 == 0 {
			assert.Equal(t, convtypes.RoleUser, msg.Role)
			assert.Equal(t, fmt.Sprintf("q%d", n), msg.Content)
		} else {
			assert.Equal(t, convtypes.RoleAssistant, msg.Role)
			assert.Equal(t, fmt.Sprintf("a%d", n), msg.Content)
		}
		if i > 0 {
			assert.True(t, msg.Timestamp.After(history[i-1].Timestamp), "timestamps must increase")
		}
	}
}

func TestProcessInput_CounterSemantics(t *testing.T) {
	backend := testutils.NewMockBackend("ok")
	backend.SetUsage(convtypes.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, 0.25)
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	const turns = 5
	for i := 0; i < turns; i++ {
		_, err := svc.ProcessInput(ctx, textInput("fresh", "hi"), nil)
		require.NoError(t, err)
	}

	state, err := svc.GetConversationState(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, turns, state.Metadata.MessageCount)
	assert.Len(t, state.Messages, 2*turns)
	assert.Equal(t, 50, state.Metadata.TotalTokens)
	assert.InDelta(t, 1.25, state.Metadata.TotalCost, 0.0001)
}

func TestUpdateConversationMode(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend())
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "Hello"), nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateConversationMode(ctx, "s1", convtypes.ModeVoice))

	state, err := svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, convtypes.ModeVoice, state.ActiveMode)
	require.Len(t, state.Messages, 2)
	for _, msg := range state.Messages {
		assert.Equal(t, convtypes.ModeText, msg.InputMode)
	}
}

func TestUpdateConversationMode_CreatesSession(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend())
	ctx := context.Background()

	require.NoError(t, svc.UpdateConversationMode(ctx, "new", convtypes.ModeHybrid))

	state, err := svc.GetConversationState(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, convtypes.ModeHybrid, state.ActiveMode)
	assert.Empty(t, state.Messages)

	err = svc.UpdateConversationMode(ctx, "new", convtypes.InputMode("video"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClearConversationHistory(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend("first", "second"))
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "Hello"), nil)
	require.NoError(t, err)
	require.NoError(t, svc.ClearConversationHistory(ctx, "s1"))

	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	state, err := svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, state, "clearing must not delete the session")
	assert.Equal(t, 0, state.Metadata.MessageCount)

	resp, err := svc.ProcessInput(ctx, textInput("s1", "Again"), nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)

	history, err = svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Again", history[0].Content)

	// Unknown sessions are left alone.
	require.NoError(t, svc.ClearConversationHistory(ctx, "never-seen"))
	state, err = svc.GetConversationState(ctx, "never-seen")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestProcessInput_BackendFailureIsRecovered(t *testing.T) {
	backend := testutils.NewMockBackend()
	backend.SetError(errors.New("provider unavailable"))
	observer := &recordingObserver{}
	svc := newTestConversationService(t, backend, WithTurnObserver(observer))
	ctx := context.Background()

	resp, err := svc.ProcessInput(ctx, textInput("s1", "Hello"), nil)
	require.NoError(t, err, "backend failures must not escape")
	require.NotNil(t, resp.Error)

	assert.Equal(t, convtypes.ErrorCodeProcessing, resp.Error.Code)
	assert.True(t, resp.Error.Recoverable)
	assert.Contains(t, resp.Error.Message, "provider unavailable")
	assert.Contains(t, resp.Message.Content, "sorry")
	assert.Equal(t, convtypes.RoleAssistant, resp.Message.Role)
	assert.Len(t, resp.Suggestions, 3)
	assert.False(t, svc.IsProcessing("s1"))

	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2, "failed turn stays in the transcript")
	assert.Equal(t, ApologyMessage, history[1].Content)

	state, err := svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Metadata.MessageCount, "failed turns are not counted")

	last := svc.GetLastDebugData()
	require.NotNil(t, last)
	assert.Contains(t, last.Error, "provider unavailable")
	assert.NotNil(t, last.BackendRequest)
	assert.Nil(t, last.BackendResponse)

	require.Len(t, observer.stats, 1)
	assert.True(t, observer.stats[0].Failed)
}

func TestProcessInput_ContextFailureIsRecovered(t *testing.T) {
	provider := testutils.NewMockContextProvider("")
	provider.SetError(errors.New("index offline"))
	backend := testutils.NewMockBackend()
	svc := newTestConversationService(t, backend, WithContextProvider(provider))

	resp, err := svc.ProcessInput(context.Background(), textInput("s1", "Hello"), nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, convtypes.ErrorCodeProcessing, resp.Error.Code)
	assert.Empty(t, backend.Requests(), "backend is not called when context retrieval fails")
}

func TestProcessInput_FailedTurnsLeaveRollingWindow(t *testing.T) {
	backend := testutils.NewMockBackend("recovered")
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	backend.SetError(errors.New("boom"))
	_, err := svc.ProcessInput(ctx, textInput("s1", "first"), nil)
	require.NoError(t, err)

	backend.SetError(nil)
	_, err = svc.ProcessInput(ctx, textInput("s1", "second"), nil)
	require.NoError(t, err)

	req := backend.LastRequest()
	require.NotNil(t, req)
	for _, msg := range req.Messages {
		assert.NotEqual(t, ApologyMessage, msg.Content)
	}
	assert.Equal(t, "second", req.Messages[len(req.Messages)-1].Content)
}

func TestProcessInput_InvalidInput(t *testing.T) {
	backend := testutils.NewMockBackend()
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	tests := []struct {
		name  string
		input convtypes.ConversationInput
	}{
		{name: "empty session", input: convtypes.ConversationInput{Content: "hi", Mode: convtypes.ModeText}},
		{name: "blank session", input: convtypes.ConversationInput{Content: "hi", Mode: convtypes.ModeText, SessionID: "  "}},
		{name: "unknown mode", input: convtypes.ConversationInput{Content: "hi", Mode: "telepathy", SessionID: "s1"}},
		{name: "missing mode", input: convtypes.ConversationInput{Content: "hi", SessionID: "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.ProcessInput(ctx, tt.input, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Nil(t, resp)
		})
	}

	assert.Empty(t, backend.Requests())
	assert.Equal(t, 0, svc.DebugTraces().Len(), "invalid input is not a turn")
	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcessInput_EmptyContentStillProducesTurn(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend())

	resp, err := svc.ProcessInput(context.Background(), textInput("s1", ""), nil)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)

	history, err := svc.GetConversationHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestProcessInput_ExtractsNavigationCommands(t *testing.T) {
	reply := "Here it is [NavigateTo:edge-cache&section=overview] enjoy."
	svc := newTestConversationService(t, testutils.NewMockBackend(reply))

	resp, err := svc.ProcessInput(context.Background(), textInput("s1", "show me the cache"), nil)
	require.NoError(t, err)

	assert.Equal(t, "Here it is  enjoy.", resp.Message.Content)
	require.Len(t, resp.NavigationCommands, 1)
	assert.Equal(t, "edge-cache", resp.NavigationCommands[0].Target)
	assert.Equal(t, map[string]string{"section": "overview"}, resp.NavigationCommands[0].Parameters)
	assert.Equal(t, convtypes.CommandTypeNavigate, resp.NavigationCommands[0].Type)
	assert.Equal(t, convtypes.TimingImmediate, resp.NavigationCommands[0].Timing)

	require.NotNil(t, resp.Message.Metadata)
	assert.Equal(t, resp.NavigationCommands, resp.Message.Metadata.NavigationCommands)
	assert.Equal(t, "Tell me more about this project", resp.Suggestions[0])
}

func TestProcessInput_BuildsBackendRequest(t *testing.T) {
	backend := testutils.NewMockBackend()
	provider := testutils.NewMockContextProvider("Relevant projects:\n- Edge Cache")
	svc := newTestConversationService(t, backend, WithContextProvider(provider))

	_, err := svc.ProcessInput(context.Background(), convtypes.ConversationInput{
		Content: "  what is the   edge cache? ", Mode: convtypes.ModeVoice, SessionID: "s1",
	}, nil)
	require.NoError(t, err)

	req := backend.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "test-model", req.Model)
	assert.InDelta(t, 0.7, req.Temperature, 0.0001)
	assert.Equal(t, 100, req.MaxTokens)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "[NavigateTo:")
	assert.Contains(t, req.Messages[0].Content, "Relevant projects:\n- Edge Cache")
	assert.Contains(t, req.Messages[0].Content, "read well aloud")
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "what is the edge cache?", req.Messages[1].Content)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "s1", calls[0].SessionID)
	assert.Equal(t, "what is the edge cache?", calls[0].Options.Query)

	trace := svc.GetLastDebugData()
	require.NotNil(t, trace)
	assert.Equal(t, req.Messages[0].Content, trace.SystemPrompt)
	assert.Equal(t, "Relevant projects:\n- Edge Cache", trace.Context)
	require.NotNil(t, trace.BackendResponse)
	assert.Equal(t, "Mock response", trace.BackendResponse.Content)
}

func TestProcessInput_OptionsOverrideDefaults(t *testing.T) {
	backend := testutils.NewMockBackend()
	provider := testutils.NewMockContextProvider("ctx")
	svc := newTestConversationService(t, backend, WithContextProvider(provider))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.ProcessInput(ctx, textInput("s1", fmt.Sprintf("q%d", i)), nil)
		require.NoError(t, err)
	}

	noContext := false
	temperature := 0.1
	maxTokens := 42
	historyLimit := 3
	_, err := svc.ProcessInput(ctx, textInput("s1", "last"), &convtypes.ConversationOptions{
		IncludeContext: &noContext,
		Model:          "other-model",
		Temperature:    &temperature,
		MaxTokens:      &maxTokens,
		HistoryLimit:   &historyLimit,
		Instructions:   "Be brief.",
	})
	require.NoError(t, err)

	req := backend.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "other-model", req.Model)
	assert.InDelta(t, 0.1, req.Temperature, 0.0001)
	assert.Equal(t, 42, req.MaxTokens)
	require.Len(t, req.Messages, 4, "system prompt plus three windowed messages")
	assert.Equal(t, "q2", req.Messages[1].Content)
	assert.Equal(t, "last", req.Messages[3].Content)
	assert.True(t, len(req.Messages[0].Content) > 0)
	assert.Contains(t, req.Messages[0].Content, "Be brief.")
	assert.NotContains(t, req.Messages[0].Content, "Context:")
	assert.Len(t, provider.Calls(), 3, "context skipped when disabled")
}

func TestProcessInput_ContextPreservedAcrossModeSwitch(t *testing.T) {
	provider := testutils.NewMockContextProvider("Project A context")
	svc := newTestConversationService(t, testutils.NewMockBackend(), WithContextProvider(provider))
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "about A"), nil)
	require.NoError(t, err)

	// Same mode: fresh context replaces the old one.
	provider.SetContext("Project B context", true)
	_, err = svc.ProcessInput(ctx, textInput("s1", "about B"), nil)
	require.NoError(t, err)
	state, err := svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Project B context", state.CurrentContext)
	assert.True(t, svc.GetLastDebugData().ContextCached)

	// Mode switch: the prior context is extended.
	provider.SetContext("Project C context", false)
	_, err = svc.ProcessInput(ctx, convtypes.ConversationInput{Content: "about C", Mode: convtypes.ModeVoice, SessionID: "s1"}, nil)
	require.NoError(t, err)
	state, err = svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Project B context\n\nProject C context", state.CurrentContext)

	// Empty retrieval keeps what we had.
	provider.SetContext("", false)
	_, err = svc.ProcessInput(ctx, convtypes.ConversationInput{Content: "more", Mode: convtypes.ModeVoice, SessionID: "s1"}, nil)
	require.NoError(t, err)
	state, err = svc.GetConversationState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Project B context\n\nProject C context", state.CurrentContext)
}

func TestMergeContext(t *testing.T) {
	tests := []struct {
		name     string
		prior    string
		fresh    string
		switched bool
		expected string
	}{
		{name: "first context", prior: "", fresh: "A", switched: true, expected: "A"},
		{name: "same mode replaces", prior: "A", fresh: "B", switched: false, expected: "B"},
		{name: "switch extends", prior: "A", fresh: "B", switched: true, expected: "A\n\nB"},
		{name: "switch with known context", prior: "A\n\nB", fresh: "B", switched: true, expected: "A\n\nB"},
		{name: "empty fresh keeps prior", prior: "A", fresh: "  ", switched: false, expected: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mergeContext(tt.prior, tt.fresh, tt.switched))
		})
	}
}

func TestSuggestionsFor(t *testing.T) {
	for _, mode := range []convtypes.InputMode{convtypes.ModeText, convtypes.ModeVoice, convtypes.ModeHybrid} {
		for _, hasCommands := range []bool{true, false} {
			for _, failed := range []bool{true, false} {
				assert.Len(t, suggestionsFor(mode, hasCommands, failed), 3)
			}
		}
	}
}

func TestProcessInput_SerializesSameSession(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	backend := testutils.NewMockBackend("one", "two")
	backend.Hook = func(_ context.Context, _ *convtypes.ChatRequest) {
		entered <- struct{}{}
		<-release
	}
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.ProcessInput(ctx, textInput("s1", "first"), nil)
		assert.NoError(t, err)
	}()

	<-entered
	assert.True(t, svc.IsProcessing("s1"))
	assert.False(t, svc.IsProcessing("s2"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.ProcessInput(ctx, textInput("s1", "second"), nil)
		assert.NoError(t, err)
	}()

	select {
	case <-entered:
		t.Fatal("second call reached the backend while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	assert.False(t, svc.IsProcessing("s1"))
	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, msg := range history {
		if i%2 == 0 {
			assert.Equal(t, convtypes.RoleUser, msg.Role)
		} else {
			assert.Equal(t, convtypes.RoleAssistant, msg.Role)
		}
	}
}

func TestProcessInput_DifferentSessionsRunConcurrently(t *testing.T) {
	svc := newTestConversationService(t, testutils.NewMockBackend("ok"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", n%5)
			_, err := svc.ProcessInput(ctx, textInput(id, "hi"), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		state, err := svc.GetConversationState(ctx, fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, 4, state.Metadata.MessageCount)
		assert.Len(t, state.Messages, 8)
	}
}

func TestProcessInput_RecordsTracesAndTurns(t *testing.T) {
	recorder := &recordingRecorder{err: errors.New("disk full")}
	observer := &recordingObserver{}
	svc := newTestConversationService(t, testutils.NewMockBackend("reply"),
		WithTurnRecorder(recorder), WithTurnObserver(observer))
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "one"), nil)
	require.NoError(t, err, "recorder failures are only logged")
	_, err = svc.ProcessInput(ctx, textInput("s2", "two"), nil)
	require.NoError(t, err)
	_, err = svc.ProcessInput(ctx, textInput("s1", "three"), nil)
	require.NoError(t, err)

	recent := svc.GetRecentDebugData(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "three", recent[0].Input.Content)
	assert.Equal(t, "one", recent[2].Input.Content)

	forS1 := svc.GetDebugDataForSession("s1", 10)
	require.Len(t, forS1, 2)
	assert.Equal(t, "three", forS1[0].Input.Content)

	assert.Equal(t, "three", svc.GetLastDebugData().Input.Content)

	require.Len(t, recorder.records, 3)
	assert.Equal(t, "s2", recorder.records[1].SessionID)
	assert.Equal(t, "two", recorder.records[1].User.Content)
	assert.Equal(t, "reply", recorder.records[1].Assistant.Content)

	require.Len(t, observer.stats, 3)
	assert.Equal(t, "mock", observer.stats[0].Provider)
	assert.Equal(t, 15, observer.stats[0].Tokens.TotalTokens)
	assert.False(t, observer.stats[0].Failed)
}

func TestProcessInput_CapturesHTTPExchanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"router/model","choices":[{"index":0,"message":{"role":"assistant","content":"Captured reply"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer server.Close()

	capture := NewCaptureTransportService()
	require.NoError(t, capture.Initialize())
	backend := NewOpenAICompatibleClient(OpenAICompatibleConfig{
		ProviderName: "openrouter",
		APIKey:       "sk-secret",
		BaseURL:      server.URL,
		HTTPClient:   capture.HTTPClient(5 * time.Second),
	})
	svc := newTestConversationService(t, backend)

	resp, err := svc.ProcessInput(context.Background(), textInput("s1", "Hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Captured reply", resp.Message.Content)

	trace := svc.GetLastDebugData()
	require.NotNil(t, trace)
	require.Len(t, trace.HTTPExchanges, 1)
	exchange := trace.HTTPExchanges[0]
	assert.Equal(t, http.MethodPost, exchange.Method)
	assert.Equal(t, http.StatusOK, exchange.StatusCode)
	assert.NotContains(t, fmt.Sprint(exchange.Request), "sk-secret")
}

func TestRollingWindow(t *testing.T) {
	failed := &convtypes.MessageMetadata{FinishReason: finishReasonError}
	messages := []convtypes.ConversationMessage{
		{Role: convtypes.RoleUser, Content: "u1"},
		{Role: convtypes.RoleAssistant, Content: "a1"},
		{Role: convtypes.RoleUser, Content: "u2"},
		{Role: convtypes.RoleAssistant, Content: "sorry", Metadata: failed},
		{Role: convtypes.RoleUser, Content: "u3"},
	}

	all := rollingWindow(messages, 0)
	require.Len(t, all, 3, "failed turn dropped with its user message")
	assert.Equal(t, []string{"u1", "a1", "u3"}, windowContents(all))

	limited := rollingWindow(messages, 2)
	require.Len(t, limited, 1, "window never opens on an assistant message")
	assert.Equal(t, "u3", limited[0].Content)
}

func TestRollingWindow_EvenLimitStartsOnUser(t *testing.T) {
	var messages []convtypes.ConversationMessage
	for i := 0; i < 12; i++ {
		messages = append(messages,
			convtypes.ConversationMessage{Role: convtypes.RoleUser, Content: fmt.Sprintf("u%d", i)},
			convtypes.ConversationMessage{Role: convtypes.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}
	messages = append(messages, convtypes.ConversationMessage{Role: convtypes.RoleUser, Content: "current"})

	window := rollingWindow(messages, 20)
	require.Len(t, window, 19)
	assert.Equal(t, "user", window[0].Role)
	assert.Equal(t, "current", window[len(window)-1].Content)
	for i := 1; i < len(window); i++ {
		assert.NotEqual(t, window[i-1].Role, window[i].Role, "roles alternate at %d", i)
	}
}

func TestProcessInput_FailedTurnKeepsRolesAlternating(t *testing.T) {
	backend := testutils.NewMockBackend("fine")
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	_, err := svc.ProcessInput(ctx, textInput("s1", "first"), nil)
	require.NoError(t, err)
	backend.SetError(errors.New("boom"))
	_, err = svc.ProcessInput(ctx, textInput("s1", "second"), nil)
	require.NoError(t, err)
	backend.SetError(nil)
	_, err = svc.ProcessInput(ctx, textInput("s1", "third"), nil)
	require.NoError(t, err)

	req := backend.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, windowRoles(req.Messages))
	assert.Equal(t, "first", req.Messages[1].Content)
	assert.Equal(t, "third", req.Messages[3].Content)
}

func windowContents(window []convtypes.ChatMessage) []string {
	out := make([]string, len(window))
	for i, msg := range window {
		out[i] = msg.Content
	}
	return out
}

func windowRoles(window []convtypes.ChatMessage) []string {
	out := make([]string, len(window))
	for i, msg := range window {
		out[i] = msg.Role
	}
	return out
}

func TestProcessInput_ResponseDoesNotAliasHistory(t *testing.T) {
	backend := testutils.NewMockBackend("Look [NavigateTo:p1&section=overview]")
	svc := newTestConversationService(t, backend)
	ctx := context.Background()

	resp, err := svc.ProcessInput(ctx, textInput("s1", "show me"), nil)
	require.NoError(t, err)
	require.Len(t, resp.NavigationCommands, 1)
	require.NotNil(t, resp.Message.Metadata)

	resp.NavigationCommands[0].Parameters["section"] = "changed"
	resp.Message.Metadata.Model = "changed"
	resp.Message.Metadata.NavigationCommands[0].Target = "changed"

	history, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	history[1].Metadata.TokensUsed = 999

	fresh, err := svc.GetConversationHistory(ctx, "s1")
	require.NoError(t, err)
	meta := fresh[1].Metadata
	require.NotNil(t, meta)
	assert.Equal(t, "test-model", meta.Model)
	assert.Equal(t, 15, meta.TokensUsed)
	require.Len(t, meta.NavigationCommands, 1)
	assert.Equal(t, "p1", meta.NavigationCommands[0].Target)
	assert.Equal(t, "overview", meta.NavigationCommands[0].Parameters["section"])
}

func TestProcessInput_WaitingCallHonorsContext(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	backend := testutils.NewMockBackend("one", "two")
	backend.Hook = func(_ context.Context, _ *convtypes.ChatRequest) {
		entered <- struct{}{}
		<-release
	}
	svc := newTestConversationService(t, backend)

	done := make(chan error, 1)
	go func() {
		_, err := svc.ProcessInput(context.Background(), textInput("s1", "first"), nil)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.ProcessInput(ctx, textInput("s1", "second"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	history, err := svc.GetConversationHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "abandoned call leaves no trace in history")
	assert.False(t, svc.IsProcessing("s1"))

	_, err = svc.ProcessInput(context.Background(), textInput("s1", "third"), nil)
	require.NoError(t, err, "lock is free again after the waiter gave up")
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	locks := newKeyedMutex()
	unlock, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	locks.mu.Lock()
	assert.Empty(t, locks.locks)
	locks.mu.Unlock()
}
