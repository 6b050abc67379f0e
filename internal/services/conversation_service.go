package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"convcore/internal/config"
	"convcore/internal/logger"
	"convcore/internal/session"
	"convcore/internal/stringprocessing"
	"convcore/internal/testutils"
	"convcore/pkg/convtypes"
)

// ErrInvalidInput is returned by ProcessInput for malformed inputs. Invalid inputs never become turns.
var ErrInvalidInput = errors.New("invalid conversation input")

// ApologyMessage is the assistant reply recorded when a turn fails.
const ApologyMessage = "I'm sorry, I encountered an error while processing your request. Please try again."

// finishReasonError tags assistant messages produced by a failed turn.
const finishReasonError = "error"

const defaultInstructions = "You are the assistant on a software developer's portfolio site. " +
	"Answer visitor questions about the developer's projects and experience accurately and concisely. " +
	"If the context does not cover a question, say so instead of guessing."

const navigationGrammar = "You can move the visitor's view to a project by embedding a navigation command in your reply:\n" +
	"[NavigateTo:<project-id>&<key>=<value>]\n" +
	"Parameters are optional, for example [NavigateTo:edge-cache&section=overview]. " +
	"Only use project ids that appear in the context. Commands are removed before the reply is shown."

var modeGuidance = map[convtypes.InputMode]string{
	convtypes.ModeVoice: "The visitor is speaking to you. Reply in short natural sentences that read well aloud. " +
		"Do not use markdown or code blocks.",
	convtypes.ModeHybrid: "The visitor may switch between speaking and typing. Keep replies short enough to be read aloud.",
}

// ConversationOption configures a ConversationService.
type ConversationOption func(*ConversationService)

// WithContextProvider enables context retrieval for turns.
func WithContextProvider(provider convtypes.ContextProvider) ConversationOption {
	return func(s *ConversationService) {
		s.contexts = provider
	}
}

// WithTurnRecorder persists every completed turn.
func WithTurnRecorder(recorder convtypes.TurnRecorder) ConversationOption {
	return func(s *ConversationService) {
		s.recorder = recorder
	}
}

// WithTurnObserver adds a telemetry sink. May be given more than once.
func WithTurnObserver(observer convtypes.TurnObserver) ConversationOption {
	return func(s *ConversationService) {
		s.observers = append(s.observers, observer)
	}
}

// WithInstructions replaces the default assistant instructions.
func WithInstructions(instructions string) ConversationOption {
	return func(s *ConversationService) {
		s.instructions = instructions
	}
}

// WithTestMode switches message ids and timestamps to deterministic values.
func WithTestMode(testMode bool) ConversationOption {
	return func(s *ConversationService) {
		s.testMode = testMode
	}
}

// WithIDGenerator overrides message and trace id generation.
func WithIDGenerator(newID func() string) ConversationOption {
	return func(s *ConversationService) {
		s.newID = newID
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ConversationOption {
	return func(s *ConversationService) {
		s.now = now
	}
}

// ConversationService runs the conversation pipeline and owns all session state.
// Turns on one session are serialized; different sessions run in parallel.
type ConversationService struct {
	backend      convtypes.ModelBackend
	store        session.Store
	traces       *DebugTraceService
	defaults     config.ModelConfig
	contexts     convtypes.ContextProvider
	recorder     convtypes.TurnRecorder
	observers    []convtypes.TurnObserver
	instructions string
	testMode     bool
	newID        func() string
	now          func() time.Time

	locks        *keyedMutex
	processingMu sync.Mutex
	processing   map[string]int

	log         *log.Logger
	initialized bool
}

// NewConversationService creates a conversation service over the given collaborators.
func NewConversationService(backend convtypes.ModelBackend, store session.Store, traces *DebugTraceService, defaults config.ModelConfig, opts ...ConversationOption) *ConversationService {
	s := &ConversationService{
		backend:      backend,
		store:        store,
		traces:       traces,
		defaults:     defaults,
		instructions: defaultInstructions,
		locks:        newKeyedMutex(),
		processing:   make(map[string]int),
		log:          logger.NewStyledLogger("Conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newID == nil {
		s.newID = func() string { return testutils.GenerateUUID(s.testMode) }
	}
	if s.now == nil {
		s.now = func() time.Time { return testutils.GetCurrentTime(s.testMode) }
	}
	if s.traces == nil {
		s.traces = NewDebugTraceService(DefaultDebugTraceCapacity)
	}
	return s
}

// Name returns the service name "conversation" for registration.
func (s *ConversationService) Name() string {
	return "conversation"
}

// Initialize checks that the required collaborators are present.
func (s *ConversationService) Initialize() error {
	if s.backend == nil {
		return fmt.Errorf("conversation service requires a model backend")
	}
	if s.store == nil {
		return fmt.Errorf("conversation service requires a session store")
	}
	s.initialized = true
	logger.ServiceOperation("conversation", "initialize", "backend", s.backend.GetProviderName(), "context", s.contexts != nil)
	return nil
}

// DebugTraces returns the trace buffer the service records into.
func (s *ConversationService) DebugTraces() *DebugTraceService {
	return s.traces
}

// ProcessInput runs one conversational turn and returns the response envelope.
// Backend and context failures are recovered into a PROCESSING_ERROR response.
// Only invalid input and session store failures are returned as errors.
func (s *ConversationService) ProcessInput(ctx context.Context, input convtypes.ConversationInput, opts *convtypes.ConversationOptions) (*convtypes.ConversationResponse, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &convtypes.ConversationOptions{}
	}

	s.markProcessing(input.SessionID)
	defer s.unmarkProcessing(input.SessionID)

	unlock, err := s.locks.Lock(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	state, err := s.loadOrCreate(ctx, input.SessionID, input.Mode)
	if err != nil {
		return nil, err
	}

	modeSwitched := modeChanged(state, input.Mode)
	state.ActiveMode = input.Mode

	userMsg := convtypes.ConversationMessage{
		ID:        s.newID(),
		Role:      convtypes.RoleUser,
		Content:   stringprocessing.NormalizeInput(input.Content, input.Mode),
		InputMode: input.Mode,
		Timestamp: s.now(),
	}
	if input.Metadata != nil && input.Metadata.Voice != nil {
		voice := *input.Metadata.Voice
		userMsg.Metadata = &convtypes.MessageMetadata{Voice: &voice}
	}
	state.Messages = append(state.Messages, userMsg)
	state.UpdatedAt = userMsg.Timestamp
	if err := s.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", input.SessionID, err)
	}
	// Keep an evicting store from dropping the session while the backend call is in flight.
	if pinner, ok := s.store.(session.Pinner); ok {
		pinner.Pin(input.SessionID)
		defer pinner.Unpin(input.SessionID)
	}

	trace := convtypes.DebugTrace{
		ID:        s.newID(),
		SessionID: input.SessionID,
		Timestamp: userMsg.Timestamp,
		Input:     input,
		Options:   *opts,
	}

	result, turnErr := s.runTurn(ctx, state, userMsg.Content, modeSwitched, opts, &trace)
	elapsed := time.Since(start)

	assistantMsg := convtypes.ConversationMessage{
		ID:        s.newID(),
		Role:      convtypes.RoleAssistant,
		InputMode: input.Mode,
		Timestamp: s.now(),
	}
	response := &convtypes.ConversationResponse{NavigationCommands: []convtypes.NavigationCommand{}}

	if turnErr != nil {
		s.log.Error("Turn failed", "session", input.SessionID, "mode", input.Mode, "error", turnErr)
		trace.Error = turnErr.Error()
		assistantMsg.Content = ApologyMessage
		assistantMsg.Metadata = &convtypes.MessageMetadata{
			Model:          requestModel(&trace),
			ProcessingTime: elapsed.Milliseconds(),
			FinishReason:   finishReasonError,
		}
		response.Error = &convtypes.ResponseError{
			Code:        convtypes.ErrorCodeProcessing,
			Message:     turnErr.Error(),
			Recoverable: true,
		}
		response.Suggestions = suggestionsFor(input.Mode, false, true)
	} else {
		assistantMsg.Content = result.content
		assistantMsg.Metadata = &convtypes.MessageMetadata{
			TokensUsed:         result.chat.TokensUsed.TotalTokens,
			Cost:               result.chat.Cost,
			Model:              result.chat.Model,
			ProcessingTime:     elapsed.Milliseconds(),
			FinishReason:       result.chat.FinishReason,
			NavigationCommands: result.commands,
		}
		state.Metadata.MessageCount++
		state.Metadata.TotalTokens += result.chat.TokensUsed.TotalTokens
		state.Metadata.TotalCost += result.chat.Cost
		response.NavigationCommands = convtypes.CloneNavigationCommands(result.commands)
		response.Suggestions = suggestionsFor(input.Mode, len(result.commands) > 0, false)
	}

	state.Messages = append(state.Messages, assistantMsg)
	state.UpdatedAt = assistantMsg.Timestamp
	response.Message = assistantMsg.Clone()

	s.traces.Record(trace)

	if err := s.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save session %s: %w", input.SessionID, err)
	}

	s.publish(userMsg, assistantMsg, response.Error, trace, elapsed)

	logger.SessionOperation(input.SessionID, "turn", "mode", input.Mode, "commands", len(response.NavigationCommands), "failed", response.Error != nil, "elapsed", elapsed)
	return response, nil
}

// turnResult is the outcome of steps that may fail and be recovered.
type turnResult struct {
	chat     *convtypes.ChatResponse
	content  string
	commands []convtypes.NavigationCommand
}

// runTurn retrieves context, calls the backend and extracts navigation commands.
// It fills in the trace as it goes so failed turns still show what was sent.
func (s *ConversationService) runTurn(ctx context.Context, state *convtypes.ConversationState, query string, modeSwitched bool, opts *convtypes.ConversationOptions, trace *convtypes.DebugTrace) (*turnResult, error) {
	contextText := ""
	if includeContext(opts) && s.contexts != nil {
		ctxOpts := convtypes.ContextOptions{Query: query}
		if opts.Context != nil {
			ctxOpts = *opts.Context
			if ctxOpts.Query == "" {
				ctxOpts.Query = query
			}
		}
		result, err := s.contexts.BuildContextWithCaching(ctx, state.SessionID, ctxOpts)
		if err != nil {
			return nil, fmt.Errorf("context retrieval failed: %w", err)
		}
		if result != nil {
			trace.ContextCached = result.FromCache
			state.CurrentContext = mergeContext(state.CurrentContext, result.Context, modeSwitched)
		}
		contextText = state.CurrentContext
	}
	trace.Context = contextText

	instructions := s.instructions
	if opts.Instructions != "" {
		instructions = opts.Instructions
	}
	systemPrompt := buildSystemPrompt(instructions, state.ActiveMode, contextText)
	trace.SystemPrompt = systemPrompt

	req := &convtypes.ChatRequest{
		Model:       s.defaults.Model,
		Temperature: s.defaults.Temperature,
		MaxTokens:   s.defaults.MaxTokens,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	historyLimit := s.defaults.HistoryLimit
	if opts.HistoryLimit != nil {
		historyLimit = *opts.HistoryLimit
	}
	req.Messages = append([]convtypes.ChatMessage{{Role: "system", Content: systemPrompt}}, rollingWindow(state.Messages, historyLimit)...)
	trace.BackendRequest = req

	callCtx := ctx
	if s.defaults.BackendTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.defaults.BackendTimeout)
		defer cancel()
	}
	callCtx, recorder := WithExchangeRecorder(callCtx)

	chat, err := s.backend.Chat(callCtx, req)
	trace.HTTPExchanges = recorder.Exchanges()
	if err != nil {
		return nil, fmt.Errorf("model backend request failed: %w", err)
	}
	if chat == nil {
		return nil, fmt.Errorf("model backend returned no response")
	}
	trace.BackendResponse = chat
	if chat.Model == "" {
		chat.Model = req.Model
	}

	cleaned, commands := stringprocessing.ExtractNavigationCommands(chat.Content)
	if commands == nil {
		commands = []convtypes.NavigationCommand{}
	}
	return &turnResult{chat: chat, content: cleaned, commands: commands}, nil
}

// publish hands a finished turn to the recorder and observers.
func (s *ConversationService) publish(user, assistant convtypes.ConversationMessage, respErr *convtypes.ResponseError, trace convtypes.DebugTrace, elapsed time.Duration) {
	if s.recorder != nil {
		record := convtypes.TurnRecord{
			SessionID: trace.SessionID,
			User:      user,
			Assistant: assistant,
			Error:     respErr,
		}
		if err := s.recorder.RecordTurn(record); err != nil {
			s.log.Warn("Failed to record turn", "session", trace.SessionID, "error", err)
		}
	}

	if len(s.observers) == 0 {
		return
	}
	stats := convtypes.TurnStats{
		SessionID: trace.SessionID,
		Mode:      trace.Input.Mode,
		Model:     requestModel(&trace),
		Provider:  s.backend.GetProviderName(),
		Duration:  elapsed,
		Failed:    respErr != nil,
		FromCache: trace.ContextCached,
	}
	if trace.BackendResponse != nil {
		stats.Model = trace.BackendResponse.Model
		stats.Tokens = trace.BackendResponse.TokensUsed
		stats.Cost = trace.BackendResponse.Cost
		if trace.BackendResponse.Provider != "" {
			stats.Provider = trace.BackendResponse.Provider
		}
	}
	if assistant.Metadata != nil {
		stats.Commands = len(assistant.Metadata.NavigationCommands)
	}
	for _, observer := range s.observers {
		observer.ObserveTurn(stats)
	}
}

// GetConversationHistory returns the session's messages in chronological order.
// Unknown sessions yield an empty list.
func (s *ConversationService) GetConversationHistory(ctx context.Context, sessionID string) ([]convtypes.ConversationMessage, error) {
	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if state == nil {
		return []convtypes.ConversationMessage{}, nil
	}
	return state.Messages, nil
}

// GetConversationState returns a snapshot of the session, or nil if it was never seen.
func (s *ConversationService) GetConversationState(ctx context.Context, sessionID string) (*convtypes.ConversationState, error) {
	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return state, nil
}

// UpdateConversationMode sets the active mode, creating the session if needed.
// History and context are left alone.
func (s *ConversationService) UpdateConversationMode(ctx context.Context, sessionID string, mode convtypes.InputMode) error {
	if err := validateInput(convtypes.ConversationInput{SessionID: sessionID, Mode: mode}); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.loadOrCreate(ctx, sessionID, mode)
	if err != nil {
		return err
	}
	previous := state.ActiveMode
	state.ActiveMode = mode
	state.UpdatedAt = s.now()
	if err := s.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	logger.SessionOperation(sessionID, "mode", "from", previous, "to", mode)
	return nil
}

// ClearConversationHistory empties the session's messages and resets the turn counter.
// The session itself survives and later turns reuse it. Unknown sessions are ignored.
func (s *ConversationService) ClearConversationHistory(ctx context.Context, sessionID string) error {
	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if state == nil {
		return nil
	}
	state.Messages = []convtypes.ConversationMessage{}
	state.Metadata.MessageCount = 0
	state.UpdatedAt = s.now()
	if err := s.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	logger.SessionOperation(sessionID, "clear")
	return nil
}

// IsProcessing reports whether a ProcessInput call for the session is in flight or queued.
func (s *ConversationService) IsProcessing(sessionID string) bool {
	s.processingMu.Lock()
	defer s.processingMu.Unlock()
	return s.processing[sessionID] > 0
}

// GetRecentDebugData returns up to limit traces, most recent first.
func (s *ConversationService) GetRecentDebugData(limit int) []convtypes.DebugTrace {
	return s.traces.GetRecentDebugData(limit)
}

// GetDebugDataForSession returns up to limit traces of one session, most recent first.
func (s *ConversationService) GetDebugDataForSession(sessionID string, limit int) []convtypes.DebugTrace {
	return s.traces.GetDebugDataForSession(sessionID, limit)
}

// GetLastDebugData returns the most recent trace, or nil.
func (s *ConversationService) GetLastDebugData() *convtypes.DebugTrace {
	return s.traces.GetLastDebugData()
}

func (s *ConversationService) loadOrCreate(ctx context.Context, sessionID string, mode convtypes.InputMode) (*convtypes.ConversationState, error) {
	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if state != nil {
		return state, nil
	}

	now := s.now()
	logger.SessionOperation(sessionID, "create", "mode", mode)
	return &convtypes.ConversationState{
		SessionID:  sessionID,
		Messages:   []convtypes.ConversationMessage{},
		ActiveMode: mode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *ConversationService) markProcessing(sessionID string) {
	s.processingMu.Lock()
	defer s.processingMu.Unlock()
	s.processing[sessionID]++
}

func (s *ConversationService) unmarkProcessing(sessionID string) {
	s.processingMu.Lock()
	defer s.processingMu.Unlock()
	s.processing[sessionID]--
	if s.processing[sessionID] <= 0 {
		delete(s.processing, sessionID)
	}
}

func validateInput(input convtypes.ConversationInput) error {
	if strings.TrimSpace(input.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if !input.Mode.IsValid() {
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidInput, input.Mode)
	}
	return nil
}

// requestModel returns the model the turn asked for, if the request was built.
func requestModel(trace *convtypes.DebugTrace) string {
	if trace.BackendRequest == nil {
		return ""
	}
	return trace.BackendRequest.Model
}

func includeContext(opts *convtypes.ConversationOptions) bool {
	return opts.IncludeContext == nil || *opts.IncludeContext
}

// modeChanged reports whether this turn arrives in a different mode than the session's last activity.
func modeChanged(state *convtypes.ConversationState, mode convtypes.InputMode) bool {
	if len(state.Messages) == 0 {
		return false
	}
	last := state.Messages[len(state.Messages)-1]
	return state.ActiveMode != mode || last.InputMode != mode
}

// mergeContext folds freshly retrieved context into the session's current context.
// Within one mode the fresh context replaces the old one. After a mode switch the
// prior context is kept and extended so the conversation stays grounded.
func mergeContext(prior, fresh string, modeSwitched bool) string {
	fresh = strings.TrimSpace(fresh)
	switch {
	case fresh == "":
		return prior
	case prior == "" || !modeSwitched:
		return fresh
	case strings.Contains(prior, fresh):
		return prior
	default:
		return prior + "\n\n" + fresh
	}
}

func buildSystemPrompt(instructions string, mode convtypes.InputMode, contextText string) string {
	sections := []string{strings.TrimSpace(instructions)}
	if guidance, ok := modeGuidance[mode]; ok {
		sections = append(sections, guidance)
	}
	sections = append(sections, navigationGrammar)
	if contextText != "" {
		sections = append(sections, "Context:\n"+contextText)
	}
	return strings.Join(sections, "\n\n")
}

// rollingWindow converts the newest limit messages to backend messages.
// Failed turns are left out entirely, both the apology and the user message it
// answered, and the window always opens on a user message so roles alternate.
// A non-positive limit keeps everything.
func rollingWindow(messages []convtypes.ConversationMessage, limit int) []convtypes.ChatMessage {
	window := make([]convtypes.ChatMessage, 0, len(messages))
	for i, msg := range messages {
		if isFailedReply(msg) {
			continue
		}
		if msg.Role == convtypes.RoleUser && i+1 < len(messages) && isFailedReply(messages[i+1]) {
			continue
		}
		window = append(window, convtypes.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	for len(window) > 0 && window[0].Role != string(convtypes.RoleUser) {
		window = window[1:]
	}
	return window
}

func isFailedReply(msg convtypes.ConversationMessage) bool {
	return msg.Role == convtypes.RoleAssistant && msg.Metadata != nil && msg.Metadata.FinishReason == finishReasonError
}

// suggestionsFor picks the three follow-up prompts shown under a reply.
func suggestionsFor(mode convtypes.InputMode, hasCommands bool, failed bool) []string {
	switch {
	case failed:
		return []string{"Try asking again", "Show me your projects", "What can you help me with?"}
	case hasCommands:
		return []string{"Tell me more about this project", "What technologies were used?", "Show me something similar"}
	case mode == convtypes.ModeVoice:
		return []string{"Tell me about your recent work", "What are you working on now?", "Take me to your projects"}
	default:
		return []string{"What projects have you built?", "What technologies do you use?", "How can I get in touch?"}
	}
}

// keyedMutex hands out one lock per key and frees it when nobody holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// keyedLock is a one-slot semaphore so waiters can give up when their context ends.
type keyedLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done and returns the matching unlock function.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry)
		return nil, fmt.Errorf("waiting for session %s: %w", key, ctx.Err())
	}
	return func() {
		<-entry.sem
		k.release(key, entry)
	}, nil
}

func (k *keyedMutex) release(key string, entry *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
