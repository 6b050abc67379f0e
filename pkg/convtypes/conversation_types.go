// Package convtypes defines the shared data model of the conversation core.
// This file contains the conversation records: inputs, messages, session state,
// navigation commands and the response envelope.
package convtypes

import "time"

// InputMode is the channel type of a conversational turn.
type InputMode string

// Supported input modes.
const (
	ModeText   InputMode = "text"
	ModeVoice  InputMode = "voice"
	ModeHybrid InputMode = "hybrid"
)

// IsValid reports whether m is one of the supported modes.
func (m InputMode) IsValid() bool {
	switch m {
	case ModeText, ModeVoice, ModeHybrid:
		return true
	default:
		return false
	}
}

// Role identifies the author of a conversation message.
type Role string

// Message roles kept in conversation history.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// VoiceMetadata carries transcription details for voice and hybrid turns.
type VoiceMetadata struct {
	Duration                float64 `json:"duration,omitempty"`                // Seconds of captured audio
	TranscriptionConfidence float64 `json:"transcriptionConfidence,omitempty"` // 0.0-1.0
	Language                string  `json:"language,omitempty"`
}

// InputMetadata is the mode-specific payload attached to an input.
type InputMetadata struct {
	Voice *VoiceMetadata    `json:"voice,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}

// ConversationInput is one incoming request unit. Voice content arrives already transcribed.
type ConversationInput struct {
	Content   string         `json:"content"`
	Mode      InputMode      `json:"mode"`
	SessionID string         `json:"sessionId"`
	Metadata  *InputMetadata `json:"metadata,omitempty"`
}

// MessageMetadata holds per-turn accounting for a conversation message.
type MessageMetadata struct {
	TokensUsed         int                 `json:"tokensUsed,omitempty"`
	Cost               float64             `json:"cost,omitempty"`
	Model              string              `json:"model,omitempty"`
	ProcessingTime     int64               `json:"processingTime,omitempty"` // Milliseconds
	FinishReason       string              `json:"finishReason,omitempty"`
	NavigationCommands []NavigationCommand `json:"navigationCommands,omitempty"`
	Voice              *VoiceMetadata      `json:"voice,omitempty"`
}

// ConversationMessage is one turn in a session's history. It is never mutated after creation.
type ConversationMessage struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	InputMode InputMode        `json:"inputMode"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// StateMetadata aggregates counters for a session.
type StateMetadata struct {
	MessageCount int     `json:"messageCount"` // Assistant turns only
	TotalTokens  int     `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
}

// ConversationState is the per-session record owned by the conversation service.
type ConversationState struct {
	SessionID      string                `json:"sessionId"`
	Messages       []ConversationMessage `json:"messages"`
	ActiveMode     InputMode             `json:"activeMode"`
	CurrentContext string                `json:"currentContext"`
	Metadata       StateMetadata         `json:"metadata"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share messages or metadata with s.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	if out.Messages == nil {
		out.Messages = []ConversationMessage{}
	}
	return &out
}

// Navigation command constants.
const (
	CommandTypeNavigate = "navigate"
	TimingImmediate     = "immediate"
)

// NavigationCommand is a structured UI instruction extracted from model output.
type NavigationCommand struct {
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters"`
	Timing     string            `json:"timing"`
}

// ErrorCodeProcessing marks a recovered pipeline failure in a response envelope.
const ErrorCodeProcessing = "PROCESSING_ERROR"

// ResponseError describes a recoverable failure carried inside a response.
type ResponseError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ConversationResponse is the envelope produced once per processed input.
type ConversationResponse struct {
	Message            ConversationMessage `json:"message"`
	NavigationCommands []NavigationCommand `json:"navigationCommands"`
	Suggestions        []string            `json:"suggestions"`
	Error              *ResponseError      `json:"error,omitempty"`
}

// ConversationOptions tunes a single ProcessInput call. Nil fields fall back to configured defaults.
type ConversationOptions struct {
	IncludeContext *bool           `json:"includeContext,omitempty"`
	Model          string          `json:"model,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"maxTokens,omitempty"`
	HistoryLimit   *int            `json:"historyLimit,omitempty"`
	Instructions   string          `json:"instructions,omitempty"`
	Context        *ContextOptions `json:"context,omitempty"`
}
