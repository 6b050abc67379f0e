// Package convtypes defines turn records consumed by persistence and metrics sinks.
package convtypes

import "time"

// TurnRecord is one completed exchange handed to a TurnRecorder after ProcessInput.
type TurnRecord struct {
	SessionID string              `json:"sessionId"`
	User      ConversationMessage `json:"user"`
	Assistant ConversationMessage `json:"assistant"`
	Error     *ResponseError      `json:"error,omitempty"`
}

// TurnStats summarizes one processed turn for telemetry.
type TurnStats struct {
	SessionID string
	Mode      InputMode
	Model     string
	Provider  string
	Duration  time.Duration
	Tokens    TokenUsage
	Cost      float64
	Commands  int
	Failed    bool
	FromCache bool
}

// TurnRecorder persists completed turns. Failures are logged, never surfaced to the caller.
type TurnRecorder interface {
	RecordTurn(record TurnRecord) error
}

// TurnObserver receives telemetry for every processed turn.
type TurnObserver interface {
	ObserveTurn(stats TurnStats)
}
