// Package transport decouples how a conversation input reaches the conversation
// service from the service itself. Every transport shares one contract: connect,
// send, listen for responses, errors and state changes.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convcore/pkg/convtypes"
)

// Transport error codes.
const (
	CodeHTTPRequestFailed      = "HTTP_REQUEST_FAILED"
	CodeHTTPConnectFailed      = "HTTP_CONNECT_FAILED"
	CodeWebSocketConnectFailed = "WEBSOCKET_CONNECT_FAILED"
	CodeWebSocketNotConnected  = "WEBSOCKET_NOT_CONNECTED"
	CodeWebSocketSendFailed    = "WEBSOCKET_SEND_FAILED"
	CodeWebSocketRemoteError   = "WEBSOCKET_REMOTE_ERROR"
)

// MessageListener receives every response a transport delivers.
type MessageListener func(response *convtypes.ConversationResponse)

// ErrorListener receives every error a transport raises.
type ErrorListener func(err *TransportError)

// StateListener receives the transport state after each change.
type StateListener func(state convtypes.TransportState)

// Transport carries conversation inputs to a processor and responses back.
type Transport interface {
	Name() string
	SetName(name string)

	// Connect makes the transport ready and pushes a connected state.
	Connect(ctx context.Context) error
	// Disconnect releases the transport and pushes a disconnected state.
	Disconnect() error
	// SendMessage delivers input and returns the response. Failures are
	// returned as *TransportError and broadcast to error listeners.
	SendMessage(ctx context.Context, input convtypes.ConversationInput) (*convtypes.ConversationResponse, error)

	OnMessage(listener MessageListener)
	OnError(listener ErrorListener)
	OnStateChange(listener StateListener)

	IsConnected() bool
	State() convtypes.TransportState
}

// TransportError is a delivery failure. The conversation itself may have completed.
type TransportError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Transport   string `json:"transport"`
	Err         error  `json:"-"`
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s: %s", e.Transport, e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(transport, code string, recoverable bool, err error) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     err.Error(),
		Recoverable: recoverable,
		Transport:   transport,
		Err:         err,
	}
}

// QualityForLatency buckets a round-trip latency.
func QualityForLatency(latency time.Duration) convtypes.ConnectionQuality {
	switch {
	case latency < time.Second:
		return convtypes.QualityExcellent
	case latency < 3*time.Second:
		return convtypes.QualityGood
	default:
		return convtypes.QualityPoor
	}
}

// base holds the name, state and listener lists every transport shares.
// Listeners are invoked outside the lock, in registration order.
type base struct {
	mu    sync.RWMutex
	state convtypes.TransportState

	onMessage []MessageListener
	onError   []ErrorListener
	onState   []StateListener
}

// Name returns the transport name.
func (b *base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Transport
}

// SetName renames the transport. Register it with a manager afterwards.
func (b *base) SetName(name string) {
	b.mu.Lock()
	b.state.Transport = name
	b.mu.Unlock()
}

// OnMessage registers a response listener.
func (b *base) OnMessage(listener MessageListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = append(b.onMessage, listener)
}

// OnError registers an error listener.
func (b *base) OnError(listener ErrorListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, listener)
}

// OnStateChange registers a state listener.
func (b *base) OnStateChange(listener StateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = append(b.onState, listener)
}

// IsConnected reports the current connection flag.
func (b *base) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Connected
}

// State returns a copy of the current state.
func (b *base) State() convtypes.TransportState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyState(b.state)
}

// updateState applies change under the lock and pushes the result to listeners.
func (b *base) updateState(change func(state *convtypes.TransportState)) {
	b.mu.Lock()
	change(&b.state)
	b.state.LastActivity = time.Now()
	snapshot := copyState(b.state)
	listeners := append([]StateListener(nil), b.onState...)
	b.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
}

// recordLatency stores a latency sample and its quality bucket.
func (b *base) recordLatency(latency time.Duration) {
	b.updateState(func(state *convtypes.TransportState) {
		ms := latency.Milliseconds()
		state.Latency = &ms
		state.Quality = QualityForLatency(latency)
	})
}

func (b *base) emitMessage(response *convtypes.ConversationResponse) {
	b.mu.RLock()
	listeners := append([]MessageListener(nil), b.onMessage...)
	b.mu.RUnlock()
	for _, listener := range listeners {
		listener(response)
	}
}

func (b *base) emitError(err *TransportError) {
	b.mu.RLock()
	listeners := append([]ErrorListener(nil), b.onError...)
	b.mu.RUnlock()
	for _, listener := range listeners {
		listener(err)
	}
}

func copyState(state convtypes.TransportState) convtypes.TransportState {
	if state.Latency != nil {
		latency := *state.Latency
		state.Latency = &latency
	}
	return state
}
