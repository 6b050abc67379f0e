package transport

import (
	"context"
	"fmt"
	"time"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// HTTPTransportName is the default name of the request/response transport.
const HTTPTransportName = "http"

// Processor runs one conversational turn. The conversation service implements
// it in-process and RemoteProcessor implements it over HTTP.
type Processor interface {
	ProcessInput(ctx context.Context, input convtypes.ConversationInput, opts *convtypes.ConversationOptions) (*convtypes.ConversationResponse, error)
}

// pinger is implemented by processors that can check reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// HTTPTransport is the request/response transport. Each SendMessage is one
// independent call to the processor.
type HTTPTransport struct {
	base
	processor Processor
	options   *convtypes.ConversationOptions
}

// NewHTTPTransport creates a disconnected transport named "http".
func NewHTTPTransport(processor Processor) *HTTPTransport {
	t := &HTTPTransport{processor: processor}
	t.state.Transport = HTTPTransportName
	return t
}

// SetOptions sets the conversation options sent with every message.
func (t *HTTPTransport) SetOptions(opts *convtypes.ConversationOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options = opts
}

// Connect marks the transport ready. Remote processors are pinged first.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if p, ok := t.processor.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			terr := newTransportError(t.Name(), CodeHTTPConnectFailed, true, err)
			t.emitError(terr)
			return terr
		}
	}

	t.updateState(func(state *convtypes.TransportState) {
		state.Connected = true
	})
	logger.TransportEvent(t.Name(), "connected")
	return nil
}

// Disconnect marks the transport not ready.
func (t *HTTPTransport) Disconnect() error {
	t.updateState(func(state *convtypes.TransportState) {
		state.Connected = false
	})
	logger.TransportEvent(t.Name(), "disconnected")
	return nil
}

// SendMessage calls the processor even while disconnected; failures surface as
// HTTP_REQUEST_FAILED transport errors.
func (t *HTTPTransport) SendMessage(ctx context.Context, input convtypes.ConversationInput) (*convtypes.ConversationResponse, error) {
	t.mu.RLock()
	opts := t.options
	t.mu.RUnlock()

	start := time.Now()
	response, err := t.processor.ProcessInput(ctx, input, opts)
	latency := time.Since(start)

	if err == nil && response == nil {
		err = fmt.Errorf("processor returned no response")
	}
	if err != nil {
		terr := newTransportError(t.Name(), CodeHTTPRequestFailed, true, err)
		logger.TransportEvent(t.Name(), "send_failed", "session", input.SessionID, "error", err)
		t.emitError(terr)
		return nil, terr
	}

	t.recordLatency(latency)
	t.emitMessage(response)
	logger.TransportEvent(t.Name(), "message", "session", input.SessionID, "latency", latency)
	return response, nil
}
