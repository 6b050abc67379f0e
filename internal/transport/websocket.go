package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// WebSocketTransportName is the default name of the socket transport.
const WebSocketTransportName = "websocket"

// Frame types exchanged over the conversation socket.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameError    = "error"
)

// Frame is one JSON message on the conversation socket. Responses carry the id
// of the request they answer.
type Frame struct {
	ID       string                          `json:"id"`
	Type     string                          `json:"type"`
	Input    *convtypes.ConversationInput    `json:"input,omitempty"`
	Options  *convtypes.ConversationOptions  `json:"options,omitempty"`
	Response *convtypes.ConversationResponse `json:"response,omitempty"`
	Error    string                          `json:"error,omitempty"`
}

var errConnectionClosed = errors.New("websocket connection closed")

// WebSocketTransport keeps one socket open to the conversation server and
// multiplexes requests over it.
type WebSocketTransport struct {
	base
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	options *convtypes.ConversationOptions

	connMu  sync.Mutex // guards conn and serializes writes
	conn    *websocket.Conn
	pending map[string]chan Frame
	done    chan struct{}
	closing bool
}

// NewWebSocketTransport creates a disconnected transport for the socket at url (ws:// or wss://).
func NewWebSocketTransport(url string, header http.Header) *WebSocketTransport {
	t := &WebSocketTransport{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]chan Frame),
	}
	t.state.Transport = WebSocketTransportName
	return t
}

// SetOptions sets the conversation options sent with every message.
func (t *WebSocketTransport) SetOptions(opts *convtypes.ConversationOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.options = opts
}

// Connect dials the server and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	if t.conn != nil {
		t.connMu.Unlock()
		return nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		t.connMu.Unlock()
		terr := newTransportError(t.Name(), CodeWebSocketConnectFailed, true, err)
		t.emitError(terr)
		return terr
	}
	t.conn = conn
	t.done = make(chan struct{})
	t.closing = false
	done := t.done
	t.connMu.Unlock()

	go t.readLoop(conn, done)

	t.updateState(func(state *convtypes.TransportState) {
		state.Connected = true
	})
	logger.TransportEvent(t.Name(), "connected", "url", t.url)
	return nil
}

// Disconnect closes the socket and waits for the read loop to exit.
func (t *WebSocketTransport) Disconnect() error {
	t.connMu.Lock()
	conn := t.conn
	done := t.done
	if conn == nil {
		t.connMu.Unlock()
		return nil
	}
	t.closing = true
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()
	t.connMu.Unlock()

	<-done
	logger.TransportEvent(t.Name(), "disconnected")
	return err
}

// SendMessage writes a request frame and waits for the matching response.
func (t *WebSocketTransport) SendMessage(ctx context.Context, input convtypes.ConversationInput) (*convtypes.ConversationResponse, error) {
	t.mu.RLock()
	opts := t.options
	t.mu.RUnlock()

	frame := Frame{ID: uuid.NewString(), Type: FrameRequest, Input: &input, Options: opts}
	reply := make(chan Frame, 1)

	start := time.Now()
	t.connMu.Lock()
	if t.conn == nil {
		t.connMu.Unlock()
		return nil, t.fail(CodeWebSocketNotConnected, fmt.Errorf("not connected to %s", t.url))
	}
	t.pending[frame.ID] = reply
	err := t.conn.WriteJSON(frame)
	if err != nil {
		delete(t.pending, frame.ID)
	}
	t.connMu.Unlock()
	if err != nil {
		return nil, t.fail(CodeWebSocketSendFailed, err)
	}

	var answer Frame
	select {
	case answer = <-reply:
	case <-ctx.Done():
		t.forget(frame.ID)
		return nil, t.fail(CodeWebSocketSendFailed, ctx.Err())
	}
	latency := time.Since(start)

	switch {
	case answer.Type == FrameError && answer.ID == "":
		return nil, t.fail(CodeWebSocketNotConnected, errConnectionClosed)
	case answer.Type == FrameError:
		return nil, t.fail(CodeWebSocketRemoteError, errors.New(answer.Error))
	case answer.Response == nil:
		return nil, t.fail(CodeWebSocketRemoteError, fmt.Errorf("response frame %s has no response", answer.ID))
	}

	t.recordLatency(latency)
	t.emitMessage(answer.Response)
	return answer.Response, nil
}

// readLoop routes response frames to waiting senders until the socket fails.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			readErr = err
			break
		}
		t.connMu.Lock()
		reply, ok := t.pending[frame.ID]
		delete(t.pending, frame.ID)
		t.connMu.Unlock()
		if !ok {
			logger.Warn("Dropping unmatched websocket frame", "transport", t.Name(), "id", frame.ID, "type", frame.Type)
			continue
		}
		reply <- frame
	}

	t.connMu.Lock()
	closing := t.closing
	pending := t.pending
	t.pending = make(map[string]chan Frame)
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()

	// Wake every sender still waiting; an empty id marks a lost connection.
	for _, reply := range pending {
		reply <- Frame{Type: FrameError, Error: errConnectionClosed.Error()}
	}

	t.updateState(func(state *convtypes.TransportState) {
		state.Connected = false
	})
	if !closing {
		logger.TransportEvent(t.Name(), "connection_lost", "error", readErr)
		t.emitError(newTransportError(t.Name(), CodeWebSocketNotConnected, true, fmt.Errorf("%w: %v", errConnectionClosed, readErr)))
	}
}

func (t *WebSocketTransport) forget(id string) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	delete(t.pending, id)
}

func (t *WebSocketTransport) fail(code string, err error) *TransportError {
	terr := newTransportError(t.Name(), code, true, err)
	logger.TransportEvent(t.Name(), "send_failed", "code", code, "error", err)
	t.emitError(terr)
	return terr
}
