package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"convcore/internal/logger"
	"convcore/internal/transport"
)

// handleWebSocket serves transport.Frame requests on one socket. Requests are
// processed concurrently and answered in completion order, matched by id.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	write := func(frame transport.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("WebSocket write failed", "id", frame.ID, "error", err)
		}
	}

	logger.TransportEvent("websocket", "client_connected", "remote", r.RemoteAddr)
	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read ended", "error", err)
			}
			break
		}

		if frame.Type != transport.FrameRequest || frame.Input == nil {
			write(transport.Frame{ID: frame.ID, Type: transport.FrameError, Error: "expected a request frame with input"})
			continue
		}

		inflight.Add(1)
		go func(frame transport.Frame) {
			defer inflight.Done()
			resp, err := s.conversation.ProcessInput(ctx, *frame.Input, frame.Options)
			if err != nil {
				write(transport.Frame{ID: frame.ID, Type: transport.FrameError, Error: err.Error()})
				return
			}
			write(transport.Frame{ID: frame.ID, Type: transport.FrameResponse, Response: resp})
		}(frame)
	}

	cancel()
	inflight.Wait()
	logger.TransportEvent("websocket", "client_disconnected", "remote", r.RemoteAddr)
}
