package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convcore/internal/version"
	"convcore/pkg/convtypes"
)

func TestRemoteProcessor_ProcessInput(t *testing.T) {
	var received ConversationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ConversationPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(convtypes.ConversationResponse{
			Message:            convtypes.ConversationMessage{ID: "a1", Role: convtypes.RoleAssistant, Content: "Remote hello", InputMode: convtypes.ModeVoice},
			NavigationCommands: []convtypes.NavigationCommand{},
			Suggestions:        []string{"one", "two", "three"},
		})
	}))
	defer server.Close()

	limit := 4
	p := NewRemoteProcessor(server.URL+"/", nil)
	resp, err := p.ProcessInput(context.Background(),
		convtypes.ConversationInput{Content: "hi", Mode: convtypes.ModeVoice, SessionID: "r1"},
		&convtypes.ConversationOptions{Model: "gpt-4o-mini", HistoryLimit: &limit},
	)
	require.NoError(t, err)

	assert.Equal(t, "Remote hello", resp.Message.Content)
	assert.Len(t, resp.Suggestions, 3)

	assert.Equal(t, "hi", received.Content)
	assert.Equal(t, convtypes.ModeVoice, received.Mode)
	assert.Equal(t, "r1", received.SessionID)
	require.NotNil(t, received.Options)
	assert.Equal(t, "gpt-4o-mini", received.Options.Model)
	require.NotNil(t, received.Options.HistoryLimit)
	assert.Equal(t, 4, *received.Options.HistoryLimit)
}

func TestRemoteProcessor_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		errContains string
	}{
		{name: "json error body", status: http.StatusBadRequest, body: `{"error":"content must not be empty"}`, errContains: "HTTP error 400: content must not be empty"},
		{name: "plain error body", status: http.StatusBadGateway, body: "upstream gone\n", errContains: "HTTP error 502: upstream gone"},
		{name: "invalid json", status: http.StatusOK, body: "nope", errContains: "failed to parse response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewRemoteProcessor(server.URL, nil).ProcessInput(context.Background(), convtypes.ConversationInput{Content: "x", Mode: convtypes.ModeText, SessionID: "s"}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestRemoteProcessor_Ping(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewRemoteProcessor(server.URL, nil)
	require.NoError(t, p.Ping(context.Background()))

	healthy.Store(false)
	err := p.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestRemoteProcessor_PingVersionCheck(t *testing.T) {
	var advertised atomic.Value
	advertised.Store(version.GetVersion())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(version.HeaderName, advertised.Load().(string))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewRemoteProcessor(server.URL, nil)
	require.NoError(t, p.Ping(context.Background()))

	advertised.Store("99.0.0")
	err := p.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestHTTPTransport_RemoteProcessorUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	tr := NewHTTPTransport(NewRemoteProcessor(url, nil))
	err := tr.Connect(context.Background())

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeHTTPConnectFailed, terr.Code)

	_, err = tr.SendMessage(context.Background(), convtypes.ConversationInput{Content: "x", Mode: convtypes.ModeText, SessionID: "s"})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeHTTPRequestFailed, terr.Code)
}
