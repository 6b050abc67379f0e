package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convcore/internal/version"
	"convcore/pkg/convtypes"
)

// Paths served by the conversation server.
const (
	ConversationPath = "/api/conversation"
	WebSocketPath    = "/api/conversation/ws"
	HealthPath       = "/healthz"
)

// ConversationRequest is the JSON body of POST /api/conversation.
type ConversationRequest struct {
	convtypes.ConversationInput
	Options *convtypes.ConversationOptions `json:"options,omitempty"`
}

// ErrorBody is the JSON body of every non-2xx server reply.
type ErrorBody struct {
	Error string `json:"error"`
}

// RemoteProcessor implements Processor by posting to a conversation server.
type RemoteProcessor struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteProcessor creates a processor for the server at baseURL. httpClient may be nil.
func NewRemoteProcessor(baseURL string, httpClient *http.Client) *RemoteProcessor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &RemoteProcessor{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ProcessInput implements Processor.
func (p *RemoteProcessor) ProcessInput(ctx context.Context, input convtypes.ConversationInput, opts *convtypes.ConversationOptions) (*convtypes.ConversationResponse, error) {
	payload, err := json.Marshal(ConversationRequest{ConversationInput: input, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ConversationPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errBody ErrorBody
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, errBody.Error)
		}
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var response convtypes.ConversationResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &response, nil
}

// Ping checks the server health endpoint and the server's advertised version.
func (p *RemoteProcessor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: HTTP %d", resp.StatusCode)
	}
	if peer := resp.Header.Get(version.HeaderName); peer != "" && !version.IsCompatible(peer) {
		return fmt.Errorf("server version %s is not compatible with %s", peer, version.GetVersion())
	}
	return nil
}
