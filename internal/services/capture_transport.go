package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// CaptureTransportService provides HTTP request/response capture for all model backends.
// Capture is scoped by request context: only requests whose context carries an
// ExchangeRecorder are recorded, so concurrent turns never see each other's traffic.
type CaptureTransportService struct {
	initialized bool
	mutex       sync.RWMutex
}

// NewCaptureTransportService creates a new CaptureTransportService instance.
func NewCaptureTransportService() *CaptureTransportService {
	return &CaptureTransportService{}
}

// Name returns the service name "capture-transport" for registration.
func (d *CaptureTransportService) Name() string {
	return "capture-transport"
}

// Initialize sets up the CaptureTransportService for operation.
func (d *CaptureTransportService) Initialize() error {
	logger.ServiceOperation("capture-transport", "initialize", "starting")
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.initialized = true

	logger.ServiceOperation("capture-transport", "initialize", "completed")
	return nil
}

// CreateTransport wraps base (http.DefaultTransport when nil) with capture.
func (d *CaptureTransportService) CreateTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	d.mutex.RLock()
	initialized := d.initialized
	d.mutex.RUnlock()
	if !initialized {
		logger.Error("Capture transport service not initialized")
		return base
	}

	return &captureTransport{base: base}
}

// HTTPClient returns an http.Client using the capturing transport.
func (d *CaptureTransportService) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: d.CreateTransport(nil),
		Timeout:   timeout,
	}
}

// ExchangeRecorder collects the HTTP exchanges made under one context.
type ExchangeRecorder struct {
	mu        sync.Mutex
	exchanges []convtypes.HTTPExchange
}

// Exchanges returns a copy of the recorded exchanges in request order.
func (r *ExchangeRecorder) Exchanges() []convtypes.HTTPExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.exchanges) == 0 {
		return nil
	}
	return append([]convtypes.HTTPExchange(nil), r.exchanges...)
}

func (r *ExchangeRecorder) add(exchange convtypes.HTTPExchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, exchange)
}

type exchangeRecorderKey struct{}

// WithExchangeRecorder returns a context whose outgoing backend requests are recorded.
func WithExchangeRecorder(ctx context.Context) (context.Context, *ExchangeRecorder) {
	recorder := &ExchangeRecorder{}
	return context.WithValue(ctx, exchangeRecorderKey{}, recorder), recorder
}

func exchangeRecorderFrom(ctx context.Context) *ExchangeRecorder {
	recorder, _ := ctx.Value(exchangeRecorderKey{}).(*ExchangeRecorder)
	return recorder
}

// captureTransport implements http.RoundTripper with request/response capture.
type captureTransport struct {
	base http.RoundTripper
}

// RoundTrip implements http.RoundTripper interface with capture.
func (dt *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	recorder := exchangeRecorderFrom(req.Context())
	if recorder == nil {
		return dt.base.RoundTrip(req)
	}

	startTime := time.Now()

	requestData, err := dt.captureRequest(req)
	if err != nil {
		logger.Error("Failed to capture request", "error", err)
		// Continue with request even if capture fails
	}

	resp, err := dt.base.RoundTrip(req)
	exchange := convtypes.HTTPExchange{
		Method:     req.Method,
		URL:        req.URL.String(),
		Request:    requestData,
		DurationMS: time.Since(startTime).Milliseconds(),
	}

	if err != nil {
		exchange.Error = err.Error()
		recorder.add(exchange)
		return resp, err
	}

	responseData, captureErr := dt.captureResponse(resp)
	if captureErr != nil {
		logger.Error("Failed to capture response", "error", captureErr)
		responseData = map[string]any{
			"error": "failed to capture response data",
		}
	}
	exchange.StatusCode = resp.StatusCode
	exchange.Response = responseData
	recorder.add(exchange)

	logger.Debug("HTTP exchange captured", "url", exchange.URL, "status", exchange.StatusCode, "duration_ms", exchange.DurationMS)
	return resp, nil
}

// captureRequest captures HTTP request data.
func (dt *captureTransport) captureRequest(req *http.Request) (map[string]any, error) {
	requestData := map[string]any{
		"headers": sanitizeHeaders(req.Header),
	}

	if req.Body == nil {
		return requestData, nil
	}

	bodyBytes, err := io.ReadAll(req.Body)
	if err != nil {
		return requestData, fmt.Errorf("failed to read request body: %w", err)
	}
	_ = req.Body.Close()

	// Restore the request body for actual transmission
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if len(bodyBytes) > 0 {
		requestData["body"] = decodeBody(bodyBytes)
	}

	return requestData, nil
}

// captureResponse captures HTTP response data.
func (dt *captureTransport) captureResponse(resp *http.Response) (map[string]any, error) {
	responseData := map[string]any{
		"status":  resp.Status,
		"headers": sanitizeHeaders(resp.Header),
	}

	if resp.Body == nil {
		return responseData, nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	// Restore the response body for client consumption
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err != nil {
		return responseData, fmt.Errorf("failed to read response body: %w", err)
	}

	if len(bodyBytes) > 0 {
		responseData["body"] = decodeBody(bodyBytes)
	}

	return responseData, nil
}

// decodeBody returns parsed JSON when possible and the raw text otherwise.
func decodeBody(body []byte) any {
	var jsonBody any
	if err := json.Unmarshal(body, &jsonBody); err == nil {
		return jsonBody
	}
	return string(body)
}

// sanitizeHeaders masks credentials so traces can be shown to admins.
func sanitizeHeaders(headers http.Header) map[string]any {
	sanitized := make(map[string]any, len(headers))

	for name, values := range headers {
		lowerName := strings.ToLower(name)

		if strings.Contains(lowerName, "authorization") ||
			strings.Contains(lowerName, "api-key") ||
			strings.Contains(lowerName, "token") {
			if len(values) > 0 && len(values[0]) > 10 {
				sanitized[name] = []string{values[0][:10] + "***[MASKED]***"}
			} else {
				sanitized[name] = []string{"***[MASKED]***"}
			}
		} else {
			sanitized[name] = values
		}
	}

	return sanitized
}
