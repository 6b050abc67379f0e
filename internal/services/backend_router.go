package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"convcore/internal/config"
	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// ErrNoBackend is returned when no registered backend serves a model.
var ErrNoBackend = errors.New("no backend for model")

// BackendRouter implements ModelBackend by dispatching each request to the
// backend of the provider that serves the requested model.
type BackendRouter struct {
	mu       sync.RWMutex
	backends map[string]convtypes.ModelBackend
	catalog  *ModelCatalogService
}

// NewBackendRouter creates an empty router. catalog may be nil, in which case
// models are resolved by name prefix only and costs are not estimated.
func NewBackendRouter(catalog *ModelCatalogService) *BackendRouter {
	return &BackendRouter{
		backends: make(map[string]convtypes.ModelBackend),
		catalog:  catalog,
	}
}

// NewBackendRouterFromConfig registers a backend for every supported provider.
// Providers without an API key are still registered and fail at call time.
func NewBackendRouterFromConfig(providers config.ProviderConfig, catalog *ModelCatalogService, httpClient *http.Client) *BackendRouter {
	router := NewBackendRouter(catalog)

	openaiClient := NewOpenAIClient(providers.OpenAIAPIKey)
	anthropicClient := NewAnthropicClient(providers.AnthropicAPIKey)
	geminiClient := NewGeminiClient(providers.GeminiAPIKey)
	if httpClient != nil {
		openaiClient.SetHTTPClient(httpClient)
		anthropicClient.SetHTTPClient(httpClient)
		geminiClient.SetHTTPClient(httpClient)
	}

	router.Register(openaiClient)
	router.Register(anthropicClient)
	router.Register(geminiClient)
	router.Register(NewOpenAICompatibleClient(OpenAICompatibleConfig{
		ProviderName: "openrouter",
		APIKey:       providers.OpenRouterAPIKey,
		BaseURL:      providers.OpenRouterBaseURL,
		Headers: map[string]string{
			"X-Title": "convcore",
		},
		HTTPClient: httpClient,
	}))

	return router
}

// Name returns the service name "backend_router" for registration.
func (r *BackendRouter) Name() string {
	return "backend_router"
}

// Initialize logs which providers are ready.
func (r *BackendRouter) Initialize() error {
	logger.ServiceOperation("backend_router", "initialize", "configured", r.ConfiguredProviders())
	return nil
}

// Register adds or replaces the backend for its provider.
func (r *BackendRouter) Register(backend convtypes.ModelBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.GetProviderName()] = backend
}

// GetProviderName returns "router".
func (r *BackendRouter) GetProviderName() string {
	return "router"
}

// IsConfigured returns true if any registered backend can make requests.
func (r *BackendRouter) IsConfigured() bool {
	return len(r.ConfiguredProviders()) > 0
}

// ConfiguredProviders lists providers that have credentials, sorted.
func (r *BackendRouter) ConfiguredProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, backend := range r.backends {
		if backend.IsConfigured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ResolveProvider returns the provider that serves model.
// Order: catalog entry, "provider/model" vendor prefix (served by openrouter), name prefix.
func (r *BackendRouter) ResolveProvider(model string) (string, error) {
	if r.catalog != nil {
		if provider, ok := r.catalog.ProviderForModel(model); ok {
			return provider, nil
		}
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "/"):
		return "openrouter", nil
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "chatgpt-"):
		return "openai", nil
	case strings.HasPrefix(lower, "claude"):
		return "anthropic", nil
	case strings.HasPrefix(lower, "gemini"):
		return "gemini", nil
	}

	return "", fmt.Errorf("%w %q", ErrNoBackend, model)
}

// Chat routes the request and fills in provider and cost on the response.
func (r *BackendRouter) Chat(ctx context.Context, req *convtypes.ChatRequest) (*convtypes.ChatResponse, error) {
	provider, err := r.ResolveProvider(req.Model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	backend, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q: provider %s not registered", ErrNoBackend, req.Model, provider)
	}

	logger.Debug("Routing chat request", "provider", provider, "model", req.Model)
	resp, err := backend.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Provider == "" {
		resp.Provider = provider
	}
	if resp.Cost == 0 && r.catalog != nil {
		// Providers report dated model names; price by the requested alias when needed.
		resp.Cost = r.catalog.EstimateCost(resp.Model, resp.TokensUsed)
		if resp.Cost == 0 {
			resp.Cost = r.catalog.EstimateCost(req.Model, resp.TokensUsed)
		}
	}
	return resp, nil
}
