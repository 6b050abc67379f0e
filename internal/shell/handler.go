// Package shell wires the conversation core from configuration and runs the
// interactive terminal chat client on top of it.
package shell

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"convcore/internal/config"
	"convcore/internal/logger"
	"convcore/internal/metrics"
	"convcore/internal/recorder"
	"convcore/internal/services"
	"convcore/internal/session"
	"convcore/internal/testutils"
	"convcore/pkg/convtypes"
)

// testModeReply is what the mock backend answers in test mode.
const testModeReply = "This is a test reply. [NavigateTo:conversation-core&section=overview]"

// InitOptions overrides parts of the wiring.
type InitOptions struct {
	// Backend replaces the provider router. Test mode uses a mock backend when nil.
	Backend convtypes.ModelBackend
	// Registerer receives the metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
	// Gatherer serves the metrics. Defaults to the private registry when Registerer is nil.
	Gatherer prometheus.Gatherer
}

// Runtime is the wired conversation core.
type Runtime struct {
	Registry     *services.Registry
	Conversation *services.ConversationService
	Traces       *services.DebugTraceService
	Store        session.Store
	Recorder     *recorder.Store // Nil when no recorder path is configured
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer

	closers []func() error
}

// InitializeServices builds every service from cfg, registers them in a fresh
// registry that also becomes the global one, and initializes them.
func InitializeServices(cfg *config.Config, opts InitOptions) (*Runtime, error) {
	rt := &Runtime{Registry: services.NewRegistry()}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	registerer, gatherer := opts.Registerer, opts.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer, gatherer = registry, registry
	}
	rt.Metrics = metrics.New(registerer)
	rt.Gatherer = gatherer

	capture := services.NewCaptureTransportService()
	if err := capture.Initialize(); err != nil {
		return fail(err)
	}
	catalog := services.NewModelCatalogService()
	rt.Traces = services.NewDebugTraceService(cfg.Debug.Capacity)

	backend := opts.Backend
	if backend == nil {
		if cfg.TestMode {
			backend = testutils.NewMockBackend(testModeReply)
		} else {
			router := services.NewBackendRouterFromConfig(cfg.Providers, catalog, capture.HTTPClient(cfg.Model.BackendTimeout))
			if err := rt.Registry.RegisterService(router); err != nil {
				return fail(err)
			}
			backend = router
		}
	}

	store, err := session.Open(cfg.Session)
	if err != nil {
		return fail(fmt.Errorf("failed to open session store: %w", err))
	}
	rt.Store = store
	rt.closers = append(rt.closers, store.Close)

	contexts, err := rt.newContextService(cfg)
	if err != nil {
		return fail(err)
	}

	convOpts := []services.ConversationOption{
		services.WithContextProvider(contexts),
		services.WithTurnObserver(rt.Metrics),
		services.WithTestMode(cfg.TestMode),
	}
	if cfg.Server.RecorderPath != "" {
		rec, err := recorder.Open(cfg.Server.RecorderPath)
		if err != nil {
			return fail(err)
		}
		rt.Recorder = rec
		rt.closers = append(rt.closers, rt.Recorder.Close)
		convOpts = append(convOpts, services.WithTurnRecorder(rt.Recorder))
	}

	rt.Conversation = services.NewConversationService(backend, rt.Store, rt.Traces, cfg.Model, convOpts...)

	for _, service := range []convtypes.Service{capture, catalog, rt.Traces, contexts, rt.Conversation} {
		if err := rt.Registry.RegisterService(service); err != nil {
			return fail(err)
		}
	}
	if err := rt.Registry.InitializeAll(); err != nil {
		return fail(err)
	}
	services.SetGlobalRegistry(rt.Registry)

	logger.Debug("Services initialized", "services", rt.Registry.Names(), "backend", backend.GetProviderName())
	return rt, nil
}

// newContextService builds the project context provider, backed by Qdrant when configured.
func (rt *Runtime) newContextService(cfg *config.Config) (*services.ProjectContextService, error) {
	opts := services.ProjectContextOptions{
		ProfilePath: cfg.Context.ProfilePath,
		CacheTTL:    cfg.Context.CacheTTL,
		MaxProjects: cfg.Context.MaxProjects,
	}
	if cfg.Context.QdrantURL != "" && !cfg.TestMode {
		embedder := services.NewOpenAIEmbedder(cfg.Providers.OpenAIAPIKey, cfg.Context.EmbeddingModel, nil)
		retriever, err := services.NewQdrantRetriever(services.QdrantConfig{
			URL:            cfg.Context.QdrantURL,
			CollectionName: cfg.Context.QdrantCollection,
			APIKey:         cfg.Context.QdrantAPIKey,
		}, embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to create qdrant retriever: %w", err)
		}
		opts.Retriever = retriever
		rt.closers = append(rt.closers, retriever.Close)
	}
	return services.NewProjectContextService(opts), nil
}

// Close releases the session store, recorder and retriever connections.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
