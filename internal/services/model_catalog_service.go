package services

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"convcore/internal/data/embedded"
	"convcore/pkg/convtypes"
)

// ModelCatalogEntry describes one model known to convcore.
type ModelCatalogEntry struct {
	Name              string  `yaml:"name" json:"name"`
	DisplayName       string  `yaml:"display_name" json:"display_name"`
	Provider          string  `yaml:"-" json:"provider"`
	ContextWindow     int     `yaml:"context_window" json:"context_window"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok" json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok" json:"output_cost_per_mtok"`
}

// modelCatalogProvider is one provider section of the catalog file.
type modelCatalogProvider struct {
	Provider string              `yaml:"provider"`
	Models   []ModelCatalogEntry `yaml:"models"`
}

type modelCatalogFile struct {
	Providers []modelCatalogProvider `yaml:"providers"`
}

// ModelCatalogService provides model lookups and cost estimation backed by the
// embedded YAML catalog.
type ModelCatalogService struct {
	mu          sync.RWMutex
	data        []byte
	models      []ModelCatalogEntry
	byName      map[string]ModelCatalogEntry
	initialized bool
}

// NewModelCatalogService creates a catalog over the embedded model data.
func NewModelCatalogService() *ModelCatalogService {
	return NewModelCatalogServiceFromData(embedded.ModelCatalogData)
}

// NewModelCatalogServiceFromData creates a catalog over caller-supplied YAML.
func NewModelCatalogServiceFromData(data []byte) *ModelCatalogService {
	return &ModelCatalogService{data: data}
}

// Name returns the service name "model_catalog" for registration.
func (m *ModelCatalogService) Name() string {
	return "model_catalog"
}

// Initialize parses and validates the catalog.
func (m *ModelCatalogService) Initialize() error {
	var file modelCatalogFile
	if err := yaml.Unmarshal(m.data, &file); err != nil {
		return fmt.Errorf("failed to parse model catalog: %w", err)
	}

	var models []ModelCatalogEntry
	byName := make(map[string]ModelCatalogEntry)
	for _, section := range file.Providers {
		for _, model := range section.Models {
			if model.Name == "" {
				return fmt.Errorf("provider %s has a model with empty name", section.Provider)
			}
			model.Provider = section.Provider
			key := m.normalizeName(model.Name)
			if existing, exists := byName[key]; exists {
				return fmt.Errorf("duplicate model name found: '%s' and '%s' (case insensitive)", existing.Name, model.Name)
			}
			byName[key] = model
			models = append(models, model)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
	m.byName = byName
	m.initialized = true
	return nil
}

// GetModelCatalog returns every catalog entry.
func (m *ModelCatalogService) GetModelCatalog() ([]ModelCatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, fmt.Errorf("model catalog service not initialized")
	}
	return append([]ModelCatalogEntry(nil), m.models...), nil
}

// GetModelByName returns a model by its name (case-insensitive lookup).
func (m *ModelCatalogService) GetModelByName(name string) (ModelCatalogEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	model, ok := m.byName[m.normalizeName(name)]
	return model, ok
}

// ProviderForModel returns the provider a catalog model belongs to.
func (m *ModelCatalogService) ProviderForModel(name string) (string, bool) {
	model, ok := m.GetModelByName(name)
	if !ok {
		return "", false
	}
	return model.Provider, true
}

// EstimateCost prices usage for a model. Unknown models cost zero.
func (m *ModelCatalogService) EstimateCost(name string, usage convtypes.TokenUsage) float64 {
	model, ok := m.GetModelByName(name)
	if !ok {
		return 0
	}
	return (float64(usage.PromptTokens)*model.InputCostPerMTok +
		float64(usage.CompletionTokens)*model.OutputCostPerMTok) / 1_000_000
}

// normalizeName folds case for lookups.
func (m *ModelCatalogService) normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
