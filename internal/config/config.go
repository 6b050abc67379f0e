// Package config loads convcore configuration from defaults, .env files,
// an optional YAML config file and environment variables.
//
// Priority (highest to lowest): bound CLI flags > environment variables >
// config file > local .env > config-dir .env > built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every convcore-specific environment variable.
const EnvPrefix = "CONVCORE"

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel string
	LogFile  string
	TestMode bool

	Model     ModelConfig
	Debug     DebugConfig
	Session   SessionConfig
	Server    ServerConfig
	Context   ContextConfig
	Providers ProviderConfig
}

// ModelConfig holds default backend request parameters.
type ModelConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	HistoryLimit   int
	BackendTimeout time.Duration
}

// DebugConfig sizes the debug trace ring buffer.
type DebugConfig struct {
	Capacity int
}

// SessionConfig selects and sizes the conversation state store.
type SessionConfig struct {
	Store    string // "memory" or "redis"
	Capacity int
	IdleTTL  time.Duration
	RedisURL string
	RedisTTL time.Duration
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr         string
	AdminToken   string
	RecorderPath string
}

// ContextConfig configures project context retrieval.
type ContextConfig struct {
	ProfilePath      string
	CacheTTL         time.Duration
	MaxProjects      int
	QdrantURL        string
	QdrantCollection string
	QdrantAPIKey     string
	EmbeddingModel   string
}

// ProviderConfig holds model provider credentials.
type ProviderConfig struct {
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	GeminiAPIKey      string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
}

// LoadOptions tweaks where Load looks for configuration.
type LoadOptions struct {
	ConfigFile string // Explicit config file; empty searches ./convcore.yaml and the config dir
	ConfigDir  string // Overrides the user config directory
	WorkDir    string // Overrides the working directory used for the local .env
	SkipDotEnv bool
}

// envBindings maps viper keys to the environment variables that may set them.
// Provider keys also accept the provider's conventional variable name.
var envBindings = map[string][]string{
	"log.level":                     {"CONVCORE_LOG_LEVEL"},
	"log.file":                      {"CONVCORE_LOG_FILE"},
	"model.default":                 {"CONVCORE_MODEL"},
	"model.temperature":             {"CONVCORE_TEMPERATURE"},
	"model.max_tokens":              {"CONVCORE_MAX_TOKENS"},
	"model.history_limit":           {"CONVCORE_HISTORY_LIMIT"},
	"model.backend_timeout":         {"CONVCORE_BACKEND_TIMEOUT"},
	"debug.capacity":                {"CONVCORE_DEBUG_CAPACITY"},
	"session.store":                 {"CONVCORE_SESSION_STORE"},
	"session.capacity":              {"CONVCORE_SESSION_CAPACITY"},
	"session.idle_ttl":              {"CONVCORE_SESSION_IDLE_TTL"},
	"session.redis_url":             {"CONVCORE_REDIS_URL", "REDIS_URL"},
	"session.redis_ttl":             {"CONVCORE_REDIS_TTL"},
	"server.addr":                   {"CONVCORE_ADDR"},
	"server.admin_token":            {"CONVCORE_ADMIN_TOKEN"},
	"server.recorder_path":          {"CONVCORE_RECORDER_PATH"},
	"context.profile_path":          {"CONVCORE_PROFILE_PATH"},
	"context.cache_ttl":             {"CONVCORE_CONTEXT_CACHE_TTL"},
	"context.max_projects":          {"CONVCORE_CONTEXT_MAX_PROJECTS"},
	"context.qdrant_url":            {"CONVCORE_QDRANT_URL", "QDRANT_URL"},
	"context.qdrant_collection":     {"CONVCORE_QDRANT_COLLECTION"},
	"context.qdrant_api_key":        {"CONVCORE_QDRANT_API_KEY", "QDRANT_API_KEY"},
	"context.embedding_model":       {"CONVCORE_EMBEDDING_MODEL"},
	"providers.openai_api_key":      {"CONVCORE_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"providers.anthropic_api_key":   {"CONVCORE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
	"providers.gemini_api_key":      {"CONVCORE_GEMINI_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"providers.openrouter_api_key":  {"CONVCORE_OPENROUTER_API_KEY", "OPENROUTER_API_KEY"},
	"providers.openrouter_base_url": {"CONVCORE_OPENROUTER_BASE_URL"},
}

// SetDefaults installs built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("test_mode", false)

	v.SetDefault("model.default", "gpt-4o-mini")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_tokens", 1000)
	v.SetDefault("model.history_limit", 20)
	v.SetDefault("model.backend_timeout", 60*time.Second)

	v.SetDefault("debug.capacity", 50)

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.capacity", 10000)
	v.SetDefault("session.idle_ttl", 0)
	v.SetDefault("session.redis_url", "")
	v.SetDefault("session.redis_ttl", 24*time.Hour)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.recorder_path", "")

	v.SetDefault("context.profile_path", "")
	v.SetDefault("context.cache_ttl", 5*time.Minute)
	v.SetDefault("context.max_projects", 5)
	v.SetDefault("context.qdrant_url", "")
	v.SetDefault("context.qdrant_collection", "portfolio")
	v.SetDefault("context.qdrant_api_key", "")
	v.SetDefault("context.embedding_model", "text-embedding-3-small")

	v.SetDefault("providers.openrouter_base_url", "https://openrouter.ai/api/v1")
}

// Load resolves the configuration into a Config.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if !opts.SkipDotEnv {
		if err := loadDotEnvFiles(v, opts); err != nil {
			return nil, err
		}
	}

	if err := readConfigFile(v, opts); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: v.GetString("log.level"),
		LogFile:  v.GetString("log.file"),
		TestMode: v.GetBool("test_mode"),
		Model: ModelConfig{
			Model:          v.GetString("model.default"),
			Temperature:    v.GetFloat64("model.temperature"),
			MaxTokens:      v.GetInt("model.max_tokens"),
			HistoryLimit:   v.GetInt("model.history_limit"),
			BackendTimeout: v.GetDuration("model.backend_timeout"),
		},
		Debug: DebugConfig{
			Capacity: v.GetInt("debug.capacity"),
		},
		Session: SessionConfig{
			Store:    strings.ToLower(v.GetString("session.store")),
			Capacity: v.GetInt("session.capacity"),
			IdleTTL:  v.GetDuration("session.idle_ttl"),
			RedisURL: v.GetString("session.redis_url"),
			RedisTTL: v.GetDuration("session.redis_ttl"),
		},
		Server: ServerConfig{
			Addr:         v.GetString("server.addr"),
			AdminToken:   v.GetString("server.admin_token"),
			RecorderPath: v.GetString("server.recorder_path"),
		},
		Context: ContextConfig{
			ProfilePath:      v.GetString("context.profile_path"),
			CacheTTL:         v.GetDuration("context.cache_ttl"),
			MaxProjects:      v.GetInt("context.max_projects"),
			QdrantURL:        v.GetString("context.qdrant_url"),
			QdrantCollection: v.GetString("context.qdrant_collection"),
			QdrantAPIKey:     v.GetString("context.qdrant_api_key"),
			EmbeddingModel:   v.GetString("context.embedding_model"),
		},
		Providers: ProviderConfig{
			OpenAIAPIKey:      v.GetString("providers.openai_api_key"),
			AnthropicAPIKey:   v.GetString("providers.anthropic_api_key"),
			GeminiAPIKey:      v.GetString("providers.gemini_api_key"),
			OpenRouterAPIKey:  v.GetString("providers.openrouter_api_key"),
			OpenRouterBaseURL: v.GetString("providers.openrouter_base_url"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside a service.
func (c *Config) Validate() error {
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model temperature %.2f out of range [0, 2]", c.Model.Temperature)
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("model max tokens must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Debug.Capacity <= 0 {
		return fmt.Errorf("debug capacity must be positive, got %d", c.Debug.Capacity)
	}
	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.RedisURL == "" {
			return fmt.Errorf("session store redis requires a redis url")
		}
	default:
		return fmt.Errorf("unknown session store %q (expected memory or redis)", c.Session.Store)
	}
	return nil
}

// loadDotEnvFiles applies config-dir .env then local .env values as defaults,
// so real environment variables and the config file still win.
func loadDotEnvFiles(v *viper.Viper, opts LoadOptions) error {
	configDir := opts.ConfigDir
	if configDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			configDir = filepath.Join(dir, "convcore")
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		dir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = dir
	}

	for _, dir := range []string{configDir, workDir} {
		if dir == "" {
			continue
		}
		envMap, err := readDotEnv(filepath.Join(dir, ".env"))
		if err != nil {
			return err
		}
		applyDotEnv(v, envMap)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read .env file %s: %w", path, err)
	}

	envMap, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse .env file %s: %w", path, err)
	}
	return envMap, nil
}

func applyDotEnv(v *viper.Viper, envMap map[string]string) {
	for key, envs := range envBindings {
		for _, env := range envs {
			if value, ok := envMap[env]; ok && value != "" {
				v.SetDefault(key, value)
				break
			}
		}
	}
}

func readConfigFile(v *viper.Viper, opts LoadOptions) error {
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
		return nil
	}

	v.SetConfigName("convcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if opts.ConfigDir != "" {
		v.AddConfigPath(opts.ConfigDir)
	} else if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "convcore"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
