// Package config provides configuration loading for recalld.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RECALLD_SERVER_HTTP_PORT, ...), plus the legacy
//     flat names clients already set (PROJECT_NAME, VECTOR_SIZE, ...)
//  2. YAML config file (optional)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	LLM        LLMConfig        `koanf:"llm"`
	Index      IndexConfig      `koanf:"index"`
	Cache      CacheConfig      `koanf:"cache"`
	Session    SessionConfig    `koanf:"session"`
	Confluence ConfluenceConfig `koanf:"confluence"`
	Project    ProjectConfig    `koanf:"project"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	APIKey          Secret        `koanf:"api_key"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// QdrantConfig holds vector store backend configuration.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"grpc_port"`
	UseTLS         bool   `koanf:"use_tls"`
	APIKey         Secret `koanf:"api_key"`
	VectorSize     int    `koanf:"vector_size"`
	SparseVectors  bool   `koanf:"sparse_vectors_enabled"`
	MaxMessageSize int    `koanf:"max_message_size"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	// Provider is bgem3 or ollama.
	Provider string `koanf:"provider"`
	BGEM3URL string `koanf:"bge_m3_url"`
	// OllamaURL also serves the LLM when LLM.Provider is ollama.
	OllamaURL string `koanf:"ollama_url"`
	Model     string `koanf:"model"`
	BatchSize int    `koanf:"batch_size"`
}

// LLMConfig holds completion model configuration.
type LLMConfig struct {
	// Provider is ollama or openai.
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
}

// IndexConfig holds ingestion pipeline configuration.
type IndexConfig struct {
	// DrainWindow is how long the previous collection version survives after
	// a zero-downtime alias swap.
	DrainWindow     time.Duration `koanf:"drain_window"`
	WatchDebounce   time.Duration `koanf:"watch_debounce"`
	MaxFileSizeKB   int           `koanf:"max_file_size_kb"`
	ExcludePatterns []string      `koanf:"exclude_patterns"`
}

// CacheConfig holds the three-tier cache configuration.
type CacheConfig struct {
	MaxEntriesPerTier int           `koanf:"max_entries_per_tier"`
	EmbeddingTTL      time.Duration `koanf:"embedding_ttl"`
	SearchTTL         time.Duration `koanf:"search_ttl"`
	SessionTTL        time.Duration `koanf:"session_ttl"`
}

// SessionConfig holds session service configuration.
type SessionConfig struct {
	MaxFiles   int  `koanf:"max_files"`
	MaxQueries int  `koanf:"max_queries"`
	Prefetch   bool `koanf:"prefetch_enabled"`
}

// ConfluenceConfig holds Confluence connector configuration.
type ConfluenceConfig struct {
	BaseURL  string `koanf:"base_url"`
	Email    string `koanf:"email"`
	APIToken Secret `koanf:"api_token"`
}

// ProjectConfig holds the default project scope.
type ProjectConfig struct {
	Name string `koanf:"name"`
	Path string `koanf:"path"`
}

// defaults is the base configuration document. File and environment override it.
var defaults = []byte(`
server:
  host: 0.0.0.0
  http_port: 8080
  shutdown_timeout: 10s
  request_timeout: 30s
log:
  level: info
  format: json
qdrant:
  host: localhost
  grpc_port: 6334
  vector_size: 1024
  sparse_vectors_enabled: false
  max_message_size: 52428800
embedding:
  provider: bgem3
  bge_m3_url: http://localhost:8008
  ollama_url: http://localhost:11434
  model: bge-m3
  batch_size: 64
llm:
  provider: ollama
  model: qwen2.5-coder:14b
index:
  drain_window: 30s
  watch_debounce: 500ms
  max_file_size_kb: 1024
  exclude_patterns: [node_modules, .git, vendor, dist, build, target, __pycache__]
cache:
  max_entries_per_tier: 4096
  embedding_ttl: 24h
  search_ttl: 10m
  session_ttl: 1h
session:
  max_files: 20
  max_queries: 50
  prefetch_enabled: true
`)

// legacyEnv maps the flat environment names the spec's clients already set to
// their koanf paths.
var legacyEnv = map[string]string{
	"PROJECT_NAME":           "project.name",
	"PROJECT_PATH":           "project.path",
	"EMBEDDING_PROVIDER":     "embedding.provider",
	"BGE_M3_URL":             "embedding.bge_m3_url",
	"OLLAMA_URL":             "embedding.ollama_url",
	"LLM_PROVIDER":           "llm.provider",
	"VECTOR_SIZE":            "qdrant.vector_size",
	"SPARSE_VECTORS_ENABLED": "qdrant.sparse_vectors_enabled",
	"LOG_LEVEL":              "log.level",
	"QDRANT_HOST":            "qdrant.host",
	"QDRANT_GRPC_PORT":       "qdrant.grpc_port",
	"CONFLUENCE_BASE_URL":    "confluence.base_url",
	"CONFLUENCE_EMAIL":       "confluence.email",
	"CONFLUENCE_API_TOKEN":   "confluence.api_token",
	"API_KEY":                "server.api_key",
}

// Load loads configuration from defaults, an optional YAML file, and the
// environment. configPath may be empty.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	// RECALLD_SERVER_HTTP_PORT -> server.http_port
	if err := k.Load(env.Provider("RECALLD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RECALLD_")
		s = strings.ToLower(s)
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	for name, path := range legacyEnv {
		if v := os.Getenv(name); v != "" {
			if err := k.Set(path, v); err != nil {
				return nil, fmt.Errorf("applying %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for fields zeroed by partial overrides.
func (c *Config) ApplyDefaults() {
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 64 {
		c.Embedding.BatchSize = 64
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Index.DrainWindow <= 0 {
		c.Index.DrainWindow = 30 * time.Second
	}
	if c.Session.MaxFiles <= 0 {
		c.Session.MaxFiles = 20
	}
	if c.Session.MaxQueries <= 0 {
		c.Session.MaxQueries = 50
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host required")
	}
	if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.Qdrant.VectorSize)
	}
	switch c.Embedding.Provider {
	case "bgem3", "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}
