// Package embeddings provides dense and sparse text embedding backed by a
// BGE-M3 server or Ollama.
//
// All providers sit behind the Service interface. The production service
// wraps the provider with the embedding circuit breaker, retry, and the
// global embedding cache keyed by content hash.
package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Provider names accepted in configuration.
const (
	ProviderBGEM3  = "bgem3"
	ProviderOllama = "ollama"
)

// Embedding is the full output of one embed call.
type Embedding struct {
	Dense  []float32
	Sparse *vectorstore.SparseVector
}

// Service embeds text for indexing and retrieval.
type Service interface {
	// Embed returns the dense vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns dense vectors for a batch, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedFull returns dense plus sparse vectors when the provider supports
	// lexical weights; Sparse is nil otherwise.
	EmbedFull(ctx context.Context, text string) (*Embedding, error)

	// Dimensions is the dense vector size.
	Dimensions() int

	// SparseEnabled reports whether EmbedFull produces sparse vectors.
	SparseEnabled() bool
}

// Config selects and configures the provider.
type Config struct {
	Provider string

	// BGEM3URL is the BGE-M3 HTTP endpoint.
	BGEM3URL string

	// OllamaURL and OllamaModel configure the Ollama fallback provider.
	OllamaURL   string
	OllamaModel string

	// VectorSize is the expected dense dimensionality.
	VectorSize int

	// Sparse enables lexical-weight output. Only BGE-M3 supports it.
	Sparse bool

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderBGEM3
	}
	if c.BGEM3URL == "" {
		c.BGEM3URL = "http://localhost:8007"
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.OllamaModel == "" {
		c.OllamaModel = "nomic-embed-text"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1024
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderBGEM3, ProviderOllama:
	default:
		return errs.Configuration(fmt.Sprintf("unknown embedding provider %q", c.Provider))
	}
	if c.Sparse && c.Provider != ProviderBGEM3 {
		return errs.Configuration("sparse vectors require the bgem3 provider")
	}
	return nil
}

// New builds the production service: provider + breaker + retry + cache.
func New(cfg Config, breakers *reliability.Registry, c *cache.Cache, logger *zap.Logger) (Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var provider Service
	switch cfg.Provider {
	case ProviderBGEM3:
		provider = newBGEM3(cfg)
	case ProviderOllama:
		provider = newOllama(cfg)
	}

	return &service{
		provider: provider,
		breaker:  breakers.Get(reliability.DepEmbedding),
		retry:    reliability.DefaultRetryConfig(),
		cache:    c,
		logger:   logger.Named("embeddings"),
	}, nil
}

// service decorates a provider with reliability and caching.
type service struct {
	provider Service
	breaker  *reliability.Breaker
	retry    reliability.RetryConfig
	cache    *cache.Cache
	logger   *zap.Logger
}

var _ Service = (*service)(nil)

func (s *service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(text)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			if vec, ok := v.([]float32); ok {
				return vec, nil
			}
		}
	}

	var vec []float32
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		vec, err = s.provider.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(cache.ScopeGlobal, key, vec)
	}
	return vec, nil
}

func (s *service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if s.cache != nil {
			if v, ok := s.cache.Get(cache.EmbeddingKey(text)); ok {
				if vec, ok := v.([]float32); ok {
					out[i] = vec
					continue
				}
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var vecs [][]float32
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = s.provider.EmbedBatch(ctx, missing)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, errs.External(reliability.DepEmbedding,
			fmt.Errorf("expected %d vectors, got %d", len(missing), len(vecs)))
	}

	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		if s.cache != nil {
			s.cache.Set(cache.ScopeGlobal, cache.EmbeddingKey(missing[j]), vec)
		}
	}
	return out, nil
}

func (s *service) EmbedFull(ctx context.Context, text string) (*Embedding, error) {
	var emb *Embedding
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		emb, err = s.provider.EmbedFull(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil && emb != nil {
		s.cache.Set(cache.ScopeGlobal, cache.EmbeddingKey(text), emb.Dense)
	}
	return emb, nil
}

func (s *service) Dimensions() int { return s.provider.Dimensions() }

func (s *service) SparseEnabled() bool { return s.provider.SparseEnabled() }

func (s *service) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return reliability.WithRetry(ctx, "embedding", s.retry, fn)
	})
}
