// Package llm provides text completion for answer synthesis, explanation,
// and memory extraction, backed by Ollama or OpenAI through langchaingo.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
)

// Provider names accepted in configuration.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Options tune one completion call.
type Options struct {
	// System is the system prompt. Empty means none.
	System string

	// Temperature controls sampling randomness.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Completer generates a completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Config selects and configures the provider.
type Config struct {
	Provider string
	Model    string

	// OllamaURL is the Ollama server for the ollama provider.
	OllamaURL string

	// APIKey authenticates the openai provider.
	APIKey string

	// Timeout bounds each completion call.
	Timeout time.Duration
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderOllama
	}
	if c.Model == "" {
		switch c.Provider {
		case ProviderOpenAI:
			c.Model = "gpt-4o-mini"
		default:
			c.Model = "qwen2.5:7b"
		}
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return errs.Configuration(fmt.Sprintf("unknown llm provider %q", c.Provider))
	}
	if c.Provider == ProviderOpenAI && c.APIKey == "" {
		return errs.Configuration("openai provider requires an api key")
	}
	return nil
}

// client wraps a langchaingo model with the llm circuit breaker and retry.
type client struct {
	model   llms.Model
	breaker *reliability.Breaker
	retry   reliability.RetryConfig
	logger  *zap.Logger
}

var _ Completer = (*client)(nil)

// New builds the completer for the configured provider.
func New(cfg Config, breakers *reliability.Registry, logger *zap.Logger) (Completer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var model llms.Model
	var err error
	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithServerURL(cfg.OllamaURL),
			ollama.WithModel(cfg.Model),
		)
	case ProviderOpenAI:
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", cfg.Provider, err)
	}

	retry := reliability.DefaultRetryConfig()
	retry.Timeout = cfg.Timeout

	return &client{
		model:   model,
		breaker: breakers.Get(reliability.DepLLM),
		retry:   retry,
		logger:  logger.Named("llm"),
	}, nil
}

// Complete generates a completion for the prompt.
func (c *client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	messages := []llms.MessageContent{}
	if opts.System != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, opts.System))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, prompt))

	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	var out string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return reliability.WithRetry(ctx, "llm", c.retry, func(ctx context.Context) error {
			resp, err := c.model.GenerateContent(ctx, messages, callOpts...)
			if err != nil {
				return errs.External(reliability.DepLLM, err)
			}
			if len(resp.Choices) == 0 {
				return errs.External(reliability.DepLLM, fmt.Errorf("empty completion"))
			}
			out = resp.Choices[0].Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ExtractJSON strips markdown code fences that chat models wrap around JSON
// output, returning the innermost object or array text.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}
