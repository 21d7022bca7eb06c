package reliability

import (
	"sync"
	"time"
)

// Registry holds one breaker per downstream dependency.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	onChange func(name string, from, to State)
}

// Dependency names with pre-configured breaker settings.
const (
	DepEmbedding   = "embedding"
	DepLLM         = "llm"
	DepVectorStore = "vectorStore"
	DepConfluence  = "confluence"
)

var preconfigured = map[string]BreakerConfig{
	DepEmbedding:   {FailureThreshold: 3, OpenTimeout: 30 * time.Second},
	DepLLM:         {FailureThreshold: 3, OpenTimeout: 60 * time.Second},
	DepVectorStore: {FailureThreshold: 5, OpenTimeout: 15 * time.Second},
	DepConfluence:  {FailureThreshold: 3, OpenTimeout: 60 * time.Second},
}

// NewRegistry creates a registry. onChange, when non-nil, observes every
// state transition of every breaker (used for metrics).
func NewRegistry(onChange func(name string, from, to State)) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		onChange: onChange,
	}
}

// Get returns the breaker for name, creating it on first use. Known
// dependencies get their pre-configured thresholds; unknown names get
// defaults. The optional cfg overrides both.
func (r *Registry) Get(name string, cfg ...BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	c, ok := preconfigured[name]
	if !ok {
		c = BreakerConfig{}
	}
	if len(cfg) > 0 {
		c = cfg[0]
	}
	c.OnStateChange = r.onChange

	b := NewBreaker(name, c)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's current state.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
