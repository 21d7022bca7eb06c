package prefetch

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/retrieval"
	"github.com/tidemarklabs/recalld/internal/session"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

type countingEmbedder struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	c.calls = append(c.calls, text)
	c.mu.Unlock()
	sum := sha256.Sum256([]byte(text))
	return []float32{float32(sum[0]) / 255, float32(sum[1]) / 255, float32(sum[2]) / 255}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := c.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (c *countingEmbedder) EmbedFull(ctx context.Context, text string) (*embeddings.Embedding, error) {
	v, _ := c.Embed(ctx, text)
	return &embeddings.Embedding{Dense: v}, nil
}

func (c *countingEmbedder) Dimensions() int     { return 3 }
func (c *countingEmbedder) SparseEnabled() bool { return false }

func (c *countingEmbedder) embedded(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.calls {
		if t == text {
			return true
		}
	}
	return false
}

func TestWarmPrimesCaches(t *testing.T) {
	store := vectorstore.NewFake()
	require.NoError(t, store.CreateCollection(context.Background(), "proj_codebase", 3))

	emb := &countingEmbedder{}
	c := cache.New(cache.Config{MaxEntriesPerTier: 64})
	engine := retrieval.New(store, emb, nil, nil, nil, c, nil)
	loader := New(emb, engine, c, nil)

	sess := &session.Session{
		ID:            "00000000-0000-0000-0000-000000000001",
		Project:       "proj",
		RecentQueries: []string{"q1", "q2", "q3", "q4"},
		CurrentFiles:  []string{"src/a.ts"},
	}
	loader.Warm("proj", sess)

	// Only the trailing three queries are warmed.
	assert.False(t, emb.embedded("q1"))
	assert.True(t, emb.embedded("q2"))
	assert.True(t, emb.embedded("q3"))
	assert.True(t, emb.embedded("q4"))
	assert.True(t, emb.embedded("src/a.ts"), "file-scoped search embeds the file query")

	// The session object lands in the cache.
	v, ok := c.Get(cache.SessionKey("proj", sess.ID))
	require.True(t, ok)
	assert.Equal(t, sess, v)

	// Warmed searches are served from cache afterwards.
	store.FailWith = assert.AnError
	results, err := engine.Search(context.Background(), "proj", retrieval.SearchParams{Query: "q4"})
	require.NoError(t, err)
	assert.NotNil(t, results)
}

func TestWarmSwallowsBackendFailures(t *testing.T) {
	store := vectorstore.NewFake()
	store.FailWith = assert.AnError

	emb := &countingEmbedder{}
	engine := retrieval.New(store, emb, nil, nil, nil, nil, nil)
	loader := New(emb, engine, nil, nil)

	// Must not panic or error even with the backend down.
	loader.Warm("proj", &session.Session{
		ID:            "00000000-0000-0000-0000-000000000002",
		Project:       "proj",
		RecentQueries: []string{"broken"},
	})
}
