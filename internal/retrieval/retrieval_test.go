package retrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/graph"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

type stubEmbedder struct {
	vectors map[string][]float32
	sparse  bool
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	sum := sha256.Sum256([]byte(text))
	return []float32{float32(sum[0]) / 255, float32(sum[1]) / 255, float32(sum[2]) / 255}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedFull(ctx context.Context, text string) (*embeddings.Embedding, error) {
	v, err := s.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	emb := &embeddings.Embedding{Dense: v}
	if s.sparse {
		emb.Sparse = &vectorstore.SparseVector{Indices: []uint32{1}, Values: []float32{1}}
	}
	return emb, nil
}

func (s *stubEmbedder) Dimensions() int     { return 3 }
func (s *stubEmbedder) SparseEnabled() bool { return s.sparse }

type stubCompleter struct {
	response   string
	err        error
	lastPrompt string
	lastOpts   llm.Options
}

func (s *stubCompleter) Complete(_ context.Context, prompt string, opts llm.Options) (string, error) {
	s.lastPrompt = prompt
	s.lastOpts = opts
	return s.response, s.err
}

type chunk struct {
	id        string
	vector    []float32
	file      string
	content   string
	chunkType string
}

func seed(t *testing.T, store *vectorstore.Fake, collection string, chunks []chunk) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, collection, 3))
	points := make([]vectorstore.Point, 0, len(chunks))
	for i, c := range chunks {
		id := c.id
		if id == "" {
			id = fmt.Sprintf("00000000-0000-0000-0000-%012d", i+1)
		}
		ct := c.chunkType
		if ct == "" {
			ct = "code"
		}
		points = append(points, vectorstore.Point{
			ID:     id,
			Vector: c.vector,
			Payload: map[string]any{
				"file":      c.file,
				"content":   c.content,
				"language":  "typescript",
				"chunkType": ct,
				"startLine": 1,
				"endLine":   10,
			},
		})
	}
	require.NoError(t, store.Upsert(ctx, collection, points))
}

func TestSearchBoostsAndDedups(t *testing.T) {
	store := vectorstore.NewFake()
	query := []float32{1, 0, 0}
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "docs/readme.md", content: "overview", chunkType: "docs"},
		{vector: []float32{0.97, 0.24311, 0}, file: "src/auth.ts", content: "token check"},
		{vector: []float32{0.9, 0.43589, 0}, file: "src/auth.ts", content: "weaker chunk"},
		{vector: []float32{0.5, 0.86603, 0}, file: "src/other.ts", content: "unrelated"},
	})
	emb := &stubEmbedder{vectors: map[string][]float32{"auth token": query}}
	eng := New(store, emb, nil, nil, nil, nil, nil)

	results, err := eng.Search(context.Background(), "proj", SearchParams{Query: "auth token", Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// The code chunk at raw 0.97 overtakes the docs chunk at 1.0 once
	// boosted to ~1.0185.
	assert.Equal(t, "src/auth.ts", results[0].File)
	assert.Equal(t, "token check", results[0].Content, "dedup keeps the best chunk per file")
	assert.Equal(t, "docs/readme.md", results[1].File)
	assert.Equal(t, "src/other.ts", results[2].File)
}

func TestSearchUsesCache(t *testing.T) {
	store := vectorstore.NewFake()
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "a.ts", content: "hit"},
	})
	c := cache.New(cache.Config{MaxEntriesPerTier: 16})
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng := New(store, emb, nil, nil, nil, c, nil)

	first, err := eng.Search(context.Background(), "proj", SearchParams{Query: "q"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A backend outage does not break repeat queries.
	store.FailWith = errors.New("backend down")
	second, err := eng.Search(context.Background(), "proj", SearchParams{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchHybridTextMatchFusion(t *testing.T) {
	store := vectorstore.NewFake()
	query := []float32{1, 0, 0}
	seed(t, store, "proj_codebase", []chunk{
		// Strong semantic match, no keywords.
		{vector: []float32{0.95, 0.31225, 0}, file: "a.ts", content: "completely different words", chunkType: "docs"},
		// Weaker semantic match, 2 of 3 keywords.
		{vector: []float32{0.9, 0.43589, 0}, file: "b.ts", content: "retry with backoff applied", chunkType: "docs"},
	})
	emb := &stubEmbedder{vectors: map[string][]float32{"retry backoff logic": query}}
	eng := New(store, emb, nil, nil, nil, nil, nil)

	out, err := eng.SearchHybrid(context.Background(), "proj", SearchParams{
		Query: "retry backoff logic", Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeTextMatchFusion, out.Mode)
	require.Len(t, out.Results, 2)

	// b.ts: 0.7*0.9 + 0.3*(2/3) = 0.83 beats a.ts: 0.7*0.95 = 0.665.
	assert.Equal(t, "b.ts", out.Results[0].File)
	assert.InDelta(t, 0.83, float64(out.Results[0].Score), 0.01)
	assert.Equal(t, "a.ts", out.Results[1].File)
	assert.InDelta(t, 0.665, float64(out.Results[1].Score), 0.01)
}

func TestSearchHybridKeywordOnlyHitsKeepSemanticScore(t *testing.T) {
	store := vectorstore.NewFake()
	chunks := []chunk{
		// Strong semantic match, no keywords.
		{vector: []float32{0.9, 0.43589, 0}, file: "a.ts", content: "session token handling", chunkType: "docs"},
		// Both keywords.
		{vector: []float32{0.8, 0.6, 0}, file: "b.ts", content: "auth middleware chain", chunkType: "docs"},
		// One keyword, and crowded out of the dense pass by the fillers
		// below: only the keyword-filtered search surfaces it.
		{vector: []float32{0.4, 0.91652, 0}, file: "c.ts", content: "auth helpers", chunkType: "docs"},
	}
	for i := 0; i < 5; i++ {
		chunks = append(chunks, chunk{
			vector:    []float32{0.5, 0.86603, 0},
			file:      fmt.Sprintf("filler%d.ts", i),
			content:   "unrelated plumbing",
			chunkType: "docs",
		})
	}
	seed(t, store, "proj_codebase", chunks)
	emb := &stubEmbedder{vectors: map[string][]float32{"auth middleware": {1, 0, 0}}}
	eng := New(store, emb, nil, nil, nil, nil, nil)

	out, err := eng.SearchHybrid(context.Background(), "proj", SearchParams{
		Query: "auth middleware", Limit: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeTextMatchFusion, out.Mode)
	require.Len(t, out.Results, 3)

	// b.ts: 0.7*0.8 + 0.3*1 = 0.86; a.ts: 0.7*0.9 = 0.63; c.ts arrives only
	// through the keyword pass and keeps its 0.4 cosine score:
	// 0.7*0.4 + 0.3*0.5 = 0.43.
	assert.Equal(t, "b.ts", out.Results[0].File)
	assert.InDelta(t, 0.86, float64(out.Results[0].Score), 0.01)
	assert.Equal(t, "a.ts", out.Results[1].File)
	assert.InDelta(t, 0.63, float64(out.Results[1].Score), 0.01)
	assert.Equal(t, "c.ts", out.Results[2].File)
	assert.InDelta(t, 0.43, float64(out.Results[2].Score), 0.01)
}

func TestSearchHybridNativeSparse(t *testing.T) {
	store := vectorstore.NewFake()
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "a.ts", content: "sparse hit"},
	})
	emb := &stubEmbedder{sparse: true, vectors: map[string][]float32{"q": {1, 0, 0}}}
	eng := New(store, emb, nil, nil, nil, nil, nil)

	out, err := eng.SearchHybrid(context.Background(), "proj", SearchParams{Query: "q", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeNativeSparse, out.Mode)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "a.ts", out.Results[0].File)
}

func TestSearchSimilarThreshold(t *testing.T) {
	store := vectorstore.NewFake()
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "a.ts", content: "near copy"},
		{vector: []float32{0.5, 0.86603, 0}, file: "b.ts", content: "distant"},
	})
	emb := &stubEmbedder{vectors: map[string][]float32{"snippet": {1, 0, 0}}}
	eng := New(store, emb, nil, nil, nil, nil, nil)

	results, err := eng.SearchSimilar(context.Background(), "proj", "snippet", 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 1, "default threshold 0.7 drops the distant chunk")
	assert.Equal(t, "a.ts", results[0].File)
}

func TestSearchGraphExpandsNeighbours(t *testing.T) {
	store := vectorstore.NewFake()
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "src/api.ts", content: "handler"},
		{vector: []float32{0.1, 0.99499, 0}, file: "src/db.ts", content: "queries"},
	})
	g := graph.NewStore()
	g.Replace("proj", []graph.Edge{
		{FromFile: "src/api.ts", ToFile: "src/db.ts", Type: graph.EdgeImports},
	})
	emb := &stubEmbedder{vectors: map[string][]float32{"api handler": {1, 0, 0}}}
	eng := New(store, emb, nil, g, nil, nil, nil)

	out, err := eng.SearchGraph(context.Background(), "proj", SearchParams{
		Query: "api handler", Limit: 1,
	}, 1)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "src/api.ts", out.Results[0].File)
	assert.Equal(t, []string{"src/db.ts"}, out.ExpandedFiles)
	require.Len(t, out.GraphExpanded, 1)
	assert.Equal(t, "src/db.ts", out.GraphExpanded[0].File)
}

func TestAsk(t *testing.T) {
	store := vectorstore.NewFake()
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "src/auth.ts", content: "verifyToken checks the JWT"},
	})
	completer := &stubCompleter{response: "Tokens are verified in src/auth.ts."}
	emb := &stubEmbedder{vectors: map[string][]float32{"how are tokens verified?": {1, 0, 0}}}
	eng := New(store, emb, completer, nil, nil, nil, nil)

	answer, err := eng.Ask(context.Background(), "proj", "how are tokens verified?")
	require.NoError(t, err)
	assert.Equal(t, "Tokens are verified in src/auth.ts.", answer.Answer)
	require.Len(t, answer.Sources, 1)
	assert.Contains(t, completer.lastPrompt, "verifyToken checks the JWT")
	assert.Contains(t, completer.lastPrompt, "src/auth.ts")
	assert.Equal(t, 0.3, completer.lastOpts.Temperature)
	assert.Equal(t, 2048, completer.lastOpts.MaxTokens)
}

func TestExplainParsesStructuredOutput(t *testing.T) {
	completer := &stubCompleter{response: "```json\n" +
		`{"summary":"Verifies JWTs","purpose":"auth","keyComponents":["verifyToken"],"dependencies":["jsonwebtoken"]}` +
		"\n```"}
	eng := New(vectorstore.NewFake(), &stubEmbedder{}, completer, nil, nil, nil, nil)

	out, err := eng.Explain(context.Background(), "", "function verifyToken() {}")
	require.NoError(t, err)
	assert.Equal(t, "Verifies JWTs", out.Summary)
	assert.Equal(t, "auth", out.Purpose)
	assert.Equal(t, []string{"verifyToken"}, out.KeyComponents)
	assert.Equal(t, []string{"jsonwebtoken"}, out.Dependencies)
}

func TestExplainFallsBackToRawText(t *testing.T) {
	completer := &stubCompleter{response: "This function verifies tokens."}
	eng := New(vectorstore.NewFake(), &stubEmbedder{}, completer, nil, nil, nil, nil)

	out, err := eng.Explain(context.Background(), "", "function f() {}")
	require.NoError(t, err)
	assert.Equal(t, "This function verifies tokens.", out.Summary)
	assert.Empty(t, out.Purpose)
	assert.NotNil(t, out.KeyComponents)
	assert.NotNil(t, out.Dependencies)
}

func TestFindFeature(t *testing.T) {
	store := vectorstore.NewFake()
	var chunks []chunk
	for i := 0; i < 7; i++ {
		x := 1 - float32(i)*0.05
		y := sqrt32(1 - x*x)
		chunks = append(chunks, chunk{
			vector:  []float32{x, y, 0},
			file:    fmt.Sprintf("src/f%d.ts", i),
			content: fmt.Sprintf("chunk %d", i),
		})
	}
	seed(t, store, "proj_codebase", chunks)
	completer := &stubCompleter{response: "The feature lives in f0 through f2."}
	emb := &stubEmbedder{vectors: map[string][]float32{"rate limiting": {1, 0, 0}}}
	eng := New(store, emb, completer, nil, nil, nil, nil)

	out, err := eng.FindFeature(context.Background(), "proj", "rate limiting")
	require.NoError(t, err)
	require.Len(t, out.MainFiles, 3)
	require.Len(t, out.RelatedFiles, 3)
	assert.Equal(t, "src/f0.ts", out.MainFiles[0].File)
	assert.Equal(t, "src/f3.ts", out.RelatedFiles[0].File)
	assert.Equal(t, "The feature lives in f0 through f2.", out.Explanation)

	// The explanation prompt covers exactly the top five files.
	assert.Contains(t, completer.lastPrompt, "src/f4.ts")
	assert.NotContains(t, completer.lastPrompt, "src/f5.ts")
}

func TestBuildContextPack(t *testing.T) {
	store := vectorstore.NewFake()
	long := strings.Repeat("x", 400) // ~100 tokens
	seed(t, store, "proj_codebase", []chunk{
		{vector: []float32{1, 0, 0}, file: "src/pay.ts", content: long},
		{vector: []float32{0.97, 0.24311, 0}, file: "src/pay.test.ts", content: long},
		{vector: []float32{0.9, 0.43589, 0}, file: "src/fees.ts", content: long},
	})
	g := graph.NewStore()
	g.Replace("proj", []graph.Edge{
		{FromFile: "src/pay.ts", ToFile: "src/fees.ts", Type: graph.EdgeImports},
	})
	emb := &stubEmbedder{vectors: map[string][]float32{"billing work": {1, 0, 0}}}
	mem := memory.New(store, emb, nil, nil)
	_, err := mem.Remember(context.Background(), "proj", memory.RememberParams{
		Type: memory.TypeDecision, Content: "billing uses Stripe",
	})
	require.NoError(t, err)

	eng := New(store, emb, nil, g, mem, nil, nil)
	pack, err := eng.BuildContextPack(context.Background(), "proj", PackParams{
		Task:            "billing work",
		TokenBudget:     250,
		IncludeMemories: true,
		IncludeTests:    true,
		IncludeGraph:    true,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, pack.TotalTokens, 250)
	assert.NotEmpty(t, pack.Items)
	assert.Positive(t, pack.Facets[FacetSemantic])

	// The memory is tiny so it always fits inside the leftover budget.
	assert.Positive(t, pack.Facets[FacetMemory])
	for _, item := range pack.Items {
		if item.Facet == FacetMemory {
			assert.Equal(t, "billing uses Stripe", item.Content)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("ab"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("x", 100)))
}

func sqrt32(v float32) float32 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 20; i++ {
		x = (x + v/x) / 2
	}
	return x
}
