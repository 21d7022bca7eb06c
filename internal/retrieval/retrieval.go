// Package retrieval ranks indexed chunks for search, question answering, and
// context assembly on top of the vector store.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/graph"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

var tracer = otel.Tracer("recalld/retrieval")

const (
	// codeBoost is the score multiplier applied to code chunks before
	// re-ranking.
	codeBoost = 1.05

	// overfetchFactor preserves k results after dedup-by-file.
	overfetchFactor = 3

	// defaultSemanticWeight balances semantic vs keyword score in the
	// text-match fusion fallback.
	defaultSemanticWeight = 0.7
)

// Engine runs all retrieval operations for a project's collections.
type Engine struct {
	store     vectorstore.Store
	embedder  embeddings.Service
	completer llm.Completer
	graph     *graph.Store
	memories  *memory.Service
	cache     *cache.Cache
	logger    *zap.Logger
}

// New creates the retrieval engine. completer and memories may be nil; the
// operations that need them fail with CONFIGURATION_ERROR.
func New(store vectorstore.Store, embedder embeddings.Service, completer llm.Completer, g *graph.Store, memories *memory.Service, c *cache.Cache, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		completer: completer,
		graph:     g,
		memories:  memories,
		cache:     c,
		logger:    logger.Named("retrieval"),
	}
}

// DefaultCollection is the codebase collection for a project.
func DefaultCollection(project string) string {
	return project + "_codebase"
}

// Result is one ranked chunk.
type Result struct {
	File      string  `json:"file"`
	Content   string  `json:"content"`
	Language  string  `json:"language,omitempty"`
	ChunkType string  `json:"chunkType,omitempty"`
	Score     float32 `json:"score"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
}

// SearchParams are the inputs to Search and SearchHybrid.
type SearchParams struct {
	Query          string   `json:"query"`
	Collection     string   `json:"collection,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Language       string   `json:"language,omitempty"`
	ChunkType      string   `json:"chunkType,omitempty"`
	SemanticWeight *float64 `json:"semanticWeight,omitempty"`
}

func (p *SearchParams) resolve(project string) (collection string, limit int, err error) {
	if err := validate.ProjectName(project); err != nil {
		return "", 0, err
	}
	if err := validate.Required("query", p.Query); err != nil {
		return "", 0, err
	}
	collection = p.Collection
	if collection == "" {
		collection = DefaultCollection(project)
	}
	if err := validate.CollectionName(collection); err != nil {
		return "", 0, err
	}
	limit, err = validate.Limit(p.Limit, 10)
	return collection, limit, err
}

func (p *SearchParams) filter() *vectorstore.Filter {
	f := &vectorstore.Filter{}
	if p.Language != "" {
		f.Must = append(f.Must, vectorstore.Condition{Key: "language", MatchValue: p.Language})
	}
	if p.ChunkType != "" {
		f.Must = append(f.Must, vectorstore.Condition{Key: "chunkType", MatchValue: p.ChunkType})
	}
	return f
}

// Search embeds the query, over-fetches, boosts code chunks, dedups by file,
// and returns the top limit results.
func (e *Engine) Search(ctx context.Context, project string, params SearchParams) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(attribute.String("project", project)))
	defer span.End()

	collection, limit, err := params.resolve(project)
	if err != nil {
		return nil, err
	}

	cacheKey := cache.SearchKey(collection, params.Query,
		fmt.Sprintf("k=%d,lang=%s,ct=%s", limit, params.Language, params.ChunkType))
	if e.cache != nil {
		if v, ok := e.cache.Get(cacheKey); ok {
			if cached, ok := v.([]Result); ok {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				return cached, nil
			}
		}
	}

	vector, err := e.embedder.Embed(ctx, params.Query)
	if err != nil {
		return nil, err
	}

	hits, err := e.store.Search(ctx, collection, vector, overfetchFactor*limit, params.filter(), 0)
	if err != nil {
		return nil, err
	}

	results := rerank(toResults(hits), limit)
	if e.cache != nil {
		e.cache.Set(cache.ScopeProject, cacheKey, results)
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// SearchSimilar finds chunks similar to a code snippet. No boost or dedup:
// near-duplicates across files are the point.
func (e *Engine) SearchSimilar(ctx context.Context, project, code string, limit int, threshold float32) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search_similar")
	defer span.End()

	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("code", code); err != nil {
		return nil, err
	}
	limit, err := validate.Limit(limit, 10)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = 0.7
	}

	vector, err := e.embedder.Embed(ctx, code)
	if err != nil {
		return nil, err
	}
	hits, err := e.store.Search(ctx, DefaultCollection(project), vector, limit, nil, threshold)
	if err != nil {
		return nil, err
	}
	return toResults(hits), nil
}

// GroupedResult is the hits for one value of the group-by field.
type GroupedResult struct {
	Key  string   `json:"key"`
	Hits []Result `json:"hits"`
}

// SearchGrouped returns the top groups by the given payload field, each with
// its top groupSize chunks. Grouping replaces dedup.
func (e *Engine) SearchGrouped(ctx context.Context, project, query, groupBy string, limit, groupSize int) ([]GroupedResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search_grouped")
	defer span.End()

	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("query", query); err != nil {
		return nil, err
	}
	limit, err := validate.Limit(limit, 5)
	if err != nil {
		return nil, err
	}
	if groupBy == "" {
		groupBy = "file"
	}
	if groupSize <= 0 {
		groupSize = 3
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	groups, err := e.store.SearchGroups(ctx, DefaultCollection(project), vector, groupBy, limit, groupSize, nil)
	if err != nil {
		return nil, err
	}

	out := make([]GroupedResult, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupedResult{Key: g.Key, Hits: toResults(g.Hits)})
	}
	return out, nil
}

// GraphSearchResult separates direct hits from graph-expanded neighbours.
type GraphSearchResult struct {
	Results       []Result `json:"results"`
	GraphExpanded []Result `json:"graphExpanded"`
	ExpandedFiles []string `json:"expandedFiles"`
}

// maxExpandedFiles caps how many connected files a graph search pulls chunks
// from.
const maxExpandedFiles = 10

// SearchGraph runs a semantic search, expands the hit files through the
// dependency graph, and returns up to 2 chunks from each connected file.
func (e *Engine) SearchGraph(ctx context.Context, project string, params SearchParams, hops int) (*GraphSearchResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search_graph")
	defer span.End()

	if hops <= 0 {
		hops = 1
	}

	results, err := e.Search(ctx, project, params)
	if err != nil {
		return nil, err
	}

	out := &GraphSearchResult{Results: results, GraphExpanded: []Result{}, ExpandedFiles: []string{}}
	if e.graph == nil {
		return out, nil
	}

	seeds := make([]string, 0, len(results))
	for _, r := range results {
		if r.File != "" {
			seeds = append(seeds, r.File)
		}
	}
	expanded := e.graph.Expand(project, seeds, hops)
	if len(expanded) > maxExpandedFiles {
		expanded = expanded[:maxExpandedFiles]
	}
	out.ExpandedFiles = expanded
	if len(expanded) == 0 {
		return out, nil
	}

	vector, err := e.embedder.Embed(ctx, params.Query)
	if err != nil {
		return nil, err
	}
	collection := params.Collection
	if collection == "" {
		collection = DefaultCollection(project)
	}
	for _, file := range expanded {
		hits, err := e.store.Search(ctx, collection, vector, 2, &vectorstore.Filter{
			Must: []vectorstore.Condition{{Key: "file", MatchValue: file}},
		}, 0)
		if err != nil {
			e.logger.Warn("graph expansion search failed",
				zap.String("file", file), zap.Error(err))
			continue
		}
		out.GraphExpanded = append(out.GraphExpanded, toResults(hits)...)
	}
	span.SetAttributes(
		attribute.Int("seeds", len(seeds)),
		attribute.Int("expanded", len(expanded)))
	return out, nil
}

// toResults maps raw hits into results, reading the chunk payload fields.
func toResults(hits []vectorstore.SearchResult) []Result {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			File:      vectorstore.PayloadString(h.Payload, "file"),
			Content:   vectorstore.PayloadString(h.Payload, "content"),
			Language:  vectorstore.PayloadString(h.Payload, "language"),
			ChunkType: vectorstore.PayloadString(h.Payload, "chunkType"),
			Score:     h.Score,
			StartLine: vectorstore.PayloadInt(h.Payload, "startLine"),
			EndLine:   vectorstore.PayloadInt(h.Payload, "endLine"),
		})
	}
	return out
}

// rerank applies the code boost, sorts, dedups by file, and trims to limit.
func rerank(results []Result, limit int) []Result {
	boosted := make([]Result, len(results))
	copy(boosted, results)
	for i := range boosted {
		if boosted[i].ChunkType == "code" {
			boosted[i].Score *= codeBoost
		}
	}
	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].Score > boosted[j].Score })

	// Highest-scored chunk per file wins; file-less chunks all survive.
	seen := map[string]bool{}
	out := make([]Result, 0, limit)
	for _, r := range boosted {
		if r.File != "" {
			if seen[r.File] {
				continue
			}
			seen[r.File] = true
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// queryKeywords splits a query into fusion keywords, keeping tokens longer
// than two characters.
func queryKeywords(query string) []string {
	var out []string
	for _, tok := range strings.Fields(query) {
		if len(tok) > 2 {
			out = append(out, strings.ToLower(tok))
		}
	}
	return out
}
