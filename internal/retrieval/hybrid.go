package retrieval

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Hybrid search modes reported to the caller.
const (
	ModeNativeSparse    = "native-sparse"
	ModeTextMatchFusion = "text-match-fusion"
)

// HybridResult carries hybrid search hits plus the mode that produced them.
type HybridResult struct {
	Results []Result `json:"results"`
	Mode    string   `json:"mode"`
}

// SearchHybrid fuses semantic and lexical relevance. With sparse vectors
// enabled it fuses natively in the backend; otherwise it falls back to
// in-process keyword fusion over a dense search.
func (e *Engine) SearchHybrid(ctx context.Context, project string, params SearchParams) (*HybridResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search_hybrid")
	defer span.End()

	collection, limit, err := params.resolve(project)
	if err != nil {
		return nil, err
	}

	if e.embedder.SparseEnabled() {
		out, err := e.searchNativeSparse(ctx, collection, params, limit)
		if err == nil {
			span.SetAttributes(attribute.String("mode", out.Mode))
			return out, nil
		}
		e.logger.Warn("native sparse search failed, falling back to keyword fusion",
			zap.Error(err))
	}

	out, err := e.searchTextMatchFusion(ctx, collection, params, limit)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", out.Mode))
	return out, nil
}

func (e *Engine) searchNativeSparse(ctx context.Context, collection string, params SearchParams, limit int) (*HybridResult, error) {
	emb, err := e.embedder.EmbedFull(ctx, params.Query)
	if err != nil {
		return nil, err
	}
	if emb.Sparse == nil {
		return e.searchTextMatchFusion(ctx, collection, params, limit)
	}

	hits, err := e.store.SearchHybrid(ctx, collection, emb.Dense, emb.Sparse, overfetchFactor*limit, params.filter())
	if err != nil {
		return nil, err
	}
	return &HybridResult{
		Results: rerank(toResults(hits), limit),
		Mode:    ModeNativeSparse,
	}, nil
}

// searchTextMatchFusion blends the dense score with the fraction of query
// keywords found in each chunk: score = w·semantic + (1-w)·matched/total.
func (e *Engine) searchTextMatchFusion(ctx context.Context, collection string, params SearchParams, limit int) (*HybridResult, error) {
	w, err := validate.Weight(params.SemanticWeight, defaultSemanticWeight)
	if err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, params.Query)
	if err != nil {
		return nil, err
	}

	dense, err := e.store.Search(ctx, collection, vector, 2*limit, params.filter(), 0)
	if err != nil {
		return nil, err
	}

	keywords := queryKeywords(params.Query)
	merged := make(map[string]vectorstore.SearchResult, len(dense))
	for _, h := range dense {
		merged[h.ID] = h
	}

	// A keyword-filtered pass catches lexical matches the dense search
	// ranked out. The filtered search still scores them by cosine, so they
	// fuse with their real semantic score.
	if len(keywords) > 0 {
		should := make([]vectorstore.Condition, 0, len(keywords))
		for _, kw := range keywords {
			should = append(should, vectorstore.Condition{Key: "content", MatchText: kw})
		}
		filter := params.filter()
		filter.Should = append(filter.Should, should...)
		lexical, err := e.store.Search(ctx, collection, vector, 2*limit, filter, 0)
		if err == nil {
			for _, h := range lexical {
				if _, ok := merged[h.ID]; !ok {
					merged[h.ID] = h
				}
			}
		}
	}

	results := make([]Result, 0, len(merged))
	for _, h := range merged {
		r := toResults([]vectorstore.SearchResult{h})[0]
		r.Score = float32(w)*h.Score + float32(1-w)*keywordScore(r.Content, keywords)
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	return &HybridResult{
		Results: rerank(results, limit),
		Mode:    ModeTextMatchFusion,
	}, nil
}

// keywordScore is the fraction of keywords present in the content.
func keywordScore(content string, keywords []string) float32 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched++
		}
	}
	return float32(matched) / float32(len(keywords))
}
