package retrieval

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Context-pack facets.
const (
	FacetSemantic = "semantic"
	FacetMemory   = "memory"
	FacetTests    = "tests"
	FacetGraph    = "graph"
)

// defaultPackBudget is the token budget when the caller does not supply one.
const defaultPackBudget = 4000

// PackParams configure a context pack.
type PackParams struct {
	Task            string `json:"task"`
	TokenBudget     int    `json:"tokenBudget,omitempty"`
	IncludeMemories bool   `json:"includeMemories,omitempty"`
	IncludeTests    bool   `json:"includeTests,omitempty"`
	IncludeGraph    bool   `json:"includeGraph,omitempty"`
}

// PackItem is one packed chunk with its facet attribution.
type PackItem struct {
	Facet   string  `json:"facet"`
	File    string  `json:"file,omitempty"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Tokens  int     `json:"tokens"`
}

// ContextPack is the assembled bundle.
type ContextPack struct {
	Items       []PackItem     `json:"items"`
	TotalTokens int            `json:"totalTokens"`
	TokenBudget int            `json:"tokenBudget"`
	Facets      map[string]int `json:"facets"`
}

// estimateTokens approximates the token count of a text at four characters
// per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// BuildContextPack gathers candidates from every enabled facet, re-ranks
// them together, and packs greedily until the token budget is spent.
func (e *Engine) BuildContextPack(ctx context.Context, project string, params PackParams) (*ContextPack, error) {
	ctx, span := tracer.Start(ctx, "retrieval.context_pack",
		trace.WithAttributes(attribute.String("project", project)))
	defer span.End()

	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("task", params.Task); err != nil {
		return nil, err
	}
	budget := params.TokenBudget
	if budget <= 0 {
		budget = defaultPackBudget
	}

	vector, err := e.embedder.Embed(ctx, params.Task)
	if err != nil {
		return nil, err
	}
	collection := DefaultCollection(project)

	var candidates []PackItem

	semantic, err := e.store.Search(ctx, collection, vector, 12, nil, 0)
	if err != nil {
		return nil, err
	}
	semanticResults := rerank(toResults(semantic), 12)
	for _, r := range semanticResults {
		candidates = append(candidates, packItem(FacetSemantic, r.File, r.Content, r.Score))
	}

	if params.IncludeMemories && e.memories != nil {
		recalled, err := e.memories.Recall(ctx, project, memory.RecallParams{
			Query: params.Task,
			Type:  string(memory.TypeDecision),
			Limit: 5,
		})
		if err != nil {
			e.logger.Debug("memory facet skipped", zap.Error(err))
		} else {
			for _, r := range recalled {
				candidates = append(candidates, packItem(FacetMemory, "", r.Memory.Content, r.Score))
			}
		}
	}

	if params.IncludeTests {
		hits, err := e.store.Search(ctx, collection, vector, 8, nil, 0)
		if err == nil {
			for _, r := range toResults(hits) {
				if isTestFile(r.File) {
					candidates = append(candidates, packItem(FacetTests, r.File, r.Content, r.Score))
				}
			}
		}
	}

	if params.IncludeGraph && e.graph != nil {
		var seeds []string
		for _, r := range semanticResults {
			if r.File != "" {
				seeds = append(seeds, r.File)
			}
		}
		expanded := e.graph.Expand(project, seeds, 1)
		if len(expanded) > maxExpandedFiles {
			expanded = expanded[:maxExpandedFiles]
		}
		for _, file := range expanded {
			hits, err := e.store.Search(ctx, collection, vector, 1, &vectorstore.Filter{
				Must: []vectorstore.Condition{{Key: "file", MatchValue: file}},
			}, 0)
			if err != nil || len(hits) == 0 {
				continue
			}
			r := toResults(hits)[0]
			candidates = append(candidates, packItem(FacetGraph, r.File, r.Content, r.Score))
		}
	}

	// All facets compete on score; dedup on file+content keeps a chunk from
	// entering twice through different facets.
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	pack := &ContextPack{Items: []PackItem{}, TokenBudget: budget, Facets: map[string]int{}}
	seen := map[string]bool{}
	for _, c := range candidates {
		key := c.File + "\x00" + c.Content
		if seen[key] {
			continue
		}
		if pack.TotalTokens+c.Tokens > budget {
			continue
		}
		seen[key] = true
		pack.Items = append(pack.Items, c)
		pack.TotalTokens += c.Tokens
		pack.Facets[c.Facet]++
	}

	span.SetAttributes(
		attribute.Int("items", len(pack.Items)),
		attribute.Int("tokens", pack.TotalTokens))
	return pack, nil
}

func packItem(facet, file, content string, score float32) PackItem {
	return PackItem{
		Facet:   facet,
		File:    file,
		Content: content,
		Score:   score,
		Tokens:  estimateTokens(content),
	}
}

func isTestFile(file string) bool {
	base := file
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_")
}
