package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/validate"
)

const (
	// askFetch/askKeep: over-fetch 24 and answer from the top 8 after
	// boost and dedup.
	askFetch = 24
	askKeep  = 8

	askSystemPrompt = "You are a codebase assistant. Answer strictly from the " +
		"provided code context. Cite file paths when referencing code. If the " +
		"context does not contain the answer, say so instead of guessing."
)

// Answer is a grounded LLM response plus the chunks it was grounded on.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Result `json:"sources"`
}

// Ask answers a natural-language question about the codebase from the top
// retrieved chunks.
func (e *Engine) Ask(ctx context.Context, project, question string) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "retrieval.ask")
	defer span.End()

	if e.completer == nil {
		return nil, errs.Configuration("ask requires an LLM provider")
	}
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("question", question); err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}
	hits, err := e.store.Search(ctx, DefaultCollection(project), vector, askFetch, nil, 0)
	if err != nil {
		return nil, err
	}
	sources := rerank(toResults(hits), askKeep)
	if len(sources) == 0 {
		return &Answer{Answer: "No indexed code matched the question.", Sources: []Result{}}, nil
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nContext:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "--- %s (lines %d-%d)\n%s\n", s.File, s.StartLine, s.EndLine, s.Content)
	}

	answer, err := e.completer.Complete(ctx, b.String(), llm.Options{
		System:      askSystemPrompt,
		Temperature: 0.3,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("sources", len(sources)))
	return &Answer{Answer: answer, Sources: sources}, nil
}

// Explanation is the structured output of Explain.
type Explanation struct {
	Summary         string   `json:"summary"`
	Purpose         string   `json:"purpose"`
	KeyComponents   []string `json:"keyComponents"`
	Dependencies    []string `json:"dependencies"`
	PotentialIssues []string `json:"potentialIssues,omitempty"`
}

const explainPrompt = `Explain the following code. Respond with a JSON object:
  "summary": one-paragraph summary
  "purpose": what problem the code solves
  "keyComponents": array of the main functions, classes, or blocks
  "dependencies": array of external modules or services it relies on
  "potentialIssues": optional array of risks or smells

Code:
`

// Explain produces a structured explanation of a code snippet, optionally
// grounded on related chunks from the project collection. Unparseable LLM
// output degrades to a plain-text summary.
func (e *Engine) Explain(ctx context.Context, project, code string) (*Explanation, error) {
	ctx, span := tracer.Start(ctx, "retrieval.explain")
	defer span.End()

	if e.completer == nil {
		return nil, errs.Configuration("explain requires an LLM provider")
	}
	if err := validate.Required("code", code); err != nil {
		return nil, err
	}

	prompt := explainPrompt + code
	if project != "" {
		if related, err := e.relatedChunks(ctx, project, code, 3); err == nil && related != "" {
			prompt += "\n\nRelated code from the project:\n" + related
		}
	}

	raw, err := e.completer.Complete(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 1024})
	if err != nil {
		return nil, err
	}

	var out Explanation
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil || out.Summary == "" {
		// Unstructured output still carries the explanation.
		return &Explanation{
			Summary:       strings.TrimSpace(raw),
			KeyComponents: []string{},
			Dependencies:  []string{},
		}, nil
	}
	if out.KeyComponents == nil {
		out.KeyComponents = []string{}
	}
	if out.Dependencies == nil {
		out.Dependencies = []string{}
	}
	return &out, nil
}

func (e *Engine) relatedChunks(ctx context.Context, project, code string, limit int) (string, error) {
	vector, err := e.embedder.Embed(ctx, code)
	if err != nil {
		return "", err
	}
	hits, err := e.store.Search(ctx, DefaultCollection(project), vector, limit, nil, 0)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range toResults(hits) {
		fmt.Fprintf(&b, "--- %s\n%s\n", r.File, r.Content)
	}
	return b.String(), nil
}

// FileHit is one file's best evidence for a feature.
type FileHit struct {
	File  string  `json:"file"`
	Score float32 `json:"score"`
	Chunk string  `json:"chunk"`
}

// FeatureResult locates where a feature lives.
type FeatureResult struct {
	MainFiles    []FileHit `json:"mainFiles"`
	RelatedFiles []FileHit `json:"relatedFiles"`
	Explanation  string    `json:"explanation"`
}

const featureSystemPrompt = "You locate features in codebases. Given code " +
	"excerpts, explain concisely where the requested feature is implemented " +
	"and how the files relate."

// FindFeature maps a feature description to its main and related files, with
// an LLM explanation of how they fit together.
func (e *Engine) FindFeature(ctx context.Context, project, feature string) (*FeatureResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.find_feature")
	defer span.End()

	if e.completer == nil {
		return nil, errs.Configuration("find-feature requires an LLM provider")
	}
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("feature", feature); err != nil {
		return nil, err
	}

	vector, err := e.embedder.Embed(ctx, feature)
	if err != nil {
		return nil, err
	}
	hits, err := e.store.Search(ctx, DefaultCollection(project), vector, 10, nil, 0)
	if err != nil {
		return nil, err
	}

	// Best chunk per file, files ordered by that chunk's score.
	best := map[string]FileHit{}
	for _, r := range toResults(hits) {
		if r.File == "" {
			continue
		}
		if cur, ok := best[r.File]; !ok || r.Score > cur.Score {
			best[r.File] = FileHit{File: r.File, Score: r.Score, Chunk: r.Content}
		}
	}
	files := make([]FileHit, 0, len(best))
	for _, h := range best {
		files = append(files, h)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Score > files[j].Score })

	out := &FeatureResult{MainFiles: []FileHit{}, RelatedFiles: []FileHit{}}
	for i, h := range files {
		switch {
		case i < 3:
			out.MainFiles = append(out.MainFiles, h)
		case i < 6:
			out.RelatedFiles = append(out.RelatedFiles, h)
		}
	}
	if len(files) == 0 {
		return out, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\n\n", feature)
	for i, h := range files {
		if i == 5 {
			break
		}
		fmt.Fprintf(&b, "--- %s\n%s\n", h.File, h.Chunk)
	}
	explanation, err := e.completer.Complete(ctx, b.String(), llm.Options{
		System:      featureSystemPrompt,
		Temperature: 0.3,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}
	out.Explanation = explanation
	span.SetAttributes(attribute.Int("files", len(files)))
	return out, nil
}
