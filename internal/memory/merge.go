package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// defaultMergeThreshold is the similarity above which two memories of the
// same type are considered duplicates.
const defaultMergeThreshold = 0.9

// mergeCandidateLimit is the default bound on how many active memories a
// single merge pass scans.
const mergeCandidateLimit = 500

// MergeParams are the inputs to MergeMemories.
type MergeParams struct {
	Type      string   `json:"type,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	DryRun    bool     `json:"dryRun,omitempty"`

	// Limit bounds how many active memories the pass scans. Zero means the
	// default of 500.
	Limit int `json:"limit,omitempty"`
}

// MergeCluster describes one duplicate group: the canonical survivor plus
// the memories it retires.
type MergeCluster struct {
	CanonicalID string   `json:"canonicalId"`
	Content     string   `json:"content"`
	Count       int      `json:"count"`
	Items       []string `json:"items"`
	Superseded  []string `json:"superseded"`
}

// MergeResult reports what a merge pass did (or would do, for dry runs).
type MergeResult struct {
	Merged   int            `json:"merged"`
	Clusters []MergeCluster `json:"clusters"`
	DryRun   bool           `json:"dryRun"`
}

// MergeMemories clusters near-duplicate active memories and retires all but
// the newest in each cluster by setting supersededBy. Superseded memories
// are never deleted. One merge per project at a time; a concurrent call
// fails with CONFLICT.
func (s *Service) MergeMemories(ctx context.Context, project string, params MergeParams) (*MergeResult, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.OneOf("type", params.Type, true, Types...); err != nil {
		return nil, err
	}
	threshold, err := validate.ClusterThreshold(params.Threshold, defaultMergeThreshold)
	if err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit < 0 {
		return nil, errs.Validationf("limit must be positive, got %d", limit)
	}
	if limit == 0 {
		limit = mergeCandidateLimit
	}

	lock := s.mergeLock(project)
	if !lock.TryLock() {
		return nil, errs.Conflict("merge already running for project " + project)
	}
	defer lock.Unlock()

	collection := CollectionName(project)
	filter := &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "supersededBy", IsEmpty: true}},
	}
	if params.Type != "" {
		filter.Must = append(filter.Must, vectorstore.Condition{Key: "type", MatchValue: params.Type})
	}

	candidates, err := s.store.Scroll(ctx, collection, filter, limit)
	if err != nil {
		return nil, err
	}

	memories := make(map[string]Memory, len(candidates))
	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		memories[c.ID] = memoryFromPayload(c.ID, c.Payload)
		order = append(order, c.ID)
	}

	result := &MergeResult{DryRun: params.DryRun, Clusters: []MergeCluster{}}
	claimed := map[string]bool{}

	for _, id := range order {
		if claimed[id] {
			continue
		}
		seed := memories[id]

		similar, err := s.store.Recommend(ctx, collection, []string{id}, nil, 20)
		if err != nil {
			return nil, err
		}

		cluster := []Memory{seed}
		for _, hit := range similar {
			if hit.Score < float32(threshold) || claimed[hit.ID] {
				continue
			}
			other, ok := memories[hit.ID]
			if !ok || other.Type != seed.Type {
				continue
			}
			cluster = append(cluster, other)
		}
		if len(cluster) < 2 {
			continue
		}

		// Newest wins; the rest point at it.
		sort.Slice(cluster, func(i, j int) bool {
			return cluster[i].UpdatedAt.After(cluster[j].UpdatedAt)
		})
		canonical := cluster[0]

		mc := MergeCluster{
			CanonicalID: canonical.ID,
			Content:     canonical.Content,
			Count:       len(cluster),
		}
		for _, m := range cluster {
			claimed[m.ID] = true
			mc.Items = append(mc.Items, m.ID)
			if m.ID == canonical.ID {
				continue
			}
			mc.Superseded = append(mc.Superseded, m.ID)
		}

		if !params.DryRun {
			now := s.now().UTC().Format(time.RFC3339)
			for _, loser := range mc.Superseded {
				if err := s.store.SetPayload(ctx, collection, loser, map[string]any{
					"supersededBy": canonical.ID,
					"updatedAt":    now,
				}); err != nil {
					return nil, err
				}
			}
		}
		result.Merged += len(mc.Superseded)
		result.Clusters = append(result.Clusters, mc)
	}

	s.logger.Info("merge pass complete",
		zap.String("project", project),
		zap.Int("merged", result.Merged),
		zap.Bool("dryRun", params.DryRun))
	return result, nil
}

func (s *Service) mergeLock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.mergeLocks[project]
	if !ok {
		lock = &sync.Mutex{}
		s.mergeLocks[project] = lock
	}
	return lock
}

// BatchError reports one failed item of a batch remember.
type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult is the outcome of BatchRemember: stored memories plus
// per-item failures.
type BatchResult struct {
	Saved  []Memory     `json:"saved"`
	Errors []BatchError `json:"errors,omitempty"`
}

// BatchRemember stores many memories in one call, embedding them as a
// batch. Invalid items are skipped and reported; valid ones still land.
func (s *Service) BatchRemember(ctx context.Context, project string, items []RememberParams) (*BatchResult, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errs.Validationf("batch must contain at least one memory")
	}

	result := &BatchResult{}
	now := s.now().UTC()

	var pending []Memory
	var texts []string
	for i := range items {
		if err := items[i].validate(); err != nil {
			result.Errors = append(result.Errors, BatchError{Index: i, Error: err.Error()})
			continue
		}
		m := Memory{
			ID:         s.newID(),
			Project:    project,
			Type:       items[i].Type,
			Content:    items[i].Content,
			Tags:       items[i].Tags,
			RelatedTo:  items[i].RelatedTo,
			Source:     items[i].Source,
			Confidence: items[i].Confidence,
			Validated:  items[i].Validated,
			Metadata:   items[i].Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if m.Type == TypeTodo {
			m.Status = TodoPending
			m.StatusHistory = []StatusChange{{Status: TodoPending, At: now}}
		}
		pending = append(pending, m)
		texts = append(texts, embedText(m.Type, m.Content))
	}
	if len(pending) == 0 {
		return result, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	collection := CollectionName(project)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	points := make([]vectorstore.Point, 0, len(pending))
	for i, m := range pending {
		points = append(points, vectorstore.Point{
			ID:      m.ID,
			Vector:  vectors[i],
			Payload: m.payload(),
		})
	}
	if err := s.store.Upsert(ctx, collection, points); err != nil {
		return nil, err
	}

	result.Saved = pending
	return result, nil
}

const extractPrompt = `Extract durable memories from the conversation below. Return a JSON array where each element has:
  "type": one of "decision", "insight", "context", "todo", "note"
  "content": a single self-contained statement
  "tags": optional array of short lowercase tags

Only extract facts worth recalling in future sessions: decisions made, lessons learned, project context, and outstanding work. Skip pleasantries and transient detail. Return [] if nothing qualifies.

Conversation:
`

type extractedItem struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Extract asks the LLM to mine durable memories out of a conversation
// transcript and stores them with Source "extraction".
func (s *Service) Extract(ctx context.Context, project, conversation string) (*BatchResult, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("conversation", conversation); err != nil {
		return nil, err
	}
	if s.completer == nil {
		return nil, errs.Configuration("memory extraction requires an LLM provider")
	}

	raw, err := s.completer.Complete(ctx, extractPrompt+conversation, llm.Options{
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var extracted []extractedItem
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &extracted); err != nil {
		return nil, errs.External("llm", err)
	}
	if len(extracted) == 0 {
		return &BatchResult{}, nil
	}

	items := make([]RememberParams, 0, len(extracted))
	for _, e := range extracted {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		items = append(items, RememberParams{
			Type:    Type(e.Type),
			Content: e.Content,
			Tags:    e.Tags,
			Source:  "extraction",
		})
	}
	if len(items) == 0 {
		return &BatchResult{}, nil
	}
	return s.BatchRemember(ctx, project, items)
}
