package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// relatedThreshold is the minimum similarity for best-effort relationship
// detection on remember.
const relatedThreshold = 0.85

// quarantineAge is how old an unvalidated memory must be to appear in the
// quarantine view.
const quarantineAge = 14 * 24 * time.Hour

// Service is the memory store.
type Service struct {
	store     vectorstore.Store
	embedder  embeddings.Service
	completer llm.Completer
	logger    *zap.Logger

	// mergeLocks serialises merges per project; a busy lock means CONFLICT.
	mu         sync.Mutex
	mergeLocks map[string]*sync.Mutex

	// now is swappable for decay tests.
	now   func() time.Time
	newID func() string
}

// New creates the memory service. completer may be nil when LLM extraction
// is not configured.
func New(store vectorstore.Store, embedder embeddings.Service, completer llm.Completer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		embedder:   embedder,
		completer:  completer,
		logger:     logger.Named("memory"),
		mergeLocks: make(map[string]*sync.Mutex),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// CollectionName returns the memory collection for a project.
func CollectionName(project string) string {
	return project + "_agent_memory"
}

// RememberParams are the inputs to Remember.
type RememberParams struct {
	Type       Type           `json:"type"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	RelatedTo  string         `json:"relatedTo,omitempty"`
	Source     string         `json:"source,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Validated  bool           `json:"validated,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (p *RememberParams) validate() error {
	if err := validate.Required("content", p.Content); err != nil {
		return err
	}
	return validate.OneOf("type", string(p.Type), false, Types...)
}

// Remember embeds and stores one memory. Todos start pending with an opening
// status-history entry. Relationship detection is best-effort and never
// fails the write.
func (s *Service) Remember(ctx context.Context, project string, params RememberParams) (*Memory, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := Memory{
		ID:         s.newID(),
		Project:    project,
		Type:       params.Type,
		Content:    params.Content,
		Tags:       params.Tags,
		RelatedTo:  params.RelatedTo,
		Source:     params.Source,
		Confidence: params.Confidence,
		Validated:  params.Validated,
		Metadata:   params.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.Type == TypeTodo {
		m.Status = TodoPending
		m.StatusHistory = []StatusChange{{Status: TodoPending, At: now}}
	}

	vector, err := s.embedder.Embed(ctx, embedText(m.Type, m.Content))
	if err != nil {
		return nil, err
	}

	collection := CollectionName(project)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	if m.RelatedTo == "" {
		if related := s.nearestActive(ctx, collection, vector); related != "" {
			m.RelatedTo = related
		}
	}

	if err := s.store.Upsert(ctx, collection, []vectorstore.Point{{
		ID:      m.ID,
		Vector:  vector,
		Payload: m.payload(),
	}}); err != nil {
		return nil, err
	}
	s.logger.Debug("memory stored",
		zap.String("project", project),
		zap.String("type", string(m.Type)),
		zap.String("id", m.ID))
	return &m, nil
}

// nearestActive returns the id of the most similar active memory above the
// relationship threshold, or empty. Errors are swallowed.
func (s *Service) nearestActive(ctx context.Context, collection string, vector []float32) string {
	results, err := s.store.Search(ctx, collection, vector, 1, &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "supersededBy", IsEmpty: true}},
	}, relatedThreshold)
	if err != nil || len(results) == 0 {
		return ""
	}
	if results[0].Score < relatedThreshold {
		return ""
	}
	return results[0].ID
}

// RecallParams are the inputs to Recall.
type RecallParams struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// RecallResult pairs a memory with its decay-adjusted score.
type RecallResult struct {
	Memory Memory  `json:"memory"`
	Score  float32 `json:"score"`
}

// Recall searches memories, drops superseded ones, applies aging decay to
// unvalidated results, and returns the top limit by adjusted score.
func (s *Service) Recall(ctx context.Context, project string, params RecallParams) ([]RecallResult, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.Required("query", params.Query); err != nil {
		return nil, err
	}
	if err := validate.OneOf("type", params.Type, true, Types...); err != nil {
		return nil, err
	}
	limit, err := validate.Limit(params.Limit, 10)
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, params.Query)
	if err != nil {
		return nil, err
	}

	filter := &vectorstore.Filter{}
	if params.Type != "" {
		filter.Must = append(filter.Must, vectorstore.Condition{Key: "type", MatchValue: params.Type})
	}
	if params.Tag != "" {
		filter.Must = append(filter.Must, vectorstore.Condition{Key: "tags", MatchValue: params.Tag})
	}

	results, err := s.store.Search(ctx, CollectionName(project), vector, 2*limit, filter, 0)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]RecallResult, 0, len(results))
	for _, r := range results {
		m := memoryFromPayload(r.ID, r.Payload)
		if !m.Active() {
			continue
		}
		out = append(out, RecallResult{
			Memory: m,
			Score:  r.Score * agingDecay(m, now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// agingDecay computes the score multiplier for a memory. Validated memories
// never decay; unvalidated ones lose 5% per full 30-day period past day 30,
// floored at 0.5.
func agingDecay(m Memory, now time.Time) float32 {
	if m.Validated || m.CreatedAt.IsZero() {
		return 1
	}
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays < 30 {
		return 1
	}
	periods := math.Floor((ageDays - 30) / 30)
	return float32(math.Max(0.5, 1-0.05*periods))
}

// List returns active memories matching the optional type and tag filters.
func (s *Service) List(ctx context.Context, project, memType, tag string, limit int) ([]Memory, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}
	if err := validate.OneOf("type", memType, true, Types...); err != nil {
		return nil, err
	}
	limit, err := validate.Limit(limit, 50)
	if err != nil {
		return nil, err
	}

	filter := &vectorstore.Filter{}
	if memType != "" {
		filter.Must = append(filter.Must, vectorstore.Condition{Key: "type", MatchValue: memType})
	}
	if tag != "" {
		filter.Must = append(filter.Must, vectorstore.Condition{Key: "tags", MatchValue: tag})
	}

	results, err := s.store.Scroll(ctx, CollectionName(project), filter, 2*limit)
	if err != nil {
		return nil, err
	}

	out := make([]Memory, 0, len(results))
	for _, r := range results {
		m := memoryFromPayload(r.ID, r.Payload)
		if !m.Active() {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Forget hard-deletes a memory. Backend errors are swallowed: the result
// only reports whether the delete went through.
func (s *Service) Forget(ctx context.Context, project, id string) bool {
	err := s.store.Delete(ctx, CollectionName(project), []string{id})
	if err != nil {
		s.logger.Warn("forget failed", zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}

// ForgetByType deletes every memory of a type and returns how many went.
func (s *Service) ForgetByType(ctx context.Context, project, memType string) (int, error) {
	if err := validate.OneOf("type", memType, false, Types...); err != nil {
		return 0, err
	}
	return s.store.DeleteByFilter(ctx, CollectionName(project), &vectorstore.Filter{
		Must: []vectorstore.Condition{{Key: "type", MatchValue: memType}},
	})
}

// UpdateTodoStatus transitions a todo through the state machine and appends
// to its status history. Illegal transitions fail with VALIDATION_ERROR.
func (s *Service) UpdateTodoStatus(ctx context.Context, project, id string, status TodoStatus, note string) (*Memory, error) {
	switch status {
	case TodoPending, TodoInProgress, TodoDone, TodoCancelled:
	default:
		return nil, errs.Validationf("invalid todo status %q", status)
	}

	collection := CollectionName(project)
	results, err := s.store.Retrieve(ctx, collection, []string{id})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errs.NotFound("memory", id)
	}

	m := memoryFromPayload(id, results[0].Payload)
	if m.Type != TypeTodo {
		return nil, errs.Validationf("memory %s is not a todo", id)
	}
	if !transitionAllowed(m.Status, status) {
		return nil, errs.Validation("illegal todo transition", map[string]any{
			"from": string(m.Status),
			"to":   string(status),
		})
	}

	now := s.now().UTC()
	if m.Status != status {
		m.Status = status
		m.StatusHistory = append(m.StatusHistory, StatusChange{Status: status, Note: note, At: now})
		m.UpdatedAt = now

		if err := s.store.SetPayload(ctx, collection, id, map[string]any{
			"status":        string(status),
			"statusHistory": historyPayload(m.StatusHistory),
			"updatedAt":     now.Format(time.RFC3339),
		}); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func historyPayload(history []StatusChange) []any {
	out := make([]any, 0, len(history))
	for _, h := range history {
		entry := map[string]any{
			"status": string(h.Status),
			"at":     h.At.UTC().Format(time.RFC3339),
		}
		if h.Note != "" {
			entry["note"] = h.Note
		}
		out = append(out, entry)
	}
	return out
}

// ValidateMemory patches the validated flag.
func (s *Service) ValidateMemory(ctx context.Context, project, id string, validated bool) error {
	return s.store.SetPayload(ctx, CollectionName(project), id, map[string]any{
		"validated": validated,
		"updatedAt": s.now().UTC().Format(time.RFC3339),
	})
}

// Unvalidated returns memories awaiting human review.
func (s *Service) Unvalidated(ctx context.Context, project string, limit int) ([]Memory, error) {
	limit, err := validate.Limit(limit, 50)
	if err != nil {
		return nil, err
	}
	results, err := s.store.Scroll(ctx, CollectionName(project), &vectorstore.Filter{
		MustNot: []vectorstore.Condition{{Key: "validated", MatchValue: true}},
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(results))
	for _, r := range results {
		m := memoryFromPayload(r.ID, r.Payload)
		if m.Active() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Quarantine returns unvalidated memories older than 14 days.
func (s *Service) Quarantine(ctx context.Context, project string, limit int) ([]Memory, error) {
	candidates, err := s.Unvalidated(ctx, project, 100)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-quarantineAge)

	var out []Memory
	for _, m := range candidates {
		if !m.CreatedAt.IsZero() && m.CreatedAt.Before(cutoff) {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Stats aggregates memory counts by type.
func (s *Service) Stats(ctx context.Context, project string) (map[string]int, error) {
	return s.store.AggregateByField(ctx, CollectionName(project), "type")
}

func (s *Service) ensureCollection(ctx context.Context, collection string) error {
	if err := s.store.CreateCollection(ctx, collection, 0); err != nil {
		return fmt.Errorf("preparing collection %s: %w", collection, err)
	}
	if err := s.store.EnsurePayloadIndexes(ctx, collection); err != nil {
		return fmt.Errorf("preparing payload indexes for %s: %w", collection, err)
	}
	return nil
}
