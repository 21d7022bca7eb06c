// Package session tracks per-session working context: files in play, recent
// queries, tool usage, and decisions, with cache write-through and a
// vector-store mirror.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/validate"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Bounded-list limits. Lists truncate FIFO once full.
const (
	maxCurrentFiles  = 20
	maxRecentQueries = 50

	// resumeQueryTail is how many trailing queries a resumed session
	// inherits.
	resumeQueryTail = 5
)

// Session is the working context of one agent session.
type Session struct {
	ID               string         `json:"id"`
	Project          string         `json:"project"`
	StartedAt        time.Time      `json:"startedAt"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	ResumedFrom      string         `json:"resumedFrom,omitempty"`
	CurrentFiles     []string       `json:"currentFiles"`
	RecentQueries    []string       `json:"recentQueries"`
	ToolsUsed        map[string]int `json:"toolsUsed"`
	ActiveFeatures   []string       `json:"activeFeatures"`
	Decisions        []string       `json:"decisions"`
	PendingLearnings []string       `json:"pendingLearnings"`
	ChangedFiles     []string       `json:"changedFiles"`
}

// Summary is returned when a session ends.
type Summary struct {
	SessionID      string        `json:"sessionId"`
	Duration       time.Duration `json:"duration"`
	ToolsUsed      []string      `json:"toolsUsed"`
	FilesTouched   []string      `json:"filesTouched"`
	QueryCount     int           `json:"queryCount"`
	LearningsSaved int           `json:"learningsSaved"`
	DecisionsSaved int           `json:"decisionsSaved"`
	Summary        string        `json:"summary"`
}

// Prefetcher warms caches with likely-next lookups. Implementations must be
// safe for concurrent use; Warm is called fire-and-forget.
type Prefetcher interface {
	Warm(project string, s *Session)
}

// Service manages session lifecycle and activity.
type Service struct {
	store      vectorstore.Store
	embedder   embeddings.Service
	cache      *cache.Cache
	memories   *memory.Service
	prefetcher Prefetcher
	logger     *zap.Logger

	// mu serialises writes per session id.
	mu       sync.Mutex
	sessions map[string]*Session
	gaps     map[string]*gapRing

	now   func() time.Time
	newID func() string
}

// New creates the session service. prefetcher and memories may be nil.
func New(store vectorstore.Store, embedder embeddings.Service, c *cache.Cache, memories *memory.Service, prefetcher Prefetcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		embedder:   embedder,
		cache:      c,
		memories:   memories,
		prefetcher: prefetcher,
		logger:     logger.Named("session"),
		sessions:   make(map[string]*Session),
		gaps:       make(map[string]*gapRing),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// CollectionName returns the session mirror collection for a project.
func CollectionName(project string) string {
	return project + "_sessions"
}

// Start opens a session. With resumeFrom set, the new session inherits the
// previous session's files, trailing queries, and decisions.
func (s *Service) Start(ctx context.Context, project, resumeFrom string) (*Session, error) {
	if err := validate.ProjectName(project); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:               s.newID(),
		Project:          project,
		StartedAt:        s.now().UTC(),
		CurrentFiles:     []string{},
		RecentQueries:    []string{},
		ToolsUsed:        map[string]int{},
		ActiveFeatures:   []string{},
		Decisions:        []string{},
		PendingLearnings: []string{},
		ChangedFiles:     []string{},
	}

	if resumeFrom != "" {
		prev, err := s.Get(ctx, project, resumeFrom)
		if err != nil {
			return nil, err
		}
		sess.ResumedFrom = prev.ID
		sess.CurrentFiles = append(sess.CurrentFiles, prev.CurrentFiles...)
		sess.Decisions = append(sess.Decisions, prev.Decisions...)
		tail := prev.RecentQueries
		if len(tail) > resumeQueryTail {
			tail = tail[len(tail)-resumeQueryTail:]
		}
		sess.RecentQueries = append(sess.RecentQueries, tail...)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.persist(ctx, sess)
	s.warm(sess)
	s.logger.Info("session started",
		zap.String("project", project),
		zap.String("session", sess.ID),
		zap.String("resumedFrom", resumeFrom))
	return snapshot(sess), nil
}

// Activity records one unit of session activity.
type Activity struct {
	Files    []string `json:"files,omitempty"`
	Changed  []string `json:"changed,omitempty"`
	Query    string   `json:"query,omitempty"`
	Tool     string   `json:"tool,omitempty"`
	Feature  string   `json:"feature,omitempty"`
	Decision string   `json:"decision,omitempty"`
	Learning string   `json:"learning,omitempty"`
}

// RecordActivity applies an activity to a session and refreshes the mirror.
func (s *Service) RecordActivity(ctx context.Context, project, id string, act Activity) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.Project != project {
		s.mu.Unlock()
		return nil, errs.NotFound("session", id)
	}
	if sess.EndedAt != nil {
		s.mu.Unlock()
		return nil, errs.Conflict("session " + id + " already ended")
	}

	for _, f := range act.Files {
		sess.CurrentFiles = appendBounded(sess.CurrentFiles, f, maxCurrentFiles)
	}
	for _, f := range act.Changed {
		sess.ChangedFiles = appendBounded(sess.ChangedFiles, f, 0)
	}
	if act.Query != "" {
		sess.RecentQueries = appendBounded(sess.RecentQueries, act.Query, maxRecentQueries)
	}
	if act.Tool != "" {
		sess.ToolsUsed[act.Tool]++
	}
	if act.Feature != "" {
		sess.ActiveFeatures = appendBounded(sess.ActiveFeatures, act.Feature, 0)
	}
	if act.Decision != "" {
		sess.Decisions = append(sess.Decisions, act.Decision)
	}
	if act.Learning != "" {
		sess.PendingLearnings = append(sess.PendingLearnings, act.Learning)
	}
	snap := snapshot(sess)
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.warm(snap)
	return snap, nil
}

// Get returns a session from memory, cache, or the vector-store mirror.
func (s *Service) Get(ctx context.Context, project, id string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok && sess.Project == project {
		snap := snapshot(sess)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.cache != nil {
		if v, ok := s.cache.Get(cache.SessionKey(project, id)); ok {
			if sess, ok := v.(*Session); ok {
				return sess, nil
			}
		}
	}

	hits, err := s.store.Retrieve(ctx, CollectionName(project), []string{id})
	if err != nil || len(hits) == 0 {
		return nil, errs.NotFound("session", id)
	}
	return sessionFromPayload(id, hits[0].Payload), nil
}

// List returns the in-memory sessions for a project, active first.
func (s *Service) List(project string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Project == project {
			out = append(out, snapshot(sess))
		}
	}
	return out
}

// End closes a session, materialises its learnings and decisions as
// memories, and returns a summary.
func (s *Service) End(ctx context.Context, project, id, summaryText string) (*Summary, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.Project != project {
		s.mu.Unlock()
		return nil, errs.NotFound("session", id)
	}
	if sess.EndedAt != nil {
		s.mu.Unlock()
		return nil, errs.Conflict("session " + id + " already ended")
	}
	ended := s.now().UTC()
	sess.EndedAt = &ended
	snap := snapshot(sess)
	s.mu.Unlock()

	tags := []string{"session", shortID(id)}
	meta := map[string]any{"sessionId": id}

	learnings, decisions := 0, 0
	if s.memories != nil {
		for _, l := range snap.PendingLearnings {
			if _, err := s.memories.Remember(ctx, project, memory.RememberParams{
				Type: memory.TypeInsight, Content: l, Tags: tags, Metadata: meta,
			}); err != nil {
				s.logger.Warn("saving learning failed", zap.Error(err))
				continue
			}
			learnings++
		}
		for _, d := range snap.Decisions {
			if _, err := s.memories.Remember(ctx, project, memory.RememberParams{
				Type: memory.TypeDecision, Content: d, Tags: tags, Metadata: meta,
			}); err != nil {
				s.logger.Warn("saving decision failed", zap.Error(err))
				continue
			}
			decisions++
		}
	}

	s.persist(ctx, snap)
	if summaryText == "" {
		summaryText = deriveSummary(snap)
	}

	tools := make([]string, 0, len(snap.ToolsUsed))
	for tool := range snap.ToolsUsed {
		tools = append(tools, tool)
	}

	s.logger.Info("session ended",
		zap.String("session", id),
		zap.Int("learnings", learnings),
		zap.Int("decisions", decisions))
	return &Summary{
		SessionID:      id,
		Duration:       ended.Sub(snap.StartedAt),
		ToolsUsed:      tools,
		FilesTouched:   snap.CurrentFiles,
		QueryCount:     len(snap.RecentQueries),
		LearningsSaved: learnings,
		DecisionsSaved: decisions,
		Summary:        summaryText,
	}, nil
}

// shortID is the 8-character session tag.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// deriveSummary builds a summary line from usage patterns when the caller
// supplies none.
func deriveSummary(s *Session) string {
	var parts []string
	if n := len(s.CurrentFiles); n > 0 {
		parts = append(parts, "worked across "+strconv.Itoa(n)+" files")
	}
	if n := len(s.RecentQueries); n > 0 {
		parts = append(parts, strconv.Itoa(n)+" searches")
	}
	if n := len(s.Decisions); n > 0 {
		parts = append(parts, strconv.Itoa(n)+" decisions recorded")
	}
	if len(parts) == 0 {
		return "Session ended with no recorded activity."
	}
	return "Session " + strings.Join(parts, ", ") + "."
}

// appendBounded appends without duplicating and truncates FIFO at max.
// max <= 0 means unbounded.
func appendBounded(list []string, v string, max int) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	list = append(list, v)
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// snapshot deep-copies a session so callers never share mutable state with
// the writer.
func snapshot(s *Session) *Session {
	cp := *s
	cp.CurrentFiles = append([]string{}, s.CurrentFiles...)
	cp.RecentQueries = append([]string{}, s.RecentQueries...)
	cp.ActiveFeatures = append([]string{}, s.ActiveFeatures...)
	cp.Decisions = append([]string{}, s.Decisions...)
	cp.PendingLearnings = append([]string{}, s.PendingLearnings...)
	cp.ChangedFiles = append([]string{}, s.ChangedFiles...)
	cp.ToolsUsed = make(map[string]int, len(s.ToolsUsed))
	for k, v := range s.ToolsUsed {
		cp.ToolsUsed[k] = v
	}
	return &cp
}

// persist writes the session through the cache and refreshes the
// vector-store mirror. Mirror failures are non-fatal.
func (s *Service) persist(ctx context.Context, sess *Session) {
	if s.cache != nil {
		s.cache.Set(cache.ScopeSession, cache.SessionKey(sess.Project, sess.ID), snapshot(sess))
	}

	text := strings.Join(sess.RecentQueries, " ")
	if text == "" {
		text = sess.Project
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("session mirror embed failed", zap.Error(err))
		return
	}

	collection := CollectionName(sess.Project)
	if err := s.store.CreateCollection(ctx, collection, 0); err != nil {
		s.logger.Warn("session mirror collection failed", zap.Error(err))
		return
	}
	if err := s.store.Upsert(ctx, collection, []vectorstore.Point{{
		ID:      sess.ID,
		Vector:  vector,
		Payload: sessionPayload(sess),
	}}); err != nil {
		s.logger.Warn("session mirror upsert failed", zap.Error(err))
	}
}

func (s *Service) warm(sess *Session) {
	if s.prefetcher == nil {
		return
	}
	go s.prefetcher.Warm(sess.Project, snapshot(sess))
}

func sessionPayload(s *Session) map[string]any {
	tools := make(map[string]any, len(s.ToolsUsed))
	for k, v := range s.ToolsUsed {
		tools[k] = v
	}
	p := map[string]any{
		"project":          s.Project,
		"startedAt":        s.StartedAt.Format(time.RFC3339),
		"currentFiles":     s.CurrentFiles,
		"recentQueries":    s.RecentQueries,
		"toolsUsed":        tools,
		"activeFeatures":   s.ActiveFeatures,
		"decisions":        s.Decisions,
		"pendingLearnings": s.PendingLearnings,
		"changedFiles":     s.ChangedFiles,
	}
	if s.ResumedFrom != "" {
		p["resumedFrom"] = s.ResumedFrom
	}
	if s.EndedAt != nil {
		p["endedAt"] = s.EndedAt.Format(time.RFC3339)
	}
	return p
}

func sessionFromPayload(id string, payload map[string]any) *Session {
	s := &Session{
		ID:               id,
		Project:          vectorstore.PayloadString(payload, "project"),
		ResumedFrom:      vectorstore.PayloadString(payload, "resumedFrom"),
		CurrentFiles:     vectorstore.PayloadStrings(payload, "currentFiles"),
		RecentQueries:    vectorstore.PayloadStrings(payload, "recentQueries"),
		ActiveFeatures:   vectorstore.PayloadStrings(payload, "activeFeatures"),
		Decisions:        vectorstore.PayloadStrings(payload, "decisions"),
		PendingLearnings: vectorstore.PayloadStrings(payload, "pendingLearnings"),
		ChangedFiles:     vectorstore.PayloadStrings(payload, "changedFiles"),
		ToolsUsed:        map[string]int{},
	}
	if raw, ok := payload["toolsUsed"].(map[string]any); ok {
		for k := range raw {
			s.ToolsUsed[k] = vectorstore.PayloadInt(raw, k)
		}
	}
	if v, err := time.Parse(time.RFC3339, vectorstore.PayloadString(payload, "startedAt")); err == nil {
		s.StartedAt = v
	}
	if raw := vectorstore.PayloadString(payload, "endedAt"); raw != "" {
		if v, err := time.Parse(time.RFC3339, raw); err == nil {
			s.EndedAt = &v
		}
	}
	return s
}
