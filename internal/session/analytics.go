package session

import (
	"sort"
	"strings"

	"github.com/tidemarklabs/recalld/internal/errs"
)

// gapCapacity bounds the knowledge-gap ring buffer per project.
const gapCapacity = 100

// gapRing is a fixed-size ring of recall queries that returned nothing.
type gapRing struct {
	entries []string
	next    int
	full    bool
}

func (r *gapRing) add(query string) {
	if r.entries == nil {
		r.entries = make([]string, gapCapacity)
	}
	r.entries[r.next] = query
	r.next = (r.next + 1) % gapCapacity
	if r.next == 0 {
		r.full = true
	}
}

// list returns entries oldest-first.
func (r *gapRing) list() []string {
	if r.entries == nil {
		return []string{}
	}
	var out []string
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)
	return out
}

// RecordGap registers a query that produced zero results.
func (s *Service) RecordGap(project, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.gaps[project]
	if !ok {
		ring = &gapRing{}
		s.gaps[project] = ring
	}
	ring.add(query)
}

// KnowledgeGaps lists recent zero-result queries for a project.
func (s *Service) KnowledgeGaps(project string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.gaps[project]
	if !ok {
		return []string{}
	}
	return ring.list()
}

// ToolUsage is one tool's aggregate invocation count.
type ToolUsage struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// ToolAnalytics aggregates tool usage across every session of a project.
func (s *Service) ToolAnalytics(project string) []ToolUsage {
	s.mu.Lock()
	totals := map[string]int{}
	for _, sess := range s.sessions {
		if sess.Project != project {
			continue
		}
		for tool, n := range sess.ToolsUsed {
			totals[tool] += n
		}
	}
	s.mu.Unlock()

	out := make([]ToolUsage, 0, len(totals))
	for tool, n := range totals {
		out = append(out, ToolUsage{Tool: tool, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

// SimilarQuery is a past query scored against a probe query.
type SimilarQuery struct {
	Query     string  `json:"query"`
	SessionID string  `json:"sessionId"`
	Score     float64 `json:"score"`
}

// SimilarQueries ranks past session queries by token overlap with the probe.
func (s *Service) SimilarQueries(project, query string, limit int) []SimilarQuery {
	if limit <= 0 {
		limit = 5
	}
	probe := tokenSet(query)
	if len(probe) == 0 {
		return []SimilarQuery{}
	}

	s.mu.Lock()
	var out []SimilarQuery
	seen := map[string]bool{}
	for _, sess := range s.sessions {
		if sess.Project != project {
			continue
		}
		for _, q := range sess.RecentQueries {
			if q == query || seen[q] {
				continue
			}
			score := jaccard(probe, tokenSet(q))
			if score == 0 {
				continue
			}
			seen[q] = true
			out = append(out, SimilarQuery{Query: q, SessionID: sess.ID, Score: score})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Query < out[j].Query
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Changes lists the files a session touched.
func (s *Service) Changes(project, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Project != project {
		return nil, errs.NotFound("session", id)
	}
	return append([]string{}, sess.ChangedFiles...), nil
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
