package indexer

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a project's index job.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusIndexing  Status = "indexing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IndexStatus is the process-local snapshot of one project's indexing state.
// Lost on restart.
type IndexStatus struct {
	Project      string     `json:"project"`
	Status       Status     `json:"status"`
	TotalFiles   int        `json:"totalFiles"`
	IndexedFiles int        `json:"indexedFiles"`
	TotalChunks  int        `json:"totalChunks"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	Errors       []string   `json:"errors,omitempty"`
}

// ProjectStats summarises what was indexed for a project.
type ProjectStats struct {
	Project     string         `json:"project"`
	FileCount   int            `json:"fileCount"`
	TotalLines  int            `json:"totalLines"`
	Languages   map[string]int `json:"languages"`
	LastIndexed *time.Time     `json:"lastIndexed,omitempty"`
}

// maxTrackedErrors caps per-job error accumulation so a broken tree cannot
// grow the status record without bound.
const maxTrackedErrors = 50

// statusTracker holds per-project status and stats. Only the owning index
// job mutates a project's entry; readers get copies.
type statusTracker struct {
	mu       sync.Mutex
	statuses map[string]*IndexStatus
	stats    map[string]*ProjectStats
	now      func() time.Time
}

func newStatusTracker() *statusTracker {
	return &statusTracker{
		statuses: make(map[string]*IndexStatus),
		stats:    make(map[string]*ProjectStats),
		now:      time.Now,
	}
}

func (t *statusTracker) start(project string, totalFiles int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.statuses[project] = &IndexStatus{
		Project:     project,
		Status:      StatusIndexing,
		TotalFiles:  totalFiles,
		StartedAt:   &now,
		LastUpdated: now,
	}
}

func (t *statusTracker) progress(project string, chunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[project]
	if !ok {
		return
	}
	s.IndexedFiles++
	s.TotalChunks += chunks
	s.LastUpdated = t.now()
}

func (t *statusTracker) fileError(project, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[project]
	if !ok {
		return
	}
	if len(s.Errors) < maxTrackedErrors {
		s.Errors = append(s.Errors, msg)
	}
	s.LastUpdated = t.now()
}

func (t *statusTracker) finish(project string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[project]
	if !ok {
		return
	}
	now := t.now()
	s.Status = status
	s.CompletedAt = &now
	s.LastUpdated = now
}

// snapshot returns a copy; an idle placeholder when the project is unknown.
func (t *statusTracker) snapshot(project string) IndexStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[project]
	if !ok {
		return IndexStatus{Project: project, Status: StatusIdle}
	}
	cp := *s
	cp.Errors = append([]string(nil), s.Errors...)
	return cp
}

func (t *statusTracker) setStats(project string, stats ProjectStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := stats
	cp.Languages = make(map[string]int, len(stats.Languages))
	for k, v := range stats.Languages {
		cp.Languages[k] = v
	}
	t.stats[project] = &cp
}

func (t *statusTracker) statsSnapshot(project string) ProjectStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[project]
	if !ok {
		return ProjectStats{Project: project, Languages: map[string]int{}}
	}
	cp := *s
	cp.Languages = make(map[string]int, len(s.Languages))
	for k, v := range s.Languages {
		cp.Languages[k] = v
	}
	return cp
}
