// Package memory stores and retrieves typed agent memories with supersession
// chains, aging decay, and a todo state machine.
package memory

import (
	"time"

	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// Type classifies a memory.
type Type string

const (
	TypeDecision     Type = "decision"
	TypeInsight      Type = "insight"
	TypeContext      Type = "context"
	TypeTodo         Type = "todo"
	TypeConversation Type = "conversation"
	TypeNote         Type = "note"
)

// Types lists every valid memory type.
var Types = []string{
	string(TypeDecision), string(TypeInsight), string(TypeContext),
	string(TypeTodo), string(TypeConversation), string(TypeNote),
}

// TodoStatus is the lifecycle state of a todo memory.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
	TodoCancelled  TodoStatus = "cancelled"
)

// legalTransitions is the todo state machine. Re-applying the current status
// is always permitted.
var legalTransitions = map[TodoStatus][]TodoStatus{
	TodoPending:    {TodoInProgress, TodoCancelled},
	TodoInProgress: {TodoDone, TodoCancelled},
}

func transitionAllowed(from, to TodoStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry in a todo's status history.
type StatusChange struct {
	Status TodoStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
	At     time.Time  `json:"at"`
}

// Memory is the stored record. A memory is active while SupersededBy is
// unset; superseded memories are retired but never hard-deleted by merges.
type Memory struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	Type         Type           `json:"type"`
	Content      string         `json:"content"`
	Tags         []string       `json:"tags,omitempty"`
	RelatedTo    string         `json:"relatedTo,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Validated    bool           `json:"validated"`
	SupersededBy string         `json:"supersededBy,omitempty"`
	Source       string         `json:"source,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Todo only.
	Status        TodoStatus     `json:"status,omitempty"`
	StatusHistory []StatusChange `json:"statusHistory,omitempty"`
}

// Active reports whether the memory has not been superseded.
func (m *Memory) Active() bool { return m.SupersededBy == "" }

// embedText is the string actually embedded for a memory.
func embedText(t Type, content string) string {
	return string(t) + ": " + content
}

func (m *Memory) payload() map[string]any {
	p := map[string]any{
		"project":   m.Project,
		"type":      string(m.Type),
		"content":   m.Content,
		"createdAt": m.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": m.UpdatedAt.UTC().Format(time.RFC3339),
		"validated": m.Validated,
	}
	if len(m.Tags) > 0 {
		p["tags"] = m.Tags
	}
	if m.RelatedTo != "" {
		p["relatedTo"] = m.RelatedTo
	}
	if m.SupersededBy != "" {
		p["supersededBy"] = m.SupersededBy
	}
	if m.Source != "" {
		p["source"] = m.Source
	}
	if m.Confidence > 0 {
		p["confidence"] = m.Confidence
	}
	if m.Metadata != nil {
		p["metadata"] = m.Metadata
	}
	if m.Status != "" {
		p["status"] = string(m.Status)
		history := make([]any, 0, len(m.StatusHistory))
		for _, h := range m.StatusHistory {
			entry := map[string]any{
				"status": string(h.Status),
				"at":     h.At.UTC().Format(time.RFC3339),
			}
			if h.Note != "" {
				entry["note"] = h.Note
			}
			history = append(history, entry)
		}
		p["statusHistory"] = history
	}
	return p
}

func memoryFromPayload(id string, payload map[string]any) Memory {
	m := Memory{
		ID:           id,
		Project:      vectorstore.PayloadString(payload, "project"),
		Type:         Type(vectorstore.PayloadString(payload, "type")),
		Content:      vectorstore.PayloadString(payload, "content"),
		Tags:         vectorstore.PayloadStrings(payload, "tags"),
		RelatedTo:    vectorstore.PayloadString(payload, "relatedTo"),
		Validated:    vectorstore.PayloadBool(payload, "validated"),
		SupersededBy: vectorstore.PayloadString(payload, "supersededBy"),
		Source:       vectorstore.PayloadString(payload, "source"),
		Status:       TodoStatus(vectorstore.PayloadString(payload, "status")),
	}
	if v, ok := payload["confidence"].(float64); ok {
		m.Confidence = v
	}
	if v, ok := payload["metadata"].(map[string]any); ok {
		m.Metadata = v
	}
	m.CreatedAt = parseTime(payload, "createdAt")
	m.UpdatedAt = parseTime(payload, "updatedAt")

	if raw, ok := payload["statusHistory"].([]any); ok {
		for _, e := range raw {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			m.StatusHistory = append(m.StatusHistory, StatusChange{
				Status: TodoStatus(vectorstore.PayloadString(entry, "status")),
				Note:   vectorstore.PayloadString(entry, "note"),
				At:     parseTime(entry, "at"),
			})
		}
	}
	return m
}

func parseTime(payload map[string]any, key string) time.Time {
	s := vectorstore.PayloadString(payload, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
