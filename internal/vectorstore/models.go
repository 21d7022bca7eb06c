// Package vectorstore defines the engine-agnostic vector storage contract and
// its Qdrant gRPC implementation.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrEmptyPoints indicates an upsert with no points.
	ErrEmptyPoints = errors.New("empty or nil points")
)

// SparseVector is a sparse embedding as index/value pairs. The layout is the
// backend's native sparse representation.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Point is the unit written to a collection.
type Point struct {
	// ID is deterministic over the source chunk so re-indexing unchanged
	// content is idempotent. Must be a UUID.
	ID string

	// Vector is the dense embedding.
	Vector []float32

	// Sparse is the optional sparse embedding.
	Sparse *SparseVector

	// Payload carries the chunk fields plus project/file/chunkType scoping.
	Payload map[string]any
}

// SearchResult is a scored point returned from a search.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Group is a set of results sharing one value of the group-by field.
type Group struct {
	Key  string         `json:"key"`
	Hits []SearchResult `json:"hits"`
}

// Condition is one clause of a filter. Exactly one of the match fields is
// set.
type Condition struct {
	Key string

	// MatchValue matches the payload field exactly (string, bool, int64).
	MatchValue any

	// MatchText performs full-text matching on a text-indexed field.
	MatchText string

	// MatchAny matches when the field equals any of the keywords.
	MatchAny []string

	// IsEmpty matches when the field is absent or null.
	IsEmpty bool
}

// Filter is a condition set over payload fields.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Empty reports whether the filter carries no conditions.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

// CollectionInfo contains metadata about a collection.
type CollectionInfo struct {
	Name       string `json:"name"`
	PointCount int    `json:"pointCount"`
	VectorSize int    `json:"vectorSize"`
	Status     string `json:"status"`
}

// AliasInfo maps an alias to its concrete collection.
type AliasInfo struct {
	Alias      string `json:"alias"`
	Collection string `json:"collection"`
}

// SnapshotInfo describes one collection snapshot held by the backend.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the minimal, engine-agnostic vector store contract. All recalld
// subsystems depend on this interface, never on a concrete backend.
type Store interface {
	// Upsert inserts or updates points. Idempotent by point id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the top k points by similarity to vector, optionally
	// filtered and thresholded. scoreThreshold <= 0 disables the threshold.
	Search(ctx context.Context, collection string, vector []float32, k int, filter *Filter, scoreThreshold float32) ([]SearchResult, error)

	// SearchGroups returns up to k groups of groupSize hits each, grouped by
	// the payload field groupBy.
	SearchGroups(ctx context.Context, collection string, vector []float32, groupBy string, k, groupSize int, filter *Filter) ([]Group, error)

	// SearchHybrid fuses dense and sparse similarity natively in the backend.
	SearchHybrid(ctx context.Context, collection string, dense []float32, sparse *SparseVector, k int, filter *Filter) ([]SearchResult, error)

	// Recommend returns points similar to the positive ids and dissimilar to
	// the negative ids.
	Recommend(ctx context.Context, collection string, positive, negative []string, k int) ([]SearchResult, error)

	// Scroll pages through points matching filter without similarity ranking.
	Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]SearchResult, error)

	// Retrieve fetches points by id.
	Retrieve(ctx context.Context, collection string, ids []string) ([]SearchResult, error)

	// SetPayload merges patch into the payload of the point with the given id.
	SetPayload(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete removes points by id.
	Delete(ctx context.Context, collection string, ids []string) error

	// DeleteByFilter removes matching points and returns how many were
	// counted before deletion.
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) (int, error)

	// Count counts points matching filter.
	Count(ctx context.Context, collection string, filter *Filter) (int, error)

	// AggregateByField returns value counts for a keyword payload field.
	AggregateByField(ctx context.Context, collection, field string) (map[string]int, error)

	// Collection lifecycle.
	CreateCollection(ctx context.Context, name string, vectorSize int) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	ClearCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// EnsurePayloadIndexes creates the payload indexes every collection
	// carries: keyword indexes on file/language/layer/service/type and a
	// full-text index on content.
	EnsurePayloadIndexes(ctx context.Context, collection string) error

	// Alias management. SwitchAlias repoints an alias atomically so readers
	// see either the old or the new collection in full, never a partial
	// union.
	CreateAlias(ctx context.Context, alias, collection string) error
	SwitchAlias(ctx context.Context, alias, newCollection string) error
	ListAliases(ctx context.Context) ([]AliasInfo, error)

	// Snapshot management.
	CreateSnapshot(ctx context.Context, collection string) (*SnapshotInfo, error)
	ListSnapshots(ctx context.Context, collection string) ([]SnapshotInfo, error)

	// SetQuantization toggles scalar int8 quantization on a collection.
	SetQuantization(ctx context.Context, collection string, enabled bool) error

	// Close releases the backend connection.
	Close() error
}

// PayloadString extracts a string payload field, tolerating absence.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt extracts an integer payload field, tolerating absence and
// float64 round-trips.
func PayloadInt(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// PayloadBool extracts a boolean payload field.
func PayloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}

// PayloadStrings extracts a string slice payload field.
func PayloadStrings(payload map[string]any, key string) []string {
	if payload == nil {
		return nil
	}
	raw, ok := payload[key].([]any)
	if !ok {
		if ss, ok := payload[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
