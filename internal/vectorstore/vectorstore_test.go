package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, 1024, cfg.VectorSize)
	assert.NoError(t, cfg.Validate())

	bad := Config{Host: "h", Port: 70000, VectorSize: 10}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestToQdrantFilter(t *testing.T) {
	assert.Nil(t, toQdrantFilter(nil))
	assert.Nil(t, toQdrantFilter(&Filter{}))

	f := &Filter{
		Must: []Condition{
			{Key: "project", MatchValue: "acme"},
			{Key: "lineCount", MatchValue: 42},
		},
		Should: []Condition{
			{Key: "content", MatchText: "auth token"},
		},
		MustNot: []Condition{
			{Key: "supersededBy", IsEmpty: false, MatchAny: []string{"a", "b"}},
		},
	}
	q := toQdrantFilter(f)
	require.NotNil(t, q)
	require.Len(t, q.Must, 2)
	require.Len(t, q.Should, 1)
	require.Len(t, q.MustNot, 1)

	kw := q.Must[0].GetField()
	require.NotNil(t, kw)
	assert.Equal(t, "project", kw.Key)
	assert.Equal(t, "acme", kw.GetMatch().GetKeyword())

	assert.Equal(t, int64(42), q.Must[1].GetField().GetMatch().GetInteger())
	assert.Equal(t, "auth token", q.Should[0].GetField().GetMatch().GetText())
	assert.Equal(t, []string{"a", "b"}, q.MustNot[0].GetField().GetMatch().GetKeywords().GetStrings())
}

func TestNormalizePayload(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	got := normalizePayload(map[string]any{
		"tags":      []string{"a", "b"},
		"createdAt": ts,
		"count":     7,
		"nested":    map[string]any{"lines": []int{1, 2}},
	})

	assert.Equal(t, []any{"a", "b"}, got["tags"])
	assert.Equal(t, "2026-08-24T12:00:00Z", got["createdAt"])
	assert.Equal(t, int64(7), got["count"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, []any{int64(1), int64(2)}, nested["lines"])
}

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]any{
		"file":    "src/auth.ts",
		"line":    int64(10),
		"score":   0.5,
		"enabled": true,
		"tags":    []any{"x", "y"},
		"meta":    map[string]any{"k": "v"},
	}
	wire := qdrant.NewValueMap(in)
	back := fromQdrantPayload(wire)
	assert.Equal(t, in, back)
}

func TestFakeSearchRanksAndFilters(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Upsert(ctx, "col", []Point{
		{ID: "1", Vector: []float32{1, 0}, Payload: map[string]any{"project": "a", "file": "x.go"}},
		{ID: "2", Vector: []float32{0.9, 0.1}, Payload: map[string]any{"project": "a", "file": "y.go"}},
		{ID: "3", Vector: []float32{0, 1}, Payload: map[string]any{"project": "b", "file": "z.go"}},
	}))

	results, err := f.Search(ctx, "col", []float32{1, 0}, 10, &Filter{
		Must: []Condition{{Key: "project", MatchValue: "a"}},
	}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "1", results[0].ID, "closest vector ranks first")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestFakeDeleteByFilter(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Upsert(ctx, "col", []Point{
		{ID: "1", Vector: []float32{1}, Payload: map[string]any{"file": "a.go"}},
		{ID: "2", Vector: []float32{1}, Payload: map[string]any{"file": "a.go"}},
		{ID: "3", Vector: []float32{1}, Payload: map[string]any{"file": "b.go"}},
	}))

	n, err := f.DeleteByFilter(ctx, "col", &Filter{
		Must: []Condition{{Key: "file", MatchValue: "a.go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := f.Count(ctx, "col", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestFakeAliasResolution(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.CreateCollection(ctx, "proj_codebase_v1", 2))
	require.NoError(t, f.Upsert(ctx, "proj_codebase_v1", []Point{
		{ID: "1", Vector: []float32{1, 0}, Payload: map[string]any{"file": "a.go"}},
	}))
	require.NoError(t, f.CreateAlias(ctx, "proj_codebase", "proj_codebase_v1"))

	results, err := f.Search(ctx, "proj_codebase", []float32{1, 0}, 5, nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, f.CreateCollection(ctx, "proj_codebase_v2", 2))
	require.NoError(t, f.SwitchAlias(ctx, "proj_codebase", "proj_codebase_v2"))

	results, err = f.Search(ctx, "proj_codebase", []float32{1, 0}, 5, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, results, "alias now points at the empty new collection")

	// A concrete collection bearing the alias name blocks the swap, like the
	// real server.
	require.NoError(t, f.CreateCollection(ctx, "other_codebase", 2))
	err = f.SwitchAlias(ctx, "other_codebase", "proj_codebase_v2")
	require.Error(t, err)
}

func TestFakeRecommendExcludesSeeds(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Upsert(ctx, "col", []Point{
		{ID: "1", Vector: []float32{1, 0}},
		{ID: "2", Vector: []float32{0.95, 0.05}},
		{ID: "3", Vector: []float32{0, 1}},
	}))

	results, err := f.Recommend(ctx, "col", []string{"1"}, nil, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "1", r.ID)
	}
	require.NotEmpty(t, results)
	assert.Equal(t, "2", results[0].ID)
}

func TestFakeAggregateByField(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Upsert(ctx, "col", []Point{
		{ID: "1", Vector: []float32{1}, Payload: map[string]any{"type": "decision"}},
		{ID: "2", Vector: []float32{1}, Payload: map[string]any{"type": "decision"}},
		{ID: "3", Vector: []float32{1}, Payload: map[string]any{"type": "insight"}},
	}))

	counts, err := f.AggregateByField(ctx, "col", "type")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"decision": 2, "insight": 1}, counts)
}
