package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	return []float32{float32(sum[0]) / 255, float32(sum[1]) / 255, float32(sum[2]) / 255}, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s stubEmbedder) EmbedFull(ctx context.Context, text string) (*embeddings.Embedding, error) {
	v, _ := s.Embed(ctx, text)
	return &embeddings.Embedding{Dense: v}, nil
}

func (stubEmbedder) Dimensions() int     { return 3 }
func (stubEmbedder) SparseEnabled() bool { return false }

type stubPrefetcher struct {
	mu    sync.Mutex
	calls int
	last  *Session
}

func (p *stubPrefetcher) Warm(_ string, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = s
}

func (p *stubPrefetcher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(pf Prefetcher) (*Service, *vectorstore.Fake) {
	store := vectorstore.NewFake()
	svc := New(store, stubEmbedder{}, nil, nil, pf, nil)
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", seq)
	}
	return svc, store
}

func TestStartAndActivity(t *testing.T) {
	svc, store := newTestService(nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Empty(t, sess.CurrentFiles)

	updated, err := svc.RecordActivity(ctx, "proj", sess.ID, Activity{
		Files: []string{"src/a.ts"},
		Query: "how does auth work",
		Tool:  "search",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts"}, updated.CurrentFiles)
	assert.Equal(t, []string{"how does auth work"}, updated.RecentQueries)
	assert.Equal(t, 1, updated.ToolsUsed["search"])

	// The mirror reflects every update.
	hits, err := store.Retrieve(ctx, CollectionName("proj"), []string{sess.ID})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"src/a.ts"}, vectorstore.PayloadStrings(hits[0].Payload, "currentFiles"))
}

func TestActivityBoundsAreFIFO(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)

	for i := 0; i < maxCurrentFiles+5; i++ {
		_, err := svc.RecordActivity(ctx, "proj", sess.ID, Activity{
			Files: []string{fmt.Sprintf("src/f%02d.ts", i)},
		})
		require.NoError(t, err)
	}
	for i := 0; i < maxRecentQueries+10; i++ {
		_, err := svc.RecordActivity(ctx, "proj", sess.ID, Activity{
			Query: fmt.Sprintf("query %02d", i),
		})
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, "proj", sess.ID)
	require.NoError(t, err)
	require.Len(t, got.CurrentFiles, maxCurrentFiles)
	assert.Equal(t, "src/f05.ts", got.CurrentFiles[0], "oldest files truncated first")
	require.Len(t, got.RecentQueries, maxRecentQueries)
	assert.Equal(t, "query 10", got.RecentQueries[0])
}

func TestResumeInheritsContext(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	first, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := svc.RecordActivity(ctx, "proj", first.ID, Activity{
			Query: fmt.Sprintf("q%d", i),
		})
		require.NoError(t, err)
	}
	_, err = svc.RecordActivity(ctx, "proj", first.ID, Activity{
		Files:    []string{"src/core.ts"},
		Decision: "use sqlite for tests",
	})
	require.NoError(t, err)

	resumed, err := svc.Start(ctx, "proj", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, resumed.ResumedFrom)
	assert.Equal(t, []string{"src/core.ts"}, resumed.CurrentFiles)
	assert.Equal(t, []string{"use sqlite for tests"}, resumed.Decisions)
	assert.Equal(t, []string{"q3", "q4", "q5", "q6", "q7"}, resumed.RecentQueries,
		"only the trailing five queries carry over")
}

func TestResumeUnknownSession(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.Start(context.Background(), "proj", "00000000-0000-0000-0000-0000000000ff")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEndMaterialisesMemories(t *testing.T) {
	store := vectorstore.NewFake()
	mem := memory.New(store, stubEmbedder{}, nil, nil)
	svc := New(store, stubEmbedder{}, nil, mem, nil, nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, "proj", sess.ID, Activity{
		Query:    "find the retry logic",
		Tool:     "search",
		Learning: "retries live in the reliability package",
		Decision: "cap retries at three",
	})
	require.NoError(t, err)

	summary, err := svc.End(ctx, "proj", sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LearningsSaved)
	assert.Equal(t, 1, summary.DecisionsSaved)
	assert.Equal(t, 1, summary.QueryCount)
	assert.Contains(t, summary.ToolsUsed, "search")
	assert.NotEmpty(t, summary.Summary)

	insights, err := mem.List(ctx, "proj", "insight", "", 10)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "retries live in the reliability package", insights[0].Content)
	assert.Contains(t, insights[0].Tags, "session")
	assert.Contains(t, insights[0].Tags, shortID(sess.ID))
	assert.Equal(t, sess.ID, insights[0].Metadata["sessionId"])

	decisions, err := mem.List(ctx, "proj", "decision", "", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	// Ended sessions reject further writes.
	_, err = svc.RecordActivity(ctx, "proj", sess.ID, Activity{Tool: "search"})
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	_, err = svc.End(ctx, "proj", sess.ID, "")
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestPrefetcherFiresOnStartAndActivity(t *testing.T) {
	pf := &stubPrefetcher{}
	svc, _ := newTestService(pf)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, "proj", sess.ID, Activity{Query: "warm me"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return pf.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestGetFallsBackToMirror(t *testing.T) {
	svc, store := newTestService(nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, "proj", sess.ID, Activity{Query: "persisted"})
	require.NoError(t, err)

	// A fresh service instance only has the vector-store mirror.
	restarted := New(store, stubEmbedder{}, nil, nil, nil, nil)
	got, err := restarted.Get(ctx, "proj", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, []string{"persisted"}, got.RecentQueries)
}

func TestGetUsesCache(t *testing.T) {
	store := vectorstore.NewFake()
	c := cache.New(cache.Config{MaxEntriesPerTier: 16})
	svc := New(store, stubEmbedder{}, c, nil, nil, nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)

	restarted := New(store, stubEmbedder{}, c, nil, nil, nil)
	store.FailWith = fmt.Errorf("backend down")
	got, err := restarted.Get(ctx, "proj", sess.ID)
	require.NoError(t, err, "cache serves the session without the backend")
	assert.Equal(t, sess.ID, got.ID)
}

func TestKnowledgeGapsRing(t *testing.T) {
	svc, _ := newTestService(nil)

	assert.Empty(t, svc.KnowledgeGaps("proj"))
	for i := 0; i < gapCapacity+7; i++ {
		svc.RecordGap("proj", fmt.Sprintf("gap %03d", i))
	}
	gaps := svc.KnowledgeGaps("proj")
	require.Len(t, gaps, gapCapacity)
	assert.Equal(t, "gap 007", gaps[0], "oldest entries overwritten")
	assert.Equal(t, fmt.Sprintf("gap %03d", gapCapacity+6), gaps[len(gaps)-1])
}

func TestToolAnalytics(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	a, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	b, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.RecordActivity(ctx, "proj", a.ID, Activity{Tool: "search"})
		require.NoError(t, err)
	}
	_, err = svc.RecordActivity(ctx, "proj", b.ID, Activity{Tool: "search"})
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, "proj", b.ID, Activity{Tool: "ask"})
	require.NoError(t, err)

	usage := svc.ToolAnalytics("proj")
	require.Len(t, usage, 2)
	assert.Equal(t, ToolUsage{Tool: "search", Count: 4}, usage[0])
	assert.Equal(t, ToolUsage{Tool: "ask", Count: 1}, usage[1])
}

func TestSimilarQueries(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	for _, q := range []string{
		"how does token refresh work",
		"where is the retry logic",
		"token expiry handling",
	} {
		_, err := svc.RecordActivity(ctx, "proj", sess.ID, Activity{Query: q})
		require.NoError(t, err)
	}

	similar := svc.SimilarQueries("proj", "token refresh expiry", 5)
	require.Len(t, similar, 2)
	assert.Equal(t, "token expiry handling", similar[0].Query, "highest token overlap first")
	assert.Equal(t, "how does token refresh work", similar[1].Query)
	for _, sq := range similar {
		assert.NotEqual(t, "where is the retry logic", sq.Query, "no shared tokens")
	}
}

func TestChanges(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "proj", "")
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, "proj", sess.ID, Activity{
		Changed: []string{"src/a.ts", "src/b.ts", "src/a.ts"},
	})
	require.NoError(t, err)

	changed, err := svc.Changes("proj", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, changed)

	_, err = svc.Changes("proj", "missing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
