package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/config"
	"github.com/tidemarklabs/recalld/internal/embeddings"
	"github.com/tidemarklabs/recalld/internal/indexer"
	"github.com/tidemarklabs/recalld/internal/llm"
	"github.com/tidemarklabs/recalld/internal/memory"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/retrieval"
	"github.com/tidemarklabs/recalld/internal/session"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	sum := sha256.Sum256([]byte(text))
	return []float32{float32(sum[0]) / 255, float32(sum[1]) / 255, float32(sum[2]) / 255}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) EmbedFull(ctx context.Context, text string) (*embeddings.Embedding, error) {
	v, _ := s.Embed(ctx, text)
	return &embeddings.Embedding{Dense: v}, nil
}

func (s *stubEmbedder) Dimensions() int     { return 3 }
func (s *stubEmbedder) SparseEnabled() bool { return false }

type stubCompleter struct {
	reply string
}

func (s *stubCompleter) Complete(_ context.Context, _ string, _ llm.Options) (string, error) {
	return s.reply, nil
}

var _ llm.Completer = (*stubCompleter)(nil)

type env struct {
	server   *Server
	store    *vectorstore.Fake
	embedder *stubEmbedder
	http     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()

	cfg := config.Config{}
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Embedding.Provider = "bgem3"
	cfg.LLM.Provider = "ollama"
	if mutate != nil {
		mutate(&cfg)
	}

	store := vectorstore.NewFake()
	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	completer := &stubCompleter{reply: "the auth flow validates tokens"}
	c := cache.New(cache.Config{MaxEntriesPerTier: 128})

	memories := memory.New(store, embedder, completer, nil)
	engine := retrieval.New(store, embedder, completer, nil, memories, c, nil)
	sessions := session.New(store, embedder, c, memories, nil, nil)
	ix := indexer.New(store, embedder, nil, indexer.Config{}, nil)

	srv := New(cfg, Deps{
		Store:    store,
		Engine:   engine,
		Memories: memories,
		Sessions: sessions,
		Indexer:  ix,
		Cache:    c,
		Breakers: reliability.NewRegistry(nil),
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{server: srv, store: store, embedder: embedder, http: ts}
}

// call sends a JSON request with the project header and decodes the response.
func (e *env) call(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set(echoHeaderContentType, "application/json")
	req.Header.Set(headerProjectName, "demo")

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

const echoHeaderContentType = "Content-Type"

func seedChunks(t *testing.T, e *env, collection string, vectors map[string][]float32) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreateCollection(ctx, collection, 3))

	var points []vectorstore.Point
	i := 0
	for file, vec := range vectors {
		points = append(points, vectorstore.Point{
			ID:     fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			Vector: vec,
			Payload: map[string]any{
				"file":      file,
				"content":   "content of " + file,
				"chunkType": "code",
				"language":  "go",
				"startLine": 1,
				"endLine":   10,
			},
		})
		i++
	}
	require.NoError(t, e.store.Upsert(ctx, collection, points))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)

	var body map[string]any
	resp := e.call(t, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "breakers")
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.APIKey = config.Secret("sekrit")
	})

	req, _ := http.NewRequest(http.MethodGet, e.http.URL+"/api/collections", nil)
	req.Header.Set(headerProjectName, "demo")
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AUTH_ERROR", body["code"])

	// Health stays open for probes.
	probe, err := e.http.Client().Get(e.http.URL + "/health")
	require.NoError(t, err)
	probe.Body.Close()
	assert.Equal(t, http.StatusOK, probe.StatusCode)

	// The right key passes.
	req, _ = http.NewRequest(http.MethodGet, e.http.URL+"/api/collections", nil)
	req.Header.Set(headerProjectName, "demo")
	req.Header.Set(headerAPIKey, "sekrit")
	ok, err := e.http.Client().Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestProjectHeaderRequired(t *testing.T) {
	e := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodPost, e.http.URL+"/api/search",
		bytes.NewBufferString(`{"query": "anything"}`))
	req.Header.Set(echoHeaderContentType, "application/json")
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestProjectFallsBackToConfig(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Project.Name = "demo"
	})
	seedChunks(t, e, "demo_codebase", map[string][]float32{"a.go": {1, 0, 0}})

	req, _ := http.NewRequest(http.MethodPost, e.http.URL+"/api/search",
		bytes.NewBufferString(`{"query": "anything"}`))
	req.Header.Set(echoHeaderContentType, "application/json")
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	seedChunks(t, e, "demo_codebase", map[string][]float32{
		"auth.go":    {1, 0, 0},
		"billing.go": {0, 1, 0},
	})
	// Point the query at auth.go exactly.
	e.embedder.vectors["auth flow"] = []float32{1, 0, 0}

	var body struct {
		Results []retrieval.Result `json:"results"`
		Count   int                `json:"count"`
	}
	resp := e.call(t, http.MethodPost, "/api/search", map[string]any{
		"query": "auth flow",
		"limit": 2,
	}, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body.Results)
	assert.Equal(t, "auth.go", body.Results[0].File)
	assert.Equal(t, body.Count, len(body.Results))
}

func TestMemoryLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	var saved memory.Memory
	resp := e.call(t, http.MethodPost, "/api/memory", map[string]any{
		"type":    "todo",
		"content": "wire the retry budget into the breaker",
	}, &saved)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, memory.TodoPending, saved.Status)

	var updated memory.Memory
	resp = e.call(t, http.MethodPatch, "/api/memory/todo/"+saved.ID, map[string]any{
		"status": "in_progress",
	}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, memory.TodoInProgress, updated.Status)

	// Illegal transition surfaces as a 400 with details.
	var errBody map[string]any
	resp = e.call(t, http.MethodPatch, "/api/memory/todo/"+saved.ID, map[string]any{
		"status": "pending",
	}, &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])

	var listBody struct {
		Memories []memory.Memory `json:"memories"`
		Count    int             `json:"count"`
	}
	resp = e.call(t, http.MethodGet, "/api/memory/list?type=todo", nil, &listBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, listBody.Count)

	var delBody map[string]any
	resp = e.call(t, http.MethodDelete, "/api/memory/"+saved.ID, nil, &delBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, delBody["deleted"])
}

func TestSessionFlow(t *testing.T) {
	e := newTestEnv(t, nil)

	var sess session.Session
	resp := e.call(t, http.MethodPost, "/api/session/start", map[string]any{}, &sess)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, sess.ID)

	resp = e.call(t, http.MethodPost, "/api/session/"+sess.ID+"/activity", map[string]any{
		"files": []string{"auth.go"},
		"query": "how do tokens refresh",
		"tool":  "search",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched session.Session
	resp = e.call(t, http.MethodGet, "/api/session/"+sess.ID, nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"auth.go"}, fetched.CurrentFiles)

	var summary session.Summary
	resp = e.call(t, http.MethodPost, "/api/session/"+sess.ID+"/end", map[string]any{}, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sess.ID, summary.SessionID)
	assert.Equal(t, 1, summary.QueryCount)

	// Ending twice conflicts.
	var errBody map[string]any
	resp = e.call(t, http.MethodPost, "/api/session/"+sess.ID+"/end", map[string]any{}, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errBody["code"])
}

func TestSessionNotFound(t *testing.T) {
	e := newTestEnv(t, nil)

	var body map[string]any
	resp := e.call(t, http.MethodGet, "/api/session/does-not-exist", nil, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCollectionsQualifyProjectScope(t *testing.T) {
	e := newTestEnv(t, nil)
	seedChunks(t, e, "demo_codebase", map[string][]float32{"a.go": {1, 0, 0}})

	var listBody struct {
		Collections []string `json:"collections"`
	}
	resp := e.call(t, http.MethodGet, "/api/collections", nil, &listBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, listBody.Collections, "demo_codebase")

	// A bare name is scoped to the project before hitting the store.
	var clearBody map[string]any
	resp = e.call(t, http.MethodPost, "/api/collections/codebase/clear", nil, &clearBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo_codebase", clearBody["collection"])

	count, err := e.store.Count(context.Background(), "demo_codebase", nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSnapshotLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	seedChunks(t, e, "demo_codebase", map[string][]float32{"a.go": {1, 0, 0}})

	var created struct {
		Collection string                    `json:"collection"`
		Snapshot   *vectorstore.SnapshotInfo `json:"snapshot"`
	}
	resp := e.call(t, http.MethodPost, "/api/collections/codebase/snapshots", nil, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "demo_codebase", created.Collection)
	require.NotNil(t, created.Snapshot)
	assert.NotEmpty(t, created.Snapshot.Name)

	var listed struct {
		Snapshots []vectorstore.SnapshotInfo `json:"snapshots"`
		Count     int                        `json:"count"`
	}
	resp = e.call(t, http.MethodGet, "/api/collections/codebase/snapshots", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, created.Snapshot.Name, listed.Snapshots[0].Name)

	var quant map[string]any
	resp = e.call(t, http.MethodPost, "/api/collections/codebase/quantization", map[string]any{
		"enabled": true,
	}, &quant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, quant["enabled"])
}

func TestIndexStatusForIdleProject(t *testing.T) {
	e := newTestEnv(t, nil)

	var body indexer.IndexStatus
	resp := e.call(t, http.MethodGet, "/api/index/status/demo_codebase", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfluenceNotConfigured(t *testing.T) {
	e := newTestEnv(t, nil)

	var body map[string]any
	resp := e.call(t, http.MethodGet, "/api/confluence/status", nil, &body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "CONFIGURATION_ERROR", body["code"])
}

func TestTrackUsageRecordsGaps(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.call(t, http.MethodPost, "/api/track-usage", map[string]any{
		"query":   "where is the sharding logic",
		"results": 0,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Gaps []string `json:"gaps"`
	}
	resp = e.call(t, http.MethodGet, "/api/knowledge-gaps", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"where is the sharding logic"}, body.Gaps)
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.call(t, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
