package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemarklabs/recalld/internal/cache"
	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
)

func newTestService(t *testing.T, url string, sparse bool) Service {
	t.Helper()
	c := cache.New(cache.Config{MaxEntriesPerTier: 64})

	svc, err := New(Config{
		Provider:   ProviderBGEM3,
		BGEM3URL:   url,
		VectorSize: 3,
		Sparse:     sparse,
		Timeout:    5 * time.Second,
	}, reliability.NewRegistry(nil), c, nil)
	require.NoError(t, err)
	return svc
}

func TestBGEM3EmbedBatch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req bgem3Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.ReturnDense)

		resp := bgem3Response{}
		for range req.Inputs {
			resp.Dense = append(resp.Dense, []float32{1, 2, 3})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL, false)
	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 2, 3}, vecs[0])
}

func TestEmbedCachesByContent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(bgem3Response{Dense: [][]float32{{1, 2, 3}}})
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL, false)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "same text")
	require.NoError(t, err)
	_, err = svc.Embed(ctx, "same text")
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load(), "second call served from cache")
}

func TestEmbedFullSparse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bgem3Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.ReturnSparse)

		json.NewEncoder(w).Encode(bgem3Response{
			Dense:  [][]float32{{1, 2, 3}},
			Sparse: []map[string]float32{{"17": 0.8, "244": 0.3}},
		})
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL, true)
	emb, err := svc.EmbedFull(context.Background(), "query")
	require.NoError(t, err)
	require.NotNil(t, emb.Sparse)
	assert.Len(t, emb.Sparse.Indices, 2)
	assert.True(t, svc.SparseEnabled())
}

func TestServerErrorsAreRetriedThenClassified(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL, false)
	_, err := svc.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, errs.KindExternal, errs.KindOf(err))
	assert.Equal(t, int64(3), calls.Load(), "5xx retried up to max attempts")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL, false)
	_, err := svc.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
		Body:       http.NoBody,
	}
	err := classifyHTTP("embedding", resp)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindRateLimit, e.Kind)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
}

func TestConfigRejectsSparseOnOllama(t *testing.T) {
	cfg := Config{Provider: ProviderOllama, Sparse: true}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		json.NewEncoder(w).Encode(ollamaResponse{Embeddings: [][]float32{{0.1, 0.2}}})
	}))
	defer srv.Close()

	o := newOllama(Config{OllamaURL: srv.URL, OllamaModel: "nomic-embed-text", VectorSize: 2, Timeout: 5 * time.Second})
	vec, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.False(t, o.SparseEnabled())
}
