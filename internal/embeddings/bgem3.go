package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
	"github.com/tidemarklabs/recalld/internal/vectorstore"
)

// bgem3 talks to a BGE-M3 serving endpoint. The server returns dense vectors
// and, when asked, lexical weights keyed by token id, which map directly onto
// the sparse vector layout.
type bgem3 struct {
	baseURL string
	dims    int
	sparse  bool
	client  *http.Client
}

var _ Service = (*bgem3)(nil)

func newBGEM3(cfg Config) *bgem3 {
	return &bgem3{
		baseURL: cfg.BGEM3URL,
		dims:    cfg.VectorSize,
		sparse:  cfg.Sparse,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type bgem3Request struct {
	Inputs       []string `json:"inputs"`
	ReturnDense  bool     `json:"return_dense"`
	ReturnSparse bool     `json:"return_sparse,omitempty"`
}

type bgem3Response struct {
	Dense  [][]float32          `json:"dense_vecs"`
	Sparse []map[string]float32 `json:"lexical_weights,omitempty"`
}

func (b *bgem3) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.request(ctx, []string{text}, false)
	if err != nil {
		return nil, err
	}
	if len(resp.Dense) != 1 {
		return nil, errs.External(reliability.DepEmbedding,
			fmt.Errorf("expected 1 vector, got %d", len(resp.Dense)))
	}
	return resp.Dense[0], nil
}

func (b *bgem3) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.request(ctx, texts, false)
	if err != nil {
		return nil, err
	}
	return resp.Dense, nil
}

func (b *bgem3) EmbedFull(ctx context.Context, text string) (*Embedding, error) {
	resp, err := b.request(ctx, []string{text}, b.sparse)
	if err != nil {
		return nil, err
	}
	if len(resp.Dense) != 1 {
		return nil, errs.External(reliability.DepEmbedding,
			fmt.Errorf("expected 1 vector, got %d", len(resp.Dense)))
	}

	emb := &Embedding{Dense: resp.Dense[0]}
	if b.sparse && len(resp.Sparse) == 1 {
		emb.Sparse = lexicalToSparse(resp.Sparse[0])
	}
	return emb, nil
}

func (b *bgem3) Dimensions() int { return b.dims }

func (b *bgem3) SparseEnabled() bool { return b.sparse }

func (b *bgem3) request(ctx context.Context, texts []string, sparse bool) (*bgem3Response, error) {
	body, err := json.Marshal(bgem3Request{
		Inputs:       texts,
		ReturnDense:  true,
		ReturnSparse: sparse,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := b.client.Do(req)
	if err != nil {
		return nil, errs.External(reliability.DepEmbedding, err)
	}
	defer httpResp.Body.Close()

	if err := classifyHTTP(reliability.DepEmbedding, httpResp); err != nil {
		return nil, err
	}

	var resp bgem3Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errs.External(reliability.DepEmbedding, fmt.Errorf("decoding response: %w", err))
	}
	return &resp, nil
}

// lexicalToSparse converts BGE-M3 lexical weights (token id -> weight) into
// index/value pairs.
func lexicalToSparse(weights map[string]float32) *vectorstore.SparseVector {
	sv := &vectorstore.SparseVector{
		Indices: make([]uint32, 0, len(weights)),
		Values:  make([]float32, 0, len(weights)),
	}
	for token, weight := range weights {
		id, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			continue
		}
		sv.Indices = append(sv.Indices, uint32(id))
		sv.Values = append(sv.Values, weight)
	}
	return sv
}

// classifyHTTP maps non-2xx responses onto the error taxonomy: 429 carries
// the Retry-After hint, 4xx is a caller bug, 5xx is retryable.
func classifyHTTP(dependency string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return errs.RateLimited(fmt.Sprintf("%s rate limited: %s", dependency, body), retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Auth(fmt.Sprintf("%s rejected credentials", dependency))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errs.Validationf("%s rejected request (%d): %s", dependency, resp.StatusCode, body)
	default:
		return errs.External(dependency, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
}
