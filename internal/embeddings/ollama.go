package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
)

// ollama embeds through the Ollama /api/embed endpoint. Dense only.
type ollama struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

var _ Service = (*ollama)(nil)

func newOllama(cfg Config) *ollama {
	return &ollama{
		baseURL: cfg.OllamaURL,
		model:   cfg.OllamaModel,
		dims:    cfg.VectorSize,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errs.External(reliability.DepEmbedding,
			fmt.Errorf("expected 1 vector, got %d", len(vecs)))
	}
	return vecs[0], nil
}

func (o *ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(req)
	if err != nil {
		return nil, errs.External(reliability.DepEmbedding, err)
	}
	defer httpResp.Body.Close()

	if err := classifyHTTP(reliability.DepEmbedding, httpResp); err != nil {
		return nil, err
	}

	var resp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errs.External(reliability.DepEmbedding, fmt.Errorf("decoding response: %w", err))
	}
	return resp.Embeddings, nil
}

func (o *ollama) EmbedFull(ctx context.Context, text string) (*Embedding, error) {
	dense, err := o.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return &Embedding{Dense: dense}, nil
}

func (o *ollama) Dimensions() int { return o.dims }

func (o *ollama) SparseEnabled() bool { return false }
