// Package ollama implements the embeddings provider against a local Ollama
// server, using its /api/embed endpoint. It lets the semantic name index run
// fully offline with models such as nomic-embed-text or mxbai-embed-large.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/castfell/loresmith/pkg/provider/embeddings"
)

// DefaultBaseURL points at an Ollama server on its standard local port.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider talks to one Ollama server with one embedding model. The vector
// dimension comes from WithDimensions when given, otherwise from a table of
// common models, otherwise from a one-time detection request against the
// live server. Safe for concurrent use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	dims       int
	detectOnce sync.Once
}

// Option configures optional Provider behaviour.
type Option func(*Provider)

// WithTimeout bounds each HTTP request. Zero or negative means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithDimensions fixes the vector dimension up front. For models the
// built-in table does not know, this avoids the detection request the first
// Dimensions call would otherwise make.
func WithDimensions(dims int) Option {
	return func(p *Provider) {
		p.dims = dims
	}
}

// New builds a Provider for the given server and model name. An empty
// baseURL falls back to DefaultBaseURL; the model is required.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = knownDims(model)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embeddings.Provider. The text goes to Ollama verbatim;
// models like nomic-embed-text that want a "query: " prefix expect the
// caller to add it.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.requestEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider. When neither WithDimensions
// nor the known-model table settled the value, the first call embeds a
// short sample string against the live server and caches the resulting
// vector length; if that request fails, 0 is returned.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.detectOnce.Do(func() {
		vec, err := p.requestEmbedding(context.Background(), "dimension check")
		if err != nil {
			return
		}
		p.dims = len(vec)
	})
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) requestEmbedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings[0], nil
}

// knownDims covers the Ollama embedding models seen in practice. Unknown
// models return 0 and get detected lazily.
func knownDims(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
