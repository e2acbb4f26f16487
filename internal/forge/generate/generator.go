// Package generate produces entity content from a language model. The only
// contract it exposes is [Generator]: one request in, one structured payload
// or [ErrGenerationFailed] out. Transport errors, malformed output, and
// schema violations all collapse into that single failure mode so the
// pipeline has exactly one generation error path.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/observe"
	"github.com/castfell/loresmith/pkg/provider/llm"
)

// ErrGenerationFailed is returned for every generation failure regardless of
// cause. The wrapped chain carries the detail for logging.
var ErrGenerationFailed = errors.New("generate: generation failed")

// generationTemperature favours creative variety; determinism comes from the
// JSON contract, not the sampling.
const generationTemperature = 0.8

// Request is one generation call.
type Request struct {
	// CampaignID scopes the generation.
	CampaignID string

	// ForgeType is the kind of entity to generate.
	ForgeType entity.EntityType

	// Input is the host-supplied generation input.
	Input forge.GenerationInput

	// Context is pre-assembled prompt context describing referenced
	// entities. May be empty.
	Context string
}

// Generator produces a structured payload for one request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*forge.GeneratedPayload, error)
}

// LLMGenerator implements [Generator] on top of an [llm.Provider].
type LLMGenerator struct {
	provider     llm.Provider
	providerName string
	metrics      *observe.Metrics
	log          *slog.Logger
}

var _ Generator = (*LLMGenerator)(nil)

// Option configures an [LLMGenerator] during construction.
type Option func(*LLMGenerator)

// WithMetrics enables request and token accounting. providerName labels the
// recorded data points.
func WithMetrics(m *observe.Metrics, providerName string) Option {
	return func(g *LLMGenerator) {
		g.metrics = m
		g.providerName = providerName
	}
}

// NewLLM creates a generator backed by the given provider.
func NewLLM(provider llm.Provider, log *slog.Logger, opts ...Option) *LLMGenerator {
	if log == nil {
		log = slog.Default()
	}
	g := &LLMGenerator{provider: provider, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate prompts the model and parses its response into the typed payload
// envelope.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (*forge.GeneratedPayload, error) {
	if req.ForgeType == "" || !req.ForgeType.IsValid() {
		return nil, fmt.Errorf("%w: unknown forge type %q", ErrGenerationFailed, req.ForgeType)
	}

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(req.ForgeType),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: userPrompt(req)},
		},
		Temperature: generationTemperature,
	})
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "error")
			g.metrics.RecordProviderError(ctx, g.providerName, "llm")
		}
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if g.metrics != nil {
		g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "ok")
		g.metrics.RecordLLMTokens(ctx, g.providerName, "prompt", int64(resp.Usage.PromptTokens))
		g.metrics.RecordLLMTokens(ctx, g.providerName, "completion", int64(resp.Usage.CompletionTokens))
	}

	payload, err := ParsePayload(req.ForgeType, resp.Content)
	if err != nil {
		g.log.Warn("model returned unparseable payload",
			"forge_type", req.ForgeType,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return payload, nil
}

// ParsePayload extracts the first JSON object from raw model output and maps
// it into the payload envelope. The object must contain a non-empty "name"
// string; "description" becomes the free-text blob; any field from the forge
// type's known list fields becomes a string list. Everything else survives
// only in Raw.
func ParsePayload(forgeType entity.EntityType, text string) (*forge.GeneratedPayload, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode payload object: %w", err)
	}

	payload := &forge.GeneratedPayload{
		Lists: make(map[string][]string),
		Raw:   raw,
	}
	if err := json.Unmarshal(fields["name"], &payload.Name); err != nil || strings.TrimSpace(payload.Name) == "" {
		return nil, errors.New("payload missing required field \"name\"")
	}
	if desc, ok := fields["description"]; ok {
		if err := json.Unmarshal(desc, &payload.FreeText); err != nil {
			return nil, fmt.Errorf("decode payload description: %w", err)
		}
	}
	for _, field := range forge.ListFields(forgeType) {
		rawList, ok := fields[field]
		if !ok {
			continue
		}
		var items []string
		if err := json.Unmarshal(rawList, &items); err != nil {
			return nil, fmt.Errorf("decode payload list %q: %w", field, err)
		}
		payload.Lists[field] = items
	}
	return payload, nil
}

// extractJSON returns the first balanced top-level JSON object in text.
// Models routinely wrap their output in prose or markdown fences.
func extractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.New("no JSON object in model output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return json.RawMessage(text[start : i+1]), nil
			}
		}
	}
	return nil, errors.New("unterminated JSON object in model output")
}
