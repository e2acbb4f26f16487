package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/castfell/loresmith/pkg/provider/llm"
)

// ErrAllFailed is returned when every configured backend fails or sits
// behind an open breaker.
var ErrAllFailed = errors.New("resilience: all llm backends failed")

// FallbackConfig configures the per-backend breaker of an [LLMFallback].
type FallbackConfig struct {
	Breaker BreakerConfig

	// Logger for failover decisions. Defaults to slog.Default().
	Logger *slog.Logger
}

// backend pairs an LLM provider with its dedicated breaker.
type backend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

// LLMFallback implements [llm.Provider] over a preference-ordered chain of
// backends. A request goes to the first backend whose breaker admits it;
// on failure the next one is tried. Register all backends before first use,
// the chain is not mutation-safe afterwards.
type LLMFallback struct {
	backends []backend
	cfg      FallbackConfig
	log      *slog.Logger
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &LLMFallback{cfg: cfg, log: cfg.Logger}
	f.add(primaryName, primary)
	return f
}

// AddFallback appends a backend. Backends are tried in registration order
// after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.add(name, provider)
}

func (f *LLMFallback) add(name string, provider llm.Provider) {
	bcfg := f.cfg.Breaker
	bcfg.Label = name
	if bcfg.Logger == nil {
		bcfg.Logger = f.log
	}
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(bcfg),
	})
}

// attempt walks the chain until fn succeeds against some backend.
func (f *LLMFallback) attempt(fn func(llm.Provider) error) error {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]
		err := b.breaker.Do(func() error {
			return fn(b.provider)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			f.log.Debug("skipping llm backend", "backend", b.name, "reason", "breaker open")
		} else {
			f.log.Warn("llm backend failed, trying next", "backend", b.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := f.attempt(func(p llm.Provider) error {
		var innerErr error
		resp, innerErr = p.Complete(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CountTokens delegates to the first healthy backend's counter.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	var count int
	err := f.attempt(func(p llm.Provider) error {
		var innerErr error
		count, innerErr = p.CountTokens(messages)
		return innerErr
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Capabilities reports the primary's capabilities. Static metadata does not
// participate in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.backends) > 0 {
		return f.backends[0].provider.Capabilities()
	}
	return llm.ModelCapabilities{}
}
