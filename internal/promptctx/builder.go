package promptctx

import (
	"context"

	"github.com/castfell/loresmith/internal/forge"
)

// Builder combines assembly and budget trimming into the single call the
// generation pipeline consumes.
type Builder struct {
	assembler *Assembler
	counter   TokenCounter
	budget    int
}

// NewBuilder wraps an [Assembler]. counter may be nil and budget zero, in
// which case the rendered context is never trimmed.
func NewBuilder(assembler *Assembler, counter TokenCounter, budget int) *Builder {
	return &Builder{assembler: assembler, counter: counter, budget: budget}
}

// Build assembles and renders the campaign context for one generation call.
func (b *Builder) Build(ctx context.Context, campaignID string, refs []forge.EntityRef) (string, error) {
	pc, err := b.assembler.Assemble(ctx, campaignID, refs)
	if err != nil {
		return "", err
	}
	return FitBudget(pc, b.counter, b.budget), nil
}
