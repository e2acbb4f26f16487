// Package promptctx assembles the campaign context injected into every
// generation prompt.
//
// The context has two components that are fetched concurrently:
//
//  1. Referenced entities: the entities the user anchored the generation to,
//     each with its outgoing relationship targets.
//  2. Campaign roster: a name-and-type summary of the existing entities, so
//     the model reuses established names instead of inventing colliding ones.
//
// Use [Format] to render a [PromptContext] deterministically, or [FitBudget]
// to render it trimmed to a token budget.
package promptctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// PromptContext is the assembled campaign context for one generation call.
type PromptContext struct {
	// Refs holds the resolved reference entities in input order. References
	// that point at no stored entity are omitted; the validator has already
	// warned about them.
	Refs []RefContext

	// Roster is a summary of the campaign's existing entities, sorted by
	// name and capped at the assembler's roster limit.
	Roster []RosterEntry

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// RefContext is one resolved generation reference.
type RefContext struct {
	// Entity is the referenced entity.
	Entity entity.EntityDefinition

	// Relationship is the user-declared relationship between the entity
	// being generated and this reference ("mentor", "rival", ...).
	Relationship string

	// Related names the targets of the entity's outgoing relationships,
	// capped at the assembler's related limit.
	Related []RosterEntry
}

// RosterEntry is a minimal name-and-type view of an entity.
type RosterEntry struct {
	Name string
	Type entity.EntityType
	Stub bool
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler concurrently fetches both context components and combines them
// into a [PromptContext].
type Assembler struct {
	store       entity.Store
	rosterLimit int
	maxRelated  int
	log         *slog.Logger
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithRosterLimit caps the number of campaign entities summarised in
// [PromptContext.Roster]. Defaults to 40.
func WithRosterLimit(n int) Option {
	return func(a *Assembler) { a.rosterLimit = n }
}

// WithMaxRelated caps the number of relationship targets resolved per
// reference. Defaults to 5.
func WithMaxRelated(n int) Option {
	return func(a *Assembler) { a.maxRelated = n }
}

// WithLogger sets the assembler's logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *Assembler) { a.log = log }
}

// NewAssembler creates an [Assembler] with sensible defaults.
// Apply [Option] values to override the defaults.
func NewAssembler(store entity.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:       store,
		rosterLimit: 40,
		maxRelated:  5,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble fetches the referenced entities and the campaign roster in
// parallel and returns a fully populated [PromptContext].
//
// Each reference resolves in its own goroutine via errgroup. A reference
// whose entity no longer exists is dropped silently; any other store error
// aborts assembly wrapped with a "prompt context: " prefix.
func (a *Assembler) Assemble(ctx context.Context, campaignID string, refs []forge.EntityRef) (*PromptContext, error) {
	start := time.Now()

	resolved := make([]*RefContext, len(refs))
	var roster []RosterEntry

	eg, egCtx := errgroup.WithContext(ctx)

	for i, ref := range refs {
		eg.Go(func() error {
			rc, err := a.resolveRef(egCtx, ref)
			if err != nil {
				return err
			}
			resolved[i] = rc
			return nil
		})
	}

	eg.Go(func() error {
		entries, err := a.buildRoster(egCtx, campaignID)
		if err != nil {
			return err
		}
		roster = entries
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	pc := &PromptContext{
		Roster:           roster,
		AssemblyDuration: time.Since(start),
	}
	for _, rc := range resolved {
		if rc != nil {
			pc.Refs = append(pc.Refs, *rc)
		}
	}
	return pc, nil
}

// resolveRef fetches one referenced entity and the targets of its outgoing
// relationships. A missing entity yields (nil, nil).
func (a *Assembler) resolveRef(ctx context.Context, ref forge.EntityRef) (*RefContext, error) {
	def, err := a.store.Get(ctx, ref.EntityID)
	if errors.Is(err, entity.ErrNotFound) {
		a.log.DebugContext(ctx, "prompt context reference vanished", "entity_id", ref.EntityID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prompt context: resolve reference %q: %w", ref.EntityID, err)
	}

	rc := &RefContext{Entity: def, Relationship: ref.Relationship}

	rels, err := a.store.Relationships(ctx, ref.EntityID)
	if err != nil {
		return nil, fmt.Errorf("prompt context: relationships of %q: %w", ref.EntityID, err)
	}
	for _, r := range rels {
		if len(rc.Related) >= a.maxRelated {
			break
		}
		target, err := a.store.Get(ctx, r.TargetID)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("prompt context: related entity %q: %w", r.TargetID, err)
		}
		rc.Related = append(rc.Related, RosterEntry{
			Name: target.Name,
			Type: target.Type,
			Stub: target.IsStub(),
		})
	}
	return rc, nil
}

// buildRoster summarises the campaign's entities, sorted by name for stable
// prompt output, capped at rosterLimit.
func (a *Assembler) buildRoster(ctx context.Context, campaignID string) ([]RosterEntry, error) {
	all, err := a.store.List(ctx, campaignID, entity.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("prompt context: list campaign %q: %w", campaignID, err)
	}

	entries := make([]RosterEntry, 0, len(all))
	for _, e := range all {
		if e.Name == "" {
			continue
		}
		entries = append(entries, RosterEntry{Name: e.Name, Type: e.Type, Stub: e.IsStub()})
	}
	slices.SortFunc(entries, func(x, y RosterEntry) int {
		if c := strings.Compare(strings.ToLower(x.Name), strings.ToLower(y.Name)); c != 0 {
			return c
		}
		return strings.Compare(string(x.Type), string(y.Type))
	})
	if len(entries) > a.rosterLimit {
		entries = entries[:a.rosterLimit]
	}
	return entries, nil
}
