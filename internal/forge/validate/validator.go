// Package validate implements pre-generation validation: cheap checks run
// before any model cost is incurred. It detects exact name collisions,
// near-duplicate names, and broken input references, and reports them as
// conflicts the host resolves before the pipeline continues.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/textmatch"
)

// semanticLimit bounds how many embedding neighbours are considered per
// validation.
const semanticLimit = 5

// semanticMaxDistance is the cosine distance above which an embedding
// neighbour is not worth a warning.
const semanticMaxDistance = 0.35

// SimilarNameFinder looks up near-duplicate names by embedding distance.
// Implemented by [entity.SemanticIndex]; optional.
type SimilarNameFinder interface {
	SimilarNames(ctx context.Context, campaignID, name string, limit int) ([]entity.SimilarName, error)
}

// Validator checks a proposed generation input against existing campaign
// content.
type Validator struct {
	store     entity.Store
	semantic  SimilarNameFinder
	threshold float64
	log       *slog.Logger
}

// Option customises a [Validator].
type Option func(*Validator)

// WithSemanticIndex enables embedding-based near-duplicate warnings.
func WithSemanticIndex(idx SimilarNameFinder) Option {
	return func(v *Validator) { v.semantic = idx }
}

// WithSimilarityThreshold replaces the built-in near-duplicate heuristics
// with a single Jaro-Winkler cutoff in (0, 1]. Zero keeps the defaults.
func WithSimilarityThreshold(t float64) Option {
	return func(v *Validator) { v.threshold = t }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// New creates a Validator backed by the given entity store.
func New(store entity.Store, opts ...Option) *Validator {
	v := &Validator{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Options scopes one validation call.
type Options struct {
	// StubID, when non-empty, exempts that entity from the name collision
	// check. Set when the generation run is filling in a previously minted
	// stub, whose own name would otherwise collide with itself.
	StubID string
}

// Validate runs all checks against the store and returns the aggregated
// verdict. It returns an error only on infrastructure failure; domain
// findings are reported inside the result.
func (v *Validator) Validate(ctx context.Context, campaignID string, forgeType entity.EntityType, input forge.GenerationInput, opts Options) (forge.PreValidation, error) {
	var result forge.PreValidation

	name := strings.TrimSpace(input.NameHint)
	if name != "" {
		if err := v.checkName(ctx, campaignID, forgeType, name, opts.StubID, &result); err != nil {
			return forge.PreValidation{}, err
		}
	}
	if err := v.checkRefs(ctx, input.Refs, &result); err != nil {
		return forge.PreValidation{}, err
	}

	result.RecomputeCanProceed()
	return result, nil
}

// checkName detects exact collisions and near-duplicates for the proposed
// name.
func (v *Validator) checkName(ctx context.Context, campaignID string, forgeType entity.EntityType, name, stubID string, result *forge.PreValidation) error {
	existing, err := v.store.FindByName(ctx, campaignID, forgeType, name)
	if err != nil {
		return fmt.Errorf("validate: name lookup: %w", err)
	}
	if existing != nil && existing.ID != stubID {
		result.Conflicts = append(result.Conflicts, forge.Conflict{
			ID:          uuid.NewString(),
			Kind:        forge.ConflictNameCollision,
			Description: fmt.Sprintf("a %s named %q already exists", forgeType, existing.Name),
			EntityID:    existing.ID,
			Blocking:    true,
			Resolution:  forge.ResolutionUnset,
		})
	}

	peers, err := v.store.List(ctx, campaignID, entity.ListOptions{Type: forgeType})
	if err != nil {
		return fmt.Errorf("validate: list peers: %w", err)
	}
	seen := make(map[string]bool)
	for _, p := range peers {
		if p.ID == stubID || (existing != nil && p.ID == existing.ID) {
			continue
		}
		if v.similarNames(name, p.Name) {
			seen[p.ID] = true
			result.Warnings = append(result.Warnings, forge.Conflict{
				ID:          uuid.NewString(),
				Kind:        forge.ConflictSimilarName,
				Description: fmt.Sprintf("name %q is close to existing %s %q", name, p.Type, p.Name),
				EntityID:    p.ID,
				Resolution:  forge.ResolutionUnset,
			})
		}
	}

	v.checkSemantic(ctx, campaignID, name, stubID, seen, result)
	return nil
}

// similarNames applies either the configured threshold or the package
// defaults.
func (v *Validator) similarNames(a, b string) bool {
	if v.threshold <= 0 {
		return textmatch.SimilarNames(a, b)
	}
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return false
	}
	return textmatch.Similarity(a, b) >= v.threshold
}

// checkSemantic adds embedding-distance warnings. Failures here degrade to a
// log line; the lexical checks above are the authoritative baseline.
func (v *Validator) checkSemantic(ctx context.Context, campaignID, name, stubID string, seen map[string]bool, result *forge.PreValidation) {
	if v.semantic == nil {
		return
	}
	neighbours, err := v.semantic.SimilarNames(ctx, campaignID, name, semanticLimit)
	if err != nil {
		v.log.Warn("semantic name lookup failed", "error", err)
		return
	}
	for _, n := range neighbours {
		if n.Distance > semanticMaxDistance || n.EntityID == stubID || seen[n.EntityID] {
			continue
		}
		if strings.EqualFold(n.Name, name) {
			continue
		}
		result.Warnings = append(result.Warnings, forge.Conflict{
			ID:          uuid.NewString(),
			Kind:        forge.ConflictSimilarName,
			Description: fmt.Sprintf("name %q is semantically close to existing %q", name, n.Name),
			EntityID:    n.EntityID,
			Resolution:  forge.ResolutionUnset,
		})
	}
}

// checkRefs verifies every referenced entity exists and matches the type its
// relationship implies.
func (v *Validator) checkRefs(ctx context.Context, refs []forge.EntityRef, result *forge.PreValidation) error {
	for _, ref := range refs {
		got, err := v.store.Get(ctx, ref.EntityID)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				result.Warnings = append(result.Warnings, forge.Conflict{
					ID:          uuid.NewString(),
					Kind:        forge.ConflictMissingReference,
					Description: fmt.Sprintf("referenced entity %s does not exist", ref.EntityID),
					EntityID:    ref.EntityID,
					Resolution:  forge.ResolutionUnset,
				})
				continue
			}
			return fmt.Errorf("validate: resolve reference %s: %w", ref.EntityID, err)
		}
		if ref.WantType != "" && got.Type != ref.WantType {
			result.Warnings = append(result.Warnings, forge.Conflict{
				ID:   uuid.NewString(),
				Kind: forge.ConflictTypeMismatch,
				Description: fmt.Sprintf("reference %q expects a %s but %q is a %s",
					ref.Relationship, ref.WantType, got.Name, got.Type),
				EntityID:   got.ID,
				Resolution: forge.ResolutionUnset,
			})
		}
	}
	return nil
}
