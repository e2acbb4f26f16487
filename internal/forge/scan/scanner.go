// Package scan implements the content scanner: it walks a generated payload
// for implicit references to other entities and turns each one into a
// pending discovery for human review. Matching is deliberately
// recall-biased; a false positive costs the reviewer one click, a false
// negative silently loses a connection.
package scan

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

// ErrScanFailed wraps infrastructure failures during scanning. The pipeline
// treats it as terminal for the run: the generated payload is discarded
// rather than committed half-reconciled.
var ErrScanFailed = errors.New("scan: content scan failed")

// Scanner detects candidate entity references in generated content.
type Scanner struct {
	store     entity.Store
	max       int
	overrides map[string]map[string]string
	log       *slog.Logger
}

// Option customises a [Scanner].
type Option func(*Scanner)

// WithMaxDiscoveries caps how many discoveries one scan may surface; extra
// candidates are dropped in scan order. Zero means no cap.
func WithMaxDiscoveries(n int) Option {
	return func(s *Scanner) { s.max = n }
}

// WithStubOverrides remaps list fields to stub entity types, keyed by forge
// type then source field. Entries override the built-in stub-type table.
func WithStubOverrides(overrides map[string]map[string]string) Option {
	return func(s *Scanner) { s.overrides = overrides }
}

// New creates a Scanner backed by the given entity store.
func New(store entity.Store, log *slog.Logger, opts ...Option) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	s := &Scanner{store: store, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Options scopes one scan call.
type Options struct {
	// ForgeType is the entity type being generated; it keys the stub-type
	// table for suggested stub types.
	ForgeType entity.EntityType

	// CurrentEntityName is the generated entity's own name, excluded from
	// matching so an entity never discovers itself.
	CurrentEntityName string

	// Lists are the payload's structured array fields, treated as
	// pre-extracted candidates keyed by source field.
	Lists map[string][]string
}

// Scan extracts candidates from the free-text blob and the structured
// lists, deduplicates them, and matches each against existing campaign
// entities. Every returned discovery has status [forge.DiscoveryPending];
// matches are recorded as suggestions only.
func (s *Scanner) Scan(ctx context.Context, campaignID, text string, opts Options) (forge.ScanResult, error) {
	existing, err := s.store.List(ctx, campaignID, entity.ListOptions{})
	if err != nil {
		return forge.ScanResult{}, fmt.Errorf("%w: list entities: %w", ErrScanFailed, err)
	}

	type candidate struct {
		text        string
		sourceField string
	}
	var candidates []candidate
	for _, c := range textmatch.ExtractCandidates(text) {
		candidates = append(candidates, candidate{text: c.Text})
	}
	// Deterministic field order so repeated scans of the same payload
	// produce the same discovery sequence.
	for _, field := range forge.ListFields(opts.ForgeType) {
		for _, item := range opts.Lists[field] {
			item = strings.TrimSpace(item)
			if item != "" {
				candidates = append(candidates, candidate{text: item, sourceField: field})
			}
		}
	}

	self := strings.ToLower(strings.TrimSpace(opts.CurrentEntityName))
	seen := make(map[string]bool)
	result := forge.ScanResult{Discoveries: []forge.Discovery{}}
	for _, c := range candidates {
		if s.max > 0 && len(result.Discoveries) >= s.max {
			break
		}
		key := strings.ToLower(c.text)
		if seen[key] || key == self {
			continue
		}
		seen[key] = true

		d := forge.Discovery{
			ID:            uuid.NewString(),
			Text:          c.text,
			SourceField:   c.sourceField,
			SuggestedType: s.stubTypeFor(opts.ForgeType, c.sourceField),
			Suggested:     forge.DiscoveryCreateStub,
			Status:        forge.DiscoveryPending,
		}
		if match := matchExisting(c.text, existing); match != nil {
			d.Suggested = forge.DiscoveryLinkExisting
			d.MatchedEntityID = match.ID
		}
		result.Discoveries = append(result.Discoveries, d)
	}

	s.log.Debug("content scan complete",
		"campaign_id", campaignID,
		"candidates", len(candidates),
		"discoveries", len(result.Discoveries))
	return result, nil
}

// stubTypeFor resolves the suggested stub type, letting configured
// overrides shadow the built-in table.
func (s *Scanner) stubTypeFor(forgeType entity.EntityType, sourceField string) entity.EntityType {
	if fields, ok := s.overrides[string(forgeType)]; ok {
		if t, ok := fields[sourceField]; ok && entity.EntityType(t).IsValid() {
			return entity.EntityType(t)
		}
	}
	return forge.StubTypeFor(forgeType, sourceField)
}

// matchExisting returns the first existing entity whose name fuzzily
// matches the candidate, or nil. Containment either direction wins first;
// word-level root matching catches inflected forms.
func matchExisting(candidate string, existing []entity.EntityDefinition) *entity.EntityDefinition {
	lc := strings.ToLower(candidate)
	for i := range existing {
		name := strings.ToLower(existing[i].Name)
		if name == "" {
			continue
		}
		if strings.Contains(lc, name) || strings.Contains(name, lc) {
			return &existing[i]
		}
		if textmatch.Fuzzy(candidate, existing[i].Name) {
			return &existing[i]
		}
	}
	return nil
}
