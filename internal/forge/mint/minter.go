// Package mint turns reviewed pipeline output into persisted entities. It
// creates placeholder stubs for discoveries marked create_stub, saves the
// main generated entity, and records relationships to stubs and linked
// entities.
//
// Stub minting is best-effort: a failed stub is logged and collected, never
// fatal. Saving the main entity is the one hard failure in the commit path.
package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
)

// ErrCommitFailed wraps a failure to persist the main generated entity.
var ErrCommitFailed = errors.New("mint: commit failed")

// NameIndexer receives newly persisted entity names for semantic indexing.
// Implemented by [entity.SemanticIndex]; optional.
type NameIndexer interface {
	IndexName(ctx context.Context, campaignID, entityID, name string) error
}

// Minter persists pipeline output into the entity store.
type Minter struct {
	store entity.Store
	index NameIndexer
	log   *slog.Logger
}

// Option customises a [Minter].
type Option func(*Minter)

// WithNameIndexer enables semantic indexing of persisted names. Index
// failures are logged, not returned.
func WithNameIndexer(idx NameIndexer) Option {
	return func(m *Minter) { m.index = idx }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(m *Minter) { m.log = log }
}

// New creates a Minter backed by the given entity store.
func New(store entity.Store, opts ...Option) *Minter {
	m := &Minter{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MintStubs creates a placeholder entity for every discovery whose status is
// [forge.DiscoveryCreateStub]. Failures are collected per stub; the
// successfully minted entities are always returned so the commit can proceed
// with whatever worked.
func (m *Minter) MintStubs(ctx context.Context, campaignID string, forgeType entity.EntityType, discoveries []forge.Discovery) ([]entity.EntityDefinition, []error) {
	var (
		stubs []entity.EntityDefinition
		errs  []error
	)
	for _, d := range discoveries {
		if d.Status != forge.DiscoveryCreateStub {
			continue
		}
		stub, err := m.store.Insert(ctx, stubFromDiscovery(campaignID, forgeType, d))
		if err != nil {
			m.log.Warn("stub mint failed",
				"campaign_id", campaignID,
				"text", d.Text,
				"error", err)
			errs = append(errs, fmt.Errorf("mint stub %q: %w", d.Text, err))
			continue
		}
		m.indexName(ctx, campaignID, stub.ID, stub.Name)
		stubs = append(stubs, stub)
	}
	return stubs, errs
}

// stubFromDiscovery builds the placeholder entity for one discovery. The
// provenance properties let a later generation run recognise the entity as a
// stub and fill it in.
func stubFromDiscovery(campaignID string, forgeType entity.EntityType, d forge.Discovery) entity.EntityDefinition {
	typ := d.SuggestedType
	if typ == "" {
		typ = forge.StubTypeFor(forgeType, d.SourceField)
	}
	return entity.EntityDefinition{
		CampaignID:  campaignID,
		Name:        d.Text,
		Type:        typ,
		Description: "Mentioned in generated content. Not yet detailed.",
		Properties: map[string]string{
			entity.PropStub:          "true",
			entity.PropDiscoveryText: d.Text,
		},
		Tags: []string{"stub"},
	}
}

// Resolutions carries the reviewed pipeline state into one commit.
type Resolutions struct {
	// Input is the original generation input.
	Input forge.GenerationInput

	// Discoveries are the reviewed discoveries; link_existing entries
	// produce relationships from the main entity.
	Discoveries []forge.Discovery

	// Stubs are the entities minted by MintStubs this commit; each gets a
	// relationship from the main entity.
	Stubs []entity.EntityDefinition

	// StubID, when non-empty, updates that existing stub in place instead
	// of inserting a new entity.
	StubID string
}

// Persist saves the main generated entity and its relationships. The entity
// insert (or stub update) is the only fatal failure; relationship errors are
// collected and returned alongside the saved entity.
func (m *Minter) Persist(ctx context.Context, campaignID string, forgeType entity.EntityType, payload *forge.GeneratedPayload, res Resolutions) (*entity.EntityDefinition, []error, error) {
	def, err := m.saveMain(ctx, campaignID, forgeType, payload, res)
	if err != nil {
		return nil, nil, err
	}
	m.indexName(ctx, campaignID, def.ID, def.Name)

	var errs []error
	link := func(targetID, what string) {
		rel := entity.Relationship{
			SourceID: def.ID,
			TargetID: targetID,
			Type:     entity.RelationshipReferences,
		}
		if err := m.store.InsertRelationship(ctx, rel); err != nil {
			m.log.Warn("relationship insert failed",
				"source_id", def.ID,
				"target_id", targetID,
				"error", err)
			errs = append(errs, fmt.Errorf("link %s: %w", what, err))
		}
	}

	for _, ref := range res.Input.Refs {
		link(ref.EntityID, fmt.Sprintf("reference %s", ref.EntityID))
	}
	for _, d := range res.Discoveries {
		if d.Status != forge.DiscoveryLinkExisting {
			continue
		}
		target := d.LinkedEntityID
		if target == "" {
			target = d.MatchedEntityID
		}
		if target == "" {
			errs = append(errs, fmt.Errorf("link %q: no entity selected", d.Text))
			continue
		}
		link(target, fmt.Sprintf("discovery %q", d.Text))
	}
	for _, stub := range res.Stubs {
		link(stub.ID, fmt.Sprintf("stub %q", stub.Name))
	}

	return def, errs, nil
}

// saveMain inserts the generated entity, or updates the stub it fills in.
func (m *Minter) saveMain(ctx context.Context, campaignID string, forgeType entity.EntityType, payload *forge.GeneratedPayload, res Resolutions) (*entity.EntityDefinition, error) {
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = strings.TrimSpace(res.Input.NameHint)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: generated entity has no name", ErrCommitFailed)
	}

	if res.StubID != "" {
		return m.fillStub(ctx, res.StubID, name, payload)
	}

	def, err := m.store.Insert(ctx, entity.EntityDefinition{
		CampaignID:  campaignID,
		Name:        name,
		Type:        forgeType,
		SubType:     res.Input.SubType,
		Description: payload.FreeText,
		Attributes:  payload.Raw,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return &def, nil
}

// fillStub promotes an existing stub into a full entity.
func (m *Minter) fillStub(ctx context.Context, stubID, name string, payload *forge.GeneratedPayload) (*entity.EntityDefinition, error) {
	def, err := m.store.Get(ctx, stubID)
	if err != nil {
		return nil, fmt.Errorf("%w: load stub %s: %w", ErrCommitFailed, stubID, err)
	}
	def.Name = name
	def.Description = payload.FreeText
	def.Attributes = payload.Raw
	delete(def.Properties, entity.PropStub)
	def.Tags = withoutTag(def.Tags, "stub")
	if err := m.store.Update(ctx, def); err != nil {
		return nil, fmt.Errorf("%w: update stub %s: %w", ErrCommitFailed, stubID, err)
	}
	return &def, nil
}

// withoutTag filters into a fresh slice; the input may alias state that must
// survive a failed update.
func withoutTag(tags []string, drop string) []string {
	var out []string
	for _, t := range tags {
		if t != drop {
			out = append(out, t)
		}
	}
	return out
}

// indexName pushes a name into the semantic index when one is configured.
func (m *Minter) indexName(ctx context.Context, campaignID, entityID, name string) {
	if m.index == nil {
		return
	}
	if err := m.index.IndexName(ctx, campaignID, entityID, name); err != nil {
		m.log.Warn("semantic index update failed",
			"entity_id", entityID,
			"error", err)
	}
}
