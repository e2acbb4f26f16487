// Package forge defines the shared types of the generation-reconciliation
// pipeline: generation inputs, the generated payload envelope, discoveries,
// conflicts, and the table-driven stub-type mapping.
//
// These types form the lingua franca between the validator, scanner, minter,
// and pipeline orchestrator. Each stage lives in its own subpackage; the
// cross-cutting data structures live here to avoid circular imports.
package forge

import (
	"encoding/json"

	"github.com/castfell/loresmith/internal/entity"
)

// GenerationInput carries everything the host supplies to start one forge
// run. It is immutable once submitted to generation.
type GenerationInput struct {
	// NameHint is the desired entity name. May be empty to let the model
	// invent one.
	NameHint string `json:"name_hint,omitempty"`

	// Concept is the free-text prompt describing what to generate.
	Concept string `json:"concept"`

	// SubType optionally narrows the entity kind (e.g. "tavern", "guild").
	SubType string `json:"sub_type,omitempty"`

	// Refs are existing entities the new one should relate to.
	Refs []EntityRef `json:"refs,omitempty"`
}

// EntityRef names an existing entity the generated entity relates to, and
// the relationship implied by the input form.
type EntityRef struct {
	// EntityID is the referenced entity's ID.
	EntityID string `json:"entity_id"`

	// Relationship describes the intended connection
	// (e.g. "member_of", "located_in").
	Relationship string `json:"relationship,omitempty"`

	// WantType is the entity type the relationship implies. When non-empty
	// the validator warns if the referenced entity has a different type.
	WantType entity.EntityType `json:"want_type,omitempty"`
}

// GeneratedPayload is the typed envelope around one generated entity. The
// pipeline inspects only Name, FreeText, and Lists; Raw preserves the full
// model output for round-trip persistence.
type GeneratedPayload struct {
	// Name is the generated entity's display name. Excluded from
	// self-matching during scanning.
	Name string `json:"name"`

	// FreeText is the single free-text blob scanned for discoveries.
	FreeText string `json:"free_text"`

	// Lists holds the structured array fields of the payload (e.g. a
	// faction's "key_members"), treated as pre-extracted discovery
	// candidates keyed by source field name.
	Lists map[string][]string `json:"lists,omitempty"`

	// Raw is the complete JSON object returned by the model, passed through
	// opaquely to storage.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// DiscoveryStatus is the human resolution state of a [Discovery].
type DiscoveryStatus string

const (
	// DiscoveryPending awaits a reviewer decision.
	DiscoveryPending DiscoveryStatus = "pending"

	// DiscoveryCreateStub mints a placeholder entity at commit time.
	DiscoveryCreateStub DiscoveryStatus = "create_stub"

	// DiscoveryLinkExisting records a relationship to an existing entity.
	DiscoveryLinkExisting DiscoveryStatus = "link_existing"

	// DiscoveryIgnore drops the discovery without side effects.
	DiscoveryIgnore DiscoveryStatus = "ignore"
)

// IsValid reports whether s is a recognised discovery status.
func (s DiscoveryStatus) IsValid() bool {
	switch s {
	case DiscoveryPending, DiscoveryCreateStub, DiscoveryLinkExisting, DiscoveryIgnore:
		return true
	}
	return false
}

// Discovery is a candidate reference to another entity detected within
// generated text. Created by the scanner with Status
// [DiscoveryPending]; mutated only through the pipeline's UpdateDiscovery;
// consumed once by the minter at commit time.
type Discovery struct {
	// ID identifies the discovery within one pipeline run.
	ID string `json:"id"`

	// Text is the verbatim span from the scanned payload.
	Text string `json:"text"`

	// SourceField names the structured list field that produced this
	// candidate; empty for candidates found in the free-text blob.
	SourceField string `json:"source_field,omitempty"`

	// SuggestedType is the entity type a minted stub would get, resolved
	// from the stub-type table by (forge type, SourceField).
	SuggestedType entity.EntityType `json:"suggested_type,omitempty"`

	// Suggested is the scanner's proposed resolution:
	// [DiscoveryLinkExisting] when an existing entity matched,
	// [DiscoveryCreateStub] otherwise. Advisory only.
	Suggested DiscoveryStatus `json:"suggested"`

	// MatchedEntityID is the existing entity the scanner matched, set only
	// when Suggested is [DiscoveryLinkExisting].
	MatchedEntityID string `json:"matched_entity_id,omitempty"`

	// Status is the reviewer's decision. Starts [DiscoveryPending].
	Status DiscoveryStatus `json:"status"`

	// LinkedEntityID is the entity to link when Status is
	// [DiscoveryLinkExisting]. Defaults to MatchedEntityID when the
	// reviewer accepts the suggestion without overriding it.
	LinkedEntityID string `json:"linked_entity_id,omitempty"`
}

// DiscoveryPatch is a partial update applied to one discovery by the
// reviewer. Nil fields are left unchanged.
type DiscoveryPatch struct {
	Status         *DiscoveryStatus
	LinkedEntityID *string
}

// ScanResult is the output of one content scan.
type ScanResult struct {
	Discoveries []Discovery `json:"discoveries"`
}

// ConflictKind classifies a pre-generation validation issue.
type ConflictKind string

const (
	// ConflictNameCollision is an exact case-insensitive same-type name
	// collision. Blocking.
	ConflictNameCollision ConflictKind = "name_collision"

	// ConflictSimilarName flags a near-duplicate existing name. Advisory.
	ConflictSimilarName ConflictKind = "similar_name"

	// ConflictMissingReference flags an input reference to an entity ID
	// that does not exist. Advisory.
	ConflictMissingReference ConflictKind = "missing_reference"

	// ConflictTypeMismatch flags a referenced entity whose type contradicts
	// the relationship implied by the input. Advisory.
	ConflictTypeMismatch ConflictKind = "type_mismatch"
)

// ConflictResolution is the human decision recorded on a [Conflict].
type ConflictResolution string

const (
	// ResolutionUnset means no decision has been made yet.
	ResolutionUnset ConflictResolution = "unset"

	// ResolutionProceed accepts the conflict and continues.
	ResolutionProceed ConflictResolution = "proceed"

	// ResolutionRename signals the host will rename the new entity.
	ResolutionRename ConflictResolution = "rename"

	// ResolutionCancel abandons the run.
	ResolutionCancel ConflictResolution = "cancel"
)

// IsValid reports whether r is a recognised conflict resolution.
func (r ConflictResolution) IsValid() bool {
	switch r {
	case ResolutionUnset, ResolutionProceed, ResolutionRename, ResolutionCancel:
		return true
	}
	return false
}

// Conflict is a blocking or advisory condition detected before generation.
type Conflict struct {
	// ID identifies the conflict within one pipeline run.
	ID string `json:"id"`

	// Kind classifies the issue.
	Kind ConflictKind `json:"kind"`

	// Description is the human-readable explanation shown to the reviewer.
	Description string `json:"description"`

	// EntityID optionally names the existing entity involved.
	EntityID string `json:"entity_id,omitempty"`

	// Blocking conflicts halt the pipeline until resolved; advisory ones
	// soft-stop it.
	Blocking bool `json:"blocking"`

	// Resolution is the reviewer's decision. Starts [ResolutionUnset].
	Resolution ConflictResolution `json:"resolution"`
}

// Resolved reports whether the conflict carries a non-destructive
// resolution that allows the pipeline to continue.
func (c Conflict) Resolved() bool {
	return c.Resolution == ResolutionProceed || c.Resolution == ResolutionRename
}

// PreValidation is the validator's verdict on a proposed generation input.
type PreValidation struct {
	// Conflicts are blocking issues.
	Conflicts []Conflict `json:"conflicts"`

	// Warnings are advisory issues surfaced to the host before generation
	// cost is incurred.
	Warnings []Conflict `json:"warnings"`

	// CanProceed is false iff at least one blocking conflict lacks a
	// non-destructive resolution.
	CanProceed bool `json:"can_proceed"`
}

// Clean reports whether validation produced neither conflicts nor warnings.
// The orchestrator soft-stops on anything non-clean.
func (p PreValidation) Clean() bool {
	return len(p.Conflicts) == 0 && len(p.Warnings) == 0
}

// RecomputeCanProceed re-evaluates CanProceed after resolutions changed.
func (p *PreValidation) RecomputeCanProceed() {
	for _, c := range p.Conflicts {
		if c.Blocking && !c.Resolved() {
			p.CanProceed = false
			return
		}
	}
	p.CanProceed = true
}
