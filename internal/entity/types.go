// Package entity provides campaign entity storage for Loresmith.
//
// Entities are the persisted world objects of a campaign (NPCs, locations,
// items, factions, quests, encounters, creatures). The forge pipeline reads
// them during validation and scanning and writes them at commit time; the
// quest engine updates a quest entity's attribute payload as objectives
// unlock.
//
// The [Store] interface is the gateway the rest of the system consumes.
// Implementations: [MemStore] (in-memory, tests and single-host use) and
// [PostgresStore] (pgx-backed, production).
//
// All store operations are safe for concurrent use.
package entity

import (
	"encoding/json"
	"time"
)

// EntityDefinition is a persisted campaign entity.
type EntityDefinition struct {
	// ID is a unique identifier. Auto-generated if empty on insert.
	ID string `yaml:"id" json:"id"`

	// CampaignID scopes the entity to one campaign. All name lookups are
	// campaign-scoped.
	CampaignID string `yaml:"campaign_id" json:"campaign_id"`

	// Name is the entity's display name.
	Name string `yaml:"name" json:"name"`

	// Type classifies the entity (npc, location, item, faction, ...).
	Type EntityType `yaml:"type" json:"type"`

	// SubType is an optional finer classification within Type
	// (e.g. "tavern" for a location, "guild" for a faction).
	SubType string `yaml:"sub_type,omitempty" json:"sub_type,omitempty"`

	// Description is a free-text description of the entity.
	Description string `yaml:"description" json:"description"`

	// Properties holds string key-value metadata. Stub provenance lives here
	// under the Prov* keys.
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`

	// Tags are searchable labels for categorization.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Attributes is the entity's full generated payload, preserved
	// round-trip. The core inspects only the fields it extracted at
	// generation time; everything else passes through opaquely.
	Attributes json.RawMessage `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	// CreatedAt and UpdatedAt are maintained by the store.
	CreatedAt time.Time `yaml:"-" json:"created_at,omitzero"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at,omitzero"`
}

// IsStub reports whether the entity is a minted placeholder awaiting
// elaboration.
func (e EntityDefinition) IsStub() bool {
	return e.Properties[PropStub] == "true"
}

// Provenance property keys set on minted stub entities.
const (
	// PropStub marks an entity as a minted placeholder ("true").
	PropStub = "stub"

	// PropSourceEntity is the ID of the entity whose generated text
	// referenced this stub.
	PropSourceEntity = "source_entity_id"

	// PropDiscoveryText is the verbatim text span that produced the stub.
	PropDiscoveryText = "discovery_text"
)

// EntityType classifies a campaign entity.
type EntityType string

const (
	// EntityNPC represents a non-player character.
	EntityNPC EntityType = "npc"

	// EntityLocation represents a place in the game world.
	EntityLocation EntityType = "location"

	// EntityItem represents a physical object or artifact.
	EntityItem EntityType = "item"

	// EntityFaction represents an organisation, guild, or faction.
	EntityFaction EntityType = "faction"

	// EntityQuest represents a quest or mission with objectives.
	EntityQuest EntityType = "quest"

	// EntityEncounter represents a prepared scene or combat encounter.
	EntityEncounter EntityType = "encounter"

	// EntityCreature represents a monster or beast stat block.
	EntityCreature EntityType = "creature"
)

// IsValid reports whether t is a recognised entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityNPC, EntityLocation, EntityItem, EntityFaction,
		EntityQuest, EntityEncounter, EntityCreature:
		return true
	}
	return false
}

// Relationship is a directed connection between two entities.
type Relationship struct {
	// SourceID and TargetID identify the connected entities.
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`

	// Type describes the relationship (e.g. "references", "member_of",
	// "located_in").
	Type string `json:"type"`
}

// RelationshipReferences is the relationship type the minter records from a
// committed entity to each entity its generated text referenced.
const RelationshipReferences = "references"
