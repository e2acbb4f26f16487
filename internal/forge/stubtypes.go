package forge

import (
	"slices"

	"github.com/castfell/loresmith/internal/entity"
)

// freeTextField is the table key for candidates extracted from the payload's
// free-text blob rather than a structured list field.
const freeTextField = ""

// stubTypeTable maps (forge type, source field) to the entity type a minted
// stub gets. The empty source field is the per-forge-type default for
// free-text discoveries. Extending the pipeline with a new payload list
// field is a table edit, not a code change.
var stubTypeTable = map[entity.EntityType]map[string]entity.EntityType{
	entity.EntityNPC: {
		freeTextField: entity.EntityNPC,
		"affiliations": entity.EntityFaction,
		"haunts":       entity.EntityLocation,
		"possessions":  entity.EntityItem,
	},
	entity.EntityLocation: {
		freeTextField:       entity.EntityNPC,
		"notable_residents": entity.EntityNPC,
		"factions":          entity.EntityFaction,
		"landmarks":         entity.EntityLocation,
	},
	entity.EntityItem: {
		freeTextField:     entity.EntityNPC,
		"previous_owners": entity.EntityNPC,
		"origin":          entity.EntityLocation,
	},
	entity.EntityFaction: {
		freeTextField: entity.EntityNPC,
		"key_members":  entity.EntityNPC,
		"territory":    entity.EntityLocation,
		"allies":       entity.EntityFaction,
		"rivals":       entity.EntityFaction,
		"assets":       entity.EntityItem,
	},
	entity.EntityQuest: {
		freeTextField:   entity.EntityNPC,
		"involved_npcs": entity.EntityNPC,
		"locations":     entity.EntityLocation,
		"rewards":       entity.EntityItem,
	},
	entity.EntityEncounter: {
		freeTextField: entity.EntityCreature,
		"combatants":  entity.EntityCreature,
		"location":    entity.EntityLocation,
	},
	entity.EntityCreature: {
		freeTextField: entity.EntityCreature,
		"habitat":     entity.EntityLocation,
	},
}

// StubTypeFor resolves the entity type a stub minted from the given forge
// type and source field should get. Unknown fields fall back to the forge
// type's free-text default, and unknown forge types to [entity.EntityNPC].
func StubTypeFor(forgeType entity.EntityType, sourceField string) entity.EntityType {
	fields, ok := stubTypeTable[forgeType]
	if !ok {
		return entity.EntityNPC
	}
	if t, ok := fields[sourceField]; ok {
		return t
	}
	return fields[freeTextField]
}

// ListFields returns the structured list field names known for a forge type,
// sorted so callers iterate lists in a stable order. The scanner depends on
// that stability: when a name appears in two lists, the first field wins the
// dedupe, and that winner must not change between identical scans.
func ListFields(forgeType entity.EntityType) []string {
	fields, ok := stubTypeTable[forgeType]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(fields))
	for f := range fields {
		if f != freeTextField {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}
