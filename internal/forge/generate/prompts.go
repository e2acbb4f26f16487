package generate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
)

// typeGuidance carries the per-type flavour appended to the base system
// prompt.
var typeGuidance = map[entity.EntityType]string{
	entity.EntityNPC:       "Create a memorable non-player character with clear motivations, a distinct voice, and hooks the party can pull on.",
	entity.EntityLocation:  "Create an evocative location with sensory detail, at least one secret, and reasons for the party to return.",
	entity.EntityItem:      "Create an item with history and consequence, not just mechanics. Name who made it, who lost it, who wants it.",
	entity.EntityFaction:   "Create a faction with concrete goals, named key members, territory it controls, and at least one rival.",
	entity.EntityQuest:     "Create a quest with clear stakes, the people involved, the places it touches, and what completing it changes.",
	entity.EntityEncounter: "Create an encounter with terrain that matters, combatants with tactics, and an out other than violence.",
	entity.EntityCreature:  "Create a creature with behaviour, habitat, and a reason it is where the party will meet it.",
}

// systemPrompt builds the instruction block for one forge type. The model
// must answer with a single JSON object; the known list fields are named so
// cross-references land in structured arrays the scanner can pick up.
func systemPrompt(forgeType entity.EntityType) string {
	fields := forge.ListFields(forgeType)
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("You are a worldbuilding assistant for a tabletop roleplaying campaign.\n")
	b.WriteString(typeGuidance[forgeType])
	b.WriteString("\n\nRespond with exactly one JSON object and nothing else. Required fields:\n")
	b.WriteString("  \"name\": string, the entity's display name\n")
	b.WriteString("  \"description\": string, prose describing the entity\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "  %q: array of strings, names only\n", f)
	}
	b.WriteString("\nName people, places, and things explicitly in the description so they can be cross-referenced. Omit fields you have nothing for rather than inventing filler.")
	return b.String()
}

// userPrompt renders the host's input and the assembled reference context.
func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a %s.\n", req.ForgeType)
	if req.Input.SubType != "" {
		fmt.Fprintf(&b, "Kind: %s\n", req.Input.SubType)
	}
	if req.Input.NameHint != "" {
		fmt.Fprintf(&b, "Name it %q.\n", req.Input.NameHint)
	}
	if req.Input.Concept != "" {
		fmt.Fprintf(&b, "Concept: %s\n", req.Input.Concept)
	}
	if req.Context != "" {
		b.WriteString("\nExisting campaign entities it relates to:\n")
		b.WriteString(req.Context)
	}
	return b.String()
}
