package promptctx

import (
	"fmt"
	"strings"

	"github.com/castfell/loresmith/pkg/provider/llm"
)

// TokenCounter estimates the token footprint of prompt text. Satisfied by
// [llm.Provider].
type TokenCounter interface {
	CountTokens(messages []llm.Message) (int, error)
}

// Format renders a [PromptContext] as a deterministic plain-text block for
// inclusion in the generation prompt. A nil or empty context renders as "".
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use. Empty sections are omitted rather than rendering as
// empty headers.
func Format(pc *PromptContext) string {
	if pc == nil {
		return ""
	}

	var sb strings.Builder

	if len(pc.Refs) > 0 {
		sb.WriteString("## Referenced Entities\n")
		for _, rc := range pc.Refs {
			writeRef(&sb, rc)
		}
	}

	if len(pc.Roster) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Existing Campaign Entities\n")
		sb.WriteString("Reuse these names when referring to established lore. Do not invent near-duplicates of them.\n")
		for _, e := range pc.Roster {
			sb.WriteString(rosterLine(e))
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// FitBudget renders pc trimmed so its token count fits budget. The roster is
// the first thing sacrificed, halved repeatedly from the end; the referenced
// entities are never dropped. When counting fails, or the budget cannot be
// met, the smallest rendering produced so far is returned.
func FitBudget(pc *PromptContext, counter TokenCounter, budget int) string {
	text := Format(pc)
	if pc == nil || counter == nil || budget <= 0 {
		return text
	}

	trimmed := *pc
	for {
		tokens, err := counter.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: text}})
		if err != nil || tokens <= budget {
			return text
		}
		if len(trimmed.Roster) == 0 {
			return text
		}
		trimmed.Roster = trimmed.Roster[:len(trimmed.Roster)/2]
		text = Format(&trimmed)
	}
}

func writeRef(sb *strings.Builder, rc RefContext) {
	line := fmt.Sprintf("- %s (%s)", rc.Entity.Name, rc.Entity.Type)
	if rc.Relationship != "" {
		line += fmt.Sprintf(", relationship to the new entity: %s", rc.Relationship)
	}
	sb.WriteString(line)
	sb.WriteString("\n")

	if desc := strings.TrimSpace(rc.Entity.Description); desc != "" {
		fmt.Fprintf(sb, "  %s\n", desc)
	}
	if len(rc.Related) > 0 {
		var names []string
		for _, r := range rc.Related {
			names = append(names, rosterName(r))
		}
		fmt.Fprintf(sb, "  Connected to: %s\n", strings.Join(names, ", "))
	}
}

func rosterLine(e RosterEntry) string {
	return "- " + rosterName(e)
}

func rosterName(e RosterEntry) string {
	s := fmt.Sprintf("%s (%s)", e.Name, e.Type)
	if e.Stub {
		s += " [undetailed]"
	}
	return s
}
