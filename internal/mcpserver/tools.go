package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
	"github.com/castfell/loresmith/internal/observe"
)

// toolTimeout bounds one tool execution. All tools are store-backed reads,
// so anything slower than this indicates a stuck backend.
const toolTimeout = 10 * time.Second

// ──────────────────────────────────────────────────────────────────────────────
// query_entities
// ──────────────────────────────────────────────────────────────────────────────

// QueryEntitiesInput represents the MCP tool input for listing campaign
// entities.
type QueryEntitiesInput struct {
	CampaignID string   `json:"campaign_id" jsonschema:"campaign identifier"`
	Type       string   `json:"type,omitempty" jsonschema:"optional entity type filter (npc, location, item, faction, quest)"`
	Tags       []string `json:"tags,omitempty" jsonschema:"optional tags; entities must carry all of them"`
	Name       string   `json:"name,omitempty" jsonschema:"optional exact name lookup (case-insensitive, requires type)"`
}

// EntitySummary is the read-only projection of an entity returned by
// query_entities. The raw generated payload is deliberately omitted to keep
// tool results small.
type EntitySummary struct {
	ID          string   `json:"id" jsonschema:"entity identifier"`
	Name        string   `json:"name" jsonschema:"display name"`
	Type        string   `json:"type" jsonschema:"entity type"`
	SubType     string   `json:"sub_type,omitempty" jsonschema:"finer classification within the type"`
	Description string   `json:"description,omitempty" jsonschema:"free-text description"`
	Tags        []string `json:"tags,omitempty" jsonschema:"labels attached to the entity"`
	Stub        bool     `json:"stub" jsonschema:"true when the entity is a placeholder awaiting elaboration"`
}

// QueryEntitiesResult represents the MCP tool output for query_entities.
type QueryEntitiesResult struct {
	Entities []EntitySummary `json:"entities" jsonschema:"matching entities"`
	Total    int             `json:"total" jsonschema:"number of matching entities"`
}

// QueryEntitiesTool defines the MCP tool schema for entity queries.
func QueryEntitiesTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "query_entities",
		Description: "Lists entities of a campaign, optionally filtered by type, tags, or an exact name. Read-only.",
	}
}

// QueryEntitiesHandler executes an entity query against the store.
func QueryEntitiesHandler(store entity.Store, metrics *observe.Metrics) mcp.ToolHandlerFor[QueryEntitiesInput, QueryEntitiesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input QueryEntitiesInput) (*mcp.CallToolResult, QueryEntitiesResult, error) {
		done := startToolCall(ctx, metrics, "query_entities")

		if strings.TrimSpace(input.CampaignID) == "" {
			done("error")
			return nil, QueryEntitiesResult{}, errors.New("campaign_id is required")
		}

		typ := entity.EntityType(input.Type)
		if input.Type != "" && !typ.IsValid() {
			done("error")
			return nil, QueryEntitiesResult{}, fmt.Errorf("entity type %q is not recognised", input.Type)
		}

		runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		result := QueryEntitiesResult{Entities: []EntitySummary{}}

		if name := strings.TrimSpace(input.Name); name != "" {
			if typ == "" {
				done("error")
				return nil, QueryEntitiesResult{}, errors.New("name lookup requires a type")
			}
			match, err := store.FindByName(runCtx, input.CampaignID, typ, name)
			if err != nil {
				done("error")
				return nil, QueryEntitiesResult{}, fmt.Errorf("find entity by name: %w", err)
			}
			if match != nil {
				result.Entities = append(result.Entities, summarize(*match))
			}
			result.Total = len(result.Entities)
			done("ok")
			return nil, result, nil
		}

		entities, err := store.List(runCtx, input.CampaignID, entity.ListOptions{Type: typ, Tags: input.Tags})
		if err != nil {
			done("error")
			return nil, QueryEntitiesResult{}, fmt.Errorf("list entities: %w", err)
		}
		for _, e := range entities {
			result.Entities = append(result.Entities, summarize(e))
		}
		result.Total = len(result.Entities)
		done("ok")
		return nil, result, nil
	}
}

func summarize(e entity.EntityDefinition) EntitySummary {
	return EntitySummary{
		ID:          e.ID,
		Name:        e.Name,
		Type:        string(e.Type),
		SubType:     e.SubType,
		Description: e.Description,
		Tags:        e.Tags,
		Stub:        e.IsStub(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// scan_text
// ──────────────────────────────────────────────────────────────────────────────

// ScanTextInput represents the MCP tool input for scanning prose.
type ScanTextInput struct {
	CampaignID        string `json:"campaign_id" jsonschema:"campaign identifier"`
	Text              string `json:"text" jsonschema:"prose to scan for entity references"`
	ForgeType         string `json:"forge_type,omitempty" jsonschema:"entity type the text describes; keys suggested stub types"`
	CurrentEntityName string `json:"current_entity_name,omitempty" jsonschema:"name of the entity the text belongs to, excluded from matching"`
}

// DiscoveryReport is the read-only projection of one scanner discovery.
type DiscoveryReport struct {
	Text            string `json:"text" jsonschema:"verbatim span detected in the text"`
	SuggestedType   string `json:"suggested_type,omitempty" jsonschema:"entity type a minted stub would get"`
	Suggested       string `json:"suggested" jsonschema:"scanner suggestion: link_existing or create_stub"`
	MatchedEntityID string `json:"matched_entity_id,omitempty" jsonschema:"existing entity the scanner matched, if any"`
}

// ScanTextResult represents the MCP tool output for scan_text.
type ScanTextResult struct {
	Discoveries []DiscoveryReport `json:"discoveries" jsonschema:"candidate entity references found in the text"`
	Total       int               `json:"total" jsonschema:"number of discoveries"`
}

// ScanTextTool defines the MCP tool schema for content scanning.
func ScanTextTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "scan_text",
		Description: "Scans prose for references to campaign entities and reports matches against the existing catalogue. Read-only; nothing is persisted.",
	}
}

// ScanTextHandler executes a content scan.
func ScanTextHandler(scanner *scan.Scanner, metrics *observe.Metrics) mcp.ToolHandlerFor[ScanTextInput, ScanTextResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ScanTextInput) (*mcp.CallToolResult, ScanTextResult, error) {
		done := startToolCall(ctx, metrics, "scan_text")

		if strings.TrimSpace(input.CampaignID) == "" {
			done("error")
			return nil, ScanTextResult{}, errors.New("campaign_id is required")
		}
		if strings.TrimSpace(input.Text) == "" {
			done("error")
			return nil, ScanTextResult{}, errors.New("text is required")
		}
		forgeType := entity.EntityType(input.ForgeType)
		if input.ForgeType != "" && !forgeType.IsValid() {
			done("error")
			return nil, ScanTextResult{}, fmt.Errorf("forge type %q is not recognised", input.ForgeType)
		}

		runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		scanResult, err := scanner.Scan(runCtx, input.CampaignID, input.Text, scan.Options{
			ForgeType:         forgeType,
			CurrentEntityName: input.CurrentEntityName,
		})
		if err != nil {
			done("error")
			return nil, ScanTextResult{}, fmt.Errorf("scan text: %w", err)
		}

		result := ScanTextResult{Discoveries: []DiscoveryReport{}}
		for _, d := range scanResult.Discoveries {
			result.Discoveries = append(result.Discoveries, DiscoveryReport{
				Text:            d.Text,
				SuggestedType:   string(d.SuggestedType),
				Suggested:       string(d.Suggested),
				MatchedEntityID: d.MatchedEntityID,
			})
		}
		result.Total = len(result.Discoveries)
		done("ok")
		return nil, result, nil
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// validate_name
// ──────────────────────────────────────────────────────────────────────────────

// ValidateNameInput represents the MCP tool input for pre-checking a
// proposed entity name.
type ValidateNameInput struct {
	CampaignID string `json:"campaign_id" jsonschema:"campaign identifier"`
	ForgeType  string `json:"forge_type" jsonschema:"entity type the name is intended for"`
	Name       string `json:"name" jsonschema:"proposed entity name"`
}

// ConflictReport is the read-only projection of one validation finding.
type ConflictReport struct {
	Kind        string `json:"kind" jsonschema:"conflict classification"`
	Description string `json:"description" jsonschema:"human-readable explanation"`
	EntityID    string `json:"entity_id,omitempty" jsonschema:"existing entity involved, if any"`
	Blocking    bool   `json:"blocking" jsonschema:"true when the conflict would halt a forge run"`
}

// ValidateNameResult represents the MCP tool output for validate_name.
type ValidateNameResult struct {
	Conflicts  []ConflictReport `json:"conflicts" jsonschema:"blocking findings"`
	Warnings   []ConflictReport `json:"warnings" jsonschema:"advisory findings"`
	CanProceed bool             `json:"can_proceed" jsonschema:"true when no unresolved blocking conflict exists"`
}

// ValidateNameTool defines the MCP tool schema for name validation.
func ValidateNameTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "validate_name",
		Description: "Checks a proposed entity name against the campaign catalogue for collisions and near-duplicates before generation cost is incurred. Read-only.",
	}
}

// ValidateNameHandler executes a name pre-check.
func ValidateNameHandler(validator *validate.Validator, metrics *observe.Metrics) mcp.ToolHandlerFor[ValidateNameInput, ValidateNameResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ValidateNameInput) (*mcp.CallToolResult, ValidateNameResult, error) {
		done := startToolCall(ctx, metrics, "validate_name")

		if strings.TrimSpace(input.CampaignID) == "" {
			done("error")
			return nil, ValidateNameResult{}, errors.New("campaign_id is required")
		}
		if strings.TrimSpace(input.Name) == "" {
			done("error")
			return nil, ValidateNameResult{}, errors.New("name is required")
		}
		forgeType := entity.EntityType(input.ForgeType)
		if !forgeType.IsValid() {
			done("error")
			return nil, ValidateNameResult{}, fmt.Errorf("forge type %q is not recognised", input.ForgeType)
		}

		runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()

		verdict, err := validator.Validate(runCtx, input.CampaignID, forgeType,
			forge.GenerationInput{NameHint: input.Name}, validate.Options{})
		if err != nil {
			done("error")
			return nil, ValidateNameResult{}, fmt.Errorf("validate name: %w", err)
		}

		result := ValidateNameResult{
			Conflicts:  []ConflictReport{},
			Warnings:   []ConflictReport{},
			CanProceed: verdict.CanProceed,
		}
		for _, c := range verdict.Conflicts {
			result.Conflicts = append(result.Conflicts, reportConflict(c))
		}
		for _, c := range verdict.Warnings {
			result.Warnings = append(result.Warnings, reportConflict(c))
		}
		done("ok")
		return nil, result, nil
	}
}

func reportConflict(c forge.Conflict) ConflictReport {
	return ConflictReport{
		Kind:        string(c.Kind),
		Description: c.Description,
		EntityID:    c.EntityID,
		Blocking:    c.Blocking,
	}
}

// startToolCall begins metric accounting for one tool execution and returns
// a completion callback taking the outcome status.
func startToolCall(ctx context.Context, metrics *observe.Metrics, tool string) func(status string) {
	if metrics == nil {
		return func(string) {}
	}
	start := time.Now()
	return func(status string) {
		metrics.RecordToolCall(ctx, tool, status)
		metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", tool)))
	}
}
