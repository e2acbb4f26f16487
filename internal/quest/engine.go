package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/castfell/loresmith/internal/entity"
)

// ErrNotQuest is returned when the targeted entity is not a quest.
var ErrNotQuest = errors.New("quest: entity is not a quest")

// attrObjectives is the attributes key the objective list lives under.
const attrObjectives = "objectives"

// Action is a transition requested against one objective.
type Action string

const (
	// ActionComplete finishes an active objective and cascades unlocks.
	ActionComplete Action = "complete"

	// ActionFail fails an active objective without cascading.
	ActionFail Action = "fail"

	// ActionActivate sets an objective active, re-locking its
	// non-completed children when used to revert a completion.
	ActionActivate Action = "activate"
)

// IsValid reports whether a is a recognised action.
func (a Action) IsValid() bool {
	switch a {
	case ActionComplete, ActionFail, ActionActivate:
		return true
	}
	return false
}

// Transition is the persisted outcome of applying an action.
type Transition struct {
	// QuestID is the quest entity the objectives belong to.
	QuestID string `json:"quest_id"`

	// Objectives is the full post-transition list.
	Objectives []Objective `json:"objectives"`

	// Unlocked lists objectives activated by a completion cascade.
	Unlocked []string `json:"unlocked,omitempty"`

	// QuestComplete is true once every required objective is completed.
	QuestComplete bool `json:"quest_complete"`
}

// Engine applies objective transitions to quest entities and persists the
// result. Transitions are computed on a snapshot and written back in one
// update, so a persist failure leaves the stored quest untouched.
type Engine struct {
	store entity.Store
	log   *slog.Logger
}

// NewEngine returns an Engine backed by the given store.
func NewEngine(store entity.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log}
}

// Objectives loads the quest's objective list. A quest with no authored
// objectives yields an empty list.
func (e *Engine) Objectives(ctx context.Context, questID string) ([]Objective, error) {
	_, objectives, _, err := e.load(ctx, questID)
	return objectives, err
}

// SetObjectives replaces the quest's objective list, normalizing start
// states before persisting.
func (e *Engine) SetObjectives(ctx context.Context, questID string, objectives []Objective) ([]Objective, error) {
	quest, _, attrs, err := e.load(ctx, questID)
	if err != nil {
		return nil, err
	}
	normalized := Normalize(objectives)
	if err := e.persist(ctx, quest, attrs, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// Apply runs one action against one objective and persists the outcome.
// On a persist failure the returned error wraps the store's, and the
// stored quest keeps its pre-transition objectives.
func (e *Engine) Apply(ctx context.Context, questID, objectiveID string, action Action) (*Transition, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("quest: unknown action %q", action)
	}

	quest, objectives, attrs, err := e.load(ctx, questID)
	if err != nil {
		return nil, err
	}

	var (
		next     []Objective
		unlocked []string
	)
	switch action {
	case ActionComplete:
		res, err := Complete(objectives, objectiveID)
		if err != nil {
			return nil, err
		}
		next, unlocked = res.Objectives, res.Unlocked
	case ActionFail:
		next, err = Fail(objectives, objectiveID)
	case ActionActivate:
		next, err = Activate(objectives, objectiveID)
	}
	if err != nil {
		return nil, err
	}

	if err := e.persist(ctx, quest, attrs, next); err != nil {
		return nil, err
	}

	tr := &Transition{
		QuestID:       questID,
		Objectives:    next,
		Unlocked:      unlocked,
		QuestComplete: questComplete(next),
	}
	e.log.InfoContext(ctx, "objective transition applied",
		"quest_id", questID,
		"objective_id", objectiveID,
		"action", action,
		"unlocked", len(unlocked),
		"quest_complete", tr.QuestComplete,
	)
	return tr, nil
}

// questComplete reports whether every required objective is completed.
// A quest with no required objectives is never auto-completed.
func questComplete(objectives []Objective) bool {
	required := 0
	for _, o := range objectives {
		if o.Type != TypeRequired {
			continue
		}
		required++
		if o.State != StateCompleted {
			return false
		}
	}
	return required > 0
}

// load fetches the quest entity and decodes its objective list, keeping
// the remaining attribute keys intact for write-back.
func (e *Engine) load(ctx context.Context, questID string) (entity.EntityDefinition, []Objective, map[string]json.RawMessage, error) {
	quest, err := e.store.Get(ctx, questID)
	if err != nil {
		return entity.EntityDefinition{}, nil, nil, fmt.Errorf("quest: load %s: %w", questID, err)
	}
	if quest.Type != entity.EntityQuest {
		return entity.EntityDefinition{}, nil, nil, fmt.Errorf("%w: %s is a %s", ErrNotQuest, questID, quest.Type)
	}

	attrs := map[string]json.RawMessage{}
	if len(quest.Attributes) > 0 {
		if err := json.Unmarshal(quest.Attributes, &attrs); err != nil {
			return entity.EntityDefinition{}, nil, nil, fmt.Errorf("quest: decode attributes of %s: %w", questID, err)
		}
	}

	var objectives []Objective
	if raw, ok := attrs[attrObjectives]; ok {
		if err := json.Unmarshal(raw, &objectives); err != nil {
			return entity.EntityDefinition{}, nil, nil, fmt.Errorf("quest: decode objectives of %s: %w", questID, err)
		}
	}
	return quest, objectives, attrs, nil
}

// persist writes the objective list back into the quest's attributes.
func (e *Engine) persist(ctx context.Context, quest entity.EntityDefinition, attrs map[string]json.RawMessage, objectives []Objective) error {
	raw, err := json.Marshal(objectives)
	if err != nil {
		return fmt.Errorf("quest: encode objectives: %w", err)
	}
	attrs[attrObjectives] = raw

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("quest: encode attributes: %w", err)
	}
	quest.Attributes = encoded
	if err := e.store.Update(ctx, quest); err != nil {
		return fmt.Errorf("quest: persist %s: %w", quest.ID, err)
	}
	return nil
}
