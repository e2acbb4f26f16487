// Package quest implements the objective unlock engine: the state machine
// over a quest's objectives, with cascade unlocking driven by parent links
// and fuzzy unlock conditions.
//
// Objectives live inside the quest entity's attributes; the pure transition
// functions here operate on an in-memory snapshot and the [Engine] persists
// the result, so a storage failure never leaves a half-applied cascade.
package quest

import (
	"fmt"
	"slices"
	"strings"

	"github.com/castfell/loresmith/internal/textmatch"
)

// ObjectiveType classifies how an objective counts toward quest completion.
type ObjectiveType string

const (
	// TypeRequired objectives must be completed to finish the quest.
	TypeRequired ObjectiveType = "required"

	// TypeOptional objectives award extras but never gate completion.
	TypeOptional ObjectiveType = "optional"

	// TypeHidden objectives are invisible to players until activated.
	TypeHidden ObjectiveType = "hidden"
)

// ObjectiveState is an objective's position in its lifecycle.
type ObjectiveState string

const (
	// StateLocked objectives await an unlock cascade.
	StateLocked ObjectiveState = "locked"

	// StateActive objectives are in play.
	StateActive ObjectiveState = "active"

	// StateCompleted is a terminal success state.
	StateCompleted ObjectiveState = "completed"

	// StateFailed is a terminal failure state.
	StateFailed ObjectiveState = "failed"
)

// IsValid reports whether s is a recognised objective state.
func (s ObjectiveState) IsValid() bool {
	switch s {
	case StateLocked, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s ObjectiveState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Objective is one step of a quest.
type Objective struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        ObjectiveType  `json:"type"`
	State       ObjectiveState `json:"state"`

	// ParentID links this objective to the one whose completion unlocks
	// it. Empty for root objectives.
	ParentID string `json:"parent_id,omitempty"`

	// UnlockCondition is a free-text trigger phrase; completing an
	// objective whose title or id fuzzily matches it also unlocks this
	// objective.
	UnlockCondition string `json:"unlock_condition,omitempty"`
}

// Normalize enforces the start-state invariant on a freshly authored
// objective list: objectives with no parent and no unlock condition begin
// active, everything else begins locked. Objectives already in a terminal
// state are left alone so re-normalizing saved progress is safe.
func Normalize(objectives []Objective) []Objective {
	out := slices.Clone(objectives)
	for i := range out {
		if out[i].State.Terminal() {
			continue
		}
		if out[i].ParentID == "" && out[i].UnlockCondition == "" {
			out[i].State = StateActive
		} else {
			out[i].State = StateLocked
		}
	}
	return out
}

// Result is the outcome of a pure transition.
type Result struct {
	// Objectives is the full post-transition list, same order as the input.
	Objectives []Objective

	// Unlocked lists the IDs of objectives activated by the cascade, in
	// list order.
	Unlocked []string
}

// Complete marks the objective as completed and cascades: every locked
// objective whose parent is the completed one, or whose unlock condition
// matches it, becomes active.
func Complete(objectives []Objective, id string) (Result, error) {
	idx, err := indexOf(objectives, id)
	if err != nil {
		return Result{}, err
	}
	if objectives[idx].State != StateActive {
		return Result{}, fmt.Errorf("quest: objective %s is %s, not active", id, objectives[idx].State)
	}

	out := slices.Clone(objectives)
	out[idx].State = StateCompleted
	completed := out[idx]

	var unlocked []string
	for i := range out {
		if out[i].State != StateLocked {
			continue
		}
		if unlockedBy(out[i], completed) {
			out[i].State = StateActive
			unlocked = append(unlocked, out[i].ID)
		}
	}
	return Result{Objectives: out, Unlocked: unlocked}, nil
}

// Fail marks an active objective as failed. Failure does not cascade;
// children stay locked.
func Fail(objectives []Objective, id string) ([]Objective, error) {
	idx, err := indexOf(objectives, id)
	if err != nil {
		return nil, err
	}
	if objectives[idx].State != StateActive {
		return nil, fmt.Errorf("quest: objective %s is %s, not active", id, objectives[idx].State)
	}
	out := slices.Clone(objectives)
	out[idx].State = StateFailed
	return out, nil
}

// Activate sets the objective to active, reverting a completion or
// force-unlocking a locked one. Reverting re-locks the children: every
// objective whose parent is the reactivated one and whose state is not
// completed goes back to locked, since its unlock no longer happened.
func Activate(objectives []Objective, id string) ([]Objective, error) {
	idx, err := indexOf(objectives, id)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(objectives)
	out[idx].State = StateActive
	for i := range out {
		if out[i].ParentID != id || out[i].State == StateCompleted || i == idx {
			continue
		}
		out[i].State = StateLocked
	}
	return out, nil
}

// unlockedBy reports whether completing trigger unlocks candidate: either a
// direct parent link, an unlock condition fuzzily matching the trigger's
// title, or the trigger's id appearing within the condition text.
func unlockedBy(candidate, trigger Objective) bool {
	if candidate.ParentID != "" && candidate.ParentID == trigger.ID {
		return true
	}
	cond := strings.TrimSpace(candidate.UnlockCondition)
	if cond == "" {
		return false
	}
	if textmatch.Fuzzy(cond, trigger.Title) {
		return true
	}
	return trigger.ID != "" && strings.Contains(strings.ToLower(cond), strings.ToLower(trigger.ID))
}

func indexOf(objectives []Objective, id string) (int, error) {
	for i := range objectives {
		if objectives[i].ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("quest: objective %s not found", id)
}
