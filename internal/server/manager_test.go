package server

import (
	"testing"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge/mint"
	"github.com/castfell/loresmith/internal/forge/pipeline"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
)

func newTestManager(t *testing.T) (*PipelineManager, *int) {
	t.Helper()
	store := entity.NewMemStore()
	created := 0
	pm := NewPipelineManager(func(campaignID string) *pipeline.Pipeline {
		created++
		return pipeline.New(campaignID,
			validate.New(store),
			&stubGenerator{},
			scan.New(store, nil),
			mint.New(store),
		)
	})
	return pm, &created
}

func TestPipelineManager_GetCreatesOncePerCampaign(t *testing.T) {
	t.Parallel()

	pm, created := newTestManager(t)

	a := pm.Get("c1")
	b := pm.Get("c1")
	if a != b {
		t.Error("Get returned different pipelines for the same campaign")
	}
	if *created != 1 {
		t.Errorf("factory called %d times, want 1", *created)
	}

	pm.Get("c2")
	if *created != 2 {
		t.Errorf("factory called %d times after second campaign, want 2", *created)
	}
	if pm.Active() != 2 {
		t.Errorf("Active() = %d, want 2", pm.Active())
	}
}

func TestPipelineManager_Remove(t *testing.T) {
	t.Parallel()

	pm, created := newTestManager(t)

	first := pm.Get("c1")
	pm.Remove("c1")
	if pm.Active() != 0 {
		t.Errorf("Active() = %d after remove, want 0", pm.Active())
	}

	// Removing an unknown campaign is a no-op.
	pm.Remove("never-seen")

	second := pm.Get("c1")
	if first == second {
		t.Error("Get after Remove returned the discarded pipeline")
	}
	if *created != 2 {
		t.Errorf("factory called %d times, want 2", *created)
	}
}
