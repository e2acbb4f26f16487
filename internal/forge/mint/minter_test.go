package mint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
)

func TestMintStubs(t *testing.T) {
	t.Parallel()

	t.Run("only create_stub discoveries mint", func(t *testing.T) {
		t.Parallel()
		store := entity.NewMemStore()
		m := New(store)
		discoveries := []forge.Discovery{
			{ID: "d1", Text: "Vela Thorn", SourceField: "key_members", SuggestedType: entity.EntityNPC, Status: forge.DiscoveryCreateStub},
			{ID: "d2", Text: "Duskmere Harbor", Status: forge.DiscoveryLinkExisting, LinkedEntityID: "x"},
			{ID: "d3", Text: "Noise", Status: forge.DiscoveryIgnore},
			{ID: "d4", Text: "Pending One", Status: forge.DiscoveryPending},
		}
		stubs, errs := m.MintStubs(context.Background(), "c1", entity.EntityFaction, discoveries)
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if len(stubs) != 1 {
			t.Fatalf("expected 1 stub, got %d", len(stubs))
		}
		stub := stubs[0]
		if stub.Name != "Vela Thorn" || stub.Type != entity.EntityNPC {
			t.Errorf("unexpected stub: %+v", stub)
		}
		if !stub.IsStub() {
			t.Error("minted entity should report IsStub")
		}
		if stub.Properties[entity.PropDiscoveryText] != "Vela Thorn" {
			t.Error("provenance property missing")
		}
	})

	t.Run("stub type falls back to table default", func(t *testing.T) {
		t.Parallel()
		store := entity.NewMemStore()
		m := New(store)
		stubs, errs := m.MintStubs(context.Background(), "c1", entity.EntityFaction, []forge.Discovery{
			{ID: "d1", Text: "Old Marrow", Status: forge.DiscoveryCreateStub},
		})
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if stubs[0].Type != entity.EntityNPC {
			t.Errorf("expected npc fallback, got %s", stubs[0].Type)
		}
	})

	t.Run("failures are collected not fatal", func(t *testing.T) {
		t.Parallel()
		store := &failingStore{Store: entity.NewMemStore(), failInsertName: "Bad Stub"}
		m := New(store)
		stubs, errs := m.MintStubs(context.Background(), "c1", entity.EntityNPC, []forge.Discovery{
			{ID: "d1", Text: "Bad Stub", Status: forge.DiscoveryCreateStub},
			{ID: "d2", Text: "Good Stub", Status: forge.DiscoveryCreateStub},
		})
		if len(errs) != 1 {
			t.Fatalf("expected 1 error, got %v", errs)
		}
		if len(stubs) != 1 || stubs[0].Name != "Good Stub" {
			t.Fatalf("expected the surviving stub, got %+v", stubs)
		}
	})
}

func TestPersist(t *testing.T) {
	t.Parallel()

	t.Run("saves entity and relationships", func(t *testing.T) {
		t.Parallel()
		store := entity.NewMemStore()
		linked, err := store.Insert(context.Background(), entity.EntityDefinition{
			CampaignID: "c1", Name: "Duskmere Harbor", Type: entity.EntityLocation,
		})
		if err != nil {
			t.Fatal(err)
		}
		stub, err := store.Insert(context.Background(), entity.EntityDefinition{
			CampaignID: "c1", Name: "Vela Thorn", Type: entity.EntityNPC,
		})
		if err != nil {
			t.Fatal(err)
		}

		m := New(store)
		payload := &forge.GeneratedPayload{
			Name:     "The Ashen Compact",
			FreeText: "A smugglers' cartel.",
			Raw:      json.RawMessage(`{"name":"The Ashen Compact"}`),
		}
		def, errs, err := m.Persist(context.Background(), "c1", entity.EntityFaction, payload, Resolutions{
			Discoveries: []forge.Discovery{
				{ID: "d1", Text: "Duskmere Harbor", Status: forge.DiscoveryLinkExisting, MatchedEntityID: linked.ID},
			},
			Stubs: []entity.EntityDefinition{stub},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(errs) != 0 {
			t.Fatalf("unexpected relationship errors: %v", errs)
		}
		if def.Name != "The Ashen Compact" || def.Type != entity.EntityFaction {
			t.Errorf("unexpected entity: %+v", def)
		}

		rels, err := store.Relationships(context.Background(), def.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(rels) != 2 {
			t.Fatalf("expected 2 relationships, got %d", len(rels))
		}
	})

	t.Run("falls back to name hint", func(t *testing.T) {
		t.Parallel()
		m := New(entity.NewMemStore())
		def, _, err := m.Persist(context.Background(), "c1", entity.EntityNPC,
			&forge.GeneratedPayload{FreeText: "quiet"},
			Resolutions{Input: forge.GenerationInput{NameHint: "Gareth"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if def.Name != "Gareth" {
			t.Errorf("expected name hint fallback, got %q", def.Name)
		}
	})

	t.Run("no name at all is a commit failure", func(t *testing.T) {
		t.Parallel()
		m := New(entity.NewMemStore())
		_, _, err := m.Persist(context.Background(), "c1", entity.EntityNPC,
			&forge.GeneratedPayload{}, Resolutions{})
		if !errors.Is(err, ErrCommitFailed) {
			t.Fatalf("expected ErrCommitFailed, got %v", err)
		}
	})

	t.Run("fills existing stub in place", func(t *testing.T) {
		t.Parallel()
		store := entity.NewMemStore()
		stub, err := store.Insert(context.Background(), entity.EntityDefinition{
			CampaignID: "c1",
			Name:       "Old Marrow",
			Type:       entity.EntityNPC,
			Properties: map[string]string{entity.PropStub: "true"},
			Tags:       []string{"stub"},
		})
		if err != nil {
			t.Fatal(err)
		}

		m := New(store)
		def, _, err := m.Persist(context.Background(), "c1", entity.EntityNPC,
			&forge.GeneratedPayload{Name: "Old Marrow", FreeText: "A retired fence."},
			Resolutions{StubID: stub.ID})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if def.ID != stub.ID {
			t.Errorf("expected stub ID %s, got %s", stub.ID, def.ID)
		}
		if def.IsStub() {
			t.Error("filled stub should no longer report IsStub")
		}
		if def.Description != "A retired fence." {
			t.Errorf("description not updated: %q", def.Description)
		}
	})

	t.Run("failed stub update keeps the stored stub intact", func(t *testing.T) {
		t.Parallel()
		store := entity.NewMemStore()
		stub, err := store.Insert(context.Background(), entity.EntityDefinition{
			CampaignID: "c1",
			Name:       "Old Marrow",
			Type:       entity.EntityNPC,
			Properties: map[string]string{entity.PropStub: "true"},
			Tags:       []string{"stub"},
		})
		if err != nil {
			t.Fatal(err)
		}

		m := New(&failingStore{Store: store, failUpdate: true})
		_, _, err = m.Persist(context.Background(), "c1", entity.EntityNPC,
			&forge.GeneratedPayload{Name: "Old Marrow", FreeText: "A retired fence."},
			Resolutions{StubID: stub.ID})
		if !errors.Is(err, ErrCommitFailed) {
			t.Fatalf("expected ErrCommitFailed, got %v", err)
		}

		stored, err := store.Get(context.Background(), stub.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !stored.IsStub() {
			t.Error("stub marker lost after failed update")
		}
		if len(stored.Tags) != 1 || stored.Tags[0] != "stub" {
			t.Errorf("stub tags changed after failed update: %v", stored.Tags)
		}
	})

	t.Run("missing link target is collected", func(t *testing.T) {
		t.Parallel()
		m := New(entity.NewMemStore())
		_, errs, err := m.Persist(context.Background(), "c1", entity.EntityNPC,
			&forge.GeneratedPayload{Name: "Gareth"},
			Resolutions{Discoveries: []forge.Discovery{
				{ID: "d1", Text: "Nowhere", Status: forge.DiscoveryLinkExisting},
			}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(errs) != 1 {
			t.Fatalf("expected 1 collected error, got %v", errs)
		}
	})
}

// failingStore wraps a MemStore and fails inserts for one entity name,
// or every update.
type failingStore struct {
	entity.Store
	failInsertName string
	failUpdate     bool
}

func (f *failingStore) Insert(ctx context.Context, def entity.EntityDefinition) (entity.EntityDefinition, error) {
	if def.Name == f.failInsertName {
		return entity.EntityDefinition{}, errors.New("disk full")
	}
	return f.Store.Insert(ctx, def)
}

func (f *failingStore) Update(ctx context.Context, def entity.EntityDefinition) error {
	if f.failUpdate {
		return errors.New("disk full")
	}
	return f.Store.Update(ctx, def)
}
