package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/forge/generate"
	"github.com/castfell/loresmith/internal/forge/mint"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
)

// scriptedGenerator returns canned payloads in order, or a fixed error.
type scriptedGenerator struct {
	mu       sync.Mutex
	payloads []*forge.GeneratedPayload
	err      error
	calls    int
	lastReq  generate.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req generate.Request) (*forge.GeneratedPayload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	payload := g.payloads[0]
	if len(g.payloads) > 1 {
		g.payloads = g.payloads[1:]
	}
	return payload, nil
}

func newTestPipeline(t *testing.T, store *entity.MemStore, gen generate.Generator) *Pipeline {
	t.Helper()
	return New("c1",
		validate.New(store),
		gen,
		scan.New(store, nil),
		mint.New(store),
	)
}

func TestGenerate_FullRun(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	guild, err := store.Insert(context.Background(), entity.EntityDefinition{
		CampaignID: "c1", Name: "Thieves Guild", Type: entity.EntityFaction,
	})
	if err != nil {
		t.Fatal(err)
	}

	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name:     "Gareth Blackwood",
		FreeText: `Gareth Blackwood is a grizzled watchman of Duskmere Harbor. He owes a debt to the Thieves' Guild.`,
	}}}
	p := newTestPipeline(t, store, gen)

	var transitions []Status
	p.Subscribe(func(s State) { transitions = append(transitions, s.Status) })

	result, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{
		NameHint: "Gareth Blackwood",
		Concept:  "a grizzled harbor watchman",
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected run to reach review, got %+v", result)
	}

	state := p.State()
	if state.Status != StatusReview {
		t.Fatalf("expected review status, got %s", state.Status)
	}
	if state.Output == nil || state.Output.Name != "Gareth Blackwood" {
		t.Fatalf("expected generated output in state, got %+v", state.Output)
	}

	// The harbor is unknown and should suggest a stub; the guild mention
	// should match the existing faction despite the apostrophe.
	var harbor, guildDisc *forge.Discovery
	for i := range state.ScanResult.Discoveries {
		d := &state.ScanResult.Discoveries[i]
		switch d.Text {
		case "Duskmere Harbor":
			harbor = d
		case "the Thieves' Guild":
			guildDisc = d
		}
	}
	if harbor == nil || harbor.Suggested != forge.DiscoveryCreateStub {
		t.Fatalf("expected create_stub suggestion for the harbor, got %+v", harbor)
	}
	if guildDisc == nil || guildDisc.Suggested != forge.DiscoveryLinkExisting || guildDisc.MatchedEntityID != guild.ID {
		t.Fatalf("expected guild mention to link the existing faction, got %+v", guildDisc)
	}
	// No discovery for the entity's own name.
	for _, d := range state.ScanResult.Discoveries {
		if d.Text == "Gareth Blackwood" {
			t.Error("entity discovered itself")
		}
	}

	// Resolve: stub the harbor, link the guild.
	stubStatus := forge.DiscoveryCreateStub
	if err := p.UpdateDiscovery(harbor.ID, forge.DiscoveryPatch{Status: &stubStatus}); err != nil {
		t.Fatal(err)
	}
	linkStatus := forge.DiscoveryLinkExisting
	if err := p.UpdateDiscovery(guildDisc.ID, forge.DiscoveryPatch{Status: &linkStatus}); err != nil {
		t.Fatal(err)
	}

	commit, err := p.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(commit.Errors) != 0 {
		t.Fatalf("unexpected commit errors: %v", commit.Errors)
	}
	if commit.Entity.Name != "Gareth Blackwood" {
		t.Errorf("unexpected committed entity: %+v", commit.Entity)
	}
	if len(commit.Stubs) != 1 || commit.Stubs[0].Name != "Duskmere Harbor" {
		t.Fatalf("expected one harbor stub, got %+v", commit.Stubs)
	}
	if !commit.Stubs[0].IsStub() {
		t.Error("minted stub should carry the stub marker")
	}

	rels, err := store.Relationships(context.Background(), commit.Entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	targets := make(map[string]bool)
	for _, r := range rels {
		targets[r.TargetID] = true
	}
	if !targets[guild.ID] || !targets[commit.Stubs[0].ID] {
		t.Errorf("expected relationships to guild and stub, got %+v", rels)
	}

	if p.State().Status != StatusSaved {
		t.Errorf("expected saved status, got %s", p.State().Status)
	}

	want := []Status{StatusValidating, StatusGenerating, StatusScanning, StatusReview}
	for i, s := range want {
		if i >= len(transitions) || transitions[i] != s {
			t.Fatalf("transition %d: want %s, got %v", i, s, transitions)
		}
	}

	// A committed run occupies the pipeline until an explicit reset.
	_, err = p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "another"}, "")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy generating from saved, got %v", err)
	}
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if p.State().Status != StatusIdle {
		t.Fatalf("expected idle after reset, got %s", p.State().Status)
	}
}

func TestGenerate_ValidationSoftStop(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	if _, err := store.Insert(context.Background(), entity.EntityDefinition{
		CampaignID: "c1", Name: "Gareth Blackwood", Type: entity.EntityNPC,
	}); err != nil {
		t.Fatal(err)
	}

	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name: "Gareth Blackwood", FreeText: "duplicate",
	}}}
	p := newTestPipeline(t, store, gen)

	result, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{
		NameHint: "Gareth Blackwood",
	}, "")
	if err != nil {
		t.Fatalf("soft stop should not be an error: %v", err)
	}
	if result.OK {
		t.Fatal("expected soft stop on name collision")
	}
	if gen.calls != 0 {
		t.Fatalf("model was called despite validation findings: %d calls", gen.calls)
	}

	state := p.State()
	if state.Status != StatusIdle {
		t.Fatalf("expected idle after soft stop, got %s", state.Status)
	}
	if state.PreValidation == nil || len(state.PreValidation.Conflicts) != 1 {
		t.Fatalf("expected one blocking conflict, got %+v", state.PreValidation)
	}
	if state.PreValidation.CanProceed {
		t.Error("unresolved blocking conflict must not allow proceeding")
	}

	// Resolving the conflict flips CanProceed.
	if err := p.UpdateConflict(state.PreValidation.Conflicts[0].ID, forge.ResolutionRename); err != nil {
		t.Fatal(err)
	}
	if !p.State().PreValidation.CanProceed {
		t.Error("rename resolution should allow proceeding")
	}

	// ProceedAnyway bypasses validation and completes the run.
	res, err := p.ProceedAnyway(context.Background())
	if err != nil {
		t.Fatalf("proceedAnyway failed: %v", err)
	}
	if !res.OK || p.State().Status != StatusReview {
		t.Fatalf("expected review after proceedAnyway, got %+v / %s", res, p.State().Status)
	}
	if gen.calls != 1 {
		t.Fatalf("expected exactly one model call, got %d", gen.calls)
	}
}

func TestGenerate_SingleFlight(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	release := make(chan struct{})
	gen := &blockingGenerator{started: make(chan struct{}), release: release}
	p := newTestPipeline(t, store, gen)

	done := make(chan error, 1)
	go func() {
		_, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "x"}, "")
		done <- err
	}()
	<-gen.started

	_, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "y"}, "")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent generate, got %v", err)
	}
	if err := p.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for reset while in flight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

func TestGenerate_GenerationError(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, entity.NewMemStore(), &scriptedGenerator{err: generate.ErrGenerationFailed})
	_, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "x"}, "")
	if !errors.Is(err, generate.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}

	state := p.State()
	if state.Status != StatusError {
		t.Fatalf("expected error status, got %s", state.Status)
	}
	if state.Err == "" {
		t.Error("error state should carry a message")
	}

	// The error state is recoverable by reset.
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if p.State().Status != StatusIdle {
		t.Fatalf("expected idle after reset, got %s", p.State().Status)
	}
}

func TestGenerate_ScanErrorDiscardsOutput(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name: "Gareth", FreeText: "some text",
	}}}
	p := New("c1", validate.New(store), gen, &failingScanner{}, mint.New(store))

	_, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "x"}, "")
	if !errors.Is(err, scan.ErrScanFailed) {
		t.Fatalf("expected ErrScanFailed, got %v", err)
	}

	state := p.State()
	if state.Status != StatusError {
		t.Fatalf("expected error status, got %s", state.Status)
	}
	if state.Output != nil {
		t.Error("generated output must be discarded on scan failure")
	}
}

func TestCommit_RequiresReview(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, entity.NewMemStore(), &scriptedGenerator{})
	if _, err := p.Commit(context.Background()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict committing from idle, got %v", err)
	}
}

func TestUpdateDiscovery_Validation(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name: "X", FreeText: "Old Marrow waits.",
	}}}
	p := newTestPipeline(t, store, gen)
	if _, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "x"}, ""); err != nil {
		t.Fatal(err)
	}

	state := p.State()
	if len(state.ScanResult.Discoveries) == 0 {
		t.Fatal("expected at least one discovery")
	}
	id := state.ScanResult.Discoveries[0].ID

	bad := forge.DiscoveryStatus("explode")
	if err := p.UpdateDiscovery(id, forge.DiscoveryPatch{Status: &bad}); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if err := p.UpdateDiscovery("missing", forge.DiscoveryPatch{}); err == nil {
		t.Fatal("expected error for unknown discovery id")
	}

	ignore := forge.DiscoveryIgnore
	if err := p.UpdateDiscovery(id, forge.DiscoveryPatch{Status: &ignore}); err != nil {
		t.Fatal(err)
	}
	if got := p.State().ScanResult.Discoveries[0].Status; got != forge.DiscoveryIgnore {
		t.Fatalf("expected ignore status, got %s", got)
	}

	// Applying the same resolution again is a no-op, not an error.
	before := p.State()
	if err := p.UpdateDiscovery(id, forge.DiscoveryPatch{Status: &ignore}); err != nil {
		t.Fatalf("second identical patch: %v", err)
	}
	after := p.State()
	if !reflect.DeepEqual(before.ScanResult, after.ScanResult) {
		t.Errorf("repeated patch changed the scan result:\nbefore %+v\nafter  %+v", before.ScanResult, after.ScanResult)
	}
}

func TestStubRegeneration_SkipsSelfCollision(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	stub, err := store.Insert(context.Background(), entity.EntityDefinition{
		CampaignID: "c1",
		Name:       "Duskmere Harbor",
		Type:       entity.EntityLocation,
		Properties: map[string]string{entity.PropStub: "true"},
		Tags:       []string{"stub"},
	})
	if err != nil {
		t.Fatal(err)
	}

	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name:     "Duskmere Harbor",
		FreeText: "A fog-bound port town.",
	}}}
	p := newTestPipeline(t, store, gen)

	result, err := p.Generate(context.Background(), entity.EntityLocation, forge.GenerationInput{
		NameHint: "Duskmere Harbor",
	}, stub.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Fatalf("stub's own name must not collide with itself: %+v", p.State().PreValidation)
	}

	commit, err := p.Commit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if commit.Entity.ID != stub.ID {
		t.Errorf("expected stub to be filled in place, got new entity %s", commit.Entity.ID)
	}
	if commit.Entity.IsStub() {
		t.Error("filled stub should no longer be a stub")
	}
}

func TestGenerate_PromptContext(t *testing.T) {
	t.Parallel()

	store := entity.NewMemStore()
	gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
		Name:     "Gareth Blackwood",
		FreeText: "A retired smuggler.",
	}}}

	t.Run("builder output reaches the generator", func(t *testing.T) {
		p := New("c1",
			validate.New(store),
			gen,
			scan.New(store, nil),
			mint.New(store),
			WithContextBuilder(staticContextBuilder{text: "## Existing Campaign Entities\n- Thieves Guild (faction)"}),
		)
		if _, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "a smuggler"}, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		gen.mu.Lock()
		got := gen.lastReq.Context
		gen.mu.Unlock()
		if got == "" || !strings.Contains(got, "Thieves Guild") {
			t.Errorf("generator request context = %q, want campaign context", got)
		}
	})

	t.Run("builder failure does not block the run", func(t *testing.T) {
		store := entity.NewMemStore()
		gen := &scriptedGenerator{payloads: []*forge.GeneratedPayload{{
			Name:     "Mira Thornwood",
			FreeText: "A herbalist.",
		}}}
		p := New("c1",
			validate.New(store),
			gen,
			scan.New(store, nil),
			mint.New(store),
			WithContextBuilder(staticContextBuilder{err: errors.New("assembly failed")}),
		)
		result, err := p.Generate(context.Background(), entity.EntityNPC, forge.GenerationInput{Concept: "a herbalist"}, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.OK {
			t.Errorf("run did not reach review: %+v", result)
		}
	})
}

// staticContextBuilder returns a fixed context string or error.
type staticContextBuilder struct {
	text string
	err  error
}

func (b staticContextBuilder) Build(ctx context.Context, campaignID string, refs []forge.EntityRef) (string, error) {
	return b.text, b.err
}

// blockingGenerator blocks until released, to hold a run in flight.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req generate.Request) (*forge.GeneratedPayload, error) {
	close(g.started)
	<-g.release
	return &forge.GeneratedPayload{Name: "Blocked", FreeText: "done"}, nil
}

// failingScanner always fails.
type failingScanner struct{}

func (f *failingScanner) Scan(ctx context.Context, campaignID, text string, opts scan.Options) (forge.ScanResult, error) {
	return forge.ScanResult{}, scan.ErrScanFailed
}
