// Package pipeline implements the forge run orchestrator: a single-flight
// state machine driving one generation run from validation through
// generation, scanning, review, and commit.
//
// One Pipeline instance owns one campaign's current run. All exported
// methods are safe for concurrent use, but only one run is ever in flight;
// concurrent starts are rejected with [ErrBusy].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge"
	"github.com/castfell/loresmith/internal/forge/generate"
	"github.com/castfell/loresmith/internal/forge/mint"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
	"github.com/castfell/loresmith/internal/observe"
	"github.com/castfell/loresmith/internal/promptctx"
)

// ErrBusy is returned when an operation requires exclusive use of the
// pipeline while a run is already in flight.
var ErrBusy = errors.New("pipeline: a run is already in progress")

// ErrConflict is returned when an operation is not legal in the pipeline's
// current status.
var ErrConflict = errors.New("pipeline: operation not allowed in current state")

// ErrNotFound is returned when a referenced discovery or conflict does not
// exist in the current run.
var ErrNotFound = errors.New("pipeline: not found")

// Status is the pipeline's lifecycle phase.
type Status string

const (
	// StatusIdle means no run is active. Generate is legal.
	StatusIdle Status = "idle"

	// StatusValidating means pre-generation checks are running.
	StatusValidating Status = "validating"

	// StatusGenerating means the model call is in flight.
	StatusGenerating Status = "generating"

	// StatusScanning means the content scan is running.
	StatusScanning Status = "scanning"

	// StatusReview means output awaits human reconciliation. UpdateDiscovery
	// and Commit are legal.
	StatusReview Status = "review"

	// StatusSaving means the commit is persisting entities.
	StatusSaving Status = "saving"

	// StatusSaved is the terminal success state of a run.
	StatusSaved Status = "saved"

	// StatusError is the recoverable failure state. Reset and ProceedAnyway
	// are legal.
	StatusError Status = "error"
)

// State is an observable snapshot of the pipeline. Output is non-nil only
// in StatusReview and later; a scan failure discards it.
type State struct {
	Status        Status                  `json:"status"`
	ForgeType     entity.EntityType       `json:"forge_type,omitempty"`
	Input         *forge.GenerationInput  `json:"input,omitempty"`
	PreValidation *forge.PreValidation    `json:"pre_validation,omitempty"`
	Output        *forge.GeneratedPayload `json:"output,omitempty"`
	ScanResult    *forge.ScanResult       `json:"scan_result,omitempty"`
	Commit        *CommitResult           `json:"commit,omitempty"`
	Err           string                  `json:"error,omitempty"`
}

// CommitResult reports the outcome of a successful commit.
type CommitResult struct {
	// Entity is the persisted main entity.
	Entity entity.EntityDefinition `json:"entity"`

	// Stubs are the placeholder entities minted during the commit.
	Stubs []entity.EntityDefinition `json:"stubs"`

	// Errors lists non-fatal problems (failed stubs, failed relationships)
	// the host should surface.
	Errors []string `json:"errors,omitempty"`
}

// GenerateResult is the host-facing outcome of a Generate or ProceedAnyway
// call.
type GenerateResult struct {
	// OK is true when the run reached review.
	OK bool `json:"ok"`

	// Reason explains a soft stop (validation findings, busy) when OK is
	// false and no hard error occurred.
	Reason string `json:"reason,omitempty"`
}

// Validator runs pre-generation checks. Satisfied by [validate.Validator].
type Validator interface {
	Validate(ctx context.Context, campaignID string, forgeType entity.EntityType, input forge.GenerationInput, opts validate.Options) (forge.PreValidation, error)
}

// Scanner detects candidate references in generated content. Satisfied by
// [scan.Scanner].
type Scanner interface {
	Scan(ctx context.Context, campaignID, text string, opts scan.Options) (forge.ScanResult, error)
}

// Minter persists reviewed output.
type Minter interface {
	MintStubs(ctx context.Context, campaignID string, forgeType entity.EntityType, discoveries []forge.Discovery) ([]entity.EntityDefinition, []error)
	Persist(ctx context.Context, campaignID string, forgeType entity.EntityType, payload *forge.GeneratedPayload, res mint.Resolutions) (*entity.EntityDefinition, []error, error)
}

// ContextBuilder renders the campaign context string injected into the
// generation prompt. Satisfied by [promptctx.Builder].
type ContextBuilder interface {
	Build(ctx context.Context, campaignID string, refs []forge.EntityRef) (string, error)
}

var (
	_ Validator      = (*validate.Validator)(nil)
	_ Scanner        = (*scan.Scanner)(nil)
	_ Minter         = (*mint.Minter)(nil)
	_ ContextBuilder = (*promptctx.Builder)(nil)
)

// Subscriber receives a state snapshot after every transition. Callbacks run
// synchronously on the transitioning goroutine and must not call back into
// the pipeline.
type Subscriber func(State)

// Pipeline drives one campaign's forge runs.
type Pipeline struct {
	campaignID string
	validator  Validator
	generator  generate.Generator
	scanner    Scanner
	minter     Minter
	contextual ContextBuilder
	metrics    *observe.Metrics
	log        *slog.Logger

	mu       sync.Mutex
	state    State
	inFlight bool
	stubID   string
	subs     []Subscriber
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithContextBuilder enables campaign context assembly for generation
// prompts. Without one, prompts carry no campaign context.
func WithContextBuilder(cb ContextBuilder) Option {
	return func(p *Pipeline) { p.contextual = cb }
}

// WithMetrics enables per-stage duration and discovery accounting.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates an idle Pipeline for one campaign.
func New(campaignID string, validator Validator, generator generate.Generator, scanner Scanner, minter Minter, opts ...Option) *Pipeline {
	p := &Pipeline{
		campaignID: campaignID,
		validator:  validator,
		generator:  generator,
		scanner:    scanner,
		minter:     minter,
		log:        slog.Default(),
		state:      State{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns a snapshot of the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Subscribe registers a callback invoked after every state transition with a
// snapshot of the new state.
func (p *Pipeline) Subscribe(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Generate starts a new run: validate, then generate, then scan. It blocks
// until the run reaches review, soft-stops on validation findings, or fails.
//
// A run may start only from idle or error; after a committed run the
// pipeline must be Reset first. Starting while another run is in flight
// returns [ErrBusy].
func (p *Pipeline) Generate(ctx context.Context, forgeType entity.EntityType, input forge.GenerationInput, stubID string) (GenerateResult, error) {
	p.mu.Lock()
	switch p.state.Status {
	case StatusIdle, StatusError:
	default:
		p.mu.Unlock()
		return GenerateResult{OK: false, Reason: "a run is already active"}, ErrBusy
	}
	if p.inFlight {
		p.mu.Unlock()
		return GenerateResult{OK: false, Reason: "a run is already active"}, ErrBusy
	}
	p.inFlight = true
	p.stubID = stubID
	p.state = State{
		Status:    StatusValidating,
		ForgeType: forgeType,
		Input:     &input,
	}
	p.notifyLocked()
	p.mu.Unlock()

	defer p.clearInFlight()

	vctx, span := observe.StartSpan(ctx, "forge.validate")
	vstart := time.Now()
	validation, err := p.validator.Validate(vctx, p.campaignID, forgeType, input, validate.Options{StubID: stubID})
	span.End()
	p.recordStage(ctx, StatusValidating, vstart, forgeType)
	if err != nil {
		p.fail(fmt.Errorf("pipeline: validate: %w", err))
		return GenerateResult{}, err
	}
	if !validation.Clean() {
		// Soft stop: keep the findings, return to idle, await resolutions
		// or an explicit ProceedAnyway.
		p.mu.Lock()
		p.state.Status = StatusIdle
		p.state.PreValidation = &validation
		p.notifyLocked()
		p.mu.Unlock()
		return GenerateResult{OK: false, Reason: "validation requires review"}, nil
	}

	p.mu.Lock()
	p.state.PreValidation = &validation
	p.mu.Unlock()

	return p.run(ctx)
}

// ProceedAnyway re-enters generation with the last submitted input,
// bypassing validation. Legal after a validation soft stop, from review, or
// from error.
func (p *Pipeline) ProceedAnyway(ctx context.Context) (GenerateResult, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return GenerateResult{OK: false, Reason: "a run is already active"}, ErrBusy
	}
	if p.state.Input == nil {
		p.mu.Unlock()
		return GenerateResult{}, fmt.Errorf("%w: nothing to proceed with", ErrConflict)
	}
	switch p.state.Status {
	case StatusIdle, StatusReview, StatusError:
	default:
		p.mu.Unlock()
		return GenerateResult{}, fmt.Errorf("%w: cannot proceed from %s", ErrConflict, p.state.Status)
	}
	p.inFlight = true
	p.state.Status = StatusGenerating
	p.state.Output = nil
	p.state.ScanResult = nil
	p.state.Commit = nil
	p.state.Err = ""
	p.notifyLocked()
	p.mu.Unlock()

	defer p.clearInFlight()
	return p.run(ctx)
}

// run executes the generate and scan phases. The caller holds the in-flight
// flag; state.Input and state.ForgeType are set.
func (p *Pipeline) run(ctx context.Context) (GenerateResult, error) {
	p.mu.Lock()
	forgeType := p.state.ForgeType
	input := *p.state.Input
	if p.state.Status != StatusGenerating {
		p.state.Status = StatusGenerating
		p.notifyLocked()
	}
	p.mu.Unlock()

	// Context assembly is best effort; a generation without campaign
	// context is still a valid generation.
	var promptContext string
	if p.contextual != nil {
		text, err := p.contextual.Build(ctx, p.campaignID, input.Refs)
		if err != nil {
			p.log.Warn("prompt context assembly failed",
				"campaign_id", p.campaignID, "error", err)
		} else {
			promptContext = text
		}
	}

	gctx, span := observe.StartSpan(ctx, "forge.generate")
	gstart := time.Now()
	payload, err := p.generator.Generate(gctx, generate.Request{
		CampaignID: p.campaignID,
		ForgeType:  forgeType,
		Input:      input,
		Context:    promptContext,
	})
	span.End()
	p.recordStage(ctx, StatusGenerating, gstart, forgeType)
	if err != nil {
		p.fail(err)
		return GenerateResult{}, err
	}

	p.mu.Lock()
	p.state.Status = StatusScanning
	p.state.Output = payload
	p.notifyLocked()
	p.mu.Unlock()

	sctx, span := observe.StartSpan(ctx, "forge.scan")
	sstart := time.Now()
	scanResult, err := p.scanner.Scan(sctx, p.campaignID, payload.FreeText, scan.Options{
		ForgeType:         forgeType,
		CurrentEntityName: payload.Name,
		Lists:             payload.Lists,
	})
	span.End()
	p.recordStage(ctx, StatusScanning, sstart, forgeType)
	if err != nil {
		// The payload is discarded; committing unreconciled output would
		// silently drop its connections.
		p.mu.Lock()
		p.state.Status = StatusError
		p.state.Output = nil
		p.state.Err = err.Error()
		p.notifyLocked()
		p.mu.Unlock()
		return GenerateResult{}, err
	}

	if p.metrics != nil {
		for _, d := range scanResult.Discoveries {
			p.metrics.RecordDiscovery(ctx, string(d.SuggestedType))
		}
	}

	p.mu.Lock()
	p.state.Status = StatusReview
	p.state.ScanResult = &scanResult
	p.notifyLocked()
	p.mu.Unlock()

	p.log.Info("forge run reached review",
		"campaign_id", p.campaignID,
		"forge_type", forgeType,
		"discoveries", len(scanResult.Discoveries))
	return GenerateResult{OK: true}, nil
}

// UpdateDiscovery applies a reviewer decision to one discovery. Legal while
// the scan result exists and the run has not been committed.
func (p *Pipeline) UpdateDiscovery(id string, patch forge.DiscoveryPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Status != StatusReview || p.state.ScanResult == nil {
		return fmt.Errorf("%w: no scan result to update", ErrConflict)
	}
	for i := range p.state.ScanResult.Discoveries {
		d := &p.state.ScanResult.Discoveries[i]
		if d.ID != id {
			continue
		}
		if patch.Status != nil {
			if !patch.Status.IsValid() {
				return fmt.Errorf("pipeline: invalid discovery status %q", *patch.Status)
			}
			d.Status = *patch.Status
			if d.Status == forge.DiscoveryLinkExisting && d.LinkedEntityID == "" {
				d.LinkedEntityID = d.MatchedEntityID
			}
		}
		if patch.LinkedEntityID != nil {
			d.LinkedEntityID = *patch.LinkedEntityID
		}
		p.notifyLocked()
		return nil
	}
	return fmt.Errorf("%w: discovery %s", ErrNotFound, id)
}

// UpdateConflict records a resolution on one validation conflict or warning
// and recomputes whether the run can proceed.
func (p *Pipeline) UpdateConflict(id string, resolution forge.ConflictResolution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.PreValidation == nil {
		return fmt.Errorf("%w: no validation findings to update", ErrConflict)
	}
	if !resolution.IsValid() {
		return fmt.Errorf("pipeline: invalid conflict resolution %q", resolution)
	}
	pv := p.state.PreValidation
	for _, list := range [][]forge.Conflict{pv.Conflicts, pv.Warnings} {
		for i := range list {
			if list[i].ID == id {
				list[i].Resolution = resolution
				pv.RecomputeCanProceed()
				p.notifyLocked()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: conflict %s", ErrNotFound, id)
}

// Commit persists the reviewed output: stubs first, then the main entity and
// its relationships. Legal only from review. Discoveries still pending are
// treated as ignored.
func (p *Pipeline) Commit(ctx context.Context) (CommitResult, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return CommitResult{}, ErrBusy
	}
	if p.state.Status != StatusReview || p.state.Output == nil {
		status := p.state.Status
		p.mu.Unlock()
		return CommitResult{}, fmt.Errorf("%w: cannot commit from %s", ErrConflict, status)
	}
	p.inFlight = true
	p.state.Status = StatusSaving
	p.notifyLocked()
	forgeType := p.state.ForgeType
	input := *p.state.Input
	payload := p.state.Output
	var discoveries []forge.Discovery
	if p.state.ScanResult != nil {
		discoveries = append(discoveries, p.state.ScanResult.Discoveries...)
	}
	stubID := p.stubID
	p.mu.Unlock()

	defer p.clearInFlight()

	cctx, span := observe.StartSpan(ctx, "forge.commit")
	cstart := time.Now()

	stubs, stubErrs := p.minter.MintStubs(cctx, p.campaignID, forgeType, discoveries)

	def, relErrs, err := p.minter.Persist(cctx, p.campaignID, forgeType, payload, mint.Resolutions{
		Input:       input,
		Discoveries: discoveries,
		Stubs:       stubs,
		StubID:      stubID,
	})
	span.End()
	p.recordStage(ctx, StatusSaving, cstart, forgeType)
	if err != nil {
		p.fail(err)
		return CommitResult{}, err
	}
	if p.metrics != nil {
		for _, s := range stubs {
			p.metrics.RecordStubMinted(ctx, string(s.Type))
		}
	}

	result := CommitResult{Entity: *def, Stubs: stubs}
	for _, e := range append(stubErrs, relErrs...) {
		result.Errors = append(result.Errors, e.Error())
	}

	p.mu.Lock()
	p.state.Status = StatusSaved
	p.state.Commit = &result
	p.notifyLocked()
	p.mu.Unlock()

	p.log.Info("forge run committed",
		"campaign_id", p.campaignID,
		"entity_id", def.ID,
		"stubs", len(stubs),
		"soft_errors", len(result.Errors))
	return result, nil
}

// Reset discards the current run and returns to idle. Rejected while a
// phase is in flight.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return ErrBusy
	}
	p.state = State{Status: StatusIdle}
	p.stubID = ""
	p.notifyLocked()
	return nil
}

// fail transitions to the error state, preserving input for ProceedAnyway.
func (p *Pipeline) fail(err error) {
	p.log.Error("forge run failed", "campaign_id", p.campaignID, "error", err)
	p.mu.Lock()
	p.state.Status = StatusError
	p.state.Err = err.Error()
	p.notifyLocked()
	p.mu.Unlock()
}

func (p *Pipeline) clearInFlight() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// recordStage records one duration sample on the histogram matching the
// given phase. No-op when metrics are disabled.
func (p *Pipeline) recordStage(ctx context.Context, phase Status, start time.Time, forgeType entity.EntityType) {
	if p.metrics == nil {
		return
	}
	var h metric.Float64Histogram
	switch phase {
	case StatusValidating:
		h = p.metrics.ValidateDuration
	case StatusGenerating:
		h = p.metrics.GenerateDuration
	case StatusScanning:
		h = p.metrics.ScanDuration
	case StatusSaving:
		h = p.metrics.CommitDuration
	default:
		return
	}
	h.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("forge_type", string(forgeType))))
}

// snapshotLocked deep-copies the mutable parts of the state so callers can
// hold the snapshot without racing the next transition.
func (p *Pipeline) snapshotLocked() State {
	s := p.state
	if p.state.Input != nil {
		in := *p.state.Input
		s.Input = &in
	}
	if p.state.PreValidation != nil {
		pv := *p.state.PreValidation
		pv.Conflicts = append([]forge.Conflict(nil), p.state.PreValidation.Conflicts...)
		pv.Warnings = append([]forge.Conflict(nil), p.state.PreValidation.Warnings...)
		s.PreValidation = &pv
	}
	if p.state.ScanResult != nil {
		sr := forge.ScanResult{
			Discoveries: append([]forge.Discovery(nil), p.state.ScanResult.Discoveries...),
		}
		s.ScanResult = &sr
	}
	return s
}

// notifyLocked invokes every subscriber with a snapshot. Caller holds mu.
func (p *Pipeline) notifyLocked() {
	if len(p.subs) == 0 {
		return
	}
	snapshot := p.snapshotLocked()
	for _, fn := range p.subs {
		fn(snapshot)
	}
}
