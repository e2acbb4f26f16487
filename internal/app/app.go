// Package app wires all Loresmith subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API (and the MCP surface when enabled),
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithEntityStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castfell/loresmith/internal/config"
	"github.com/castfell/loresmith/internal/entity"
	"github.com/castfell/loresmith/internal/forge/generate"
	"github.com/castfell/loresmith/internal/forge/mint"
	"github.com/castfell/loresmith/internal/forge/pipeline"
	"github.com/castfell/loresmith/internal/forge/scan"
	"github.com/castfell/loresmith/internal/forge/validate"
	"github.com/castfell/loresmith/internal/health"
	"github.com/castfell/loresmith/internal/mcpserver"
	"github.com/castfell/loresmith/internal/observe"
	"github.com/castfell/loresmith/internal/promptctx"
	"github.com/castfell/loresmith/internal/quest"
	"github.com/castfell/loresmith/internal/resilience"
	"github.com/castfell/loresmith/internal/server"
	"github.com/castfell/loresmith/pkg/provider/embeddings"
	"github.com/castfell/loresmith/pkg/provider/llm"
)

// NamedLLM pairs a completion provider with the name used in fallback
// routing logs and metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the primary generation provider. Required.
	LLM llm.Provider

	// FallbackLLMs are tried in order when the primary's circuit opens.
	FallbackLLMs []NamedLLM

	// Embeddings backs the semantic name index. Optional; requires Postgres.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the Loresmith API.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	logLevel  *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	pool       *pgxpool.Pool
	entities   entity.Store
	semantic   *entity.SemanticIndex
	generation llm.Provider
	contextual *promptctx.Builder
	pipelines  *server.PipelineManager
	quests     *quest.Engine
	httpServer *http.Server
	mcp        *mcpserver.Server

	// forge is the pipeline tuning read by the pipeline factory. Guarded so
	// hot reloads can swap it while campaigns keep forging.
	forgeMu sync.RWMutex
	forge   config.ForgeConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEntityStore injects an entity store instead of creating one from config.
func WithEntityStore(s entity.Store) Option {
	return func(a *App) { a.entities = s }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogLevelVar connects the logger's level to config hot reloads.
func WithLogLevelVar(lvl *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lvl }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: storage connection and
// migration, semantic index setup, generation chain assembly, and the HTTP
// and MCP surfaces. Run starts the listeners.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: a primary LLM provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		forge:     cfg.Forge,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Entity storage ────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Generation chain ──────────────────────────────────────────────
	a.initGeneration()

	// ── 3. Quest engine ──────────────────────────────────────────────────
	a.quests = quest.NewEngine(a.entities, a.log)

	// ── 4. Pipeline manager ──────────────────────────────────────────────
	a.pipelines = server.NewPipelineManager(
		a.buildPipeline,
		server.WithManagerLogger(a.log),
		server.WithManagerMetrics(a.metrics),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 6. MCP surface ───────────────────────────────────────────────────
	if cfg.MCP.Enabled {
		a.initMCP()
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage connects the entity store. With a Postgres DSN the store is
// durable and, when an embeddings provider is configured, carries the
// semantic name index; without one entities live in memory.
func (a *App) initStorage(ctx context.Context) error {
	if a.entities == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pool, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return fmt.Errorf("ping postgres: %w", err)
			}
			a.pool = pool
			a.closers = append(a.closers, func() error {
				pool.Close()
				return nil
			})

			store := entity.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate entities: %w", err)
			}
			a.entities = store
			a.log.Info("entity store ready", "backend", "postgres")
		} else {
			a.entities = entity.NewMemStore()
			a.log.Warn("no postgres dsn configured, entities live in memory")
		}
	}

	if a.providers.Embeddings != nil {
		if a.pool == nil {
			a.log.Warn("embeddings configured without postgres, semantic name index disabled")
			return nil
		}
		idx := entity.NewSemanticIndex(a.pool, a.providers.Embeddings)
		if err := idx.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate semantic index: %w", err)
		}
		a.semantic = idx
		a.log.Info("semantic name index ready", "model", a.providers.Embeddings.ModelID())
	}

	return nil
}

// initGeneration assembles the provider the generator calls: the primary
// LLM, wrapped in a circuit-breaking fallback chain when fallbacks exist,
// plus the campaign context builder.
func (a *App) initGeneration() {
	provider := a.providers.LLM
	if len(a.providers.FallbackLLMs) > 0 {
		fb := resilience.NewLLMFallback(provider, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, entry := range a.providers.FallbackLLMs {
			fb.AddFallback(entry.Name, entry.Provider)
			a.log.Info("registered fallback llm", "name", entry.Name)
		}
		provider = fb
	}
	a.generation = provider

	var assemblerOpts []promptctx.Option
	if a.cfg.Forge.RosterLimit > 0 {
		assemblerOpts = append(assemblerOpts, promptctx.WithRosterLimit(a.cfg.Forge.RosterLimit))
	}
	assemblerOpts = append(assemblerOpts, promptctx.WithLogger(a.log))
	assembler := promptctx.NewAssembler(a.entities, assemblerOpts...)
	a.contextual = promptctx.NewBuilder(assembler, provider, a.cfg.Forge.ContextTokenBudget)
}

// buildPipeline is the per-campaign factory handed to the PipelineManager.
// Each pipeline gets fresh stage instances tuned by the current forge
// config, so hot reloads apply to campaigns registered afterwards.
func (a *App) buildPipeline(campaignID string) *pipeline.Pipeline {
	forgeCfg := a.currentForge()

	validateOpts := []validate.Option{validate.WithLogger(a.log)}
	if forgeCfg.SimilarityThreshold > 0 {
		validateOpts = append(validateOpts, validate.WithSimilarityThreshold(forgeCfg.SimilarityThreshold))
	}
	if a.semantic != nil {
		validateOpts = append(validateOpts, validate.WithSemanticIndex(a.semantic))
	}
	validator := validate.New(a.entities, validateOpts...)

	var scanOpts []scan.Option
	if forgeCfg.MaxDiscoveries > 0 {
		scanOpts = append(scanOpts, scan.WithMaxDiscoveries(forgeCfg.MaxDiscoveries))
	}
	if len(forgeCfg.StubOverrides) > 0 {
		scanOpts = append(scanOpts, scan.WithStubOverrides(forgeCfg.StubOverrides))
	}
	scanner := scan.New(a.entities, a.log, scanOpts...)

	mintOpts := []mint.Option{mint.WithLogger(a.log)}
	if a.semantic != nil {
		mintOpts = append(mintOpts, mint.WithNameIndexer(semanticIndexer{idx: a.semantic}))
	}
	minter := mint.New(a.entities, mintOpts...)

	generator := generate.NewLLM(a.generation, a.log,
		generate.WithMetrics(a.metrics, a.cfg.Providers.LLM.Name))

	return pipeline.New(campaignID, validator, generator, scanner, minter,
		pipeline.WithLogger(a.log),
		pipeline.WithContextBuilder(a.contextual),
		pipeline.WithMetrics(a.metrics),
	)
}

// initHTTP builds the API router and the http.Server that Run starts.
func (a *App) initHTTP() {
	checkers := []health.Checker{health.LLM(a.generation)}
	if a.pool != nil {
		checkers = append(checkers, health.Database(a.pool))
	}

	srv := server.New(a.pipelines, a.entities, a.quests,
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(checkers...)),
	)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initMCP builds the read-only MCP tool surface. Its scanner and validator
// are independent of any pipeline: tool calls must not contend with forge
// runs for stage state.
func (a *App) initMCP() {
	forgeCfg := a.currentForge()

	var scanOpts []scan.Option
	if forgeCfg.MaxDiscoveries > 0 {
		scanOpts = append(scanOpts, scan.WithMaxDiscoveries(forgeCfg.MaxDiscoveries))
	}
	scanner := scan.New(a.entities, a.log, scanOpts...)

	validateOpts := []validate.Option{validate.WithLogger(a.log)}
	if forgeCfg.SimilarityThreshold > 0 {
		validateOpts = append(validateOpts, validate.WithSimilarityThreshold(forgeCfg.SimilarityThreshold))
	}
	if a.semantic != nil {
		validateOpts = append(validateOpts, validate.WithSemanticIndex(a.semantic))
	}
	validator := validate.New(a.entities, validateOpts...)

	a.mcp = mcpserver.New(a.cfg.MCP, a.entities, scanner, validator,
		mcpserver.WithLogger(a.log),
		mcpserver.WithMetrics(a.metrics),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API (and the MCP surface when enabled) until ctx is
// cancelled, then drains the listeners and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	httpErr := make(chan error, 1)
	go func() {
		a.log.Info("http api listening", "addr", a.httpServer.Addr)
		if tls := a.cfg.Server.TLS; tls != nil {
			httpErr <- a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			httpErr <- a.httpServer.ListenAndServe()
		}
	}()

	mcpErr := make(chan error, 1)
	if a.mcp != nil {
		go func() {
			mcpErr <- a.mcp.Serve(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		<-httpErr
		if a.mcp != nil {
			if err := <-mcpErr; err != nil {
				a.log.Warn("mcp server error", "err", err)
			}
		}
		return ctx.Err()
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	case err := <-mcpErr:
		if err != nil {
			return fmt.Errorf("app: serve mcp: %w", err)
		}
		return nil
	}
}

// ─── Config hot reload ───────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloadable config change. Log level changes take
// effect immediately; forge tuning applies to pipelines created afterwards,
// in-flight runs finish on the old values.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ForgeChanged {
		a.forgeMu.Lock()
		a.forge = d.NewForge
		a.forgeMu.Unlock()
		a.log.Info("forge tuning changed",
			"max_discoveries", d.NewForge.MaxDiscoveries,
			"similarity_threshold", d.NewForge.SimilarityThreshold,
		)
	}
}

// currentForge returns the live forge tuning snapshot.
func (a *App) currentForge() config.ForgeConfig {
	a.forgeMu.RLock()
	defer a.forgeMu.RUnlock()
	return a.forge
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Stop accepting requests first.
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Handler exposes the HTTP API for in-process tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// semanticIndexer adapts [entity.SemanticIndex] to the minter's indexing
// callback.
type semanticIndexer struct {
	idx *entity.SemanticIndex
}

func (s semanticIndexer) IndexName(ctx context.Context, campaignID, entityID, name string) error {
	return s.idx.IndexName(ctx, entity.EntityDefinition{
		ID:         entityID,
		CampaignID: campaignID,
		Name:       name,
	})
}

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
