package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/castfell/loresmith/internal/entity"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, entry := range cfg.Providers.FallbackLLMs {
		validateProviderName("llm", entry.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; generation will be unavailable")
	}
	for i, entry := range cfg.Providers.FallbackLLMs {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback_llms[%d].name is required", i))
		}
	}

	// Embeddings ↔ storage dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 1536")
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; entities will be kept in memory and lost on restart")
	}

	// Forge tuning
	if cfg.Forge.MaxDiscoveries < 0 {
		errs = append(errs, fmt.Errorf("forge.max_discoveries %d must not be negative", cfg.Forge.MaxDiscoveries))
	}
	if t := cfg.Forge.SimilarityThreshold; t != 0 && (t <= 0 || t > 1) {
		errs = append(errs, fmt.Errorf("forge.similarity_threshold %.2f is out of range (0, 1]", t))
	}
	if cfg.Forge.ContextTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("forge.context_token_budget %d must not be negative", cfg.Forge.ContextTokenBudget))
	}
	if cfg.Forge.RosterLimit < 0 {
		errs = append(errs, fmt.Errorf("forge.roster_limit %d must not be negative", cfg.Forge.RosterLimit))
	}
	for forgeType, fields := range cfg.Forge.StubOverrides {
		if !entity.EntityType(forgeType).IsValid() {
			errs = append(errs, fmt.Errorf("forge.stub_overrides: %q is not a forge type", forgeType))
			continue
		}
		for field, stubType := range fields {
			if !entity.EntityType(stubType).IsValid() {
				errs = append(errs, fmt.Errorf("forge.stub_overrides.%s.%s: %q is not an entity type", forgeType, field, stubType))
			}
		}
	}

	// MCP surface
	if cfg.MCP.Enabled {
		if cfg.MCP.Transport != "" && !cfg.MCP.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, streamable-http", cfg.MCP.Transport))
		}
		if cfg.MCP.Transport == MCPTransportStreamableHTTP && cfg.MCP.ListenAddr == "" {
			errs = append(errs, errors.New("mcp.listen_addr is required when transport is streamable-http"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
