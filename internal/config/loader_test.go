package config_test

import (
	"strings"
	"testing"

	"github.com/castfell/loresmith/internal/config"
)

func TestValidate_FullStackIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  embeddings:
    name: ollama
storage:
  postgres_dsn: "postgres://localhost/test"
  embedding_dimensions: 768
forge:
  similarity_threshold: 0.9
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: chatty
forge:
  max_discoveries: -3
  similarity_threshold: 2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	// All failures should be reported in one joined error.
	errStr := err.Error()
	for _, want := range []string{"log_level", "max_discoveries", "similarity_threshold"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameIsNotFatal(t *testing.T) {
	t.Parallel()
	// Typos and third-party providers only warn; the registry decides at
	// startup whether the name resolves.
	yaml := `
providers:
  llm:
    name: my-custom-gateway
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	// Check that "openai" is in the LLM list.
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
