// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// Loresmith embeds entity names into dense float32 vectors to power the
// semantic side of pre-generation validation: when a generated name lands
// close to an existing one in embedding space, the validator flags it as a
// near-duplicate even if the spelling differs. Any service that can map a
// string to a fixed-length vector can back this, from the OpenAI embeddings
// API to a local Ollama model.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
//
// Every vector a single Provider produces has the same length, reported by
// Dimensions. Vectors from different Provider instances live in different
// spaces and must not be compared unless both wrap the same model.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed maps text to its embedding vector, a float32 slice of length
	// Dimensions(). The text is passed to the backend verbatim; any
	// model-specific prefixing is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the fixed vector length this provider produces.
	// It is constant for the lifetime of the instance and sizes the
	// pgvector column at migration time.
	Dimensions() int

	// ModelID names the underlying model, such as "text-embedding-3-small"
	// or "nomic-embed-text". Used for logging.
	ModelID() string
}
