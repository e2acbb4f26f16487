package entity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/castfell/loresmith/pkg/provider/embeddings"
)

// SemanticSchema is the SQL DDL for the entity_name_vectors table used by
// [SemanticIndex]. The vector dimension is substituted at migration time from
// the configured embeddings provider.
const SemanticSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS entity_name_vectors (
    entity_id   TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    campaign_id TEXT NOT NULL,
    name        TEXT NOT NULL,
    embedding   vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_name_vectors_campaign
    ON entity_name_vectors(campaign_id);
`

// SimilarName is one result of [SemanticIndex.SimilarNames].
type SimilarName struct {
	// EntityID and Name identify the existing entity.
	EntityID string
	Name     string

	// Distance is the cosine distance to the queried name; smaller is more
	// similar.
	Distance float64
}

// SemanticIndex maintains name embeddings for campaign entities and answers
// nearest-neighbour name queries. It backs the pre-generation validator's
// near-duplicate warnings when an embeddings provider is configured; without
// one the validator falls back to lexical/phonetic matching only.
//
// All methods are safe for concurrent use.
type SemanticIndex struct {
	db       DB
	embedder embeddings.Provider
}

// NewSemanticIndex creates a [SemanticIndex] over the given database using
// embedder to vectorise names.
func NewSemanticIndex(db DB, embedder embeddings.Provider) *SemanticIndex {
	return &SemanticIndex{db: db, embedder: embedder}
}

// Migrate creates the entity_name_vectors table sized to the embedder's
// vector dimension.
func (s *SemanticIndex) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(SemanticSchema, s.embedder.Dimensions())
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("entity: semantic migrate: %w", err)
	}
	return nil
}

// IndexName embeds the entity's name and upserts it into the vector table.
func (s *SemanticIndex) IndexName(ctx context.Context, e EntityDefinition) error {
	vec, err := s.embedder.Embed(ctx, e.Name)
	if err != nil {
		return fmt.Errorf("entity: embed name %q: %w", e.Name, err)
	}

	const q = `
		INSERT INTO entity_name_vectors (entity_id, campaign_id, name, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id) DO UPDATE SET
		    campaign_id = EXCLUDED.campaign_id,
		    name        = EXCLUDED.name,
		    embedding   = EXCLUDED.embedding`

	_, err = s.db.Exec(ctx, q, e.ID, e.CampaignID, e.Name, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("entity: index name: %w", err)
	}
	return nil
}

// SimilarNames returns the topK entity names in the campaign closest to name
// by cosine distance, most similar first.
func (s *SemanticIndex) SimilarNames(ctx context.Context, campaignID, name string, topK int) ([]SimilarName, error) {
	vec, err := s.embedder.Embed(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("entity: embed query %q: %w", name, err)
	}

	const q = `
		SELECT entity_id, name, embedding <=> $1 AS distance
		FROM   entity_name_vectors
		WHERE  campaign_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.db.Query(ctx, q, pgvector.NewVector(vec), campaignID, topK)
	if err != nil {
		return nil, fmt.Errorf("entity: similar names: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarName, error) {
		var sn SimilarName
		err := row.Scan(&sn.EntityID, &sn.Name, &sn.Distance)
		return sn, err
	})
	if err != nil {
		return nil, fmt.Errorf("entity: similar names: scan: %w", err)
	}
	if results == nil {
		results = []SimilarName{}
	}
	return results, nil
}
