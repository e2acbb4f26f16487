package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the entities and entity_relationships tables.
// Execute it via [PostgresStore.Migrate] or apply it manually during
// deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id           TEXT PRIMARY KEY,
    campaign_id  TEXT NOT NULL,
    name         TEXT NOT NULL,
    type         TEXT NOT NULL,
    sub_type     TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    properties   JSONB NOT NULL DEFAULT '{}',
    tags         JSONB NOT NULL DEFAULT '[]',
    attributes   JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_entities_campaign ON entities(campaign_id);
CREATE INDEX IF NOT EXISTS idx_entities_campaign_type_name
    ON entities(campaign_id, type, lower(name));

CREATE TABLE IF NOT EXISTS entity_relationships (
    id         BIGSERIAL PRIMARY KEY,
    source_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_id  TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    type       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_entity_relationships_source ON entity_relationships(source_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Properties,
// tags, and the opaque attribute payload are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// entities tables and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("entity: migrate: %w", err)
	}
	return nil
}

// Insert implements [Store.Insert].
func (s *PostgresStore) Insert(ctx context.Context, entity EntityDefinition) (EntityDefinition, error) {
	if err := Validate(entity); err != nil {
		return EntityDefinition{}, fmt.Errorf("entity: insert: %w", err)
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}

	propsJSON, tagsJSON, attrsJSON, err := marshalFields(entity)
	if err != nil {
		return EntityDefinition{}, err
	}

	const q = `
		INSERT INTO entities
		    (id, campaign_id, name, type, sub_type, description, properties, tags, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, q,
		entity.ID,
		entity.CampaignID,
		entity.Name,
		string(entity.Type),
		entity.SubType,
		entity.Description,
		propsJSON,
		tagsJSON,
		attrsJSON,
	).Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EntityDefinition{}, ErrDuplicateID
	}
	if err != nil {
		return EntityDefinition{}, fmt.Errorf("entity: insert: %w", err)
	}
	return entity, nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, id string) (EntityDefinition, error) {
	const q = selectColumns + ` WHERE id = $1`

	rows, err := s.db.Query(ctx, q, id)
	if err != nil {
		return EntityDefinition{}, fmt.Errorf("entity: get: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return EntityDefinition{}, fmt.Errorf("entity: get: %w", err)
	}
	if len(entities) == 0 {
		return EntityDefinition{}, ErrNotFound
	}
	return entities[0], nil
}

// FindByName implements [Store.FindByName]. The comparison is
// case-insensitive and uses the (campaign_id, type, lower(name)) index.
func (s *PostgresStore) FindByName(ctx context.Context, campaignID string, typ EntityType, name string) (*EntityDefinition, error) {
	const q = selectColumns + `
		WHERE campaign_id = $1 AND type = $2 AND lower(name) = lower($3)
		LIMIT 1`

	rows, err := s.db.Query(ctx, q, campaignID, string(typ), name)
	if err != nil {
		return nil, fmt.Errorf("entity: find by name: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("entity: find by name: %w", err)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context, campaignID string, opts ListOptions) ([]EntityDefinition, error) {
	args := []any{campaignID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"campaign_id = $1"}
	if opts.Type != "" {
		conditions = append(conditions, "type = "+next(string(opts.Type)))
	}
	for _, tag := range opts.Tags {
		conditions = append(conditions, "tags @> "+next(fmt.Sprintf(`[%q]`, tag)))
	}

	q := selectColumns + "\nWHERE " + strings.Join(conditions, " AND ")

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("entity: list: %w", err)
	}
	return entities, nil
}

// Update implements [Store.Update].
func (s *PostgresStore) Update(ctx context.Context, entity EntityDefinition) error {
	if entity.ID == "" {
		return fmt.Errorf("entity: update: id must not be empty")
	}
	if err := Validate(entity); err != nil {
		return fmt.Errorf("entity: update: %w", err)
	}

	propsJSON, tagsJSON, attrsJSON, err := marshalFields(entity)
	if err != nil {
		return err
	}

	const q = `
		UPDATE entities
		SET    campaign_id = $2,
		       name        = $3,
		       type        = $4,
		       sub_type    = $5,
		       description = $6,
		       properties  = $7,
		       tags        = $8,
		       attributes  = $9,
		       updated_at  = now()
		WHERE  id = $1`

	tag, err := s.db.Exec(ctx, q,
		entity.ID,
		entity.CampaignID,
		entity.Name,
		string(entity.Type),
		entity.SubType,
		entity.Description,
		propsJSON,
		tagsJSON,
		attrsJSON,
	)
	if err != nil {
		return fmt.Errorf("entity: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRelationship implements [Store.InsertRelationship].
func (s *PostgresStore) InsertRelationship(ctx context.Context, rel Relationship) error {
	const q = `
		INSERT INTO entity_relationships (source_id, target_id, type)
		VALUES ($1, $2, $3)`

	if _, err := s.db.Exec(ctx, q, rel.SourceID, rel.TargetID, rel.Type); err != nil {
		return fmt.Errorf("entity: insert relationship: %w", err)
	}
	return nil
}

// Relationships implements [Store.Relationships].
func (s *PostgresStore) Relationships(ctx context.Context, sourceID string) ([]Relationship, error) {
	const q = `
		SELECT source_id, target_id, type
		FROM   entity_relationships
		WHERE  source_id = $1
		ORDER  BY id`

	rows, err := s.db.Query(ctx, q, sourceID)
	if err != nil {
		return nil, fmt.Errorf("entity: relationships: %w", err)
	}
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Relationship, error) {
		var r Relationship
		err := row.Scan(&r.SourceID, &r.TargetID, &r.Type)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("entity: relationships: %w", err)
	}
	return rels, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// selectColumns is the shared column list for entity SELECTs.
const selectColumns = `
	SELECT id, campaign_id, name, type, sub_type, description,
	       properties, tags, attributes, created_at, updated_at
	FROM   entities`

// collectEntities scans all rows into EntityDefinitions.
func collectEntities(rows pgx.Rows) ([]EntityDefinition, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EntityDefinition, error) {
		var (
			e       EntityDefinition
			typ     string
			props   map[string]string
			tags    []string
			attrs   []byte
			created time.Time
			updated time.Time
		)
		if err := row.Scan(
			&e.ID, &e.CampaignID, &e.Name, &typ, &e.SubType, &e.Description,
			&props, &tags, &attrs, &created, &updated,
		); err != nil {
			return EntityDefinition{}, err
		}
		e.Type = EntityType(typ)
		e.Properties = props
		e.Tags = tags
		e.Attributes = attrs
		e.CreatedAt = created
		e.UpdatedAt = updated
		return e, nil
	})
}

// marshalFields serialises the JSONB columns, substituting empty values so
// the database never stores SQL NULL for them.
func marshalFields(entity EntityDefinition) (props, tags, attrs []byte, err error) {
	props, err = json.Marshal(emptyMap(entity.Properties))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("entity: marshal properties: %w", err)
	}
	tags, err = json.Marshal(emptySlice(entity.Tags))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("entity: marshal tags: %w", err)
	}
	attrs = entity.Attributes
	if len(attrs) == 0 {
		attrs = []byte(`{}`)
	}
	return props, tags, attrs, nil
}

// emptyMap substitutes an empty map for nil so JSONB columns store {}.
func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// emptySlice substitutes an empty slice for nil so JSONB columns store [].
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
