package entity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Update when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicateID is returned by Insert when an entity with the same ID already exists.
var ErrDuplicateID = errors.New("entity with that ID already exists")

// Store is the campaign entity gateway consumed by the forge pipeline and
// the quest engine.
//
// "Not found" is always distinguishable from "found": lookups return
// (zero, [ErrNotFound]) or (nil, nil) as documented per method, never a
// silent zero value.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Insert creates a new entity. Returns the entity with a generated ID if
	// the provided entity's ID is empty.
	// Returns [ErrDuplicateID] if an entity with the same non-empty ID exists.
	Insert(ctx context.Context, entity EntityDefinition) (EntityDefinition, error)

	// Get retrieves an entity by ID.
	// Returns [ErrNotFound] when no entity with that ID exists.
	Get(ctx context.Context, id string) (EntityDefinition, error)

	// FindByName returns the entity of the given type in the given campaign
	// whose name equals name case-insensitively, or nil when there is none.
	FindByName(ctx context.Context, campaignID string, typ EntityType, name string) (*EntityDefinition, error)

	// List returns all entities in the campaign, optionally filtered.
	// An empty [ListOptions] returns all of the campaign's entities.
	// Results order is not guaranteed.
	List(ctx context.Context, campaignID string, opts ListOptions) ([]EntityDefinition, error)

	// Update replaces an existing entity definition.
	// The entity's ID must be non-empty.
	// Returns [ErrNotFound] when no entity with that ID exists.
	Update(ctx context.Context, entity EntityDefinition) error

	// InsertRelationship records a directed relationship between two entities.
	InsertRelationship(ctx context.Context, rel Relationship) error

	// Relationships returns all relationships whose source is the given
	// entity, in insertion order.
	Relationships(ctx context.Context, sourceID string) ([]Relationship, error)
}

// ListOptions narrows the result set of [Store.List].
// All non-zero fields are applied as AND conditions.
type ListOptions struct {
	// Type restricts results to entities of this type.
	// An empty value matches all types.
	Type EntityType

	// Tags restricts results to entities that carry all of the specified tags.
	// An empty slice matches all entities regardless of their tags.
	Tags []string
}
