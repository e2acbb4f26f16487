package entity

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for tests and single-host use.
// The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	entities map[string]EntityDefinition
	rels     []Relationship
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		entities: make(map[string]EntityDefinition),
	}
}

// Insert implements [Store.Insert].
func (s *MemStore) Insert(ctx context.Context, entity EntityDefinition) (EntityDefinition, error) {
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities == nil {
		s.entities = make(map[string]EntityDefinition)
	}

	if _, exists := s.entities[entity.ID]; exists {
		return EntityDefinition{}, ErrDuplicateID
	}

	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	s.entities[entity.ID] = cloneEntity(entity)
	return cloneEntity(entity), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, id string) (EntityDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return EntityDefinition{}, ErrNotFound
	}
	return cloneEntity(e), nil
}

// FindByName implements [Store.FindByName].
func (s *MemStore) FindByName(ctx context.Context, campaignID string, typ EntityType, name string) (*EntityDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entities {
		if e.CampaignID != campaignID || e.Type != typ {
			continue
		}
		if strings.EqualFold(e.Name, name) {
			found := cloneEntity(e)
			return &found, nil
		}
	}
	return nil, nil
}

// List implements [Store.List].
func (s *MemStore) List(ctx context.Context, campaignID string, opts ListOptions) ([]EntityDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]EntityDefinition, 0, len(s.entities))
	for _, e := range s.entities {
		if e.CampaignID != campaignID || !matchesOpts(e, opts) {
			continue
		}
		result = append(result, cloneEntity(e))
	}
	return result, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(ctx context.Context, entity EntityDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entities[entity.ID]
	if !ok {
		return ErrNotFound
	}

	entity.CreatedAt = prev.CreatedAt
	entity.UpdatedAt = time.Now()
	s.entities[entity.ID] = cloneEntity(entity)
	return nil
}

// InsertRelationship implements [Store.InsertRelationship].
func (s *MemStore) InsertRelationship(ctx context.Context, rel Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rels = append(s.rels, rel)
	return nil
}

// Relationships implements [Store.Relationships].
func (s *MemStore) Relationships(ctx context.Context, sourceID string) ([]Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Relationship
	for _, r := range s.rels {
		if r.SourceID == sourceID {
			result = append(result, r)
		}
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// cloneEntity copies the reference-typed fields so neither reads nor writes
// share Properties, Tags, or Attributes with the stored entity. Callers may
// mutate what they get back without corrupting the store.
func cloneEntity(e EntityDefinition) EntityDefinition {
	e.Properties = maps.Clone(e.Properties)
	e.Tags = slices.Clone(e.Tags)
	e.Attributes = slices.Clone(e.Attributes)
	return e
}

// matchesOpts reports whether e satisfies all conditions in opts.
func matchesOpts(e EntityDefinition, opts ListOptions) bool {
	if opts.Type != "" && e.Type != opts.Type {
		return false
	}
	for _, want := range opts.Tags {
		if !slices.Contains(e.Tags, want) {
			return false
		}
	}
	return true
}
