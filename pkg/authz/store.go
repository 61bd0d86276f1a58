package authz

import (
	"context"
	"sync"
	"time"
)

// TupleStore persists relationship tuples. Lookups hit the composite
// index (entity_type, entity_id, relation, subject_type, subject_id).
type TupleStore interface {
	FindExact(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) (*Tuple, error)
	FindBySubject(ctx context.Context, subjectType, subjectID string) ([]*Tuple, error)
	FindBySubjects(ctx context.Context, subjects []Subject) ([]*Tuple, error)
	FindByEntity(ctx context.Context, entityType, entityID string) ([]*Tuple, error)
	CountByRelation(ctx context.Context, entityType, relation string) (int, error)
	Upsert(ctx context.Context, t *Tuple) error
	Delete(ctx context.Context, t *Tuple) error
	DeleteByEntity(ctx context.Context, entityType, entityID string) error
}

// ModelStore persists authorization models keyed by entity type.
type ModelStore interface {
	Get(ctx context.Context, entityType string) (*Model, error)
	Upsert(ctx context.Context, m *Model) error
	List(ctx context.Context) ([]*Model, error)
}

// MemoryTupleStore is an in-memory TupleStore for tests and single-node
// deployments.
type MemoryTupleStore struct {
	mu     sync.RWMutex
	tuples map[string]*Tuple
}

func NewMemoryTupleStore() *MemoryTupleStore {
	return &MemoryTupleStore{tuples: make(map[string]*Tuple)}
}

func exactKey(entityType, entityID, relation, subjectType, subjectID string) string {
	return entityType + ":" + entityID + "#" + relation + "@" + subjectType + ":" + subjectID
}

func (s *MemoryTupleStore) FindExact(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) (*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := exactKey(entityType, entityID, relation, subjectType, subjectID)
	for _, t := range s.tuples {
		if exactKey(t.EntityType, t.EntityID, t.Relation, t.SubjectType, t.SubjectID) == want {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryTupleStore) FindBySubject(ctx context.Context, subjectType, subjectID string) ([]*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Tuple
	for _, t := range s.tuples {
		if t.SubjectType == subjectType && t.SubjectID == subjectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryTupleStore) FindBySubjects(ctx context.Context, subjects []Subject) ([]*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[Subject]bool, len(subjects))
	for _, sub := range subjects {
		want[sub] = true
	}

	var out []*Tuple
	for _, t := range s.tuples {
		if want[Subject{Type: t.SubjectType, ID: t.SubjectID}] {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryTupleStore) FindByEntity(ctx context.Context, entityType, entityID string) ([]*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Tuple
	for _, t := range s.tuples {
		if t.EntityType == entityType && t.EntityID == entityID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryTupleStore) CountByRelation(ctx context.Context, entityType, relation string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tuples {
		if t.EntityType == entityType && t.Relation == relation {
			n++
		}
	}
	return n, nil
}

func (s *MemoryTupleStore) Upsert(ctx context.Context, t *Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tuples[cp.Key()] = &cp
	return nil
}

func (s *MemoryTupleStore) Delete(ctx context.Context, t *Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tuples, t.Key())
	return nil
}

// DeleteByEntity cascades deletion from the entity.
func (s *MemoryTupleStore) DeleteByEntity(ctx context.Context, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.tuples {
		if t.EntityType == entityType && t.EntityID == entityID {
			delete(s.tuples, k)
		}
	}
	return nil
}

// MemoryModelStore is an in-memory ModelStore.
type MemoryModelStore struct {
	mu     sync.RWMutex
	models map[string]*Model
}

func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{models: make(map[string]*Model)}
}

func (s *MemoryModelStore) Get(ctx context.Context, entityType string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[entityType]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryModelStore) Upsert(ctx context.Context, m *Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.models[m.EntityType] = &cp
	return nil
}

func (s *MemoryModelStore) List(ctx context.Context) ([]*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}
