package abac

import (
	"context"
	"sort"
	"sync"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

type relationPair struct {
	grantorID string
	granteeID string
}

// MemoryPermissionStore keeps permission relations in process
type MemoryPermissionStore struct {
	mu        sync.RWMutex
	relations map[relationPair]*abac.PermissionRelation
}

// NewMemoryPermissionStore creates an empty in-memory store
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{relations: make(map[relationPair]*abac.PermissionRelation)}
}

// Put creates or overwrites a relation
func (s *MemoryPermissionStore) Put(_ context.Context, relation *abac.PermissionRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[relationPair{relation.GrantorID, relation.GranteeID}] = copyRelation(relation)
	return nil
}

// Get returns the relation or abac.ErrRelationNotFound
func (s *MemoryPermissionStore) Get(_ context.Context, grantorID, granteeID string) (*abac.PermissionRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	relation, ok := s.relations[relationPair{grantorID, granteeID}]
	if !ok {
		return nil, abac.ErrRelationNotFound
	}
	return copyRelation(relation), nil
}

// ListByGrantor returns the grantor's relations ordered by grantee
func (s *MemoryPermissionStore) ListByGrantor(_ context.Context, grantorID string) ([]*abac.PermissionRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.PermissionRelation, 0)
	for _, relation := range s.relations {
		if relation.GrantorID == grantorID {
			out = append(out, copyRelation(relation))
		}
	}
	sortRelations(out)
	return out, nil
}

// List returns every relation ordered by key
func (s *MemoryPermissionStore) List(_ context.Context) ([]*abac.PermissionRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*abac.PermissionRelation, 0, len(s.relations))
	for _, relation := range s.relations {
		out = append(out, copyRelation(relation))
	}
	sortRelations(out)
	return out, nil
}

func copyRelation(r *abac.PermissionRelation) *abac.PermissionRelation {
	c := *r
	if r.ExpiresAt != nil {
		expires := *r.ExpiresAt
		c.ExpiresAt = &expires
	}
	return &c
}

func sortRelations(relations []*abac.PermissionRelation) {
	sort.Slice(relations, func(i, j int) bool {
		if relations[i].GrantorID != relations[j].GrantorID {
			return relations[i].GrantorID < relations[j].GrantorID
		}
		return relations[i].GranteeID < relations[j].GranteeID
	})
}
