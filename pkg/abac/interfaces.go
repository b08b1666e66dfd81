package abac

import (
	"context"
	"time"
)

// PolicyStore holds the ordered set of ABAC policies
type PolicyStore interface {
	Add(policy *Policy) error
	Remove(policyID string) bool
	Get(policyID string) (*Policy, error)
	List() []*Policy
	Len() int
}

// Evaluator decides a single access request
type Evaluator interface {
	Evaluate(ctx context.Context, subject *Subject, resource Resource, action string, reqCtx RequestContext) (Decision, error)
}

// PermissionRegistry tracks grantor to grantee relations
type PermissionRegistry interface {
	Grant(ctx context.Context, grantorID, granteeID string, duration time.Duration) error
	Revoke(ctx context.Context, grantorID, granteeID string) bool
	IsValid(ctx context.Context, grantorID, granteeID string) bool
}

// PermissionStore persists permission relations keyed by PermissionKey
type PermissionStore interface {
	Put(ctx context.Context, relation *PermissionRelation) error
	Get(ctx context.Context, grantorID, granteeID string) (*PermissionRelation, error)
	ListByGrantor(ctx context.Context, grantorID string) ([]*PermissionRelation, error)
	List(ctx context.Context) ([]*PermissionRelation, error)
}

// AuditLog is the append-only record of evaluated requests
type AuditLog interface {
	Record(entry AuditEntry) AuditEntry
	Query(filter AuditFilter) []AuditEntry
	Stats() AuditStats
}

// EvictionSink receives audit entries, oldest first, as they leave in-memory retention
type EvictionSink interface {
	Persist(ctx context.Context, entries []AuditEntry) error
}
