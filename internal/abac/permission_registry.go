package abac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/commitment"
	"github.com/shrxyeh/Medichain/pkg/monitoring"
)

// PermissionRegistry tracks grantor to grantee relations. Expiry is lazy:
// a granted relation past its expiry reads as not granted. Relations are
// never deleted; revoke flips Granted to false.
type PermissionRegistry struct {
	mu          sync.Mutex
	store       abac.PermissionStore
	commitments *commitment.Service
	logger      *logrus.Logger
	metrics     *monitoring.MetricsCollector
	now         func() time.Time
}

// RegistryOption configures a PermissionRegistry
type RegistryOption func(*PermissionRegistry)

// WithRegistryClock overrides the time source used for grants and expiry
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *PermissionRegistry) { r.now = now }
}

// WithRegistryMetrics records grant and revoke metrics
func WithRegistryMetrics(metrics *monitoring.MetricsCollector) RegistryOption {
	return func(r *PermissionRegistry) { r.metrics = metrics }
}

// NewPermissionRegistry creates a registry over store
func NewPermissionRegistry(store abac.PermissionStore, commitments *commitment.Service, logger *logrus.Logger, opts ...RegistryOption) *PermissionRegistry {
	r := &PermissionRegistry{
		store:       store,
		commitments: commitments,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grant creates or overwrites a relation. A zero duration never expires.
// Grant does not check that the caller is the grantor; Session does.
func (r *PermissionRegistry) Grant(ctx context.Context, grantorID, granteeID string, duration time.Duration) error {
	if err := abac.ValidatePartyID("grantor_id", grantorID); err != nil {
		return err
	}
	if err := abac.ValidatePartyID("grantee_id", granteeID); err != nil {
		return err
	}
	if duration < 0 {
		return abac.NewInputError("duration", "duration must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	relation := &abac.PermissionRelation{
		GrantorID: grantorID,
		GranteeID: granteeID,
		Granted:   true,
		GrantedAt: now,
	}
	if duration > 0 {
		expiresAt := now.Add(duration)
		relation.ExpiresAt = &expiresAt
	}

	binding, err := r.commitments.CreateCommitment(grantBindingValue(relation), "")
	if err != nil {
		r.metrics.RecordPermissionOperation("grant", false)
		return fmt.Errorf("failed to bind grant: %w", err)
	}
	relation.ProofBinding = binding.Digest

	if err := r.store.Put(ctx, relation); err != nil {
		r.metrics.RecordPermissionOperation("grant", false)
		return err
	}
	r.metrics.RecordPermissionOperation("grant", true)

	r.logger.WithFields(logrus.Fields{
		"grantor_id": grantorID,
		"grantee_id": granteeID,
		"expires_at": relation.ExpiresAt,
	}).Info("Permission granted")

	return nil
}

func grantBindingValue(r *abac.PermissionRelation) string {
	expires := "none"
	if r.ExpiresAt != nil {
		expires = r.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("grant:%s:%s:%s:%s", r.GrantorID, r.GranteeID, r.GrantedAt.UTC().Format(time.RFC3339Nano), expires)
}

// Revoke sets Granted to false. It returns false when no relation exists
// or the store fails.
func (r *PermissionRegistry) Revoke(ctx context.Context, grantorID, granteeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	relation, err := r.store.Get(ctx, grantorID, granteeID)
	if err != nil {
		if !errors.Is(err, abac.ErrRelationNotFound) {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"grantor_id": grantorID,
				"grantee_id": granteeID,
			}).Error("Failed to read permission for revoke")
		}
		r.metrics.RecordPermissionOperation("revoke", false)
		return false
	}

	relation.Granted = false
	if err := r.store.Put(ctx, relation); err != nil {
		r.logger.WithError(err).Error("Failed to write revoked permission")
		r.metrics.RecordPermissionOperation("revoke", false)
		return false
	}
	r.metrics.RecordPermissionOperation("revoke", true)

	r.logger.WithFields(logrus.Fields{
		"grantor_id": grantorID,
		"grantee_id": granteeID,
	}).Info("Permission revoked")

	return true
}

// IsValid reports whether an unexpired, granted relation exists
func (r *PermissionRegistry) IsValid(ctx context.Context, grantorID, granteeID string) bool {
	relation, err := r.store.Get(ctx, grantorID, granteeID)
	if err != nil {
		if !errors.Is(err, abac.ErrRelationNotFound) {
			r.logger.WithError(err).Error("Failed to read permission")
		}
		return false
	}
	return relation.ActiveAt(r.now())
}

// Get returns the stored relation, expired or not
func (r *PermissionRegistry) Get(ctx context.Context, grantorID, granteeID string) (*abac.PermissionRelation, error) {
	return r.store.Get(ctx, grantorID, granteeID)
}

// ListByGrantor returns every relation the grantor has created
func (r *PermissionRegistry) ListByGrantor(ctx context.Context, grantorID string) ([]*abac.PermissionRelation, error) {
	return r.store.ListByGrantor(ctx, grantorID)
}

// Sweep marks expired relations as not granted and returns how many were
// changed. IsValid answers the same before and after a sweep.
func (r *PermissionRegistry) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	relations, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now()
	swept := 0
	for _, relation := range relations {
		if !relation.Granted || relation.ActiveAt(now) {
			continue
		}
		relation.Granted = false
		if err := r.store.Put(ctx, relation); err != nil {
			return swept, err
		}
		swept++
	}

	if swept > 0 {
		r.logger.WithField("swept", swept).Info("Expired permissions swept")
	}
	return swept, nil
}

// RunSweeper sweeps every interval until ctx is done
func (r *PermissionRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.WithError(err).Warn("Permission sweep failed")
			}
		}
	}
}
