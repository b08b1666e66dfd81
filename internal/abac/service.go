package abac

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/commitment"
	"github.com/shrxyeh/Medichain/pkg/monitoring"
)

// Config holds access core configuration
type Config struct {
	AuditCapacity       int           `yaml:"audit_capacity"`
	AuditSinkBuffer     int           `yaml:"audit_sink_buffer"`
	AuditSinkTimeout    time.Duration `yaml:"audit_sink_timeout"`
	PolicyFile          string        `yaml:"policy_file"`
	LoadDefaultPolicies bool          `yaml:"load_default_policies"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// Dependencies are the collaborators a Service is built from. Nil fields
// fall back to in-process defaults.
type Dependencies struct {
	PermissionStore abac.PermissionStore
	AuditSink       abac.EvictionSink
	Commitments     *commitment.Service
	Metrics         *monitoring.MetricsCollector
	Clock           func() time.Time
}

// Service owns the policy store, evaluator, permission registry, audit log
// and commitment service for one deployment. It holds no global state.
type Service struct {
	config      *Config
	logger      *logrus.Logger
	metrics     *monitoring.MetricsCollector
	now         func() time.Time
	conditions  *ConditionRegistry
	policies    *PolicyStore
	audit       *AuditLog
	registry    *PermissionRegistry
	evaluator   *Evaluator
	commitments *commitment.Service

	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// NewService creates the access core and loads its policies
func NewService(config *Config, deps Dependencies, logger *logrus.Logger) (*Service, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	commitments := deps.Commitments
	if commitments == nil {
		commitments = commitment.NewService(commitment.WithClock(clock))
	}
	store := deps.PermissionStore
	if store == nil {
		store = NewMemoryPermissionStore()
	}

	s := &Service{
		config:      config,
		logger:      logger,
		metrics:     deps.Metrics,
		now:         clock,
		conditions:  NewConditionRegistry(),
		commitments: commitments,
	}

	auditOpts := []AuditOption{WithAuditClock(clock), WithAuditMetrics(deps.Metrics)}
	if deps.AuditSink != nil {
		auditOpts = append(auditOpts, WithEvictionSink(deps.AuditSink, config.AuditSinkBuffer, config.AuditSinkTimeout))
	}
	s.audit = NewAuditLog(config.AuditCapacity, logger, auditOpts...)
	s.policies = NewPolicyStore(s.conditions, logger)
	s.registry = NewPermissionRegistry(store, commitments, logger,
		WithRegistryClock(clock),
		WithRegistryMetrics(deps.Metrics),
	)
	s.evaluator = NewEvaluator(s.policies, s.conditions, s.audit, logger,
		WithEvaluatorClock(clock),
		WithEvaluatorMetrics(deps.Metrics),
	)

	if err := s.loadPolicies(); err != nil {
		return nil, err
	}

	if config.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopSweeper = cancel
		s.sweeperDone = make(chan struct{})
		go func() {
			defer close(s.sweeperDone)
			s.registry.RunSweeper(ctx, config.SweepInterval)
		}()
	}

	logger.WithFields(logrus.Fields{
		"policies":       s.policies.Len(),
		"audit_capacity": s.audit.Stats().Capacity,
		"audit_sink":     deps.AuditSink != nil,
		"sweep_interval": config.SweepInterval.String(),
	}).Info("Access service initialized")

	return s, nil
}

func (s *Service) loadPolicies() error {
	if s.config.LoadDefaultPolicies {
		for _, policy := range DefaultPolicies() {
			if err := s.policies.Add(policy); err != nil {
				return fmt.Errorf("failed to load default policy %s: %w", policy.ID, err)
			}
		}
	}
	if s.config.PolicyFile != "" {
		n, err := s.policies.LoadFile(s.config.PolicyFile)
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"file":     s.config.PolicyFile,
			"policies": n,
		}).Info("Policy file loaded")
	}
	s.metrics.SetPoliciesLoaded(s.policies.Len())
	return nil
}

// Policies returns the policy store
func (s *Service) Policies() *PolicyStore { return s.policies }

// Audit returns the audit log
func (s *Service) Audit() *AuditLog { return s.audit }

// Registry returns the permission registry
func (s *Service) Registry() *PermissionRegistry { return s.registry }

// Evaluator returns the policy evaluator
func (s *Service) Evaluator() *Evaluator { return s.evaluator }

// Commitments returns the commitment service
func (s *Service) Commitments() *commitment.Service { return s.commitments }

// Conditions returns the condition registry, for registering custom predicates
func (s *Service) Conditions() *ConditionRegistry { return s.conditions }

// AddPolicy adds a policy and updates the loaded-policies gauge
func (s *Service) AddPolicy(policy *abac.Policy) error {
	if err := s.policies.Add(policy); err != nil {
		return err
	}
	s.metrics.SetPoliciesLoaded(s.policies.Len())
	return nil
}

// RemovePolicy removes a policy and updates the loaded-policies gauge
func (s *Service) RemovePolicy(policyID string) bool {
	removed := s.policies.Remove(policyID)
	if removed {
		s.metrics.SetPoliciesLoaded(s.policies.Len())
	}
	return removed
}

// LoadPolicies adds the policies of a YAML or JSON policy document
func (s *Service) LoadPolicies(data []byte) (int, error) {
	n, err := s.policies.Load(data)
	s.metrics.SetPoliciesLoaded(s.policies.Len())
	return n, err
}

// Login starts a session for an authenticated subject and commits to each
// of its attributes.
func (s *Service) Login(ctx context.Context, subject *abac.Subject) (*Session, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	commitments, err := s.commitments.CommitAttributes(subject.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to commit subject attributes: %w", err)
	}

	session := newSession(s, subject, commitments)

	s.logger.WithFields(logrus.Fields{
		"subject_id": subject.ID,
		"role":       subject.Role,
		"attributes": len(subject.Attributes),
	}).Info("Subject logged in")

	return session, nil
}

// Resume rebuilds a session for a subject authenticated earlier, such as
// one carried in a session token. No new commitments are produced.
func (s *Service) Resume(subject *abac.Subject) (*Session, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	return newSession(s, subject, nil), nil
}

// Anonymous returns a session with no subject; every access check is
// denied as unauthenticated.
func (s *Service) Anonymous() *Session {
	return &Session{service: s}
}

// Close stops the sweeper and flushes the audit sink
func (s *Service) Close(ctx context.Context) error {
	if s.stopSweeper != nil {
		s.stopSweeper()
		<-s.sweeperDone
	}
	return s.audit.Close(ctx)
}
