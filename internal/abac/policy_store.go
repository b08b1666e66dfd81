package abac

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// PolicyStore is an ordered, concurrency-safe set of policies. Writers
// replace the backing slice, so a snapshot taken by a reader is never
// observed half-updated.
type PolicyStore struct {
	mu         sync.RWMutex
	policies   []*abac.Policy
	index      map[string]int
	conditions *ConditionRegistry
	logger     *logrus.Logger
}

// NewPolicyStore creates an empty policy store. Conditions not present in
// the registry are rejected at insertion time.
func NewPolicyStore(conditions *ConditionRegistry, logger *logrus.Logger) *PolicyStore {
	return &PolicyStore{
		index:      make(map[string]int),
		conditions: conditions,
		logger:     logger,
	}
}

// Add appends a policy after validating it
func (s *PolicyStore) Add(policy *abac.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if s.conditions != nil {
		for _, cond := range policy.Conditions {
			if !s.conditions.Has(cond.Name) {
				return abac.NewPolicyConfigurationError(policy.ID, fmt.Sprintf("unknown condition %q", cond.Name))
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[policy.ID]; exists {
		return abac.NewPolicyConfigurationError(policy.ID, fmt.Sprintf("policy id %s already exists", policy.ID))
	}

	next := make([]*abac.Policy, len(s.policies), len(s.policies)+1)
	copy(next, s.policies)
	s.policies = append(next, policy.Clone())
	s.index[policy.ID] = len(s.policies) - 1

	s.logger.WithFields(logrus.Fields{
		"policy_id": policy.ID,
		"effect":    policy.Effect,
		"position":  len(s.policies) - 1,
	}).Info("Policy added")

	return nil
}

// Remove deletes a policy by id, preserving the order of the rest
func (s *PolicyStore) Remove(policyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, exists := s.index[policyID]
	if !exists {
		return false
	}

	next := make([]*abac.Policy, 0, len(s.policies)-1)
	next = append(next, s.policies[:pos]...)
	next = append(next, s.policies[pos+1:]...)
	s.policies = next

	s.index = make(map[string]int, len(next))
	for i, p := range next {
		s.index[p.ID] = i
	}

	s.logger.WithField("policy_id", policyID).Info("Policy removed")
	return true
}

// Get returns a copy of the policy with the given id
func (s *PolicyStore) Get(policyID string) (*abac.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, exists := s.index[policyID]
	if !exists {
		return nil, abac.NewPolicyNotFoundError(policyID)
	}
	return s.policies[pos].Clone(), nil
}

// List returns copies of all policies in insertion order
func (s *PolicyStore) List() []*abac.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*abac.Policy, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.Clone()
	}
	return out
}

// Len returns the number of stored policies
func (s *PolicyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}

// snapshot returns the current backing slice. Callers must not modify it.
func (s *PolicyStore) snapshot() []*abac.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies
}

// PolicyFile is the on-disk layout of an ordered policy list
type PolicyFile struct {
	Policies []*abac.Policy `yaml:"policies" json:"policies"`
}

// LoadFile adds every policy in a YAML (or JSON) policy file, in file order.
// Loading stops at the first rejected policy.
func (s *PolicyStore) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read policy file: %w", err)
	}
	return s.Load(data)
}

// Load adds every policy in a YAML (or JSON) document
func (s *PolicyStore) Load(data []byte) (int, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse policy file: %w", err)
	}
	for i, policy := range file.Policies {
		if err := s.Add(policy); err != nil {
			return i, fmt.Errorf("policy %d: %w", i, err)
		}
	}
	return len(file.Policies), nil
}

// DefaultPolicies returns the built-in policy set for patient-controlled
// record access.
func DefaultPolicies() []*abac.Policy {
	clinicalRecords := abac.OneOf(
		string(abac.ResourcePatientRecord),
		string(abac.ResourceLabResult),
		string(abac.ResourcePrescription),
		string(abac.ResourceImaging),
	)

	return []*abac.Policy{
		{
			ID:          "patient-own-records",
			Description: "Patients read and share their own records",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RolePatient)),
			Resource: abac.ResourceMatcher{
				Type: abac.OneOf(
					string(abac.ResourcePatientRecord),
					string(abac.ResourceLabResult),
					string(abac.ResourcePrescription),
					string(abac.ResourceImaging),
					string(abac.ResourceConsent),
				),
			},
			Action:     abac.OneOf(abac.ActionRead, abac.ActionShare),
			Conditions: []abac.Condition{abac.OwnerMatch()},
		},
		{
			ID:          "patient-manage-consent",
			Description: "Patients grant and revoke access to their own records",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RolePatient)),
			Resource:    abac.ResourceMatcher{Type: abac.Exact(string(abac.ResourceConsent))},
			Action:      abac.OneOf(abac.ActionGrant, abac.ActionRevoke, abac.ActionWrite),
			Conditions:  []abac.Condition{abac.OwnerMatch()},
		},
		{
			ID:          "doctor-read-with-permission",
			Description: "Doctors read records the owner has shared with them",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RoleDoctor)),
			Resource:    abac.ResourceMatcher{Type: clinicalRecords},
			Action:      abac.Exact(abac.ActionRead),
			Conditions:  []abac.Condition{abac.HasPermission()},
		},
		{
			ID:          "doctor-prescribe-with-permission",
			Description: "Doctors write prescriptions for patients who shared access",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RoleDoctor)),
			Resource:    abac.ResourceMatcher{Type: abac.Exact(string(abac.ResourcePrescription))},
			Action:      abac.OneOf(abac.ActionWrite, abac.ActionUpdate),
			Conditions:  []abac.Condition{abac.HasPermission(), abac.SensitivityMax(abac.SensitivityRestricted)},
		},
		{
			ID:          "nurse-read-with-permission",
			Description: "Nurses read shared records up to CONFIDENTIAL",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RoleNurse)),
			Resource: abac.ResourceMatcher{
				Type: abac.OneOf(string(abac.ResourcePatientRecord), string(abac.ResourceLabResult)),
			},
			Action:     abac.Exact(abac.ActionRead),
			Conditions: []abac.Condition{abac.HasPermission(), abac.SensitivityMax(abac.SensitivityConfidential)},
		},
		{
			ID:          "emergency-read",
			Description: "Emergency staff read patient records once an emergency is declared",
			Effect:      abac.EffectAllow,
			Subject:     abac.OneOf(string(abac.RoleEmergency), string(abac.RoleDoctor)),
			Resource:    abac.ResourceMatcher{Type: abac.Exact(string(abac.ResourcePatientRecord))},
			Action:      abac.Exact(abac.ActionRead),
			Conditions: []abac.Condition{
				abac.EmergencyDeclared(),
				abac.Unless(abac.AttributeDepartment, "emergency"),
			},
		},
		{
			ID:          "researcher-public-data",
			Description: "Researchers read public data only",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RoleResearcher)),
			Resource:    abac.ResourceMatcher{Type: abac.Any()},
			Action:      abac.Exact(abac.ActionRead),
			Conditions:  []abac.Condition{abac.SensitivityMax(abac.SensitivityPublic)},
		},
		{
			ID:          "researcher-no-modify",
			Description: "Researchers never modify or share records",
			Effect:      abac.EffectDeny,
			Subject:     abac.Exact(string(abac.RoleResearcher)),
			Resource:    abac.ResourceMatcher{Type: abac.Any()},
			Action:      abac.OneOf(abac.ActionWrite, abac.ActionUpdate, abac.ActionDelete, abac.ActionShare),
		},
		{
			ID:          "nurse-restricted-night",
			Description: "Nurses cannot open RESTRICTED or TOP_SECRET records overnight",
			Effect:      abac.EffectDeny,
			Subject:     abac.Exact(string(abac.RoleNurse)),
			Resource: abac.ResourceMatcher{
				Type:        abac.Any(),
				Sensitivity: abac.OneOf(abac.SensitivityRestricted.String(), abac.SensitivityTopSecret.String()),
			},
			Action:     abac.Any(),
			Conditions: []abac.Condition{abac.TimeRange(22, 6)},
		},
		{
			ID:          "admin-system",
			Description: "Administrators manage audit logs and system configuration",
			Effect:      abac.EffectAllow,
			Subject:     abac.Exact(string(abac.RoleAdmin)),
			Resource: abac.ResourceMatcher{
				Type: abac.OneOf(string(abac.ResourceAuditLog), string(abac.ResourceSystemConfig)),
			},
			Action: abac.Any(),
		},
		{
			ID:          "admin-no-clinical",
			Description: "Administrators never access clinical records",
			Effect:      abac.EffectDeny,
			Subject:     abac.Exact(string(abac.RoleAdmin)),
			Resource:    abac.ResourceMatcher{Type: clinicalRecords},
			Action:      abac.Any(),
		},
	}
}
