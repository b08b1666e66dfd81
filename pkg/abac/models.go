package abac

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the authenticated role of a subject
type Role string

// ResourceType identifies the kind of health-record resource being accessed
type ResourceType string

// Subject represents the authenticated caller of an access check
type Subject struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attribute returns a subject attribute, resolving "role" to the subject role
func (s *Subject) Attribute(name string) (string, bool) {
	if name == AttributeRole {
		return string(s.Role), s.Role != ""
	}
	v, ok := s.Attributes[name]
	return v, ok
}

// Sensitivity is an ordered classification of a resource
type Sensitivity int

const (
	SensitivityUnspecified Sensitivity = iota
	SensitivityPublic
	SensitivityInternal
	SensitivityConfidential
	SensitivityRestricted
	SensitivityTopSecret
)

var sensitivityNames = map[Sensitivity]string{
	SensitivityPublic:       "PUBLIC",
	SensitivityInternal:     "INTERNAL",
	SensitivityConfidential: "CONFIDENTIAL",
	SensitivityRestricted:   "RESTRICTED",
	SensitivityTopSecret:    "TOP_SECRET",
}

// String returns the canonical upper-case name
func (s Sensitivity) String() string {
	return sensitivityNames[s]
}

// ParseSensitivity parses a sensitivity name case-insensitively. The empty
// string parses to SensitivityUnspecified.
func ParseSensitivity(name string) (Sensitivity, error) {
	if name == "" {
		return SensitivityUnspecified, nil
	}
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for level, levelName := range sensitivityNames {
		if levelName == normalized {
			return level, nil
		}
	}
	return SensitivityUnspecified, fmt.Errorf("unknown sensitivity %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Sensitivity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Sensitivity) UnmarshalText(text []byte) error {
	level, err := ParseSensitivity(string(text))
	if err != nil {
		return err
	}
	*s = level
	return nil
}

// Resource describes the target of an access check. It is built per call and
// never persisted.
type Resource struct {
	Type        ResourceType `json:"type"`
	OwnerID     string       `json:"owner_id"`
	Sensitivity Sensitivity  `json:"sensitivity,omitempty"`
}

// EffectiveSensitivity returns the declared sensitivity, defaulting to INTERNAL
func (r Resource) EffectiveSensitivity() Sensitivity {
	if r.Sensitivity == SensitivityUnspecified {
		return SensitivityInternal
	}
	return r.Sensitivity
}

// PolicyEffect defines the effect of a policy (allow/deny)
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW"
	EffectDeny  PolicyEffect = "DENY"
)

// Valid reports whether the effect is exactly one of ALLOW or DENY
func (e PolicyEffect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ResourceMatcher constrains the resource attributes a policy applies to
type ResourceMatcher struct {
	Type        Matcher `json:"type" yaml:"type"`
	Sensitivity Matcher `json:"sensitivity" yaml:"sensitivity"`
}

// Matches reports whether every resource constraint holds
func (m ResourceMatcher) Matches(r Resource) bool {
	return m.Type.Matches(string(r.Type)) && m.Sensitivity.Matches(r.EffectiveSensitivity().String())
}

// ConditionName names a registered condition predicate
type ConditionName string

// Condition is a named predicate evaluated against the request context.
// Only the fields relevant to the named predicate are read.
type Condition struct {
	Name      ConditionName `json:"name" yaml:"name"`
	Max       Sensitivity   `json:"max,omitempty" yaml:"max,omitempty"`
	StartHour int           `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   int           `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`
	Attribute string        `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Values    []string      `json:"values,omitempty" yaml:"values,omitempty"`
}

// OwnerMatch requires the subject to own the resource
func OwnerMatch() Condition { return Condition{Name: ConditionOwnerMatch} }

// HasPermission requires an active grant from the owner to the subject
func HasPermission() Condition { return Condition{Name: ConditionHasPermission} }

// EmergencyDeclared requires the request to carry an emergency declaration
func EmergencyDeclared() Condition { return Condition{Name: ConditionEmergencyDeclared} }

// SensitivityMax bounds the resource sensitivity
func SensitivityMax(max Sensitivity) Condition {
	return Condition{Name: ConditionSensitivityMax, Max: max}
}

// TimeRange restricts evaluation time to the hours [start, end]
func TimeRange(start, end int) Condition {
	return Condition{Name: ConditionTimeRange, StartHour: start, EndHour: end}
}

// Unless satisfies the whole condition set when the subject attribute matches one of values
func Unless(attribute string, values ...string) Condition {
	return Condition{Name: ConditionUnless, Attribute: attribute, Values: values}
}

// Policy represents an ABAC allow/deny rule over subject, resource, action and conditions
type Policy struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      PolicyEffect    `json:"effect" yaml:"effect"`
	Subject     Matcher         `json:"subject" yaml:"subject"`
	Resource    ResourceMatcher `json:"resource" yaml:"resource"`
	Action      Matcher         `json:"action" yaml:"action"`
	Conditions  []Condition     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Clone returns a deep copy so stored policies cannot be mutated by callers
func (p *Policy) Clone() *Policy {
	c := *p
	c.Subject = p.Subject.clone()
	c.Resource = ResourceMatcher{Type: p.Resource.Type.clone(), Sensitivity: p.Resource.Sensitivity.clone()}
	c.Action = p.Action.clone()
	if p.Conditions != nil {
		c.Conditions = make([]Condition, len(p.Conditions))
		for i, cond := range p.Conditions {
			c.Conditions[i] = cond
			if cond.Values != nil {
				c.Conditions[i].Values = append([]string(nil), cond.Values...)
			}
		}
	}
	return &c
}

// RequestContext carries caller-supplied facts for a single evaluation
type RequestContext struct {
	PermissionGranted bool              `json:"permission_granted"`
	IsEmergency       bool              `json:"is_emergency"`
	Facts             map[string]string `json:"facts,omitempty"`
}

// Decision represents the result of an access control decision
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	PolicyID string `json:"policy_id,omitempty"`
}

// AuditEntry represents an entry in the audit log
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Resource  Resource  `json:"resource"`
	Action    string    `json:"action"`
	Allowed   bool      `json:"allowed"`
	PolicyID  string    `json:"policy_id,omitempty"`
	Reason    string    `json:"reason"`
}

// AuditFilter represents filters for audit log queries. Set fields are combined with AND.
type AuditFilter struct {
	SubjectID    string       `json:"subject_id,omitempty"`
	Allowed      *bool        `json:"allowed,omitempty"`
	Since        time.Time    `json:"since,omitempty"`
	Action       string       `json:"action,omitempty"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// Matches reports whether the entry satisfies every set predicate
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Allowed != nil && e.Allowed != *f.Allowed {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.Resource.Type != f.ResourceType {
		return false
	}
	return true
}

// AuditStats summarises the audit trail for compliance reporting
type AuditStats struct {
	Recorded int64 `json:"recorded"`
	Allowed  int64 `json:"allowed"`
	Denied   int64 `json:"denied"`
	Evicted  int64 `json:"evicted"`
	Retained int   `json:"retained"`
	Capacity int   `json:"capacity"`
}

// PermissionRelation is a grantor-to-grantee authorization fact
type PermissionRelation struct {
	GrantorID    string     `json:"grantor_id"`
	GranteeID    string     `json:"grantee_id"`
	Granted      bool       `json:"granted"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ProofBinding string     `json:"proof_binding,omitempty"`
}

// Key returns the persisted key of the relation
func (p *PermissionRelation) Key() string {
	return PermissionKey(p.GrantorID, p.GranteeID)
}

// ActiveAt reports whether the relation is granted and not expired at now
func (p *PermissionRelation) ActiveAt(now time.Time) bool {
	if !p.Granted {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return true
}

// PermissionKeySeparator joins grantor and grantee ids in permission keys
const PermissionKeySeparator = ":"

// PermissionKey builds the "{grantorId}:{granteeId}" key
func PermissionKey(grantorID, granteeID string) string {
	return grantorID + PermissionKeySeparator + granteeID
}

// Between reports whether the relation belongs to exactly this pair
func (p *PermissionRelation) Between(grantorID, granteeID string) bool {
	return p.GrantorID == grantorID && p.GranteeID == granteeID
}
