package abac

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks the fields an authentication flow must supply
func (s *Subject) Validate() error {
	if s == nil {
		return NewInputError("subject", "subject is required")
	}
	var errs ValidationErrors
	if s.ID == "" {
		errs.Add("id", "subject id is required")
	} else if strings.Contains(s.ID, PermissionKeySeparator) {
		errs.Add("id", "subject id must not contain "+strconv.Quote(PermissionKeySeparator))
	}
	if s.Role == "" {
		errs.Add("role", "subject role is required")
	}
	return errs.ErrOrNil()
}

// Validate checks a resource descriptor before evaluation
func (r Resource) Validate() error {
	if r.Type == "" {
		return NewInputError("resource.type", "resource type is required")
	}
	if r.Sensitivity < SensitivityUnspecified || r.Sensitivity > SensitivityTopSecret {
		return NewInputError("resource.sensitivity", fmt.Sprintf("invalid sensitivity %d", r.Sensitivity))
	}
	return nil
}

// Validate rejects a policy without an id or with an effect other than ALLOW/DENY,
// and conditions missing the arguments their predicate reads.
func (p *Policy) Validate() error {
	if p == nil {
		return NewPolicyConfigurationError("", "policy is nil")
	}
	if p.ID == "" {
		return NewPolicyConfigurationError("", "policy id is required")
	}
	if !p.Effect.Valid() {
		return NewPolicyConfigurationError(p.ID, fmt.Sprintf("policy effect must be ALLOW or DENY, got %q", p.Effect))
	}
	for i, cond := range p.Conditions {
		switch cond.Name {
		case "":
			return NewPolicyConfigurationError(p.ID, fmt.Sprintf("condition %d has no name", i))
		case ConditionSensitivityMax:
			if cond.Max == SensitivityUnspecified {
				return NewPolicyConfigurationError(p.ID, "sensitivityMax requires a bound")
			}
		case ConditionTimeRange:
			if cond.StartHour < 0 || cond.StartHour > 23 || cond.EndHour < 0 || cond.EndHour > 23 {
				return NewPolicyConfigurationError(p.ID, fmt.Sprintf("timeRange hours out of range: %d-%d", cond.StartHour, cond.EndHour))
			}
		case ConditionUnless:
			if cond.Attribute == "" || len(cond.Values) == 0 {
				return NewPolicyConfigurationError(p.ID, "unless requires an attribute and at least one value")
			}
		}
	}
	return nil
}

// ValidatePartyID checks a grantor or grantee id. Ids holding the key
// separator would make "{grantorId}:{granteeId}" ambiguous.
func ValidatePartyID(field, id string) error {
	if id == "" {
		return NewInputError(field, field+" is required")
	}
	if strings.Contains(id, PermissionKeySeparator) {
		return NewInputError(field, field+" must not contain "+strconv.Quote(PermissionKeySeparator))
	}
	return nil
}
