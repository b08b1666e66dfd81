package abac

import (
	"strings"
	"sync"
	"time"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// EvalContext is the merged view of a single request that condition
// predicates read: subject, resource, supplied facts and derived facts.
type EvalContext struct {
	Subject           *abac.Subject
	Resource          abac.Resource
	Sensitivity       abac.Sensitivity
	Action            string
	IsOwner           bool
	PermissionGranted bool
	IsEmergency       bool
	Facts             map[string]string
	Now               time.Time
}

func newEvalContext(subject *abac.Subject, resource abac.Resource, action string, reqCtx abac.RequestContext, now time.Time) *EvalContext {
	return &EvalContext{
		Subject:           subject,
		Resource:          resource,
		Sensitivity:       resource.EffectiveSensitivity(),
		Action:            action,
		IsOwner:           subject.ID != "" && subject.ID == resource.OwnerID,
		PermissionGranted: reqCtx.PermissionGranted,
		IsEmergency:       reqCtx.IsEmergency,
		Facts:             reqCtx.Facts,
		Now:               now,
	}
}

// ConditionFunc reports whether a named condition holds for the request
type ConditionFunc func(ec *EvalContext, cond abac.Condition) bool

// ConditionRegistry maps condition names to predicates
type ConditionRegistry struct {
	mu         sync.RWMutex
	predicates map[abac.ConditionName]ConditionFunc
}

// NewConditionRegistry creates a registry holding the built-in predicates
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{predicates: make(map[abac.ConditionName]ConditionFunc)}
	r.Register(abac.ConditionOwnerMatch, ownerMatch)
	r.Register(abac.ConditionHasPermission, hasPermission)
	r.Register(abac.ConditionEmergencyDeclared, emergencyDeclared)
	r.Register(abac.ConditionSensitivityMax, sensitivityMax)
	r.Register(abac.ConditionTimeRange, timeRange)
	r.Register(abac.ConditionUnless, unless)
	return r
}

// Register adds or replaces a predicate
func (r *ConditionRegistry) Register(name abac.ConditionName, fn ConditionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = fn
}

// Lookup returns the predicate registered under name
func (r *ConditionRegistry) Lookup(name abac.ConditionName) (ConditionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.predicates[name]
	return fn, ok
}

// Has reports whether name is registered
func (r *ConditionRegistry) Has(name abac.ConditionName) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Satisfied evaluates a policy's conditions. Unless conditions are checked
// first; a triggered unless satisfies the whole set. The remaining
// conditions are then checked in declaration order. On failure the name of
// the first failing condition is returned.
func (r *ConditionRegistry) Satisfied(ec *EvalContext, conditions []abac.Condition) (bool, abac.ConditionName) {
	for _, cond := range conditions {
		if cond.Name == abac.ConditionUnless && unless(ec, cond) {
			return true, ""
		}
	}
	for _, cond := range conditions {
		if cond.Name == abac.ConditionUnless {
			continue
		}
		fn, ok := r.Lookup(cond.Name)
		if !ok || !fn(ec, cond) {
			return false, cond.Name
		}
	}
	return true, ""
}

func ownerMatch(ec *EvalContext, _ abac.Condition) bool {
	return ec.IsOwner
}

func hasPermission(ec *EvalContext, _ abac.Condition) bool {
	return ec.PermissionGranted
}

func emergencyDeclared(ec *EvalContext, _ abac.Condition) bool {
	return ec.IsEmergency
}

func sensitivityMax(ec *EvalContext, cond abac.Condition) bool {
	return ec.Sensitivity <= cond.Max
}

// timeRange holds when the current hour lies in [start, end]. A range with
// start after end wraps past midnight.
func timeRange(ec *EvalContext, cond abac.Condition) bool {
	hour := ec.Now.Hour()
	if cond.StartHour <= cond.EndHour {
		return hour >= cond.StartHour && hour <= cond.EndHour
	}
	return hour >= cond.StartHour || hour <= cond.EndHour
}

func unless(ec *EvalContext, cond abac.Condition) bool {
	if ec.Subject == nil {
		return false
	}
	value, ok := ec.Subject.Attribute(cond.Attribute)
	if !ok {
		return false
	}
	for _, candidate := range cond.Values {
		if strings.EqualFold(candidate, value) {
			return true
		}
	}
	return false
}
