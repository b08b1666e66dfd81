package abac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 15, hour, minute, 0, 0, time.UTC)
}

func TestTimeRange(t *testing.T) {
	registry := NewConditionRegistry()

	tests := []struct {
		name     string
		cond     abac.Condition
		now      time.Time
		expected bool
	}{
		{"inside day range", abac.TimeRange(8, 17), at(12, 0), true},
		{"start hour is inclusive", abac.TimeRange(8, 17), at(8, 0), true},
		{"end hour is inclusive", abac.TimeRange(8, 17), at(17, 59), true},
		{"after day range", abac.TimeRange(8, 17), at(18, 0), false},
		{"wrapping range late", abac.TimeRange(22, 6), at(23, 30), true},
		{"wrapping range early", abac.TimeRange(22, 6), at(3, 0), true},
		{"wrapping range end", abac.TimeRange(22, 6), at(6, 59), true},
		{"wrapping range outside", abac.TimeRange(22, 6), at(12, 0), false},
		{"wrapping range just before", abac.TimeRange(22, 6), at(21, 59), false},
		{"single hour", abac.TimeRange(9, 9), at(9, 30), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &EvalContext{Subject: patient("P1"), Now: tt.now}
			ok, _ := registry.Satisfied(ec, []abac.Condition{tt.cond})
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestUnlessShortCircuits(t *testing.T) {
	registry := NewConditionRegistry()
	conditions := []abac.Condition{
		abac.HasPermission(),
		abac.Unless(abac.AttributeDepartment, "emergency", "icu"),
	}

	t.Run("matching attribute satisfies the set", func(t *testing.T) {
		subject := &abac.Subject{ID: "D1", Role: abac.RoleDoctor, Attributes: map[string]string{"department": "ICU"}}
		ok, failed := registry.Satisfied(&EvalContext{Subject: subject}, conditions)
		assert.True(t, ok)
		assert.Empty(t, failed)
	})

	t.Run("other attribute falls through", func(t *testing.T) {
		subject := &abac.Subject{ID: "D1", Role: abac.RoleDoctor, Attributes: map[string]string{"department": "cardiology"}}
		ok, failed := registry.Satisfied(&EvalContext{Subject: subject}, conditions)
		assert.False(t, ok)
		assert.Equal(t, abac.ConditionHasPermission, failed)
	})

	t.Run("missing attribute falls through", func(t *testing.T) {
		ok, _ := registry.Satisfied(&EvalContext{Subject: doctor("D1"), PermissionGranted: true}, conditions)
		assert.True(t, ok)
	})

	t.Run("unless on role", func(t *testing.T) {
		byRole := []abac.Condition{abac.EmergencyDeclared(), abac.Unless(abac.AttributeRole, "admin")}
		admin := &abac.Subject{ID: "A1", Role: abac.RoleAdmin}
		ok, _ := registry.Satisfied(&EvalContext{Subject: admin}, byRole)
		assert.True(t, ok)
	})
}

func TestConditions(t *testing.T) {
	registry := NewConditionRegistry()

	tests := []struct {
		name     string
		ec       *EvalContext
		cond     abac.Condition
		expected bool
	}{
		{"owner", &EvalContext{IsOwner: true}, abac.OwnerMatch(), true},
		{"not owner", &EvalContext{}, abac.OwnerMatch(), false},
		{"permission", &EvalContext{PermissionGranted: true}, abac.HasPermission(), true},
		{"no permission", &EvalContext{}, abac.HasPermission(), false},
		{"emergency", &EvalContext{IsEmergency: true}, abac.EmergencyDeclared(), true},
		{"no emergency", &EvalContext{}, abac.EmergencyDeclared(), false},
		{"sensitivity at bound", &EvalContext{Sensitivity: abac.SensitivityConfidential}, abac.SensitivityMax(abac.SensitivityConfidential), true},
		{"sensitivity above bound", &EvalContext{Sensitivity: abac.SensitivityRestricted}, abac.SensitivityMax(abac.SensitivityConfidential), false},
		{"unknown condition", &EvalContext{}, abac.Condition{Name: "isFullMoon"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := registry.Satisfied(tt.ec, []abac.Condition{tt.cond})
			assert.Equal(t, tt.expected, ok)
		})
	}

	t.Run("empty set is satisfied", func(t *testing.T) {
		ok, _ := registry.Satisfied(&EvalContext{}, nil)
		assert.True(t, ok)
	})

	t.Run("first failure is reported", func(t *testing.T) {
		ok, failed := registry.Satisfied(&EvalContext{IsOwner: true}, []abac.Condition{abac.OwnerMatch(), abac.EmergencyDeclared(), abac.HasPermission()})
		assert.False(t, ok)
		assert.Equal(t, abac.ConditionEmergencyDeclared, failed)
	})
}

func TestConditionRegistry_Register(t *testing.T) {
	registry := NewConditionRegistry()
	assert.False(t, registry.Has("consentOnFile"))

	registry.Register("consentOnFile", func(ec *EvalContext, _ abac.Condition) bool {
		return ec.Facts["consent"] == "yes"
	})
	assert.True(t, registry.Has("consentOnFile"))

	cond := []abac.Condition{{Name: "consentOnFile"}}
	ok, _ := registry.Satisfied(&EvalContext{Facts: map[string]string{"consent": "yes"}}, cond)
	assert.True(t, ok)
	ok, _ = registry.Satisfied(&EvalContext{}, cond)
	assert.False(t, ok)
}

func TestNewEvalContext(t *testing.T) {
	ec := newEvalContext(patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{IsEmergency: true}, noon)
	assert.True(t, ec.IsOwner)
	assert.True(t, ec.IsEmergency)
	assert.False(t, ec.PermissionGranted)
	assert.Equal(t, abac.SensitivityInternal, ec.Sensitivity)

	ec = newEvalContext(doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{PermissionGranted: true}, noon)
	assert.False(t, ec.IsOwner)
	assert.True(t, ec.PermissionGranted)
}
