package abac

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

func TestEvaluate_OwnerReadsOwnRecord(t *testing.T) {
	f := newEvaluatorFixture(t, defaultPolicy(t, "patient-own-records"))

	decision, err := f.evaluator.Evaluate(context.Background(), patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "patient-own-records", decision.PolicyID)
	assert.Contains(t, decision.Reason, "Allowed by policy patient-own-records")
}

func TestEvaluate_NoMatchingPolicy(t *testing.T) {
	f := newEvaluatorFixture(t, defaultPolicy(t, "patient-own-records"))

	decision, err := f.evaluator.Evaluate(context.Background(), doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, abac.ReasonNoMatch, decision.Reason)
	assert.Empty(t, decision.PolicyID)
}

func TestEvaluate_EmptyStoreDenies(t *testing.T) {
	f := newEvaluatorFixture(t)

	decision, err := f.evaluator.Evaluate(context.Background(), patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, abac.ReasonNoMatch, decision.Reason)
}

func TestEvaluate_Unauthenticated(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)

	decision, err := f.evaluator.Evaluate(context.Background(), nil, record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, abac.ReasonUnauthenticated, decision.Reason)

	entries := f.audit.Query(abac.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, abac.AnonymousSubjectID, entries[0].SubjectID)
	assert.False(t, entries[0].Allowed)
}

func TestEvaluate_InputErrors(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)
	ctx := context.Background()

	tests := []struct {
		name     string
		subject  *abac.Subject
		resource abac.Resource
		action   string
	}{
		{"empty action", patient("P1"), record("P1"), ""},
		{"empty resource type", patient("P1"), abac.Resource{OwnerID: "P1"}, abac.ActionRead},
		{"out of range sensitivity", patient("P1"), abac.Resource{Type: abac.ResourcePatientRecord, Sensitivity: abac.Sensitivity(42)}, abac.ActionRead},
		{"subject without id", &abac.Subject{Role: abac.RolePatient}, record("P1"), abac.ActionRead},
		{"subject without role", &abac.Subject{ID: "P1"}, record("P1"), abac.ActionRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.evaluator.Evaluate(ctx, tt.subject, tt.resource, tt.action, abac.RequestContext{})
			require.Error(t, err)
			assert.True(t, abac.IsInputError(err), "got %v", err)
		})
	}

	assert.Empty(t, f.audit.Query(abac.AuditFilter{}), "rejected requests are not audited")
}

func TestEvaluate_DenyOverrides(t *testing.T) {
	allow := &abac.Policy{
		ID:       "allow-doctors",
		Effect:   abac.EffectAllow,
		Subject:  abac.Exact("doctor"),
		Resource: abac.ResourceMatcher{Type: abac.Any()},
		Action:   abac.Any(),
	}
	deny := &abac.Policy{
		ID:          "deny-imaging",
		Description: "No imaging today",
		Effect:      abac.EffectDeny,
		Subject:     abac.Any(),
		Resource:    abac.ResourceMatcher{Type: abac.Exact(string(abac.ResourceImaging))},
		Action:      abac.Any(),
	}
	imaging := abac.Resource{Type: abac.ResourceImaging, OwnerID: "P1"}

	for name, order := range map[string][]*abac.Policy{
		"allow first": {allow.Clone(), deny.Clone()},
		"deny first":  {deny.Clone(), allow.Clone()},
	} {
		t.Run(name, func(t *testing.T) {
			f := newEvaluatorFixture(t, order...)

			decision, err := f.evaluator.Evaluate(context.Background(), doctor("D1"), imaging, abac.ActionRead, abac.RequestContext{})
			require.NoError(t, err)
			assert.False(t, decision.Allowed)
			assert.Equal(t, "deny-imaging", decision.PolicyID)
			assert.Equal(t, "Denied by policy deny-imaging: No imaging today", decision.Reason)

			decision, err = f.evaluator.Evaluate(context.Background(), doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{})
			require.NoError(t, err)
			assert.True(t, decision.Allowed)
			assert.Equal(t, "allow-doctors", decision.PolicyID)
		})
	}
}

func TestEvaluate_FirstMatchingAllowWins(t *testing.T) {
	first := &abac.Policy{ID: "first", Effect: abac.EffectAllow, Subject: abac.Any(), Action: abac.Any()}
	second := &abac.Policy{ID: "second", Effect: abac.EffectAllow, Subject: abac.Any(), Action: abac.Any()}
	f := newEvaluatorFixture(t, first, second)

	decision, err := f.evaluator.Evaluate(context.Background(), doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "first", decision.PolicyID)

	require.True(t, f.store.Remove("first"))
	decision, err = f.evaluator.Evaluate(context.Background(), doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "second", decision.PolicyID)
}

func TestEvaluate_Deterministic(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)
	ctx := context.Background()
	reqCtx := abac.RequestContext{PermissionGranted: true}

	first, err := f.evaluator.Evaluate(ctx, doctor("D1"), record("P1"), abac.ActionRead, reqCtx)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := f.evaluator.Evaluate(ctx, doctor("D1"), record("P1"), abac.ActionRead, reqCtx)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluate_DecisionIndependentOfPolicyOrder(t *testing.T) {
	policies := append(DefaultPolicies(),
		&abac.Policy{
			ID:       "doctor-read-anything",
			Effect:   abac.EffectAllow,
			Subject:  abac.Exact(string(abac.RoleDoctor)),
			Resource: abac.ResourceMatcher{Type: abac.Any()},
			Action:   abac.Exact(abac.ActionRead),
		},
		&abac.Policy{
			ID:       "deny-top-secret",
			Effect:   abac.EffectDeny,
			Subject:  abac.Any(),
			Resource: abac.ResourceMatcher{Type: abac.Any(), Sensitivity: abac.Exact(abac.SensitivityTopSecret.String())},
			Action:   abac.Any(),
		},
	)

	night := time.Date(2024, 3, 15, 23, 0, 0, 0, time.UTC)
	granted := abac.RequestContext{PermissionGranted: true}
	emergencyDoctor := &abac.Subject{ID: "D2", Role: abac.RoleDoctor, Attributes: map[string]string{abac.AttributeDepartment: "emergency"}}
	requests := []struct {
		name     string
		subject  *abac.Subject
		resource abac.Resource
		action   string
		reqCtx   abac.RequestContext
		at       time.Time
		allowed  bool
	}{
		{"owner reads", patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{}, noon, true},
		{"patient reads another", patient("P2"), record("P1"), abac.ActionRead, abac.RequestContext{}, noon, false},
		{"doctor reads via overlap", doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{}, noon, true},
		{"doctor top secret", doctor("D1"), abac.Resource{Type: abac.ResourcePatientRecord, OwnerID: "P1", Sensitivity: abac.SensitivityTopSecret}, abac.ActionRead, granted, noon, false},
		{"doctor prescribes", doctor("D1"), abac.Resource{Type: abac.ResourcePrescription, OwnerID: "P1"}, abac.ActionWrite, granted, noon, true},
		{"emergency department", emergencyDoctor, record("P1"), abac.ActionRead, abac.RequestContext{IsEmergency: true}, noon, true},
		{"nurse by day", &abac.Subject{ID: "N1", Role: abac.RoleNurse}, record("P1"), abac.ActionRead, granted, noon, true},
		{"nurse restricted at night", &abac.Subject{ID: "N1", Role: abac.RoleNurse}, abac.Resource{Type: abac.ResourcePatientRecord, OwnerID: "P1", Sensitivity: abac.SensitivityRestricted}, abac.ActionRead, granted, night, false},
		{"researcher writes", &abac.Subject{ID: "R1", Role: abac.RoleResearcher}, abac.Resource{Type: abac.ResourceLabResult, Sensitivity: abac.SensitivityPublic}, abac.ActionWrite, abac.RequestContext{}, noon, false},
		{"admin reads record", &abac.Subject{ID: "A1", Role: abac.RoleAdmin}, record("P1"), abac.ActionRead, abac.RequestContext{}, noon, false},
		{"admin reads audit log", &abac.Subject{ID: "A1", Role: abac.RoleAdmin}, abac.Resource{Type: abac.ResourceAuditLog}, abac.ActionRead, abac.RequestContext{}, noon, true},
	}

	orders := [][]*abac.Policy{policies}
	reversed := make([]*abac.Policy, len(policies))
	for i, p := range policies {
		reversed[len(policies)-1-i] = p
	}
	orders = append(orders, reversed)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]*abac.Policy(nil), policies...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		orders = append(orders, shuffled)
	}

	for i, order := range orders {
		cloned := make([]*abac.Policy, len(order))
		for j, p := range order {
			cloned[j] = p.Clone()
		}
		f := newEvaluatorFixture(t, cloned...)

		for _, req := range requests {
			f.clock.Set(req.at)
			decision, err := f.evaluator.Evaluate(context.Background(), req.subject, req.resource, req.action, req.reqCtx)
			require.NoError(t, err)
			assert.Equal(t, req.allowed, decision.Allowed, "order %d: %s (%s)", i, req.name, decision.PolicyID)
		}
	}
}

func TestEvaluate_MatchingIsCaseInsensitive(t *testing.T) {
	policy := &abac.Policy{
		ID:       "upper-case",
		Effect:   abac.EffectAllow,
		Subject:  abac.Exact("PATIENT"),
		Resource: abac.ResourceMatcher{Type: abac.Exact("PATIENT_RECORD")},
		Action:   abac.Exact("READ"),
	}
	f := newEvaluatorFixture(t, policy)

	decision, err := f.evaluator.Evaluate(context.Background(), patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEvaluate_UnsetSensitivityIsInternal(t *testing.T) {
	f := newEvaluatorFixture(t, defaultPolicy(t, "researcher-public-data"))
	researcher := &abac.Subject{ID: "R1", Role: abac.RoleResearcher}
	ctx := context.Background()

	decision, err := f.evaluator.Evaluate(ctx, researcher, record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "unset sensitivity is INTERNAL, above PUBLIC")

	public := abac.Resource{Type: abac.ResourceLabResult, Sensitivity: abac.SensitivityPublic}
	decision, err = f.evaluator.Evaluate(ctx, researcher, public, abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "researcher-public-data", decision.PolicyID)
}

func TestEvaluate_DefaultPolicies(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)
	ctx := context.Background()
	nurse := &abac.Subject{ID: "N1", Role: abac.RoleNurse}
	admin := &abac.Subject{ID: "A1", Role: abac.RoleAdmin}
	responder := &abac.Subject{ID: "E1", Role: abac.RoleEmergency}
	erDoctor := &abac.Subject{ID: "D2", Role: abac.RoleDoctor, Attributes: map[string]string{"department": "Emergency"}}
	restricted := abac.Resource{Type: abac.ResourcePatientRecord, OwnerID: "P1", Sensitivity: abac.SensitivityRestricted}

	tests := []struct {
		name     string
		subject  *abac.Subject
		resource abac.Resource
		action   string
		reqCtx   abac.RequestContext
		allowed  bool
		policyID string
	}{
		{"patient reads own record", patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{}, true, "patient-own-records"},
		{"patient reads another record", patient("P2"), record("P1"), abac.ActionRead, abac.RequestContext{}, false, ""},
		{"doctor with permission", doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{PermissionGranted: true}, true, "doctor-read-with-permission"},
		{"doctor without permission", doctor("D1"), record("P1"), abac.ActionRead, abac.RequestContext{}, false, ""},
		{"nurse above confidential", nurse, restricted, abac.ActionRead, abac.RequestContext{PermissionGranted: true}, false, ""},
		{"responder in emergency", responder, record("P1"), abac.ActionRead, abac.RequestContext{IsEmergency: true}, true, "emergency-read"},
		{"responder without emergency", responder, record("P1"), abac.ActionRead, abac.RequestContext{}, false, ""},
		{"emergency department doctor", erDoctor, record("P1"), abac.ActionRead, abac.RequestContext{}, true, "emergency-read"},
		{"admin reads clinical record", admin, record("P1"), abac.ActionRead, abac.RequestContext{}, false, "admin-no-clinical"},
		{"admin reads audit log", admin, abac.Resource{Type: abac.ResourceAuditLog}, abac.ActionRead, abac.RequestContext{}, true, "admin-system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := f.evaluator.Evaluate(ctx, tt.subject, tt.resource, tt.action, tt.reqCtx)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed, decision.Reason)
			assert.Equal(t, tt.policyID, decision.PolicyID)
		})
	}
}

func TestEvaluate_NightRestriction(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)
	nurse := &abac.Subject{ID: "N1", Role: abac.RoleNurse}
	secret := abac.Resource{Type: abac.ResourceLabResult, OwnerID: "P1", Sensitivity: abac.SensitivityTopSecret}

	f.clock.Set(noon.Add(11 * time.Hour)) // 23:00
	decision, err := f.evaluator.Evaluate(context.Background(), nurse, secret, abac.ActionRead, abac.RequestContext{PermissionGranted: true})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "nurse-restricted-night", decision.PolicyID)

	f.clock.Set(noon)
	decision, err = f.evaluator.Evaluate(context.Background(), nurse, secret, abac.ActionRead, abac.RequestContext{PermissionGranted: true})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Empty(t, decision.PolicyID, "daytime falls through to no match")
}

func TestEvaluate_EveryDecisionIsAudited(t *testing.T) {
	f := newEvaluatorFixture(t, DefaultPolicies()...)
	ctx := context.Background()

	_, err := f.evaluator.Evaluate(ctx, patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{})
	require.NoError(t, err)
	_, err = f.evaluator.Evaluate(ctx, doctor("D1"), record("P1"), abac.ActionWrite, abac.RequestContext{})
	require.NoError(t, err)

	entries := f.audit.Query(abac.AuditFilter{})
	require.Len(t, entries, 2)
	assert.Equal(t, "P1", entries[0].SubjectID)
	assert.True(t, entries[0].Allowed)
	assert.Equal(t, "patient-own-records", entries[0].PolicyID)
	assert.Equal(t, noon, entries[0].Timestamp)
	assert.Equal(t, "D1", entries[1].SubjectID)
	assert.False(t, entries[1].Allowed)
	assert.Equal(t, abac.ReasonNoMatch, entries[1].Reason)
}

func TestEvaluate_ConcurrentWithPolicyChanges(t *testing.T) {
	f := newEvaluatorFixture(t, defaultPolicy(t, "patient-own-records"))
	ctx := context.Background()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				decision, err := f.evaluator.Evaluate(ctx, patient("P1"), record("P1"), abac.ActionRead, abac.RequestContext{})
				assert.NoError(t, err)
				assert.True(t, decision.Allowed)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perWorker; i++ {
			id := fmt.Sprintf("extra-%d", i)
			assert.NoError(t, f.store.Add(&abac.Policy{ID: id, Effect: abac.EffectAllow, Subject: abac.Exact("nobody"), Action: abac.Any()}))
			f.store.Remove(id)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), f.audit.Stats().Recorded)
}
