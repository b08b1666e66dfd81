package abac

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/monitoring"
)

const tracerName = "github.com/shrxyeh/Medichain/internal/abac"

// Evaluator decides access requests against a PolicyStore with the
// deny-overrides combining algorithm and records every decision.
type Evaluator struct {
	store      *PolicyStore
	conditions *ConditionRegistry
	audit      abac.AuditLog
	logger     *logrus.Logger
	metrics    *monitoring.MetricsCollector
	tracer     trace.Tracer
	now        func() time.Time
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithEvaluatorClock overrides the evaluation time source used by timeRange
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// WithEvaluatorMetrics records decision metrics
func WithEvaluatorMetrics(metrics *monitoring.MetricsCollector) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = metrics }
}

// NewEvaluator creates a policy evaluator
func NewEvaluator(store *PolicyStore, conditions *ConditionRegistry, audit abac.AuditLog, logger *logrus.Logger, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:      store,
		conditions: conditions,
		audit:      audit,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides a single request. Denials are returned as decisions;
// only a malformed resource or action yields an error. A nil subject is
// denied before any policy is consulted.
func (e *Evaluator) Evaluate(ctx context.Context, subject *abac.Subject, resource abac.Resource, action string, reqCtx abac.RequestContext) (abac.Decision, error) {
	start := time.Now()

	_, span := e.tracer.Start(ctx, "abac.Evaluate", trace.WithAttributes(
		attribute.String("resource.type", string(resource.Type)),
		attribute.String("action", action),
	))
	defer span.End()

	if err := e.validateRequest(subject, resource, action); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return abac.Decision{}, err
	}

	var decision abac.Decision
	subjectID := abac.AnonymousSubjectID
	if subject == nil {
		decision = abac.Decision{Allowed: false, Reason: abac.ReasonUnauthenticated}
	} else {
		subjectID = subject.ID
		decision = e.decide(subject, resource, action, reqCtx)
	}

	e.audit.Record(abac.AuditEntry{
		SubjectID: subjectID,
		Resource:  resource,
		Action:    action,
		Allowed:   decision.Allowed,
		PolicyID:  decision.PolicyID,
		Reason:    decision.Reason,
	})

	elapsed := time.Since(start)
	e.metrics.RecordDecision(string(resource.Type), action, decision.Allowed, elapsed)

	span.SetAttributes(
		attribute.String("subject.id", subjectID),
		attribute.Bool("decision.allowed", decision.Allowed),
		attribute.String("decision.policy_id", decision.PolicyID),
	)

	e.logger.WithFields(logrus.Fields{
		"subject_id":    subjectID,
		"resource_type": resource.Type,
		"owner_id":      resource.OwnerID,
		"action":        action,
		"allowed":       decision.Allowed,
		"policy_id":     decision.PolicyID,
		"reason":        decision.Reason,
		"duration_ms":   elapsed.Milliseconds(),
	}).Debug("Access decision made")

	return decision, nil
}

func (e *Evaluator) validateRequest(subject *abac.Subject, resource abac.Resource, action string) error {
	if action == "" {
		return abac.NewInputError("action", "action is required")
	}
	if err := resource.Validate(); err != nil {
		return err
	}
	if subject != nil {
		return subject.Validate()
	}
	return nil
}

// decide collects every matching policy, then applies deny-overrides with
// store order as the tie-break within each effect.
func (e *Evaluator) decide(subject *abac.Subject, resource abac.Resource, action string, reqCtx abac.RequestContext) abac.Decision {
	ec := newEvalContext(subject, resource, action, reqCtx, e.now())

	var firstAllow, firstDeny *abac.Policy
	var matched []string
	for _, policy := range e.store.snapshot() {
		if !e.matches(policy, ec) {
			continue
		}
		matched = append(matched, policy.ID)
		switch policy.Effect {
		case abac.EffectDeny:
			if firstDeny == nil {
				firstDeny = policy
			}
		case abac.EffectAllow:
			if firstAllow == nil {
				firstAllow = policy
			}
		}
	}

	if len(matched) > 1 {
		e.logger.WithFields(logrus.Fields{
			"subject_id": subject.ID,
			"matched":    matched,
		}).Debug("Multiple policies matched")
	}

	switch {
	case firstDeny != nil:
		return abac.Decision{Allowed: false, Reason: denyReason(firstDeny), PolicyID: firstDeny.ID}
	case firstAllow != nil:
		return abac.Decision{Allowed: true, Reason: allowReason(firstAllow), PolicyID: firstAllow.ID}
	default:
		return abac.Decision{Allowed: false, Reason: abac.ReasonNoMatch}
	}
}

func (e *Evaluator) matches(policy *abac.Policy, ec *EvalContext) bool {
	if !policy.Subject.Matches(string(ec.Subject.Role)) {
		return false
	}
	if !policy.Resource.Matches(ec.Resource) {
		return false
	}
	if !policy.Action.Matches(ec.Action) {
		return false
	}
	ok, failed := e.conditions.Satisfied(ec, policy.Conditions)
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"policy_id": policy.ID,
			"condition": failed,
		}).Debug("ABAC condition failed")
	}
	return ok
}

func allowReason(policy *abac.Policy) string {
	if policy.Description != "" {
		return "Allowed by policy " + policy.ID + ": " + policy.Description
	}
	return "Allowed by policy " + policy.ID
}

func denyReason(policy *abac.Policy) string {
	if policy.Description != "" {
		return "Denied by policy " + policy.ID + ": " + policy.Description
	}
	return "Denied by policy " + policy.ID
}
