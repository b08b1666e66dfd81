package abac

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/commitment"
)

// AccessOptions carries the optional parts of an access check
type AccessOptions struct {
	Sensitivity abac.Sensitivity
	IsEmergency bool
	Facts       map[string]string
}

// Session holds an authenticated subject and exposes the decision API to
// callers. After Logout every check is denied as unauthenticated.
type Session struct {
	mu          sync.RWMutex
	service     *Service
	subject     *abac.Subject
	commitments map[string]*commitment.Commitment
}

func newSession(service *Service, subject *abac.Subject, commitments map[string]*commitment.Commitment) *Session {
	return &Session{
		service:     service,
		subject:     copySubject(subject),
		commitments: commitments,
	}
}

func copySubject(subject *abac.Subject) *abac.Subject {
	c := *subject
	if subject.Attributes != nil {
		c.Attributes = make(map[string]string, len(subject.Attributes))
		for k, v := range subject.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Subject returns a copy of the authenticated subject, or nil
func (s *Session) Subject() *abac.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.subject == nil {
		return nil
	}
	return copySubject(s.subject)
}

// IsAuthenticated reports whether the session still holds a subject
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject != nil
}

// AttributeCommitments returns the digests produced at login, keyed by
// attribute name. Salts stay in the session.
func (s *Session) AttributeCommitments() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.commitments))
	for name, c := range s.commitments {
		out[name] = c.Digest
	}
	return out
}

// Logout drops the subject and its commitments
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subject != nil {
		s.service.logger.WithField("subject_id", s.subject.ID).Info("Subject logged out")
	}
	s.subject = nil
	s.commitments = nil
}

func (s *Session) current() (*abac.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.subject == nil {
		return nil, abac.ErrNotAuthenticated
	}
	return s.subject, nil
}

// CanAccess decides whether the session subject may perform action on the
// owner's resource. The permissionGranted fact is read from the registry
// with the owner as grantor and the subject as grantee.
func (s *Session) CanAccess(ctx context.Context, resourceType abac.ResourceType, ownerID, action string, opts AccessOptions) (abac.Decision, error) {
	resource := abac.Resource{
		Type:        resourceType,
		OwnerID:     ownerID,
		Sensitivity: opts.Sensitivity,
	}
	reqCtx := abac.RequestContext{
		IsEmergency: opts.IsEmergency,
		Facts:       opts.Facts,
	}

	subject, err := s.current()
	if err != nil {
		return s.service.evaluator.Evaluate(ctx, nil, resource, action, reqCtx)
	}
	if ownerID != "" && ownerID != subject.ID {
		reqCtx.PermissionGranted = s.service.registry.IsValid(ctx, ownerID, subject.ID)
	}
	return s.service.evaluator.Evaluate(ctx, subject, resource, action, reqCtx)
}

// GrantAccess lets the subject share its own records with grantee. Only
// granting roles may do so.
func (s *Session) GrantAccess(ctx context.Context, granteeID string, duration time.Duration) error {
	subject, err := s.current()
	if err != nil {
		return err
	}
	if !abac.GrantingRoles[subject.Role] {
		return abac.NewGrantNotPermittedError(subject.ID, subject.Role)
	}
	if granteeID == subject.ID {
		return abac.NewInputError("grantee_id", "cannot grant access to yourself")
	}
	return s.service.registry.Grant(ctx, subject.ID, granteeID, duration)
}

// RevokeAccess withdraws a grant the subject made earlier. It reports
// false when no such grant exists.
func (s *Session) RevokeAccess(ctx context.Context, granteeID string) (bool, error) {
	subject, err := s.current()
	if err != nil {
		return false, err
	}
	if !abac.GrantingRoles[subject.Role] {
		return false, abac.NewGrantNotPermittedError(subject.ID, subject.Role)
	}
	return s.service.registry.Revoke(ctx, subject.ID, granteeID), nil
}

// Permissions lists the grants the subject has made
func (s *Session) Permissions(ctx context.Context) ([]*abac.PermissionRelation, error) {
	subject, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.service.registry.ListByGrantor(ctx, subject.ID)
}

// AuditTrail queries the audit log. Administrators see every entry; other
// subjects see only their own requests.
func (s *Session) AuditTrail(filter abac.AuditFilter) ([]abac.AuditEntry, error) {
	subject, err := s.current()
	if err != nil {
		return nil, err
	}
	if subject.Role != abac.RoleAdmin {
		filter.SubjectID = subject.ID
	}
	return s.service.audit.Query(filter), nil
}

// AgeProof proves the subject is at least minAge from its dateOfBirth
// attribute without revealing the date.
func (s *Session) AgeProof(minAge int) (*commitment.ThresholdProof, error) {
	subject, err := s.current()
	if err != nil {
		return nil, err
	}
	dob, ok := subject.Attributes[abac.AttributeDateOfBirth]
	if !ok {
		return nil, abac.NewInputError(abac.AttributeDateOfBirth, "subject has no date of birth attribute")
	}
	proof, err := s.service.commitments.CreateAgeProof(dob, minAge)
	if err != nil {
		return nil, err
	}
	s.proofIssued("age", subject.ID)
	return proof, nil
}

// RoleProof proves the subject holds its role at this moment
func (s *Session) RoleProof() (*commitment.RoleProof, error) {
	subject, err := s.current()
	if err != nil {
		return nil, err
	}
	proof, err := s.service.commitments.CreateRoleProof(subject.Role, subject.ID)
	if err != nil {
		return nil, err
	}
	s.proofIssued("role", subject.ID)
	return proof, nil
}

// Disclose reveals the named attributes and commits to the rest
func (s *Session) Disclose(reveal []string) (*commitment.Disclosure, error) {
	subject, err := s.current()
	if err != nil {
		return nil, err
	}
	attributes := subject.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	disclosure, err := s.service.commitments.CreateSelectiveDisclosure(attributes, reveal)
	if err != nil {
		return nil, err
	}
	s.proofIssued("disclosure", subject.ID)
	return disclosure, nil
}

func (s *Session) proofIssued(kind, subjectID string) {
	s.service.metrics.RecordProofIssued(kind)
	s.service.logger.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"kind":       kind,
	}).Debug("Proof issued")
}
