package commitment

import (
	"fmt"
	"math"
	"time"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// Comparator is a named predicate over (actual, threshold)
type Comparator struct {
	Name    string
	Compare func(actual, threshold float64) bool
}

// Standard comparators
var (
	GreaterOrEqual = Comparator{Name: ">=", Compare: func(a, t float64) bool { return a >= t }}
	GreaterThan    = Comparator{Name: ">", Compare: func(a, t float64) bool { return a > t }}
	LessOrEqual    = Comparator{Name: "<=", Compare: func(a, t float64) bool { return a <= t }}
	LessThan       = Comparator{Name: "<", Compare: func(a, t float64) bool { return a < t }}
	Equal          = Comparator{Name: "==", Compare: func(a, t float64) bool { return a == t }}
)

var comparatorsByName = map[string]Comparator{
	GreaterOrEqual.Name: GreaterOrEqual,
	GreaterThan.Name:    GreaterThan,
	LessOrEqual.Name:    LessOrEqual,
	LessThan.Name:       LessThan,
	Equal.Name:          Equal,
}

// ComparatorByName looks up one of the standard comparators
func ComparatorByName(name string) (Comparator, bool) {
	c, ok := comparatorsByName[name]
	return c, ok
}

// Timed is implemented by every proof carrying freshness material
type Timed interface {
	IssuedAt() time.Time
	Expiry() (time.Time, bool)
}

// Freshness is the bare freshness material of a proof, used when a proof
// arrives from outside the process.
type Freshness struct {
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IssuedAt implements Timed
func (f Freshness) IssuedAt() time.Time { return f.Timestamp }

// Expiry implements Timed
func (f Freshness) Expiry() (time.Time, bool) {
	if f.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *f.ExpiresAt, true
}

// ThresholdProof attests that comparator(actual, threshold) evaluated to
// Result at Timestamp. The actual value is never part of the proof.
type ThresholdProof struct {
	Digest     string     `json:"proof_digest"`
	Threshold  float64    `json:"threshold"`
	Comparator string     `json:"comparator"`
	Result     bool       `json:"is_valid"`
	Timestamp  time.Time  `json:"timestamp"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Salt       string     `json:"-"`
}

// IssuedAt implements Timed
func (p *ThresholdProof) IssuedAt() time.Time { return p.Timestamp }

// Expiry implements Timed
func (p *ThresholdProof) Expiry() (time.Time, bool) {
	if p.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *p.ExpiresAt, true
}

type thresholdPayload struct {
	Result     bool    `json:"result"`
	Threshold  float64 `json:"threshold"`
	Comparator string  `json:"comparator"`
	Timestamp  int64   `json:"timestamp"`
}

func (p *ThresholdProof) payload() (string, error) {
	return encodePayload(thresholdPayload{
		Result:     p.Result,
		Threshold:  p.Threshold,
		Comparator: p.Comparator,
		Timestamp:  p.Timestamp.UnixMilli(),
	})
}

// CreateThresholdProof evaluates the comparator locally and commits to the
// tuple (result, threshold, timestamp) under a fresh salt.
func (s *Service) CreateThresholdProof(actual, threshold float64, cmp Comparator) (*ThresholdProof, error) {
	if cmp.Compare == nil {
		return nil, abac.NewInputError("comparator", "comparator is required")
	}
	if math.IsNaN(actual) || math.IsInf(actual, 0) {
		return nil, abac.NewInputError("actual", "actual value must be a finite number")
	}
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return nil, abac.NewInputError("threshold", "threshold must be a finite number")
	}

	proof := &ThresholdProof{
		Threshold:  threshold,
		Comparator: cmp.Name,
		Result:     cmp.Compare(actual, threshold),
		Timestamp:  s.now(),
	}
	payload, err := proof.payload()
	if err != nil {
		return nil, err
	}
	c, err := s.CreateCommitment(payload, "")
	if err != nil {
		return nil, err
	}
	proof.Digest = c.Digest
	proof.Salt = c.Salt
	return proof, nil
}

// VerifyThresholdProof checks that the digest opens to the proof's own
// stated result, threshold and timestamp. It cannot check the predicate.
func (s *Service) VerifyThresholdProof(proof *ThresholdProof) (bool, error) {
	if proof == nil {
		return false, abac.NewInputError("proof", "proof is required")
	}
	payload, err := proof.payload()
	if err != nil {
		return false, err
	}
	return s.VerifyCommitment(payload, proof.Salt, proof.Digest)
}

// CreateAgeProof proves age >= minAge for a YYYY-MM-DD date of birth, measured
// at the service clock's now.
func (s *Service) CreateAgeProof(dateOfBirth string, minAge int) (*ThresholdProof, error) {
	if dateOfBirth == "" {
		return nil, abac.NewInputError("date_of_birth", "date of birth is required")
	}
	if minAge < 0 {
		return nil, abac.NewInputError("min_age", "minimum age must not be negative")
	}
	dob, err := time.Parse(abac.TimeFormatDate, dateOfBirth)
	if err != nil {
		return nil, abac.NewInputError("date_of_birth", fmt.Sprintf("date of birth must be %s", abac.TimeFormatDate))
	}
	age := AgeAt(dob, s.now())
	return s.CreateThresholdProof(float64(age), float64(minAge), GreaterOrEqual)
}

// AgeAt returns completed years between dob and now
func AgeAt(dob, now time.Time) int {
	now = now.UTC()
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

// RoleProof binds a (role, subject) claim to a point in time. RoleSalt is the
// prover's opening of RoleCommitment.
type RoleProof struct {
	RoleCommitment string    `json:"role_commitment"`
	ProofDigest    string    `json:"proof_digest"`
	Nonce          string    `json:"nonce"`
	Timestamp      time.Time `json:"timestamp"`
	ExpiresAt      time.Time `json:"expires_at"`
	RoleSalt       string    `json:"-"`
}

// IssuedAt implements Timed
func (p *RoleProof) IssuedAt() time.Time { return p.Timestamp }

// Expiry implements Timed
func (p *RoleProof) Expiry() (time.Time, bool) { return p.ExpiresAt, !p.ExpiresAt.IsZero() }

func roleClaim(role abac.Role, subjectID string) string {
	return string(role) + ":" + subjectID
}

// CreateRoleProof hides (role, subjectID) behind a salted commitment, then
// hides that commitment together with a nonce.
func (s *Service) CreateRoleProof(role abac.Role, subjectID string) (*RoleProof, error) {
	if role == "" {
		return nil, abac.NewInputError("role", "role is required")
	}
	if subjectID == "" {
		return nil, abac.NewInputError("subject_id", "subject id is required")
	}

	roleCommitment, err := s.CreateCommitment(roleClaim(role, subjectID), "")
	if err != nil {
		return nil, err
	}
	nonce := newNonce()
	timestamp := s.now()
	return &RoleProof{
		RoleCommitment: roleCommitment.Digest,
		ProofDigest:    Hash(roleCommitment.Digest, nonce),
		Nonce:          nonce,
		Timestamp:      timestamp,
		ExpiresAt:      timestamp.Add(s.roleProofValidity),
		RoleSalt:       roleCommitment.Salt,
	}, nil
}

// VerifyRoleProof checks a claimed role and subject against the proof. The
// verifier must be told the claim; the digests alone reveal neither.
func (s *Service) VerifyRoleProof(proof *RoleProof, role abac.Role, subjectID string) (bool, error) {
	if proof == nil {
		return false, abac.NewInputError("proof", "proof is required")
	}
	if !s.IsProofValid(proof) {
		return false, nil
	}
	ok, err := s.VerifyCommitment(roleClaim(role, subjectID), proof.RoleSalt, proof.RoleCommitment)
	if err != nil || !ok {
		return false, err
	}
	if proof.Nonce == "" {
		return false, abac.NewInputError("nonce", "nonce is required")
	}
	return s.VerifyCommitment(proof.RoleCommitment, proof.Nonce, proof.ProofDigest)
}

// IsProofValid reports freshness: a proof without a timestamp is invalid, an
// explicit expiry is honoured, otherwise the proof is valid for the
// configured window (one hour by default) after its timestamp.
func (s *Service) IsProofValid(proof Timed) bool {
	if proof == nil {
		return false
	}
	issued := proof.IssuedAt()
	if issued.IsZero() {
		return false
	}
	now := s.now()
	if expiresAt, ok := proof.Expiry(); ok {
		return !now.After(expiresAt)
	}
	return !now.After(issued.Add(s.proofValidity))
}
