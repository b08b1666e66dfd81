// Package commitment implements salted SHA-256 commitments and the
// self-attested predicate proofs built on them.
//
// This is a hiding and binding hash-commitment scheme, not a zero-knowledge
// proof system. Predicate proofs (age over a threshold, role possession)
// commit to the boolean result the prover already computed, so a verifier
// must trust the prover's evaluation of the predicate.
package commitment

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// Separator joins a value and its salt before hashing
const Separator = "||"

// Service produces and verifies commitments and proofs. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	now               func() time.Time
	random            io.Reader
	saltBytes         int
	proofValidity     time.Duration
	roleProofValidity time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom overrides the salt randomness source
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// WithSaltBytes sets the generated salt length. Values below 32 bytes are raised to 32.
func WithSaltBytes(n int) Option {
	return func(s *Service) {
		if n < abac.MinSaltBytes {
			n = abac.MinSaltBytes
		}
		s.saltBytes = n
	}
}

// WithProofValidity sets the freshness window for proofs without an explicit expiry
func WithProofValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.proofValidity = d
		}
	}
}

// WithRoleProofValidity sets the expiry window stamped on role proofs
func WithRoleProofValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.roleProofValidity = d
		}
	}
}

// NewService creates a commitment service
func NewService(opts ...Option) *Service {
	s := &Service{
		now:               time.Now,
		random:            rand.Reader,
		saltBytes:         abac.DefaultSaltBytes,
		proofValidity:     abac.DefaultProofValidity,
		roleProofValidity: abac.DefaultRoleProofValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time
func (s *Service) Now() time.Time {
	return s.now()
}

// Commitment is a digest hiding a value. Salt is the prover's opening and
// must not be published next to the digest.
type Commitment struct {
	Digest    string    `json:"digest"`
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
}

// Hash computes hex(SHA-256(value || "||" || salt))
func Hash(value, salt string) string {
	sum := sha256.Sum256([]byte(value + Separator + salt))
	return hex.EncodeToString(sum[:])
}

// CreateCommitment commits to value. An empty salt is replaced by fresh randomness.
func (s *Service) CreateCommitment(value, salt string) (*Commitment, error) {
	if value == "" {
		return nil, abac.NewInputError("value", "value to commit is required")
	}
	if salt == "" {
		generated, err := s.generateSalt()
		if err != nil {
			return nil, err
		}
		salt = generated
	}
	return &Commitment{
		Digest:    Hash(value, salt),
		Salt:      salt,
		CreatedAt: s.now(),
	}, nil
}

// VerifyCommitment recomputes the digest and compares the full 32 bytes
func (s *Service) VerifyCommitment(value, salt, digest string) (bool, error) {
	if salt == "" {
		return false, abac.NewInputError("salt", "salt is required to open a commitment")
	}
	if digest == "" {
		return false, abac.NewInputError("digest", "digest is required")
	}
	expected, err := hex.DecodeString(digest)
	if err != nil || len(expected) != sha256.Size {
		return false, abac.NewInputError("digest", "digest must be a hex-encoded SHA-256 value")
	}
	actual := sha256.Sum256([]byte(value + Separator + salt))
	return bytes.Equal(actual[:], expected), nil
}

func (s *Service) generateSalt() (string, error) {
	salt := make([]byte, s.saltBytes)
	if _, err := io.ReadFull(s.random, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// CommitAttributes commits to every attribute with its own salt. Used at
// login to attach attribute commitments to the session.
func (s *Service) CommitAttributes(attributes map[string]string) (map[string]*Commitment, error) {
	commitments := make(map[string]*Commitment, len(attributes))
	for _, name := range sortedKeys(attributes) {
		c, err := s.CreateCommitment(attributeValue(name, attributes[name]), "")
		if err != nil {
			return nil, fmt.Errorf("commit attribute %s: %w", name, err)
		}
		commitments[name] = c
	}
	return commitments, nil
}

// attributeValue is the committed form of a named attribute
func attributeValue(name, value string) string {
	return name + "=" + value
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newNonce() string {
	return uuid.NewString()
}

func encodePayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode proof payload: %w", err)
	}
	return string(data), nil
}
