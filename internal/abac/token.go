package abac

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// SessionClaims are the JWT claims of a session token. The token names the
// server-side session; subject attributes never leave the server.
type SessionClaims struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 session tokens
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(secret, issuer, audience string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue signs a token for a new session. The claims' ID names the session.
func (ti *TokenIssuer) Issue(subject *abac.Subject) (string, *SessionClaims, error) {
	now := ti.now()
	claims := &SessionClaims{
		SubjectID: subject.ID,
		Role:      string(subject.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject.ID,
			Issuer:    ti.issuer,
			Audience:  jwt.ClaimStrings{ti.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Validate parses a token and checks its signature, issuer, audience and expiry
func (ti *TokenIssuer) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithAudience(ti.audience),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// IdentityClaims are the claims of an identity assertion signed by the
// upstream authentication flow. They are the only source of a subject's
// id, role and attributes at login.
type IdentityClaims struct {
	Role       string            `json:"role"`
	Attributes map[string]string `json:"attributes,omitempty"`
	jwt.RegisteredClaims
}

// IdentityVerifier checks HS256 identity assertions against a key shared
// with the authentication flow. The key must differ from the session key.
type IdentityVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewIdentityVerifier creates an identity assertion verifier
func NewIdentityVerifier(secret, issuer, audience string) *IdentityVerifier {
	return &IdentityVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify returns the subject an assertion vouches for. Any failure wraps
// abac.ErrNotAuthenticated.
func (iv *IdentityVerifier) Verify(assertion string) (*abac.Subject, error) {
	token, err := jwt.ParseWithClaims(assertion, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return iv.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(iv.issuer),
		jwt.WithAudience(iv.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(iv.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: identity assertion rejected: %v", abac.ErrNotAuthenticated, err)
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid identity claims", abac.ErrNotAuthenticated)
	}
	return &abac.Subject{
		ID:         claims.Subject,
		Role:       abac.Role(claims.Role),
		Attributes: claims.Attributes,
	}, nil
}

// SessionStore keeps live sessions by token id until logout or expiry
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]storedSession
	now      func() time.Time
}

type storedSession struct {
	session   *Session
	expiresAt time.Time
}

// NewSessionStore creates an empty session store
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]storedSession),
		now:      time.Now,
	}
}

// Put stores a session under id until expiresAt
func (s *SessionStore) Put(id string, session *Session, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.sessions[id] = storedSession{session: session, expiresAt: expiresAt}
}

// Get returns the live session for id
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[id]
	if !ok || !s.now().Before(stored.expiresAt) {
		return nil, false
	}
	return stored.session, true
}

// Remove logs the session out and forgets it
func (s *SessionStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[id]
	if !ok {
		return false
	}
	stored.session.Logout()
	delete(s.sessions, id)
	return true
}

// Len returns the number of stored sessions
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) pruneLocked() {
	now := s.now()
	for id, stored := range s.sessions {
		if !now.Before(stored.expiresAt) {
			stored.session.Logout()
			delete(s.sessions, id)
		}
	}
}
