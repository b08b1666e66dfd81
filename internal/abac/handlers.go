package abac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/commitment"
	"github.com/shrxyeh/Medichain/pkg/logger"
)

const (
	sessionContextKey   = "session"
	sessionIDContextKey = "session_id"
)

// Handlers contains HTTP handlers for the access API
type Handlers struct {
	service    *Service
	identities *IdentityVerifier
	tokens     *TokenIssuer
	sessions   *SessionStore
	logger     *logger.Logger
}

// NewHandlers creates new access HTTP handlers
func NewHandlers(service *Service, identities *IdentityVerifier, tokens *TokenIssuer, sessions *SessionStore, log *logger.Logger) *Handlers {
	return &Handlers{
		service:    service,
		identities: identities,
		tokens:     tokens,
		sessions:   sessions,
		logger:     log,
	}
}

// RegisterRoutes registers access routes with the router
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/login", h.Login)
			auth.POST("/logout", h.AuthMiddleware(true), h.Logout)
		}

		// Unauthenticated callers reach the evaluator and are denied there
		v1.POST("/access/check", h.AuthMiddleware(false), h.CheckAccess)

		permissions := v1.Group("/permissions")
		permissions.Use(h.AuthMiddleware(true))
		{
			permissions.POST("", h.GrantPermission)
			permissions.GET("", h.ListPermissions)
			permissions.DELETE("/:grantee", h.RevokePermission)
			permissions.GET("/:grantor/:grantee", h.GetPermission)
		}

		v1.GET("/audit", h.AuthMiddleware(true), h.AuditTrail)

		proofs := v1.Group("/proofs")
		{
			proofs.POST("/age", h.AuthMiddleware(true), h.CreateAgeProof)
			proofs.POST("/role", h.AuthMiddleware(true), h.CreateRoleProof)
			proofs.POST("/disclose", h.AuthMiddleware(true), h.Disclose)
			proofs.POST("/age/verify", h.VerifyAgeProof)
			proofs.POST("/role/verify", h.VerifyRoleProof)
			proofs.POST("/validate", h.ValidateProof)
		}
	}
}

// MountAdmin serves the admin router under /admin/abac for administrators only
func (h *Handlers) MountAdmin(router *gin.Engine, admin *AdminHandlers) {
	adminRouter := mux.NewRouter()
	admin.RegisterRoutes(adminRouter)

	group := router.Group("/admin/abac", h.AuthMiddleware(true), h.RequireRole(abac.RoleAdmin))
	group.Any("/*path", gin.WrapH(adminRouter))
}

// LoginRequest carries the identity assertion issued by the authentication flow
type LoginRequest struct {
	IdentityToken string `json:"identity_token" binding:"required"`
}

// LoginResponse returns the session token and the attribute commitments
type LoginResponse struct {
	Token                string            `json:"token"`
	TokenType            string            `json:"token_type"`
	ExpiresAt            time.Time         `json:"expires_at"`
	SubjectID            string            `json:"subject_id"`
	AttributeCommitments map[string]string `json:"attribute_commitments"`
}

// Login starts a session and issues its token
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	subject, err := h.identities.Verify(req.IdentityToken)
	if err != nil {
		h.logger.Security("login_rejected", "", map[string]interface{}{
			"client_ip": c.ClientIP(),
			"reason":    err.Error(),
		})
		h.handleError(c, abac.ErrNotAuthenticated)
		return
	}

	session, err := h.service.Login(c.Request.Context(), subject)
	if err != nil {
		h.handleError(c, err)
		return
	}

	token, claims, err := h.tokens.Issue(subject)
	if err != nil {
		session.Logout()
		h.handleError(c, err)
		return
	}
	h.sessions.Put(claims.ID, session, claims.ExpiresAt.Time)

	h.logger.Security("session_started", subject.ID, map[string]interface{}{
		"role":       subject.Role,
		"session_id": claims.ID,
	})

	c.JSON(http.StatusOK, LoginResponse{
		Token:                token,
		TokenType:            "Bearer",
		ExpiresAt:            claims.ExpiresAt.Time,
		SubjectID:            subject.ID,
		AttributeCommitments: session.AttributeCommitments(),
	})
}

// Logout ends the caller's session
func (h *Handlers) Logout(c *gin.Context) {
	session := h.sessionFrom(c)
	subjectID := ""
	if subject := session.Subject(); subject != nil {
		subjectID = subject.ID
	}

	h.sessions.Remove(c.GetString(sessionIDContextKey))
	h.logger.Security("session_ended", subjectID, nil)

	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// AccessCheckRequest names the resource and action to decide on
type AccessCheckRequest struct {
	ResourceType abac.ResourceType `json:"resource_type"`
	OwnerID      string            `json:"owner_id"`
	Action       string            `json:"action"`
	Sensitivity  abac.Sensitivity  `json:"sensitivity"`
	IsEmergency  bool              `json:"is_emergency"`
	Facts        map[string]string `json:"facts"`
}

// CheckAccess evaluates a request for the caller. Denials are 200 responses.
func (h *Handlers) CheckAccess(c *gin.Context) {
	var req AccessCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	session := h.sessionFrom(c)
	decision, err := session.CanAccess(ctx, req.ResourceType, req.OwnerID, req.Action, AccessOptions{
		Sensitivity: req.Sensitivity,
		IsEmergency: req.IsEmergency,
		Facts:       req.Facts,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	subjectID := abac.AnonymousSubjectID
	if subject := session.Subject(); subject != nil {
		subjectID = subject.ID
	}
	h.logger.AccessDecision(ctx, subjectID, req.OwnerID, string(req.ResourceType), req.Action,
		decision.Allowed, decision.PolicyID, decision.Reason)

	c.JSON(http.StatusOK, decision)
}

// GrantRequest shares the caller's records with a grantee
type GrantRequest struct {
	GranteeID       string `json:"grantee_id" binding:"required"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// maxGrantSeconds bounds grant durations well inside time.Duration's range
const maxGrantSeconds = 100 * 365 * 24 * 60 * 60

// GrantPermission creates or renews a grant from the caller
func (h *Handlers) GrantPermission(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	session := h.sessionFrom(c)
	subject := session.Subject()
	if subject == nil {
		h.handleError(c, abac.ErrNotAuthenticated)
		return
	}

	if req.DurationSeconds > maxGrantSeconds {
		h.handleError(c, abac.NewInputError("duration_seconds", fmt.Sprintf("duration must not exceed %d seconds", maxGrantSeconds)))
		return
	}

	err := session.GrantAccess(ctx, req.GranteeID, time.Duration(req.DurationSeconds)*time.Second)
	h.logger.PermissionChange(ctx, "grant", subject.ID, req.GranteeID, err == nil, map[string]interface{}{
		"duration_seconds": req.DurationSeconds,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	relation, err := h.service.Registry().Get(ctx, subject.ID, req.GranteeID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, relation)
}

// RevokePermission withdraws the caller's grant to a grantee
func (h *Handlers) RevokePermission(c *gin.Context) {
	ctx := c.Request.Context()
	session := h.sessionFrom(c)
	subject := session.Subject()
	if subject == nil {
		h.handleError(c, abac.ErrNotAuthenticated)
		return
	}

	granteeID := c.Param("grantee")
	revoked, err := session.RevokeAccess(ctx, granteeID)
	h.logger.PermissionChange(ctx, "revoke", subject.ID, granteeID, err == nil && revoked, nil)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if !revoked {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "PERMISSION_NOT_FOUND",
			"message": "No permission exists for this grantee",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Permission revoked successfully"})
}

// ListPermissions returns the grants the caller has made
func (h *Handlers) ListPermissions(c *gin.Context) {
	relations, err := h.sessionFrom(c).Permissions(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"permissions": relations,
		"count":       len(relations),
	})
}

// GetPermission returns one relation and whether it is currently valid.
// Only the grantor, the grantee or an administrator may read it.
func (h *Handlers) GetPermission(c *gin.Context) {
	subject := h.sessionFrom(c).Subject()
	if subject == nil {
		h.handleError(c, abac.ErrNotAuthenticated)
		return
	}

	grantorID, granteeID := c.Param("grantor"), c.Param("grantee")
	if subject.Role != abac.RoleAdmin && subject.ID != grantorID && subject.ID != granteeID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "FORBIDDEN",
			"message": "Only the parties to a permission may read it",
		})
		return
	}

	ctx := c.Request.Context()
	relation, err := h.service.Registry().Get(ctx, grantorID, granteeID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"permission": relation,
		"valid":      h.service.Registry().IsValid(ctx, grantorID, granteeID),
	})
}

// AuditTrail returns audit entries visible to the caller
func (h *Handlers) AuditTrail(c *gin.Context) {
	filter, err := parseAuditFilter(c.Request.URL.Query())
	if err != nil {
		h.badRequest(c, err)
		return
	}

	session := h.sessionFrom(c)
	entries, err := session.AuditTrail(filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if subject := session.Subject(); subject != nil {
		h.logger.Compliance("audit_trail_viewed", subject.ID, map[string]interface{}{
			"role":    subject.Role,
			"entries": len(entries),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func parseAuditFilter(query url.Values) (abac.AuditFilter, error) {
	filter := abac.AuditFilter{
		SubjectID:    query.Get("subject_id"),
		Action:       query.Get("action"),
		ResourceType: abac.ResourceType(query.Get("resource_type")),
	}
	if v := query.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, abac.NewInputError("allowed", "allowed must be true or false")
		}
		filter.Allowed = &allowed
	}
	if v := query.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, abac.NewInputError("since", "since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, abac.NewInputError("limit", "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// AgeProofRequest asks for proof of a minimum age
type AgeProofRequest struct {
	MinAge int `json:"min_age" binding:"required,min=1"`
}

// CreateAgeProof proves the caller's minimum age
func (h *Handlers) CreateAgeProof(c *gin.Context) {
	var req AgeProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	proof, err := h.sessionFrom(c).AgeProof(req.MinAge)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// CreateRoleProof proves the caller's role
func (h *Handlers) CreateRoleProof(c *gin.Context) {
	proof, err := h.sessionFrom(c).RoleProof()
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// DisclosureRequest names the attributes to reveal
type DisclosureRequest struct {
	Reveal []string `json:"reveal"`
}

// Disclose reveals some of the caller's attributes and commits to the rest
func (h *Handlers) Disclose(c *gin.Context) {
	var req DisclosureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	disclosure, err := h.sessionFrom(c).Disclose(req.Reveal)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, disclosure)
}

// VerifyAgeProof checks a threshold proof's digest and freshness
func (h *Handlers) VerifyAgeProof(c *gin.Context) {
	var proof commitment.ThresholdProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		h.badRequest(c, err)
		return
	}

	commitments := h.service.Commitments()
	verified, err := commitments.VerifyThresholdProof(&proof)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verified": verified,
		"fresh":    commitments.IsProofValid(&proof),
		"result":   proof.Result,
	})
}

// RoleProofVerification carries a role proof and the claim it should open to
type RoleProofVerification struct {
	Proof     commitment.RoleProof `json:"proof"`
	Role      abac.Role            `json:"role" binding:"required"`
	SubjectID string               `json:"subject_id" binding:"required"`
}

// VerifyRoleProof checks a role proof against a claimed role and subject
func (h *Handlers) VerifyRoleProof(c *gin.Context) {
	var req RoleProofVerification
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	verified, err := h.service.Commitments().VerifyRoleProof(&req.Proof, req.Role, req.SubjectID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified})
}

// ValidateProof reports whether a proof's timestamp is still fresh
func (h *Handlers) ValidateProof(c *gin.Context) {
	var freshness commitment.Freshness
	if err := c.ShouldBindJSON(&freshness); err != nil {
		h.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.service.Commitments().IsProofValid(freshness)})
}

// AuthMiddleware resolves the bearer token to a live session. When required
// is false a missing or stale token yields an anonymous session.
func (h *Handlers) AuthMiddleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, sessionID, ok := h.resolveSession(c)
		if !ok {
			if required {
				c.JSON(http.StatusUnauthorized, gin.H{
					"error":   "UNAUTHENTICATED",
					"message": "A valid session token is required",
				})
				c.Abort()
				return
			}
			session = h.service.Anonymous()
		} else if subject := session.Subject(); subject != nil {
			ctx := context.WithValue(c.Request.Context(), logger.SubjectIDKey, subject.ID)
			c.Request = c.Request.WithContext(ctx)
		}

		c.Set(sessionContextKey, session)
		c.Set(sessionIDContextKey, sessionID)
		c.Next()
	}
}

// RequireRole rejects sessions whose subject does not hold role
func (h *Handlers) RequireRole(role abac.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := h.sessionFrom(c).Subject()
		if subject == nil || subject.Role != role {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "FORBIDDEN",
				"message": "Insufficient role for this operation",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handlers) resolveSession(c *gin.Context) (*Session, string, bool) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return nil, "", false
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Debug("Rejected session token")
		return nil, "", false
	}

	session, ok := h.sessions.Get(claims.ID)
	if !ok || !session.IsAuthenticated() {
		return nil, "", false
	}
	return session, claims.ID, true
}

func (h *Handlers) sessionFrom(c *gin.Context) *Session {
	if v, ok := c.Get(sessionContextKey); ok {
		if session, ok := v.(*Session); ok {
			return session
		}
	}
	return h.service.Anonymous()
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	if abac.IsInputError(err) {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "INVALID_REQUEST",
		"message": "Invalid request format",
		"details": err.Error(),
	})
}

func (h *Handlers) handleError(c *gin.Context, err error) {
	if errors.Is(err, abac.ErrNotAuthenticated) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "UNAUTHENTICATED",
			"message": err.Error(),
		})
		return
	}
	if errors.Is(err, abac.ErrRelationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "PERMISSION_NOT_FOUND",
			"message": err.Error(),
		})
		return
	}

	var abacErr *abac.Error
	if errors.As(err, &abacErr) {
		response := gin.H{
			"error":   abacErr.Code,
			"message": abacErr.Message,
		}
		if abacErr.Field != "" {
			response["field"] = abacErr.Field
		}
		if abacErr.Type == abac.ErrorTypeStore {
			h.logger.WithContext(c.Request.Context()).WithError(err).Error("Permission store failure")
		}
		c.JSON(statusCodeForErrorType(abacErr.Type), response)
		return
	}

	h.logger.WithContext(c.Request.Context()).WithError(err).Error("Internal server error")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL_ERROR",
		"message": "An internal error occurred",
	})
}

func statusCodeForErrorType(t abac.ErrorType) int {
	switch t {
	case abac.ErrorTypeInput:
		return http.StatusBadRequest
	case abac.ErrorTypePolicyConfiguration:
		return http.StatusUnprocessableEntity
	case abac.ErrorTypePolicyNotFound:
		return http.StatusNotFound
	case abac.ErrorTypeGrantNotPermitted:
		return http.StatusForbidden
	case abac.ErrorTypeStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
