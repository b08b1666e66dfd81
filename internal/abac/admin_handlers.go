package abac

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

const maxPolicyDocumentBytes = 1 << 20

// AdminHandlers provides HTTP handlers for policy administration
type AdminHandlers struct {
	service *Service
	logger  *logrus.Logger
}

// NewAdminHandlers creates a new instance of admin handlers
func NewAdminHandlers(service *Service, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all admin routes with the router
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	adminRouter := router.PathPrefix("/admin/abac").Subrouter()

	// Policy management routes
	adminRouter.HandleFunc("/policies", h.ListPolicies).Methods("GET")
	adminRouter.HandleFunc("/policies", h.CreatePolicy).Methods("POST")
	adminRouter.HandleFunc("/policies/load", h.LoadPolicies).Methods("POST")
	adminRouter.HandleFunc("/policies/validate", h.ValidatePolicy).Methods("POST")
	adminRouter.HandleFunc("/policies/{policyID}", h.GetPolicy).Methods("GET")
	adminRouter.HandleFunc("/policies/{policyID}", h.DeletePolicy).Methods("DELETE")

	// Policy testing
	adminRouter.HandleFunc("/evaluate", h.Evaluate).Methods("POST")

	// Permissions
	adminRouter.HandleFunc("/permissions/sweep", h.SweepPermissions).Methods("POST")

	// Audit and compliance
	adminRouter.HandleFunc("/audit", h.GetAuditTrail).Methods("GET")
	adminRouter.HandleFunc("/audit/stats", h.GetAuditStats).Methods("GET")
}

// ListPolicies returns every policy in evaluation order
func (h *AdminHandlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.service.Policies().List()
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

// CreatePolicy appends a policy to the store
func (h *AdminHandlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy abac.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}

	if err := h.service.AddPolicy(&policy); err != nil {
		h.writeErrorResponse(w, statusCodeForError(err), "Failed to create policy", err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"policy_id": policy.ID,
		"effect":    policy.Effect,
	}).Info("Policy created via admin API")

	h.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"message":   "Policy created successfully",
		"policy_id": policy.ID,
	})
}

// LoadPolicies appends every policy of a YAML or JSON policy document
func (h *AdminHandlers) LoadPolicies(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyDocumentBytes))
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Failed to read policy document", err)
		return
	}

	loaded, err := h.service.LoadPolicies(data)
	if err != nil {
		h.writeJSONResponse(w, statusCodeForError(err), map[string]interface{}{
			"error":     err.Error(),
			"loaded":    loaded,
			"timestamp": time.Now(),
		})
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"message": "Policies loaded successfully",
		"loaded":  loaded,
	})
}

// ValidatePolicy checks a policy without adding it
func (h *AdminHandlers) ValidatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy abac.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}

	var problems []string
	if err := policy.Validate(); err != nil {
		var abacErr *abac.Error
		if errors.As(err, &abacErr) {
			problems = append(problems, abacErr.Message)
		} else {
			problems = append(problems, err.Error())
		}
	}
	for _, cond := range policy.Conditions {
		if !h.service.Conditions().Has(cond.Name) {
			problems = append(problems, "unknown condition: "+string(cond.Name))
		}
	}
	if _, err := h.service.Policies().Get(policy.ID); err == nil {
		problems = append(problems, "policy id already exists: "+policy.ID)
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"policy_id": policy.ID,
		"valid":     len(problems) == 0,
		"problems":  problems,
	})
}

// GetPolicy returns a single policy
func (h *AdminHandlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := mux.Vars(r)["policyID"]

	policy, err := h.service.Policies().Get(policyID)
	if err != nil {
		h.writeErrorResponse(w, statusCodeForError(err), "Policy not found", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, policy)
}

// DeletePolicy removes a policy
func (h *AdminHandlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := mux.Vars(r)["policyID"]

	if !h.service.RemovePolicy(policyID) {
		h.writeErrorResponse(w, http.StatusNotFound, "Policy not found", abac.NewPolicyNotFoundError(policyID))
		return
	}

	h.logger.WithField("policy_id", policyID).Info("Policy deleted via admin API")

	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":   "Policy deleted successfully",
		"policy_id": policyID,
	})
}

// EvaluateRequest is a fully specified access request
type EvaluateRequest struct {
	Subject  *abac.Subject       `json:"subject"`
	Resource abac.Resource       `json:"resource"`
	Action   string              `json:"action"`
	Context  abac.RequestContext `json:"context"`
}

// Evaluate runs the evaluator on an explicit request. The decision is
// audited like any other.
func (h *AdminHandlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", err)
		return
	}

	decision, err := h.service.Evaluator().Evaluate(r.Context(), req.Subject, req.Resource, req.Action, req.Context)
	if err != nil {
		h.writeErrorResponse(w, statusCodeForError(err), "Failed to evaluate request", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, decision)
}

// SweepPermissions marks expired grants as not granted
func (h *AdminHandlers) SweepPermissions(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.Registry().Sweep(r.Context())
	if err != nil {
		h.writeErrorResponse(w, statusCodeForError(err), "Failed to sweep permissions", err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"swept": swept,
	})
}

// GetAuditTrail returns audit entries matching the query filters
func (h *AdminHandlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid audit filter", err)
		return
	}

	entries := h.service.Audit().Query(filter)
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetAuditStats returns audit counters for compliance reporting
func (h *AdminHandlers) GetAuditStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.service.Audit().Stats())
}

func statusCodeForError(err error) int {
	var abacErr *abac.Error
	if errors.As(err, &abacErr) {
		return statusCodeForErrorType(abacErr.Type)
	}
	return http.StatusInternalServerError
}

func (h *AdminHandlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *AdminHandlers) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	entry := h.logger.WithError(err)
	if statusCode >= http.StatusInternalServerError {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}

	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	}

	var abacErr *abac.Error
	if errors.As(err, &abacErr) {
		response["error_type"] = abacErr.Type
		response["error_code"] = abacErr.Code
		response["details"] = abacErr.Message
		if abacErr.Field != "" {
			response["field"] = abacErr.Field
		}
	}

	h.writeJSONResponse(w, statusCode, response)
}
