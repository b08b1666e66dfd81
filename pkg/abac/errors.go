package abac

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an ABAC error
type ErrorType string

const (
	ErrorTypeInput               ErrorType = "input"
	ErrorTypePolicyConfiguration ErrorType = "policy_configuration"
	ErrorTypePolicyNotFound      ErrorType = "policy_not_found"
	ErrorTypeGrantNotPermitted   ErrorType = "grant_not_permitted"
	ErrorTypeStore               ErrorType = "store"
)

var (
	// ErrRelationNotFound is returned by permission stores for an unknown grantor/grantee pair
	ErrRelationNotFound = errors.New("permission relation not found")

	// ErrNotAuthenticated is returned by session operations after logout
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// Error represents an ABAC-specific error with detailed context.
// Access denials are never errors; they are Decisions.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewInputError reports a malformed or missing required field
func NewInputError(field, message string) *Error {
	return &Error{
		Type:    ErrorTypeInput,
		Code:    ErrorCodeInput,
		Message: message,
		Field:   field,
	}
}

// NewPolicyConfigurationError reports a policy rejected at insertion time
func NewPolicyConfigurationError(policyID, message string) *Error {
	return &Error{
		Type:    ErrorTypePolicyConfiguration,
		Code:    ErrorCodePolicyConfiguration,
		Message: message,
		Field:   policyID,
	}
}

// NewPolicyNotFoundError reports a lookup of an unknown policy id
func NewPolicyNotFoundError(policyID string) *Error {
	return &Error{
		Type:    ErrorTypePolicyNotFound,
		Code:    ErrorCodePolicyNotFound,
		Message: fmt.Sprintf("policy not found: %s", policyID),
	}
}

// NewGrantNotPermittedError reports a grant or revoke attempted by a subject without authority
func NewGrantNotPermittedError(subjectID string, role Role) *Error {
	return &Error{
		Type:    ErrorTypeGrantNotPermitted,
		Code:    ErrorCodeGrantNotPermitted,
		Message: fmt.Sprintf("subject %s with role %q cannot grant access", subjectID, role),
	}
}

// NewStoreError wraps a failure of a backing permission store
func NewStoreError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeStore,
		Code:    ErrorCodeStore,
		Message: message,
		Cause:   cause,
	}
}

// IsErrorType reports whether err is an *Error of the given type
func IsErrorType(err error, t ErrorType) bool {
	var abacErr *Error
	if errors.As(err, &abacErr) {
		return abacErr.Type == t
	}
	return false
}

// IsInputError reports whether err is a malformed-input error
func IsInputError(err error) bool { return IsErrorType(err, ErrorTypeInput) }

// IsGrantNotPermittedError reports whether err is a refused grant or revoke
func IsGrantNotPermittedError(err error) bool {
	return IsErrorType(err, ErrorTypeGrantNotPermitted)
}

// IsPolicyConfigurationError reports whether err is a rejected policy
func IsPolicyConfigurationError(err error) bool {
	return IsErrorType(err, ErrorTypePolicyConfiguration)
}

// ValidationErrors collects several input errors found in one pass
type ValidationErrors []*Error

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("multiple validation errors: %d errors found, first: %v", len(e), e[0])
}

// Add appends an input error for field
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, NewInputError(field, message))
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// As lets errors.As find the first collected *Error
func (e ValidationErrors) As(target interface{}) bool {
	if len(e) == 0 {
		return false
	}
	if t, ok := target.(**Error); ok {
		*t = e[0]
		return true
	}
	return false
}

// ErrOrNil returns nil when nothing was collected
func (e ValidationErrors) ErrOrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
