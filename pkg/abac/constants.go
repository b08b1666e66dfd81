package abac

import "time"

// Roles recognised by the access core
const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RoleNurse      Role = "nurse"
	RoleResearcher Role = "researcher"
	RoleEmergency  Role = "emergency_responder"
	RoleAdmin      Role = "admin"
)

// GrantingRoles lists the roles allowed to create permission grants for their own records
var GrantingRoles = map[Role]bool{
	RolePatient: true,
}

// Resource types in the system
const (
	ResourcePatientRecord ResourceType = "patient_record"
	ResourceLabResult     ResourceType = "lab_result"
	ResourcePrescription  ResourceType = "prescription"
	ResourceImaging       ResourceType = "imaging"
	ResourceConsent       ResourceType = "consent"
	ResourceAuditLog      ResourceType = "audit_log"
	ResourceSystemConfig  ResourceType = "system_config"
)

// Action types
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionShare  = "share"
	ActionGrant  = "grant"
	ActionRevoke = "revoke"
)

// Condition names understood by the evaluator
const (
	ConditionOwnerMatch        ConditionName = "ownerMatch"
	ConditionHasPermission     ConditionName = "hasPermission"
	ConditionEmergencyDeclared ConditionName = "emergencyDeclared"
	ConditionSensitivityMax    ConditionName = "sensitivityMax"
	ConditionTimeRange         ConditionName = "timeRange"
	ConditionUnless            ConditionName = "unless"
)

// Subject attribute keys with special meaning
const (
	AttributeRole        = "role"
	AttributeDateOfBirth = "dateOfBirth"
	AttributeDepartment  = "department"
)

// Decision reasons
const (
	ReasonUnauthenticated = "User not authenticated"
	ReasonNoMatch         = "No matching policy found"
)

// AnonymousSubjectID is recorded in the audit trail for unauthenticated requests
const AnonymousSubjectID = "anonymous"

// Error codes for ABAC operations
const (
	ErrorCodeInput               = "ABAC_001"
	ErrorCodePolicyConfiguration = "ABAC_002"
	ErrorCodePolicyNotFound      = "ABAC_003"
	ErrorCodeGrantNotPermitted   = "ABAC_004"
	ErrorCodeStore               = "ABAC_005"
)

// Default configuration values
const (
	DefaultAuditCapacity     = 1000
	DefaultProofValidity     = time.Hour
	DefaultRoleProofValidity = time.Hour
	DefaultSaltBytes         = 32
	MinSaltBytes             = 32
)

// Time formats
const (
	TimeFormatDate     = "2006-01-02"
	TimeFormatDateTime = "2006-01-02T15:04:05Z07:00"
)
