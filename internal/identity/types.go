package identity

import (
	"sort"
	"time"

	"identra.org/internal/vault"
)

// Entity types stored in the vault.
const (
	EntityTenant         = "tenant"
	EntitySecurityPolicy = "security_policy"
	EntityUser           = "user"
	EntityUserCredential = "user_credential"
	EntityRole           = "role"
	EntitySession        = "session"
	EntityToken          = "token"
	EntityLoginAttempt   = "login_attempt"
	EntityLoginStatus    = "login_status"
	EntityLoginGrant     = "login_grant"
)

// Link kinds.
const (
	LinkRoleAssignment = "role_assignment"
	LinkTokenSession   = "token_session"
	LinkTokenUser      = "token_user"
)

// SystemTenantName is the business key of the distinguished platform tenant.
const SystemTenantName = "system"

// SystemTenantKey is the well-known hash key of the system tenant.
var SystemTenantKey = vault.ComputeKey(EntityTenant, SystemTenantName)

// Capability is a named boolean permission composing a role's authority.
type Capability string

const (
	CapUserManagement    Capability = "user_management"
	CapRoleManagement    Capability = "role_management"
	CapTenantManagement  Capability = "tenant_management"
	CapCrossTenantAccess Capability = "cross_tenant_access"
	CapAuditAccess       Capability = "audit_access"
	CapSessionManagement Capability = "session_management"
)

// BuiltinCapabilities is the catalog of capabilities known to the platform.
var BuiltinCapabilities = []Capability{
	CapUserManagement,
	CapRoleManagement,
	CapTenantManagement,
	CapCrossTenantAccess,
	CapAuditAccess,
	CapSessionManagement,
}

// Outcome classifies one credential validation.
type Outcome string

const (
	OutcomeValid           Outcome = "VALID"
	OutcomeInvalidUser     Outcome = "INVALID_USER"
	OutcomeInvalidPassword Outcome = "INVALID_PASSWORD"
	OutcomeLocked          Outcome = "LOCKED"
)

// Session statuses. CLOSED is terminal.
const (
	SessionActive = "ACTIVE"
	SessionClosed = "CLOSED"
)

// Token types.
const TokenTypeSession = "session"

// TenantProfile is a tenant's versioned profile snapshot.
type TenantProfile struct {
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Tier     string `json:"tier"`
	Contact  string `json:"contact"`
	MaxUsers int    `json:"max_users"`
}

// Tenant couples a tenant hub with its current profile.
type Tenant struct {
	Key     string
	Profile TenantProfile
}

// UserProfile is a user's versioned profile snapshot.
type UserProfile struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Active  bool   `json:"active"`
}

// Credential is a user's versioned credential snapshot. The secret itself is
// never stored, only its one-way hash.
type Credential struct {
	Username       string    `json:"username"`
	SecretHash     string    `json:"secret_hash"`
	FailedAttempts int       `json:"failed_attempts"`
	Locked         bool      `json:"locked"`
	LockedUntil    time.Time `json:"locked_until"`
	LastLoginAt    time.Time `json:"last_login_at"`
}

// User couples a user hub with its current profile.
type User struct {
	Key       string
	TenantKey string
	Username  string
	Profile   UserProfile
}

// RoleDefinition is a role's versioned definition snapshot.
type RoleDefinition struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemRole   bool     `json:"system_role"`
	Capabilities []string `json:"capabilities"`
}

// Role couples a role hub with its current definition.
type Role struct {
	Key        string
	TenantKey  string
	Definition RoleDefinition
}

// SessionState is a session's versioned state snapshot.
type SessionState struct {
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	IP           string    `json:"ip"`
	Agent        string    `json:"agent"`
}

// TokenState is a token's versioned snapshot. SecretHash is the SHA-256 of
// the opaque secret; the raw secret is returned once at issuance and never
// persisted.
type TokenState struct {
	SecretHash string    `json:"secret_hash"`
	Type       string    `json:"type"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	Scope      string    `json:"scope"`
}

// AttemptRecord is the immutable capture of one login attempt. The plaintext
// secret is deliberately absent.
type AttemptRecord struct {
	TenantHint string    `json:"tenant_hint"`
	Username   string    `json:"username"`
	IP         string    `json:"ip"`
	Agent      string    `json:"agent"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StatusRecord is the immutable validation outcome staged for an attempt.
type StatusRecord struct {
	AttemptID string  `json:"attempt_id"`
	Outcome   Outcome `json:"outcome"`
}

// GrantRecord is the short-lived staging row consumed by SelectTenant when a
// multi-tenant login could not auto-select. NonceHash is the SHA-256 of the
// opaque nonce handed to the caller; the nonce itself is never stored.
type GrantRecord struct {
	UserKey   string    `json:"user_key"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	NonceHash string    `json:"nonce_hash"`
}

// TenantSummary is the projection returned to multi-tenant users at login.
type TenantSummary struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// SessionContext is the resolved principal attached to a validated token.
type SessionContext struct {
	SessionKey   string
	UserKey      string
	TenantKey    string
	Username     string
	Capabilities []Capability
}

// HasCapability reports whether the context carries the capability.
func (c SessionContext) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

func sortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
}
