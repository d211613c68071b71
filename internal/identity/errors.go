package identity

import "errors"

// Sentinel errors returned by the identity service. Handlers map each one to
// a stable machine-readable code via ErrorCode.
var (
	ErrInvalidInput         = errors.New("identity: invalid input")
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
	ErrAccountLocked        = errors.New("identity: account locked")
	ErrUnauthorized         = errors.New("identity: unauthorized")
	ErrNotFound             = errors.New("identity: not found")
	ErrSessionExpired       = errors.New("identity: session expired")
	ErrTokenRevoked         = errors.New("identity: token revoked")
	ErrIsolationViolation   = errors.New("identity: tenant isolation violation")
)

// ErrorCode translates a service error into its wire code. Unknown errors
// collapse to SYSTEM_ERROR so internals never leak.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrAuthenticationFailed):
		return "AUTH_FAILED"
	case errors.Is(err, ErrAccountLocked):
		return "ACCOUNT_LOCKED"
	case errors.Is(err, ErrUnauthorized):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, ErrTokenRevoked):
		return "TOKEN_REVOKED"
	case errors.Is(err, ErrIsolationViolation):
		return "ISOLATION_VIOLATION"
	default:
		return "SYSTEM_ERROR"
	}
}
