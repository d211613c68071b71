package identity

import "time"

// SecurityPolicy is a tenant's configurable security posture. All values are
// clamped into compliance bounds before they take effect, so an out-of-range
// stored value can never weaken enforcement.
type SecurityPolicy struct {
	LockoutThreshold   int           `json:"lockout_threshold"`
	LockoutDuration    time.Duration `json:"lockout_duration"`
	SessionIdleTimeout time.Duration `json:"session_idle_timeout"`
	TokenTTL           time.Duration `json:"token_ttl"`
}

// Compliance bounds. Defaults apply when a field is unset.
const (
	DefaultLockoutThreshold = 3
	MinLockoutThreshold     = 3
	MaxLockoutThreshold     = 10

	DefaultLockoutDuration = 15 * time.Minute
	MinLockoutDuration     = 10 * time.Minute
	MaxLockoutDuration     = 20 * time.Minute

	DefaultSessionIdleTimeout = 15 * time.Minute
	MinSessionIdleTimeout     = 10 * time.Minute
	MaxSessionIdleTimeout     = 20 * time.Minute

	DefaultTokenTTL = 12 * time.Hour
	MinTokenTTL     = time.Hour
	MaxTokenTTL     = 24 * time.Hour
)

// DefaultPolicy is the policy applied to tenants without an explicit one.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		LockoutThreshold:   DefaultLockoutThreshold,
		LockoutDuration:    DefaultLockoutDuration,
		SessionIdleTimeout: DefaultSessionIdleTimeout,
		TokenTTL:           DefaultTokenTTL,
	}
}

// Clamped returns the policy with every field forced into its compliance
// range. Zero values fall back to the defaults first.
func (p SecurityPolicy) Clamped() SecurityPolicy {
	out := p
	if out.LockoutThreshold == 0 {
		out.LockoutThreshold = DefaultLockoutThreshold
	}
	if out.LockoutDuration == 0 {
		out.LockoutDuration = DefaultLockoutDuration
	}
	if out.SessionIdleTimeout == 0 {
		out.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if out.TokenTTL == 0 {
		out.TokenTTL = DefaultTokenTTL
	}
	out.LockoutThreshold = clampInt(out.LockoutThreshold, MinLockoutThreshold, MaxLockoutThreshold)
	out.LockoutDuration = clampDuration(out.LockoutDuration, MinLockoutDuration, MaxLockoutDuration)
	out.SessionIdleTimeout = clampDuration(out.SessionIdleTimeout, MinSessionIdleTimeout, MaxSessionIdleTimeout)
	out.TokenTTL = clampDuration(out.TokenTTL, MinTokenTTL, MaxTokenTTL)
	return out
}

// Strictest merges two policies field by field, keeping whichever value is
// harder on the caller. Used when a session spans tenants with different
// policies.
func Strictest(a, b SecurityPolicy) SecurityPolicy {
	a, b = a.Clamped(), b.Clamped()
	out := a
	if b.LockoutThreshold < out.LockoutThreshold {
		out.LockoutThreshold = b.LockoutThreshold
	}
	if b.LockoutDuration > out.LockoutDuration {
		out.LockoutDuration = b.LockoutDuration
	}
	if b.SessionIdleTimeout < out.SessionIdleTimeout {
		out.SessionIdleTimeout = b.SessionIdleTimeout
	}
	if b.TokenTTL < out.TokenTTL {
		out.TokenTTL = b.TokenTTL
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
