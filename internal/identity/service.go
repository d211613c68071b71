package identity

import (
	"time"

	"identra.org/internal/audit"
	"identra.org/internal/vault"
)

const (
	defaultIssuer    = "identra.org"
	defaultAccessTTL = 15 * time.Minute
	defaultGrantTTL  = 5 * time.Minute
)

// Service implements the identity and session domain over the shared entity
// store. All state lives in the vault; the service itself is stateless and
// safe for concurrent use.
type Service struct {
	store         vault.Store
	audit         audit.Recorder
	now           func() time.Time
	issuer        string
	jwtSecret     []byte
	accessTTL     time.Duration
	defaultTenant string
	grantTTL      time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAudit overrides the audit recorder.
func WithAudit(rec audit.Recorder) Option {
	return func(s *Service) { s.audit = rec }
}

// WithJWTSecret enables supplemental JWT access tokens signed with the
// secret. Without it, responses carry only the opaque session token.
func WithJWTSecret(secret []byte) Option {
	return func(s *Service) { s.jwtSecret = secret }
}

// WithIssuer sets the JWT issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL sets the supplemental JWT lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithDefaultTenant sets the tenant assumed when a login carries no tenant
// hint and the user resolves to exactly one tenant anyway.
func WithDefaultTenant(name string) Option {
	return func(s *Service) { s.defaultTenant = name }
}

// WithGrantTTL sets how long a pending tenant-selection grant stays valid.
func WithGrantTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.grantTTL = ttl
		}
	}
}

// NewService creates a Service over the entity store.
func NewService(store vault.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		now:       time.Now,
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
		grantTTL:  defaultGrantTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewTrail(store)
	}
	return s
}
