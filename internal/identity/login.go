package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"identra.org/internal/audit"
	"identra.org/internal/ids"
	"identra.org/internal/obs"
	"identra.org/internal/vault"
)

// LoginRequest carries one credential presentation. Tenant is an optional
// hint naming the tenant the user claims to belong to. AutoSelectTenant
// controls whether a user with exactly one accessible tenant gets a session
// immediately; unset means true.
type LoginRequest struct {
	Tenant           string
	Username         string
	Password         string
	IP               string
	Agent            string
	AutoSelectTenant *bool
}

// LoginResult is the outcome of a successful credential validation. Either
// Session is set, or Tenants lists the choices and the caller must follow up
// with SelectTenant, presenting Grant, before the grant expires.
type LoginResult struct {
	Session *Session        `json:"session,omitempty"`
	Tenants []TenantSummary `json:"tenants,omitempty"`
	Grant   string          `json:"grant,omitempty"`
}

// Login runs the full pipeline: capture the attempt durably, validate the
// credential, persist the outcome, then either issue a session or stage a
// tenant selection. Failures surface uniformly as authentication failed,
// except an active lockout which callers may show distinctly.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	// The attempt is recorded before any validation so that even a crash
	// mid-pipeline leaves a trace. The secret is never part of the record.
	attemptID, err := s.CaptureAttempt(ctx, AttemptRecord{
		TenantHint: req.Tenant,
		Username:   req.Username,
		IP:         req.IP,
		Agent:      req.Agent,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		return LoginResult{}, err
	}

	owningTenantKey, err := s.resolveOwningTenant(ctx, req.Tenant, req.Username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return LoginResult{}, err
		}
		s.finishAttempt(ctx, attemptID, "", OutcomeInvalidUser)
		return LoginResult{}, ErrAuthenticationFailed
	}

	user, outcome, err := s.VerifyCredentials(ctx, owningTenantKey, req.Username, req.Password)
	if err != nil {
		return LoginResult{}, err
	}
	if user.Key != "" {
		if err := s.RecordOutcome(ctx, user, outcome); err != nil {
			return LoginResult{}, err
		}
	}
	s.finishAttempt(ctx, attemptID, user.Key, outcome)

	switch outcome {
	case OutcomeValid:
	case OutcomeLocked:
		return LoginResult{}, ErrAccountLocked
	default:
		return LoginResult{}, ErrAuthenticationFailed
	}

	tenants, err := s.accessibleTenants(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	autoSelect := req.AutoSelectTenant == nil || *req.AutoSelectTenant
	selected, ok := pickTenant(tenants, req.Tenant)
	if !ok && autoSelect && len(tenants) == 1 {
		selected, ok = tenants[0].Key, true
	}
	if ok {
		session, err := s.IssueSession(ctx, user, selected, req.IP, req.Agent)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Session: &session}, nil
	}

	grant, err := s.stageGrant(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Tenants: tenants, Grant: grant}, nil
}

// SelectTenant completes a multi-tenant login by consuming the pending grant
// and issuing the session in the chosen tenant. The caller must present the
// opaque grant nonce returned by the pending login; knowing the username
// alone is not enough to claim the session.
func (s *Service) SelectTenant(ctx context.Context, username, tenantName, grantNonce, ip, agent string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(tenantName) == "" {
		return Session{}, fmt.Errorf("%w: username and tenant are required", ErrInvalidInput)
	}

	grantKey := vault.ComputeKey(EntityLoginGrant, username)
	nonceHash := TokenHash(grantNonce)
	now := s.now().UTC()
	var userKey string
	_, err := s.store.Mutate(ctx, grantKey, func(current vault.Attributes) (vault.Attributes, error) {
		var grant GrantRecord
		if err := fromAttrs(current, &grant); err != nil {
			return nil, err
		}
		if grant.Consumed || !now.Before(grant.ExpiresAt) {
			return nil, ErrAuthenticationFailed
		}
		if !secureCompareHash(nonceHash, grant.NonceHash) {
			return nil, ErrAuthenticationFailed
		}
		userKey = grant.UserKey
		grant.Consumed = true
		return attrsFrom(grant)
	})
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) || errors.Is(err, ErrAuthenticationFailed) {
			return Session{}, ErrAuthenticationFailed
		}
		return Session{}, err
	}

	user, err := s.user(ctx, userKey)
	if err != nil {
		return Session{}, err
	}
	tenants, err := s.accessibleTenants(ctx, user)
	if err != nil {
		return Session{}, err
	}
	selected, ok := pickTenant(tenants, tenantName)
	if !ok {
		return Session{}, ErrUnauthorized
	}
	return s.IssueSession(ctx, user, selected, ip, agent)
}

// CaptureAttempt writes the immutable record of a login attempt and returns
// its identifier.
func (s *Service) CaptureAttempt(ctx context.Context, rec AttemptRecord) (string, error) {
	attemptID := ids.New()
	key, err := s.store.CreateIfAbsent(ctx, EntityLoginAttempt, attemptID, "")
	if err != nil {
		return "", err
	}
	if err := s.writeSnapshot(ctx, key, rec); err != nil {
		return "", err
	}
	return attemptID, nil
}

// finishAttempt stages the immutable outcome record for an attempt. The
// login pipeline proceeds even if this bookkeeping write fails; the outcome
// counter and audit trail still capture the result.
func (s *Service) finishAttempt(ctx context.Context, attemptID, userKey string, outcome Outcome) {
	obs.CountLoginOutcome(string(outcome))
	key, err := s.store.CreateIfAbsent(ctx, EntityLoginStatus, attemptID, "")
	if err == nil {
		err = s.writeSnapshot(ctx, key, StatusRecord{AttemptID: attemptID, Outcome: outcome})
	}
	if err != nil {
		obs.LogError("login status write failed", map[string]any{"attempt_id": attemptID})
	}
	if outcome != OutcomeValid {
		s.audit.Record(ctx, audit.Event{
			Operation:    "login.failure",
			ResourceType: EntityLoginAttempt,
			ResourceID:   attemptID,
			Actor:        userKey,
			After:        map[string]any{"outcome": string(outcome)},
		})
	}
}

// resolveOwningTenant finds the tenant that owns the user record. A tenant
// hint wins; otherwise the configured default tenant is tried, then a scan
// for a unique username match across tenants.
func (s *Service) resolveOwningTenant(ctx context.Context, tenantHint, username string) (string, error) {
	if strings.TrimSpace(tenantHint) != "" {
		tenant, err := s.tenantByName(ctx, tenantHint)
		if err != nil {
			return "", err
		}
		return tenant.Key, nil
	}
	if s.defaultTenant != "" {
		tenantKey := vault.ComputeKey(EntityTenant, s.defaultTenant)
		if _, err := s.store.Hub(ctx, vault.ComputeKey(EntityUser, UserBusinessKey(tenantKey, username))); err == nil {
			return tenantKey, nil
		}
	}
	hubs, err := s.store.ListHubs(ctx, EntityUser, "")
	if err != nil {
		return "", err
	}
	suffix := "/" + vault.NormalizeBusinessKey(username)
	var match string
	for _, hub := range hubs {
		if !strings.HasSuffix(hub.BusinessKey, suffix) {
			continue
		}
		if match != "" {
			// Ambiguous usernames need an explicit tenant hint.
			return "", ErrNotFound
		}
		match = hub.TenantKey
	}
	if match == "" {
		return "", ErrNotFound
	}
	return match, nil
}

// accessibleTenants lists the tenants a user may open a session in: the
// distinct tenants of their role assignments, or the owning tenant when no
// assignment exists yet.
func (s *Service) accessibleTenants(ctx context.Context, user User) ([]TenantSummary, error) {
	links, err := s.store.LinksWith(ctx, LinkRoleAssignment, user.Key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var keys []string
	for _, link := range links {
		if link.TenantKey != "" && !seen[link.TenantKey] {
			seen[link.TenantKey] = true
			keys = append(keys, link.TenantKey)
		}
	}
	if len(keys) == 0 {
		keys = append(keys, user.TenantKey)
	}

	summaries := make([]TenantSummary, 0, len(keys))
	for _, key := range keys {
		tenant, err := s.tenant(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !tenant.Profile.Active {
			continue
		}
		summaries = append(summaries, TenantSummary{Key: key, Name: tenant.Profile.Name})
	}
	if len(summaries) == 0 {
		return nil, ErrUnauthorized
	}
	return summaries, nil
}

// stageGrant records a pending tenant selection and returns the opaque nonce
// the caller must echo back. Only the nonce hash is stored.
func (s *Service) stageGrant(ctx context.Context, user User) (string, error) {
	key, err := s.store.CreateIfAbsent(ctx, EntityLoginGrant, user.Username, user.TenantKey)
	if err != nil {
		return "", err
	}
	nonce, err := newTokenSecret()
	if err != nil {
		return "", err
	}
	err = s.writeSnapshot(ctx, key, GrantRecord{
		UserKey:   user.Key,
		ExpiresAt: s.now().UTC().Add(s.grantTTL),
		NonceHash: TokenHash(nonce),
	})
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// pickTenant matches a requested tenant name or key against the accessible
// set.
func pickTenant(tenants []TenantSummary, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", false
	}
	requestedKey := vault.ComputeKey(EntityTenant, requested)
	for _, t := range tenants {
		if t.Key == requested || t.Key == requestedKey || vault.NormalizeBusinessKey(t.Name) == vault.NormalizeBusinessKey(requested) {
			return t.Key, true
		}
	}
	return "", false
}
