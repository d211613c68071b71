package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"identra.org/internal/audit"
	"identra.org/internal/ids"
	"identra.org/internal/vault"
)

// Session is the result of a successful login, returned to the caller once.
// Token is the opaque bearer credential; only its hash survives in storage.
type Session struct {
	SessionKey  string      `json:"session_key"`
	Token       string      `json:"token"`
	AccessToken string      `json:"access_token,omitempty"`
	TenantKey   string      `json:"tenant_key"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Username    string      `json:"username"`
	UserProfile UserProfile `json:"user_profile"`
}

// IssueSession starts a session for an authenticated user in the given
// tenant and mints its opaque token. When the selected tenant differs from
// the user's owning tenant, the stricter of the two policies governs the
// token lifetime and idle timeout.
func (s *Service) IssueSession(ctx context.Context, user User, tenantKey, ip, agent string) (Session, error) {
	policy, err := s.effectivePolicy(ctx, user.TenantKey, tenantKey)
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()

	sessionKey, err := s.store.CreateIfAbsent(ctx, EntitySession, ids.New(), tenantKey)
	if err != nil {
		return Session{}, err
	}
	if err := s.writeSnapshot(ctx, sessionKey, SessionState{
		Status:       SessionActive,
		StartedAt:    now,
		LastActivity: now,
		IP:           ip,
		Agent:        agent,
	}); err != nil {
		return Session{}, err
	}

	tokenID := ids.New()
	secret, err := newTokenSecret()
	if err != nil {
		return Session{}, err
	}
	tokenKey, err := s.store.CreateIfAbsent(ctx, EntityToken, tokenID, tenantKey)
	if err != nil {
		return Session{}, err
	}
	expiresAt := now.Add(policy.TokenTTL)
	if err := s.writeSnapshot(ctx, tokenKey, TokenState{
		SecretHash: TokenHash(secret),
		Type:       TokenTypeSession,
		ExpiresAt:  expiresAt,
		Scope:      tenantKey,
	}); err != nil {
		return Session{}, err
	}
	if _, err := s.store.Link(ctx, LinkTokenSession, tenantKey, tokenKey, sessionKey); err != nil {
		return Session{}, err
	}
	if _, err := s.store.Link(ctx, LinkTokenUser, tenantKey, tokenKey, user.Key); err != nil {
		return Session{}, err
	}

	result := Session{
		SessionKey:  sessionKey,
		Token:       tokenID + "." + secret,
		TenantKey:   tenantKey,
		ExpiresAt:   expiresAt,
		Username:    user.Username,
		UserProfile: user.Profile,
	}
	if len(s.jwtSecret) > 0 {
		caps, err := s.CapabilitiesOf(ctx, user.Key, tenantKey)
		if err != nil {
			return Session{}, err
		}
		access, err := s.generateAccessToken(user, tenantKey, caps)
		if err != nil {
			return Session{}, err
		}
		result.AccessToken = access
	}

	s.audit.Record(ctx, audit.Event{
		Operation:    "session.issue",
		ResourceType: EntitySession,
		ResourceID:   sessionKey,
		Actor:        user.Key,
		TenantKey:    tenantKey,
	})
	return result, nil
}

// ValidateToken resolves an opaque token to its session context. Side
// effects: an idle session is closed on the spot, and an active one has its
// last-activity stamp advanced along with the caller's address and agent.
func (s *Service) ValidateToken(ctx context.Context, token, ip, agent string) (SessionContext, error) {
	tokenKey, state, err := s.authenticateToken(ctx, token)
	if err != nil {
		return SessionContext{}, err
	}
	now := s.now().UTC()
	if state.Revoked {
		return SessionContext{}, ErrTokenRevoked
	}
	if !now.Before(state.ExpiresAt) {
		return SessionContext{}, ErrSessionExpired
	}

	sessionKey, err := s.linkedKey(ctx, LinkTokenSession, tokenKey)
	if err != nil {
		return SessionContext{}, err
	}
	session, err := s.sessionState(ctx, sessionKey)
	if err != nil {
		return SessionContext{}, err
	}
	if session.Status != SessionActive {
		return SessionContext{}, ErrSessionExpired
	}

	userKey, err := s.linkedKey(ctx, LinkTokenUser, tokenKey)
	if err != nil {
		return SessionContext{}, err
	}
	user, err := s.user(ctx, userKey)
	if err != nil {
		return SessionContext{}, err
	}

	policy, err := s.effectivePolicy(ctx, user.TenantKey, state.Scope)
	if err != nil {
		return SessionContext{}, err
	}
	if now.Sub(session.LastActivity) >= policy.SessionIdleTimeout {
		if err := s.closeSession(ctx, sessionKey, "idle_timeout", userKey, clientDetails(ip, agent)); err != nil {
			return SessionContext{}, err
		}
		return SessionContext{}, ErrSessionExpired
	}
	if err := s.touchSession(ctx, sessionKey, now, ip, agent); err != nil {
		return SessionContext{}, err
	}

	caps, err := s.CapabilitiesOf(ctx, userKey, state.Scope)
	if err != nil {
		return SessionContext{}, err
	}
	return SessionContext{
		SessionKey:   sessionKey,
		UserKey:      userKey,
		TenantKey:    state.Scope,
		Username:     user.Username,
		Capabilities: caps,
	}, nil
}

// Logout closes the token's session and revokes the token. It is idempotent:
// logging out an already closed session succeeds.
func (s *Service) Logout(ctx context.Context, token string) error {
	tokenKey, _, err := s.authenticateToken(ctx, token)
	if err != nil {
		return err
	}
	userKey, err := s.linkedKey(ctx, LinkTokenUser, tokenKey)
	if err != nil {
		return err
	}
	sessionKey, err := s.linkedKey(ctx, LinkTokenSession, tokenKey)
	if err != nil {
		return err
	}
	if err := s.revokeToken(ctx, tokenKey, userKey, "logout"); err != nil {
		return err
	}
	return s.closeSession(ctx, sessionKey, "logout", userKey, nil)
}

// RevokeToken invalidates a bearer token without touching its session, used
// when a token is suspected leaked. The reason lands in the audit trail;
// validation rejects the token from the next call onward.
func (s *Service) RevokeToken(ctx context.Context, token, reason string) error {
	tokenKey, _, err := s.authenticateToken(ctx, token)
	if err != nil {
		return err
	}
	userKey, err := s.linkedKey(ctx, LinkTokenUser, tokenKey)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual_revoke"
	}
	return s.revokeToken(ctx, tokenKey, userKey, reason)
}

// CloseSession terminates a session by key on behalf of an operator with
// session management authority.
func (s *Service) CloseSession(ctx context.Context, caller SessionContext, sessionKey string) error {
	hub, err := s.store.Hub(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.requireCapability(ctx, caller, hub.TenantKey, CapSessionManagement); err != nil {
		return err
	}
	return s.closeSession(ctx, sessionKey, "operator_close", caller.UserKey, nil)
}

// SessionHistory returns the full snapshot history of a session for audit
// review.
func (s *Service) SessionHistory(ctx context.Context, caller SessionContext, sessionKey string) ([]vault.Snapshot, error) {
	hub, err := s.store.Hub(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.requireCapability(ctx, caller, hub.TenantKey, CapAuditAccess); err != nil {
		return nil, err
	}
	return s.store.History(ctx, sessionKey)
}

func (s *Service) authenticateToken(ctx context.Context, token string) (string, TokenState, error) {
	tokenID, secret, ok := splitToken(token)
	if !ok {
		return "", TokenState{}, ErrAuthenticationFailed
	}
	tokenKey := vault.ComputeKey(EntityToken, tokenID)
	state, err := s.tokenState(ctx, tokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", TokenState{}, ErrAuthenticationFailed
	}
	if err != nil {
		return "", TokenState{}, err
	}
	if !secureCompareHash(TokenHash(secret), state.SecretHash) {
		return "", TokenState{}, ErrAuthenticationFailed
	}
	return tokenKey, state, nil
}

func (s *Service) revokeToken(ctx context.Context, tokenKey, actor, reason string) error {
	_, err := s.store.Mutate(ctx, tokenKey, func(current vault.Attributes) (vault.Attributes, error) {
		var state TokenState
		if err := fromAttrs(current, &state); err != nil {
			return nil, err
		}
		if state.Revoked {
			return nil, nil
		}
		state.Revoked = true
		return attrsFrom(state)
	})
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "token.revoke",
		ResourceType: EntityToken,
		ResourceID:   tokenKey,
		Actor:        actor,
		After:        map[string]any{"reason": reason},
	})
	return nil
}

func (s *Service) closeSession(ctx context.Context, sessionKey, reason, actor string, details map[string]any) error {
	changed, err := s.store.Mutate(ctx, sessionKey, func(current vault.Attributes) (vault.Attributes, error) {
		var state SessionState
		if err := fromAttrs(current, &state); err != nil {
			return nil, err
		}
		if state.Status == SessionClosed {
			return nil, nil
		}
		state.Status = SessionClosed
		return attrsFrom(state)
	})
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if changed {
		after := map[string]any{"reason": reason}
		for k, v := range details {
			after[k] = v
		}
		s.audit.Record(ctx, audit.Event{
			Operation:    "session.close",
			ResourceType: EntitySession,
			ResourceID:   sessionKey,
			Actor:        actor,
			After:        after,
		})
	}
	return nil
}

// touchSession advances last activity monotonically and keeps the caller's
// address and agent current. A racing writer that already stamped a later
// time wins and this write is skipped.
func (s *Service) touchSession(ctx context.Context, sessionKey string, now time.Time, ip, agent string) error {
	_, err := s.store.Mutate(ctx, sessionKey, func(current vault.Attributes) (vault.Attributes, error) {
		var state SessionState
		if err := fromAttrs(current, &state); err != nil {
			return nil, err
		}
		if state.Status != SessionActive || !state.LastActivity.Before(now) {
			return nil, nil
		}
		state.LastActivity = now
		if ip != "" {
			state.IP = ip
		}
		if agent != "" {
			state.Agent = agent
		}
		return attrsFrom(state)
	})
	if errors.Is(err, vault.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// effectivePolicy combines the owning tenant's policy with the selected
// tenant's when they differ, taking the stricter value per field.
func (s *Service) effectivePolicy(ctx context.Context, homeTenantKey, selectedTenantKey string) (SecurityPolicy, error) {
	selected, err := s.PolicyFor(ctx, selectedTenantKey)
	if err != nil {
		return SecurityPolicy{}, err
	}
	if homeTenantKey == "" || homeTenantKey == selectedTenantKey {
		return selected, nil
	}
	home, err := s.PolicyFor(ctx, homeTenantKey)
	if err != nil {
		return SecurityPolicy{}, err
	}
	return Strictest(home, selected), nil
}

func (s *Service) linkedKey(ctx context.Context, kind, knownKey string) (string, error) {
	links, err := s.store.LinksWith(ctx, kind, knownKey)
	if err != nil {
		return "", err
	}
	for _, link := range links {
		for _, k := range link.EntityKeys {
			if k != knownKey {
				return k, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no %s link", ErrNotFound, kind)
}

func clientDetails(ip, agent string) map[string]any {
	details := make(map[string]any, 2)
	if ip != "" {
		details["ip"] = ip
	}
	if agent != "" {
		details["agent"] = agent
	}
	return details
}

func newTokenSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func splitToken(token string) (id, secret string, ok bool) {
	token = strings.TrimSpace(token)
	i := strings.IndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}
