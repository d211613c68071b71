package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"identra.org/internal/vault"
)

// attrsFrom converts a typed snapshot into vault attributes through its JSON
// form, so the persisted shape always matches the struct tags.
func attrsFrom(v any) (vault.Attributes, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var attrs vault.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return attrs, nil
}

func fromAttrs(attrs vault.Attributes, v any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	return nil
}

// UserBusinessKey builds the tenant-scoped business key of a user, so the
// same username may exist independently under different tenants.
func UserBusinessKey(tenantKey, username string) string {
	return tenantKey + "/" + vault.NormalizeBusinessKey(username)
}

func usernameFromBusinessKey(businessKey string) string {
	if i := strings.IndexByte(businessKey, '/'); i >= 0 {
		return businessKey[i+1:]
	}
	return businessKey
}

func (s *Service) loadSnapshot(ctx context.Context, entityKey string, v any) error {
	attrs, err := s.store.CurrentSnapshot(ctx, entityKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return fromAttrs(attrs, v)
}

func (s *Service) writeSnapshot(ctx context.Context, entityKey string, v any) error {
	attrs, err := attrsFrom(v)
	if err != nil {
		return err
	}
	if _, err := s.store.UpsertSnapshot(ctx, entityKey, attrs); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Service) tenant(ctx context.Context, tenantKey string) (Tenant, error) {
	var profile TenantProfile
	if err := s.loadSnapshot(ctx, tenantKey, &profile); err != nil {
		return Tenant{}, err
	}
	return Tenant{Key: tenantKey, Profile: profile}, nil
}

func (s *Service) tenantByName(ctx context.Context, name string) (Tenant, error) {
	return s.tenant(ctx, vault.ComputeKey(EntityTenant, name))
}

func (s *Service) user(ctx context.Context, userKey string) (User, error) {
	hub, err := s.store.Hub(ctx, userKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	var profile UserProfile
	if err := s.loadSnapshot(ctx, userKey, &profile); err != nil {
		return User{}, err
	}
	return User{
		Key:       userKey,
		TenantKey: hub.TenantKey,
		Username:  usernameFromBusinessKey(hub.BusinessKey),
		Profile:   profile,
	}, nil
}

// credentialKey derives the credential entity key for a user. Credentials
// live beside the profile as their own entity so profile edits and lockout
// state version independently.
func credentialKey(userKey string) string {
	return vault.ComputeKey(EntityUserCredential, userKey)
}

func (s *Service) credential(ctx context.Context, userKey string) (Credential, error) {
	var cred Credential
	if err := s.loadSnapshot(ctx, credentialKey(userKey), &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func (s *Service) role(ctx context.Context, roleKey string) (Role, error) {
	hub, err := s.store.Hub(ctx, roleKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	var def RoleDefinition
	if err := s.loadSnapshot(ctx, roleKey, &def); err != nil {
		return Role{}, err
	}
	return Role{Key: roleKey, TenantKey: hub.TenantKey, Definition: def}, nil
}

// PolicyFor returns the effective, clamped security policy of a tenant.
// Tenants without an explicit policy get the platform default.
func (s *Service) PolicyFor(ctx context.Context, tenantKey string) (SecurityPolicy, error) {
	var policy SecurityPolicy
	err := s.loadSnapshot(ctx, vault.ComputeKey(EntitySecurityPolicy, tenantKey), &policy)
	if errors.Is(err, ErrNotFound) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return SecurityPolicy{}, err
	}
	return policy.Clamped(), nil
}

func (s *Service) sessionState(ctx context.Context, sessionKey string) (SessionState, error) {
	var state SessionState
	if err := s.loadSnapshot(ctx, sessionKey, &state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

func (s *Service) tokenState(ctx context.Context, tokenKey string) (TokenState, error) {
	var state TokenState
	if err := s.loadSnapshot(ctx, tokenKey, &state); err != nil {
		return TokenState{}, err
	}
	return state, nil
}
