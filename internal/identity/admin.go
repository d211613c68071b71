package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"identra.org/internal/audit"
	"identra.org/internal/vault"
)

// PlatformAdminRole is the bootstrap role carrying every capability.
const PlatformAdminRole = "platform-admin"

// EnsureBootstrap provisions the system tenant, the platform admin role and,
// when credentials are given, the first administrator. It is idempotent and
// safe to run on every startup; an existing admin's password is left alone.
func (s *Service) EnsureBootstrap(ctx context.Context, adminUsername, adminPassword string) error {
	tenantKey, err := s.store.CreateIfAbsent(ctx, EntityTenant, SystemTenantName, "")
	if err != nil {
		return err
	}
	if err := s.writeSnapshot(ctx, tenantKey, TenantProfile{
		Name:   SystemTenantName,
		Active: true,
		Tier:   "platform",
	}); err != nil {
		return err
	}

	caps := make([]string, len(BuiltinCapabilities))
	for i, c := range BuiltinCapabilities {
		caps[i] = string(c)
	}
	roleKey, err := s.store.CreateIfAbsent(ctx, EntityRole, tenantKey+"/"+PlatformAdminRole, tenantKey)
	if err != nil {
		return err
	}
	if err := s.writeSnapshot(ctx, roleKey, RoleDefinition{
		Name:         PlatformAdminRole,
		Description:  "Platform administration with every capability.",
		SystemRole:   true,
		Capabilities: caps,
	}); err != nil {
		return err
	}

	if strings.TrimSpace(adminUsername) == "" {
		return nil
	}
	userKey, err := s.store.CreateIfAbsent(ctx, EntityUser, UserBusinessKey(tenantKey, adminUsername), tenantKey)
	if err != nil {
		return err
	}
	if err := s.writeSnapshot(ctx, userKey, UserProfile{
		Name:   adminUsername,
		Active: true,
	}); err != nil {
		return err
	}
	if _, err := s.store.CreateIfAbsent(ctx, EntityUserCredential, userKey, tenantKey); err != nil {
		return err
	}
	existing, err := s.credential(ctx, userKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing.SecretHash == "" && adminPassword != "" {
		if err := s.SetPassword(ctx, userKey, adminPassword); err != nil {
			return err
		}
	}
	if _, err := s.store.Link(ctx, LinkRoleAssignment, tenantKey, userKey, roleKey); err != nil {
		return err
	}
	return nil
}

// CreateTenant provisions a tenant. Only platform operators holding tenant
// management authority in the system tenant may do this.
func (s *Service) CreateTenant(ctx context.Context, caller SessionContext, profile TenantProfile) (Tenant, error) {
	if err := s.requireCapability(ctx, caller, SystemTenantKey, CapTenantManagement); err != nil {
		return Tenant{}, err
	}
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	profile.Name = name
	key, err := s.store.CreateIfAbsent(ctx, EntityTenant, name, "")
	if err != nil {
		return Tenant{}, err
	}
	if err := s.writeSnapshot(ctx, key, profile); err != nil {
		return Tenant{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "tenant.create",
		ResourceType: EntityTenant,
		ResourceID:   key,
		Actor:        caller.UserKey,
		After:        map[string]any{"name": name},
	})
	return Tenant{Key: key, Profile: profile}, nil
}

// ListTenants returns every tenant with its current profile.
func (s *Service) ListTenants(ctx context.Context, caller SessionContext) ([]Tenant, error) {
	if err := s.requireCapability(ctx, caller, SystemTenantKey, CapTenantManagement); err != nil {
		return nil, err
	}
	hubs, err := s.store.ListHubs(ctx, EntityTenant, "")
	if err != nil {
		return nil, err
	}
	tenants := make([]Tenant, 0, len(hubs))
	for _, hub := range hubs {
		tenant, err := s.tenant(ctx, hub.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// SetTenantPolicy stores a tenant's security policy. The stored values are
// kept as given; clamping happens wherever the policy is read, so tightening
// the compliance bounds later retroactively applies.
func (s *Service) SetTenantPolicy(ctx context.Context, caller SessionContext, tenantKey string, policy SecurityPolicy) (SecurityPolicy, error) {
	if err := s.requireCapability(ctx, caller, tenantKey, CapTenantManagement); err != nil {
		return SecurityPolicy{}, err
	}
	if _, err := s.tenant(ctx, tenantKey); err != nil {
		return SecurityPolicy{}, err
	}
	key, err := s.store.CreateIfAbsent(ctx, EntitySecurityPolicy, tenantKey, tenantKey)
	if err != nil {
		return SecurityPolicy{}, err
	}
	if err := s.writeSnapshot(ctx, key, policy); err != nil {
		return SecurityPolicy{}, err
	}
	effective := policy.Clamped()
	s.audit.Record(ctx, audit.Event{
		Operation:    "tenant.policy",
		ResourceType: EntitySecurityPolicy,
		ResourceID:   key,
		Actor:        caller.UserKey,
		TenantKey:    tenantKey,
		After: map[string]any{
			"lockout_threshold":    effective.LockoutThreshold,
			"lockout_duration":     effective.LockoutDuration.String(),
			"session_idle_timeout": effective.SessionIdleTimeout.String(),
			"token_ttl":            effective.TokenTTL.String(),
		},
	})
	return effective, nil
}

// CreateRole defines a role within a tenant.
func (s *Service) CreateRole(ctx context.Context, caller SessionContext, tenantKey string, def RoleDefinition) (Role, error) {
	if err := s.requireCapability(ctx, caller, tenantKey, CapRoleManagement); err != nil {
		return Role{}, err
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := validateCapabilities(def.Capabilities); err != nil {
		return Role{}, err
	}
	if _, err := s.tenant(ctx, tenantKey); err != nil {
		return Role{}, err
	}
	key, err := s.store.CreateIfAbsent(ctx, EntityRole, tenantKey+"/"+def.Name, tenantKey)
	if err != nil {
		return Role{}, err
	}
	if err := s.writeSnapshot(ctx, key, def); err != nil {
		return Role{}, err
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "role.create",
		ResourceType: EntityRole,
		ResourceID:   key,
		Actor:        caller.UserKey,
		TenantKey:    tenantKey,
		After:        map[string]any{"name": def.Name},
	})
	return Role{Key: key, TenantKey: tenantKey, Definition: def}, nil
}

// ListRoles returns the roles of a tenant.
func (s *Service) ListRoles(ctx context.Context, caller SessionContext, tenantKey string) ([]Role, error) {
	if err := s.requireCapability(ctx, caller, tenantKey, CapRoleManagement); err != nil {
		return nil, err
	}
	hubs, err := s.store.ListHubs(ctx, EntityRole, tenantKey)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(hubs))
	for _, hub := range hubs {
		role, err := s.role(ctx, hub.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// CreateUser provisions a user with credentials inside a tenant.
func (s *Service) CreateUser(ctx context.Context, caller SessionContext, tenantKey, username, password string, profile UserProfile) (User, error) {
	if err := s.requireCapability(ctx, caller, tenantKey, CapUserManagement); err != nil {
		return User{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if _, err := s.tenant(ctx, tenantKey); err != nil {
		return User{}, err
	}
	userKey, err := s.store.CreateIfAbsent(ctx, EntityUser, UserBusinessKey(tenantKey, username), tenantKey)
	if err != nil {
		return User{}, err
	}
	if profile.Name == "" {
		profile.Name = username
	}
	if err := s.writeSnapshot(ctx, userKey, profile); err != nil {
		return User{}, err
	}
	if _, err := s.store.CreateIfAbsent(ctx, EntityUserCredential, userKey, tenantKey); err != nil {
		return User{}, err
	}
	if password != "" {
		if err := s.SetPassword(ctx, userKey, password); err != nil {
			return User{}, err
		}
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "user.create",
		ResourceType: EntityUser,
		ResourceID:   userKey,
		Actor:        caller.UserKey,
		TenantKey:    tenantKey,
		After:        map[string]any{"username": vault.NormalizeBusinessKey(username)},
	})
	return User{Key: userKey, TenantKey: tenantKey, Username: vault.NormalizeBusinessKey(username), Profile: profile}, nil
}

// AssignRole grants a role to a user. The link carries the role's tenant, so
// assignments into a foreign tenant make that tenant accessible to the user.
func (s *Service) AssignRole(ctx context.Context, caller SessionContext, userKey, roleKey string) error {
	role, err := s.role(ctx, roleKey)
	if err != nil {
		return err
	}
	if err := s.requireCapability(ctx, caller, role.TenantKey, CapUserManagement); err != nil {
		return err
	}
	if _, err := s.user(ctx, userKey); err != nil {
		return err
	}
	if _, err := s.store.Link(ctx, LinkRoleAssignment, role.TenantKey, userKey, roleKey); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "role.assign",
		ResourceType: EntityRole,
		ResourceID:   roleKey,
		Actor:        caller.UserKey,
		TenantKey:    role.TenantKey,
		After:        map[string]any{"user_key": userKey},
	})
	return nil
}

// EntityHistory exposes the full snapshot history of any entity to callers
// with audit authority in the entity's tenant.
func (s *Service) EntityHistory(ctx context.Context, caller SessionContext, entityKey string) ([]vault.Snapshot, error) {
	hub, err := s.store.Hub(ctx, entityKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	scope := hub.TenantKey
	if scope == "" {
		scope = SystemTenantKey
	}
	if err := s.requireCapability(ctx, caller, scope, CapAuditAccess); err != nil {
		return nil, err
	}
	return s.store.History(ctx, entityKey)
}

func validateCapabilities(names []string) error {
	known := make(map[string]bool, len(BuiltinCapabilities))
	for _, c := range BuiltinCapabilities {
		known[string(c)] = true
	}
	for _, name := range names {
		if !known[name] {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, name)
		}
	}
	return nil
}
