package identity

import (
	"context"

	"identra.org/internal/audit"
)

// CapabilitiesOf computes the union of capabilities granted to a user within
// one tenant. Role assignments belonging to other tenants do not contribute.
func (s *Service) CapabilitiesOf(ctx context.Context, userKey, tenantKey string) ([]Capability, error) {
	links, err := s.store.LinksWith(ctx, LinkRoleAssignment, userKey)
	if err != nil {
		return nil, err
	}
	seen := make(map[Capability]bool)
	for _, link := range links {
		if link.TenantKey != tenantKey {
			continue
		}
		for _, key := range link.EntityKeys {
			if key == userKey {
				continue
			}
			role, err := s.role(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, name := range role.Definition.Capabilities {
				seen[Capability(name)] = true
			}
		}
	}
	caps := make([]Capability, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sortCapabilities(caps)
	return caps, nil
}

// Authorize decides whether the caller may perform an operation requiring
// the capability within the target tenant. The decision fails closed: any
// doubt denies.
//
// A caller whose session is bound to the system tenant and who holds
// cross_tenant_access may act on other tenants, provided they also hold the
// operation's capability. Every such crossing is audited.
func (s *Service) Authorize(ctx context.Context, caller SessionContext, tenantKey string, cap Capability) error {
	if caller.UserKey == "" || tenantKey == "" {
		return ErrUnauthorized
	}
	if caller.TenantKey == tenantKey {
		if caller.HasCapability(cap) {
			return nil
		}
		return ErrUnauthorized
	}
	if caller.TenantKey != SystemTenantKey || !caller.HasCapability(CapCrossTenantAccess) {
		return ErrIsolationViolation
	}
	if !caller.HasCapability(cap) {
		return ErrUnauthorized
	}
	s.audit.Record(ctx, audit.Event{
		Operation:    "security.cross_tenant",
		ResourceType: EntityTenant,
		ResourceID:   tenantKey,
		Actor:        caller.UserKey,
		TenantKey:    caller.TenantKey,
		After:        map[string]any{"capability": string(cap)},
	})
	return nil
}

func (s *Service) requireCapability(ctx context.Context, caller SessionContext, tenantKey string, cap Capability) error {
	return s.Authorize(ctx, caller, tenantKey, cap)
}
