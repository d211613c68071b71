package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginIssuesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, user := f.seedTenantUser(t, "acme", "alice", "alices-password")

	res, err := f.svc.Login(ctx, LoginRequest{
		Tenant:   "acme",
		Username: "alice",
		Password: "alices-password",
		IP:       "203.0.113.7",
		Agent:    "cli/1.0",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Session == nil {
		t.Fatal("expected an immediate session for a single-tenant user")
	}
	if res.Session.TenantKey != tenant.Key {
		t.Fatalf("session bound to %s, want %s", res.Session.TenantKey, tenant.Key)
	}

	if res.Session.Username != "alice" || !res.Session.UserProfile.Active {
		t.Fatalf("session payload missing the user profile: %+v", res.Session)
	}

	sc, err := f.svc.ValidateToken(ctx, res.Session.Token, "", "")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if sc.UserKey != user.Key || sc.TenantKey != tenant.Key {
		t.Fatalf("unexpected context: %+v", sc)
	}
	if !sc.HasCapability(CapSessionManagement) {
		t.Fatalf("operator capabilities missing: %v", sc.Capabilities)
	}

	// The attempt and its outcome were captured durably.
	attempts, err := f.store.ListHubs(ctx, EntityLoginAttempt, "")
	if err != nil || len(attempts) != 1 {
		t.Fatalf("expected one captured attempt, got %d (err %v)", len(attempts), err)
	}
	attrs, err := f.store.CurrentSnapshot(ctx, attempts[0].Key)
	if err != nil {
		t.Fatalf("attempt snapshot: %v", err)
	}
	if _, present := attrs["password"]; present {
		t.Fatal("attempt record must never carry the secret")
	}
	statuses, err := f.store.ListHubs(ctx, EntityLoginStatus, "")
	if err != nil || len(statuses) != 1 {
		t.Fatalf("expected one outcome record, got %d (err %v)", len(statuses), err)
	}
}

func TestLoginUnknownUserFailsUniformly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenantUser(t, "acme", "alice", "alices-password")

	_, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "mallory", Password: "whatever-else"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("unknown user: got %v, want ErrAuthenticationFailed", err)
	}
	_, err = f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "wrong-password"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong password: got %v, want ErrAuthenticationFailed", err)
	}
	_, err = f.svc.Login(ctx, LoginRequest{Tenant: "nonexistent", Username: "alice", Password: "alices-password"})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("unknown tenant: got %v, want ErrAuthenticationFailed", err)
	}
}

func TestLockoutAfterThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenantUser(t, "acme", "alice", "alices-password")

	for i := 0; i < DefaultLockoutThreshold; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "wrong-password"})
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: got %v", i+1, err)
		}
	}

	// Locked now, even with the correct password.
	_, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "alices-password"})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked account: got %v, want ErrAccountLocked", err)
	}

	// The lock releases after the lockout duration and the counter resets.
	f.advance(DefaultLockoutDuration + time.Second)
	res, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "alices-password"})
	if err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
	if res.Session == nil {
		t.Fatal("expected a session after lock expiry")
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTenantUser(t, "acme", "alice", "alices-password")

	for i := 0; i < DefaultLockoutThreshold-1; i++ {
		f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "wrong-password"})
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "alices-password"}); err != nil {
		t.Fatalf("login at threshold-1: %v", err)
	}

	// The streak restarted, so threshold-1 further failures must not lock.
	for i := 0; i < DefaultLockoutThreshold-1; i++ {
		_, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "wrong-password"})
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("post-reset attempt %d: got %v", i+1, err)
		}
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "alices-password"}); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestLoginWithoutHintResolvesUniqueUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, _ := f.seedTenantUser(t, "acme", "alice", "alices-password")

	res, err := f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password"})
	if err != nil {
		t.Fatalf("Login without hint: %v", err)
	}
	if res.Session == nil || res.Session.TenantKey != tenant.Key {
		t.Fatalf("expected auto-resolved session in %s, got %+v", tenant.Key, res)
	}
}

func TestMultiTenantLoginRequiresSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := platformAdmin()
	_, user := f.seedTenantUser(t, "acme", "alice", "alices-password")

	globex, err := f.svc.CreateTenant(ctx, admin, TenantProfile{Name: "globex", Active: true})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	auditor, err := f.svc.CreateRole(ctx, admin, globex.Key, RoleDefinition{
		Name:         "auditor",
		Capabilities: []string{string(CapAuditAccess)},
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := f.svc.AssignRole(ctx, admin, user.Key, auditor.Key); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.svc.Login(ctx, LoginRequest{Tenant: "acme", Username: "alice", Password: "alices-password"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	// The hint named an accessible tenant, so the session is issued there.
	if res.Session == nil || res.Session.TenantKey != vaultTenantKey("acme") {
		t.Fatalf("expected direct session in acme, got %+v", res)
	}

	// Without a usable hint, the caller must pick.
	res, err = f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password"})
	if err != nil {
		t.Fatalf("Login without hint: %v", err)
	}
	if res.Session != nil {
		t.Fatal("expected a pending selection, not a session")
	}
	if len(res.Tenants) != 2 {
		t.Fatalf("expected two accessible tenants, got %+v", res.Tenants)
	}

	if res.Grant == "" {
		t.Fatal("pending selection must carry a grant nonce")
	}

	session, err := f.svc.SelectTenant(ctx, "alice", "globex", res.Grant, "203.0.113.7", "cli/1.0")
	if err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	if session.TenantKey != globex.Key {
		t.Fatalf("session bound to %s, want %s", session.TenantKey, globex.Key)
	}
	sc, err := f.svc.ValidateToken(ctx, session.Token, "", "")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if !sc.HasCapability(CapAuditAccess) || sc.HasCapability(CapSessionManagement) {
		t.Fatalf("capabilities must come from the selected tenant only: %v", sc.Capabilities)
	}

	// The grant is single-use.
	if _, err := f.svc.SelectTenant(ctx, "alice", "acme", res.Grant, "", ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("consumed grant: got %v, want ErrAuthenticationFailed", err)
	}
}

func TestSelectTenantGrantExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := platformAdmin()
	_, user := f.seedTenantUser(t, "acme", "alice", "alices-password")
	globex, _ := f.svc.CreateTenant(ctx, admin, TenantProfile{Name: "globex", Active: true})
	role, _ := f.svc.CreateRole(ctx, admin, globex.Key, RoleDefinition{Name: "auditor"})
	if err := f.svc.AssignRole(ctx, admin, user.Key, role.Key); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password"})
	if err != nil || res.Session != nil {
		t.Fatalf("expected pending selection: res=%+v err=%v", res, err)
	}

	f.advance(6 * time.Minute)
	if _, err := f.svc.SelectTenant(ctx, "alice", "globex", res.Grant, "", ""); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expired grant: got %v, want ErrAuthenticationFailed", err)
	}
}

func TestSelectTenantRequiresGrantNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := platformAdmin()
	_, user := f.seedTenantUser(t, "acme", "alice", "alices-password")
	globex, _ := f.svc.CreateTenant(ctx, admin, TenantProfile{Name: "globex", Active: true})
	role, _ := f.svc.CreateRole(ctx, admin, globex.Key, RoleDefinition{Name: "auditor"})
	if err := f.svc.AssignRole(ctx, admin, user.Key, role.Key); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password"})
	if err != nil || res.Session != nil {
		t.Fatalf("expected pending selection: res=%+v err=%v", res, err)
	}

	// Knowing the username is not enough to claim the staged session.
	for _, nonce := range []string{"", "guessed-nonce", res.Grant + "x"} {
		if _, err := f.svc.SelectTenant(ctx, "alice", "globex", nonce, "", ""); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("nonce %q: got %v, want ErrAuthenticationFailed", nonce, err)
		}
	}

	// A failed claim does not burn the grant; the real nonce still works.
	if _, err := f.svc.SelectTenant(ctx, "alice", "globex", res.Grant, "", ""); err != nil {
		t.Fatalf("SelectTenant with the real nonce: %v", err)
	}
}

func TestSelectTenantRejectsInaccessibleTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := platformAdmin()
	_, user := f.seedTenantUser(t, "acme", "alice", "alices-password")
	globex, _ := f.svc.CreateTenant(ctx, admin, TenantProfile{Name: "globex", Active: true})
	role, _ := f.svc.CreateRole(ctx, admin, globex.Key, RoleDefinition{Name: "auditor"})
	if err := f.svc.AssignRole(ctx, admin, user.Key, role.Key); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := f.svc.CreateTenant(ctx, admin, TenantProfile{Name: "initech", Active: true}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	res, err := f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.SelectTenant(ctx, "alice", "initech", res.Grant, "", ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inaccessible tenant: got %v, want ErrUnauthorized", err)
	}
}

func TestLoginAutoSelectCanBeDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, _ := f.seedTenantUser(t, "acme", "alice", "alices-password")

	auto := false
	res, err := f.svc.Login(ctx, LoginRequest{Username: "alice", Password: "alices-password", AutoSelectTenant: &auto})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Session != nil {
		t.Fatal("auto-select disabled, expected a pending selection")
	}
	if len(res.Tenants) != 1 || res.Grant == "" {
		t.Fatalf("expected the tenant list and a grant, got %+v", res)
	}

	session, err := f.svc.SelectTenant(ctx, "alice", "acme", res.Grant, "", "")
	if err != nil {
		t.Fatalf("SelectTenant: %v", err)
	}
	if session.TenantKey != tenant.Key {
		t.Fatalf("session bound to %s, want %s", session.TenantKey, tenant.Key)
	}
}

func TestLoginValidatesInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Login(context.Background(), LoginRequest{Username: " ", Password: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}
