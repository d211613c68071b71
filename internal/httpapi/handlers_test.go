package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"identra.org/internal/identity"
	"identra.org/internal/vault"
)

type apiClient struct {
	t   *testing.T
	srv *httptest.Server
	svc *identity.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	store := vault.NewInMemory()
	svc := identity.NewService(store)
	if err := svc.EnsureBootstrap(context.Background(), "root", "root-password"); err != nil {
		t.Fatalf("EnsureBootstrap: %v", err)
	}
	api := New(svc, ReadyProbe{}, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, svc: svc}
}

func (c *apiClient) do(method, path string, body any, token string) (*http.Response, envelope) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.t.Fatalf("decode envelope for %s %s: %v", method, path, err)
	}
	return resp, env
}

func (c *apiClient) login(tenant, username, password string) string {
	c.t.Helper()
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"tenant":   tenant,
		"username": username,
		"password": password,
	}, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		c.t.Fatalf("login failed: status=%d env=%+v", resp.StatusCode, env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		c.t.Fatalf("unexpected login payload: %+v", env.Data)
	}
	token, _ := data["token"].(string)
	if token == "" {
		c.t.Fatalf("login response carries no token: %+v", data)
	}
	return token
}

func dataField(t *testing.T, env envelope, field string) any {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("envelope data is not an object: %+v", env.Data)
	}
	return data[field]
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp, err := http.Get(c.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLoginAndValidate(t *testing.T) {
	c := newTestAPI(t)
	token := c.login("system", "root", "root-password")

	resp, env := c.do(http.MethodGet, "/v1/auth/validate", nil, token)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("validate: status=%d env=%+v", resp.StatusCode, env)
	}
	if dataField(t, env, "username") != "root" {
		t.Fatalf("unexpected principal: %+v", env.Data)
	}
	caps, _ := dataField(t, env, "capabilities").([]any)
	if len(caps) != len(identity.BuiltinCapabilities) {
		t.Fatalf("bootstrap admin should hold every capability: %v", caps)
	}
}

func TestLoginResponseCarriesProfile(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"tenant": "system", "username": "root", "password": "root-password",
	}, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login: %d %+v", resp.StatusCode, env)
	}
	if dataField(t, env, "username") != "root" {
		t.Fatalf("login payload missing the username: %+v", env.Data)
	}
	profile, ok := dataField(t, env, "user_profile").(map[string]any)
	if !ok {
		t.Fatalf("login payload missing the user profile: %+v", env.Data)
	}
	if profile["name"] != "root" || profile["active"] != true {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestTenantSelectionEndpoint(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"username": "root", "password": "root-password", "auto_select_tenant": false,
	}, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("pending login: %d %+v", resp.StatusCode, env)
	}
	grant, _ := dataField(t, env, "grant").(string)
	if grant == "" {
		t.Fatalf("pending login carries no grant: %+v", env.Data)
	}
	tenants, _ := dataField(t, env, "tenants").([]any)
	if len(tenants) != 1 {
		t.Fatalf("expected one accessible tenant, got %+v", env.Data)
	}

	// A guessed grant is rejected and does not consume the staged login.
	resp, env = c.do(http.MethodPost, "/v1/auth/select-tenant", map[string]any{
		"username": "root", "tenant": "system", "grant": "guessed",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized || env.ErrorCode != "AUTH_FAILED" {
		t.Fatalf("guessed grant: %d %+v", resp.StatusCode, env)
	}

	resp, env = c.do(http.MethodPost, "/v1/auth/select-tenant", map[string]any{
		"username": "root", "tenant": "system", "grant": grant,
	}, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("select tenant: %d %+v", resp.StatusCode, env)
	}
	if token, _ := dataField(t, env, "token").(string); token == "" {
		t.Fatalf("selection response carries no token: %+v", env.Data)
	}
}

func TestLoginFailureEnvelope(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"tenant":   "system",
		"username": "root",
		"password": "not-the-password",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if env.Success || env.ErrorCode != "AUTH_FAILED" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestLockoutSurfacesDistinctCode(t *testing.T) {
	c := newTestAPI(t)
	for i := 0; i < identity.DefaultLockoutThreshold; i++ {
		c.do(http.MethodPost, "/v1/auth/login", map[string]any{
			"tenant": "system", "username": "root", "password": "wrong-password",
		}, "")
	}
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"tenant": "system", "username": "root", "password": "root-password",
	}, "")
	if resp.StatusCode != http.StatusLocked || env.ErrorCode != "ACCOUNT_LOCKED" {
		t.Fatalf("expected 423 ACCOUNT_LOCKED, got %d %+v", resp.StatusCode, env)
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodGet, "/v1/auth/validate", nil, "")
	if resp.StatusCode != http.StatusUnauthorized || env.Success {
		t.Fatalf("expected 401 envelope, got %d %+v", resp.StatusCode, env)
	}
	resp, env = c.do(http.MethodGet, "/v1/admin/tenants", nil, "garbage.token")
	if resp.StatusCode != http.StatusUnauthorized || env.ErrorCode != "AUTH_FAILED" {
		t.Fatalf("expected AUTH_FAILED, got %d %+v", resp.StatusCode, env)
	}
}

func TestAdminTenantLifecycle(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("system", "root", "root-password")

	resp, env := c.do(http.MethodPost, "/v1/admin/tenants", map[string]any{
		"name": "acme", "tier": "standard",
	}, admin)
	if resp.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("create tenant: %d %+v", resp.StatusCode, env)
	}
	tenantKey, _ := dataField(t, env, "key").(string)
	if tenantKey == "" {
		t.Fatalf("tenant key missing: %+v", env.Data)
	}

	resp, env = c.do(http.MethodPost, "/v1/admin/tenants/"+tenantKey+"/roles", map[string]any{
		"name":         "operator",
		"capabilities": []string{"session_management", "user_management"},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role: %d %+v", resp.StatusCode, env)
	}
	roleKey, _ := dataField(t, env, "key").(string)

	resp, env = c.do(http.MethodPost, "/v1/admin/users", map[string]any{
		"tenant_key": tenantKey,
		"username":   "alice",
		"password":   "alices-password",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %+v", resp.StatusCode, env)
	}
	userKey, _ := dataField(t, env, "key").(string)

	resp, env = c.do(http.MethodPost, "/v1/admin/assignments", map[string]any{
		"user_key": userKey, "role_key": roleKey,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign role: %d %+v", resp.StatusCode, env)
	}

	resp, env = c.do(http.MethodGet, "/v1/admin/tenants", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tenants: %d %+v", resp.StatusCode, env)
	}
	tenants, _ := env.Data.([]any)
	if len(tenants) != 2 {
		t.Fatalf("expected system and acme, got %+v", env.Data)
	}

	// The new user can log in and act within their tenant only.
	alice := c.login("acme", "alice", "alices-password")
	resp, env = c.do(http.MethodPost, "/v1/auth/authorize", map[string]any{
		"capability": "session_management",
	}, alice)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("authorize in own tenant: %d %+v", resp.StatusCode, env)
	}
	resp, env = c.do(http.MethodGet, "/v1/admin/tenants", nil, alice)
	if resp.StatusCode != http.StatusForbidden || env.ErrorCode != "ISOLATION_VIOLATION" {
		t.Fatalf("tenant admin from non-system tenant: %d %+v", resp.StatusCode, env)
	}
}

func TestTenantPolicyEndpoint(t *testing.T) {
	c := newTestAPI(t)
	admin := c.login("system", "root", "root-password")

	resp, env := c.do(http.MethodPost, "/v1/admin/tenants", map[string]any{"name": "acme"}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: %d %+v", resp.StatusCode, env)
	}
	tenantKey, _ := dataField(t, env, "key").(string)

	resp, env = c.do(http.MethodPut, "/v1/admin/tenants/"+tenantKey+"/policy", map[string]any{
		"lockout_threshold":            50,
		"session_idle_timeout_seconds": 60,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set policy: %d %+v", resp.StatusCode, env)
	}
	if got := dataField(t, env, "lockout_threshold").(float64); got != float64(identity.MaxLockoutThreshold) {
		t.Fatalf("threshold not clamped in response: %v", got)
	}
	if got := dataField(t, env, "session_idle_timeout_seconds").(float64); got != (identity.MinSessionIdleTimeout).Seconds() {
		t.Fatalf("idle timeout not clamped in response: %v", got)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	c := newTestAPI(t)
	token := c.login("system", "root", "root-password")

	resp, env := c.do(http.MethodPost, "/v1/auth/logout", nil, token)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("logout: %d %+v", resp.StatusCode, env)
	}
	resp, env = c.do(http.MethodGet, "/v1/auth/validate", nil, token)
	if resp.StatusCode != http.StatusUnauthorized || env.ErrorCode != "TOKEN_REVOKED" {
		t.Fatalf("validate after logout: %d %+v", resp.StatusCode, env)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	c := newTestAPI(t)
	token := c.login("system", "root", "root-password")

	resp, env := c.do(http.MethodPost, "/v1/auth/revoke", map[string]any{"reason": "lost-device"}, token)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("revoke: %d %+v", resp.StatusCode, env)
	}
	resp, env = c.do(http.MethodGet, "/v1/auth/validate", nil, token)
	if resp.StatusCode != http.StatusUnauthorized || env.ErrorCode != "TOKEN_REVOKED" {
		t.Fatalf("validate after revoke: %d %+v", resp.StatusCode, env)
	}
}

func TestSessionHistoryEndpoint(t *testing.T) {
	c := newTestAPI(t)
	token := c.login("system", "root", "root-password")

	_, env := c.do(http.MethodGet, "/v1/auth/validate", nil, token)
	sessionKey, _ := dataField(t, env, "session_key").(string)
	if sessionKey == "" {
		t.Fatalf("session key missing: %+v", env.Data)
	}

	resp, env := c.do(http.MethodGet, "/v1/admin/sessions/"+sessionKey, nil, token)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("session history: %d %+v", resp.StatusCode, env)
	}
	versions, _ := env.Data.([]any)
	if len(versions) == 0 {
		t.Fatal("expected at least one session version")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodGet, "/v1/auth/login", nil, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d %+v", resp.StatusCode, env)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("missing Allow header: %q", resp.Header.Get("Allow"))
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	c := newTestAPI(t)
	resp, env := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"username": "root", "password": "root-password", "tenant": "system", "extra": true,
	}, "")
	if resp.StatusCode != http.StatusBadRequest || env.ErrorCode != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %d %+v", resp.StatusCode, env)
	}
}
