package httpapi

import (
	"net/http"
	"strings"
	"time"

	"identra.org/internal/identity"
)

type createTenantRequest struct {
	Name     string `json:"name"`
	Tier     string `json:"tier,omitempty"`
	Contact  string `json:"contact,omitempty"`
	MaxUsers int    `json:"max_users,omitempty"`
}

type policyRequest struct {
	LockoutThreshold          int `json:"lockout_threshold,omitempty"`
	LockoutDurationSeconds    int `json:"lockout_duration_seconds,omitempty"`
	SessionIdleTimeoutSeconds int `json:"session_idle_timeout_seconds,omitempty"`
	TokenTTLSeconds           int `json:"token_ttl_seconds,omitempty"`
}

type createRoleRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type createUserRequest struct {
	TenantKey string `json:"tenant_key"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Name      string `json:"name,omitempty"`
	Contact   string `json:"contact,omitempty"`
}

type assignRoleRequest struct {
	UserKey string `json:"user_key"`
	RoleKey string `json:"role_key"`
}

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createTenantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		tenant, err := a.svc.CreateTenant(r.Context(), sc, identity.TenantProfile{
			Name:     req.Name,
			Active:   true,
			Tier:     req.Tier,
			Contact:  req.Contact,
			MaxUsers: req.MaxUsers,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusCreated, "tenant created", map[string]any{
			"key":     tenant.Key,
			"profile": tenant.Profile,
		})
	case http.MethodGet:
		tenants, err := a.svc.ListTenants(r.Context(), sc)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(tenants))
		for _, t := range tenants {
			out = append(out, map[string]any{"key": t.Key, "profile": t.Profile})
		}
		writeSuccess(w, http.StatusOK, "tenants", out)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/tenants/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeFailure(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	tenantKey := parts[0]
	switch parts[1] {
	case "policy":
		a.handleTenantPolicy(w, r, tenantKey)
	case "roles":
		a.handleTenantRoles(w, r, tenantKey)
	default:
		writeFailure(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	}
}

func (a *API) handleTenantPolicy(w http.ResponseWriter, r *http.Request, tenantKey string) {
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req policyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		effective, err := a.svc.SetTenantPolicy(r.Context(), sc, tenantKey, identity.SecurityPolicy{
			LockoutThreshold:   req.LockoutThreshold,
			LockoutDuration:    time.Duration(req.LockoutDurationSeconds) * time.Second,
			SessionIdleTimeout: time.Duration(req.SessionIdleTimeoutSeconds) * time.Second,
			TokenTTL:           time.Duration(req.TokenTTLSeconds) * time.Second,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, "policy updated", policyResponse(effective))
	case http.MethodGet:
		if err := a.svc.Authorize(r.Context(), sc, tenantKey, identity.CapTenantManagement); err != nil {
			handleServiceError(w, err)
			return
		}
		policy, err := a.svc.PolicyFor(r.Context(), tenantKey)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, "policy", policyResponse(policy))
	default:
		methodNotAllowed(w, http.MethodPut, http.MethodGet)
	}
}

func policyResponse(p identity.SecurityPolicy) map[string]any {
	return map[string]any{
		"lockout_threshold":            p.LockoutThreshold,
		"lockout_duration_seconds":     int(p.LockoutDuration / time.Second),
		"session_idle_timeout_seconds": int(p.SessionIdleTimeout / time.Second),
		"token_ttl_seconds":            int(p.TokenTTL / time.Second),
	}
}

func (a *API) handleTenantRoles(w http.ResponseWriter, r *http.Request, tenantKey string) {
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		role, err := a.svc.CreateRole(r.Context(), sc, tenantKey, identity.RoleDefinition{
			Name:         req.Name,
			Description:  req.Description,
			Capabilities: req.Capabilities,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusCreated, "role created", map[string]any{
			"key":        role.Key,
			"tenant_key": role.TenantKey,
			"definition": role.Definition,
		})
	case http.MethodGet:
		roles, err := a.svc.ListRoles(r.Context(), sc, tenantKey)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(roles))
		for _, role := range roles {
			out = append(out, map[string]any{"key": role.Key, "definition": role.Definition})
		}
		writeSuccess(w, http.StatusOK, "roles", out)
	default:
		methodNotAllowed(w, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	user, err := a.svc.CreateUser(r.Context(), sc, req.TenantKey, req.Username, req.Password, identity.UserProfile{
		Name:    req.Name,
		Contact: req.Contact,
		Active:  true,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "user created", map[string]any{
		"key":        user.Key,
		"tenant_key": user.TenantKey,
		"username":   user.Username,
	})
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := a.svc.AssignRole(r.Context(), sc, req.UserKey, req.RoleKey); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "role assigned", nil)
}

func (a *API) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	sessionKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/sessions/"), "/")
	if sessionKey == "" || strings.Contains(sessionKey, "/") {
		writeFailure(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := a.svc.CloseSession(r.Context(), sc, sessionKey); err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, "session closed", nil)
	case http.MethodGet:
		history, err := a.svc.SessionHistory(r.Context(), sc, sessionKey)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, "session history", history)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet)
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	entityKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/history/"), "/")
	if entityKey == "" || strings.Contains(entityKey, "/") {
		writeFailure(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	history, err := a.svc.EntityHistory(r.Context(), sc, entityKey)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "entity history", history)
}
