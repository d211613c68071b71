package httpapi

import (
	"net/http"
	"strings"

	"identra.org/internal/identity"
)

type loginRequest struct {
	Tenant           string `json:"tenant,omitempty"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	AutoSelectTenant *bool  `json:"auto_select_tenant,omitempty"`
}

type selectTenantRequest struct {
	Username string `json:"username"`
	Tenant   string `json:"tenant"`
	Grant    string `json:"grant"`
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type authorizeRequest struct {
	TenantKey  string `json:"tenant_key,omitempty"`
	Capability string `json:"capability"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), identity.LoginRequest{
		Tenant:           req.Tenant,
		Username:         req.Username,
		Password:         req.Password,
		IP:               clientIP(r),
		Agent:            r.UserAgent(),
		AutoSelectTenant: req.AutoSelectTenant,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if res.Session != nil {
		writeSuccess(w, http.StatusOK, "login successful", res.Session)
		return
	}
	writeSuccess(w, http.StatusOK, "tenant selection required", map[string]any{
		"tenants": res.Tenants,
		"grant":   res.Grant,
	})
}

func (a *API) handleSelectTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req selectTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	session, err := a.svc.SelectTenant(r.Context(), req.Username, req.Tenant, req.Grant, clientIP(r), r.UserAgent())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "login successful", session)
}

// handleValidate reports the session context the middleware already
// resolved. Reaching it at all means the token is good.
func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, "token valid", map[string]any{
		"session_key":  sc.SessionKey,
		"user_key":     sc.UserKey,
		"tenant_key":   sc.TenantKey,
		"username":     sc.Username,
		"capabilities": sc.Capabilities,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "AUTH_FAILED", err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), token); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "logged out", nil)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "AUTH_FAILED", err.Error())
		return
	}
	// The reason body is optional; revoking with no body still works.
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}
	if err := a.svc.RevokeToken(r.Context(), token, req.Reason); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "token revoked", nil)
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	sc, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		writeFailure(w, http.StatusBadRequest, "VALIDATION_ERROR", "capability is required")
		return
	}
	tenantKey := req.TenantKey
	if tenantKey == "" {
		tenantKey = sc.TenantKey
	}
	if err := a.svc.Authorize(r.Context(), sc, tenantKey, identity.Capability(req.Capability)); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "authorized", map[string]any{
		"tenant_key": tenantKey,
		"capability": req.Capability,
	})
}
