package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"identra.org/internal/identity"
	"identra.org/internal/obs"
)

// ReadyProbe checks backing-store readiness (for Postgres, a ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the identity service.
type API struct {
	mux        *http.ServeMux
	svc        *identity.Service
	readyProbe ReadyProbe
	version    string
}

func New(svc *identity.Service, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth pipeline; login gets a tighter rate limit than the rest
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), 5, 2))
	a.mux.Handle("/v1/auth/select-tenant", RateLimit(http.HandlerFunc(a.handleSelectTenant), 5, 2))
	a.mux.HandleFunc("/v1/auth/validate", a.handleValidate)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/revoke", a.handleRevoke)
	a.mux.HandleFunc("/v1/auth/authorize", a.handleAuthorize)

	// administration
	a.mux.HandleFunc("/v1/admin/tenants", a.handleTenants)
	a.mux.HandleFunc("/v1/admin/tenants/", a.handleTenantScoped)
	a.mux.HandleFunc("/v1/admin/users", a.handleUsers)
	a.mux.HandleFunc("/v1/admin/assignments", a.handleAssignments)
	a.mux.HandleFunc("/v1/admin/sessions/", a.handleSessionScoped)
	a.mux.HandleFunc("/v1/admin/history/", a.handleHistory)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented handler with authentication applied.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "identra-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "identra-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- envelope helpers ---

type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, code int, errorCode, message string) {
	writeJSON(w, code, envelope{Success: false, Message: message, ErrorCode: errorCode})
}

// handleServiceError maps service sentinels to HTTP statuses. Internal
// details never reach the wire.
func handleServiceError(w http.ResponseWriter, err error) {
	code := identity.ErrorCode(err)
	switch code {
	case "VALIDATION_ERROR":
		writeFailure(w, http.StatusBadRequest, code, err.Error())
	case "AUTH_FAILED":
		writeFailure(w, http.StatusUnauthorized, code, "authentication failed")
	case "ACCOUNT_LOCKED":
		writeFailure(w, http.StatusLocked, code, "account temporarily locked")
	case "FORBIDDEN", "ISOLATION_VIOLATION":
		writeFailure(w, http.StatusForbidden, code, "operation not permitted")
	case "NOT_FOUND":
		writeFailure(w, http.StatusNotFound, code, "resource not found")
	case "SESSION_EXPIRED", "TOKEN_REVOKED":
		writeFailure(w, http.StatusUnauthorized, code, "session no longer valid")
	default:
		writeFailure(w, http.StatusInternalServerError, "SYSTEM_ERROR", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeFailure(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed")
}
