package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"identra.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Logout and revoke carry a bearer token but skip middleware validation:
// both must keep working on a token whose session already idled out.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/select-tenant",
	"/v1/auth/logout",
	"/v1/auth/revoke",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

type contextKey string

const principalKey contextKey = "principal"

func principalFromContext(ctx context.Context) (identity.SessionContext, bool) {
	sc, ok := ctx.Value(principalKey).(identity.SessionContext)
	return sc, ok
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "AUTH_FAILED", err.Error())
			return
		}

		principal, err := a.svc.ValidateToken(r.Context(), token, clientIP(r), r.UserAgent())
		if err != nil {
			handleServiceError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) principal(w http.ResponseWriter, r *http.Request) (identity.SessionContext, bool) {
	sc, ok := principalFromContext(r.Context())
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "AUTH_FAILED", "missing session")
	}
	return sc, ok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
