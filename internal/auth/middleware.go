package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// Middleware wires the authenticated principal into request contexts.
type Middleware struct {
	Service *Service
}

// RequireAuth rejects requests without a valid bearer token.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
			return
		}
		principal, err := m.Service.ParseAccessToken(token)
		if err != nil {
			common.RenderError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin allows only admin principals through. Must run after
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := common.Principal(r.Context())
		if !ok {
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
			return
		}
		if !principal.IsAdmin() {
			common.RenderError(w, common.AuthorizationError("admin role required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
