package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"jirasync.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	roleAdmin  = "admin"
)

var errAuthRequired = errors.New("authentication required")

// Remote deliveries and the OAuth redirect carry their own proof.
var publicPaths = []string{
	webhookPath,
	oauthCallbackPath,
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.signer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="jirasync"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.signer.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="jirasync", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUser returns the authenticated caller or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="jirasync"`)
		writeError(w, r, http.StatusUnauthorized, errAuthRequired.Error())
		return "", false
	}
	return userID, true
}

// canAccess reports whether the caller may act on a record owned by ownerID.
func canAccess(r *http.Request, ownerID string) bool {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return false
	}
	return userID == ownerID || auth.HasRole(r.Context(), roleAdmin)
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
