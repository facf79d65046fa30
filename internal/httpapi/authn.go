package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"docgate.io/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireAuth verifies the bearer token and attaches the identity; the
// tenant of every downstream call is the one bound in the token.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="docgate"`)
			writeError(w, r, http.StatusUnauthorized, "missing_token", err.Error())
			return
		}
		id, err := a.svc.VerifyAccessToken(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// RequireCapability rejects requests whose identity lacks c. It must run
// behind requireAuth.
func (a *API) RequireCapability(c auth.Capability, next http.Handler) http.Handler {
	return a.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.AuthorizeContext(r.Context(), c); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
