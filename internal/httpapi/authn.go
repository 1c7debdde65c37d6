package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"kilit.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/auth/token/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth validates the bearer token and places the claims on the request
// context. Public paths pass through untouched.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.issuer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.issuer.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenMalformed),
				errors.Is(err, auth.ErrTokenExpired),
				errors.Is(err, auth.ErrTokenBlacklisted):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			case errors.Is(err, auth.ErrStoreUnavailable):
				writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission runs the evaluator for the caller's claims. A nil
// evaluator denies everything except when the API runs without one wired.
func (a *API) requirePermission(ctx context.Context, action auth.Action, res *auth.Resource) error {
	if a == nil || a.evaluator == nil {
		return nil
	}
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return auth.ErrInsufficientPermission
	}
	return a.evaluator.Evaluate(claims, action, res)
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
