package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kilit.org/internal/auth"
)

type tokenRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionResponse struct {
	ID         string    `json:"id"`
	Generation int       `json:"generation"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func pairResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

// handleToken exchanges a credential pair for an initial token pair.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "identifier and secret are required")
		return
	}

	principal, err := a.verifier.Verify(r.Context(), req.Identifier, req.Secret)
	if err != nil {
		a.audit(r.Context(), "auth.token.denied", map[string]any{
			"identifier": strings.TrimSpace(req.Identifier),
			"reason":     denialReason(err),
		})
		handleAuthError(w, r, err)
		return
	}

	pair, err := a.issuer.IssueInitial(r.Context(), principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.audit(r.Context(), "auth.token.issued", map[string]any{
		"principal_id": principal.ID,
		"family_id":    pair.FamilyID,
		"expires_at":   pair.AccessExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

// denialReason records why a credential check failed. The HTTP response stays
// undifferentiated; only the audit trail sees this.
func denialReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrUserInactive):
		return "inactive"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}

// handleRefresh rotates a refresh token. A replayed token revokes the whole
// family before the request is rejected.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.issuer.Rotate(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		a.audit(r.Context(), "auth.token.rotation_denied", nil)
		handleAuthError(w, r, err)
		return
	}

	a.audit(r.Context(), "auth.token.rotated", map[string]any{
		"family_id":  pair.FamilyID,
		"expires_at": pair.AccessExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

// handleLogout revokes the session (token family) of the presented access
// token, or an explicit family via the body.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	familyID := claims.FamilyID
	var req struct {
		FamilyID string `json:"family_id"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if fid := strings.TrimSpace(req.FamilyID); fid != "" {
			familyID = fid
		}
	}

	if err := a.registry.Revoke(r.Context(), claims.Subject, familyID); err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.audit(r.Context(), "auth.session.revoked", map[string]any{
		"family_id": familyID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "revoked",
		"family_id": familyID,
	})
}

// handleLogoutAll revokes every session of the principal atomically.
func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	revoked, err := a.registry.RevokeAll(r.Context(), claims.Subject)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	a.audit(r.Context(), "auth.session.revoked_all", map[string]any{
		"revoked": revoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "revoked",
		"revoked": revoked,
	})
}

// handleSessions lists the caller's token families.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.requirePermission(r.Context(), auth.Action{Name: "sessions.list", Class: auth.ClassList}, nil); err != nil {
		handleAuthError(w, r, err)
		return
	}

	families, err := a.registry.ListSessions(r.Context(), claims.Subject)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	items := make([]sessionResponse, 0, len(families))
	for _, f := range families {
		items = append(items, sessionResponse{
			ID:         f.ID,
			Generation: f.Generation,
			Revoked:    f.Revoked,
			CreatedAt:  f.CreatedAt,
			ExpiresAt:  f.CurrentExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}
