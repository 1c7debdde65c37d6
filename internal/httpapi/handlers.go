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

	"kilit.org/internal/audit"
	"kilit.org/internal/auth"
	"kilit.org/internal/obs"
)

const serviceName = "kilit-api"

// ReadyProbe checks backing stores before the service reports ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the auth core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	verifier  *auth.Verifier
	issuer    *auth.Issuer
	registry  *auth.Registry
	evaluator *auth.Evaluator

	rateBurst  int
	ratePerSec int
}

// Options carries the collaborators the API serves.
type Options struct {
	ReadyProbe ReadyProbe
	Version    string

	Verifier  *auth.Verifier
	Issuer    *auth.Issuer
	Registry  *auth.Registry
	Evaluator *auth.Evaluator

	RateBurst  int
	RatePerSec int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		verifier:   opts.Verifier,
		issuer:     opts.Issuer,
		registry:   opts.Registry,
		evaluator:  opts.Evaluator,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth endpoints
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/auth/token/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/sessions", a.handleSessions)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
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

// handleAuthError maps core errors onto HTTP statuses. Credential and token
// failures stay undifferentiated so the response does not reveal which check
// failed.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserInactive):
		// One body for every credential failure; audit keeps the real reason.
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenBlacklisted):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrInsufficientPermission):
		writeError(w, r, http.StatusForbidden, "insufficient permission")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
