package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"crudcore.org/internal/auth"
	"crudcore.org/internal/obs"
	"crudcore.org/internal/repo"
)

// Stable error codes carried in every failure payload. Clients branch on
// these, never on the message text.
const (
	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
	codeNotFound     = "not_found"
	codeValidation   = "validation_error"
	codeConflict     = "conflict"
	codeRateLimited  = "rate_limited"
	codeInternal     = "internal"
)

// ReadyProbe checks the service can reach its datastore.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the API's collaborators.
type Config struct {
	Probe     ReadyProbe
	Version   string
	Resolver  *auth.Resolver
	Tokens    *auth.TokenService
	Directory auth.Directory
	TokenTTL  time.Duration
}

// API is the HTTP layer. Resources register themselves through Mount; every
// registered route carries its permission requirement in the route table.
type API struct {
	mux      *http.ServeMux
	probe    ReadyProbe
	version  string
	resolver *auth.Resolver
	tokens   *auth.TokenService
	dir      auth.Directory
	tokenTTL time.Duration
	routes   []Route
}

func New(cfg Config) *API {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	a := &API{
		mux:      http.NewServeMux(),
		probe:    cfg.Probe,
		version:  cfg.Version,
		resolver: cfg.Resolver,
		tokens:   cfg.Tokens,
		dir:      cfg.Directory,
		tokenTTL: cfg.TokenTTL,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("GET /v1/auth/me", a.handleAuthMe)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Routes returns the registered route table, used by tests and startup
// logging.
func (a *API) Routes() []Route { return a.routes }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "crudcore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
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

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error":      msg,
		"code":       code,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

// writeRepoError maps engine failures onto the wire taxonomy.
func writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, repo.ErrInvalidFilter), errors.Is(err, repo.ErrNoData):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, repo.ErrIntegrity):
		writeError(w, r, http.StatusConflict, codeConflict, "constraint violation")
	default:
		obs.LogEntry(map[string]any{
			"level":      "error",
			"msg":        "request_failed",
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}
