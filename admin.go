package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// FindingLister lists persisted findings, newest first.
type FindingLister interface {
	Findings(ctx context.Context, limit int) ([]Finding, error)
}

// AdminAPI provides REST endpoints for controlling a running sentinel:
// proxy status, the CA certificate, plugins, manual interception,
// transparent redirection, edit rule reloads and findings.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Router additionally serves /metrics, /healthz
// and /readyz at the root.
//
// All endpoints except the CA download return JSON.
type AdminAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Intercepts is the manual review queue (optional).
	Intercepts *InterceptQueue

	// Rules is the edit rule engine reloaded by POST /rules/reload
	// (optional).
	Rules *RuleEngine

	// Findings lists stored findings (optional).
	Findings FindingLister

	// RedirectPorts are used when enabling redirection without a body.
	RedirectPorts []int

	// Limiter throttles API clients (optional).
	Limiter *RateLimiter

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:         proxy,
		Logger:        slog.Default(),
		PathPrefix:    "/api",
		RedirectPorts: []int{80, 443},
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/ca.pem", a.handleCA)

	r.Get("/plugins", a.handleListPlugins)
	r.Put("/plugins/{id}", a.handleSetPlugin)

	r.Get("/intercept", a.handleListIntercepts)
	r.Put("/intercept", a.handleSetIntercept)
	r.Post("/intercept/{id}", a.handleResolveIntercept)

	r.Get("/redirect", a.handleRedirectStatus)
	r.Post("/redirect/enable", a.handleRedirectEnable)
	r.Post("/redirect/disable", a.handleRedirectDisable)

	r.Get("/rules", a.handleListRules)
	r.Post("/rules/reload", a.handleReloadRules)

	r.Get("/findings", a.handleFindings)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// Router returns the full admin server handler: the API under PathPrefix
// plus the metrics and health endpoints.
func (a *AdminAPI) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.Limiter != nil {
		r.Use(a.Limiter.Middleware)
	}

	if m := a.Proxy.Metrics; m != nil {
		r.Handle("/metrics", m.Handler())
	}
	if h := a.Proxy.Health; h != nil {
		r.Get("/healthz", h.HandleHealthz)
		r.Get("/readyz", h.HandleReadyz)
	}
	r.Mount(a.PathPrefix, a.router)
	return r
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status       string     `json:"status"`
	Port         int        `json:"port,omitempty"`
	MITM         bool       `json:"mitm"`
	Uptime       string     `json:"uptime,omitempty"`
	Stats        ProxyStats `json:"stats"`
	CachedCerts  int        `json:"cached_certs"`
	Scanned      int64      `json:"scanned"`
	ScanDropped  int64      `json:"scan_dropped"`
	Redirecting  bool       `json:"redirecting"`
	Intercepting bool       `json:"intercepting"`
	Rules        int        `json:"rules"`
}

// PluginUpdate is the body for PUT /api/plugins/{id}.
type PluginUpdate struct {
	Enabled bool `json:"enabled"`
}

// InterceptState is returned by GET /api/intercept and is the body for
// PUT /api/intercept.
type InterceptState struct {
	Enabled bool               `json:"enabled"`
	Pending []PendingIntercept `json:"pending,omitempty"`
}

// InterceptResolution is the body for POST /api/intercept/{id}.
type InterceptResolution struct {
	// Action is "forward" (default) or "drop".
	Action   string        `json:"action"`
	Request  *RequestEdit  `json:"request,omitempty"`
	Response *ResponseEdit `json:"response,omitempty"`
}

// RedirectStatus is returned by GET /api/redirect.
type RedirectStatus struct {
	Active bool   `json:"active"`
	Rules  string `json:"rules"`
}

// RedirectRequest is the optional body for POST /api/redirect/enable.
type RedirectRequest struct {
	Ports []int `json:"ports"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p := a.Proxy
	resp := StatusResponse{
		Status:      "stopped",
		MITM:        p.Config.MITMEnabled,
		Stats:       p.Stats(),
		Redirecting: p.Redirecting(),
	}
	if p.Running() {
		resp.Status = "running"
		resp.Port = p.Port()
	}
	if p.Health != nil {
		resp.Uptime = time.Since(p.Health.startTime).Truncate(time.Second).String()
	}
	if p.Resolver != nil {
		resp.CachedCerts = p.Resolver.Len()
	}
	if p.Pipeline != nil {
		resp.Scanned = p.Pipeline.Scanned()
		resp.ScanDropped = p.Pipeline.Dropped()
	}
	if a.Intercepts != nil {
		resp.Intercepting = a.Intercepts.Enabled()
	}
	if a.Rules != nil {
		resp.Rules = a.Rules.Count()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleCA(w http.ResponseWriter, _ *http.Request) {
	if a.Proxy.Resolver == nil || a.Proxy.Resolver.CA == nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no certificate authority configured"})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="sentinel-ca.pem"`)
	_, _ = w.Write(a.Proxy.Resolver.CA.CertPEM())
}

func (a *AdminAPI) registry() *Registry {
	if a.Proxy.Pipeline == nil {
		return nil
	}
	return a.Proxy.Pipeline.Registry
}

func (a *AdminAPI) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	reg := a.registry()
	if reg == nil {
		a.writeJSON(w, http.StatusOK, []PluginInfo{})
		return
	}
	a.writeJSON(w, http.StatusOK, reg.List())
}

func (a *AdminAPI) handleSetPlugin(w http.ResponseWriter, r *http.Request) {
	reg := a.registry()
	if reg == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "no analysis pipeline configured"})
		return
	}

	var req PluginUpdate
	if !a.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := reg.SetEnabled(id, req.Enabled); err != nil {
		if errors.Is(err, ErrUnknownPlugin) {
			a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("plugin updated via admin API", "plugin", id, "enabled", req.Enabled)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "plugin updated"})
}

func (a *AdminAPI) handleListIntercepts(w http.ResponseWriter, _ *http.Request) {
	if a.Intercepts == nil {
		a.writeJSON(w, http.StatusOK, InterceptState{})
		return
	}
	a.writeJSON(w, http.StatusOK, InterceptState{
		Enabled: a.Intercepts.Enabled(),
		Pending: a.Intercepts.Pending(),
	})
}

func (a *AdminAPI) handleSetIntercept(w http.ResponseWriter, r *http.Request) {
	if a.Intercepts == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "interception not configured"})
		return
	}

	var req InterceptState
	if !a.decode(w, r, &req) {
		return
	}
	a.Intercepts.SetEnabled(req.Enabled)

	a.Logger.Info("interception toggled via admin API", "enabled", req.Enabled)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "interception updated"})
}

func (a *AdminAPI) handleResolveIntercept(w http.ResponseWriter, r *http.Request) {
	if a.Intercepts == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "interception not configured"})
		return
	}

	var req InterceptResolution
	if !a.decode(w, r, &req) {
		return
	}

	d := Decision{Request: req.Request, Response: req.Response}
	switch req.Action {
	case "", "forward":
	case "drop":
		d.Action = Drop
	default:
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "action must be forward or drop"})
		return
	}

	id := chi.URLParam(r, "id")
	if err := a.Intercepts.Resolve(id, d); err != nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("intercept resolved via admin API", "id", id, "action", d.Action)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "intercept resolved"})
}

func (a *AdminAPI) handleRedirectStatus(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Redirector == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: ErrRedirectUnsupported.Error()})
		return
	}
	rules, err := a.Proxy.Redirector.Status(r.Context())
	if err != nil {
		a.redirectError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, RedirectStatus{Active: a.Proxy.Redirecting(), Rules: rules})
}

func (a *AdminAPI) handleRedirectEnable(w http.ResponseWriter, r *http.Request) {
	req := RedirectRequest{}
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	ports := req.Ports
	if len(ports) == 0 {
		ports = a.RedirectPorts
	}

	if err := a.Proxy.EnableRedirect(r.Context(), ports); err != nil {
		a.redirectError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "redirection enabled"})
}

func (a *AdminAPI) handleRedirectDisable(w http.ResponseWriter, r *http.Request) {
	if err := a.Proxy.DisableRedirect(r.Context()); err != nil {
		a.redirectError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "redirection disabled"})
}

func (a *AdminAPI) redirectError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRedirectUnsupported) {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	}
	a.Logger.Error("admin API redirect failed", "error", err)
	var rerr *RedirectError
	if errors.As(err, &rerr) {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: rerr.Error()})
		return
	}
	a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusOK, []EditRule{})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Rules.Rules())
}

func (a *AdminAPI) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if a.Rules == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "edit rules not configured"})
		return
	}

	if err := a.Rules.Load(r.Context()); err != nil {
		a.Logger.Error("admin API rule reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("edit rules reloaded via admin API", "rules", a.Rules.Count())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleFindings(w http.ResponseWriter, r *http.Request) {
	if a.Findings == nil {
		a.writeJSON(w, http.StatusOK, []Finding{})
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	findings, err := a.Findings.Findings(r.Context(), limit)
	if err != nil {
		a.Logger.Error("admin API list findings", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if findings == nil {
		findings = []Finding{}
	}
	a.writeJSON(w, http.StatusOK, findings)
}

func (a *AdminAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
