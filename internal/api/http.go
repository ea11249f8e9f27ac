// Package api exposes the admin surface and mounts the inspection pipeline in
// front of the protected routes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/apikey"
	"github.com/nanjiek/pixiu-gate/internal/config"
	"github.com/nanjiek/pixiu-gate/internal/gateway"
	"github.com/nanjiek/pixiu-gate/internal/httpx"
	"github.com/nanjiek/pixiu-gate/internal/identity"
	"github.com/nanjiek/pixiu-gate/internal/metrics"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/waf"
)

// WhitelistStore is the shared whitelist. When set, admin writes go there
// and reach the firewall through the allow-list poller.
type WhitelistStore interface {
	AddWhitelistIP(ctx context.Context, ip string) error
	RemoveWhitelistIP(ctx context.Context, ip string) error
}

type Deps struct {
	Firewall  *waf.Firewall
	Gateway   *gateway.Gateway
	Adapter   *httpx.Adapter
	Whitelist WhitelistStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Protected serves the routes behind the pipeline; nil means the echo handler.
	Protected http.Handler
}

type Server struct {
	cfg  config.ServerCfg
	deps Deps
	log  *slog.Logger
	now  func() time.Time
	srv  *http.Server
}

func NewServer(cfg config.ServerCfg, deps Deps) *Server {
	if deps.Adapter == nil {
		deps.Adapter = httpx.NewAdapter(identity.NewResolver(cfg.TrustForwarded), cfg.MaxBodyBytes)
	}
	if deps.Protected == nil {
		deps.Protected = http.HandlerFunc(echoHandler)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, log: log, now: time.Now}
	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       msOrZero(cfg.ReadTimeoutMs),
		WriteTimeout:      msOrZero(cfg.WriteTimeoutMs),
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.Use(s.requireAdminToken)
	admin.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/quota/{tenant}", s.quotaHandler).Methods(http.MethodGet)
	admin.HandleFunc("/whitelist", s.addWhitelistHandler).Methods(http.MethodPost)
	admin.HandleFunc("/whitelist/{ip}", s.removeWhitelistHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/keys", s.createKeyHandler).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{key}", s.revokeKeyHandler).Methods(http.MethodDelete)

	// everything else goes through the pipeline
	r.PathPrefix("/").Handler(s.pipeline(s.deps.Protected))
}

// pipeline runs the firewall first, then the gateway policy.
func (s *Server) pipeline(h http.Handler) http.Handler {
	if s.deps.Gateway != nil {
		h = s.deps.Gateway.Middleware(s.deps.Adapter)(h)
	}
	if s.deps.Firewall != nil {
		h = s.deps.Firewall.Middleware(s.deps.Adapter)(h)
	}
	return h
}

// Handler returns the full router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func msOrZero(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			got := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
				errResp(w, http.StatusUnauthorized, "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------- Handlers ----------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.deps.Firewall != nil {
		resp.WAF = s.deps.Firewall.Stats()
	}
	if s.deps.Gateway != nil {
		resp.Gateway = s.deps.Gateway.Stats(s.now())
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) quotaHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		errResp(w, http.StatusNotFound, "gateway disabled")
		return
	}
	tenant := mux.Vars(r)["tenant"]
	usage, ok := s.deps.Gateway.Quotas().Usage(tenant)
	if !ok {
		errResp(w, http.StatusNotFound, "no usage for tenant: "+tenant)
		return
	}
	plan, _ := s.deps.Gateway.Quotas().Lookup(usage.Plan)
	httpx.WriteJSON(w, http.StatusOK, QuotaResponse{TenantID: tenant, Usage: usage, Plan: plan})
}

func (s *Server) addWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	var req WhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !identity.ValidIP(req.IP) {
		errResp(w, http.StatusBadRequest, "invalid ip: "+req.IP)
		return
	}
	if s.deps.Whitelist != nil {
		if err := s.deps.Whitelist.AddWhitelistIP(r.Context(), req.IP); err != nil {
			s.log.Error("shared whitelist add failed", "ip", req.IP, "err", err)
			errResp(w, http.StatusBadGateway, "failed to update shared whitelist")
			return
		}
	}
	if s.deps.Firewall != nil {
		s.deps.Firewall.AddWhitelist(req.IP)
	}
	s.log.Info("whitelist entry added", "ip", req.IP)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"status": "success", "ip": req.IP})
}

func (s *Server) removeWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if !identity.ValidIP(ip) {
		errResp(w, http.StatusBadRequest, "invalid ip: "+ip)
		return
	}
	if s.deps.Whitelist != nil {
		if err := s.deps.Whitelist.RemoveWhitelistIP(r.Context(), ip); err != nil {
			s.log.Error("shared whitelist remove failed", "ip", ip, "err", err)
			errResp(w, http.StatusBadGateway, "failed to update shared whitelist")
			return
		}
	}
	if s.deps.Firewall != nil {
		s.deps.Firewall.RemoveWhitelist(ip)
	}
	s.log.Info("whitelist entry removed", "ip", ip)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "ip": ip})
}

func (s *Server) createKeyHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		errResp(w, http.StatusNotFound, "gateway disabled")
		return
	}
	var req KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for _, ip := range append(append([]string(nil), req.IPWhitelist...), req.IPBlacklist...) {
		if !identity.ValidIP(ip) {
			errResp(w, http.StatusBadRequest, "invalid ip: "+ip)
			return
		}
	}
	key, err := s.deps.Gateway.Keys().Register(req.TenantID, apikey.Options{
		Plan:        req.Plan,
		Scopes:      req.Scopes,
		IPWhitelist: req.IPWhitelist,
		IPBlacklist: req.IPBlacklist,
	})
	switch {
	case errors.Is(err, apikey.ErrEmptyTenant), errors.Is(err, apikey.ErrUnknownPlan):
		errResp(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		errResp(w, http.StatusInternalServerError, "failed to create key: "+err.Error())
		return
	}
	plan := req.Plan
	if plan == "" {
		plan = apikey.DefaultPlan
	}
	s.log.Info("api key issued", "tenant", req.TenantID, "plan", plan)
	httpx.WriteJSON(w, http.StatusCreated, KeyResponse{APIKey: key, TenantID: req.TenantID, Plan: plan})
}

func (s *Server) revokeKeyHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gateway == nil {
		errResp(w, http.StatusNotFound, "gateway disabled")
		return
	}
	key := mux.Vars(r)["key"]
	if !s.deps.Gateway.Keys().Revoke(key) {
		errResp(w, http.StatusNotFound, "key not found")
		return
	}
	s.log.Info("api key revoked", "key_prefix", keyPrefix(key))
	w.WriteHeader(http.StatusNoContent)
}

// echoHandler is the demo upstream: it returns what the pipeline saw.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	req, _ := httpx.FromContext(r.Context())
	resp := map[string]any{"method": r.Method, "path": r.URL.Path}
	if req != nil {
		resp["clientIp"] = req.ClientIP
		resp["queryParams"] = req.Query
		resp["body"] = req.Body
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func errResp(w http.ResponseWriter, status int, msg string) {
	httpx.WriteJSON(w, status, ErrorResponse{Error: msg})
}

// PlanChecker adapts a quota manager for apikey.WithPlanCheck.
func PlanChecker(m *quota.Manager) func(string) bool {
	return func(name string) bool {
		_, err := m.Lookup(name)
		return err == nil
	}
}
