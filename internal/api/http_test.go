package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/apikey"
	"github.com/nanjiek/pixiu-gate/internal/config"
	"github.com/nanjiek/pixiu-gate/internal/gateway"
	"github.com/nanjiek/pixiu-gate/internal/metrics"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/waf"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	added, removed []string
	err            error
}

func (f *fakeStore) AddWhitelistIP(_ context.Context, ip string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, ip)
	return nil
}

func (f *fakeStore) RemoveWhitelistIP(_ context.Context, ip string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, ip)
	return nil
}

type fixture struct {
	srv     *Server
	handler http.Handler
	fw      *waf.Firewall
	gw      *gateway.Gateway
	store   *fakeStore
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	quotas := quota.NewManager(nil, quota.WithLogger(quiet))
	keys := apikey.NewRegistry(apikey.WithPlanCheck(PlanChecker(quotas)))
	fw := waf.New(waf.Options{Enabled: true, RatePerMinute: 100, Logger: quiet})
	t.Cleanup(fw.Stop)
	gw := gateway.New(keys, quotas, gateway.Options{EnforceQuota: true, SanitizeResponses: true, Logger: quiet})
	store := &fakeStore{}
	srv := NewServer(config.ServerCfg{AdminToken: token}, Deps{
		Firewall:  fw,
		Gateway:   gw,
		Whitelist: store,
		Metrics:   metrics.New(),
		Logger:    quiet,
	})
	return &fixture{srv: srv, handler: srv.Handler(), fw: fw, gw: gw, store: store}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	f.do(http.MethodGet, "/api/ping", "", nil)
	rec := f.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pixiu_waf_requests_total") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminTokenRequired(t *testing.T) {
	f := newFixture(t, "s3cret")
	if rec := f.do(http.MethodGet, "/v1/admin/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/admin/stats", "", map[string]string{"X-Admin-Token": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/admin/stats", "", map[string]string{"X-Admin-Token": "s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
}

func TestPipelineBlocksAndAllows(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/api/users?id=1%27%20OR%201=1--", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sqli status = %d", rec.Code)
	}
	var blocked map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &blocked)
	if blocked["code"] != "WAF_BLOCKED" || blocked["requestId"] == "" {
		t.Fatalf("blocked body = %v", blocked)
	}

	rec = f.do(http.MethodPost, "/api/users", `{"name":"alice"}`, map[string]string{"X-Tenant-Id": "acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("clean status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10000" {
		t.Fatalf("missing quota headers: %v", rec.Header())
	}
	var echo map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &echo)
	if body, _ := echo["body"].(map[string]any); body["name"] != "alice" {
		t.Fatalf("echo = %v", echo)
	}

	stats := f.do(http.MethodGet, "/v1/admin/stats", "", nil)
	var resp StatsResponse
	if err := json.Unmarshal(stats.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.WAF.TotalRequests != 2 || resp.WAF.BlockedRequests != 1 || resp.Gateway.TotalRequests != 1 {
		t.Fatalf("stats = %+v", resp)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(http.MethodGet, "/v1/admin/quota/anonymous", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant = %d", rec.Code)
	}
	f.do(http.MethodGet, "/api/items", "", nil)
	rec := f.do(http.MethodGet, "/v1/admin/quota/anonymous", "", nil)
	var resp QuotaResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Usage.DailyUsed != 1 || resp.Plan.DailyLimit != 10000 {
		t.Fatalf("quota = %d %+v", rec.Code, resp)
	}
}

func TestWhitelistEndpoints(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(http.MethodPost, "/v1/admin/whitelist", `{"ip":"nope"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid ip = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/admin/whitelist", `{"ip":"10.0.0.9"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("add = %d", rec.Code)
	}
	if !f.fw.Whitelisted("10.0.0.9") || len(f.store.added) != 1 {
		t.Fatalf("whitelist not applied: fw=%v store=%v", f.fw.Whitelisted("10.0.0.9"), f.store.added)
	}
	if rec := f.do(http.MethodDelete, "/v1/admin/whitelist/10.0.0.9", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("remove = %d", rec.Code)
	}
	if f.fw.Whitelisted("10.0.0.9") || len(f.store.removed) != 1 {
		t.Fatal("whitelist not removed")
	}

	f.store.err = errors.New("redis down")
	if rec := f.do(http.MethodPost, "/v1/admin/whitelist", `{"ip":"10.0.0.10"}`, nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("store failure = %d", rec.Code)
	}
	if f.fw.Whitelisted("10.0.0.10") {
		t.Fatal("local whitelist changed although the shared write failed")
	}
}

func TestKeyLifecycle(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "no tenant", body: `{"plan":"free"}`, want: http.StatusBadRequest},
		{name: "unknown plan", body: `{"tenantId":"acme","plan":"gold"}`, want: http.StatusBadRequest},
		{name: "bad ip", body: `{"tenantId":"acme","ipWhitelist":["x"]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(http.MethodPost, "/v1/admin/keys", tt.body, nil); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := f.do(http.MethodPost, "/v1/admin/keys", `{"tenantId":"acme","plan":"starter"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var created KeyResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if !strings.HasPrefix(created.APIKey, apikey.Prefix) || created.Plan != "starter" {
		t.Fatalf("created = %+v", created)
	}

	rec = f.do(http.MethodGet, "/api/me", "", map[string]string{"X-API-Key": created.APIKey})
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Limit") != "1000" {
		t.Fatalf("keyed request = %d %v", rec.Code, rec.Header())
	}

	if rec := f.do(http.MethodDelete, "/v1/admin/keys/"+created.APIKey, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/v1/admin/keys/"+created.APIKey, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second revoke = %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/me", "", map[string]string{"X-API-Key": created.APIKey})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key = %d", rec.Code)
	}
}

func TestCustomProtectedHandlerIsSanitized(t *testing.T) {
	quotas := quota.NewManager(nil, quota.WithLogger(quiet))
	gw := gateway.New(apikey.NewRegistry(), quotas, gateway.Options{SanitizeResponses: true, Logger: quiet})
	srv := NewServer(config.ServerCfg{}, Deps{
		Gateway: gw,
		Logger:  quiet,
		Protected: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user":"bob","token":"k","_internal":1}`))
		}),
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/profile", bytes.NewReader(nil)))
	if got := strings.TrimSpace(rec.Body.String()); got != `{"user":"bob"}` {
		t.Fatalf("body = %s", got)
	}
}

func TestExemptPrefixesReachPipeline(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodGet, "/public/docs", "", map[string]string{"X-Tenant-Id": "acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("exempt path should not carry quota headers")
	}
	if _, ok := f.gw.Quotas().Usage(gateway.AnonymousTenant); ok {
		t.Fatal("exempt path charged")
	}
	if rec := f.do(http.MethodGet, "/public/x?f=../../etc/passwd", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("firewall must still run on exempt paths, got %d", rec.Code)
	}
}
