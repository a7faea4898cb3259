package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/wardbridge/internal/app"
	"github.com/dhawalhost/wardbridge/internal/config"
	"github.com/dhawalhost/wardbridge/pkg/middleware"
)

func newTestRouter(t *testing.T) (http.Handler, *config.Config) {
	t.Helper()
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(remoteSrv.Close)

	cfg := &config.Config{
		Remote:        config.RemoteConfig{HostURI: remoteSrv.URL, EndpointPath: "/moodlesso", APIVersion: 1},
		Database:      config.DatabaseConfig{Driver: "memory"},
		Server:        config.ServerConfig{RateLimit: 100, Burst: 100, CORSOrigins: []string{"https://app.example.com"}},
		Admin:         config.AdminConfig{JWTSecret: "test-secret", Issuer: "wardbridge"},
		Observability: config.ObservabilityConfig{ServiceName: "wardbridge"},
	}
	bridge, err := app.New(context.Background(), cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	limiter := middleware.NewIPRateLimiter(100, 100)
	return router(context.Background(), cfg, bridge, limiter, zap.NewNop()), cfg
}

func TestRouterHealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", w.Code)
	}
}

func TestRouterAdminRequiresToken(t *testing.T) {
	h, cfg := newTestRouter(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/sync/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, err := middleware.IssueAdminToken(middleware.AdminConfig{
		Secret: []byte(cfg.Admin.JWTSecret), Issuer: cfg.Admin.Issuer,
	}, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/sync/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store on admin responses, got %q", w.Header().Get("Cache-Control"))
	}
}

func TestRouterSSOCookie(t *testing.T) {
	h, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sso/cookie", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /sso/cookie, got %d", w.Code)
	}
}
