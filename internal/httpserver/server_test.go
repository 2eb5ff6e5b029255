package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgeforge/cdn-orchestrator/internal/config"
	"github.com/edgeforge/cdn-orchestrator/internal/service"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

func newTestServer(cfg config.Config) *httptest.Server {
	st := store.NewMemoryStore()
	svc := service.New(st, nil, nil, nil, nil, nil, nil, "")
	s := New(cfg, svc, st)
	return httptest.NewServer(s.Router())
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	ts := newTestServer(config.Config{JWTSecret: "secret"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	ts := newTestServer(config.Config{JWTSecret: "secret"})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/distributions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDebugTokenBypass(t *testing.T) {
	ts := newTestServer(config.Config{AllowDebugToken: true, DebugToken: "letmein"})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/origins", nil)
	req.Header.Set("X-Debug-Token", "letmein")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Fatalf("debug token rejected")
	}
}

func TestBearerTokenActorClaim(t *testing.T) {
	secret := "secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "ops@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	s := &Server{cfg: config.Config{JWTSecret: secret}}
	actor, err := s.parseToken(signed)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor != "ops@example.com" {
		t.Fatalf("actor = %q", actor)
	}
}
