package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumohq/lumo/core/quota"
)

func TestHeaderAuthRequiresUser(t *testing.T) {
	p := &HeaderAuthProvider{}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	if _, err := p.AuthenticateHTTP(req); err == nil {
		t.Fatalf("expected error without identity headers")
	}

	req.Header.Set("X-User-Id", "u1")
	ctx, err := p.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.UserID != "u1" || ctx.Plan != quota.PlanFree {
		t.Fatalf("unexpected context: %+v", ctx)
	}
}

func TestHeaderAuthPlanHeader(t *testing.T) {
	p := &HeaderAuthProvider{}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-User-Plan", "PRO")

	ctx, err := p.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.Plan != quota.PlanPro {
		t.Fatalf("expected pro plan, got %s", ctx.Plan)
	}

	req.Header.Set("X-User-Plan", "enterprise")
	ctx, err = p.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.Plan != quota.PlanFree {
		t.Fatalf("unknown plans fall back to free, got %s", ctx.Plan)
	}
}

func TestHeaderAuthAPIKeys(t *testing.T) {
	t.Setenv("GATEWAY_API_KEYS", "key1, key2")
	p := NewHeaderAuthProviderFromEnv()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("X-User-Id", "u1")
	if _, err := p.AuthenticateHTTP(req); err == nil {
		t.Fatalf("expected error without api key")
	}

	req.Header.Set("X-API-Key", "wrong")
	if _, err := p.AuthenticateHTTP(req); err == nil {
		t.Fatalf("expected error with wrong api key")
	}

	req.Header.Set("X-API-Key", "key2")
	ctx, err := p.AuthenticateHTTP(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ctx.APIKey != "key2" {
		t.Fatalf("expected key to be recorded")
	}
}
