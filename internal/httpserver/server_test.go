package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/policy"
	"github.com/keithlinneman/quotagate/internal/probe"
	"github.com/keithlinneman/quotagate/internal/scope"
	"github.com/keithlinneman/quotagate/internal/store"
)

type authFailSpy struct {
	mu    sync.Mutex
	calls []string
}

func (s *authFailSpy) RecordAuthFailure(_ context.Context, subjectID, ip string) {
	s.mu.Lock()
	s.calls = append(s.calls, subjectID+"@"+ip)
	s.mu.Unlock()
}

func (s *authFailSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testHandler(t *testing.T) (http.Handler, *authFailSpy) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := policy.NewRegistry()
	for _, p := range []policy.Policy{
		{Name: "login", MaxRequests: 3, Window: 900 * time.Second, Scope: policy.ScopeUser, Message: "Too many login attempts"},
		{Name: "api", MaxRequests: 5, Window: time.Hour, Scope: policy.ScopeIP, Message: "API request quota exceeded"},
		{Name: "webhook", MaxRequests: 2, Window: time.Minute, Scope: policy.ScopeEndpoint},
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.Name, err)
		}
	}

	res := scope.NewResolver(ctx, log.Nop(), policy.Bypass{})
	lim := limiter.New(store.NewMemory(ctx))
	eng := engine.New(ctx, reg, res, lim, log.Nop())

	spy := &authFailSpy{}
	h := NewHandler(&Options{
		Logger:   log.Nop(),
		Engine:   eng,
		Identify: DefaultIdentify,
		Authenticate: func(user, pass string) bool {
			return user == "alice" && pass == "correct horse"
		},
		AuthFailures: spy,
		UseRecoverMW: true,
		Health:       probe.Static(true, ""),
		Readiness:    probe.Static(true, ""),
	})
	return h, spy
}

func get(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postJSON(h http.Handler, path, ip, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = ip + ":1234"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIRoutesAreGated(t *testing.T) {
	h, _ := testHandler(t)

	rec := get(h, "/api/items", "203.0.113.5")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/items: %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Fatalf("X-RateLimit-Limit = %q, want 5", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("no X-Request-Id on response")
	}

	// route params share the pattern's quota accounting
	if rec := get(h, "/api/items/42", "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("GET /api/items/42: %d, want 200", rec.Code)
	}

	// burn the rest, then expect 429 with the policy message
	for i := 0; i < 3; i++ {
		get(h, "/api/items", "203.0.113.5")
	}
	rec = get(h, "/api/items", "203.0.113.5")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over quota: %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "API request quota exceeded") {
		t.Fatalf("429 body missing policy message: %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After")
	}

	// a different client IP still has quota
	if rec := get(h, "/api/items", "198.51.100.7"); rec.Code != http.StatusOK {
		t.Fatalf("other ip: %d, want 200", rec.Code)
	}
}

func TestLoginFailureFeedsDetector(t *testing.T) {
	h, spy := testHandler(t)

	rec := postJSON(h, "/login", "203.0.113.5", `{"username":"alice","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d, want 401", rec.Code)
	}
	if spy.count() != 1 {
		t.Fatalf("auth failure recorded %d times, want 1", spy.count())
	}

	rec = postJSON(h, "/login", "203.0.113.5", `{"username":"alice","password":"correct horse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("good password: %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if spy.count() != 1 {
		t.Fatal("successful login recorded as a failure")
	}
}

func TestLoginQuotaCountsFailuresAndSuccesses(t *testing.T) {
	h, _ := testHandler(t)

	// quota is 3; anonymous requests fall back to the client IP key
	for i := 0; i < 3; i++ {
		rec := postJSON(h, "/login", "203.0.113.5", `{"username":"alice","password":"wrong"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d, want 401", i+1, rec.Code)
		}
	}
	rec := postJSON(h, "/login", "203.0.113.5", `{"username":"alice","password":"correct horse"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth attempt: %d, want 429 even with valid credentials", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Too many login attempts") {
		t.Fatalf("429 body missing policy message: %s", rec.Body.String())
	}
}

func TestWebhookEndpointScopeIsShared(t *testing.T) {
	h, _ := testHandler(t)

	// ENDPOINT scope: quota pools across callers
	if rec := postJSON(h, "/webhook", "203.0.113.5", `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: %d, want 202", rec.Code)
	}
	if rec := postJSON(h, "/webhook", "198.51.100.7", `{}`); rec.Code != http.StatusAccepted {
		t.Fatalf("second delivery: %d, want 202", rec.Code)
	}
	if rec := postJSON(h, "/webhook", "192.0.2.9", `{}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third delivery: %d, want 429 (shared ceiling)", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := testHandler(t)

	if rec := get(h, "/-/healthy", "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("/-/healthy: %d, want 200", rec.Code)
	}
	if rec := get(h, "/-/ready", "203.0.113.5"); rec.Code != http.StatusOK {
		t.Fatalf("/-/ready: %d, want 200", rec.Code)
	}
}

func TestUnknownRouteIs404NotGated(t *testing.T) {
	h, _ := testHandler(t)
	if rec := get(h, "/nope", "203.0.113.5"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope: %d, want 404", rec.Code)
	}
}
