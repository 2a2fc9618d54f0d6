package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskhub/internal/config"
	"github.com/basket/taskhub/internal/gateway"
)

func doLimited(t *testing.T, handler http.Handler, token string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitSlidingWindow(t *testing.T) {
	rejects := 0
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:     true,
		Window:      100 * time.Millisecond,
		MaxRequests: 3,
	}, func() { rejects++ })
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		if code := doLimited(t, handler, "agt_a"); code != http.StatusOK {
			t.Fatalf("request %d: code %d", i, code)
		}
	}
	if code := doLimited(t, handler, "agt_a"); code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request: code %d", code)
	}
	if rejects != 1 {
		t.Fatalf("reject hook fired %d times", rejects)
	}

	// A different token has its own budget.
	if code := doLimited(t, handler, "agt_b"); code != http.StatusOK {
		t.Fatalf("second token blocked: code %d", code)
	}

	// The window slides: old hits expire.
	time.Sleep(120 * time.Millisecond)
	if code := doLimited(t, handler, "agt_a"); code != http.StatusOK {
		t.Fatalf("request after window: code %d", code)
	}
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false}, nil)
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		if code := doLimited(t, handler, "agt_a"); code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}
