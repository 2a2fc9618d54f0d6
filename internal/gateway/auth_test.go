package gateway_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskhub/internal/gateway"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	store, err := persistence.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := registry.New(store.Credentials(), slog.New(slog.DiscardHandler))
	token, err := reg.IssueToken(context.Background(), "alpha", 1)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return reg, token
}

func TestAuthMiddleware(t *testing.T) {
	reg, token := newTestRegistry(t)
	am := gateway.NewAuthMiddleware(reg)

	var gotCaller string
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = gateway.CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		code   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"unknown token", "Bearer agt_bogus", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
		})
	}
	if gotCaller != "alpha" {
		t.Fatalf("caller = %q, want alpha", gotCaller)
	}
}
