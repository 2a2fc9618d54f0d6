package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/bus"
	"github.com/basket/taskhub/internal/config"
	"github.com/basket/taskhub/internal/gateway"
	hubotel "github.com/basket/taskhub/internal/otel"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/registry"
	"github.com/basket/taskhub/internal/taskstore"
)

type testEnv struct {
	registry *registry.Registry
	tasks    *taskstore.Store
	status   *agentstatus.Cache
	bus      *bus.Bus
	ws       *gateway.Server
	api      *gateway.API
	token    string // credential for agent "alpha", owner 1
}

func newEnv(t *testing.T, onAPITask gateway.APITaskCallback) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	store, err := persistence.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider, err := hubotel.Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	metrics, err := hubotel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	env := &testEnv{
		registry: registry.New(store.Credentials(), logger),
		tasks:    taskstore.New(store.Tasks(), logger),
		status:   agentstatus.New(),
		bus:      bus.New(),
	}
	env.token, err = env.registry.IssueToken(context.Background(), "alpha", 1)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	env.ws = gateway.New(gateway.Config{
		Registry:       env.registry,
		Tasks:          env.tasks,
		Status:         env.status,
		Bus:            env.bus,
		Logger:         logger,
		Provider:       provider,
		Metrics:        metrics,
		OnlineDebounce: time.Millisecond,
	})

	env.api, err = gateway.NewAPI(gateway.APIConfig{
		Registry: env.registry,
		Tasks:    env.tasks,
		Status:   env.status,
		WS:       env.ws,
		Logger:   logger,
		Metrics:  metrics,
		RateLimit: config.RateLimitConfig{
			Enabled: true, Window: time.Minute, MaxRequests: 100,
		},
		OnAPITask: onAPITask,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	env := newEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCreateTask(t *testing.T) {
	notified := make(chan *persistence.Task, 1)
	env := newEnv(t, func(task *persistence.Task, ownerID int64) {
		if ownerID != 1 {
			t.Errorf("ownerID = %d", ownerID)
		}
		notified <- task
	})

	rec := env.do(t, http.MethodPost, "/api/tasks", `{"to":"alpha","content":"run tests"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "awaiting_approval" || resp["task_id"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	task, ok := env.tasks.Get(resp["task_id"])
	if !ok || task.Status != persistence.StatusAwaitingApproval {
		t.Fatalf("task state: %+v", task)
	}
	if task.ChatID != 0 {
		t.Fatalf("api task should start without a chat anchor, got %d", task.ChatID)
	}
	// Caller identity resolved from the bearer token.
	if task.From != "alpha" {
		t.Fatalf("from = %q", task.From)
	}

	select {
	case got := <-notified:
		if got.TaskID != resp["task_id"] {
			t.Fatalf("callback task %s", got.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("api-task callback never fired")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newEnv(t, nil)
	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing to", `{"content":"x"}`, http.StatusBadRequest},
		{"missing content", `{"to":"alpha"}`, http.StatusBadRequest},
		{"empty content", `{"to":"alpha","content":""}`, http.StatusBadRequest},
		{"bad agent name", `{"to":"no spaces","content":"x"}`, http.StatusBadRequest},
		{"extra field", `{"to":"alpha","content":"x","nope":1}`, http.StatusBadRequest},
		{"not json", `plainly not json`, http.StatusBadRequest},
		{"unknown target", `{"to":"ghost","content":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/tasks", tc.body)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tc.code, rec.Body.String())
			}
		})
	}
}

func TestGetTask(t *testing.T) {
	env := newEnv(t, nil)
	task := env.tasks.Create(context.Background(), taskstore.CreateParams{
		From: "tester", To: "alpha", Content: "work",
	})

	rec := env.do(t, http.MethodGet, "/api/tasks/"+task.TaskID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got persistence.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaskID != task.TaskID || got.Status != persistence.StatusPending {
		t.Fatalf("task = %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/tasks/7d444840-9dc0-11d1-b245-5ffdce74fad2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task code = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/tasks/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid code = %d", rec.Code)
	}
}

func TestBodyCap(t *testing.T) {
	env := newEnv(t, nil)
	huge := `{"to":"alpha","content":"` + strings.Repeat("x", 2<<20) + `"}`
	rec := env.do(t, http.MethodPost, "/api/tasks", huge)
	if rec.Code != http.StatusRequestEntityTooLarge && rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body code = %d", rec.Code)
	}
}

func TestListAgentsEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 0 {
		t.Fatalf("no agents connected, got %v", resp.Agents)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	env := newEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
}
