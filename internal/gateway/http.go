package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/config"
	hubotel "github.com/basket/taskhub/internal/otel"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/registry"
	"github.com/basket/taskhub/internal/taskstore"
)

// createTaskSchema validates POST /api/tasks bodies before any state is
// touched.
const createTaskSchema = `{
	"type": "object",
	"required": ["to", "content"],
	"properties": {
		"to": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^\\w+$"},
		"content": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// APITaskCallback notifies the chat adapter that a task was created over
// HTTP so it can post the approval prompt. Passed at construction; there is
// no process-wide registration point.
type APITaskCallback func(task *persistence.Task, ownerID int64)

// APIConfig holds the REST surface's dependencies.
type APIConfig struct {
	Registry  *registry.Registry
	Tasks     *taskstore.Store
	Status    *agentstatus.Cache
	WS        *Server
	Logger    *slog.Logger
	Metrics   *hubotel.Metrics
	RateLimit config.RateLimitConfig

	// AllowOrigins feeds the CORS middleware.
	AllowOrigins []string

	// Webhook receives chat-platform updates posted to /webhook.
	Webhook http.Handler

	// OnAPITask fires after a task is created via POST /api/tasks.
	OnAPITask APITaskCallback
}

// API is the bearer-authenticated REST surface plus the unauthenticated
// health and webhook routes.
type API struct {
	cfg        APIConfig
	taskSchema *jsonschema.Schema
}

// NewAPI compiles the request schema and assembles the API.
func NewAPI(cfg APIConfig) (*API, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createTaskSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tasks.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("tasks.json")
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{cfg: cfg, taskSchema: schema}, nil
}

// Handler builds the route table. /health and /webhook skip auth; /ws runs
// its own in-protocol handshake; everything under /api goes through CORS,
// body cap, bearer auth, and (for task submission) the rate limiter.
func (a *API) Handler() http.Handler {
	auth := NewAuthMiddleware(a.cfg.Registry)
	limiter := NewRateLimitMiddleware(a.cfg.RateLimit, func() {
		a.cfg.Metrics.RateLimitRejects.Add(context.Background(), 1)
	})
	cors := NewCORSMiddleware(a.cfg.AllowOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	if a.cfg.Webhook != nil {
		mux.Handle("POST /webhook", BodyLimitMiddleware(a.cfg.Webhook))
	}
	if a.cfg.WS != nil {
		mux.HandleFunc("/ws", a.cfg.WS.HandleWS)
	}

	mux.Handle("POST /api/tasks",
		cors(BodyLimitMiddleware(limiter.Wrap(auth.Wrap(http.HandlerFunc(a.handleCreateTask))))))
	mux.Handle("GET /api/tasks/{id}",
		cors(auth.Wrap(http.HandlerFunc(a.handleGetTask))))
	mux.Handle("GET /api/agents",
		cors(auth.Wrap(http.HandlerFunc(a.handleListAgents))))
	mux.Handle("OPTIONS /api/", cors(http.NotFoundHandler()))

	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())

	body, err := jsonschema.UnmarshalJSON(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := a.taskSchema.Validate(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	obj := body.(map[string]any)
	req := createTaskRequest{
		To:      obj["to"].(string),
		Content: obj["content"].(string),
	}

	ownerID, known := a.cfg.Registry.OwnerOf(req.To)
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("unknown agent %q", req.To),
		})
		return
	}

	// chat_id stays 0 until the adapter posts the approval bubble and
	// back-fills the anchor.
	task := a.cfg.Tasks.Create(r.Context(), taskstore.CreateParams{
		From:    caller,
		To:      req.To,
		Content: req.Content,
	})
	if _, err := a.cfg.Tasks.UpdateStatus(r.Context(), task.TaskID,
		persistence.StatusAwaitingApproval, ""); err != nil {
		a.cfg.Logger.Error("api task transition failed", "task_id", task.TaskID, "error", err)
	}
	a.cfg.Metrics.TasksCreated.Add(r.Context(), 1)
	a.cfg.Logger.Info("api task created", "task_id", task.TaskID, "from", caller, "to", req.To)

	if a.cfg.OnAPITask != nil {
		go a.cfg.OnAPITask(task, ownerID)
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id": task.TaskID,
		"status":  string(persistence.StatusAwaitingApproval),
		"message": "task created, awaiting approval",
	})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, ok := a.cfg.Tasks.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	online := a.cfg.Registry.ListOnline()
	agents := make([]map[string]any, 0, len(online))
	for _, info := range online {
		entry := map[string]any{
			"name":         info.Name,
			"connected_at": info.ConnectedAt.Format(time.RFC3339),
			"last_seen":    info.LastSeen.Format(time.RFC3339),
		}
		if st, ok := a.cfg.Status.Get(info.Name); ok {
			entry["running_tasks"] = st.RunningTasks
			entry["completed_count"] = st.CompletedCount
		}
		agents = append(agents, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
