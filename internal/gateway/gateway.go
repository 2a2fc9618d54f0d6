// Package gateway is the hub's WebSocket and HTTP front door. The WebSocket
// side speaks the agent wire protocol: registration handshake, heartbeat,
// frame demultiplexing, and backlog redelivery on reconnect. The HTTP side
// (http.go) carries the REST API and the chat webhook.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/bus"
	hubotel "github.com/basket/taskhub/internal/otel"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/protocol"
	"github.com/basket/taskhub/internal/registry"
	"github.com/basket/taskhub/internal/taskstore"
)

const (
	// heartbeatInterval is how often the hub pings each connection.
	heartbeatInterval = 30 * time.Second
	// registerTimeout bounds how long a fresh socket may sit silent before
	// sending its register frame.
	registerTimeout = 30 * time.Second
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// ErrAgentOffline is returned by Dispatch when the target holds no live
// connection; the task stays in backlog.
var ErrAgentOffline = errors.New("agent offline")

// Config holds the WebSocket server's dependencies.
type Config struct {
	Registry *registry.Registry
	Tasks    *taskstore.Store
	Status   *agentstatus.Cache
	Bus      *bus.Bus
	Logger   *slog.Logger
	Provider *hubotel.Provider
	Metrics  *hubotel.Metrics

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// OnlineDebounce suppresses duplicate online notifications per agent
	// during flapping reconnects. Zero means 5 s.
	OnlineDebounce time.Duration
}

// Server is the WebSocket endpoint. Safe for concurrent use.
type Server struct {
	cfg Config

	notifyMu   sync.Mutex
	lastOnline map[string]time.Time

	hbCancel context.CancelFunc
	hbWG     sync.WaitGroup
}

// agentConn wraps one socket and serializes writes to it. It satisfies
// registry.Conn.
type agentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *agentConn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// Close starts the close handshake in the background. Eviction and token
// rotation must not wait for a dead peer to answer the close frame.
func (c *agentConn) Close(reason string) {
	go func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
	}()
}

// New creates the WebSocket server.
func New(cfg Config) *Server {
	if cfg.OnlineDebounce <= 0 {
		cfg.OnlineDebounce = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		lastOnline: make(map[string]time.Time),
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.serveConn(r.Context(), conn)
}

// serveConn drives one socket: registration handshake first, then the frame
// loop. Only a register frame is accepted before the handshake completes.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	logger := s.cfg.Logger

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	var raw json.RawMessage
	err := wsjson.Read(regCtx, conn, &raw)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "register required")
		return
	}

	frame, frameType, err := protocol.Decode(raw)
	if err != nil || frameType != protocol.TypeRegister {
		_ = conn.Close(websocket.StatusPolicyViolation, "register required")
		return
	}
	reg := frame.(*protocol.Register)

	ac := &agentConn{conn: conn}
	if !s.cfg.Registry.Validate(reg.AgentName, reg.Token) {
		logger.Warn("registration rejected", "agent", reg.AgentName)
		_ = ac.Send(ctx, protocol.RegisterAck{
			Type: protocol.TypeRegisterAck, Success: false, Error: "无效的 token",
		})
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid credentials")
		return
	}

	info := s.cfg.Registry.Register(reg.AgentName, ac)
	s.cfg.Metrics.ActiveAgents.Add(ctx, 1)
	logger.Info("agent registered", "agent", reg.AgentName)

	defer func() {
		removed := s.cfg.Registry.Unregister(reg.AgentName, ac)
		s.cfg.Metrics.ActiveAgents.Add(context.Background(), -1)
		logger.Info("agent disconnected", "agent", reg.AgentName)
		// Offline notification has no debounce: consumers want to know
		// immediately. In-flight running tasks stay running. A connection
		// replaced by a newer registration says nothing about presence,
		// so only the installed connection's teardown reports offline.
		if removed {
			s.cfg.Bus.Publish(bus.TopicAgentOffline, bus.AgentPresenceEvent{
				AgentName: reg.AgentName, OwnerID: info.OwnerID,
			})
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The ack must be the first hub frame, before any task delivery.
	if err := ac.Send(ctx, protocol.RegisterAck{
		Type: protocol.TypeRegisterAck, Success: true,
	}); err != nil {
		return
	}

	s.notifyOnline(reg.AgentName, info.OwnerID)
	s.flushBacklog(ctx, reg.AgentName, ac)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		s.cfg.Registry.Touch(reg.AgentName)
		s.handleFrame(ctx, reg.AgentName, ac, raw)
	}
}

// notifyOnline publishes the online event unless one fired within the
// debounce window for this name.
func (s *Server) notifyOnline(agentName string, ownerID int64) {
	s.notifyMu.Lock()
	last, ok := s.lastOnline[agentName]
	now := time.Now()
	if ok && now.Sub(last) < s.cfg.OnlineDebounce {
		s.notifyMu.Unlock()
		return
	}
	s.lastOnline[agentName] = now
	s.notifyMu.Unlock()

	s.cfg.Bus.Publish(bus.TopicAgentOnline, bus.AgentPresenceEvent{
		AgentName: agentName, OwnerID: ownerID,
	})
}

// flushBacklog walks the agent's backlog in insertion order. Terminal tasks
// are pruned, unapproved tasks stay queued, approved tasks are dispatched.
func (s *Server) flushBacklog(ctx context.Context, agentName string, ac *agentConn) {
	for _, task := range s.cfg.Tasks.PendingFor(agentName) {
		switch {
		case task.Status.Terminal():
			s.cfg.Tasks.RemovePending(ctx, agentName, task.TaskID)
		case task.Status != persistence.StatusApproved:
			// Await approval; the approval path dispatches later.
		default:
			if err := s.dispatchFrame(ctx, task, ac); err != nil {
				s.cfg.Logger.Error("backlog dispatch failed",
					"agent", agentName, "task_id", task.TaskID, "error", err)
				return // socket is likely dead; keep the rest queued
			}
		}
	}
}

// Dispatch sends an approved task to its target's live connection and moves
// it to running. ErrAgentOffline leaves it in backlog for the next reconnect.
func (s *Server) Dispatch(ctx context.Context, taskID string) error {
	task, ok := s.cfg.Tasks.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", taskstore.ErrUnknownTask, taskID)
	}
	if task.Status != persistence.StatusApproved {
		return fmt.Errorf("task %s not approved (status %s)", taskID, task.Status)
	}
	conn, online := s.cfg.Registry.ConnFor(task.To)
	if !online {
		return ErrAgentOffline
	}
	return s.dispatchFrame(ctx, task, conn)
}

func (s *Server) dispatchFrame(ctx context.Context, task *persistence.Task, conn registry.Conn) error {
	ctx, span := s.cfg.Provider.Tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		hubotel.AttrTaskID.String(task.TaskID),
		hubotel.AttrAgentName.String(task.To),
	)

	start := time.Now()
	frame := protocol.Task{
		Type:           protocol.TypeTask,
		TaskID:         task.TaskID,
		From:           task.From,
		Content:        task.Content,
		ChatID:         task.ChatID,
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID,
		ParentTaskID:   task.ParentTaskID,
	}
	if atts, ok := s.cfg.Tasks.Attachments().Get(task.TaskID); ok {
		for _, att := range atts {
			frame.Attachments = append(frame.Attachments, protocol.Attachment{
				Filename:   att.Filename,
				MimeType:   att.MimeType,
				DataBase64: base64.StdEncoding.EncodeToString(att.Data),
				Size:       len(att.Data),
			})
		}
	}

	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("send task %s: %w", task.TaskID, err)
	}

	// Frame is on the wire: drop backlog and attachments, enter running.
	s.cfg.Tasks.RemovePending(ctx, task.To, task.TaskID)
	s.cfg.Tasks.Attachments().Clear(task.TaskID)
	if _, err := s.cfg.Tasks.UpdateStatus(ctx, task.TaskID, persistence.StatusRunning, ""); err != nil {
		s.cfg.Logger.Error("transition to running failed", "task_id", task.TaskID, "error", err)
	}
	s.cfg.Status.TaskStarted(task.To, task.TaskID)
	s.cfg.Metrics.TasksDispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("agent", task.To)))
	s.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
	s.cfg.Logger.Info("task dispatched", "task_id", task.TaskID, "agent", task.To)
	return nil
}

// RequestCancel asks the owning agent to abort a running task, or marks the
// task cancelled directly when the agent is offline or the task has not
// started. Returns the delivered flag: true when a cancel_task frame went
// out and the terminal transition awaits the agent's ack.
func (s *Server) RequestCancel(ctx context.Context, taskID string) (bool, error) {
	task, ok := s.cfg.Tasks.Get(taskID)
	if !ok {
		return false, fmt.Errorf("%w: %s", taskstore.ErrUnknownTask, taskID)
	}
	if task.Status == persistence.StatusRunning {
		if conn, online := s.cfg.Registry.ConnFor(task.To); online {
			if err := conn.Send(ctx, protocol.CancelTask{
				Type: protocol.TypeCancelTask, TaskID: taskID,
			}); err == nil {
				return true, nil
			}
		}
	}
	updated, err := s.cfg.Tasks.UpdateStatus(ctx, taskID, persistence.StatusCancelled, "")
	if err != nil {
		return false, err
	}
	s.cfg.Bus.Publish(bus.TopicTaskCancelled, bus.TaskTerminalEvent{
		TaskID: updated.TaskID, AgentName: updated.To, Status: string(updated.Status),
	})
	return false, nil
}

// handleFrame demultiplexes one inbound frame. Malformed and unknown frames
// are dropped without a reply.
func (s *Server) handleFrame(ctx context.Context, agentName string, ac *agentConn, raw json.RawMessage) {
	frame, frameType, err := protocol.Decode(raw)
	if err != nil {
		s.cfg.Logger.Debug("dropped frame", "agent", agentName, "type", frameType, "error", err)
		return
	}
	s.cfg.Metrics.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", frameType)))

	switch f := frame.(type) {
	case *protocol.Pong:
		// Touch already happened in the read loop.
	case *protocol.TaskResult:
		s.handleResult(ctx, agentName, f)
	case *protocol.TaskCancelled:
		s.handleCancelled(ctx, agentName, f)
	case *protocol.TaskProgress:
		s.cfg.Bus.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{
			TaskID:    f.TaskID,
			AgentName: agentName,
			Status:    f.Status,
			Detail:    f.Detail,
			ElapsedMS: f.ElapsedMS,
		})
	case *protocol.StatusReport:
		idleSince := time.Time{}
		if f.IdleSince != "" {
			if t, err := time.Parse(time.RFC3339, f.IdleSince); err == nil {
				idleSince = t
			}
		}
		s.cfg.Status.Apply(agentName, f.RunningTasks, f.CurrentTaskID, idleSince)
	case *protocol.ListAgents:
		s.handleListAgents(ctx, ac, f)
	case *protocol.TaskStatusQuery:
		s.handleTaskStatus(ctx, ac, f)
	case *protocol.SendMessage:
		// Reserved for agent-to-agent relay.
		s.cfg.Logger.Debug("send_message ignored", "from", agentName, "target", f.TargetAgent)
	case *protocol.Register:
		// A second register on a live connection is a protocol error; drop.
		s.cfg.Logger.Warn("duplicate register dropped", "agent", agentName)
	}
}

func (s *Server) handleResult(ctx context.Context, agentName string, f *protocol.TaskResult) {
	// A result for an already-terminal task is a duplicate from
	// at-least-once delivery; drop it before touching counters.
	if task, ok := s.cfg.Tasks.Get(f.TaskID); ok && task.Status.Terminal() {
		return
	}

	status := persistence.StatusCompleted
	topic := bus.TopicTaskCompleted
	counter := s.cfg.Metrics.TasksCompleted
	if f.Status == protocol.ResultError {
		status = persistence.StatusFailed
		topic = bus.TopicTaskFailed
		counter = s.cfg.Metrics.TasksFailed
	}

	updated, err := s.cfg.Tasks.UpdateStatus(ctx, f.TaskID, status, f.Result)
	if err != nil {
		s.cfg.Logger.Warn("result dropped", "task_id", f.TaskID, "error", err)
		return
	}
	s.cfg.Status.TaskFinished(agentName)
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
	s.cfg.Bus.Publish(topic, bus.TaskTerminalEvent{
		TaskID:    updated.TaskID,
		AgentName: agentName,
		Status:    string(status),
		Result:    f.Result,
	})
}

func (s *Server) handleCancelled(ctx context.Context, agentName string, f *protocol.TaskCancelled) {
	if task, ok := s.cfg.Tasks.Get(f.TaskID); ok && task.Status.Terminal() {
		return
	}
	updated, err := s.cfg.Tasks.UpdateStatus(ctx, f.TaskID, persistence.StatusCancelled, "")
	if err != nil {
		s.cfg.Logger.Warn("cancel ack dropped", "task_id", f.TaskID, "error", err)
		return
	}
	s.cfg.Status.TaskFinished(agentName)
	s.cfg.Bus.Publish(bus.TopicTaskCancelled, bus.TaskTerminalEvent{
		TaskID:    updated.TaskID,
		AgentName: agentName,
		Status:    string(persistence.StatusCancelled),
	})
}

func (s *Server) handleListAgents(ctx context.Context, ac *agentConn, f *protocol.ListAgents) {
	online := s.cfg.Registry.ListOnline()
	agents := make([]protocol.AgentSummary, 0, len(online))
	for _, info := range online {
		status := "idle"
		if st, ok := s.cfg.Status.Get(info.Name); ok && st.RunningTasks > 0 {
			status = "busy"
		}
		agents = append(agents, protocol.AgentSummary{
			Name:        info.Name,
			Status:      status,
			ConnectedAt: info.ConnectedAt.Format(time.RFC3339),
			LastSeen:    info.LastSeen.Format(time.RFC3339),
			OwnerID:     info.OwnerID,
		})
	}
	resp := protocol.ListAgentsResponse{
		Type:      protocol.TypeListAgentsResponse,
		RequestID: f.RequestID,
		Agents:    agents,
	}
	if err := ac.Send(ctx, resp); err != nil {
		s.cfg.Logger.Debug("list_agents reply failed", "error", err)
	}
}

func (s *Server) handleTaskStatus(ctx context.Context, ac *agentConn, f *protocol.TaskStatusQuery) {
	taskJSON := json.RawMessage("null")
	if task, ok := s.cfg.Tasks.Get(f.TaskID); ok {
		if data, err := json.Marshal(task); err == nil {
			taskJSON = data
		}
	}
	resp := protocol.TaskStatusResponse{
		Type:      protocol.TypeTaskStatusResponse,
		RequestID: f.RequestID,
		Task:      taskJSON,
	}
	if err := ac.Send(ctx, resp); err != nil {
		s.cfg.Logger.Debug("task_status reply failed", "error", err)
	}
}

// StartHeartbeat launches the ping loop: every interval a ping goes to each
// live connection, and connections silent for two intervals are closed.
func (s *Server) StartHeartbeat(ctx context.Context) {
	ctx, s.hbCancel = context.WithCancel(ctx)
	s.hbWG.Add(1)
	go func() {
		defer s.hbWG.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.heartbeatTick(ctx)
			}
		}
	}()
}

// StopHeartbeat stops the ping loop.
func (s *Server) StopHeartbeat() {
	if s.hbCancel != nil {
		s.hbCancel()
	}
	s.hbWG.Wait()
}

func (s *Server) heartbeatTick(ctx context.Context) {
	cutoff := time.Now().Add(-2 * heartbeatInterval)
	for _, name := range s.cfg.Registry.Stale(cutoff) {
		if conn, ok := s.cfg.Registry.ConnFor(name); ok {
			s.cfg.Logger.Warn("closing dead connection", "agent", name)
			conn.Close("heartbeat timeout")
		}
	}
	for _, info := range s.cfg.Registry.ListOnline() {
		conn, ok := s.cfg.Registry.ConnFor(info.Name)
		if !ok {
			continue
		}
		if err := conn.Send(ctx, protocol.Ping{Type: protocol.TypePing}); err != nil {
			s.cfg.Logger.Debug("ping failed", "agent", info.Name, "error", err)
		}
	}
}

// Shutdown closes every live connection with a close frame and stops the
// heartbeat.
func (s *Server) Shutdown() {
	s.StopHeartbeat()
	s.cfg.Registry.CloseAll("hub shutting down")
}
