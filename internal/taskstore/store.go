// Package taskstore owns task records, status transitions, the conversation
// index, and the per-agent backlog. In-memory state is authoritative;
// persistence writes follow each mutation and failures there are logged and
// swallowed. Startup reloads non-terminal tasks and backlog order from the
// repository.
package taskstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskhub/internal/audit"
	"github.com/basket/taskhub/internal/persistence"
)

// allowedTransitions is the task lifecycle graph: only listed edges are
// legal. Terminal states have no outgoing edges and absorb repeats.
var allowedTransitions = map[persistence.Status]map[persistence.Status]struct{}{
	persistence.StatusPending: {
		persistence.StatusAwaitingApproval: {},
		persistence.StatusApproved:         {}, // auto-approval skips the prompt
	},
	persistence.StatusAwaitingApproval: {
		persistence.StatusApproved: {},
		persistence.StatusRejected: {},
	},
	persistence.StatusApproved: {
		persistence.StatusRunning:   {},
		persistence.StatusCancelled: {}, // cancel before dispatch
	},
	persistence.StatusRunning: {
		persistence.StatusCompleted: {},
		persistence.StatusFailed:    {},
		persistence.StatusCancelled: {},
	},
}

// ErrUnknownTask is returned for operations on a task id the store has
// never seen.
var ErrUnknownTask = fmt.Errorf("unknown task")

// TransitionError reports an illegal status edge. In-memory state is
// unchanged when it is returned.
type TransitionError struct {
	TaskID string
	From   persistence.Status
	To     persistence.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

type conversation struct {
	taskIDs      []string
	lastActiveAt time.Time
	closed       bool
}

// CreateParams carries the caller-supplied fields for a new task.
type CreateParams struct {
	From           string
	To             string
	Content        string
	ChatID         int64
	MessageID      int
	ConversationID string // empty means start a fresh conversation
	ParentTaskID   string
	Attachments    []Attachment
}

// Store is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]*persistence.Task
	backlog       map[string][]string // agent -> task ids, insertion order
	conversations map[string]*conversation
	byResultMsg   map[int]string // result_message_id -> task_id

	attachments *AttachmentCache
	repo        persistence.TaskRepo
	logger      *slog.Logger
}

// New creates a Store persisting through repo.
func New(repo persistence.TaskRepo, logger *slog.Logger) *Store {
	return &Store{
		tasks:         make(map[string]*persistence.Task),
		backlog:       make(map[string][]string),
		conversations: make(map[string]*conversation),
		byResultMsg:   make(map[int]string),
		attachments:   NewAttachmentCache(),
		repo:          repo,
		logger:        logger,
	}
}

// Load seeds the store from the repository: all non-terminal tasks plus the
// backlog in persisted order. Called once at startup; failure is fatal to
// the caller.
func (s *Store) Load(ctx context.Context) error {
	active, err := s.repo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	backlog, err := s.repo.LoadBacklog(ctx)
	if err != nil {
		return fmt.Errorf("load backlog: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range active {
		task := active[i]
		s.tasks[task.TaskID] = &task
		s.indexLocked(&task)
	}
	for agent, ids := range backlog {
		for _, id := range ids {
			if _, ok := s.tasks[id]; !ok {
				// Backlog row for a task that went terminal; drop it.
				s.removeBacklogAsync(agent, id)
				continue
			}
			s.backlog[agent] = append(s.backlog[agent], id)
		}
	}
	return nil
}

// indexLocked adds task to the conversation and result-message indexes.
func (s *Store) indexLocked(task *persistence.Task) {
	conv := s.conversations[task.ConversationID]
	if conv == nil {
		conv = &conversation{}
		s.conversations[task.ConversationID] = conv
	}
	conv.taskIDs = append(conv.taskIDs, task.TaskID)
	if task.CreatedAt.After(conv.lastActiveAt) {
		conv.lastActiveAt = task.CreatedAt
	}
	if task.ResultMessageID != 0 {
		s.byResultMsg[task.ResultMessageID] = task.TaskID
	}
}

// Create assigns ids, stores the task as pending, and queues it in the
// target's backlog. Task and backlog rows are persisted in that order so the
// backlog's foreign key always resolves.
func (s *Store) Create(ctx context.Context, params CreateParams) *persistence.Task {
	task := &persistence.Task{
		TaskID:         uuid.NewString(),
		From:           params.From,
		To:             params.To,
		Content:        params.Content,
		Status:         persistence.StatusPending,
		CreatedAt:      time.Now().UTC(),
		ChatID:         params.ChatID,
		MessageID:      params.MessageID,
		ConversationID: params.ConversationID,
		ParentTaskID:   params.ParentTaskID,
	}
	if task.ConversationID == "" {
		task.ConversationID = uuid.NewString()
	}

	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.indexLocked(task)
	if task.To != "" {
		s.backlog[task.To] = append(s.backlog[task.To], task.TaskID)
	}
	snapshot := *task
	s.mu.Unlock()

	if len(params.Attachments) > 0 {
		s.attachments.Put(task.TaskID, params.Attachments)
	}

	if err := s.repo.UpsertTask(ctx, &snapshot); err != nil {
		s.logger.Error("persist task failed", "task_id", task.TaskID, "error", err)
	} else if task.To != "" {
		if err := s.repo.SaveBacklog(ctx, task.To, task.TaskID); err != nil {
			s.logger.Error("persist backlog failed", "task_id", task.TaskID, "error", err)
		}
	}
	return &snapshot
}

// UpdateStatus applies a validated transition. A terminal-to-same-or-other
// terminal request is an idempotent no-op returning the unchanged task. On
// entering a terminal state the attachment entry is cleared, completed_at is
// stamped (except for rejected), the backlog entry is dropped, and the
// conversation's activity timestamp advances.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status persistence.Status, result string) (*persistence.Task, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status.Terminal() {
		snapshot := *task
		s.mu.Unlock()
		if status.Terminal() {
			return &snapshot, nil // at-least-once delivery absorbs repeats
		}
		return nil, &TransitionError{TaskID: taskID, From: snapshot.Status, To: status}
	}
	if _, ok := allowedTransitions[task.Status][status]; !ok {
		from := task.Status
		s.mu.Unlock()
		return nil, &TransitionError{TaskID: taskID, From: from, To: status}
	}

	from := task.Status
	task.Status = status
	if result != "" {
		task.Result = result
	}
	if status.Terminal() {
		if status != persistence.StatusRejected {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
		s.removeBacklogLocked(task.To, taskID)
		if conv := s.conversations[task.ConversationID]; conv != nil {
			conv.lastActiveAt = time.Now().UTC()
		}
	}
	snapshot := *task
	s.mu.Unlock()

	audit.Transition(taskID, snapshot.To, string(from), string(status))

	if status.Terminal() {
		s.attachments.Clear(taskID)
		if err := s.repo.RemoveBacklog(ctx, snapshot.To, taskID); err != nil {
			s.logger.Error("remove backlog failed", "task_id", taskID, "error", err)
		}
	}
	if err := s.repo.UpdateTask(ctx, &snapshot); err != nil {
		s.logger.Error("persist status failed", "task_id", taskID, "status", status, "error", err)
	}
	return &snapshot, nil
}

// Get returns a copy of the task.
func (s *Store) Get(taskID string) (*persistence.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	snapshot := *task
	return &snapshot, true
}

// PendingFor snapshots the backlog for agentName in insertion order.
func (s *Store) PendingFor(agentName string) []*persistence.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.backlog[agentName]
	out := make([]*persistence.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok {
			snapshot := *task
			out = append(out, &snapshot)
		}
	}
	return out
}

// RemovePending drops taskID from agentName's backlog. Idempotent.
func (s *Store) RemovePending(ctx context.Context, agentName, taskID string) {
	s.mu.Lock()
	s.removeBacklogLocked(agentName, taskID)
	s.mu.Unlock()
	if err := s.repo.RemoveBacklog(ctx, agentName, taskID); err != nil {
		s.logger.Error("remove backlog failed", "task_id", taskID, "error", err)
	}
}

func (s *Store) removeBacklogLocked(agentName, taskID string) {
	ids := s.backlog[agentName]
	for i, id := range ids {
		if id == taskID {
			s.backlog[agentName] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (s *Store) removeBacklogAsync(agentName, taskID string) {
	go func() {
		if err := s.repo.RemoveBacklog(context.Background(), agentName, taskID); err != nil {
			s.logger.Error("prune stale backlog failed", "task_id", taskID, "error", err)
		}
	}()
}

// ByConversation returns the conversation's tasks sorted by created_at then
// task_id, stable across persistence round-trips.
func (s *Store) ByConversation(conversationID string) []*persistence.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		return nil
	}
	out := make([]*persistence.Task, 0, len(conv.taskIDs))
	for _, id := range conv.taskIDs {
		if task, ok := s.tasks[id]; ok {
			snapshot := *task
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// TurnCount reports how many tasks the conversation holds.
func (s *Store) TurnCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		return 0
	}
	return len(conv.taskIDs)
}

// FindByResultMessage resolves a chat message id to the task whose result it
// carried. Enables reply-based continuation.
func (s *Store) FindByResultMessage(messageID int) (*persistence.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byResultMsg[messageID]
	if !ok {
		return nil, false
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	snapshot := *task
	return &snapshot, true
}

// SetResultMessage indexes messageID as the result anchor for taskID.
func (s *Store) SetResultMessage(ctx context.Context, taskID string, messageID int) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.ResultMessageID = messageID
	s.byResultMsg[messageID] = taskID
	snapshot := *task
	s.mu.Unlock()

	if err := s.repo.UpdateTask(ctx, &snapshot); err != nil {
		s.logger.Error("persist result message failed", "task_id", taskID, "error", err)
	}
}

// UpdateChatInfo back-fills the origin chat anchor for API-created tasks.
// Once an anchor is set it is never overwritten.
func (s *Store) UpdateChatInfo(ctx context.Context, taskID string, chatID int64, messageID int) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.ChatID != 0 {
		s.mu.Unlock()
		return
	}
	task.ChatID = chatID
	task.MessageID = messageID
	snapshot := *task
	s.mu.Unlock()

	if err := s.repo.UpdateTask(ctx, &snapshot); err != nil {
		s.logger.Error("persist chat info failed", "task_id", taskID, "error", err)
	}
}

// FindRecent returns up to limit recent tasks for agentName (all agents when
// empty), newest first. Prefers the repository; falls back to the in-memory
// set when the repository has nothing (file fallback mode).
func (s *Store) FindRecent(ctx context.Context, agentName string, limit int) []*persistence.Task {
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	rows, err := s.repo.FindRecent(ctx, agentName, limit)
	if err != nil {
		s.logger.Error("find recent failed", "error", err)
	}
	if len(rows) > 0 {
		out := make([]*persistence.Task, len(rows))
		for i := range rows {
			task := rows[i]
			out[i] = &task
		}
		return out
	}

	s.mu.RLock()
	var all []*persistence.Task
	for _, task := range s.tasks {
		if agentName != "" && task.To != agentName {
			continue
		}
		snapshot := *task
		all = append(all, &snapshot)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].TaskID > all[j].TaskID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// LatestActiveFor returns the most recent non-terminal task targeting
// agentName. Used by the chat cancel command.
func (s *Store) LatestActiveFor(agentName string) (*persistence.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *persistence.Task
	for _, task := range s.tasks {
		if task.To != agentName || task.Status.Terminal() {
			continue
		}
		if best == nil || task.CreatedAt.After(best.CreatedAt) {
			best = task
		}
	}
	if best == nil {
		return nil, false
	}
	snapshot := *best
	return &snapshot, true
}

// LatestFor returns the most recent task targeting agentName regardless of
// status. The cancel command uses this to report the terminal status of a
// task that already finished.
func (s *Store) LatestFor(agentName string) (*persistence.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *persistence.Task
	for _, task := range s.tasks {
		if task.To != agentName {
			continue
		}
		if best == nil || task.CreatedAt.After(best.CreatedAt) {
			best = task
		}
	}
	if best == nil {
		return nil, false
	}
	snapshot := *best
	return &snapshot, true
}

// CloseConversation marks the conversation closed. Sticky.
func (s *Store) CloseConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[conversationID]
	if conv == nil {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	conv.closed = true
}

// IsClosed reports whether the conversation refuses new turns.
func (s *Store) IsClosed(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.conversations[conversationID]
	return conv != nil && conv.closed
}

// TouchConversation stamps activity, deferring the idle sweep.
func (s *Store) TouchConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.conversations[conversationID]; conv != nil {
		conv.lastActiveAt = time.Now().UTC()
	}
}

// SweepIdle closes conversations idle longer than threshold and invokes
// notify with each one's last task. Returns how many were closed.
func (s *Store) SweepIdle(threshold time.Duration, notify func(last *persistence.Task)) int {
	cutoff := time.Now().UTC().Add(-threshold)

	s.mu.Lock()
	closed := 0
	var lastTasks []*persistence.Task
	for _, conv := range s.conversations {
		if conv.closed || len(conv.taskIDs) == 0 || conv.lastActiveAt.After(cutoff) {
			continue
		}
		conv.closed = true
		closed++
		if task, ok := s.tasks[conv.taskIDs[len(conv.taskIDs)-1]]; ok {
			snapshot := *task
			lastTasks = append(lastTasks, &snapshot)
		}
	}
	s.mu.Unlock()

	if notify != nil {
		for _, task := range lastTasks {
			notify(task)
		}
	}
	return closed
}

// Attachments exposes the in-memory attachment cache.
func (s *Store) Attachments() *AttachmentCache {
	return s.attachments
}
