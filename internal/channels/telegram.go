package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/bus"
	hubotel "github.com/basket/taskhub/internal/otel"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/protocol"
	"github.com/basket/taskhub/internal/registry"
	"github.com/basket/taskhub/internal/taskstore"
)

// mentionPattern matches "@agent task text". (?s) lets the task body span
// multiple lines.
var mentionPattern = regexp.MustCompile(`(?s)^@(\w+)\s+(.+)$`)

// pageCacheSize bounds how many result page sets are kept for the prev/next
// buttons. Old entries falling out just disable paging on stale messages.
const pageCacheSize = 128

// promptPreview caps how much task content the approval prompt quotes.
const promptPreview = 500

// Config wires the Telegram adapter to the rest of the hub.
type Config struct {
	Bot        BotAPI
	BotName    string // bot handle without the leading @
	Registry   *registry.Registry
	Tasks      *taskstore.Store
	Status     *agentstatus.Cache
	Dispatcher Dispatcher
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *hubotel.Metrics

	PublicURL     string
	DefaultChatID int64

	ProgressDebounce time.Duration
	PanelDebounce    time.Duration

	// HTTPClient downloads attachment files; nil means http.DefaultClient.
	HTTPClient *http.Client
}

// progressSlot tracks the editable progress message for one running task.
type progressSlot struct {
	chatID    int64
	replyTo   int
	messageID int
	lastEdit  time.Time
}

// Telegram is the chat adapter: it turns inbound updates into tasks, drives
// the approval flow, and renders progress and results back into the chat.
type Telegram struct {
	cfg    Config
	bot    BotAPI
	logger *slog.Logger
	panel  *PanelManager
	http   *http.Client

	mu       sync.Mutex
	slots    map[string]*progressSlot
	groups   []int64 // active group chats in first-seen order
	groupSet map[int64]struct{}
	subs     []*bus.Subscription

	pages *lru.Cache[string, []Page]
}

func New(cfg Config, panelRepo persistence.PanelRepo) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProgressDebounce <= 0 {
		cfg.ProgressDebounce = 3 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	pages, _ := lru.New[string, []Page](pageCacheSize)
	return &Telegram{
		cfg:      cfg,
		bot:      cfg.Bot,
		logger:   cfg.Logger,
		panel:    NewPanelManager(cfg.Bot, panelRepo, cfg.Registry, cfg.Status, cfg.Logger, cfg.PanelDebounce),
		http:     client,
		slots:    make(map[string]*progressSlot),
		groupSet: make(map[int64]struct{}),
		pages:    pages,
	}
}

// Panel exposes the status-panel manager so startup can reload pointers.
func (t *Telegram) Panel() *PanelManager { return t.panel }

// WebhookHandler decodes platform updates posted to /webhook. The update is
// processed off the request goroutine so the platform gets its 200 quickly.
func (t *Telegram) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		go t.HandleUpdate(context.Background(), &update)
		w.WriteHeader(http.StatusOK)
	})
}

// HandleUpdate routes one inbound update.
func (t *Telegram) HandleUpdate(ctx context.Context, update *tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	}
}

// Run starts the bus consumers that render progress, results, and presence
// changes into the chat.
func (t *Telegram) Run(ctx context.Context) {
	taskSub := t.cfg.Bus.Subscribe("task.")
	agentSub := t.cfg.Bus.Subscribe("agent.")
	t.mu.Lock()
	t.subs = []*bus.Subscription{taskSub, agentSub}
	t.mu.Unlock()
	go t.consume(ctx, taskSub)
	go t.consume(ctx, agentSub)
}

// Close detaches the bus subscriptions.
func (t *Telegram) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, sub := range subs {
		t.cfg.Bus.Unsubscribe(sub)
	}
}

func (t *Telegram) consume(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			t.handleEvent(ctx, &ev)
		}
	}
}

func (t *Telegram) handleEvent(ctx context.Context, ev *bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskProgress:
		if p, ok := ev.Payload.(bus.TaskProgressEvent); ok {
			t.onProgress(&p)
		}
	case bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskCancelled:
		if p, ok := ev.Payload.(bus.TaskTerminalEvent); ok {
			t.onTerminal(ctx, &p)
		}
	case bus.TopicAgentOnline:
		if p, ok := ev.Payload.(bus.AgentPresenceEvent); ok {
			t.onPresence(&p, true)
		}
	case bus.TopicAgentOffline:
		if p, ok := ev.Payload.(bus.AgentPresenceEvent); ok {
			t.onPresence(&p, false)
		}
	}
}

// ---- inbound messages ----

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		t.trackGroup(msg.Chat.ID)
	}

	if msg.IsCommand() {
		t.handleCommand(ctx, msg)
		return
	}

	// A reply to one of our result messages continues that conversation.
	if msg.ReplyToMessage != nil {
		if parent, ok := t.cfg.Tasks.FindByResultMessage(msg.ReplyToMessage.MessageID); ok {
			t.handleContinuation(ctx, msg, parent)
			return
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	agent, content, ok := t.parseMention(text)
	if !ok {
		return
	}

	atts := t.collectAttachments(msg)
	t.dispatchMention(ctx, msg, agent, content, atts)
}

// parseMention extracts the target agent and task body. If the first mention
// is the bot's own handle it is skipped and the rest re-parsed.
func (t *Telegram) parseMention(text string) (agent, content string, ok bool) {
	m := mentionPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	if strings.EqualFold(m[1], t.cfg.BotName) {
		m = mentionPattern.FindStringSubmatch(strings.TrimSpace(m[2]))
		if m == nil {
			return "", "", false
		}
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// dispatchMention runs the approval flow for a fresh mention-task.
func (t *Telegram) dispatchMention(ctx context.Context, msg *tgbotapi.Message, agent, content string, atts []taskstore.Attachment) {
	ownerID, known := t.cfg.Registry.OwnerOf(agent)
	if !known {
		t.replyTo(msg.Chat.ID, msg.MessageID, fmt.Sprintf("未知的 agent: %s", agent))
		return
	}

	task := t.cfg.Tasks.Create(ctx, taskstore.CreateParams{
		From:        requesterLabel(msg.From),
		To:          agent,
		Content:     content,
		ChatID:      msg.Chat.ID,
		MessageID:   msg.MessageID,
		Attachments: atts,
	})
	t.countCreated(ctx)

	if msg.From.ID == ownerID {
		t.autoApprove(ctx, task)
		return
	}

	if _, err := t.cfg.Tasks.UpdateStatus(ctx, task.TaskID, persistence.StatusAwaitingApproval, ""); err != nil {
		t.logger.Error("approval transition failed", "task_id", task.TaskID, "error", err)
		return
	}
	t.sendApprovalPrompt(task, ownerID, msg.Chat.ID)
}

// autoApprove skips the approval step when the requester owns the agent.
func (t *Telegram) autoApprove(ctx context.Context, task *persistence.Task) {
	if _, err := t.cfg.Tasks.UpdateStatus(ctx, task.TaskID, persistence.StatusApproved, ""); err != nil {
		t.logger.Error("auto-approve transition failed", "task_id", task.TaskID, "error", err)
		return
	}
	t.dispatchIfOnline(ctx, task)
}

// dispatchIfOnline hands an approved task to the gateway when the target is
// connected; otherwise it stays in backlog for redelivery.
func (t *Telegram) dispatchIfOnline(ctx context.Context, task *persistence.Task) {
	if !t.cfg.Registry.IsOnline(task.To) {
		t.replyTo(task.ChatID, task.MessageID, fmt.Sprintf("任务已入队，%s 上线后自动下发", task.To))
		return
	}
	if err := t.cfg.Dispatcher.Dispatch(ctx, task.TaskID); err != nil {
		t.logger.Warn("dispatch failed, task stays queued", "task_id", task.TaskID, "error", err)
		return
	}
	t.allocSlot(task)
}

// allocSlot reserves the progress-message slot; the message itself is
// created on the first progress event.
func (t *Telegram) allocSlot(task *persistence.Task) {
	if task.ChatID == 0 {
		return
	}
	t.mu.Lock()
	if _, ok := t.slots[task.TaskID]; !ok {
		t.slots[task.TaskID] = &progressSlot{
			chatID:  task.ChatID,
			replyTo: task.MessageID,
		}
	}
	t.mu.Unlock()
}

func (t *Telegram) sendApprovalPrompt(task *persistence.Task, ownerID, originChat int64) {
	text := fmt.Sprintf("📨 新任务请求\n来自: %s\n目标: %s\n\n%s",
		task.From, task.To, truncate(task.Content, promptPreview))
	keyboard := approvalKeyboard(task.TaskID)

	// Private delivery first; owners may not be in the originating group.
	msg := tgbotapi.NewMessage(ownerID, text)
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err == nil {
		return
	}
	if originChat == 0 {
		return
	}
	fallback := tgbotapi.NewMessage(originChat, text)
	fallback.ReplyMarkup = keyboard
	if _, err := t.bot.Send(fallback); err != nil {
		t.logger.Error("approval prompt undeliverable", "task_id", task.TaskID, "error", err)
	}
}

func approvalKeyboard(taskID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ 批准", "appr:"+taskID+":approve"),
			tgbotapi.NewInlineKeyboardButtonData("❌ 拒绝", "appr:"+taskID+":reject"),
		),
	)
}

// handleContinuation creates a follow-up turn in an existing conversation.
// Continuations inherit the parent's approval.
func (t *Telegram) handleContinuation(ctx context.Context, msg *tgbotapi.Message, parent *persistence.Task) {
	if t.cfg.Tasks.IsClosed(parent.ConversationID) {
		t.replyTo(msg.Chat.ID, msg.MessageID, "该对话已结束，请重新 @agent 发起新任务")
		return
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	task := t.cfg.Tasks.Create(ctx, taskstore.CreateParams{
		From:           requesterLabel(msg.From),
		To:             parent.To,
		Content:        content,
		ChatID:         msg.Chat.ID,
		MessageID:      msg.MessageID,
		ConversationID: parent.ConversationID,
		ParentTaskID:   parent.TaskID,
		Attachments:    t.collectAttachments(msg),
	})
	t.countCreated(ctx)
	if _, err := t.cfg.Tasks.UpdateStatus(ctx, task.TaskID, persistence.StatusApproved, ""); err != nil {
		t.logger.Error("continuation transition failed", "task_id", task.TaskID, "error", err)
		return
	}

	turn := t.cfg.Tasks.TurnCount(parent.ConversationID)
	t.replyTo(msg.Chat.ID, msg.MessageID, fmt.Sprintf("💬 对话 #%d → %s", turn, parent.To))
	t.dispatchIfOnline(ctx, task)
}

// collectAttachments downloads photo/document payloads attached to the
// message. Oversized or failed downloads are dropped with a log line.
func (t *Telegram) collectAttachments(msg *tgbotapi.Message) []taskstore.Attachment {
	var atts []taskstore.Attachment

	if n := len(msg.Photo); n > 0 {
		// Telegram sends multiple resolutions; the last is the largest.
		photo := msg.Photo[n-1]
		if att, ok := t.download(photo.FileID, "photo.jpg", "image/jpeg"); ok {
			atts = append(atts, att)
		}
	}
	if doc := msg.Document; doc != nil {
		name := doc.FileName
		if name == "" {
			name = "document"
		}
		mime := doc.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		if att, ok := t.download(doc.FileID, name, mime); ok {
			atts = append(atts, att)
		}
	}
	return atts
}

func (t *Telegram) download(fileID, filename, mimeType string) (taskstore.Attachment, bool) {
	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		t.logger.Warn("attachment url lookup failed", "file_id", fileID, "error", err)
		return taskstore.Attachment{}, false
	}
	resp, err := t.http.Get(url)
	if err != nil {
		t.logger.Warn("attachment download failed", "file_id", fileID, "error", err)
		return taskstore.Attachment{}, false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, taskstore.MaxAttachmentSize+1))
	if err != nil {
		t.logger.Warn("attachment read failed", "file_id", fileID, "error", err)
		return taskstore.Attachment{}, false
	}
	if len(data) > taskstore.MaxAttachmentSize {
		t.logger.Warn("attachment exceeds size ceiling", "file_id", fileID, "filename", filename)
		return taskstore.Attachment{}, false
	}
	return taskstore.Attachment{Filename: filename, MimeType: mimeType, Data: data}, true
}

// ---- commands ----

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "register":
		t.cmdRegister(ctx, msg, args)
	case "token":
		t.cmdToken(ctx, msg, args)
	case "cancel":
		t.cmdCancel(ctx, msg, args)
	case "agents":
		t.cmdAgents(msg)
	case "recent":
		t.cmdRecent(ctx, msg, args)
	case "start", "help":
		t.reply(msg.Chat.ID, helpText)
	}
}

const helpText = `用法:
@agent 任务内容 — 下发任务
回复结果消息 — 继续对话
/register <name> — 注册 agent (私聊)
/token refresh — 轮换 token (私聊)
/token revoke — 撤销凭据 (私聊)
/cancel <agent> — 取消当前任务
/agents — 在线 agent
/recent [agent] — 最近任务`

func (t *Telegram) cmdRegister(ctx context.Context, msg *tgbotapi.Message, name string) {
	if !msg.Chat.IsPrivate() {
		t.reply(msg.Chat.ID, "请私聊我使用 /register，token 不应出现在群里")
		return
	}
	if !protocol.ValidAgentName(name) {
		t.reply(msg.Chat.ID, "用法: /register <name>，名字只能包含字母数字和下划线")
		return
	}
	if ownerID, known := t.cfg.Registry.OwnerOf(name); known && ownerID != msg.From.ID {
		t.reply(msg.Chat.ID, fmt.Sprintf("名字 %s 已被注册", name))
		return
	}

	token, err := t.cfg.Registry.IssueToken(ctx, name, msg.From.ID)
	if err != nil {
		t.logger.Error("issue token failed", "agent", name, "error", err)
		t.reply(msg.Chat.ID, "注册失败，请稍后重试")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf(
		"✅ %s 注册成功\n\ntoken: %s\n接入地址: %s\n\n请妥善保存 token，泄露后可用 /token refresh 轮换",
		name, token, t.wsEndpoint()))
}

func (t *Telegram) cmdToken(ctx context.Context, msg *tgbotapi.Message, args string) {
	if args != "refresh" && args != "revoke" {
		t.reply(msg.Chat.ID, "用法: /token refresh | /token revoke")
		return
	}
	if !msg.Chat.IsPrivate() {
		t.reply(msg.Chat.ID, "请私聊我使用 /token "+args)
		return
	}
	cred, ok := t.cfg.Registry.FindCredentialByOwner(msg.From.ID)
	if !ok {
		t.reply(msg.Chat.ID, "你还没有注册过 agent，先用 /register <name>")
		return
	}

	if args == "revoke" {
		if err := t.cfg.Registry.Revoke(ctx, cred.AgentName); err != nil {
			t.logger.Error("token revoke failed", "agent", cred.AgentName, "error", err)
			t.reply(msg.Chat.ID, "撤销失败，请稍后重试")
			return
		}
		t.cfg.Status.Forget(cred.AgentName)
		t.panel.Refresh()
		t.reply(msg.Chat.ID, fmt.Sprintf(
			"🗑 %s 的凭据已撤销，连接已断开。重新接入请先 /register", cred.AgentName))
		return
	}

	token, err := t.cfg.Registry.RefreshToken(ctx, cred.AgentName, msg.From.ID)
	if err != nil || token == "" {
		t.logger.Warn("token refresh denied", "agent", cred.AgentName, "error", err)
		t.reply(msg.Chat.ID, "token 轮换失败")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf(
		"🔄 %s 的 token 已轮换\n\n新 token: %s\n旧连接已断开，请用新 token 重连", cred.AgentName, token))
}

func (t *Telegram) cmdCancel(ctx context.Context, msg *tgbotapi.Message, agent string) {
	if agent == "" {
		t.reply(msg.Chat.ID, "用法: /cancel <agent>")
		return
	}
	ownerID, known := t.cfg.Registry.OwnerOf(agent)
	if !known {
		t.reply(msg.Chat.ID, fmt.Sprintf("未知的 agent: %s", agent))
		return
	}
	if msg.From.ID != ownerID {
		t.reply(msg.Chat.ID, "只有 Agent 主人可以取消任务")
		return
	}
	task, ok := t.cfg.Tasks.LatestActiveFor(agent)
	if !ok {
		// The latest task may have just finished; repeating its terminal
		// status beats a generic "nothing running".
		if last, found := t.cfg.Tasks.LatestFor(agent); found && last.Status.Terminal() {
			t.reply(msg.Chat.ID, fmt.Sprintf("任务状态为 %s，无法取消", last.Status))
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("%s 没有进行中的任务", agent))
		return
	}

	delivered, err := t.cfg.Dispatcher.RequestCancel(ctx, task.TaskID)
	if err != nil {
		var te *taskstore.TransitionError
		if errors.As(err, &te) {
			t.reply(msg.Chat.ID, fmt.Sprintf("任务状态为 %s，无法取消", te.From))
			return
		}
		t.logger.Error("cancel request failed", "task_id", task.TaskID, "error", err)
		t.reply(msg.Chat.ID, "取消失败，请稍后重试")
		return
	}
	if delivered {
		// The terminal notice arrives with the agent's task_cancelled ack.
		t.reply(msg.Chat.ID, fmt.Sprintf("已向 %s 发送取消请求", agent))
	}
}

func (t *Telegram) cmdAgents(msg *tgbotapi.Message) {
	online := t.cfg.Registry.ListOnline()
	if len(online) == 0 {
		t.reply(msg.Chat.ID, "当前没有在线的 agent")
		return
	}
	var b strings.Builder
	b.WriteString("在线 agent:\n")
	for _, info := range online {
		line := "🟢 " + info.Name
		if st, ok := t.cfg.Status.Get(info.Name); ok && st.RunningTasks > 0 {
			line += fmt.Sprintf(" (%d 运行中)", st.RunningTasks)
		}
		b.WriteString(line + "\n")
	}
	t.reply(msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func (t *Telegram) cmdRecent(ctx context.Context, msg *tgbotapi.Message, agent string) {
	tasks := t.cfg.Tasks.FindRecent(ctx, agent, 10)
	if len(tasks) == 0 {
		t.reply(msg.Chat.ID, "没有任务记录")
		return
	}
	var b strings.Builder
	b.WriteString("最近任务:\n")
	for _, task := range tasks {
		b.WriteString(fmt.Sprintf("%s %s → %s: %s\n",
			statusIcon(task.Status), task.CreatedAt.Format("01-02 15:04"),
			task.To, truncate(strings.ReplaceAll(task.Content, "\n", " "), 40)))
	}
	t.reply(msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func statusIcon(status persistence.Status) string {
	switch status {
	case persistence.StatusCompleted:
		return "✅"
	case persistence.StatusFailed:
		return "❌"
	case persistence.StatusRunning:
		return "▶️"
	case persistence.StatusCancelled, persistence.StatusRejected:
		return "🚫"
	default:
		return "⏳"
	}
}

// ---- callbacks ----

func (t *Telegram) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	parts := strings.SplitN(q.Data, ":", 3)
	switch parts[0] {
	case "appr":
		if len(parts) == 3 {
			t.onApprovalCallback(ctx, q, parts[1], parts[2])
			return
		}
	case "page":
		if len(parts) == 3 {
			if n, err := strconv.Atoi(parts[2]); err == nil {
				t.onPageCallback(q, parts[1], n)
				return
			}
		}
	case "endc":
		if len(parts) >= 2 {
			t.onEndConversation(q, parts[1])
			return
		}
	}
	t.answerCallback(q.ID, "")
}

func (t *Telegram) onApprovalCallback(ctx context.Context, q *tgbotapi.CallbackQuery, taskID, action string) {
	task, ok := t.cfg.Tasks.Get(taskID)
	if !ok || task.Status != persistence.StatusAwaitingApproval {
		t.answerCallback(q.ID, "任务已处理")
		return
	}
	if ownerID, known := t.cfg.Registry.OwnerOf(task.To); known && q.From.ID != ownerID {
		t.answerCallback(q.ID, "只有 Agent 主人可以审批")
		return
	}

	switch action {
	case "approve":
		if _, err := t.cfg.Tasks.UpdateStatus(ctx, taskID, persistence.StatusApproved, ""); err != nil {
			t.answerCallback(q.ID, "任务已处理")
			return
		}
		t.answerCallback(q.ID, "已批准")
		t.markPrompt(q, "✅ 已批准")
		t.dispatchIfOnline(ctx, task)
	case "reject":
		if _, err := t.cfg.Tasks.UpdateStatus(ctx, taskID, persistence.StatusRejected, ""); err != nil {
			t.answerCallback(q.ID, "任务已处理")
			return
		}
		t.answerCallback(q.ID, "已拒绝")
		t.markPrompt(q, "❌ 已拒绝")
		t.replyTo(task.ChatID, task.MessageID, fmt.Sprintf("任务被拒绝: %s", task.To))
	default:
		t.answerCallback(q.ID, "")
	}
}

// markPrompt rewrites the approval prompt so the buttons disappear.
func (t *Telegram) markPrompt(q *tgbotapi.CallbackQuery, verdict string) {
	if q.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(q.Message.Chat.ID, q.Message.MessageID,
		q.Message.Text+"\n\n"+verdict)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Debug("prompt edit failed", "error", err)
	}
}

func (t *Telegram) onPageCallback(q *tgbotapi.CallbackQuery, taskID string, page int) {
	pages, ok := t.pages.Get(taskID)
	if !ok || q.Message == nil {
		t.answerCallback(q.ID, "页面已过期")
		return
	}
	if page < 0 || page >= len(pages) {
		t.answerCallback(q.ID, "")
		return
	}

	keyboard := t.pageKeyboard(taskID, page, len(pages))
	edit := tgbotapi.NewEditMessageText(q.Message.Chat.ID, q.Message.MessageID, pages[page].Text)
	edit.Entities = toMessageEntities(pages[page].Text, pages[page].Entities)
	edit.ReplyMarkup = &keyboard
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("page edit failed", "task_id", taskID, "error", err)
	}
	t.answerCallback(q.ID, "")
}

func (t *Telegram) onEndConversation(q *tgbotapi.CallbackQuery, taskID string) {
	task, ok := t.cfg.Tasks.Get(taskID)
	if !ok {
		t.answerCallback(q.ID, "任务已处理")
		return
	}
	t.cfg.Tasks.CloseConversation(task.ConversationID)
	t.answerCallback(q.ID, "对话已结束")
	if q.Message != nil {
		t.replyTo(q.Message.Chat.ID, 0, fmt.Sprintf("对话已结束 (%s)", task.To))
	}
}

func (t *Telegram) answerCallback(id, text string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		t.logger.Debug("callback answer failed", "error", err)
	}
}

// ---- outbound rendering ----

func (t *Telegram) onProgress(ev *bus.TaskProgressEvent) {
	slot := t.slotFor(ev.TaskID)
	if slot == nil {
		return
	}

	t.mu.Lock()
	if slot.messageID != 0 && time.Since(slot.lastEdit) < t.cfg.ProgressDebounce {
		t.mu.Unlock()
		return
	}
	slot.lastEdit = time.Now()
	messageID := slot.messageID
	t.mu.Unlock()

	text := fmt.Sprintf("%s · %s", progressLabel(ev.Status, ev.Detail), formatElapsed(ev.ElapsedMS))
	if messageID == 0 {
		msg := tgbotapi.NewMessage(slot.chatID, text)
		if slot.replyTo != 0 {
			msg.ReplyToMessageID = slot.replyTo
		}
		sent, err := t.bot.Send(msg)
		if err != nil {
			t.logger.Warn("progress send failed", "task_id", ev.TaskID, "error", err)
			return
		}
		t.mu.Lock()
		slot.messageID = sent.MessageID
		t.mu.Unlock()
		return
	}
	edit := tgbotapi.NewEditMessageText(slot.chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Debug("progress edit failed", "task_id", ev.TaskID, "error", err)
	}
}

// slotFor returns the progress slot for taskID, creating one from the task's
// chat anchor when the dispatch happened elsewhere (backlog flush).
func (t *Telegram) slotFor(taskID string) *progressSlot {
	t.mu.Lock()
	if slot, ok := t.slots[taskID]; ok {
		t.mu.Unlock()
		return slot
	}
	t.mu.Unlock()

	task, ok := t.cfg.Tasks.Get(taskID)
	if !ok || task.ChatID == 0 {
		return nil
	}
	slot := &progressSlot{chatID: task.ChatID, replyTo: task.MessageID}
	t.mu.Lock()
	if existing, ok := t.slots[taskID]; ok {
		slot = existing
	} else {
		t.slots[taskID] = slot
	}
	t.mu.Unlock()
	return slot
}

func progressLabel(status, detail string) string {
	switch status {
	case "thinking":
		return "🤔 thinking"
	case "tool_use":
		if detail != "" {
			return "🔧 tool_use: " + detail
		}
		return "🔧 tool_use"
	case "responding":
		return "💬 responding"
	default:
		return "⏳ " + status
	}
}

func formatElapsed(ms int64) string {
	sec := ms / 1000
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	return fmt.Sprintf("%dm%ds", sec/60, sec%60)
}

func (t *Telegram) onTerminal(ctx context.Context, ev *bus.TaskTerminalEvent) {
	t.dropProgress(ev.TaskID)

	task, ok := t.cfg.Tasks.Get(ev.TaskID)
	if !ok {
		return
	}
	chatID := t.resolveChat(task)
	if chatID == 0 {
		t.logger.Warn("no destination chat for result", "task_id", ev.TaskID)
		return
	}

	switch ev.Status {
	case string(persistence.StatusCompleted):
		t.sendResult(ctx, task, chatID, ev.Result)
	case string(persistence.StatusFailed):
		body := ev.Result
		if body == "" {
			body = "(无详情)"
		}
		t.replyTo(chatID, anchorFor(task, chatID), fmt.Sprintf("❌ 任务失败\n%s", truncate(body, PageLimit-10)))
	case string(persistence.StatusCancelled):
		t.replyTo(chatID, anchorFor(task, chatID), fmt.Sprintf("任务已取消: %s", task.To))
	}
	t.panel.Refresh()
}

// dropProgress deletes the progress message for a finished task.
func (t *Telegram) dropProgress(taskID string) {
	t.mu.Lock()
	slot, ok := t.slots[taskID]
	delete(t.slots, taskID)
	t.mu.Unlock()
	if !ok || slot.messageID == 0 {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(slot.chatID, slot.messageID)); err != nil {
		t.logger.Debug("progress delete failed", "task_id", taskID, "error", err)
	}
}

// sendResult renders, paginates, and posts a completed task's result. The
// first page's message id becomes the anchor for reply continuations.
func (t *Telegram) sendResult(ctx context.Context, task *persistence.Task, chatID int64, result string) {
	if strings.TrimSpace(result) == "" {
		result = "✅ 完成"
	}

	rendered, entities := RenderMarkdown(result)
	pages := Paginate(rendered, entities, PageLimit)
	if len(pages) == 0 {
		return
	}
	t.pages.Add(task.TaskID, pages)

	keyboard := t.pageKeyboard(task.TaskID, 0, len(pages))
	sent, err := t.sendPage(chatID, anchorFor(task, chatID), pages[0], &keyboard)
	if err != nil {
		// Rich send failed; retry the raw text with the same pagination.
		pages = Paginate(result, nil, PageLimit)
		if len(pages) == 0 {
			return
		}
		t.pages.Add(task.TaskID, pages)
		keyboard = t.pageKeyboard(task.TaskID, 0, len(pages))
		sent, err = t.sendPage(chatID, anchorFor(task, chatID), pages[0], &keyboard)
		if err != nil {
			t.logger.Error("result send failed", "task_id", task.TaskID, "error", err)
			return
		}
	}
	t.cfg.Tasks.SetResultMessage(ctx, task.TaskID, sent.MessageID)
}

func (t *Telegram) sendPage(chatID int64, replyTo int, page Page, keyboard *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, page.Text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	msg.Entities = toMessageEntities(page.Text, page.Entities)
	if keyboard != nil {
		msg.ReplyMarkup = *keyboard
	}
	return t.bot.Send(msg)
}

// pageKeyboard builds prev/next navigation plus the end-conversation button.
func (t *Telegram) pageKeyboard(taskID string, page, total int) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if total > 1 {
		var nav []tgbotapi.InlineKeyboardButton
		if page > 0 {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("◀️", fmt.Sprintf("page:%s:%d", taskID, page-1)))
		}
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d/%d", page+1, total), "noop"))
		if page < total-1 {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("▶️", fmt.Sprintf("page:%s:%d", taskID, page+1)))
		}
		rows = append(rows, nav)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔚 结束对话", "endc:"+taskID),
	))
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (t *Telegram) onPresence(ev *bus.AgentPresenceEvent, online bool) {
	notice := fmt.Sprintf("🔴 %s 下线", ev.AgentName)
	if online {
		notice = fmt.Sprintf("🟢 %s 上线", ev.AgentName)
	}
	for _, chatID := range t.knownGroups() {
		t.reply(chatID, notice)
	}
	t.panel.Refresh()
}

// ---- API-created tasks ----

// OnAPITask posts the approval prompt for a task submitted over HTTP: into
// the first active group (back-filling the task's chat anchor) and privately
// to the owner.
func (t *Telegram) OnAPITask(task *persistence.Task, ownerID int64) {
	text := fmt.Sprintf("📨 新任务请求 (API)\n来自: %s\n目标: %s\n\n%s",
		task.From, task.To, truncate(task.Content, promptPreview))
	keyboard := approvalKeyboard(task.TaskID)

	if groupID := t.firstGroup(); groupID != 0 {
		msg := tgbotapi.NewMessage(groupID, text)
		msg.ReplyMarkup = keyboard
		if sent, err := t.bot.Send(msg); err == nil {
			t.cfg.Tasks.UpdateChatInfo(context.Background(), task.TaskID, groupID, sent.MessageID)
		} else {
			t.logger.Warn("api-task group prompt failed", "task_id", task.TaskID, "error", err)
		}
	}

	dm := tgbotapi.NewMessage(ownerID, text)
	dm.ReplyMarkup = keyboard
	if _, err := t.bot.Send(dm); err != nil {
		t.logger.Warn("api-task owner prompt failed", "task_id", task.TaskID, "error", err)
	}
}

// ConversationExpired announces that an idle conversation was closed,
// anchored to the conversation's last task.
func (t *Telegram) ConversationExpired(last *persistence.Task) {
	if last == nil {
		return
	}
	t.replyTo(t.resolveChat(last), last.ResultMessageID,
		"该对话因长时间无活动已自动结束，请重新 @agent 发起新任务")
}

// resolveChat picks the destination for a task's result: its chat anchor,
// else the owner's private chat, else the first active group, else the
// configured default.
func (t *Telegram) resolveChat(task *persistence.Task) int64 {
	if task.ChatID != 0 {
		return task.ChatID
	}
	if ownerID, known := t.cfg.Registry.OwnerOf(task.To); known {
		return ownerID
	}
	if groupID := t.firstGroup(); groupID != 0 {
		return groupID
	}
	return t.cfg.DefaultChatID
}

// anchorFor returns the reply-to anchor when sending into the task's origin
// chat, and 0 when the destination was picked by fallback.
func anchorFor(task *persistence.Task, chatID int64) int {
	if chatID == task.ChatID {
		return task.MessageID
	}
	return 0
}

func (t *Telegram) trackGroup(chatID int64) {
	t.mu.Lock()
	if _, ok := t.groupSet[chatID]; !ok {
		t.groupSet[chatID] = struct{}{}
		t.groups = append(t.groups, chatID)
	}
	t.mu.Unlock()
	t.panel.Track(chatID)
}

func (t *Telegram) firstGroup() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.groups) == 0 {
		return 0
	}
	return t.groups[0]
}

func (t *Telegram) knownGroups() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, len(t.groups))
	copy(out, t.groups)
	return out
}

// ---- small helpers ----

// countCreated bumps the created-tasks counter. Metrics are optional in
// tests.
func (t *Telegram) countCreated(ctx context.Context) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.TasksCreated.Add(ctx, 1)
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) replyTo(chatID int64, replyTo int, text string) {
	if chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) wsEndpoint() string {
	base := t.cfg.PublicURL
	if base == "" {
		return "/ws"
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func requesterLabel(from *tgbotapi.User) string {
	if from.UserName != "" {
		return from.UserName
	}
	return strings.TrimSpace(from.FirstName + " " + from.LastName)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
