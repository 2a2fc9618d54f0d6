package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/registry"
)

// PanelManager maintains one pinned status message per group chat and keeps
// it edited in place. Message pointers are persisted so a restart edits the
// same message instead of orphaning it.
type PanelManager struct {
	bot      BotAPI
	repo     persistence.PanelRepo
	registry *registry.Registry
	status   *agentstatus.Cache
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	panels   map[int64]int // chat id -> panel message id, 0 until first send
	lastEdit time.Time
	timer    *time.Timer
}

func NewPanelManager(bot BotAPI, repo persistence.PanelRepo, reg *registry.Registry, status *agentstatus.Cache, logger *slog.Logger, debounce time.Duration) *PanelManager {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &PanelManager{
		bot:      bot,
		repo:     repo,
		registry: reg,
		status:   status,
		logger:   logger,
		debounce: debounce,
		panels:   make(map[int64]int),
	}
}

// Load restores persisted panel pointers. Called once at startup.
func (p *PanelManager) Load(ctx context.Context) error {
	panels, err := p.repo.LoadPanels(ctx)
	if err != nil {
		return fmt.Errorf("load panels: %w", err)
	}
	p.mu.Lock()
	for chatID, messageID := range panels {
		p.panels[chatID] = messageID
	}
	p.mu.Unlock()
	return nil
}

// Track registers a group chat for panel upkeep. The panel message itself is
// created on the next refresh.
func (p *PanelManager) Track(chatID int64) {
	p.mu.Lock()
	_, known := p.panels[chatID]
	if !known {
		p.panels[chatID] = 0
	}
	p.mu.Unlock()
	if !known {
		p.Refresh()
	}
}

// Chats returns the tracked chat ids, oldest pointer first is not guaranteed.
func (p *PanelManager) Chats() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.panels))
	for chatID := range p.panels {
		out = append(out, chatID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Refresh schedules a panel edit, collapsing bursts into at most one edit
// per debounce window with a trailing update.
func (p *PanelManager) Refresh() {
	p.mu.Lock()
	elapsed := time.Since(p.lastEdit)
	if elapsed >= p.debounce {
		p.lastEdit = time.Now()
		p.mu.Unlock()
		p.refreshNow()
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce-elapsed, func() {
			p.mu.Lock()
			p.timer = nil
			p.lastEdit = time.Now()
			p.mu.Unlock()
			p.refreshNow()
		})
	}
	p.mu.Unlock()
}

func (p *PanelManager) refreshNow() {
	text := p.render()

	p.mu.Lock()
	targets := make(map[int64]int, len(p.panels))
	for chatID, messageID := range p.panels {
		targets[chatID] = messageID
	}
	p.mu.Unlock()

	for chatID, messageID := range targets {
		p.apply(chatID, messageID, text)
	}
}

// apply edits the panel in chatID, or sends (and pins) a fresh one when none
// exists or the edit fails because the message was deleted.
func (p *PanelManager) apply(chatID int64, messageID int, text string) {
	if messageID != 0 {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
		_, err := p.bot.Send(edit)
		if err == nil {
			return
		}
		p.logger.Warn("panel edit failed, resending", "chat_id", chatID, "error", err)
	}

	sent, err := p.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		p.logger.Warn("panel send failed", "chat_id", chatID, "error", err)
		return
	}
	// Pinning needs admin rights the bot may not have.
	pin := tgbotapi.PinChatMessageConfig{
		ChatID:              chatID,
		MessageID:           sent.MessageID,
		DisableNotification: true,
	}
	if _, err := p.bot.Request(pin); err != nil {
		p.logger.Debug("panel pin failed", "chat_id", chatID, "error", err)
	}

	p.mu.Lock()
	p.panels[chatID] = sent.MessageID
	p.mu.Unlock()
	if err := p.repo.SavePanel(context.Background(), chatID, sent.MessageID); err != nil {
		p.logger.Warn("panel pointer persist failed", "chat_id", chatID, "error", err)
	}
}

func (p *PanelManager) render() string {
	online := p.registry.ListOnline()
	sort.Slice(online, func(i, j int) bool { return online[i].Name < online[j].Name })

	var b strings.Builder
	b.WriteString("📊 Agent 状态\n")
	if len(online) == 0 {
		b.WriteString("(当前没有在线的 agent)\n")
	}
	for _, info := range online {
		line := fmt.Sprintf("🟢 %s", info.Name)
		if st, ok := p.status.Get(info.Name); ok {
			if st.RunningTasks > 0 {
				line += fmt.Sprintf(" · %d 运行中", st.RunningTasks)
			}
			if st.CompletedCount > 0 {
				line += fmt.Sprintf(" · %d 已完成", st.CompletedCount)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("更新于 %s", time.Now().Format("15:04:05")))
	return b.String()
}
