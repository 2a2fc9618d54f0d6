// Command taskhub runs the task routing hub: it bridges chat-side task
// requests to remote agents connected over WebSocket, persisting tasks and
// credentials so restarts and reconnects lose nothing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/basket/taskhub/internal/agentstatus"
	"github.com/basket/taskhub/internal/audit"
	"github.com/basket/taskhub/internal/bus"
	"github.com/basket/taskhub/internal/channels"
	"github.com/basket/taskhub/internal/config"
	"github.com/basket/taskhub/internal/gateway"
	hubotel "github.com/basket/taskhub/internal/otel"
	"github.com/basket/taskhub/internal/persistence"
	"github.com/basket/taskhub/internal/registry"
	"github.com/basket/taskhub/internal/taskstore"
	"github.com/basket/taskhub/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting taskhub", "port", cfg.Port, "home", cfg.HomeDir)

	provider, err := hubotel.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := hubotel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DatabaseURL, cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	reg := registry.New(store.Credentials(), logger)
	if err := reg.LoadCredentials(ctx); err != nil {
		fatalStartup(logger, "E_CREDENTIAL_LOAD", err)
	}

	tasks := taskstore.New(store.Tasks(), logger)
	if err := tasks.Load(ctx); err != nil {
		fatalStartup(logger, "E_TASK_LOAD", err)
	}

	status := agentstatus.New()
	events := bus.New()

	ws := gateway.New(gateway.Config{
		Registry:       reg,
		Tasks:          tasks,
		Status:         status,
		Bus:            events,
		Logger:         logger,
		Provider:       provider,
		Metrics:        metrics,
		AllowOrigins:   cfg.CORS.AllowOrigins,
		OnlineDebounce: cfg.OnlineDebounce,
	})

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		fatalStartup(logger, "E_BOT_INIT", err)
	}
	logger.Info("chat bot authorized", "bot", bot.Self.UserName)

	tg := channels.New(channels.Config{
		Bot:              bot,
		BotName:          bot.Self.UserName,
		Registry:         reg,
		Tasks:            tasks,
		Status:           status,
		Dispatcher:       ws,
		Bus:              events,
		Logger:           logger,
		Metrics:          metrics,
		PublicURL:        cfg.PublicURL,
		DefaultChatID:    cfg.DefaultChatID,
		ProgressDebounce: cfg.ProgressDebounce,
		PanelDebounce:    cfg.PanelDebounce,
	}, store.Panels())
	if err := tg.Panel().Load(ctx); err != nil {
		logger.Warn("panel reload failed", "error", err)
	}

	api, err := gateway.NewAPI(gateway.APIConfig{
		Registry:     reg,
		Tasks:        tasks,
		Status:       status,
		WS:           ws,
		Logger:       logger,
		Metrics:      metrics,
		RateLimit:    cfg.RateLimit,
		AllowOrigins: cfg.CORS.AllowOrigins,
		Webhook:      webhookGuard(cfg.HubSecret, tg.WebhookHandler()),
		OnAPITask:    tg.OnAPITask,
	})
	if err != nil {
		fatalStartup(logger, "E_API_INIT", err)
	}

	sweeper, err := taskstore.NewSweeper(taskstore.SweeperConfig{
		Store:    tasks,
		Logger:   logger,
		Schedule: cfg.SweepSchedule,
		IdleFor:  cfg.ConversationIdle,
		Notify:   tg.ConversationExpired,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)

	watcher := config.NewWatcher(config.ConfigPath(cfg.HomeDir), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, watcher, logger)
	}

	ws.StartHeartbeat(ctx)
	tg.Run(ctx)

	if cfg.PublicURL != "" {
		registerWebhook(bot, cfg, logger)
	} else {
		logger.Warn("HUB_PUBLIC_URL not set, webhook not registered")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_LISTEN", err)
		}
	}

	// 1. Stop intake: no new HTTP requests or WS upgrades.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// 2. Stop the chat adapter and background loops.
	tg.Close()
	sweeper.Stop()

	// 3. Close agent connections; queued tasks stay in the backlog.
	ws.Shutdown()

	logger.Info("shutdown complete")
}

// webhookGuard enforces the webhook secret when one is configured. The same
// secret is passed to the chat platform at registration, so mismatched or
// absent headers mean the request did not come from the platform.
func webhookGuard(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerWebhook points the chat platform at this hub. Registration is not
// torn down on shutdown so restarts keep receiving updates.
func registerWebhook(bot *tgbotapi.BotAPI, cfg config.Config, logger *slog.Logger) {
	params := tgbotapi.Params{"url": cfg.PublicURL + "/webhook"}
	if cfg.HubSecret != "" {
		params["secret_token"] = cfg.HubSecret
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		logger.Error("webhook registration failed", "error", err)
		return
	}
	logger.Info("webhook registered", "url", cfg.PublicURL+"/webhook")
}

// reloadLoop re-validates the YAML tunables whenever the file changes. The
// validated values apply on the next restart; a broken file is surfaced
// immediately instead of at the next boot.
func reloadLoop(ctx context.Context, watcher *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			tun, err := config.LoadTunables(ev.Path)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("config tunables reloaded",
				"log_level", tun.LogLevel,
				"sweep_schedule", tun.SweepSchedule,
				"conversation_idle", tun.ConversationIdle)
		}
	}
}

// fatalStartup reports a startup failure and exits. When the logger is not
// up yet the failure is written to stderr in the same JSON shape the logger
// would have used.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		line, _ := json.Marshal(map[string]any{
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "ERROR",
			"component":   "hub",
			"msg":         "startup failure",
			"reason_code": reasonCode,
			"error":       err.Error(),
		})
		fmt.Fprintln(os.Stderr, string(line))
	}
	os.Exit(1)
}
