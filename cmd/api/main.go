package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/zhouzirui/intergram/backend/internal/config"
	"github.com/zhouzirui/intergram/backend/internal/dedupe"
	"github.com/zhouzirui/intergram/backend/internal/handler"
	sessionHandler "github.com/zhouzirui/intergram/backend/internal/handler/session"
	"github.com/zhouzirui/intergram/backend/internal/service/relay"
	"github.com/zhouzirui/intergram/backend/internal/service/session"
	"github.com/zhouzirui/intergram/backend/internal/service/target"
	"github.com/zhouzirui/intergram/backend/internal/service/telegram"
	"github.com/zhouzirui/intergram/backend/internal/store"
)

// shutdownTimeout covers one departure notice per session.
const shutdownTimeout = 15 * time.Second

const banner = `
  ╭──────────────────────────────╮
  │   intergram  ·  chat bridge  │
  ╰──────────────────────────────╯
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defaultConfig := os.Getenv("INTERGRAM_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.toml"
	}
	configPath := flag.StringP("config", "c", defaultConfig, "path to the TOML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	color.New(color.FgCyan).Print(banner)
	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Listen:  %s\n", cfg.Server.Addr)
	green.Print("  ▶ ")
	fmt.Printf("Webhook: %s\n", cfg.Webhook.URL())
	fmt.Println()

	// Chat target, optionally restored from disk
	var targetStore target.Store
	if cfg.Store.Path != "" {
		sqlite, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer sqlite.Close()
		targetStore = sqlite
		logger.Info("chat target persistence enabled", "path", cfg.Store.Path)
	}

	chatTarget, err := target.New(ctx, cfg.Telegram.ChatID, targetStore)
	if err != nil {
		return fmt.Errorf("initializing chat target: %w", err)
	}
	logger.Info("forwarding to chat", "chat_id", chatTarget.Get())

	bot, err := telegram.NewClient(telegram.Options{
		Token:       cfg.Telegram.BotToken,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     cfg.Telegram.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.Webhook.Register {
		if err := bot.EnsureWebhook(ctx, cfg.Webhook.URL(), cfg.Webhook.SecretToken); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
	}

	if cfg.Auth.APIKey == "" {
		logger.Warn("auth.api_key is empty, chat target administration is disabled")
	}

	seen := dedupe.New(cfg.Webhook.DedupeTTL, cfg.Webhook.DedupeSize)
	defer seen.Close()

	registry := session.NewRegistry()
	relayRouter := relay.NewRouter(registry, chatTarget, bot, logger)

	router := handler.NewRouter(handler.Deps{
		Registry:   registry,
		Relay:      relayRouter,
		ChatTarget: chatTarget,
		Deduper:    seen,
		Session: sessionHandler.Options{
			DefaultName:     cfg.Session.DefaultName,
			AllowedOrigins:  cfg.Session.AllowedOrigins,
			MaxMessageBytes: cfg.Session.MaxMessageBytes,
			RateLimit:       cfg.Session.RateLimit,
			RateBurst:       cfg.Session.RateBurst,
		},
		WebhookPath: cfg.Webhook.Path,
		WebhookKey:  cfg.Webhook.SecretToken,
		APIKey:      cfg.Auth.APIKey,
		Logger:      logger,
	})

	return startServer(ctx, cfg.Server, router, logger)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router *handler.Router, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WebSocket handlers watch the request context, so cancelling the
		// base context on shutdown closes every live session.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("intergram bridge listening", "addr", serverCfg.Addr)
	return runServer(ctx, srv, router)
}

// drainer waits for hijacked connections, which Shutdown does not track.
type drainer interface {
	Drain(ctx context.Context) error
}

func runServer(ctx context.Context, srv *http.Server, sessions drainer) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		drainErr := sessions.Drain(shutdownCtx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if drainErr != nil {
			return fmt.Errorf("draining sessions: %w", drainErr)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
