package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bracketcore/internal/broker"
	"bracketcore/internal/loop"
	"bracketcore/internal/monitor"
	"bracketcore/internal/notify"
	"bracketcore/internal/pnl"
	"bracketcore/internal/receiver"
	"bracketcore/internal/store"
	"bracketcore/internal/watcher"
)

// Config holds the application configuration
type Config struct {
	APIKey          string
	SecretKey       string
	Port            int
	MockMode        bool
	StorageFile     string
	LogLevel        string
	PostgresMode    bool // Use PostgreSQL instead of file persistence
	TrailingPercent float64
	TelegramToken   string
	TelegramChatID  int64
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := setupLogger(cfg.LogLevel)

	logger.Info("Starting BracketCore Server",
		"mock_mode", cfg.MockMode,
		"port", cfg.Port,
		"postgres_mode", cfg.PostgresMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Storage backend
	var st store.Store
	if cfg.PostgresMode {
		logger.Info("Using PostgreSQL persistence mode")
		pgStore, err := store.NewPostgresStore(ctx, logger)
		if err != nil {
			logger.Error("Failed to initialize PostgreSQL store", "error", err)
			os.Exit(1)
		}
		st = pgStore
	} else {
		logger.Info("Using file persistence mode", "storage_file", cfg.StorageFile)
		st = store.NewFileStore(cfg.StorageFile, logger)
	}
	defer st.Close()

	// Broker
	var brk broker.Broker
	if cfg.MockMode {
		logger.Info("Running in MOCK MODE - no real orders will be touched")
		brk = broker.NewMock(logger)
	} else {
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			logger.Error("API_KEY and SECRET_KEY are required for live mode")
			os.Exit(1)
		}
		brk = broker.NewBinance(cfg.APIKey, cfg.SecretKey, logger)
	}

	// Notification sinks
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("Failed to initialize Telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = notify.Multi{notify.NewLogNotifier(logger), tg}
	}

	pubsub := pnl.NewPubSub()
	defer pubsub.Close()

	// Loops
	w := watcher.New(st, brk, brk, notifier, logger)
	m := monitor.New(st, brk, brk, notifier, cfg.TrailingPercent, logger)
	sub := pnl.NewSubscriber(st, brk, brk, pubsub, logger)

	watcherLoop := loop.NewRunner("watcher", watcher.PollInterval, w.Iterate, logger)
	monitorLoop := loop.NewRunner("monitor", monitor.Interval, m.Iterate, logger)
	pnlLoop := loop.NewRunner("pnl", pnl.Interval, sub.Iterate, logger)

	watcherLoop.Start(ctx)
	monitorLoop.Start(ctx)
	pnlLoop.Start(ctx)

	// HTTP surface
	httpReceiver := receiver.NewHTTPReceiver(cfg.Port, st, w, m, sub, pubsub, logger)
	if err := httpReceiver.Start(ctx); err != nil {
		logger.Error("Failed to start HTTP receiver", "error", err)
		os.Exit(1)
	}

	logger.Info("BracketCore Server is running",
		"http_endpoint", "http://127.0.0.1:"+strconv.Itoa(cfg.Port),
	)
	logger.Info("Register brackets with POST /brackets")
	logger.Info("Press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the intake first, then the loops, then drop broker sessions.
	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP receiver", "error", err)
	}

	watcherLoop.Stop()
	monitorLoop.Stop()
	pnlLoop.Stop()

	w.Close(shutdownCtx)
	sub.Close(shutdownCtx)
	if err := brk.Close(); err != nil {
		logger.Error("Error closing broker", "error", err)
	}

	logger.Info("BracketCore Server stopped gracefully")
}

// loadConfig loads configuration from environment variables
func loadConfig() Config {
	port := 9090
	if p := os.Getenv("PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}

	mockMode := true // Default to mock mode for safety
	if m := os.Getenv("MOCK_MODE"); m != "" {
		mockMode = m == "true" || m == "1" || m == "yes"
	}

	// PostgreSQL mode is enabled if POSTGRES_HOST is set
	postgresMode := os.Getenv("POSTGRES_HOST") != ""

	storageFile := os.Getenv("BRACKET_STORAGE_FILE")
	if storageFile == "" {
		storageFile = "./bracket_orders.json"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	trailingPercent := monitor.DefaultTrailingStopPercent
	if t := os.Getenv("TRAILING_STOP_PERCENT"); t != "" {
		if parsed, err := strconv.ParseFloat(t, 64); err == nil && parsed > 0 {
			trailingPercent = parsed
		}
	}

	var telegramChatID int64
	if c := os.Getenv("TELEGRAM_CHAT_ID"); c != "" {
		if parsed, err := strconv.ParseInt(c, 10, 64); err == nil {
			telegramChatID = parsed
		}
	}

	return Config{
		APIKey:          os.Getenv("API_KEY"),
		SecretKey:       os.Getenv("SECRET_KEY"),
		Port:            port,
		MockMode:        mockMode,
		StorageFile:     storageFile,
		LogLevel:        logLevel,
		PostgresMode:    postgresMode,
		TrailingPercent: trailingPercent,
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:  telegramChatID,
	}
}

// setupLogger configures the structured logger
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}
