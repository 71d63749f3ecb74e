package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/redis/go-redis/v9"

	"github.com/zombor/receipt-splitter/internal/auth"
	"github.com/zombor/receipt-splitter/internal/logging"
	"github.com/zombor/receipt-splitter/internal/receipt"
	"github.com/zombor/receipt-splitter/internal/scanning"
	"github.com/zombor/receipt-splitter/internal/storage/sqlstore"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-splitter")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbDriver      = fs.StringLong("db-driver", "bolt", "Database: 'bolt', 'sqlite' or 'mysql'")
		dbPath        = fs.StringLong("db", "receipt-splitter.db", "Database file path (bolt and sqlite)")
		mysqlDSN      = fs.StringLong("mysql-dsn", "", "MySQL DSN, e.g. user:pass@tcp(localhost:3306)/receipts")
		storagePath   = fs.StringLong("storage", "./receipts", "Receipt image directory path")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'ollama' or 'claude'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		claudeKey     = fs.StringLong("claude-key", "", "Anthropic API key (or set ANTHROPIC_API_KEY env var)")
		claudeModel   = fs.StringLong("claude-model", "claude-sonnet-4-5", "Claude model name")
		scanTimeout   = fs.DurationLong("scan-timeout", 2*time.Minute, "Time limit for one recognition")
		redisAddr     = fs.StringLong("redis-addr", "", "Redis address for shared locks and the recognition cache (optional)")
		redisPassword = fs.StringLong("redis-password", "", "Redis password")
		redisDB       = fs.IntLong("redis-db", 0, "Redis database number")
		cacheTTL      = fs.DurationLong("cache-ttl", 24*time.Hour, "How long recognized receipts are cached")
		lockTTL       = fs.DurationLong("lock-ttl", 10*time.Second, "Expiry of a receipt lock held in Redis")
		sessionSecret = fs.StringLong("session-secret", "", "Secret used to sign session tokens")
		sessionTTL    = fs.DurationLong("session-ttl", 7*24*time.Hour, "How long a session token stays valid")
		botToken      = fs.StringLong("telegram-bot-token", "", "Telegram bot token for login widget checks")
		telegramAge   = fs.DurationLong("telegram-max-age", 24*time.Hour, "Oldest Telegram login accepted")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_             = fs.StringLong("config", "", "Config file (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SPLITTER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logging.Setup(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "driver", *dbDriver)
	db, err := openDB(ctx, *dbDriver, *dbPath, *mysqlDSN)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(ctx, apiKey, *geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
	case "claude":
		apiKey := *claudeKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		slog.Info("Initializing Claude scanner...", "model", *claudeModel)
		scanner, err = scanning.NewClaude(apiKey, *claudeModel)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or claude")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	receiptService := receipt.NewService(db, scanner, store)
	receiptService.SetScanTimeout(*scanTimeout)

	if *redisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{*redisAddr},
			Password: *redisPassword,
			DB:       *redisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "address", *redisAddr, "error", err)
			os.Exit(1)
		}
		receiptService.SetLocker(receipt.NewRedisLocker(rdb, *lockTTL))
		receiptService.SetRecognitionCache(receipt.NewRedisCache(rdb, "receipt-splitter:recognition:"), *cacheTTL)
		slog.Info("Redis enabled", "address", *redisAddr)
	}

	// Initialize server
	config := receipt.ServerConfig{
		BasicAuth: receipt.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
	}
	if *sessionSecret != "" {
		config.Sessions = auth.NewSessionManager(*sessionSecret, *sessionTTL)
	}
	if *botToken != "" {
		if config.Sessions == nil {
			slog.Error("Telegram login needs --session-secret to issue sessions")
			os.Exit(1)
		}
		config.Authenticator = auth.NewTelegramAuthenticator(*botToken, *telegramAge)
		slog.Info("Telegram login enabled")
	}
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}
	if config.Sessions == nil && *authUser == "" && *authPass == "" {
		slog.Warn("No authentication configured; every request acts as the local user")
	}

	server := receipt.NewServer(receiptService, config)

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}

func openDB(ctx context.Context, driver, path, mysqlDSN string) (receipt.DB, error) {
	switch driver {
	case "bolt":
		db, err := receipt.NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case sqlstore.DriverSQLite, sqlstore.DriverMySQL:
		dsn := path
		if driver == sqlstore.DriverMySQL {
			if mysqlDSN == "" {
				return nil, fmt.Errorf("--mysql-dsn is required for the mysql driver")
			}
			dsn = mysqlDSN
		}
		db, err := sqlstore.Open(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
