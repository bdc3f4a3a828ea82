package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opdflow/opdflow/internal/api"
	"github.com/opdflow/opdflow/internal/delegate"
	"github.com/opdflow/opdflow/internal/genai"
	"github.com/opdflow/opdflow/internal/notify"
	"github.com/opdflow/opdflow/internal/queue"
	"github.com/opdflow/opdflow/internal/store"
	"github.com/opdflow/opdflow/internal/util"
	"github.com/opdflow/opdflow/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for opdflow state data
	DefaultStateDir = "/var/lib/opdflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "opdflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	genaiOpts := []genai.Option{
		genai.WithTimeout(time.Duration(util.ParseIntEnv("OPENAI_TIMEOUT_SECONDS", 30)) * time.Second),
	}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	classifier, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}

	// SMS notification is best effort; run without it when Twilio
	// credentials are absent.
	var notifier workflow.Notifier
	if smsClient, err := notify.NewClient(); err != nil {
		slog.Warn("SMS notifications disabled", "error", err)
	} else {
		notifier = smsClient
	}

	engine := queue.NewEngine(st)

	// The consultation flow both serves turns and receives registration
	// handoffs; registration needs it before the API starts.
	consultFlow := workflow.NewConsultationFlow(st, engine)
	regFlow := workflow.NewRegistrationFlow(st, classifier, engine, consultFlow, notifier)

	// The orchestrator delegates registration in process by default, or
	// over HTTP when a remote registration agent is configured.
	var regDelegate workflow.RegistrationDelegate
	if *flags.registrationURL != "" {
		client, err := delegate.NewRegistrationClient(delegate.WithBaseURL(*flags.registrationURL))
		if err != nil {
			slog.Error("Failed to initialize registration delegate client", "error", err)
			os.Exit(1)
		}
		regDelegate = client
	} else {
		regDelegate = workflow.NewLocalRegistrationDelegate(st, regFlow)
	}
	chatFlow := workflow.NewChatbotFlow(st, classifier, regDelegate)

	server := api.NewServer(st, regFlow, consultFlow, chatFlow, engine, api.WithAddr(*flags.apiAddr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping opdflow", "api_addr", *flags.apiAddr, "dsn_set", *flags.dbDSN != "")
	if err := server.Run(ctx); err != nil {
		slog.Error("opdflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("opdflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	OpenAIBaseURL   string
	APIAddr         string
	RegistrationURL string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	openaiKey       *string
	openaiBaseURL   *string
	apiAddr         *string
	registrationURL *string
}

// initializeLogger sets up structured logging.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("OPDFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        util.GetenvDefault("OPDFLOW_STATE_DIR", DefaultStateDir),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		APIAddr:         util.GetenvDefault("API_ADDR", api.DefaultAddr),
		RegistrationURL: os.Getenv("REGISTRATION_AGENT_URL"),
	}

	// Default to SQLite in the state directory when no database URL is set.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPDFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REGISTRATION_AGENT_URL_SET", config.RegistrationURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for opdflow data (overrides $OPDFLOW_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN: postgres:// URL, SQLite path, or 'memory' (overrides $DATABASE_URL)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL:   flag.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible endpoint URL (overrides $OPENAI_BASE_URL)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		registrationURL: flag.String("registration-agent-url", config.RegistrationURL, "remote registration agent base URL (overrides $REGISTRATION_AGENT_URL)"),
	}
	flag.Parse()
	return flags
}

// openStore selects a backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	switch {
	case dsn == "memory":
		slog.Info("Using in-memory store")
		return store.NewInMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		slog.Info("Using Postgres store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	default:
		slog.Info("Using SQLite store", "path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	}
}
