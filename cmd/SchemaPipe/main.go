package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/SchemaPipe/internal/api"
	"github.com/BTreeMap/SchemaPipe/internal/flow"
	"github.com/BTreeMap/SchemaPipe/internal/genai"
	"github.com/BTreeMap/SchemaPipe/internal/lockfile"
	"github.com/BTreeMap/SchemaPipe/internal/messaging"
	"github.com/BTreeMap/SchemaPipe/internal/retrieval"
	"github.com/BTreeMap/SchemaPipe/internal/scheduler"
	"github.com/BTreeMap/SchemaPipe/internal/store"
	"github.com/BTreeMap/SchemaPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SchemaPipe/internal/util"
	"github.com/BTreeMap/SchemaPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SchemaPipe state data
	DefaultStateDir = "/var/lib/schemapipe"
	// DefaultDBFileName is the transcript database inside the state directory
	DefaultDBFileName = "schemapipe.db"
	// DefaultRetrievalFileName is the passage index inside the state directory
	DefaultRetrievalFileName = "retrieval.db"
	// DefaultWhatsAppFileName is the whatsmeow device store inside the state directory
	DefaultWhatsAppFileName = "whatsmeow.db"
	// DefaultCorpusPath is seeded into the passage index when present
	DefaultCorpusPath = "data/passages.yaml"
)

// Messaging backends.
const (
	BackendNone     = "none"
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SchemaPipe")
	if err := run(ctx, config); err != nil {
		slog.Error("SchemaPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SchemaPipe exited successfully")
}

// Config holds the resolved configuration.
type Config struct {
	LogLevel              string
	StateDir              string
	DatabaseURL           string
	SessionStoreURL       string
	SessionTTL            time.Duration
	SweepSchedule         string
	RetrievalDSN          string
	RetrievalCorpus       string
	OpenAIKey             string
	OpenAIModel           string
	OpenAIBaseURL         string
	OpenAITemperature     float64
	APIAddr               string
	MessagingBackend      string
	WhatsAppDSN           string
	WhatsAppQROutput      string
	WhatsAppNumericCode   bool
	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioFromNumber      string
	TwilioWebhookURL      string
	ConversationalReplies bool
}

// initializeLogger installs a text handler at the named level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:              os.Getenv("SCHEMAPIPE_LOG_LEVEL"),
		StateDir:              os.Getenv("SCHEMAPIPE_STATE_DIR"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SessionStoreURL:       os.Getenv("SESSION_STORE_URL"),
		SessionTTL:            util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		SweepSchedule:         os.Getenv("SESSION_SWEEP_SCHEDULE"),
		RetrievalDSN:          os.Getenv("RETRIEVAL_DSN"),
		RetrievalCorpus:       os.Getenv("RETRIEVAL_CORPUS"),
		OpenAIKey:             os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:           os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		OpenAITemperature:     util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		APIAddr:               os.Getenv("API_ADDR"),
		MessagingBackend:      strings.ToLower(os.Getenv("MESSAGING_BACKEND")),
		WhatsAppDSN:           os.Getenv("WHATSAPP_DB_DSN"),
		TwilioAccountSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:      os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:      os.Getenv("TWILIO_WEBHOOK_URL"),
		ConversationalReplies: util.ParseBoolEnv("CONVERSATIONAL_REPLIES", false),
	}
	applyDefaults(&config)

	slog.Debug("environment variables loaded",
		"SCHEMAPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"SESSION_STORE_URL_SET", config.SessionStoreURL != "",
		"SESSION_TTL", config.SessionTTL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.MessagingBackend,
		"CONVERSATIONAL_REPLIES", config.ConversationalReplies)

	return config
}

// applyDefaults fills empty settings. File-backed defaults live under the
// state directory, so it must be resolved first.
func applyDefaults(c *Config) {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.RetrievalDSN == "" {
		c.RetrievalDSN = filepath.Join(c.StateDir, DefaultRetrievalFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = filepath.Join(c.StateDir, DefaultWhatsAppFileName)
	}
	if c.RetrievalCorpus == "" {
		c.RetrievalCorpus = DefaultCorpusPath
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = scheduler.DefaultSweepSchedule
	}
	if c.MessagingBackend == "" {
		c.MessagingBackend = BackendNone
	}
	if c.APIAddr == "" {
		c.APIAddr = api.DefaultAddr
	}
}

// parseCommandLineFlags applies flag overrides on top of the environment.
// When only the state directory is overridden, the file-backed defaults
// follow it.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	envStateDir := config.StateDir
	out := config

	fs.StringVar(&out.StateDir, "state-dir", config.StateDir, "state directory (overrides $SCHEMAPIPE_STATE_DIR)")
	fs.StringVar(&out.DatabaseURL, "db-dsn", config.DatabaseURL, "transcript store DSN, SQLite path or Postgres (overrides $DATABASE_URL)")
	fs.StringVar(&out.SessionStoreURL, "session-store", config.SessionStoreURL, "session store URL, empty for memory or redis:// (overrides $SESSION_STORE_URL)")
	fs.DurationVar(&out.SessionTTL, "session-ttl", config.SessionTTL, "session lifetime (overrides $SESSION_TTL)")
	fs.StringVar(&out.RetrievalDSN, "retrieval-dsn", config.RetrievalDSN, "passage index DSN (overrides $RETRIEVAL_DSN)")
	fs.StringVar(&out.RetrievalCorpus, "retrieval-corpus", config.RetrievalCorpus, "YAML passages to seed (overrides $RETRIEVAL_CORPUS)")
	fs.StringVar(&out.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&out.OpenAIModel, "openai-model", config.OpenAIModel, "model name (overrides $OPENAI_MODEL)")
	fs.StringVar(&out.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&out.MessagingBackend, "messaging", config.MessagingBackend, "messaging backend: none, whatsapp or twilio (overrides $MESSAGING_BACKEND)")
	fs.StringVar(&out.WhatsAppQROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&out.WhatsAppNumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	fs.BoolVar(&out.ConversationalReplies, "conversational", config.ConversationalReplies, "phrase prompts through the model (overrides $CONVERSATIONAL_REPLIES)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if out.StateDir != envStateDir {
		rebase := func(v *string, name string) {
			if *v == filepath.Join(envStateDir, name) {
				*v = filepath.Join(out.StateDir, name)
			}
		}
		rebase(&out.DatabaseURL, DefaultDBFileName)
		rebase(&out.RetrievalDSN, DefaultRetrievalFileName)
		rebase(&out.WhatsAppDSN, DefaultWhatsAppFileName)
		slog.Debug("Rebased file DSNs on state directory", "state_dir", out.StateDir)
	}

	switch out.MessagingBackend {
	case BackendNone, BackendWhatsApp, BackendTwilio:
	default:
		return config, fmt.Errorf("unknown messaging backend %q", out.MessagingBackend)
	}

	slog.Debug("flags parsed",
		"stateDir", out.StateDir,
		"dbDSN_set", out.DatabaseURL != "",
		"apiAddr", out.APIAddr,
		"messaging", out.MessagingBackend,
		"conversational", out.ConversationalReplies)
	return out, nil
}

// needsStateLock reports whether any store lives as a file in the state directory.
func needsStateLock(c Config) bool {
	if store.DetectDSNType(c.DatabaseURL) == "sqlite" || store.DetectDSNType(c.RetrievalDSN) == "sqlite" {
		return true
	}
	return c.MessagingBackend == BackendWhatsApp && store.DetectDSNType(c.WhatsAppDSN) == "sqlite"
}

// buildStore opens the transcript store named by the DSN.
func buildStore(c Config) (store.Store, error) {
	if store.DetectDSNType(c.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(c.DatabaseURL))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", c.DatabaseURL)
	return store.NewSQLiteStore(store.WithSQLiteDSN(c.DatabaseURL))
}

// buildSessionStore returns Redis for a redis:// URL and memory otherwise.
// The in-memory store is returned separately so its sweep can be scheduled.
func buildSessionStore(c Config) (store.SessionStore, *store.InMemorySessionStore, error) {
	if c.SessionStoreURL == "" {
		mem := store.NewInMemorySessionStore(c.SessionTTL)
		return mem, mem, nil
	}
	if store.DetectDSNType(c.SessionStoreURL) != "redis" {
		return nil, nil, fmt.Errorf("unsupported session store URL %q", c.SessionStoreURL)
	}
	rs, err := store.NewRedisSessionStore(store.WithRedisURL(c.SessionStoreURL), store.WithSessionTTL(c.SessionTTL))
	if err != nil {
		return nil, nil, err
	}
	return rs, nil, nil
}

// buildRetriever opens and seeds the passage index. Retrieval is optional:
// any failure degrades to a retriever that finds nothing.
func buildRetriever(ctx context.Context, c Config) (retrieval.Retriever, func()) {
	ix, err := retrieval.NewIndex(retrieval.WithDSN(c.RetrievalDSN))
	if err != nil {
		slog.Warn("Retrieval disabled: failed to open index", "error", err)
		return retrieval.NoopRetriever{}, func() {}
	}
	if _, statErr := os.Stat(c.RetrievalCorpus); statErr == nil {
		if err := retrieval.Seed(ctx, ix, c.RetrievalCorpus); err != nil {
			slog.Warn("Retrieval corpus not loaded", "error", err, "path", c.RetrievalCorpus)
		}
	} else {
		slog.Debug("No retrieval corpus found", "path", c.RetrievalCorpus)
	}
	return ix, func() { ix.Close() }
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(c Config) []genai.Option {
	opts := []genai.Option{genai.WithTemperature(c.OpenAITemperature)}
	if c.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(c.OpenAIKey))
	}
	if c.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(c.OpenAIModel))
	}
	if c.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(c.OpenAIBaseURL))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(c Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(c.WhatsAppDSN)}
	if c.WhatsAppQROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(c.WhatsAppQROutput))
	}
	if c.WhatsAppNumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(c Config) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
		twiliowhatsapp.WithFromNumber(c.TwilioFromNumber),
	}
}

// buildMessaging starts the configured chat transport. It returns a nil
// service for BackendNone.
func buildMessaging(ctx context.Context, c Config) (messaging.Service, []api.Option, func(), error) {
	switch c.MessagingBackend {
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(c)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(c)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var svcOpts []messaging.TwilioOption
		if c.TwilioWebhookURL != "" {
			svcOpts = append(svcOpts, messaging.WithWebhookValidation(c.TwilioAuthToken, c.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(client, svcOpts...)
		return svc, []api.Option{api.WithTwilioWebhook(svc.WebhookHandler)}, func() {}, nil
	default:
		return nil, nil, func() {}, nil
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, c Config) error {
	if needsStateLock(c) {
		lock, err := lockfile.Acquire(c.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	transcript, err := buildStore(c)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer transcript.Close()

	states, memStates, err := buildSessionStore(c)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer states.Close()

	sched := scheduler.NewScheduler()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if memStates != nil {
		if err := sched.AddJob("session-sweep", c.SweepSchedule, func() { memStates.Sweep() }); err != nil {
			return err
		}
	}

	retriever, closeRetriever := buildRetriever(ctx, c)
	defer closeRetriever()

	gen, err := genai.NewClient(buildGenAIOptions(c)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}
	ctrl, err := flow.NewController(gen,
		flow.WithRetriever(retriever),
		flow.WithConversationalReplies(c.ConversationalReplies),
	)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	sessions := flow.NewSessions(ctrl, states, transcript)

	apiOpts := []api.Option{api.WithAddr(c.APIAddr)}
	msgService, msgAPIOpts, closeMessaging, err := buildMessaging(ctx, c)
	if err != nil {
		return err
	}
	defer closeMessaging()
	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer msgService.Stop()
		messaging.NewResponseHandler(msgService, sessions, transcript).Start(ctx)
		apiOpts = append(apiOpts, msgAPIOpts...)
	}

	if err := api.NewServer(sessions, apiOpts...).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
