package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/CalWeave/CalWeave/internal/api"
	"github.com/CalWeave/CalWeave/internal/genai"
	"github.com/CalWeave/CalWeave/internal/lockfile"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/CalWeave/CalWeave/internal/util"
	"github.com/CalWeave/CalWeave/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CalWeave state data
	DefaultStateDir = "/var/lib/calweave"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "calweave.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold an exclusive lock on the state directory so two instances cannot
	// share the same database and WhatsApp session.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping CalWeave with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "channel", *flags.channel)
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("CalWeave failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CalWeave exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN        string
	DatabaseURL        string
	StateDir           string
	OpenAIKey          string
	APIAddr            string
	Channel            string
	BridgeURL          string
	BridgeToken        string
	TranscribeProvider string
	ExpiryWindow       time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput           *string
	numeric            *bool
	stateDir           *string
	dbDSN              *string
	openaiKey          *string
	apiAddr            *string
	channel            *string
	bridgeURL          *string
	bridgeToken        *string
	transcribeProvider *string
	expiryWindow       *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("CALWEAVE_STATE_DIR"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		APIAddr:            os.Getenv("API_ADDR"),
		Channel:            os.Getenv("MESSAGING_CHANNEL"),
		BridgeURL:          os.Getenv("CALENDAR_BRIDGE_URL"),
		BridgeToken:        os.Getenv("CALENDAR_BRIDGE_TOKEN"),
		TranscribeProvider: os.Getenv("TRANSCRIBE_PROVIDER"),
		ExpiryWindow:       util.ParseDurationEnv("CLARIFY_EXPIRY_WINDOW", 0),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALWEAVE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to the shared database URL if a specific DSN is not set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CALWEAVE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_CHANNEL", config.Channel,
		"CALENDAR_BRIDGE_URL_SET", config.BridgeURL != "",
		"TRANSCRIBE_PROVIDER", config.TranscribeProvider)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:           flag.String("qr-output", "", "path to write login QR code"),
		numeric:            flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:           flag.String("state-dir", config.StateDir, "state directory for CalWeave data (overrides $CALWEAVE_STATE_DIR)"),
		dbDSN:              flag.String("db-dsn", config.WhatsAppDSN, "database DSN for the store and WhatsApp session (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:          flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:            flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:            flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $MESSAGING_CHANNEL)"),
		bridgeURL:          flag.String("calendar-bridge-url", config.BridgeURL, "calendar bridge base URL (overrides $CALENDAR_BRIDGE_URL)"),
		bridgeToken:        flag.String("calendar-bridge-token", config.BridgeToken, "calendar bridge bearer token (overrides $CALENDAR_BRIDGE_TOKEN)"),
		transcribeProvider: flag.String("transcribe-provider", config.TranscribeProvider, "transcription backend: openai-whisper or google-speech (overrides $TRANSCRIBE_PROVIDER)"),
		expiryWindow:       flag.Duration("clarify-expiry-window", config.ExpiryWindow, "how long clarifications wait before expiring (overrides $CLARIFY_EXPIRY_WINDOW)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"bridgeURL_set", *flags.bridgeURL != "",
		"transcribeProvider", *flags.transcribeProvider,
		"expiryWindow", *flags.expiryWindow)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.channel != "" {
		apiOpts = append(apiOpts, api.WithChannel(*flags.channel))
	}
	if *flags.bridgeURL != "" || *flags.bridgeToken != "" {
		apiOpts = append(apiOpts, api.WithCalendarBridge(*flags.bridgeURL, *flags.bridgeToken))
	}
	if *flags.transcribeProvider != "" {
		apiOpts = append(apiOpts, api.WithTranscribeProvider(*flags.transcribeProvider))
	}
	if *flags.expiryWindow > 0 {
		apiOpts = append(apiOpts, api.WithExpiryWindow(*flags.expiryWindow))
	}
	apiOpts = append(apiOpts, api.WithMediaDir(filepath.Join(*flags.stateDir, "media")))
	return apiOpts
}
