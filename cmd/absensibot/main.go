package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RizDevStudio/bot/internal/api"
	"github.com/RizDevStudio/bot/internal/lockfile"
	"github.com/RizDevStudio/bot/internal/store"
	"github.com/RizDevStudio/bot/internal/whatsapp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for bot state data
	DefaultStateDir = api.DefaultStateDir
	// DefaultWhatsAppDBFileName is the default SQLite file of the WhatsApp device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default SQLite file of the dedup sets and message log
	DefaultAppDBFileName = "absensibot.db"
	// FileStateDSN selects JSON dedup files plus an in-memory message log
	FileStateDSN = "files"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Invalid environment configuration", "error", err)
		os.Exit(1)
	}
	setLogLevel(config.LogLevel)

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags, config)
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping attendance bot", "school", config.SchoolName, "phone_strategy", *flags.phoneStrategy)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, storeOpts, apiOpts); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Another instance holds the state directory", "lock", lockErr.LockPath, "owner", lockErr.Owner.String())
		} else {
			slog.Error("Attendance bot failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Attendance bot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string `env:"ABSENSI_STATE_DIR" envDefault:"/var/lib/absensibot"`
	WhatsAppDBDSN string `env:"WHATSAPP_DB_DSN"`
	StateDSN      string `env:"STATE_DSN"`
	DatabaseURL   string `env:"DATABASE_URL"`

	APIURL     string        `env:"API_URL"`
	APISecret  string        `env:"API_SECRET"`
	APITimeout time.Duration `env:"API_TIMEOUT" envDefault:"15s"`
	APIAddr    string        `env:"API_ADDR" envDefault:":8080"`

	PhoneStrategy string `env:"PHONE_STRATEGY" envDefault:"sender"`
	SchoolName    string `env:"SCHOOL_NAME" envDefault:"SMK N 4 Bandar Lampung"`

	QueueMinDelay      time.Duration `env:"QUEUE_MIN_DELAY" envDefault:"15s"`
	QueueMaxDelay      time.Duration `env:"QUEUE_MAX_DELAY" envDefault:"25s"`
	QueueMinGap        time.Duration `env:"QUEUE_MIN_GAP" envDefault:"1s"`
	QueueMaxGap        time.Duration `env:"QUEUE_MAX_GAP" envDefault:"4s"`
	QueueRatePerMinute float64       `env:"QUEUE_RATE_PER_MINUTE" envDefault:"0"`

	SweepInitialDelay time.Duration `env:"SWEEP_INITIAL_DELAY" envDefault:"10s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"15m"`
	FlushInterval     time.Duration `env:"FLUSH_INTERVAL" envDefault:"5m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	stateDSN      *string
	apiAddr       *string
	apiURL        *string
	phoneStrategy *string
}

// initializeLogger sets up structured logging; the level is adjusted once
// the environment is loaded.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// setLogLevel applies a LOG_LEVEL value, keeping the current level when it
// cannot be parsed.
func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("Unknown LOG_LEVEL, keeping current level", "value", level, "level", logLevel.Level())
		return
	}
	logLevel.Set(l)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultStateDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	// STATE_DSN wins over DATABASE_URL; SQLite in the state directory otherwise
	if config.StateDSN == "" {
		config.StateDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as STATE_DSN", "dsn_set", true)
		}
	}
	if config.StateDSN == "" {
		config.StateDSN = defaultStateDSN(config.StateDir)
		slog.Debug("No state DSN provided, defaulting to SQLite", "sqlite_path", config.StateDSN)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"ABSENSI_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"STATE_DSN_SET", config.StateDSN != "",
		"API_URL", config.APIURL,
		"API_SECRET_SET", config.APISecret != "",
		"API_ADDR", config.APIAddr,
		"PHONE_STRATEGY", config.PhoneStrategy)

	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for lock and dedup files (overrides $ABSENSI_STATE_DIR)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)"),
		stateDSN:      flag.String("state-dsn", config.StateDSN, "dedup and message log DSN, or \"files\" for JSON files (overrides $STATE_DSN or $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "status server address (overrides $API_ADDR)"),
		apiURL:        flag.String("api-url", config.APIURL, "registration API endpoint (overrides $API_URL)"),
		phoneStrategy: flag.String("phone-strategy", config.PhoneStrategy, "phone source for 3-field commands: sender, participant or explicit (overrides $PHONE_STRATEGY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"stateDSN_set", *flags.stateDSN != "",
		"apiAddr", *flags.apiAddr,
		"phoneStrategy", *flags.phoneStrategy)

	applyStateDirOverride(config, flags)
	return flags
}

// applyStateDirOverride moves defaulted DSNs into a state directory given on
// the command line.
func applyStateDirOverride(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "state_dir", *flags.stateDir)
	}
	if *flags.stateDSN == defaultStateDSN(config.StateDir) {
		*flags.stateDSN = defaultStateDSN(*flags.stateDir)
		slog.Debug("Updated state DSN based on state directory", "state_dir", *flags.stateDir)
	}
}

// ensureDirectoriesExist creates the state directory and the parents of
// file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.whatsappDBDSN, *flags.stateDSN} {
		if dsn == "" || dsn == FileStateDSN || store.DetectDSNType(dsn) == store.DSNTypePostgres {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		dirs = append(dirs, filepath.Dir(path))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags, config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	if config.LogLevel != "" {
		waOpts = append(waOpts, whatsapp.WithLogLevel(strings.ToUpper(config.LogLevel)))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options. No options means
// an in-memory message log with JSON dedup files.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.stateDSN
	switch {
	case dsn == "" || dsn == FileStateDSN:
		slog.Debug("File state selected, dedup sets go to JSON files")
	case store.DetectDSNType(dsn) == store.DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

// buildAPIOptions constructs bot configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithRegistrationAPI(*flags.apiURL, config.APISecret),
		api.WithAPITimeout(config.APITimeout),
		api.WithPhoneStrategy(*flags.phoneStrategy),
		api.WithSchoolName(config.SchoolName),
		api.WithQueueDelay(config.QueueMinDelay, config.QueueMaxDelay),
		api.WithQueueGap(config.QueueMinGap, config.QueueMaxGap),
		api.WithRatePerMinute(config.QueueRatePerMinute),
		api.WithSweepTiming(config.SweepInitialDelay, config.SweepInterval),
		api.WithFlushInterval(config.FlushInterval),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
