package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lyrics"
	"github.com/BTreeMap/LeadPipe/internal/render"
	"github.com/BTreeMap/LeadPipe/internal/sequence"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadPipe state data
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultAppDBFileName is the default SQLite database for leads and sequences
	DefaultAppDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	DefaultSequenceSchedule = "* * * * *"
	DefaultTagSchedule      = "0 * * * *"
	DefaultLyricSchedule    = "* * * * *"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds environment configuration. Command line flags override it.
type Config struct {
	StateDir      string
	AppDBDSN      string
	WhatsAppDBDSN string
	LogLevel      string

	Transport         string
	QROutput          string
	NumericCode       bool
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioWebhookAddr string
	SendRate          float64
	SendBurst         int
	MediaDir          string

	FrontendURL       string
	FormPath          string
	PhonePrefix       string
	PlaceholderPolicy string
	UnknownKindPolicy string
	DispatchTimeout   time.Duration
	LeadConcurrency   int
	UseLeases         bool
	LeaseTTL          time.Duration

	SequenceSchedule string
	TagSchedule      string
	LyricSchedule    string

	OpenAIKey         string
	OpenAIModel       string
	LyricCooldown     time.Duration
	LyricDelivery     string
	LyricDeliveredTag string
	LyricMaxAttempts  int
}

func defaultAppDBDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDBDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      util.EnvOr("LEADPIPE_STATE_DIR", DefaultStateDir),
		AppDBDSN:      os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		LogLevel:      util.EnvOr("LOG_LEVEL", "info"),

		Transport:         strings.ToLower(util.EnvOr("TRANSPORT", TransportWhatsApp)),
		QROutput:          os.Getenv("WHATSAPP_QR_OUTPUT"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookAddr: os.Getenv("TWILIO_WEBHOOK_ADDR"),
		SendRate:          util.ParseFloatEnv("SEND_RATE", 0),
		SendBurst:         util.ParseIntEnv("SEND_BURST", 1),
		MediaDir:          os.Getenv("MEDIA_DIR"),

		FrontendURL:       util.EnvOr("FRONTEND_URL", sequence.DefaultFormBaseURL),
		FormPath:          util.EnvOr("FORM_PATH", sequence.DefaultFormPath),
		PhonePrefix:       util.EnvOr("PHONE_PREFIX", util.DefaultDialingPrefix),
		PlaceholderPolicy: util.EnvOr("PLACEHOLDER_POLICY", "empty"),
		UnknownKindPolicy: util.EnvOr("UNKNOWN_KIND_POLICY", "advance"),
		DispatchTimeout:   util.ParseDurationEnv("DISPATCH_TIMEOUT", sequence.DefaultDispatchTimeout),
		LeadConcurrency:   util.ParseIntEnv("LEAD_CONCURRENCY", 1),
		UseLeases:         util.ParseBoolEnv("LEAD_LEASES", true),
		LeaseTTL:          util.ParseDurationEnv("LEAD_LEASE_TTL", sequence.DefaultLeaseTTL),

		SequenceSchedule: util.EnvOr("SEQUENCE_SCHEDULE", DefaultSequenceSchedule),
		TagSchedule:      util.EnvOr("TAG_SCHEDULE", DefaultTagSchedule),
		LyricSchedule:    util.EnvOr("LYRIC_SCHEDULE", DefaultLyricSchedule),

		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       util.EnvOr("OPENAI_MODEL", genai.DefaultModel),
		LyricCooldown:     util.ParseDurationEnv("LYRIC_COOLDOWN", lyrics.DefaultCooldown),
		LyricDelivery:     util.EnvOr("LYRIC_DELIVERY", "text"),
		LyricDeliveredTag: util.EnvOr("LYRIC_DELIVERED_TAG", lyrics.DefaultDeliveredTag),
		LyricMaxAttempts:  util.ParseIntEnv("LYRIC_MAX_ATTEMPTS", 0),
	}

	// DATABASE_URL is the legacy name for the application database
	if config.AppDBDSN == "" {
		config.AppDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.AppDBDSN == "" {
		config.AppDBDSN = defaultAppDBDSN(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.AppDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDBDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"LEADPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.AppDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SEQUENCE_SCHEDULE", config.SequenceSchedule,
		"TAG_SCHEDULE", config.TagSchedule,
		"LYRIC_SCHEDULE", config.LyricSchedule)

	return config
}

// applyStateDir moves the default database paths under a state directory given
// on the command line, unless the DSNs were set explicitly.
func (c *Config) applyStateDir(envStateDir string, appDSNSet, waDSNSet bool) {
	if c.StateDir == envStateDir {
		return
	}
	if !appDSNSet && c.AppDBDSN == defaultAppDBDSN(envStateDir) {
		c.AppDBDSN = defaultAppDBDSN(c.StateDir)
		slog.Debug("Updated application DSN based on state directory", "state_dir", c.StateDir)
	}
	if !waDSNSet && c.WhatsAppDBDSN == defaultWhatsAppDBDSN(envStateDir) {
		c.WhatsAppDBDSN = defaultWhatsAppDBDSN(c.StateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "state_dir", c.StateDir)
	}
}

// validate rejects settings that would fail later in a less obvious place.
func (c *Config) validate() error {
	switch c.Transport {
	case TransportWhatsApp, TransportTwilio:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWhatsApp, TransportTwilio)
	}
	if _, err := render.ParseMissingPolicy(c.PlaceholderPolicy); err != nil {
		return err
	}
	if _, err := sequence.ParseUnknownKindPolicy(c.UnknownKindPolicy); err != nil {
		return err
	}
	if _, err := lyrics.ParseDeliveryMode(c.LyricDelivery); err != nil {
		return err
	}
	if c.SendRate < 0 {
		return fmt.Errorf("send rate must not be negative")
	}
	return nil
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg Config) []store.Option {
	var storeOpts []store.Option
	if store.DetectDSNType(cfg.AppDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(cfg.AppDBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", cfg.AppDBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(cfg.AppDBDSN))
	}
	return storeOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if cfg.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall back to the environment.
func buildTwilioOptions(cfg Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if cfg.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID))
	}
	if cfg.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken))
	}
	if cfg.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber))
	}
	return opts
}

// buildSequenceOptions constructs scheduler options. Leases come from the store when enabled.
func buildSequenceOptions(cfg Config, leaser store.LeaseRepo) ([]sequence.Option, error) {
	placeholder, err := render.ParseMissingPolicy(cfg.PlaceholderPolicy)
	if err != nil {
		return nil, err
	}
	unknown, err := sequence.ParseUnknownKindPolicy(cfg.UnknownKindPolicy)
	if err != nil {
		return nil, err
	}
	opts := []sequence.Option{
		sequence.WithRenderer(render.New(placeholder)),
		sequence.WithFormURL(cfg.FrontendURL, cfg.FormPath),
		sequence.WithPhonePrefix(cfg.PhonePrefix),
		sequence.WithDispatchTimeout(cfg.DispatchTimeout),
		sequence.WithUnknownKindPolicy(unknown),
		sequence.WithConcurrency(cfg.LeadConcurrency),
	}
	if cfg.UseLeases && leaser != nil {
		opts = append(opts, sequence.WithLeaser(leaser, cfg.LeaseTTL))
	}
	return opts, nil
}

// buildLyricOptions constructs lyric workflow options
func buildLyricOptions(cfg Config) ([]lyrics.Option, error) {
	mode, err := lyrics.ParseDeliveryMode(cfg.LyricDelivery)
	if err != nil {
		return nil, err
	}
	return []lyrics.Option{
		lyrics.WithCooldown(cfg.LyricCooldown),
		lyrics.WithDeliveryMode(mode),
		lyrics.WithDeliveredTag(cfg.LyricDeliveredTag),
		lyrics.WithPhonePrefix(cfg.PhonePrefix),
		lyrics.WithDispatchTimeout(cfg.DispatchTimeout),
		lyrics.WithMaxAttempts(cfg.LyricMaxAttempts),
	}, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	return genaiOpts
}
