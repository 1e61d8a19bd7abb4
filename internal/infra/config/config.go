package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"scheduled_poster/internal/domain/progress"
)

// ErrConfig marks every configuration problem. Nothing has been mutated when it surfaces.
var ErrConfig = errors.New("configuration error")

// Supported POST_PLATFORM values.
const (
	PlatformTwitter  = "twitter"
	PlatformBluesky  = "bluesky"
	PlatformTelegram = "telegram"
)

// Supported STATE_BACKEND values.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// TwitterCredentials are the four opaque OAuth 1.0a values.
type TwitterCredentials struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
	BaseURL           string
}

type BlueskyCredentials struct {
	PDSHost     string
	Identifier  string
	AppPassword string
}

type TelegramCredentials struct {
	Token   string
	Channel string // "@name" or numeric chat id
}

// AppConfig holds all configuration for the application
type AppConfig struct {
	MessagesPath string
	SchedulePath string

	StateBackend string
	StatePath    string
	StateName    string // row key for SQL backends
	DatabaseURL  string
	LockPath     string

	DryRun       bool
	ForcePostNow bool
	Tolerance    time.Duration
	Timezone     string
	Location     *time.Location
	OnExhaustion progress.ExhaustionPolicy

	Platform string
	Twitter  TwitterCredentials
	Bluesky  BlueskyCredentials
	Telegram TelegramCredentials

	CronSpec   string // daemon trigger
	RunTimeout time.Duration

	LogLevel    string
	Environment string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// LoadSkippingCredentials is Load for callers that never post (status, reset)
// or that adjust DryRun before calling ValidatePlatform themselves.
func LoadSkippingCredentials() (*AppConfig, error) {
	_ = godotenv.Load()
	return fromLookup(os.LookupEnv, false)
}

// FromLookup builds the configuration from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*AppConfig, error) {
	return fromLookup(lookup, true)
}

func fromLookup(lookup func(string) (string, bool), checkCredentials bool) (*AppConfig, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &AppConfig{}
	var err error

	cfg.MessagesPath = get("MESSAGES_PATH", filepath.Join("data", "tweets.txt"))
	cfg.SchedulePath = get("SCHEDULE_PATH", filepath.Join("data", "hours.txt"))

	cfg.StateBackend = strings.ToLower(get("STATE_BACKEND", BackendFile))
	cfg.StatePath = get("STATE_PATH", filepath.Join("data", "state.json"))
	cfg.StateName = get("STATE_NAME", "default")
	cfg.DatabaseURL = get("DATABASE_URL", "")
	cfg.LockPath = get("LOCK_PATH", cfg.StatePath+".lock")
	switch cfg.StateBackend {
	case BackendFile:
	case BackendPostgres, BackendSQLite:
		if cfg.DatabaseURL == "" {
			return nil, invalid("DATABASE_URL is not set (required for STATE_BACKEND=%s)", cfg.StateBackend)
		}
	default:
		return nil, invalid("unknown STATE_BACKEND %q", cfg.StateBackend)
	}

	if cfg.DryRun, err = parseBool("DRY_RUN", get("DRY_RUN", "false")); err != nil {
		return nil, err
	}
	if cfg.ForcePostNow, err = parseBool("FORCE_POST_NOW", get("FORCE_POST_NOW", "false")); err != nil {
		return nil, err
	}

	windowSeconds, err := strconv.Atoi(get("WINDOW_SECONDS", "60"))
	if err != nil || windowSeconds < 0 {
		return nil, invalid("invalid WINDOW_SECONDS %q", get("WINDOW_SECONDS", ""))
	}
	cfg.Tolerance = time.Duration(windowSeconds) * time.Second

	cfg.Timezone = get("TIMEZONE", "Europe/Istanbul")
	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid TIMEZONE %q", cfg.Timezone), ErrConfig)
	}

	cfg.OnExhaustion, err = progress.ParseExhaustionPolicy(strings.ToLower(get("ON_EXHAUSTION", string(progress.ExhaustionStop))))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid ON_EXHAUSTION"), ErrConfig)
	}

	cfg.Platform = strings.ToLower(get("POST_PLATFORM", PlatformTwitter))
	cfg.Twitter = TwitterCredentials{
		ConsumerKey:       get("TW_CONSUMER_KEY", ""),
		ConsumerSecret:    get("TW_CONSUMER_SECRET", ""),
		AccessToken:       get("TW_ACCESS_TOKEN", ""),
		AccessTokenSecret: get("TW_ACCESS_TOKEN_SECRET", ""),
		BaseURL:           get("TW_API_BASE_URL", "https://api.twitter.com"),
	}
	cfg.Bluesky = BlueskyCredentials{
		PDSHost:     get("BSKY_PDS_HOST", "https://bsky.social"),
		Identifier:  get("BSKY_IDENTIFIER", ""),
		AppPassword: get("BSKY_APP_PASSWORD", ""),
	}
	cfg.Telegram = TelegramCredentials{
		Token:   get("TELEGRAM_TOKEN", ""),
		Channel: get("TELEGRAM_CHANNEL", ""),
	}
	if checkCredentials {
		if err := cfg.ValidatePlatform(); err != nil {
			return nil, err
		}
	} else if !cfg.knownPlatform() {
		return nil, invalid("unknown POST_PLATFORM %q", cfg.Platform)
	}

	cfg.CronSpec = get("CRON_SPEC", "* * * * *") // Default: every minute
	cfg.RunTimeout, err = time.ParseDuration(get("RUN_TIMEOUT", "2m"))
	if err != nil || cfg.RunTimeout <= 0 {
		return nil, invalid("invalid RUN_TIMEOUT %q", get("RUN_TIMEOUT", ""))
	}

	cfg.LogLevel = strings.ToLower(get("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(get("ENVIRONMENT", "development"))

	return cfg, nil
}

func (c *AppConfig) knownPlatform() bool {
	switch c.Platform {
	case PlatformTwitter, PlatformBluesky, PlatformTelegram:
		return true
	}
	return false
}

// ValidatePlatform checks credentials. A dry run never reaches the network,
// so credentials are only demanded for real posting.
func (c *AppConfig) ValidatePlatform() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	switch c.Platform {
	case PlatformTwitter:
		require("TW_CONSUMER_KEY", c.Twitter.ConsumerKey)
		require("TW_CONSUMER_SECRET", c.Twitter.ConsumerSecret)
		require("TW_ACCESS_TOKEN", c.Twitter.AccessToken)
		require("TW_ACCESS_TOKEN_SECRET", c.Twitter.AccessTokenSecret)
	case PlatformBluesky:
		require("BSKY_IDENTIFIER", c.Bluesky.Identifier)
		require("BSKY_APP_PASSWORD", c.Bluesky.AppPassword)
	case PlatformTelegram:
		require("TELEGRAM_TOKEN", c.Telegram.Token)
		require("TELEGRAM_CHANNEL", c.Telegram.Channel)
	default:
		return invalid("unknown POST_PLATFORM %q", c.Platform)
	}
	if len(missing) == 0 || c.DryRun {
		return nil
	}
	err := invalid("%s is not set", strings.Join(missing, ", "))
	return errors.WithHint(err, "set the credentials or run with DRY_RUN=true")
}

func parseBool(name, raw string) (bool, error) {
	v, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		return false, invalid("invalid %s %q", name, raw)
	}
	return v, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}
