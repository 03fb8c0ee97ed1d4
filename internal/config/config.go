// Package config loads the bot configuration from the environment and,
// optionally, a hot-reloadable overrides file for the runtime-tunable knobs.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full startup configuration. Missing or invalid required
// settings are fatal; the process must not start with a partial config.
type Config struct {
	Telegram  TelegramConfig
	Forwarder ForwarderConfig
	Shorten   ShortenConfig
	Store     StoreConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
	Digest    DigestConfig

	// OverridesFile is an optional YAML file with runtime-tunable settings,
	// watched for changes. Empty disables hot reload.
	OverridesFile string `envconfig:"OVERRIDES_FILE"`
}

type TelegramConfig struct {
	Token       string        `envconfig:"BOT_TOKEN" required:"true"`
	PollTimeout time.Duration `envconfig:"POLL_TIMEOUT" default:"10s"`

	// SourceChannels are the numeric chat IDs the bot watches.
	SourceChannels []int64 `envconfig:"SOURCE_CHANNELS" required:"true"`
	TargetChannel  int64   `envconfig:"TARGET_CHANNEL" required:"true"`

	// AlertUserID receives error alerts and is always a command operator.
	AlertUserID  int64   `envconfig:"ALERT_USER_ID" required:"true"`
	OwnerUserIDs []int64 `envconfig:"OWNER_USER_IDS"`
}

type ForwarderConfig struct {
	AffiliateTag string `envconfig:"AFFILIATE_TAG" required:"true"`

	// RewriteLevel is the probability (0..1) that the light synonym rewrite
	// is applied to an outbound message. 0 disables rewriting.
	RewriteLevel  float64 `envconfig:"REWRITE_LEVEL" default:"0.35"`
	ExtraHashtags string  `envconfig:"EXTRA_HASHTAGS"`

	// PostDelayMin/Max bound the random pause before publishing. Equal zeros
	// disable the pause.
	PostDelayMin time.Duration `envconfig:"POST_DELAY_MIN" default:"2s"`
	PostDelayMax time.Duration `envconfig:"POST_DELAY_MAX" default:"5s"`
}

type ShortenConfig struct {
	// BitlyToken enables shortening when non-empty.
	BitlyToken string        `envconfig:"BITLY_TOKEN"`
	Timeout    time.Duration `envconfig:"SHORTEN_TIMEOUT" default:"10s"`
}

type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"file"`
	Path   string `envconfig:"STORE_PATH" default:"./data/affibot"`
}

type HTTPConfig struct {
	// Addr is the keep-alive listen address. Empty disables the server.
	Addr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type LoggingConfig struct {
	Level    string `envconfig:"LOG_LEVEL" default:"info"`
	File     string `envconfig:"LOG_FILE"`
	Console  bool   `envconfig:"LOG_CONSOLE" default:"true"`
	Operator bool   `envconfig:"OPERATOR_LOG"`
}

type DigestConfig struct {
	// Schedule is a cron spec (e.g. "0 9 * * *"). Empty disables the digest.
	Schedule string `envconfig:"DIGEST_SCHEDULE"`
}

// Load reads configuration from the environment. (.env loading happens in
// cmd/bot for dev convenience, not here.)
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg.Telegram); err != nil {
		return nil, fmt.Errorf("telegram config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Forwarder); err != nil {
		return nil, fmt.Errorf("forwarder config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Shorten); err != nil {
		return nil, fmt.Errorf("shorten config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Store); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	if err := envconfig.Process("", &cfg.HTTP); err != nil {
		return nil, fmt.Errorf("http config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Logging); err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Digest); err != nil {
		return nil, fmt.Errorf("digest config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Telegram.SourceChannels) == 0 {
		return fmt.Errorf("SOURCE_CHANNELS: at least one source channel ID is required")
	}
	for _, id := range c.Telegram.SourceChannels {
		if id == 0 {
			return fmt.Errorf("SOURCE_CHANNELS: channel ID must be non-zero")
		}
		if id == c.Telegram.TargetChannel {
			return fmt.Errorf("SOURCE_CHANNELS: target channel %d cannot also be a source", id)
		}
	}
	if c.Telegram.TargetChannel == 0 {
		return fmt.Errorf("TARGET_CHANNEL: must be a non-zero chat ID")
	}
	if c.Telegram.AlertUserID == 0 {
		return fmt.Errorf("ALERT_USER_ID: must be a non-zero user ID")
	}
	if c.Forwarder.AffiliateTag == "" {
		return fmt.Errorf("AFFILIATE_TAG: must not be empty")
	}
	if c.Forwarder.RewriteLevel < 0 || c.Forwarder.RewriteLevel > 1 {
		return fmt.Errorf("REWRITE_LEVEL: must be within [0,1], got %v", c.Forwarder.RewriteLevel)
	}
	if c.Forwarder.PostDelayMin < 0 || c.Forwarder.PostDelayMax < 0 {
		return fmt.Errorf("POST_DELAY_MIN/MAX: must be >= 0")
	}
	if c.Forwarder.PostDelayMax < c.Forwarder.PostDelayMin {
		return fmt.Errorf("POST_DELAY_MAX: must be >= POST_DELAY_MIN")
	}
	if c.Shorten.Timeout <= 0 {
		return fmt.Errorf("SHORTEN_TIMEOUT: must be > 0")
	}
	switch c.Store.Driver {
	case "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("STORE_DRIVER: unknown driver %q (want file or sqlite)", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH: must not be empty")
	}
	return nil
}

// IsSource reports whether chatID is one of the watched source channels.
func (c *Config) IsSource(chatID int64) bool {
	for _, id := range c.Telegram.SourceChannels {
		if id == chatID {
			return true
		}
	}
	return false
}

// IsOperator reports whether userID may use operator commands.
func (c *Config) IsOperator(userID int64) bool {
	if userID == 0 {
		return false
	}
	if userID == c.Telegram.AlertUserID {
		return true
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
