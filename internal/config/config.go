// Package config merges command-line flags, environment variables and an
// optional YAML file into one Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INBOXPILOT_SYNC_POLL_INTERVAL.
const EnvPrefix = "INBOXPILOT"

// SyncConfig tunes the poll loop.
type SyncConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ResetOnInvalidCursor bool          `mapstructure:"reset_on_invalid_cursor"`
}

// DigestConfig tunes the digest runner.
type DigestConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Lookback      time.Duration `mapstructure:"lookback"`
	CatchUpPhrase string        `mapstructure:"catch_up_phrase"`
	Timezone      string        `mapstructure:"timezone"`
}

// TelegramConfig identifies the bot and the one chat it serves.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// LLMConfig configures the summarizer and reply drafter.
type LLMConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Config is the full runtime configuration.
type Config struct {
	GmailDir      string         `mapstructure:"gmail_dir"`
	DBPath        string         `mapstructure:"db"`
	VIPFile       string         `mapstructure:"vip_file"`
	CredentialDir string         `mapstructure:"credential_dir"`
	LogLevel      string         `mapstructure:"log_level"`
	RPS           int            `mapstructure:"rps"`
	PageSize      int            `mapstructure:"page_size"`
	Sync          SyncConfig     `mapstructure:"sync"`
	Digest        DigestConfig   `mapstructure:"digest"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	LLM           LLMConfig      `mapstructure:"llm"`
}

// Location returns the digest timezone, defaulting to the local zone.
func (c Config) Location() (*time.Location, error) {
	if c.Digest.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Digest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Digest.Timezone, err)
	}
	return loc, nil
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"gmail-dir":               "gmail_dir",
	"db":                      "db",
	"vip-file":                "vip_file",
	"log-level":               "log_level",
	"rps":                     "rps",
	"page-size":               "page_size",
	"poll-interval":           "sync.poll_interval",
	"reset-on-invalid-cursor": "sync.reset_on_invalid_cursor",
	"digest-interval":         "digest.interval",
	"digest-lookback":         "digest.lookback",
	"chat-id":                 "telegram.chat_id",
}

// RegisterFlags attaches the shared flags to the root command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML config file (default ~/.config/inboxpilot/config.yaml if present)")
	flags.String("gmail-dir", defaultGmailDir(), "gmailctl auth directory")
	flags.String("db", "inboxpilot.db", "SQLite state database")
	flags.String("vip-file", filepath.Join("data", "vip_addresses.json"), "JSON list of VIP sender addresses")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.Int("rps", 4, "max Gmail requests per second")
	flags.Int("page-size", 500, "Gmail list page size (<=500)")
	flags.Duration("poll-interval", 60*time.Second, "wait between poll cycles")
	flags.Bool("reset-on-invalid-cursor", false, "jump to the current mailbox position when the stored cursor is rejected")
	flags.Duration("digest-interval", 24*time.Hour, "time between scheduled digests")
	flags.Duration("digest-lookback", 24*time.Hour, "window of the first digest")
	flags.Int64("chat-id", 0, "Telegram chat that receives notifications")
}

// Load resolves the configuration for cmd. Precedence, highest first:
// explicitly set flags, environment, config file, defaults.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	path, _ := flags.GetString("config")
	if err := readConfigFile(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gmail_dir", defaultGmailDir())
	v.SetDefault("db", "inboxpilot.db")
	v.SetDefault("vip_file", filepath.Join("data", "vip_addresses.json"))
	v.SetDefault("credential_dir", defaultCredentialDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("rps", 4)
	v.SetDefault("page_size", 500)
	v.SetDefault("sync.poll_interval", 60*time.Second)
	v.SetDefault("sync.reset_on_invalid_cursor", false)
	v.SetDefault("digest.interval", 24*time.Hour)
	v.SetDefault("digest.lookback", 24*time.Hour)
	v.SetDefault("digest.catch_up_phrase", "catch me up")
	v.SetDefault("digest.timezone", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.max_tokens", 0)
}

// readConfigFile reads an explicit path strictly; the default path is optional.
func readConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && (errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Sync.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", cfg.Sync.PollInterval)
	}
	if cfg.Digest.Interval <= 0 {
		return fmt.Errorf("digest interval must be positive, got %s", cfg.Digest.Interval)
	}
	if cfg.Digest.Lookback <= 0 {
		return fmt.Errorf("digest lookback must be positive, got %s", cfg.Digest.Lookback)
	}
	if cfg.RPS < 0 {
		return fmt.Errorf("rps must not be negative, got %d", cfg.RPS)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 500 {
		return fmt.Errorf("page size must be between 1 and 500, got %d", cfg.PageSize)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// DefaultConfigPath is ~/.config/inboxpilot/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxpilot", "config.yaml")
}

func defaultGmailDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gmailctl"
	}
	return filepath.Join(home, ".gmailctl")
}

func defaultCredentialDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "credentials")
	}
	return filepath.Join(home, ".config", "inboxpilot", "credentials")
}
