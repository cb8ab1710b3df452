// Package config handles flock configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/flock/internal/models"
)

// Config is the root configuration structure for flock.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Session identifies the viewer when no session context is stored.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// LiveQuery tunes subscriptions and the change-log feed.
	LiveQuery LiveQueryConfig `yaml:"live_query" mapstructure:"live_query"`

	// Resolver bounds conversation resolution fan-out.
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`

	// Trends configures the engagement ranking.
	Trends TrendsConfig `yaml:"trends" mapstructure:"trends"`

	// Placeholders are shown for absent data.
	Placeholders PlaceholderConfig `yaml:"placeholders" mapstructure:"placeholders"`

	// Messages configures how message text is stored.
	Messages MessagesConfig `yaml:"messages" mapstructure:"messages"`

	// Server configures the flockd daemon endpoints.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// GlobalConfig contains global flock settings.
type GlobalConfig struct {
	// DataDir is where flock stores its data (default: ~/.local/share/flock).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/flock).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SessionConfig holds the default viewer.
type SessionConfig struct {
	// ViewerID is the opaque id of the viewing user.
	ViewerID string `yaml:"viewer_id" mapstructure:"viewer_id"`

	// Timezone is the IANA zone used for message day boundaries ("Local" or "UTC" allowed).
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// LiveQueryConfig tunes live queries.
type LiveQueryConfig struct {
	// ResyncInterval re-reads subscribed queries periodically; zero disables it.
	ResyncInterval time.Duration `yaml:"resync_interval" mapstructure:"resync_interval"`

	// FeedPollInterval is how often the change log is tailed.
	FeedPollInterval time.Duration `yaml:"feed_poll_interval" mapstructure:"feed_poll_interval"`

	// FeedBatchSize is the max change-log rows read per poll.
	FeedBatchSize int `yaml:"feed_batch_size" mapstructure:"feed_batch_size"`

	// ChangeRetention is how long change-log rows are kept.
	ChangeRetention time.Duration `yaml:"change_retention" mapstructure:"change_retention"`
}

// ResolverConfig bounds the per-conversation lookups.
type ResolverConfig struct {
	// MaxConcurrency caps in-flight conversation lookups.
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`

	// LookupsPerSecond paces store reads; zero disables pacing.
	LookupsPerSecond float64 `yaml:"lookups_per_second" mapstructure:"lookups_per_second"`

	// Burst is the pacing burst size.
	Burst int `yaml:"burst" mapstructure:"burst"`
}

// TrendsConfig configures ranking.
type TrendsConfig struct {
	// Window keeps only items newer than asOf-Window; zero keeps everything.
	Window time.Duration `yaml:"window" mapstructure:"window"`

	// Debounce coalesces bursts of changes before the daemon re-ranks.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// PlaceholderConfig holds the labels used for absent data.
type PlaceholderConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Handle     string `yaml:"handle" mapstructure:"handle"`
	Avatar     string `yaml:"avatar" mapstructure:"avatar"`
	NoMessages string `yaml:"no_messages" mapstructure:"no_messages"`
}

// MessagesConfig controls message text handling.
type MessagesConfig struct {
	// TrimSpace strips leading and trailing whitespace from sent text.
	TrimSpace bool `yaml:"trim_space" mapstructure:"trim_space"`
}

// ServerConfig configures the daemon listeners.
type ServerConfig struct {
	// GRPCAddr serves the gRPC health service.
	GRPCAddr string `yaml:"grpc_addr" mapstructure:"grpc_addr"`

	// HTTPAddr serves metrics, health and the trends API; empty disables it.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`

	// AllowedOrigins lists CORS origins accepted by the HTTP API.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "flock"),
			ConfigDir: filepath.Join(homeDir, ".config", "flock"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/flock.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Session: SessionConfig{
			Timezone: "Local",
		},
		LiveQuery: LiveQueryConfig{
			ResyncInterval:   0,
			FeedPollInterval: 500 * time.Millisecond,
			FeedBatchSize:    100,
			ChangeRetention:  24 * time.Hour,
		},
		Resolver: ResolverConfig{
			MaxConcurrency:   8,
			LookupsPerSecond: 50,
			Burst:            10,
		},
		Trends: TrendsConfig{
			Window:   0,
			Debounce: 250 * time.Millisecond,
		},
		Placeholders: PlaceholderConfig{
			Name:       "Unknown User",
			Handle:     "unknown",
			Avatar:     "/default-avatar.png",
			NoMessages: "No messages yet",
		},
		Messages: MessagesConfig{
			TrimSpace: true,
		},
		Server: ServerConfig{
			GRPCAddr:       "127.0.0.1:7450",
			HTTPAddr:       "127.0.0.1:9450",
			AllowedOrigins: []string{"http://localhost:*"},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.LiveQuery.FeedPollInterval < 10*time.Millisecond {
		return fmt.Errorf("live_query.feed_poll_interval must be at least 10ms")
	}

	if c.LiveQuery.ResyncInterval != 0 && c.LiveQuery.ResyncInterval < 100*time.Millisecond {
		return fmt.Errorf("live_query.resync_interval must be 0 or at least 100ms")
	}

	if c.LiveQuery.FeedBatchSize < 1 {
		return fmt.Errorf("live_query.feed_batch_size must be at least 1")
	}

	if c.Resolver.MaxConcurrency < 1 {
		return fmt.Errorf("resolver.max_concurrency must be at least 1")
	}

	if c.Resolver.LookupsPerSecond < 0 {
		return fmt.Errorf("resolver.lookups_per_second must not be negative")
	}

	if c.Resolver.LookupsPerSecond > 0 && c.Resolver.Burst < 1 {
		return fmt.Errorf("resolver.burst must be at least 1 when pacing is enabled")
	}

	if c.Trends.Window < 0 {
		return fmt.Errorf("trends.window must not be negative")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	return nil
}

// Location resolves the configured session timezone.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Session.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	default:
		return time.LoadLocation(c.Session.Timezone)
	}
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "flock.db")
}

// Placeholder returns the labels shown for users that cannot be resolved.
func (p PlaceholderConfig) Placeholder() models.Placeholder {
	out := models.DefaultPlaceholder()
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Handle != "" {
		out.Handle = p.Handle
	}
	if p.Avatar != "" {
		out.AvatarURL = p.Avatar
	}
	return out
}
