package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FLOCK_SESSION_VIEWER_ID.
const EnvPrefix = "FLOCK"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence
// defaults < config file < env vars < CLI flags.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Only an explicitly requested file is mandatory.
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Unmarshal drops env values for nested keys once a file is present.
	l.applyEnvOverrides(cfg)

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "flock"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "flock"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("session.viewer_id", cfg.Session.ViewerID)
	v.SetDefault("session.timezone", cfg.Session.Timezone)

	v.SetDefault("live_query.resync_interval", cfg.LiveQuery.ResyncInterval)
	v.SetDefault("live_query.feed_poll_interval", cfg.LiveQuery.FeedPollInterval)
	v.SetDefault("live_query.feed_batch_size", cfg.LiveQuery.FeedBatchSize)
	v.SetDefault("live_query.change_retention", cfg.LiveQuery.ChangeRetention)

	v.SetDefault("resolver.max_concurrency", cfg.Resolver.MaxConcurrency)
	v.SetDefault("resolver.lookups_per_second", cfg.Resolver.LookupsPerSecond)
	v.SetDefault("resolver.burst", cfg.Resolver.Burst)

	v.SetDefault("trends.window", cfg.Trends.Window)
	v.SetDefault("trends.debounce", cfg.Trends.Debounce)

	v.SetDefault("placeholders.name", cfg.Placeholders.Name)
	v.SetDefault("placeholders.handle", cfg.Placeholders.Handle)
	v.SetDefault("placeholders.avatar", cfg.Placeholders.Avatar)
	v.SetDefault("placeholders.no_messages", cfg.Placeholders.NoMessages)

	v.SetDefault("messages.trim_space", cfg.Messages.TrimSpace)

	v.SetDefault("server.grpc_addr", cfg.Server.GRPCAddr)
	v.SetDefault("server.http_addr", cfg.Server.HTTPAddr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key; used for flag overrides.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// envKeys lists every key that can be overridden from the environment.
var envKeys = []string{
	"global.data_dir",
	"global.config_dir",
	"database.path",
	"database.max_connections",
	"database.busy_timeout_ms",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"session.viewer_id",
	"session.timezone",
	"live_query.resync_interval",
	"live_query.feed_poll_interval",
	"live_query.feed_batch_size",
	"live_query.change_retention",
	"resolver.max_concurrency",
	"resolver.lookups_per_second",
	"resolver.burst",
	"trends.window",
	"trends.debounce",
	"placeholders.name",
	"placeholders.handle",
	"placeholders.avatar",
	"placeholders.no_messages",
	"messages.trim_space",
	"server.grpc_addr",
	"server.http_addr",
}

// EnvVar returns the environment variable bound to a config key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, EnvVar(key))
	}
}

// applyEnvOverrides copies set env vars onto cfg after Unmarshal.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v
	set := func(key string) bool {
		_, ok := os.LookupEnv(EnvVar(key))
		return ok
	}

	if set("global.data_dir") {
		cfg.Global.DataDir = v.GetString("global.data_dir")
	}
	if set("global.config_dir") {
		cfg.Global.ConfigDir = v.GetString("global.config_dir")
	}
	if set("database.path") {
		cfg.Database.Path = v.GetString("database.path")
	}
	if set("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if set("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if set("logging.file") {
		cfg.Logging.File = v.GetString("logging.file")
	}
	if set("session.viewer_id") {
		cfg.Session.ViewerID = v.GetString("session.viewer_id")
	}
	if set("session.timezone") {
		cfg.Session.Timezone = v.GetString("session.timezone")
	}
	if set("live_query.resync_interval") {
		cfg.LiveQuery.ResyncInterval = v.GetDuration("live_query.resync_interval")
	}
	if set("live_query.feed_poll_interval") {
		cfg.LiveQuery.FeedPollInterval = v.GetDuration("live_query.feed_poll_interval")
	}
	if set("resolver.max_concurrency") {
		cfg.Resolver.MaxConcurrency = v.GetInt("resolver.max_concurrency")
	}
	if set("trends.window") {
		cfg.Trends.Window = v.GetDuration("trends.window")
	}
	if set("messages.trim_space") {
		cfg.Messages.TrimSpace = v.GetBool("messages.trim_space")
	}
	if set("server.grpc_addr") {
		cfg.Server.GRPCAddr = v.GetString("server.grpc_addr")
	}
	if set("server.http_addr") {
		cfg.Server.HTTPAddr = v.GetString("server.http_addr")
	}
}
