package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ppiankov/policycache/internal/cache"
	"github.com/ppiankov/policycache/internal/store"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by viper
const EnvPrefix = "POLICYCACHE"

// Config is the complete policycache configuration
type Config struct {
	Backend string        `mapstructure:"backend" yaml:"backend"` // file | table
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	File    FileConfig    `mapstructure:"file" yaml:"file"`
	Table   TableConfig   `mapstructure:"table" yaml:"table"`
	Migrate MigrateConfig `mapstructure:"migrate" yaml:"migrate"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// CacheConfig controls read behaviour
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	ExpiryDays int           `mapstructure:"expiry_days" yaml:"expiry_days"` // 0 disables expiry
	MemoryTTL  time.Duration `mapstructure:"memory_ttl" yaml:"memory_ttl"`   // 0 disables the in-process layer
}

// FileConfig configures the JSON file backend
type FileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TableConfig configures the DynamoDB backend
type TableConfig struct {
	Name            string `mapstructure:"name" yaml:"name"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

// MigrateConfig sizes copies between backends
type MigrateConfig struct {
	Workers int     `mapstructure:"workers" yaml:"workers"`
	Rate    float64 `mapstructure:"rate" yaml:"rate"` // writes per second
	Burst   int     `mapstructure:"burst" yaml:"burst"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug | info | warn | error
	Format string `mapstructure:"format" yaml:"format"` // text | json
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Backend: store.BackendFile,
		Cache: CacheConfig{
			Enabled:    true,
			ExpiryDays: 30,
			MemoryTTL:  5 * time.Minute,
		},
		File: FileConfig{
			Path: "summaries_db.json",
		},
		Table: TableConfig{
			Name:   "naked-policy-summaries",
			Region: "us-east-1",
		},
		Migrate: MigrateConfig{
			Workers: 4,
			Rate:    20,
			Burst:   5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// legacyEnv holds the unprefixed variables understood by earlier releases
type legacyEnv struct {
	DBType          string `env:"DB_TYPE"`
	CacheEnabled    *bool  `env:"CACHE_ENABLED"`
	CacheExpiryDays *int   `env:"CACHE_EXPIRY_DAYS"`
	TableName       string `env:"DYNAMODB_TABLE_NAME"`
	TableRegion     string `env:"DYNAMODB_REGION"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

// SetDefaults registers defaults on v, with legacy environment variables
// layered over the built-in values. Config files, POLICYCACHE_* variables
// and flags all take precedence over both.
func SetDefaults(v *viper.Viper) error {
	def := Default()

	var legacy legacyEnv
	if err := env.Parse(&legacy); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if legacy.DBType != "" {
		def.Backend = legacy.DBType
	}
	if legacy.CacheEnabled != nil {
		def.Cache.Enabled = *legacy.CacheEnabled
	}
	if legacy.CacheExpiryDays != nil {
		def.Cache.ExpiryDays = *legacy.CacheExpiryDays
	}
	if legacy.TableName != "" {
		def.Table.Name = legacy.TableName
	}
	if legacy.TableRegion != "" {
		def.Table.Region = legacy.TableRegion
	}
	def.Table.AccessKeyID = legacy.AccessKeyID
	def.Table.SecretAccessKey = legacy.SecretAccessKey

	v.SetDefault("backend", def.Backend)
	v.SetDefault("cache.enabled", def.Cache.Enabled)
	v.SetDefault("cache.expiry_days", def.Cache.ExpiryDays)
	v.SetDefault("cache.memory_ttl", def.Cache.MemoryTTL)
	v.SetDefault("file.path", def.File.Path)
	v.SetDefault("table.name", def.Table.Name)
	v.SetDefault("table.region", def.Table.Region)
	v.SetDefault("table.endpoint", def.Table.Endpoint)
	v.SetDefault("table.access_key_id", def.Table.AccessKeyID)
	v.SetDefault("table.secret_access_key", def.Table.SecretAccessKey)
	v.SetDefault("migrate.workers", def.Migrate.Workers)
	v.SetDefault("migrate.rate", def.Migrate.Rate)
	v.SetDefault("migrate.burst", def.Migrate.Burst)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the configuration held by v. SetDefaults must have been called.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend = canonicalBackend(cfg.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// canonicalBackend maps the legacy names ("json", "dynamodb") to backend names
func canonicalBackend(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "json", store.BackendFile:
		return store.BackendFile
	case "dynamodb", store.BackendTable:
		return store.BackendTable
	default:
		return name
	}
}

// Validate checks the configuration for values no backend can use
func (c *Config) Validate() error {
	switch c.Backend {
	case store.BackendFile:
		if c.File.Path == "" {
			return fmt.Errorf("file.path must be set for the file backend")
		}
	case store.BackendTable:
		if c.Table.Name == "" {
			return fmt.Errorf("table.name must be set for the table backend")
		}
		if c.Table.Region == "" {
			return fmt.Errorf("table.region must be set for the table backend")
		}
	default:
		return fmt.Errorf("unknown backend: %q (supported: file, table)", c.Backend)
	}

	if c.Cache.ExpiryDays < 0 {
		return fmt.Errorf("cache.expiry_days must not be negative, got %d", c.Cache.ExpiryDays)
	}
	if c.Cache.MemoryTTL < 0 {
		return fmt.Errorf("cache.memory_ttl must not be negative, got %s", c.Cache.MemoryTTL)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format: %q (supported: text, json)", c.Log.Format)
	}
	return nil
}

// StoreConfig converts the table settings for the store package
func (c *Config) StoreConfig() store.TableConfig {
	return store.TableConfig{
		Name:            c.Table.Name,
		Region:          c.Table.Region,
		Endpoint:        c.Table.Endpoint,
		AccessKeyID:     c.Table.AccessKeyID,
		SecretAccessKey: c.Table.SecretAccessKey,
	}
}

// OpenStore constructs the configured backend
func (c *Config) OpenStore(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	return c.OpenBackend(ctx, c.Backend, logger)
}

// OpenBackend constructs the named backend from this configuration
func (c *Config) OpenBackend(ctx context.Context, backend string, logger *slog.Logger) (store.Store, error) {
	switch canonicalBackend(backend) {
	case store.BackendFile:
		return store.NewFileStore(c.File.Path, logger)
	case store.BackendTable:
		client, err := store.NewDynamoClient(ctx, c.StoreConfig())
		if err != nil {
			return nil, err
		}
		return store.NewTableStore(client, c.Table.Name, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend: %q (supported: file, table)", backend)
	}
}

// NewCache opens the configured store and wraps it in a Cache
func (c *Config) NewCache(ctx context.Context, logger *slog.Logger) (*cache.Cache, error) {
	s, err := c.OpenStore(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", c.Backend, err)
	}
	return cache.New(s, c.CacheOptions(logger)), nil
}

// CacheOptions converts the cache settings for the cache package
func (c *Config) CacheOptions(logger *slog.Logger) cache.Options {
	return cache.Options{
		Enabled:    c.Cache.Enabled,
		ExpiryDays: c.Cache.ExpiryDays,
		MemoryTTL:  c.Cache.MemoryTTL,
		Logger:     logger,
	}
}

// NewLogger builds the slog logger described by the log settings
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown log.level: %q (supported: debug, info, warn, error)", s)
	}
	return level, nil
}
