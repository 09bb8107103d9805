// Package config handles koandb configuration from YAML files and the
// environment.
//
// Configuration starts from Default(), is optionally overlaid with a YAML
// file (LoadFile) and finally with KOANDB_* environment variables
// (ApplyEnv). Validate() checks the result before it is handed to
// koandb.Open.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("koandb.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - KOANDB_STORAGE_ENGINE="memory" or "badger"
//   - KOANDB_STORAGE_LOW_MEMORY=true
//   - KOANDB_TRANSACTIONS_MODE="blocking" or "fail_fast"
//   - KOANDB_INDEX_DEFAULT_TYPE="exact" or "fulltext"
//   - KOANDB_INDEX_QUERY_CACHE_SIZE=1000 (0 disables the cache)
//   - KOANDB_INDEX_QUERY_CACHE_TTL=5m
//   - KOANDB_LOG_LEVEL="debug", "info", "warn" or "error"
//   - KOANDB_LOG_FORMAT="text", "json" or "logfmt"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage engines.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
)

// Transaction modes.
const (
	// ModeBlocking makes Begin wait for the writer slot.
	ModeBlocking = "blocking"
	// ModeFailFast makes Begin fail immediately while another transaction is open.
	ModeFailFast = "fail_fast"
)

// Config holds all koandb configuration.
//
// Configuration is organized into logical sections:
//   - Storage: which graph store engine backs the database
//   - Transactions: writer admission policy
//   - Index: defaults of the text index and the query cache
//   - Logging: log level and format
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Index        IndexConfig        `yaml:"index"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig selects the graph store engine.
type StorageConfig struct {
	// Engine is "memory" (copy-on-write maps) or "badger" (in-memory BadgerDB)
	Engine string `yaml:"engine" validate:"required,oneof=memory badger"`
	// LowMemory shrinks BadgerDB memtables and caches
	LowMemory bool `yaml:"low_memory"`
}

// TransactionsConfig holds transaction coordinator settings.
type TransactionsConfig struct {
	// Mode is "blocking" or "fail_fast"
	Mode string `yaml:"mode" validate:"required,oneof=blocking fail_fast"`
}

// IndexConfig holds text index settings.
type IndexConfig struct {
	// DefaultType is the analyzer of indexes created implicitly by an add
	DefaultType string `yaml:"default_type" validate:"required,oneof=exact fulltext"`
	// QueryCacheSize bounds the query result cache; 0 disables it
	QueryCacheSize int `yaml:"query_cache_size" validate:"gte=0"`
	// QueryCacheTTL expires cached results; 0 means no expiry
	QueryCacheTTL time.Duration `yaml:"query_cache_ttl" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level" validate:"required,oneof=debug info warn error"`
	// Format (text, json, logfmt)
	Format string `yaml:"format" validate:"required,oneof=text json logfmt"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine: EngineMemory,
		},
		Transactions: TransactionsConfig{
			Mode: ModeBlocking,
		},
		Index: IndexConfig{
			DefaultType:    "exact",
			QueryCacheSize: 1000,
			QueryCacheTTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads a YAML configuration file on top of Default(). Keys missing
// from the file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of Default(). Unknown keys are an
// error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv returns Default() overlaid with KOANDB_* environment variables.
//
// Thread Safety:
//
//	LoadFromEnv reads environment variables which are process-global and
//	should not be modified after startup.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields with the KOANDB_* environment variables that are
// set. Unparseable numeric values are ignored.
func (c *Config) ApplyEnv() {
	c.Storage.Engine = getEnv("KOANDB_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.LowMemory = getEnvBool("KOANDB_STORAGE_LOW_MEMORY", c.Storage.LowMemory)
	c.Transactions.Mode = getEnv("KOANDB_TRANSACTIONS_MODE", c.Transactions.Mode)
	c.Index.DefaultType = getEnv("KOANDB_INDEX_DEFAULT_TYPE", c.Index.DefaultType)
	c.Index.QueryCacheSize = getEnvInt("KOANDB_INDEX_QUERY_CACHE_SIZE", c.Index.QueryCacheSize)
	c.Index.QueryCacheTTL = getEnvDuration("KOANDB_INDEX_QUERY_CACHE_TTL", c.Index.QueryCacheTTL)
	c.Logging.Level = strings.ToLower(getEnv("KOANDB_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("KOANDB_LOG_FORMAT", c.Logging.Format))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s=%v fails %q", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// String returns a compact representation of the Config for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Engine: %s, Mode: %s, IndexType: %s, QueryCache: %d/%s, Log: %s/%s}",
		c.Storage.Engine, c.Transactions.Mode, c.Index.DefaultType,
		c.Index.QueryCacheSize, c.Index.QueryCacheTTL,
		c.Logging.Level, c.Logging.Format,
	)
}

// NewLogger builds a logger writing to w according to the logging section.
func (c LoggingConfig) NewLogger(w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, err)
	}

	var formatter log.Formatter
	switch c.Format {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "koandb",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
