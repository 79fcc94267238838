// Package config loads garagecore settings from an optional YAML file and
// GARAGECORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GARAGECORE_"

// Config is the full process configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Inventory InventoryConfig `yaml:"inventory"`
	Finance   FinanceConfig   `yaml:"finance"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Locations LocationsConfig `yaml:"locations"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects the entity, relationship and outbox backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DispatchConfig tunes the outbox dispatcher.
type DispatchConfig struct {
	Inline         bool          `yaml:"inline"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Factor         float64       `yaml:"factor"`
	Jitter         float64       `yaml:"jitter"`
	LedgerDriver   string        `yaml:"ledger_driver"` // memory|redis
}

// InventoryConfig selects the Inventory collaborator.
type InventoryConfig struct {
	Driver    string           `yaml:"driver"` // memory|redis|mysql
	RedisAddr string           `yaml:"redis_addr"`
	RedisDB   int              `yaml:"redis_db"`
	MySQLDSN  string           `yaml:"mysql_dsn"`
	Seed      map[string]int64 `yaml:"seed"`
}

// FinanceConfig selects the Finance collaborator.
type FinanceConfig struct {
	Driver      string `yaml:"driver"` // memory|postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ArchiveConfig selects where dead letters are archived.
type ArchiveConfig struct {
	Driver      string `yaml:"driver"` // none|memory|fs|s3
	Prefix      string `yaml:"prefix"`
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// LocationsConfig lists known storage locations.
type LocationsConfig struct {
	Known   []string `yaml:"known"`
	Default string   `yaml:"default"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration that runs entirely in process.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "garagecore.db"},
		Dispatch: DispatchConfig{
			Inline:         true,
			PollInterval:   2 * time.Second,
			BatchSize:      256,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Minute,
			Factor:         2,
			Jitter:         0.2,
			LedgerDriver:   "memory",
		},
		Inventory: InventoryConfig{Driver: "memory"},
		Finance:   FinanceConfig{Driver: "memory"},
		Archive:   ArchiveConfig{Driver: "none", Prefix: "dead-letters"},
		Locations: LocationsConfig{Default: "main"},
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment
// overrides from os.LookupEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GARAGECORE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)

	boolean("DISPATCH_INLINE", &c.Dispatch.Inline)
	duration("DISPATCH_POLL_INTERVAL", &c.Dispatch.PollInterval)
	integer("DISPATCH_BATCH_SIZE", &c.Dispatch.BatchSize)
	integer("DISPATCH_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts)
	duration("DISPATCH_INITIAL_BACKOFF", &c.Dispatch.InitialBackoff)
	duration("DISPATCH_MAX_BACKOFF", &c.Dispatch.MaxBackoff)
	str("DISPATCH_LEDGER_DRIVER", &c.Dispatch.LedgerDriver)

	str("INVENTORY_DRIVER", &c.Inventory.Driver)
	str("INVENTORY_REDIS_ADDR", &c.Inventory.RedisAddr)
	integer("INVENTORY_REDIS_DB", &c.Inventory.RedisDB)
	str("INVENTORY_MYSQL_DSN", &c.Inventory.MySQLDSN)

	str("FINANCE_DRIVER", &c.Finance.Driver)
	str("FINANCE_POSTGRES_DSN", &c.Finance.PostgresDSN)

	str("ARCHIVE_DRIVER", &c.Archive.Driver)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("ARCHIVE_FS_ROOT", &c.Archive.FSRoot)
	str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	boolean("ARCHIVE_S3_PATH_STYLE", &c.Archive.S3PathStyle)

	if v, ok := lookup(EnvPrefix + "LOCATIONS"); ok {
		c.Locations.Known = splitList(v)
	}
	str("DEFAULT_LOCATION", &c.Locations.Default)

	str("HTTP_ADDR", &c.HTTP.Addr)
	duration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_DEVELOPMENT", &c.Log.Development)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, "|")))
	}
	oneOf("storage.driver", c.Storage.Driver, "memory", "sqlite", "postgres")
	oneOf("inventory.driver", c.Inventory.Driver, "memory", "redis", "mysql")
	oneOf("finance.driver", c.Finance.Driver, "memory", "postgres")
	oneOf("archive.driver", c.Archive.Driver, "none", "memory", "fs", "s3")
	oneOf("dispatch.ledger_driver", c.Dispatch.LedgerDriver, "memory", "redis")

	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
	}
	if c.Inventory.Driver == "mysql" && c.Inventory.MySQLDSN == "" {
		errs = append(errs, errors.New("inventory.mysql_dsn is required for the mysql driver"))
	}
	if (c.Inventory.Driver == "redis" || c.Dispatch.LedgerDriver == "redis") && c.Inventory.RedisAddr == "" {
		errs = append(errs, errors.New("inventory.redis_addr is required when redis is used"))
	}
	if c.Finance.Driver == "postgres" && c.Finance.PostgresDSN == "" {
		errs = append(errs, errors.New("finance.postgres_dsn is required for the postgres driver"))
	}
	if c.Archive.Driver == "s3" && c.Archive.S3Bucket == "" {
		errs = append(errs, errors.New("archive.s3_bucket is required for the s3 driver"))
	}
	if c.Archive.Driver == "fs" && c.Archive.FSRoot == "" {
		errs = append(errs, errors.New("archive.fs_root is required for the fs driver"))
	}
	if c.Dispatch.PollInterval <= 0 {
		errs = append(errs, errors.New("dispatch.poll_interval must be positive"))
	}
	if len(c.Locations.Known) > 0 && c.Locations.Default != "" {
		found := false
		for _, id := range c.Locations.Known {
			found = found || id == c.Locations.Default
		}
		if !found {
			errs = append(errs, fmt.Errorf("locations.default %q is not a known location", c.Locations.Default))
		}
	}
	return errors.Join(errs...)
}
