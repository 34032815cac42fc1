// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package config loads and validates the archiver's YAML configuration,
// with ${VAR} environment substitution and global defaults applied to
// per-table settings.
package config

import (
	"os"
	"regexp"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"storj.io/audit-archiver/pkg/legalhold"
	"storj.io/audit-archiver/pkg/lock"
	"storj.io/audit-archiver/pkg/objectstore"
	"storj.io/audit-archiver/pkg/source"
)

// Error is the class for configuration failures.
var Error = errs.Class("config")

// Config is the root of the archiver configuration file.
type Config struct {
	Version    string           `yaml:"version"`
	S3         S3Config         `yaml:"s3"`
	Defaults   Defaults         `yaml:"defaults"`
	Databases  []Database       `yaml:"databases"`
	Monitoring Monitoring       `yaml:"monitoring"`
	Compliance Compliance       `yaml:"compliance"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Locking    Locking          `yaml:"locking"`
	LegalHolds LegalHolds       `yaml:"legal_holds"`

	// StateDir holds lock files and multipart journals.
	StateDir string `yaml:"state_dir"`
}

// S3Config configures the object store.
type S3Config struct {
	Bucket            string  `yaml:"bucket"`
	Region            string  `yaml:"region"`
	Prefix            string  `yaml:"prefix"`
	Endpoint          string  `yaml:"endpoint"`
	StorageClass      string  `yaml:"storage_class"`
	Encryption        string  `yaml:"encryption"`
	AccessKeyID       string  `yaml:"access_key_id"`
	SecretAccessKey   string  `yaml:"secret_access_key"`
	RequestsPerSecond float64 `yaml:"rate_limit_requests_per_second"`
}

// Defaults are global settings tables inherit unless overridden.
type Defaults struct {
	RetentionDays        int     `yaml:"retention_days"`
	BatchSize            int     `yaml:"batch_size"`
	SleepBetweenBatches  float64 `yaml:"sleep_between_batches"`
	VacuumAfter          bool    `yaml:"vacuum_after"`
	ParallelDatabases    bool    `yaml:"parallel_databases"`
	MaxParallelDatabases int     `yaml:"max_parallel_databases"`
	ConnectionPoolSize   int     `yaml:"connection_pool_size"`
	CompressionLevel     int     `yaml:"compression_level"`
	FailOnSchemaDrift    bool    `yaml:"fail_on_schema_drift"`
	SafetyBufferDays     int     `yaml:"safety_buffer_days"`
}

// Database configures one source database and its tables.
type Database struct {
	Name        string  `yaml:"name"`
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	User        string  `yaml:"user"`
	PasswordEnv string  `yaml:"password_env"`
	Password    string  `yaml:"password"`
	Tables      []Table `yaml:"tables"`

	ConnectionPoolSize int `yaml:"connection_pool_size"`
}

// Table configures one table to archive. Zero-valued overrides fall back
// to the global defaults.
type Table struct {
	Name            string `yaml:"name"`
	Schema          string `yaml:"schema"`
	TimestampColumn string `yaml:"timestamp_column"`
	PrimaryKey      string `yaml:"primary_key"`
	RetentionDays   int    `yaml:"retention_days"`
	BatchSize       int    `yaml:"batch_size"`
}

// Monitoring configures observability behavior.
type Monitoring struct {
	ProgressEnabled bool `yaml:"progress_enabled"`
	QuietMode       bool `yaml:"quiet_mode"`
}

// Compliance bounds retention so tables cannot be archived too early or
// kept past policy.
type Compliance struct {
	MinRetentionDays int `yaml:"min_retention_days"`
	MaxRetentionDays int `yaml:"max_retention_days"`
}

// CheckpointConfig configures checkpointing.
type CheckpointConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Frequency int64  `yaml:"frequency"`
	Storage   string `yaml:"storage_type"`
}

// LegalHolds configures where active legal holds are looked up before a
// table is archived.
type LegalHolds struct {
	Enabled           bool   `yaml:"enabled"`
	CheckTable        string `yaml:"check_table"`
	APIEndpoint       string `yaml:"api_endpoint"`
	APITimeoutSeconds int    `yaml:"api_timeout"`
}

// HoldConfig converts to the legalhold package's config.
func (l LegalHolds) HoldConfig() legalhold.Config {
	return legalhold.Config{
		Enabled:    l.Enabled,
		CheckTable: l.CheckTable,
		APIBase:    l.APIEndpoint,
		APITimeout: time.Duration(l.APITimeoutSeconds) * time.Second,
	}
}

// Locking configures the distributed lock.
type Locking struct {
	Type                     string `yaml:"type"`
	TTLSeconds               int    `yaml:"ttl_seconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

// LockConfig converts to the lock package's config.
func (l Locking) LockConfig() lock.Config {
	config := lock.DefaultConfig()
	if l.Type != "" {
		config.Type = l.Type
	}
	if l.TTLSeconds > 0 {
		config.TTL = time.Duration(l.TTLSeconds) * time.Second
	}
	if l.HeartbeatIntervalSeconds > 0 {
		config.HeartbeatInterval = time.Duration(l.HeartbeatIntervalSeconds) * time.Second
	}
	return config
}

// StoreConfig converts to the object store config.
func (c *Config) StoreConfig() objectstore.Config {
	return objectstore.Config{
		Bucket:            c.S3.Bucket,
		Region:            c.S3.Region,
		Prefix:            c.S3.Prefix,
		Endpoint:          c.S3.Endpoint,
		StorageClass:      c.S3.StorageClass,
		AccessKeyID:       c.S3.AccessKeyID,
		SecretKey:         c.S3.SecretAccessKey,
		RequestsPerSecond: c.S3.RequestsPerSecond,
		Retry:             objectstore.DefaultRetryConfig,
		Multipart:         objectstore.DefaultMultipartConfig,
	}
}

// DatabasePassword resolves the password for database, preferring
// password_env.
func (d *Database) DatabasePassword() (string, error) {
	switch {
	case d.PasswordEnv != "" && d.Password != "":
		return "", Error.New("database %s: password_env and password are mutually exclusive", d.Name)
	case d.PasswordEnv != "":
		password := os.Getenv(d.PasswordEnv)
		if password == "" {
			return "", Error.New("database %s: environment variable %s not set", d.Name, d.PasswordEnv)
		}
		return password, nil
	case d.Password != "":
		return d.Password, nil
	default:
		return "", Error.New("database %s: password_env or password required", d.Name)
	}
}

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references. An unset
// variable without a default is an error.
func ExpandEnv(raw []byte) ([]byte, error) {
	var expandErr error
	expanded := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 || containsDefault(match) {
			return groups[2]
		}
		if expandErr == nil {
			expandErr = Error.New("environment variable %s not set and no default provided", name)
		}
		return match
	})
	return expanded, expandErr
}

func containsDefault(match []byte) bool {
	for i := 0; i+1 < len(match); i++ {
		if match[i] == ':' && match[i+1] == '-' {
			return true
		}
	}
	return false
}

// Load reads, expands and validates the configuration at path.
func Load(log *zap.Logger, path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Parse(log, raw)
}

// Parse expands and validates raw YAML configuration.
func Parse(log *zap.Logger, raw []byte) (*Config, error) {
	expanded, err := ExpandEnv(raw)
	if err != nil {
		return nil, err
	}

	warnUnknownKeys(log, expanded)

	config := &Config{}
	if err := yaml.Unmarshal(expanded, config); err != nil {
		return nil, Error.New("parse: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var knownTopLevelKeys = map[string]bool{
	"version":     true,
	"s3":          true,
	"defaults":    true,
	"databases":   true,
	"monitoring":  true,
	"compliance":  true,
	"checkpoint":  true,
	"locking":     true,
	"legal_holds": true,
	"state_dir":   true,
}

// warnUnknownKeys flags unrecognized top-level keys so typos do not
// silently disable features.
func warnUnknownKeys(log *zap.Logger, raw []byte) {
	var document map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return
	}
	for key := range document {
		if !knownTopLevelKeys[key] {
			log.Warn("unknown configuration key ignored", zap.String("key", key))
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Defaults.RetentionDays == 0 {
		c.Defaults.RetentionDays = 90
	}
	if c.Defaults.BatchSize == 0 {
		c.Defaults.BatchSize = 10000
	}
	if c.Defaults.MaxParallelDatabases == 0 {
		c.Defaults.MaxParallelDatabases = 3
	}
	if c.Defaults.ConnectionPoolSize == 0 {
		c.Defaults.ConnectionPoolSize = 5
	}
	if c.Defaults.CompressionLevel == 0 {
		c.Defaults.CompressionLevel = 6
	}
	if c.Compliance.MinRetentionDays == 0 {
		c.Compliance.MinRetentionDays = 7
	}
	if c.Compliance.MaxRetentionDays == 0 {
		c.Compliance.MaxRetentionDays = 2555
	}
	if c.Checkpoint.Frequency == 0 {
		c.Checkpoint.Frequency = 10
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.StateDir == "" {
		c.StateDir = "."
	}

	for i := range c.Databases {
		db := &c.Databases[i]
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.ConnectionPoolSize == 0 {
			db.ConnectionPoolSize = c.Defaults.ConnectionPoolSize
		}
		for j := range db.Tables {
			table := &db.Tables[j]
			if table.Schema == "" {
				table.Schema = "public"
			}
			if table.RetentionDays == 0 {
				table.RetentionDays = c.Defaults.RetentionDays
			}
			if table.BatchSize == 0 {
				table.BatchSize = c.Defaults.BatchSize
			}
		}
	}
}

// Validate checks the configuration for structural and compliance errors.
func (c *Config) Validate() error {
	if c.Version != "1.0" && c.Version != "2.0" {
		return Error.New("unsupported configuration version %q", c.Version)
	}
	if c.S3.Bucket == "" {
		return Error.New("s3.bucket is required")
	}
	if len(c.Databases) == 0 {
		return Error.New("at least one database is required")
	}
	if c.Compliance.MinRetentionDays > c.Compliance.MaxRetentionDays {
		return Error.New("compliance: min_retention_days %d exceeds max_retention_days %d",
			c.Compliance.MinRetentionDays, c.Compliance.MaxRetentionDays)
	}

	for _, db := range c.Databases {
		if db.Name == "" || db.Host == "" || db.User == "" {
			return Error.New("database %q: name, host and user are required", db.Name)
		}
		if len(db.Tables) == 0 {
			return Error.New("database %s: at least one table is required", db.Name)
		}
		for _, table := range db.Tables {
			if err := c.validateTable(db.Name, table); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) validateTable(database string, table Table) error {
	for _, name := range []string{table.Schema, table.Name, table.TimestampColumn, table.PrimaryKey} {
		if _, err := source.QuoteIdentifier(name); err != nil {
			return Error.New("database %s table %s: %w", database, table.Name, err)
		}
	}
	if table.RetentionDays < c.Compliance.MinRetentionDays {
		return Error.New("database %s table %s: retention %d days below compliance minimum %d",
			database, table.Name, table.RetentionDays, c.Compliance.MinRetentionDays)
	}
	if table.RetentionDays > c.Compliance.MaxRetentionDays {
		return Error.New("database %s table %s: retention %d days above compliance maximum %d",
			database, table.Name, table.RetentionDays, c.Compliance.MaxRetentionDays)
	}
	return nil
}
