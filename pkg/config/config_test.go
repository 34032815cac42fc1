// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/config"
)

const minimalYAML = `
version: "1.0"
s3:
  bucket: audit-archive
databases:
  - name: proddb
    host: db.internal
    user: archiver
    password_env: PRODDB_PASSWORD
    tables:
      - name: audit_logs
        timestamp_column: created_at
        primary_key: id
`

func TestParseMinimal(t *testing.T) {
	cfg, err := config.Parse(zaptest.NewLogger(t), []byte(minimalYAML))
	require.NoError(t, err)

	// global defaults
	assert.Equal(t, 90, cfg.Defaults.RetentionDays)
	assert.Equal(t, 10000, cfg.Defaults.BatchSize)
	assert.Equal(t, 3, cfg.Defaults.MaxParallelDatabases)
	assert.Equal(t, 5, cfg.Defaults.ConnectionPoolSize)
	assert.Equal(t, 6, cfg.Defaults.CompressionLevel)
	assert.Equal(t, 7, cfg.Compliance.MinRetentionDays)
	assert.Equal(t, 2555, cfg.Compliance.MaxRetentionDays)
	assert.Equal(t, int64(10), cfg.Checkpoint.Frequency)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, ".", cfg.StateDir)

	// per-database and per-table defaults
	require.Len(t, cfg.Databases, 1)
	db := cfg.Databases[0]
	assert.Equal(t, 5432, db.Port)
	assert.Equal(t, 5, db.ConnectionPoolSize)
	require.Len(t, db.Tables, 1)
	assert.Equal(t, "public", db.Tables[0].Schema)
	assert.Equal(t, 90, db.Tables[0].RetentionDays)
	assert.Equal(t, 10000, db.Tables[0].BatchSize)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := config.Parse(zaptest.NewLogger(t), []byte(`
version: "2.0"
s3:
  bucket: audit-archive
  region: eu-west-1
defaults:
  retention_days: 30
  batch_size: 500
databases:
  - name: proddb
    host: db.internal
    user: archiver
    password: secret
    tables:
      - name: audit_logs
        timestamp_column: created_at
        primary_key: id
        retention_days: 60
      - name: events
        schema: app
        timestamp_column: occurred_at
        primary_key: event_id
`))
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	tables := cfg.Databases[0].Tables
	assert.Equal(t, 60, tables[0].RetentionDays)
	assert.Equal(t, 500, tables[0].BatchSize)
	assert.Equal(t, 30, tables[1].RetentionDays)
	assert.Equal(t, "app", tables[1].Schema)
}

func TestParseRejects(t *testing.T) {
	for _, tt := range []struct {
		name     string
		yaml     string
		contains string
	}{
		{
			name:     "bad version",
			yaml:     `{version: "3.0", s3: {bucket: b}, databases: [{name: d, host: h, user: u, tables: [{name: t, timestamp_column: ts, primary_key: id}]}]}`,
			contains: "unsupported configuration version",
		},
		{
			name:     "missing bucket",
			yaml:     `{version: "1.0", databases: [{name: d, host: h, user: u, tables: [{name: t, timestamp_column: ts, primary_key: id}]}]}`,
			contains: "s3.bucket is required",
		},
		{
			name:     "no databases",
			yaml:     `{version: "1.0", s3: {bucket: b}}`,
			contains: "at least one database",
		},
		{
			name:     "no tables",
			yaml:     `{version: "1.0", s3: {bucket: b}, databases: [{name: d, host: h, user: u}]}`,
			contains: "at least one table",
		},
		{
			name:     "injection in identifier",
			yaml:     `{version: "1.0", s3: {bucket: b}, databases: [{name: d, host: h, user: u, tables: [{name: "t; DROP TABLE x", timestamp_column: ts, primary_key: id}]}]}`,
			contains: "identifier",
		},
		{
			name:     "retention below compliance minimum",
			yaml:     `{version: "1.0", s3: {bucket: b}, databases: [{name: d, host: h, user: u, tables: [{name: t, timestamp_column: ts, primary_key: id, retention_days: 3}]}]}`,
			contains: "below compliance minimum",
		},
		{
			name:     "retention above compliance maximum",
			yaml:     `{version: "1.0", s3: {bucket: b}, compliance: {max_retention_days: 100}, databases: [{name: d, host: h, user: u, tables: [{name: t, timestamp_column: ts, primary_key: id, retention_days: 200}]}]}`,
			contains: "above compliance maximum",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse(zaptest.NewLogger(t), []byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.True(t, config.Error.Has(err))
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ARCHIVER_TEST_HOST", "db.example.com")

	expanded, err := config.ExpandEnv([]byte("host: ${ARCHIVER_TEST_HOST}"))
	require.NoError(t, err)
	assert.Equal(t, "host: db.example.com", string(expanded))

	// set variable wins over the default
	expanded, err = config.ExpandEnv([]byte("host: ${ARCHIVER_TEST_HOST:-fallback}"))
	require.NoError(t, err)
	assert.Equal(t, "host: db.example.com", string(expanded))

	// unset variable uses the default
	expanded, err = config.ExpandEnv([]byte("host: ${ARCHIVER_TEST_UNSET:-fallback}"))
	require.NoError(t, err)
	assert.Equal(t, "host: fallback", string(expanded))

	// empty default is still a default
	expanded, err = config.ExpandEnv([]byte("prefix: ${ARCHIVER_TEST_UNSET:-}"))
	require.NoError(t, err)
	assert.Equal(t, "prefix: ", string(expanded))

	// unset without a default is an error
	_, err = config.ExpandEnv([]byte("host: ${ARCHIVER_TEST_UNSET}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVER_TEST_UNSET")
}

func TestDatabasePassword(t *testing.T) {
	t.Setenv("ARCHIVER_TEST_PASSWORD", "hunter2")

	db := config.Database{Name: "d", PasswordEnv: "ARCHIVER_TEST_PASSWORD"}
	password, err := db.DatabasePassword()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	db = config.Database{Name: "d", Password: "inline"}
	password, err = db.DatabasePassword()
	require.NoError(t, err)
	assert.Equal(t, "inline", password)

	db = config.Database{Name: "d", PasswordEnv: "ARCHIVER_TEST_PASSWORD", Password: "inline"}
	_, err = db.DatabasePassword()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	db = config.Database{Name: "d", PasswordEnv: "ARCHIVER_TEST_MISSING"}
	_, err = db.DatabasePassword()
	require.Error(t, err)

	db = config.Database{Name: "d"}
	_, err = db.DatabasePassword()
	require.Error(t, err)
}

func TestLockConfig(t *testing.T) {
	locking := config.Locking{}
	lockConfig := locking.LockConfig()
	assert.Equal(t, "postgresql", lockConfig.Type)

	locking = config.Locking{Type: "file", TTLSeconds: 120, HeartbeatIntervalSeconds: 5}
	lockConfig = locking.LockConfig()
	assert.Equal(t, "file", lockConfig.Type)
	assert.Equal(t, "2m0s", lockConfig.TTL.String())
	assert.Equal(t, "5s", lockConfig.HeartbeatInterval.String())
}

func TestHoldConfig(t *testing.T) {
	holds := config.LegalHolds{}
	holdConfig := holds.HoldConfig()
	assert.False(t, holdConfig.Enabled)

	holds = config.LegalHolds{
		Enabled:           true,
		CheckTable:        "compliance.legal_holds",
		APIEndpoint:       "https://holds.example.com",
		APITimeoutSeconds: 10,
	}
	holdConfig = holds.HoldConfig()
	assert.True(t, holdConfig.Enabled)
	assert.Equal(t, "compliance.legal_holds", holdConfig.CheckTable)
	assert.Equal(t, "https://holds.example.com", holdConfig.APIBase)
	assert.Equal(t, "10s", holdConfig.APITimeout.String())
}

func TestStoreConfig(t *testing.T) {
	cfg, err := config.Parse(zaptest.NewLogger(t), []byte(minimalYAML))
	require.NoError(t, err)

	store := cfg.StoreConfig()
	assert.Equal(t, "audit-archive", store.Bucket)
	assert.Equal(t, "us-east-1", store.Region)
	assert.Equal(t, 3, store.Retry.MaxRetries)
	assert.NotZero(t, store.Multipart.Threshold)
}
