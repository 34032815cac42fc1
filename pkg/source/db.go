// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package source reads from and deletes from the relational tables being
// archived.
package source

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the class for database failures.
	Error = errs.Class("database")
)

// ConnectConfig describes one source database connection.
type ConnectConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string

	MaxConns       int32
	CommandTimeout time.Duration
}

// DB wraps a pgx pool against one source database.
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool
	name string
}

// Open connects a pool to the source database. Every connection identifies
// itself as audit_archiver and carries the configured command timeout.
func Open(ctx context.Context, log *zap.Logger, config ConnectConfig) (*DB, error) {
	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = 5
	}
	timeout := config.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s application_name=audit_archiver statement_timeout=%d",
		config.Host, config.Port, config.Name, config.User, config.Password,
		timeout.Milliseconds())

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConns = maxConns
	// numeric columns scan as shopspring decimals so row values keep their
	// exact decimal string form
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, Error.New("connect %q: %w", config.Name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Error.New("ping %q: %w", config.Name, err)
	}

	return &DB{log: log, pool: pool, name: config.Name}, nil
}

// Name returns the database name.
func (db *DB) Name() string { return db.name }

// Pool exposes the underlying pool for collaborating components.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// Vacuum runs VACUUM ANALYZE on the table to reclaim space after large
// deletes. It cannot run inside a transaction.
func (db *DB) Vacuum(ctx context.Context, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	qualified, err := QuoteQualified(schema, table)
	if err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, "VACUUM ANALYZE "+qualified); err != nil {
		return Error.New("vacuum %s: %w", qualified, err)
	}
	return nil
}
