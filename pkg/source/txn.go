// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrTransaction is the class for transaction failures. The wrapped driver
// error carries the SQLSTATE.
var ErrTransaction = errs.Class("transaction")

// TxManager wraps destructive statements in transactions with a statement
// timeout and savepoint support.
type TxManager struct {
	log     *zap.Logger
	db      *DB
	timeout time.Duration
}

// NewTxManager creates a transaction manager.
func NewTxManager(log *zap.Logger, db *DB, timeout time.Duration) *TxManager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &TxManager{log: log, db: db, timeout: timeout}
}

// Tx is an open transaction with auto-named savepoints.
type Tx struct {
	log       *zap.Logger
	tx        pgx.Tx
	savepoint atomic.Int64
}

// Run opens a transaction with SET LOCAL statement_timeout, executes fn and
// commits, rolling back on error. A monitor logs a warning at 50% of the
// timeout and an error at 100%.
func (m *TxManager) Run(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	pgxTx, err := m.db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapTxErr("begin", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rollbackErr := pgxTx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				m.log.Error("rollback failed", zap.Error(rollbackErr))
			}
		}
	}()

	timeoutMs := m.timeout.Milliseconds()
	if _, err := pgxTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs)); err != nil {
		return wrapTxErr("set statement_timeout", err)
	}

	stopMonitor := m.startMonitor()
	defer stopMonitor()

	tx := &Tx{log: m.log, tx: pgxTx}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := pgxTx.Commit(ctx); err != nil {
		return wrapTxErr("commit", err)
	}
	committed = true
	return nil
}

func (m *TxManager) startMonitor() (stop func()) {
	done := make(chan struct{})
	go func() {
		warn := time.NewTimer(m.timeout / 2)
		fail := time.NewTimer(m.timeout)
		defer warn.Stop()
		defer fail.Stop()
		for {
			select {
			case <-warn.C:
				m.log.Warn("transaction exceeded 50% of its timeout",
					zap.Duration("timeout", m.timeout))
			case <-fail.C:
				m.log.Error("transaction reached its timeout",
					zap.Duration("timeout", m.timeout))
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrapTxErr(truncateSQL(sql), err)
	}
	return tag.RowsAffected(), nil
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapTxErr(truncateSQL(sql), err)
	}
	return rows, nil
}

// WithSavepoint runs fn inside a savepoint; on error the transaction rolls
// back to the savepoint and the error propagates. Savepoints auto-name as
// sp_1, sp_2, ... when name is empty.
func (t *Tx) WithSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if name == "" {
		name = fmt.Sprintf("sp_%d", t.savepoint.Add(1))
	}
	quoted, err := QuoteIdentifier(name)
	if err != nil {
		return err
	}

	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+quoted); err != nil {
		return wrapTxErr("savepoint "+name, err)
	}
	if err := fn(ctx); err != nil {
		if _, rollbackErr := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoted); rollbackErr != nil {
			t.log.Error("rollback to savepoint failed",
				zap.String("savepoint", name), zap.Error(rollbackErr))
		}
		return err
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+quoted); err != nil {
		return wrapTxErr("release savepoint "+name, err)
	}
	return nil
}

func wrapTxErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ErrTransaction.New("%s: sqlstate=%s: %w", op, pgErr.Code, err)
	}
	return ErrTransaction.New("%s: %w", op, err)
}

func truncateSQL(sql string) string {
	const limit = 60
	if len(sql) <= limit {
		return sql
	}
	return sql[:limit] + "..."
}
