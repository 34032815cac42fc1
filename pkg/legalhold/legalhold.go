// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package legalhold blocks archival of tables under an active legal hold.
// Holds live in a designated database table, an external API, or both; a
// hold from either source skips the table.
package legalhold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/audit-archiver/pkg/source"
)

var (
	mon = monkit.Package()

	// Error is the class for legal hold failures.
	Error = errs.Class("legal hold")
)

// Hold is an active or scheduled legal hold on a table.
type Hold struct {
	Table          string
	Schema         string
	Reason         string
	Requestor      string
	StartDate      time.Time
	ExpirationDate *time.Time
	WhereClause    *string
}

// Active reports whether the hold covers now: started, and not yet expired.
func (hold *Hold) Active(now time.Time) bool {
	if now.Before(hold.StartDate) {
		return false
	}
	if hold.ExpirationDate != nil && !now.Before(*hold.ExpirationDate) {
		return false
	}
	return true
}

// Config configures where holds are looked up.
type Config struct {
	Enabled    bool
	CheckTable string // schema-qualified holds table, or bare name in public
	APIBase    string
	APITimeout time.Duration
}

// Checker looks up legal holds before a table is archived.
type Checker struct {
	log    *zap.Logger
	config Config
	client *http.Client
}

// NewChecker creates a checker. A zero APITimeout defaults to 5 seconds.
func NewChecker(log *zap.Logger, config Config) *Checker {
	timeout := config.APITimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		log:    log,
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// Check returns the active hold covering the table, or nil. A failing
// lookup is logged and treated as no hold from that source, so an outage of
// the holds infrastructure does not stall every archival run.
func (checker *Checker) Check(ctx context.Context, pool *pgxpool.Pool, database, schemaName, table string) (_ *Hold, err error) {
	defer mon.Task()(&ctx)(&err)

	if !checker.config.Enabled {
		return nil, nil
	}
	now := time.Now().UTC()

	if checker.config.CheckTable != "" && pool != nil {
		hold, err := checker.checkTable(ctx, pool, schemaName, table)
		if err != nil {
			checker.log.Warn("legal hold table lookup failed",
				zap.String("database", database),
				zap.String("table", table),
				zap.Error(err))
		} else if hold != nil && hold.Active(now) {
			return hold, nil
		}
	}

	if checker.config.APIBase != "" {
		hold, err := checker.checkAPI(ctx, database, schemaName, table)
		if err != nil {
			checker.log.Warn("legal hold api lookup failed",
				zap.String("database", database),
				zap.String("table", table),
				zap.Error(err))
		} else if hold != nil && hold.Active(now) {
			return hold, nil
		}
	}
	return nil, nil
}

func (checker *Checker) checkTable(ctx context.Context, pool *pgxpool.Pool, schemaName, table string) (*Hold, error) {
	holdSchema, holdTable := "public", checker.config.CheckTable
	if i := strings.IndexByte(holdTable, '.'); i >= 0 {
		holdSchema, holdTable = holdTable[:i], holdTable[i+1:]
	}
	qualified, err := source.QuoteQualified(holdSchema, holdTable)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT table_name, schema_name, reason, start_date, expiration_date, requestor, where_clause
		FROM ` + qualified + `
		WHERE table_name = $1
		  AND schema_name = $2
		  AND start_date <= now()
		  AND (expiration_date IS NULL OR expiration_date > now())
		ORDER BY start_date DESC
		LIMIT 1`

	hold := &Hold{}
	err = pool.QueryRow(ctx, query, table, schemaName).Scan(
		&hold.Table, &hold.Schema, &hold.Reason,
		&hold.StartDate, &hold.ExpirationDate, &hold.Requestor, &hold.WhereClause)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return hold, nil
}

// apiResponse is the wire form of a hold lookup.
type apiResponse struct {
	HasHold        bool    `json:"has_hold"`
	TableName      string  `json:"table_name"`
	SchemaName     string  `json:"schema_name"`
	Reason         string  `json:"reason"`
	StartDate      string  `json:"start_date"`
	ExpirationDate string  `json:"expiration_date"`
	Requestor      string  `json:"requestor"`
	WhereClause    *string `json:"where_clause"`
}

func (checker *Checker) checkAPI(ctx context.Context, database, schemaName, table string) (*Hold, error) {
	url := fmt.Sprintf("%s/legal-holds/%s/%s/%s",
		strings.TrimSuffix(checker.config.APIBase, "/"), database, schemaName, table)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	response, err := checker.client.Do(request)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, Error.New("unexpected status %d from %s", response.StatusCode, url)
	}

	var decoded apiResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, Error.Wrap(err)
	}
	if !decoded.HasHold {
		return nil, nil
	}

	hold := &Hold{
		Table:       decoded.TableName,
		Schema:      decoded.SchemaName,
		Reason:      decoded.Reason,
		Requestor:   decoded.Requestor,
		StartDate:   time.Now().UTC(),
		WhereClause: decoded.WhereClause,
	}
	if hold.Table == "" {
		hold.Table = table
	}
	if hold.Schema == "" {
		hold.Schema = schemaName
	}
	if decoded.StartDate != "" {
		if parsed, err := time.Parse(time.RFC3339, decoded.StartDate); err == nil {
			hold.StartDate = parsed
		}
	}
	if decoded.ExpirationDate != "" {
		if parsed, err := time.Parse(time.RFC3339, decoded.ExpirationDate); err == nil {
			hold.ExpirationDate = &parsed
		}
	}
	return hold, nil
}
