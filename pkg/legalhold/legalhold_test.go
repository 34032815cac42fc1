// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package legalhold_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/audit-archiver/pkg/legalhold"
)

func TestHoldActive(t *testing.T) {
	now := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(24 * time.Hour)

	hold := &legalhold.Hold{StartDate: now.Add(-time.Hour)}
	assert.True(t, hold.Active(now))

	// not started yet
	hold = &legalhold.Hold{StartDate: now.Add(time.Hour)}
	assert.False(t, hold.Active(now))

	// expires in the future
	hold = &legalhold.Hold{StartDate: now.Add(-time.Hour), ExpirationDate: &expiry}
	assert.True(t, hold.Active(now))

	// already expired
	expired := now.Add(-time.Minute)
	hold = &legalhold.Hold{StartDate: now.Add(-time.Hour), ExpirationDate: &expired}
	assert.False(t, hold.Active(now))

	// the expiration instant itself is no longer covered
	hold = &legalhold.Hold{StartDate: now.Add(-time.Hour), ExpirationDate: &now}
	assert.False(t, hold.Active(now))
}

func TestCheckerDisabled(t *testing.T) {
	ctx := context.Background()
	checker := legalhold.NewChecker(zaptest.NewLogger(t), legalhold.Config{})

	hold, err := checker.Check(ctx, nil, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestCheckerAPIHold(t *testing.T) {
	ctx := context.Background()

	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"has_hold": true,
			"table_name": "audit_logs",
			"schema_name": "public",
			"reason": "litigation case 42",
			"start_date": "2025-01-01T00:00:00Z",
			"requestor": "legal@example.com"
		}`))
	}))
	defer server.Close()

	checker := legalhold.NewChecker(zaptest.NewLogger(t), legalhold.Config{
		Enabled: true,
		APIBase: server.URL,
	})

	hold, err := checker.Check(ctx, nil, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	require.NotNil(t, hold)
	assert.Equal(t, "/legal-holds/proddb/public/audit_logs", requestedPath)
	assert.Equal(t, "litigation case 42", hold.Reason)
	assert.Equal(t, "legal@example.com", hold.Requestor)
	assert.Nil(t, hold.ExpirationDate)
}

func TestCheckerAPINoHold(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/legal-holds/proddb/public/unheld":
			_, _ = w.Write([]byte(`{"has_hold": false}`))
		case "/legal-holds/proddb/public/expired":
			_, _ = w.Write([]byte(`{
				"has_hold": true,
				"reason": "closed case",
				"start_date": "2024-01-01T00:00:00Z",
				"expiration_date": "2024-06-01T00:00:00Z",
				"requestor": "legal@example.com"
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	checker := legalhold.NewChecker(zaptest.NewLogger(t), legalhold.Config{
		Enabled: true,
		APIBase: server.URL,
	})

	hold, err := checker.Check(ctx, nil, "proddb", "public", "unheld")
	require.NoError(t, err)
	assert.Nil(t, hold)

	// an expired hold does not block archival
	hold, err = checker.Check(ctx, nil, "proddb", "public", "expired")
	require.NoError(t, err)
	assert.Nil(t, hold)

	// unknown tables map to 404, meaning no hold
	hold, err = checker.Check(ctx, nil, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestCheckerAPIUnavailable(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := legalhold.NewChecker(zaptest.NewLogger(t), legalhold.Config{
		Enabled: true,
		APIBase: server.URL,
	})

	// a failing holds service is logged and does not block the run
	hold, err := checker.Check(ctx, nil, "proddb", "public", "audit_logs")
	require.NoError(t, err)
	assert.Nil(t, hold)
}
