package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocityfibre/onemap-sync/internal/config"
	"github.com/velocityfibre/onemap-sync/pkg/onemap/onemaptest"
)

func testOneMapConfig(srv *onemaptest.Server) config.OneMapConfig {
	return config.OneMapConfig{
		BaseURL:     srv.URL,
		Email:       srv.Email,
		Password:    srv.Password,
		LayerID:     "5121",
		PageSize:    50,
		TimeoutSecs: 5,
		Retry:       config.RetryConfig{MaxAttempts: 1},
		Circuit:     config.CircuitConfig{Enabled: true, FailureThreshold: 5, ResetTimeoutSecs: 60},
	}
}

func TestRunLookup(t *testing.T) {
	srv := onemaptest.NewServer(t, "ops@example.com", "secret")
	srv.SetRecords("LAW", onemaptest.Drops("LAW", 1000, 5))

	var buf bytes.Buffer
	err := runLookup(context.Background(), newOneMapClient(testOneMapConfig(srv)), " dr1003 ", &buf)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "DR1003", got["drp"])
	assert.Equal(t, "LAW", got["site"])
	assert.Equal(t, 1, srv.Logins())
}

func TestRunLookup_NotFound(t *testing.T) {
	srv := onemaptest.NewServer(t, "ops@example.com", "secret")
	srv.SetRecords("LAW", onemaptest.Drops("LAW", 1000, 5))

	var buf bytes.Buffer
	err := runLookup(context.Background(), newOneMapClient(testOneMapConfig(srv)), "DR9999", &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDropNotFound)
	assert.Empty(t, buf.String())
}
