//go:build integration

// cmd/radar/integration_test.go
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-radar/internal/api"
	"repo-radar/internal/feed"
	"repo-radar/internal/model"
	"repo-radar/internal/spam"
	"repo-radar/internal/store"
)

type noFlags struct{}

func (noFlags) Flags() []spam.Flag { return nil }

// TestStoreAPIRoundTrip exercises the full persistence and API path on a
// real database file: migrate, validate, write, read back over HTTP.
func TestStoreAPIRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "radar.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	require.NoError(t, store.Migrate(dbPath, "file://../../migrations"))
	st, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Validate(ctx))

	now := time.Now().UTC()
	_, err = st.UpsertRepo(ctx, &model.DiscoveredRepo{
		FullName:       "alice/fastpay",
		Owner:          "alice",
		CreatedAt:      now.AddDate(0, 0, -20),
		DiscoveredAt:   now,
		LastSeenAt:     now,
		Metrics:        model.MetricsSnapshot{Commits7d: 20, Contributors: 4, Stars: 11},
		VelocityScore:  223.0,
		ContentAddress: "bafytest",
	})
	require.NoError(t, err)

	server := httptest.NewServer(api.NewRouter(api.NewHandler(st, noFlags{}, feed.New(), logger)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/repos/top")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var repos []struct {
		FullName      string  `json:"full_name"`
		VelocityScore float64 `json:"velocity_score"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&repos))
	require.Len(t, repos, 1)
	assert.Equal(t, "alice/fastpay", repos[0].FullName)
	assert.Equal(t, 223.0, repos[0].VelocityScore)

	// Survives a close/reopen cycle.
	require.NoError(t, st.Close())
	st2, err := store.Open(dbPath, logger)
	require.NoError(t, err)
	defer st2.Close()

	got, err := st2.GetRepo(ctx, "alice/fastpay")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Metrics.Commits7d)
}
