// internal/store/store_test.go
package store

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-radar/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "radar_test.db")
	require.NoError(t, Migrate(dbPath, "file://../../migrations"))

	s, err := Open(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRepo(fullName string) *model.DiscoveredRepo {
	owner, _, _ := model.SplitFullName(fullName)
	return &model.DiscoveredRepo{
		FullName:     fullName,
		Owner:        owner,
		Description:  "test repo",
		CreatedAt:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		DiscoveredAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		LastSeenAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Metrics: model.MetricsSnapshot{
			Commits7d:    12,
			Forks7d:      3,
			Contributors: 4,
			Issues7d:     1,
			PRs7d:        2,
			Watchers:     7,
			Stars:        20,
		},
		VelocityScore:  207.0,
		ContentAddress: "bafyexample",
	}
}

func TestUpsertRepo_InsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := sampleRepo("octocat/hello")

	res, err := s.UpsertRepo(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	repo.Metrics.Commits7d = 30
	repo.VelocityScore = 400
	res, err = s.UpsertRepo(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	got, err := s.GetRepo(ctx, "octocat/hello")
	require.NoError(t, err)
	assert.Equal(t, 30, got.Metrics.Commits7d)
	assert.Equal(t, 400.0, got.VelocityScore)
}

func TestUpsertRepo_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := sampleRepo("octocat/hello")

	_, err := s.UpsertRepo(ctx, repo)
	require.NoError(t, err)
	first, err := s.GetRepo(ctx, "octocat/hello")
	require.NoError(t, err)

	_, err = s.UpsertRepo(ctx, repo)
	require.NoError(t, err)
	second, err := s.GetRepo(ctx, "octocat/hello")
	require.NoError(t, err)

	assert.Equal(t, first, second, "same upsert twice yields the same stored state")
}

func TestUpsertRepo_DiscoveredAtIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := sampleRepo("octocat/hello")
	originalDiscovery := repo.DiscoveredAt

	_, err := s.UpsertRepo(ctx, repo)
	require.NoError(t, err)

	repo.DiscoveredAt = originalDiscovery.Add(48 * time.Hour)
	repo.LastSeenAt = repo.LastSeenAt.Add(48 * time.Hour)
	_, err = s.UpsertRepo(ctx, repo)
	require.NoError(t, err)

	got, err := s.GetRepo(ctx, "octocat/hello")
	require.NoError(t, err)
	assert.True(t, got.DiscoveredAt.Equal(originalDiscovery), "first sighting timestamp never changes")
	assert.True(t, got.LastSeenAt.After(originalDiscovery))
}

func TestGetRepo_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRepo(context.Background(), "nobody/nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_FiniteAndRestartable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"b/two", "a/one", "c/three"} {
		_, err := s.UpsertRepo(ctx, sampleRepo(name))
		require.NoError(t, err)
	}

	collect := func() []string {
		var names []string
		require.NoError(t, s.Snapshot(ctx, func(r model.DiscoveredRepo) error {
			names = append(names, r.FullName)
			return nil
		}))
		return names
	}

	first := collect()
	assert.Equal(t, []string{"a/one", "b/two", "c/three"}, first)
	assert.Equal(t, first, collect(), "snapshot replays from the start")
}

func TestTopRepos_OrderAndTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scores := map[string]float64{"m/mid": 50, "z/tie": 10, "a/tie": 10, "h/high": 200}
	for name, score := range scores {
		r := sampleRepo(name)
		r.VelocityScore = score
		_, err := s.UpsertRepo(ctx, r)
		require.NoError(t, err)
	}

	top, err := s.TopRepos(ctx, 10)
	require.NoError(t, err)
	var names []string
	for _, r := range top {
		names = append(names, r.FullName)
	}
	assert.Equal(t, []string{"h/high", "m/mid", "a/tie", "z/tie"}, names)
}

func TestInsertCommit_DuplicateIsSkippedNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &model.ArchivedCommit{
		Repo:           "octocat/hello",
		SHA:            "abc123",
		Message:        "initial commit",
		Author:         "octocat",
		CommitTime:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ContentAddress: "bafycommit",
	}

	inserted, err := s.InsertCommit(ctx, c)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertCommit(ctx, c)
	require.NoError(t, err)
	assert.False(t, inserted, "second sighting is already known, not an error")

	// Same sha under another repo is a distinct record.
	other := *c
	other.Repo = "octocat/world"
	inserted, err = s.InsertCommit(ctx, &other)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSetCommitPinRef_PopulatesExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &model.ArchivedCommit{Repo: "octocat/hello", SHA: "abc123", ContentAddress: "bafycommit"}
	_, err := s.InsertCommit(ctx, c)
	require.NoError(t, err)

	require.NoError(t, s.SetCommitPinRef(ctx, "octocat/hello", "abc123", "QmFirst"))
	require.NoError(t, s.SetCommitPinRef(ctx, "octocat/hello", "abc123", "QmSecond"))

	commits, err := s.RecentCommits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, sql.NullString{String: "QmFirst", Valid: true}, commits[0].PinRef,
		"reference transitions null to populated exactly once")
}

func TestHasCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	known, err := s.HasCommit(ctx, "octocat/hello", "abc123")
	require.NoError(t, err)
	assert.False(t, known)

	_, err = s.InsertCommit(ctx, &model.ArchivedCommit{Repo: "octocat/hello", SHA: "abc123"})
	require.NoError(t, err)

	known, err = s.HasCommit(ctx, "octocat/hello", "abc123")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestValidate_HealthyStore(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Validate(context.Background()))
}

func TestValidate_MissingTableIsCorruption(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	s, err := Open(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()

	err = s.Validate(context.Background())
	assert.ErrorIs(t, err, ErrCorrupted)
}
