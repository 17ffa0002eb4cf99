// internal/store/store.go

// Package store is the durable state store for discovered repositories and
// archived commits. It is backed by a single SQLite file; that file is a
// single-writer resource and must not be written by concurrent processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"

	"repo-radar/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrCorrupted is returned when the database fails its integrity
	// check. Recovery is a rebuild from the next full discovery sweep;
	// no automatic repair is attempted.
	ErrCorrupted = errors.New("store corrupted")
)

// UpsertResult reports whether an upsert created or refreshed a row.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	Updated
)

func (r UpsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "updated"
}

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database file.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Migrate applies pending schema migrations. Migrations are additive only
// so rows written before a column existed keep reading back correctly.
func Migrate(dbPath, sourceURL string) error {
	m, err := migrate.New(sourceURL, "sqlite3://"+dbPath+"?x-no-tx-wrap=true")
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRepo inserts a repository on first sighting and refreshes its
// metrics, score and content address in place afterwards. discovered_at is
// written once and never overwritten. The write is transactional: either
// the full row lands or the previous state remains. Reapplying the same
// upsert produces the same final state.
func (s *Store) UpsertRepo(ctx context.Context, r *model.DiscoveredRepo) (UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Updated, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM repos WHERE full_name = ?`, r.FullName).Scan(&existing)
	result := Updated
	if errors.Is(err, sql.ErrNoRows) {
		result = Inserted
	} else if err != nil {
		return Updated, fmt.Errorf("lookup repo %s: %w", r.FullName, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repos (full_name, owner, description, created_at, pushed_at,
			discovered_at, last_seen_at, commits_7d, forks_7d, contributors,
			issues_7d, prs_7d, watchers, stars, velocity_score, content_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_name) DO UPDATE SET
			owner = excluded.owner,
			description = excluded.description,
			created_at = excluded.created_at,
			pushed_at = excluded.pushed_at,
			last_seen_at = excluded.last_seen_at,
			commits_7d = excluded.commits_7d,
			forks_7d = excluded.forks_7d,
			contributors = excluded.contributors,
			issues_7d = excluded.issues_7d,
			prs_7d = excluded.prs_7d,
			watchers = excluded.watchers,
			stars = excluded.stars,
			velocity_score = excluded.velocity_score,
			content_address = excluded.content_address`,
		r.FullName, r.Owner, r.Description, nullableTime(r.CreatedAt), r.PushedAt,
		r.DiscoveredAt, r.LastSeenAt, r.Metrics.Commits7d, r.Metrics.Forks7d,
		r.Metrics.Contributors, r.Metrics.Issues7d, r.Metrics.PRs7d,
		r.Metrics.Watchers, r.Metrics.Stars, r.VelocityScore, r.ContentAddress)
	if err != nil {
		return Updated, fmt.Errorf("upsert repo %s: %w", r.FullName, err)
	}

	if err := tx.Commit(); err != nil {
		return Updated, fmt.Errorf("commit upsert: %w", err)
	}
	return result, nil
}

// GetRepo looks up one repository by full name.
func (s *Store) GetRepo(ctx context.Context, fullName string) (*model.DiscoveredRepo, error) {
	row := s.db.QueryRowContext(ctx, selectRepoColumns+` WHERE full_name = ?`, fullName)
	r, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %s: %w", fullName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", fullName, err)
	}
	return r, nil
}

// Snapshot streams every stored repository to fn in full-name order. The
// iteration is finite and restartable: calling Snapshot again replays the
// current state from the start.
func (s *Store) Snapshot(ctx context.Context, fn func(model.DiscoveredRepo) error) error {
	rows, err := s.db.QueryContext(ctx, selectRepoColumns+` ORDER BY full_name ASC`)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return fmt.Errorf("snapshot scan: %w", err)
		}
		if err := fn(*r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SnapshotAll collects the snapshot into a slice.
func (s *Store) SnapshotAll(ctx context.Context) ([]model.DiscoveredRepo, error) {
	var out []model.DiscoveredRepo
	err := s.Snapshot(ctx, func(r model.DiscoveredRepo) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// TopRepos returns up to limit repositories ranked by velocity score
// descending, ties broken by ascending full name for determinism.
func (s *Store) TopRepos(ctx context.Context, limit int) ([]model.DiscoveredRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRepoColumns+` ORDER BY velocity_score DESC, full_name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top repos: %w", err)
	}
	defer rows.Close()

	var out []model.DiscoveredRepo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("top repos scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InsertCommit stores an archived commit record once. A second sighting of
// the same (repo, sha) is "already known": the insert is ignored and the
// return reports false.
func (s *Store) InsertCommit(ctx context.Context, c *model.ArchivedCommit) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO commits (repo, sha, message, author, commit_time, content_address, pin_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Repo, c.SHA, c.Message, c.Author, nullableTime(c.CommitTime), c.ContentAddress, c.PinRef)
	if err != nil {
		return false, fmt.Errorf("insert commit %s@%s: %w", c.Repo, c.SHA, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasCommit reports whether a commit was already archived.
func (s *Store) HasCommit(ctx context.Context, repo, sha string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM commits WHERE repo = ? AND sha = ?`, repo, sha).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup commit %s@%s: %w", repo, sha, err)
	}
	return true, nil
}

// SetCommitPinRef populates the permanent-storage reference exactly once.
// A commit whose reference is already set is left untouched.
func (s *Store) SetCommitPinRef(ctx context.Context, repo, sha, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commits SET pin_ref = ? WHERE repo = ? AND sha = ? AND pin_ref IS NULL`,
		ref, repo, sha)
	if err != nil {
		return fmt.Errorf("set pin ref %s@%s: %w", repo, sha, err)
	}
	return nil
}

// RecentCommits returns the most recently archived commits, newest first.
func (s *Store) RecentCommits(ctx context.Context, limit int) ([]model.ArchivedCommit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo, sha, message, author, commit_time, content_address, pin_ref
		FROM commits ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent commits: %w", err)
	}
	defer rows.Close()

	var out []model.ArchivedCommit
	for rows.Next() {
		var c model.ArchivedCommit
		var commitTime sql.NullTime
		if err := rows.Scan(&c.ID, &c.Repo, &c.SHA, &c.Message, &c.Author,
			&commitTime, &c.ContentAddress, &c.PinRef); err != nil {
			return nil, fmt.Errorf("recent commits scan: %w", err)
		}
		if commitTime.Valid {
			c.CommitTime = commitTime.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Validate runs the engine integrity check and verifies the expected
// tables exist. Any failure surfaces ErrCorrupted; the process must treat
// that as fatal and rebuild state from the next full sweep.
func (s *Store) Validate(ctx context.Context) error {
	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		return fmt.Errorf("%w: integrity check failed: %v", ErrCorrupted, err)
	}
	if verdict != "ok" {
		return fmt.Errorf("%w: integrity check reported %q", ErrCorrupted, verdict)
	}
	for _, table := range []string{"repos", "commits"} {
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: table %q missing", ErrCorrupted, table)
		}
		if err != nil {
			return fmt.Errorf("%w: schema probe failed: %v", ErrCorrupted, err)
		}
	}
	return nil
}

const selectRepoColumns = `
	SELECT id, full_name, owner, description, created_at, pushed_at,
		discovered_at, last_seen_at, commits_7d, forks_7d, contributors,
		issues_7d, prs_7d, watchers, stars, velocity_score, content_address
	FROM repos`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepo(row rowScanner) (*model.DiscoveredRepo, error) {
	var r model.DiscoveredRepo
	var createdAt sql.NullTime
	err := row.Scan(&r.ID, &r.FullName, &r.Owner, &r.Description, &createdAt,
		&r.PushedAt, &r.DiscoveredAt, &r.LastSeenAt, &r.Metrics.Commits7d,
		&r.Metrics.Forks7d, &r.Metrics.Contributors, &r.Metrics.Issues7d,
		&r.Metrics.PRs7d, &r.Metrics.Watchers, &r.Metrics.Stars,
		&r.VelocityScore, &r.ContentAddress)
	if err != nil {
		return nil, err
	}
	if createdAt.Valid {
		r.CreatedAt = createdAt.Time
	}
	return &r, nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
