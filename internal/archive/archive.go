// internal/archive/archive.go
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"repo-radar/internal/cid"
	"repo-radar/internal/model"
	"repo-radar/internal/pin"
	"repo-radar/internal/store"
)

// CommitLister fetches the recent commits of one repository.
type CommitLister interface {
	ListRecentCommits(ctx context.Context, fullName string, since time.Time) ([]model.ArchivedCommit, error)
}

// Archiver turns recent commits of high-velocity repositories into
// immutable, content-addressed archive records. Commits whose message
// trips the secret scan are skipped, never stored.
type Archiver struct {
	lister CommitLister
	store  *store.Store
	pinner pin.Pinner
	logger *slog.Logger
	window time.Duration
	now    func() time.Time
}

func New(lister CommitLister, st *store.Store, pinner pin.Pinner, window time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		lister: lister,
		store:  st,
		pinner: pinner,
		logger: logger,
		window: window,
		now:    time.Now,
	}
}

// ArchiveRepo archives the commits pushed to one repository within the
// window. It is idempotent: already-archived commits are skipped, and a
// commit's pin reference is set at most once. Returns the number of
// newly archived commits.
func (a *Archiver) ArchiveRepo(ctx context.Context, fullName string) (int, error) {
	since := a.now().Add(-a.window)
	commits, err := a.lister.ListRecentCommits(ctx, fullName, since)
	if err != nil {
		return 0, fmt.Errorf("list commits for %s: %w", fullName, err)
	}

	archived := 0
	for i := range commits {
		c := commits[i]
		if c.SHA == "" {
			continue
		}

		known, err := a.store.HasCommit(ctx, fullName, c.SHA)
		if err != nil {
			return archived, err
		}
		if known {
			continue
		}

		if findings := ScanSecrets(c.Message); len(findings) > 0 {
			a.logger.Warn("Skipping commit, potential secrets in message",
				"repo", fullName, "sha", shortSHA(c.SHA), "findings", strings.Join(findings, "; "))
			continue
		}

		address, err := cid.Derive(c.AddressRecord())
		if err != nil {
			return archived, fmt.Errorf("derive content address for %s@%s: %w", fullName, shortSHA(c.SHA), err)
		}
		c.ContentAddress = address

		inserted, err := a.store.InsertCommit(ctx, &c)
		if err != nil {
			return archived, err
		}
		if !inserted {
			continue
		}
		archived++

		if err := a.pinCommit(ctx, &c); err != nil {
			// The record is already durable with a valid local address;
			// pinning is retried on a later cycle.
			a.logger.Warn("Pinning failed", "repo", fullName, "sha", shortSHA(c.SHA), "error", err)
		}
	}

	if archived > 0 {
		a.logger.Info("Archived commits", "repo", fullName, "count", archived)
	}
	return archived, nil
}

func (a *Archiver) pinCommit(ctx context.Context, c *model.ArchivedCommit) error {
	payload, err := cid.Canonicalize(c.AddressRecord())
	if err != nil {
		return err
	}
	ref, err := a.pinner.Pin(ctx, payload)
	if err != nil {
		return err
	}
	return a.store.SetCommitPinRef(ctx, c.Repo, c.SHA, ref)
}

// WriteHandoffList merges the given owners into the watch-list file read
// by the downstream commit relay, one owner per line, sorted and
// deduplicated. Returns the number of owners newly added.
func WriteHandoffList(path string, owners []string) (int, error) {
	existing := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read handoff list: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			existing[line] = true
		}
	}

	added := 0
	for _, owner := range owners {
		if owner = strings.TrimSpace(owner); owner != "" && !existing[owner] {
			existing[owner] = true
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}

	merged := make([]string, 0, len(existing))
	for owner := range existing {
		merged = append(merged, owner)
	}
	sort.Strings(merged)

	if err := os.WriteFile(path, []byte(strings.Join(merged, "\n")+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("write handoff list: %w", err)
	}
	return added, nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
