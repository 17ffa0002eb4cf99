// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"repo-radar/internal/archive"
	"repo-radar/internal/cid"
	"repo-radar/internal/feed"
	"repo-radar/internal/model"
	"repo-radar/internal/ratelimit"
	"repo-radar/internal/score"
	"repo-radar/internal/spam"
	"repo-radar/internal/store"
)

// Source is the provider surface the poller discovers and measures
// repositories through.
type Source interface {
	SearchRecent(ctx context.Context, topic string, windowDays int) ([]string, error)
	ListEventRepos(ctx context.Context) ([]string, error)
	GetDetail(ctx context.Context, fullName string) (*model.RepoDetail, error)
	FetchWindow(ctx context.Context, fullName string, windowDays int) (model.MetricsSnapshot, error)
}

// Options are the knobs of one polling cycle.
type Options struct {
	Topics           []string
	Interval         time.Duration
	WindowDays       int
	Concurrency      int
	ArchiveThreshold float64
	FeedPath         string
	AtomPath         string
	HandoffPath      string
}

// Poller runs the discovery cycle: find candidate repositories, fetch
// and score them concurrently, persist everything, then derive the spam
// report, the ranked feeds and the archive handoff from the stored
// snapshot. All store writes happen on the cycle goroutine.
type Poller struct {
	source   Source
	store    *store.Store
	scorer   *score.Scorer
	detector *spam.Detector
	feeds    *feed.Generator
	archiver *archive.Archiver
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	flags []spam.Flag
}

func New(source Source, st *store.Store, scorer *score.Scorer, detector *spam.Detector,
	feeds *feed.Generator, archiver *archive.Archiver, opts Options, logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		store:    st,
		scorer:   scorer,
		detector: detector,
		feeds:    feeds,
		archiver: archiver,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Flags returns the spam report of the most recent completed cycle.
func (p *Poller) Flags() []spam.Flag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]spam.Flag, len(p.flags))
	copy(out, p.flags)
	return out
}

// Run executes cycles until the context is canceled. The first cycle
// starts immediately, subsequent ones after the wake interval Tick
// reports. A failed cycle is logged and does not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	for {
		wait, err := p.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Polling cycle failed", "error", err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick runs one complete cycle and returns how long the caller should
// wait before the next one, so cron-style schedulers can drive the
// poller without an internal clock. Running out of provider quota
// mid-cycle is not an error: the cycle finishes with whatever was
// fetched and the rest waits for the next interval.
func (p *Poller) Tick(ctx context.Context) (time.Duration, error) {
	started := p.now()

	candidates := p.discover(ctx)
	if ctx.Err() != nil {
		return p.opts.Interval, ctx.Err()
	}

	fresh, err := p.filterRecentlySeen(ctx, candidates)
	if err != nil {
		return p.opts.Interval, err
	}

	results := p.fetchAll(ctx, fresh)
	if ctx.Err() != nil {
		return p.opts.Interval, ctx.Err()
	}

	inserted, updated := 0, 0
	for i := range results {
		res, err := p.store.UpsertRepo(ctx, &results[i])
		if err != nil {
			return p.opts.Interval, err
		}
		if res == store.Inserted {
			inserted++
		} else {
			updated++
		}
	}

	// Reports are derived from the stored snapshot, not the in-flight
	// batch, so repositories from earlier cycles stay visible.
	snapshot, err := p.store.SnapshotAll(ctx)
	if err != nil {
		return p.opts.Interval, err
	}

	flags := p.detector.Analyze(snapshot)
	p.mu.Lock()
	p.flags = flags
	p.mu.Unlock()

	if err := p.feeds.WriteFiles(p.opts.FeedPath, p.opts.AtomPath, snapshot, p.now()); err != nil {
		return p.opts.Interval, err
	}

	if err := p.handoff(ctx, snapshot); err != nil {
		p.logger.Warn("Archive handoff incomplete", "error", err)
	}

	p.logger.Info("Cycle complete",
		"candidates", len(candidates),
		"fetched", len(results),
		"inserted", inserted,
		"updated", updated,
		"flagged", len(flags),
		"tracked", len(snapshot),
		"duration", p.now().Sub(started).String())
	return p.opts.Interval, nil
}

// discover collects candidate names from the topic searches and the
// public event sweep, deduplicated in discovery order. A failing source
// is logged and skipped so one bad topic cannot starve the others.
func (p *Poller) discover(ctx context.Context) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(batch []string) {
		for _, n := range batch {
			if _, _, ok := model.SplitFullName(n); ok && !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}

	for _, topic := range p.opts.Topics {
		batch, err := p.source.SearchRecent(ctx, topic, p.opts.WindowDays)
		if err != nil {
			p.logger.Warn("Topic search failed", "topic", topic, "error", err)
			if errors.Is(err, ratelimit.ErrExhausted) || ctx.Err() != nil {
				return names
			}
			continue
		}
		add(batch)
	}

	batch, err := p.source.ListEventRepos(ctx)
	if err != nil {
		p.logger.Warn("Event sweep failed", "error", err)
		return names
	}
	add(batch)
	return names
}

// filterRecentlySeen drops candidates already refreshed within the poll
// interval, bounding quota spend on hot repositories.
func (p *Poller) filterRecentlySeen(ctx context.Context, names []string) ([]string, error) {
	cutoff := p.now().Add(-p.opts.Interval)
	fresh := names[:0]
	for _, name := range names {
		existing, err := p.store.GetRepo(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fresh = append(fresh, name)
				continue
			}
			return nil, err
		}
		if existing.LastSeenAt.Before(cutoff) {
			fresh = append(fresh, name)
		}
	}
	return fresh, nil
}

// fetchAll measures and scores the candidates with bounded concurrency.
// A repository that fails to fetch is dropped from this cycle; running
// out of quota cancels the remaining fetches but keeps completed ones.
func (p *Poller) fetchAll(ctx context.Context, names []string) []model.DiscoveredRepo {
	var (
		mu      sync.Mutex
		results []model.DiscoveredRepo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			repo, err := p.fetchOne(gctx, name)
			if err != nil {
				if errors.Is(err, ratelimit.ErrExhausted) || gctx.Err() != nil {
					return err
				}
				p.logger.Warn("Skipping repository this cycle", "repo", name, "error", err)
				return nil
			}
			mu.Lock()
			results = append(results, *repo)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil && errors.Is(err, ratelimit.ErrExhausted) {
		p.logger.Warn("Provider quota exhausted, finishing cycle early",
			"fetched", len(results), "of", len(names))
	}
	return results
}

func (p *Poller) fetchOne(ctx context.Context, fullName string) (*model.DiscoveredRepo, error) {
	detail, err := p.source.GetDetail(ctx, fullName)
	if err != nil {
		return nil, err
	}
	metrics, err := p.source.FetchWindow(ctx, fullName, p.opts.WindowDays)
	if err != nil {
		return nil, err
	}
	metrics.Stars = detail.Stars
	metrics.Watchers = detail.Watchers

	now := p.now()
	repo := &model.DiscoveredRepo{
		FullName:     detail.FullName,
		Owner:        detail.Owner,
		Description:  detail.Description,
		CreatedAt:    detail.CreatedAt,
		PushedAt:     detail.PushedAt,
		DiscoveredAt: now,
		LastSeenAt:   now,
		Metrics:      metrics,
	}
	repo.VelocityScore = p.scorer.Score(metrics, repo.AgeDays(now))

	address, err := cid.Derive(repo.AddressRecord())
	if err != nil {
		return nil, err
	}
	repo.ContentAddress = address
	return repo, nil
}

// handoff archives commits of repositories above the velocity threshold
// and appends their owners to the downstream watch list.
func (p *Poller) handoff(ctx context.Context, snapshot []model.DiscoveredRepo) error {
	var owners []string
	var firstErr error
	for i := range snapshot {
		r := &snapshot[i]
		if r.VelocityScore < p.opts.ArchiveThreshold {
			continue
		}
		owners = append(owners, r.Owner)
		if _, err := p.archiver.ArchiveRepo(ctx, r.FullName); err != nil {
			if errors.Is(err, ratelimit.ErrExhausted) || ctx.Err() != nil {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Warn("Archiving failed", "repo", r.FullName, "error", err)
		}
	}

	if len(owners) > 0 {
		added, err := archive.WriteHandoffList(p.opts.HandoffPath, owners)
		if err != nil {
			return err
		}
		if added > 0 {
			p.logger.Info("Watch list extended", "path", p.opts.HandoffPath, "added", added)
		}
	}
	return firstErr
}
