// internal/github/client.go
package github

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"repo-radar/internal/model"
	"repo-radar/internal/ratelimit"
)

const perPage = 100

// Client is a wrapper around the go-github client. Every outbound call is
// gated and retried by the shared rate limiter.
type Client struct {
	gh      *github.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates and configures a new Client instance. An empty token
// falls back to unauthenticated access with its much smaller quota.
func NewClient(token string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	httpClient := http.DefaultClient
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		logger.Warn("No GitHub token configured, using the unauthenticated quota")
	}

	return &Client{
		gh:      github.NewClient(httpClient),
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Classify recognizes the provider's rate-limit signals for the limiter.
func Classify(err error) (time.Time, bool) {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return rle.Rate.Reset.Time, true
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		if d := arle.GetRetryAfter(); d > 0 {
			return time.Now().Add(d), true
		}
		return time.Time{}, true
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		code := er.Response.StatusCode
		return time.Time{}, code == http.StatusForbidden || code == http.StatusTooManyRequests
	}
	return time.Time{}, false
}

// updateQuota feeds the response rate headers into the limiter.
func (c *Client) updateQuota(resp *github.Response) {
	if resp != nil {
		c.limiter.Update(resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
}

// SearchRecent returns full names of repositories under a topic that were
// pushed within the window, most recently updated first.
func (c *Client) SearchRecent(ctx context.Context, topic string, windowDays int) ([]string, error) {
	since := c.now().UTC().AddDate(0, 0, -windowDays)
	query := fmt.Sprintf("topic:%s pushed:>=%s", topic, since.Format("2006-01-02"))

	var names []string
	err := c.limiter.Do(ctx, "search "+topic, func(ctx context.Context) error {
		result, resp, err := c.gh.Search.Repositories(ctx, query, &github.SearchOptions{
			Sort:        "updated",
			ListOptions: github.ListOptions{PerPage: 30},
		})
		c.updateQuota(resp)
		if err != nil {
			return err
		}
		names = names[:0]
		for _, r := range result.Repositories {
			if r.GetFullName() != "" {
				names = append(names, r.GetFullName())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search topic %s: %w", topic, err)
	}
	return names, nil
}

// ListEventRepos sweeps the public event stream for repositories with
// fresh create/push activity.
func (c *Client) ListEventRepos(ctx context.Context) ([]string, error) {
	var names []string
	err := c.limiter.Do(ctx, "list events", func(ctx context.Context) error {
		events, resp, err := c.gh.Activity.ListEvents(ctx, &github.ListOptions{PerPage: 30})
		c.updateQuota(resp)
		if err != nil {
			return err
		}
		names = names[:0]
		for _, e := range events {
			switch e.GetType() {
			case "CreateEvent", "PushEvent":
				if name := e.GetRepo().GetName(); name != "" {
					names = append(names, name)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return names, nil
}

// GetDetail fetches the identity record for a repository.
func (c *Client) GetDetail(ctx context.Context, fullName string) (*model.RepoDetail, error) {
	owner, name, ok := model.SplitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("malformed repository identifier %q", fullName)
	}

	var detail *model.RepoDetail
	err := c.limiter.Do(ctx, "get "+fullName, func(ctx context.Context) error {
		repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		c.updateQuota(resp)
		if err != nil {
			return err
		}
		detail = toRepoDetail(repo)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for metric, v := range map[string]int{
		model.MetricStars:    detail.Stars,
		model.MetricWatchers: detail.Watchers,
	} {
		if v < 0 {
			return nil, &model.ErrNegativeMetric{Metric: metric, Value: v}
		}
	}
	return detail, nil
}

// FetchWindow gathers the activity counts for an explicit time window of
// now minus windowDays. Lifetime totals are never used as a stand-in for
// windowed counts. A failing metric endpoint does not fail the whole
// fetch: the metric is marked unknown and logged distinctly from a true
// zero. Rate-limit exhaustion and cancellation do abort the fetch.
func (c *Client) FetchWindow(ctx context.Context, fullName string, windowDays int) (model.MetricsSnapshot, error) {
	owner, name, ok := model.SplitFullName(fullName)
	if !ok {
		return model.MetricsSnapshot{}, fmt.Errorf("malformed repository identifier %q", fullName)
	}
	since := c.now().UTC().AddDate(0, 0, -windowDays)

	var m model.MetricsSnapshot
	fetches := []struct {
		metric string
		run    func(ctx context.Context) error
	}{
		{model.MetricCommits, func(ctx context.Context) error {
			n, err := c.countCommits(ctx, owner, name, since)
			m.Commits7d = n
			return err
		}},
		{model.MetricForks, func(ctx context.Context) error {
			n, err := c.countForks(ctx, owner, name, since)
			m.Forks7d = n
			return err
		}},
		{model.MetricIssues, func(ctx context.Context) error {
			n, err := c.countIssues(ctx, owner, name, since)
			m.Issues7d = n
			return err
		}},
		{model.MetricPRs, func(ctx context.Context) error {
			n, err := c.countPRs(ctx, owner, name, since)
			m.PRs7d = n
			return err
		}},
		{model.MetricContributors, func(ctx context.Context) error {
			n, err := c.countContributors(ctx, owner, name)
			m.Contributors = n
			return err
		}},
	}

	for _, f := range fetches {
		err := c.limiter.Do(ctx, f.metric+" "+fullName, f.run)
		if err == nil {
			continue
		}
		if errors.Is(err, ratelimit.ErrExhausted) || ctx.Err() != nil {
			return m, err
		}
		m.MarkUnknown(f.metric)
		c.logger.Warn("Metric unavailable, treated as zero for scoring",
			"repo", fullName, "metric", f.metric, "error", err)
	}

	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// ListRecentCommits fetches commits pushed since the given time, mapped
// to archive records. It handles API pagination transparently.
func (c *Client) ListRecentCommits(ctx context.Context, fullName string, since time.Time) ([]model.ArchivedCommit, error) {
	owner, name, ok := model.SplitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("malformed repository identifier %q", fullName)
	}

	var all []model.ArchivedCommit
	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		var page []*github.RepositoryCommit
		err := c.limiter.Do(ctx, "commits "+fullName, func(ctx context.Context) error {
			commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
			c.updateQuota(resp)
			if err != nil {
				return err
			}
			page = commits
			opts.Page = resp.NextPage
			return nil
		})
		if err != nil {
			if isEmptyRepo(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, commit := range page {
			all = append(all, toArchivedCommit(fullName, commit))
		}
		if opts.Page == 0 {
			break
		}
	}
	return all, nil
}

func (c *Client) countCommits(ctx context.Context, owner, name string, since time.Time) (int, error) {
	count := 0
	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		c.updateQuota(resp)
		if err != nil {
			if isEmptyRepo(err) {
				return 0, nil
			}
			return 0, err
		}
		count += len(commits)
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) countForks(ctx context.Context, owner, name string, since time.Time) (int, error) {
	// The forks endpoint has no since filter; newest-first ordering lets
	// the scan stop at the first fork older than the window.
	count := 0
	opts := &github.RepositoryListForksOptions{
		Sort:        "newest",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		forks, resp, err := c.gh.Repositories.ListForks(ctx, owner, name, opts)
		c.updateQuota(resp)
		if err != nil {
			return 0, err
		}
		for _, f := range forks {
			if f.GetCreatedAt().Time.Before(since) {
				return count, nil
			}
			count++
		}
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) countIssues(ctx context.Context, owner, name string, since time.Time) (int, error) {
	count := 0
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		c.updateQuota(resp)
		if err != nil {
			return 0, err
		}
		for _, issue := range issues {
			// The issues endpoint returns pull requests too.
			if issue.IsPullRequest() {
				continue
			}
			if !issue.GetCreatedAt().Time.Before(since) {
				count++
			}
		}
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) countPRs(ctx context.Context, owner, name string, since time.Time) (int, error) {
	count := 0
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		c.updateQuota(resp)
		if err != nil {
			return 0, err
		}
		for _, pr := range prs {
			if pr.GetCreatedAt().Time.Before(since) {
				return count, nil
			}
			count++
		}
		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) countContributors(ctx context.Context, owner, name string) (int, error) {
	// With one contributor per page the Link header's last page number is
	// the total count, saving a full enumeration.
	contributors, resp, err := c.gh.Repositories.ListContributors(ctx, owner, name,
		&github.ListContributorsOptions{ListOptions: github.ListOptions{PerPage: 1}})
	c.updateQuota(resp)
	if err != nil {
		return 0, err
	}
	if resp.LastPage > 0 {
		return resp.LastPage, nil
	}
	return len(contributors), nil
}

func toRepoDetail(r *github.Repository) *model.RepoDetail {
	detail := &model.RepoDetail{
		FullName:    r.GetFullName(),
		Owner:       r.GetOwner().GetLogin(),
		Description: r.GetDescription(),
		CreatedAt:   r.GetCreatedAt().Time,
		Stars:       r.GetStargazersCount(),
		Watchers:    r.GetSubscribersCount(),
	}
	if r.PushedAt != nil {
		detail.PushedAt = sql.NullTime{Time: r.PushedAt.Time, Valid: true}
	}
	return detail
}

// maxMessageBytes bounds stored commit messages. Truncation lands on a
// rune boundary so the immutable archive record stays valid UTF-8.
const maxMessageBytes = 500

func toArchivedCommit(fullName string, c *github.RepositoryCommit) model.ArchivedCommit {
	message := c.GetCommit().GetMessage()
	if len(message) > maxMessageBytes {
		cut := maxMessageBytes
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return model.ArchivedCommit{
		Repo:       fullName,
		SHA:        c.GetSHA(),
		Message:    message,
		Author:     c.GetCommit().GetAuthor().GetName(),
		CommitTime: c.GetCommit().GetAuthor().GetDate().Time,
	}
}

// isEmptyRepo recognizes the 409 the commits endpoint returns for a
// repository with no history.
func isEmptyRepo(err error) bool {
	var er *github.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusConflict
}
