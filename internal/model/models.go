// internal/model/models.go
package model

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Metric names used for unknown-marking and logging.
const (
	MetricCommits      = "commits_7d"
	MetricForks        = "forks_7d"
	MetricContributors = "contributors"
	MetricIssues       = "issues_7d"
	MetricPRs          = "prs_7d"
	MetricWatchers     = "watchers"
	MetricStars        = "stars"
)

// ErrNegativeMetric is returned when the upstream API reports a negative
// activity count. By contract this fails the fetch instead of being clamped.
type ErrNegativeMetric struct {
	Metric string
	Value  int
}

func (e *ErrNegativeMetric) Error() string {
	return fmt.Sprintf("negative value %d for metric %q", e.Value, e.Metric)
}

// MetricsSnapshot holds the 7-day activity counts for one repository.
// A metric that could not be fetched this cycle is recorded in Unknown;
// its count stays zero but the two cases log differently.
type MetricsSnapshot struct {
	Commits7d    int `json:"commits_7d"`
	Forks7d      int `json:"forks_7d"`
	Contributors int `json:"contributors"`
	Issues7d     int `json:"issues_7d"`
	PRs7d        int `json:"prs_7d"`
	Watchers     int `json:"watchers"`
	Stars        int `json:"stars"`

	Unknown []string `json:"-"`
}

// MarkUnknown records that a metric could not be fetched.
func (m *MetricsSnapshot) MarkUnknown(metric string) {
	for _, u := range m.Unknown {
		if u == metric {
			return
		}
	}
	m.Unknown = append(m.Unknown, metric)
}

// IsUnknown reports whether a metric was marked unknown for this snapshot.
func (m *MetricsSnapshot) IsUnknown(metric string) bool {
	for _, u := range m.Unknown {
		if u == metric {
			return true
		}
	}
	return false
}

// Validate rejects snapshots carrying negative counts.
func (m *MetricsSnapshot) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{MetricCommits, m.Commits7d},
		{MetricForks, m.Forks7d},
		{MetricContributors, m.Contributors},
		{MetricIssues, m.Issues7d},
		{MetricPRs, m.PRs7d},
		{MetricWatchers, m.Watchers},
		{MetricStars, m.Stars},
	}
	for _, c := range checks {
		if c.value < 0 {
			return &ErrNegativeMetric{Metric: c.name, Value: c.value}
		}
	}
	return nil
}

// RepoDetail is the provider-side identity record for a repository.
type RepoDetail struct {
	FullName    string
	Owner       string
	Description string
	CreatedAt   time.Time
	PushedAt    sql.NullTime
	Stars       int
	Watchers    int
}

// DiscoveredRepo represents one tracked repository together with its most
// recent metrics snapshot and derived fields.
type DiscoveredRepo struct {
	ID             int64
	FullName       string
	Owner          string
	Description    string
	CreatedAt      time.Time
	PushedAt       sql.NullTime
	DiscoveredAt   time.Time
	LastSeenAt     time.Time
	Metrics        MetricsSnapshot
	VelocityScore  float64
	ContentAddress string
}

// AgeDays returns the repository age in whole days at the given instant.
// An unknown creation date reports -1 so no age multiplier applies.
func (r *DiscoveredRepo) AgeDays(now time.Time) int {
	if r.CreatedAt.IsZero() {
		return -1
	}
	return int(now.Sub(r.CreatedAt).Hours() / 24)
}

// AddressRecord is the canonical subset of fields the content address is
// derived from: identity plus the metrics snapshot, no local bookkeeping.
func (r *DiscoveredRepo) AddressRecord() any {
	return struct {
		FullName  string          `json:"full_name"`
		Owner     string          `json:"owner"`
		CreatedAt string          `json:"created_at"`
		Metrics   MetricsSnapshot `json:"metrics"`
	}{
		FullName:  r.FullName,
		Owner:     r.Owner,
		CreatedAt: formatNullableTime(r.CreatedAt),
		Metrics:   r.Metrics,
	}
}

// ArchivedCommit is an immutable archive record for one observed commit.
// Only PinRef may change, and only once, from unset to set.
type ArchivedCommit struct {
	ID             int64
	Repo           string
	SHA            string
	Message        string
	Author         string
	CommitTime     time.Time
	ContentAddress string
	PinRef         sql.NullString
}

// AddressRecord is the canonical subset used for the commit content address.
func (c *ArchivedCommit) AddressRecord() any {
	return struct {
		SHA       string `json:"sha"`
		Repo      string `json:"repo"`
		Message   string `json:"message"`
		Author    string `json:"author"`
		Timestamp string `json:"timestamp"`
	}{
		SHA:       c.SHA,
		Repo:      c.Repo,
		Message:   c.Message,
		Author:    c.Author,
		Timestamp: formatNullableTime(c.CommitTime),
	}
}

// SplitFullName splits "owner/name"; ok is false when the identifier is
// not in that form.
func SplitFullName(fullName string) (owner, name string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func formatNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
