// internal/spam/detector.go

// Package spam flags statistically anomalous activity patterns over a
// full store snapshot. Every heuristic is a deterministic threshold rule;
// flags are advisory signals for downstream review, never deletions.
package spam

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"repo-radar/internal/model"
)

// Heuristic names attached to flags.
const (
	HeuristicCommitSkew         = "commit_contributor_skew"
	HeuristicForkSkew           = "fork_commit_skew"
	HeuristicScoreCluster       = "score_clustering"
	HeuristicNameKeyword        = "spam_name_keyword"
	HeuristicOwnerConcentration = "owner_concentration"
)

// Reason attached to every clustering flag. Clustered repos are candidates
// for manual review, not definitive spam.
const coordinatedPatternReason = "coordinated-pattern candidate"

// Repo names that have only ever shown up in farmed repositories.
var spamNameKeywords = []string{
	"airdrop", "wallet-connect", "metamask-wallet", "phantom-wallet",
	"coinbase-wallet", "trust-wallet", "web3-sdk", "web3-api",
	"crypto-payment", "defi-arbitrage", "passive-income", "income-generator",
}

// Config holds the detector thresholds. The bin width and cluster size
// defaults were chosen empirically; treat them as tunables.
type Config struct {
	RatioThreshold     float64 // commits per contributor
	ForkSpikeMin       int     // minimum forks before the fork heuristic applies
	ForkCommitRatio    float64 // forks per commit
	BinWidth           float64 // velocity score bin width
	ClusterThreshold   int     // entities per bin before the bin is flagged
	OwnerConcentration int     // high-velocity repos per owner before flagging
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		RatioThreshold:     50,
		ForkSpikeMin:       10,
		ForkCommitRatio:    2,
		BinWidth:           5,
		ClusterThreshold:   5,
		OwnerConcentration: 5,
	}
}

// Flag marks one repository under one heuristic.
type Flag struct {
	FullName  string `json:"full_name"`
	Heuristic string `json:"heuristic"`
	Reason    string `json:"reason"`
}

// Detector runs the batch heuristics over a snapshot.
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// Analyze runs every heuristic over the snapshot and returns the union of
// flags, deduplicated per (repo, heuristic) and deterministically ordered.
func (d *Detector) Analyze(snapshot []model.DiscoveredRepo) []Flag {
	var flags []Flag
	for i := range snapshot {
		flags = append(flags, d.perRepoFlags(&snapshot[i])...)
	}
	flags = append(flags, d.clusterFlags(snapshot)...)
	flags = append(flags, d.ownerConcentrationFlags(snapshot)...)

	flags = dedupe(flags)
	sort.Slice(flags, func(i, j int) bool {
		if flags[i].FullName != flags[j].FullName {
			return flags[i].FullName < flags[j].FullName
		}
		return flags[i].Heuristic < flags[j].Heuristic
	})

	for _, f := range flags {
		d.logger.Info("Repository flagged", "repo", f.FullName, "heuristic", f.Heuristic, "reason", f.Reason)
	}
	return flags
}

func (d *Detector) perRepoFlags(r *model.DiscoveredRepo) []Flag {
	var flags []Flag

	contributors := max(r.Metrics.Contributors, 1)
	if ratio := float64(r.Metrics.Commits7d) / float64(contributors); ratio > d.cfg.RatioThreshold {
		flags = append(flags, Flag{
			FullName:  r.FullName,
			Heuristic: HeuristicCommitSkew,
			Reason:    fmt.Sprintf("%d commits across %d contributors (ratio %.1f > %.1f)", r.Metrics.Commits7d, r.Metrics.Contributors, ratio, d.cfg.RatioThreshold),
		})
	}

	commits := max(r.Metrics.Commits7d, 1)
	if r.Metrics.Forks7d > d.cfg.ForkSpikeMin {
		if ratio := float64(r.Metrics.Forks7d) / float64(commits); ratio > d.cfg.ForkCommitRatio {
			flags = append(flags, Flag{
				FullName:  r.FullName,
				Heuristic: HeuristicForkSkew,
				Reason:    fmt.Sprintf("%d forks against %d commits in window", r.Metrics.Forks7d, r.Metrics.Commits7d),
			})
		}
	}

	name := strings.ToLower(r.FullName)
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	for _, kw := range spamNameKeywords {
		if strings.Contains(name, kw) {
			flags = append(flags, Flag{
				FullName:  r.FullName,
				Heuristic: HeuristicNameKeyword,
				Reason:    fmt.Sprintf("repository name contains %q", kw),
			})
			break
		}
	}

	return flags
}

// clusterFlags buckets velocity scores into fixed-width bins. A bin holding
// more than ClusterThreshold repos whose owners are mostly distinct looks
// like a coordinated farm: many actors parked at the same score.
func (d *Detector) clusterFlags(snapshot []model.DiscoveredRepo) []Flag {
	bins := make(map[int][]*model.DiscoveredRepo)
	for i := range snapshot {
		r := &snapshot[i]
		bin := int(math.Floor(r.VelocityScore / d.cfg.BinWidth))
		bins[bin] = append(bins[bin], r)
	}

	var flags []Flag
	for bin, members := range bins {
		if len(members) <= d.cfg.ClusterThreshold {
			continue
		}
		owners := make(map[string]struct{}, len(members))
		for _, r := range members {
			owners[r.Owner] = struct{}{}
		}
		// Mostly distinct: more than half the cluster is unique owners.
		if len(owners)*2 <= len(members) {
			continue
		}
		lo := float64(bin) * d.cfg.BinWidth
		for _, r := range members {
			flags = append(flags, Flag{
				FullName:  r.FullName,
				Heuristic: HeuristicScoreCluster,
				Reason: fmt.Sprintf("%s: %d repos from %d owners scored in [%.0f,%.0f)",
					coordinatedPatternReason, len(members), len(owners), lo, lo+d.cfg.BinWidth),
			})
		}
	}
	return flags
}

// ownerConcentrationFlags catches one actor holding many repos that all
// rank high, which the clustering heuristic is blind to by construction.
func (d *Detector) ownerConcentrationFlags(snapshot []model.DiscoveredRepo) []Flag {
	perOwner := make(map[string][]*model.DiscoveredRepo)
	for i := range snapshot {
		r := &snapshot[i]
		if r.VelocityScore > 0 {
			perOwner[r.Owner] = append(perOwner[r.Owner], r)
		}
	}

	var flags []Flag
	for owner, repos := range perOwner {
		if len(repos) < d.cfg.OwnerConcentration {
			continue
		}
		for _, r := range repos {
			flags = append(flags, Flag{
				FullName:  r.FullName,
				Heuristic: HeuristicOwnerConcentration,
				Reason:    fmt.Sprintf("owner %s holds %d scored repositories", owner, len(repos)),
			})
		}
	}
	return flags
}

func dedupe(flags []Flag) []Flag {
	seen := make(map[string]struct{}, len(flags))
	out := flags[:0]
	for _, f := range flags {
		key := f.FullName + "\x00" + f.Heuristic
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
