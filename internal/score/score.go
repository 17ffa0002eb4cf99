// internal/score/score.go

// Package score computes the velocity score: a weighted, age-adjusted
// measure of recent development activity used to rank repositories.
package score

import (
	"math"

	"repo-radar/internal/model"
)

// Age boundaries for the time-based multipliers, in days.
const (
	freshnessMaxAge = 30
	sustainedMinAge = 180
)

// Weights are the per-metric scoring weights. They are configuration,
// injected at construction, so tuning needs no code change.
type Weights struct {
	Commits      float64
	Forks        float64
	Contributors float64
	Issues       float64
	PRs          float64
	Watchers     float64
}

// Scorer is a pure, deterministic velocity scorer.
type Scorer struct {
	weights   Weights
	freshness float64
	sustained float64
}

// New creates a Scorer with the given weights and age multipliers.
func New(w Weights, freshnessBoost, sustainedBoost float64) *Scorer {
	return &Scorer{weights: w, freshness: freshnessBoost, sustained: sustainedBoost}
}

// Score maps a metrics snapshot and the repository age to a ranking score.
// All-zero metrics yield 0; identical inputs always yield identical output.
// Negative ageDays means the age is unknown and no multiplier applies.
func (s *Scorer) Score(m model.MetricsSnapshot, ageDays int) float64 {
	base := float64(m.Commits7d)*s.weights.Commits +
		float64(m.Forks7d)*s.weights.Forks +
		float64(m.Contributors)*s.weights.Contributors +
		float64(m.Issues7d)*s.weights.Issues +
		float64(m.PRs7d)*s.weights.PRs +
		float64(m.Watchers)*s.weights.Watchers

	multiplier := 1.0
	if ageDays >= 0 && ageDays < freshnessMaxAge {
		multiplier *= s.freshness
	}
	if ageDays > sustainedMinAge && m.Commits7d > 0 {
		multiplier *= s.sustained
	}

	return math.Round(base*multiplier*100) / 100
}
