// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"repo-radar/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DBPath      string `mapstructure:"DB_PATH"`
	GithubToken string `mapstructure:"GITHUB_TOKEN"`
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`

	WatchTopics      []string      `mapstructure:"WATCH_TOPICS"`
	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL"`
	RunOnce          bool          `mapstructure:"RUN_ONCE"`
	WindowDays       int           `mapstructure:"WINDOW_DAYS"`
	FetchConcurrency int           `mapstructure:"FETCH_CONCURRENCY"`
	ArchiveThreshold float64       `mapstructure:"ARCHIVE_THRESHOLD"`

	FeedPath    string `mapstructure:"FEED_PATH"`
	AtomPath    string `mapstructure:"ATOM_PATH"`
	HandoffPath string `mapstructure:"HANDOFF_PATH"`

	WeightCommits      float64 `mapstructure:"WEIGHT_COMMITS"`
	WeightForks        float64 `mapstructure:"WEIGHT_FORKS"`
	WeightContributors float64 `mapstructure:"WEIGHT_CONTRIBUTORS"`
	WeightIssues       float64 `mapstructure:"WEIGHT_ISSUES"`
	WeightPRs          float64 `mapstructure:"WEIGHT_PRS"`
	WeightWatchers     float64 `mapstructure:"WEIGHT_WATCHERS"`
	FreshnessBoost     float64 `mapstructure:"FRESHNESS_BOOST"`
	SustainedBoost     float64 `mapstructure:"SUSTAINED_BOOST"`

	SpamRatioThreshold     float64 `mapstructure:"SPAM_RATIO_THRESHOLD"`
	SpamForkSpikeMin       int     `mapstructure:"SPAM_FORK_SPIKE_MIN"`
	SpamForkCommitRatio    float64 `mapstructure:"SPAM_FORK_COMMIT_RATIO"`
	SpamBinWidth           float64 `mapstructure:"SPAM_BIN_WIDTH"`
	SpamClusterThreshold   int     `mapstructure:"SPAM_CLUSTER_THRESHOLD"`
	SpamOwnerConcentration int     `mapstructure:"SPAM_OWNER_CONCENTRATION"`

	PinataAPIKey    string `mapstructure:"PINATA_API_KEY"`
	PinataSecretKey string `mapstructure:"PINATA_SECRET_KEY"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_PATH", "radar_state.db")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("POLL_INTERVAL", "5m")
	viper.SetDefault("RUN_ONCE", false)
	viper.SetDefault("WINDOW_DAYS", 7)
	viper.SetDefault("FETCH_CONCURRENCY", 5)
	viper.SetDefault("ARCHIVE_THRESHOLD", 50.0)
	viper.SetDefault("FEED_PATH", "radar_feed.xml")
	viper.SetDefault("ATOM_PATH", "radar_feed.atom")
	viper.SetDefault("HANDOFF_PATH", "gar_orgs.txt")
	viper.SetDefault("WEIGHT_COMMITS", 10.0)
	viper.SetDefault("WEIGHT_FORKS", 5.0)
	viper.SetDefault("WEIGHT_CONTRIBUTORS", 15.0)
	viper.SetDefault("WEIGHT_ISSUES", 2.0)
	viper.SetDefault("WEIGHT_PRS", 3.0)
	viper.SetDefault("WEIGHT_WATCHERS", 1.0)
	viper.SetDefault("FRESHNESS_BOOST", 1.5)
	viper.SetDefault("SUSTAINED_BOOST", 1.2)
	viper.SetDefault("SPAM_RATIO_THRESHOLD", 50.0)
	viper.SetDefault("SPAM_FORK_SPIKE_MIN", 10)
	viper.SetDefault("SPAM_FORK_COMMIT_RATIO", 2.0)
	viper.SetDefault("SPAM_BIN_WIDTH", 5.0)
	viper.SetDefault("SPAM_CLUSTER_THRESHOLD", 5)
	viper.SetDefault("SPAM_OWNER_CONCENTRATION", 5)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.WatchTopics = splitTopics(cfg.WatchTopics)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitTopics normalizes the topic list: env vars carry it as a single
// comma-separated string, config files may carry a real list.
func splitTopics(raw []string) []string {
	var topics []string
	for _, entry := range raw {
		for _, t := range strings.Split(entry, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics
}

func (c *Config) validate() error {
	if len(c.WatchTopics) == 0 {
		return errors.New("WATCH_TOPICS must contain at least one topic")
	}
	for _, t := range c.WatchTopics {
		if strings.TrimSpace(t) == "" || strings.ContainsAny(t, " /") {
			return fmt.Errorf("invalid topic %q in WATCH_TOPICS", t)
		}
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.WindowDays <= 0 {
		return errors.New("WINDOW_DAYS must be positive")
	}
	if c.FetchConcurrency <= 0 {
		return errors.New("FETCH_CONCURRENCY must be positive")
	}
	if c.ArchiveThreshold < 0 {
		return errors.New("ARCHIVE_THRESHOLD must be non-negative")
	}
	for name, w := range map[string]float64{
		model.MetricCommits:      c.WeightCommits,
		model.MetricForks:        c.WeightForks,
		model.MetricContributors: c.WeightContributors,
		model.MetricIssues:       c.WeightIssues,
		model.MetricPRs:          c.WeightPRs,
		model.MetricWatchers:     c.WeightWatchers,
	} {
		if w < 0 {
			return fmt.Errorf("scoring weight for %s must be non-negative", name)
		}
	}
	if c.SpamBinWidth <= 0 {
		return errors.New("SPAM_BIN_WIDTH must be positive")
	}
	if c.SpamClusterThreshold <= 0 {
		return errors.New("SPAM_CLUSTER_THRESHOLD must be positive")
	}
	return nil
}
