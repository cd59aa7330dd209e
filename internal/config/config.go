// Package config loads and validates verifier configuration from a
// YAML file, with environment-variable overrides for every protocol
// knob and for secrets that should never live in a file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all verifier configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	SpotCheck SpotCheckConfig `yaml:"spot_check"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebhookConfig configures outbound challenge delivery.
type WebhookConfig struct {
	// Secret is the shared HMAC-SHA256 signing key. Delivery fails
	// closed when it is empty.
	Secret string `yaml:"secret"`

	// NetworkTimeoutMs is the hard per-request deadline.
	NetworkTimeoutMs int `yaml:"network_timeout_ms"`
}

// ProtocolConfig configures the multi-day verification campaign.
type ProtocolConfig struct {
	VerificationDays     int     `yaml:"verification_days"`
	ChallengesPerDayMin  int     `yaml:"challenges_per_day_min"`
	ChallengesPerDayMax  int     `yaml:"challenges_per_day_max"`
	BurstSize            int     `yaml:"burst_size"`
	BurstTimeoutMs       int     `yaml:"burst_timeout_ms"`
	PauseBetweenBurstsMs int     `yaml:"pause_between_bursts_ms"`
	NightStartHour       int     `yaml:"night_start_hour"`
	NightEndHour         int     `yaml:"night_end_hour"`
	MinNightChallenges   int     `yaml:"min_night_challenges"`
	ResponseTimeoutMs    int     `yaml:"response_timeout_ms"`
	MinAttemptRate       float64 `yaml:"min_attempt_rate"`
	MinPassesPerDay      int     `yaml:"min_passes_per_day"`
	PassRateRequired     float64 `yaml:"pass_rate_required"`
	SkipsAllowedPerDay   int     `yaml:"skips_allowed_per_day"`
}

// SpotCheckConfig configures ongoing audits of verified agents.
type SpotCheckConfig struct {
	WindowDays       int     `yaml:"window_days"`
	MaxFailures      int     `yaml:"max_failures"`
	MinChecksForRate int     `yaml:"min_checks_for_rate"`
	MaxFailureRate   float64 `yaml:"max_failure_rate"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "verifier.db",
		},
		Webhook: WebhookConfig{
			NetworkTimeoutMs: 20000,
		},
		Protocol: ProtocolConfig{
			VerificationDays:     3,
			ChallengesPerDayMin:  3,
			ChallengesPerDayMax:  5,
			BurstSize:            3,
			BurstTimeoutMs:       20000,
			PauseBetweenBurstsMs: 3000,
			NightStartHour:       1,
			NightEndHour:         6,
			MinNightChallenges:   2,
			ResponseTimeoutMs:    15000,
			MinAttemptRate:       0.6,
			MinPassesPerDay:      1,
			PassRateRequired:     0.8,
			SkipsAllowedPerDay:   1,
		},
		SpotCheck: SpotCheckConfig{
			WindowDays:       30,
			MaxFailures:      10,
			MinChecksForRate: 10,
			MaxFailureRate:   0.25,
		},
	}
}

// Load reads configuration from a YAML file (optional), applies
// environment overrides, and validates the result. An empty path
// yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies recognized environment variables on top of
// file values. Protocol knobs use the canonical option names; the
// signing secret and DB path additionally accept BF_-prefixed forms.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("BF_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("BF_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	envInt("VERIFICATION_DAYS", &c.Protocol.VerificationDays)
	envInt("CHALLENGES_PER_DAY_MIN", &c.Protocol.ChallengesPerDayMin)
	envInt("CHALLENGES_PER_DAY_MAX", &c.Protocol.ChallengesPerDayMax)
	envInt("BURST_SIZE", &c.Protocol.BurstSize)
	envInt("BURST_TIMEOUT_MS", &c.Protocol.BurstTimeoutMs)
	envInt("PAUSE_BETWEEN_BURSTS_MS", &c.Protocol.PauseBetweenBurstsMs)
	envInt("MIN_NIGHT_CHALLENGES", &c.Protocol.MinNightChallenges)
	envInt("RESPONSE_TIMEOUT_MS", &c.Protocol.ResponseTimeoutMs)
	envInt("MIN_PASSES_PER_DAY", &c.Protocol.MinPassesPerDay)
	envInt("SKIPS_ALLOWED_PER_DAY", &c.Protocol.SkipsAllowedPerDay)
	envFloat("MIN_ATTEMPT_RATE", &c.Protocol.MinAttemptRate)
	envFloat("PASS_RATE_REQUIRED", &c.Protocol.PassRateRequired)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks internal consistency of the configuration. The
// webhook secret is deliberately not validated here: a missing secret
// must surface at dispatch time as a loud configuration error, and
// read-only commands work without one.
func (c *Config) Validate() error {
	p := c.Protocol
	if p.VerificationDays < 1 {
		return fmt.Errorf("verification_days must be >= 1, got %d", p.VerificationDays)
	}
	if p.ChallengesPerDayMin < 1 || p.ChallengesPerDayMax < p.ChallengesPerDayMin {
		return fmt.Errorf("invalid challenges per day range [%d, %d]",
			p.ChallengesPerDayMin, p.ChallengesPerDayMax)
	}
	if p.BurstSize < 1 {
		return fmt.Errorf("burst_size must be >= 1, got %d", p.BurstSize)
	}
	if p.NightStartHour < 0 || p.NightEndHour > 24 || p.NightStartHour >= p.NightEndHour {
		return fmt.Errorf("invalid night window [%d, %d)", p.NightStartHour, p.NightEndHour)
	}
	if p.MinAttemptRate < 0 || p.MinAttemptRate > 1 {
		return fmt.Errorf("min_attempt_rate must be in [0, 1], got %g", p.MinAttemptRate)
	}
	if p.PassRateRequired < 0 || p.PassRateRequired > 1 {
		return fmt.Errorf("pass_rate_required must be in [0, 1], got %g", p.PassRateRequired)
	}
	if c.SpotCheck.WindowDays < 1 {
		return fmt.Errorf("spot_check window_days must be >= 1, got %d", c.SpotCheck.WindowDays)
	}
	if c.SpotCheck.MaxFailureRate < 0 || c.SpotCheck.MaxFailureRate > 1 {
		return fmt.Errorf("spot_check max_failure_rate must be in [0, 1], got %g", c.SpotCheck.MaxFailureRate)
	}
	return nil
}
