package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the decision engine.
type Config struct {
	Store      StoreConfig    `yaml:"store"`
	Provider   ProviderConfig `yaml:"provider"`
	Limits     Limits         `yaml:"limits"`
	Thresholds Thresholds     `yaml:"thresholds"`
	Policy     PolicyConfig   `yaml:"policy"`
	Server     ServerConfig   `yaml:"server"`
	Notify     NotifyConfig   `yaml:"notify"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig configures the inference provider.
type ProviderConfig struct {
	Kind    string   `yaml:"kind"` // "http" or "mock"
	BaseURL string   `yaml:"base_url"`
	Model   string   `yaml:"model"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// Limits bounds retries, lock lifetimes, and snapshot freshness.
type Limits struct {
	MaxRetries        int      `yaml:"max_retries"`
	LockTTL           Duration `yaml:"lock_ttl"`
	SnapshotFreshness Duration `yaml:"snapshot_freshness"`
	PollInterval      Duration `yaml:"poll_interval"`
	PollBudget        Duration `yaml:"poll_budget"`
}

// Thresholds holds guardrail and review-trigger tuning values.
// All thresholds are global; per-topic baselines are an open product
// decision, so evaluators take these as arguments rather than reading
// them from package state.
type Thresholds struct {
	CircuitFailures     int      `yaml:"circuit_failures"`
	RefusalRate         float64  `yaml:"refusal_rate"`
	RefusalMinSamples   int      `yaml:"refusal_min_samples"`
	RepeatVisits        int      `yaml:"repeat_visits"`
	ConfidenceDrift     float64  `yaml:"confidence_drift"`
	OutcomeChangeWindow Duration `yaml:"outcome_change_window"`
}

// PolicyConfig carries global policy material merged with per-request policy.
type PolicyConfig struct {
	ForbiddenPhrases []string `yaml:"forbidden_phrases"`
	Rules            []string `yaml:"rules"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	SweepPeriod Duration `yaml:"sweep_period"`
}

// NotifyConfig configures operator alerts. An empty webhook URL disables them.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Timeout    Duration `yaml:"timeout"`
}

// Default returns a config with all defaults applied.
func Default() Config {
	return Config{
		Store:    StoreConfig{Path: "tripverdict.db"},
		Provider: ProviderConfig{Kind: "mock", Model: "travel-judge-1", Timeout: Duration(30 * time.Second)},
		Limits: Limits{
			MaxRetries:        2,
			LockTTL:           Duration(45 * time.Second),
			SnapshotFreshness: Duration(15 * time.Minute),
			PollInterval:      Duration(250 * time.Millisecond),
			PollBudget:        Duration(5 * time.Second),
		},
		Thresholds: Thresholds{
			CircuitFailures:     3,
			RefusalRate:         0.5,
			RefusalMinSamples:   10,
			RepeatVisits:        3,
			ConfidenceDrift:     0.2,
			OutcomeChangeWindow: Duration(72 * time.Hour),
		},
		Policy: PolicyConfig{
			Rules: []string{"guarantee_requested", "unbounded_conflicting_inputs", "missing_material_inputs"},
		},
		Server: ServerConfig{Addr: ":8460", SweepPeriod: Duration(10 * time.Minute)},
		Notify: NotifyConfig{Timeout: Duration(5 * time.Second)},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports all configuration problems at once.
func (c Config) Validate() error {
	var problems []string
	if c.Store.Path == "" {
		problems = append(problems, "store.path must not be empty")
	}
	if c.Provider.Kind != "http" && c.Provider.Kind != "mock" {
		problems = append(problems, fmt.Sprintf("provider.kind must be http or mock, got %q", c.Provider.Kind))
	}
	if c.Provider.Kind == "http" && c.Provider.BaseURL == "" {
		problems = append(problems, "provider.base_url is required for the http provider")
	}
	if c.Limits.MaxRetries < 0 || c.Limits.MaxRetries > 5 {
		problems = append(problems, fmt.Sprintf("limits.max_retries must be in [0,5], got %d", c.Limits.MaxRetries))
	}
	if c.Limits.LockTTL <= 0 {
		problems = append(problems, "limits.lock_ttl must be positive")
	}
	if c.Limits.SnapshotFreshness <= 0 {
		problems = append(problems, "limits.snapshot_freshness must be positive")
	}
	if c.Thresholds.CircuitFailures < 1 {
		problems = append(problems, "thresholds.circuit_failures must be at least 1")
	}
	if c.Thresholds.RefusalRate <= 0 || c.Thresholds.RefusalRate > 1 {
		problems = append(problems, "thresholds.refusal_rate must be in (0,1]")
	}
	if c.Thresholds.RefusalMinSamples < 1 {
		problems = append(problems, "thresholds.refusal_min_samples must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}
