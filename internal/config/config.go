package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "phaseline.yml"

// Config models phaseline.yml.
type Config struct {
	Attestations struct {
		Catalog map[string]struct {
			Description string `yaml:"description" json:"description"`
		} `yaml:"catalog" json:"catalog"`
	} `yaml:"attestations" json:"attestations"`
	// Evidence maps a transition type to the attestation kinds its evidence
	// gate requires.
	Evidence     map[string][]string `yaml:"evidence" json:"evidence"`
	Claims       ClaimsConfig        `yaml:"claims" json:"claims"`
	Policy       PolicyConfig        `yaml:"policy" json:"policy"`
	Skip         SkipConfig          `yaml:"skip" json:"skip"`
	GatePolicies []GatePolicySeed    `yaml:"gate_policies" json:"gate_policies"`
}

type ClaimsConfig struct {
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	CheckTimeout      time.Duration `yaml:"check_timeout" json:"check_timeout"`
	Backend           string        `yaml:"backend" json:"backend"`
	Redis             struct {
		Addr   string `yaml:"addr" json:"addr"`
		Prefix string `yaml:"prefix" json:"prefix"`
	} `yaml:"redis" json:"redis"`
}

type PolicyConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

type SkipConfig struct {
	// MaxAttempts is the number of rejected attempts after which a retryable
	// gate failure moves attention to a sibling unit. Zero disables.
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	RetryableGates []string `yaml:"retryable_gates" json:"retryable_gates"`
}

type GatePolicySeed struct {
	Gate              string `yaml:"gate" json:"gate"`
	WorkUnitType      string `yaml:"work_unit_type" json:"work_unit_type,omitempty"`
	ValidationProfile string `yaml:"validation_profile" json:"validation_profile,omitempty"`
	Applicability     string `yaml:"applicability" json:"applicability"`
	Reason            string `yaml:"reason" json:"reason,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Claims.StaleAfter <= 0 {
		return fmt.Errorf("config.claims.stale_after must be positive")
	}
	if c.Claims.HeartbeatInterval <= 0 || c.Claims.HeartbeatInterval >= c.Claims.StaleAfter {
		return fmt.Errorf("config.claims.heartbeat_interval must be positive and below stale_after")
	}
	switch c.Claims.Backend {
	case "", "sqlite":
	case "redis":
		if c.Claims.Redis.Addr == "" {
			return fmt.Errorf("config.claims.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.claims.backend must be sqlite or redis, got %q", c.Claims.Backend)
	}
	if c.Policy.CacheTTL < 0 || c.Policy.FetchTimeout <= 0 {
		return fmt.Errorf("config.policy.fetch_timeout must be positive and cache_ttl non-negative")
	}
	if c.Skip.MaxAttempts < 0 {
		return fmt.Errorf("config.skip.max_attempts must not be negative")
	}
	for tt, kinds := range c.Evidence {
		for _, k := range kinds {
			if k == "" {
				return fmt.Errorf("evidence for %s has empty attestation kind", tt)
			}
			if len(c.Attestations.Catalog) > 0 {
				if _, ok := c.Attestations.Catalog[k]; !ok {
					return fmt.Errorf("evidence for %s requires unknown attestation kind %s", tt, k)
				}
			}
		}
	}
	for i, p := range c.GatePolicies {
		if p.Gate == "" {
			return fmt.Errorf("gate_policies[%d].gate is required", i)
		}
		if !slices.Contains([]string{"REQUIRED", "OPTIONAL", "DISABLED"}, p.Applicability) {
			return fmt.Errorf("gate_policies[%d].applicability must be REQUIRED, OPTIONAL or DISABLED", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
	}
	return FromFile(path)
}

// LoadOptional falls back to the defaults when no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses raw YAML on top of the defaults and validates the result.
// Sections left out of the file keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `attestations:
  catalog:
    requirements.accepted:
      description: "Scope and requirements agreed"
    scope.groomed:
      description: "Unit is sized and dependencies are known"
    design.reviewed:
      description: "Plan and design reviewed"
    ci.passed:
      description: "CI pipeline completed successfully"
    review.approved:
      description: "Code review approved"
    docs.updated:
      description: "Documentation updated for the change"
    acceptance.passed:
      description: "Acceptance criteria verified"
    release.approved:
      description: "Final approval granted"

evidence:
  LEAD-TO-PLAN: [requirements.accepted, scope.groomed]
  PLAN-TO-EXEC: [design.reviewed]
  EXEC-TO-PLAN: [ci.passed, review.approved]
  PLAN-TO-LEAD: [acceptance.passed]
  LEAD-FINAL-APPROVAL: [release.approved]

claims:
  stale_after: 15m
  heartbeat_interval: 1m
  check_timeout: 500ms
  backend: sqlite
  redis:
    addr: ""
    prefix: "phaseline:claim:"

policy:
  cache_ttl: 60s
  fetch_timeout: 200ms

skip:
  max_attempts: 3
  retryable_gates: [IMPLEMENTATION_EVIDENCE]

gate_policies:
  - gate: DESIGN_EVIDENCE
    work_unit_type: spike
    applicability: DISABLED
    reason: "Spikes do not produce a reviewed design"
  - gate: IMPLEMENTATION_EVIDENCE
    work_unit_type: docs
    applicability: OPTIONAL
    reason: "Documentation units have no CI pipeline"
`
