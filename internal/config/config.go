package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models shipyard.yml. It is loaded once at process start and treated
// as immutable afterwards.
type Config struct {
	Claims struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"claims"`
	Payouts struct {
		Rates map[string]float64 `yaml:"rates"`
	} `yaml:"payouts"`
	Skills []string `yaml:"skills"`
	RBAC   struct {
		Roles   map[string]RBACRole `yaml:"roles"`
		Implies map[string][]string `yaml:"implies"`
	} `yaml:"rbac"`
	Duplicates struct {
		BatchSize int           `yaml:"batch_size"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"duplicates"`
	Effects struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"effects"`
	Origin struct {
		BaseURL        string `yaml:"base_url"`
		ActivityURL    string `yaml:"activity_url"`
		APIKey         string `yaml:"api_key,omitempty"`
		ActivityAPIKey string `yaml:"activity_api_key,omitempty"`
	} `yaml:"origin"`
	Intake struct {
		Key string `yaml:"key,omitempty"`
	} `yaml:"intake"`
	Notify struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"notify"`
	Cache struct {
		TTL       time.Duration `yaml:"ttl"`
		RedisAddr string        `yaml:"redis_addr"`
		RedisDB   int           `yaml:"redis_db"`
	} `yaml:"cache"`
	Streak struct {
		DailyThreshold int    `yaml:"daily_threshold"`
		Timezone       string `yaml:"timezone"`
	} `yaml:"streak"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with yard config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the built-in default when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Claims.TTL <= 0 {
		return fmt.Errorf("config.claims.ttl must be positive")
	}
	for kind, rate := range c.Payouts.Rates {
		if kind == "" {
			return fmt.Errorf("config.payouts.rates contains empty project type")
		}
		if rate < 0 {
			return fmt.Errorf("payout rate for %s must not be negative", kind)
		}
	}
	if len(c.Skills) == 0 {
		return fmt.Errorf("config.skills is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Skills {
		if s == "" {
			return fmt.Errorf("config.skills contains empty skill")
		}
		if seen[s] {
			return fmt.Errorf("config.skills lists %s twice", s)
		}
		seen[s] = true
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for perm, implied := range c.RBAC.Implies {
		if perm == "" {
			return fmt.Errorf("config.rbac.implies has empty permission")
		}
		for _, p := range implied {
			if p == "" {
				return fmt.Errorf("permission %s implies empty permission", perm)
			}
		}
	}
	if c.Duplicates.BatchSize < 0 || c.Duplicates.BatchSize > MaxSweepBatch {
		return fmt.Errorf("config.duplicates.batch_size must be between 0 and %d", MaxSweepBatch)
	}
	if c.Effects.Timeout < 0 || c.Notify.Timeout < 0 || c.Cache.TTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Streak.DailyThreshold < 0 {
		return fmt.Errorf("config.streak.daily_threshold must not be negative")
	}
	if c.Streak.Timezone != "" {
		if _, err := time.LoadLocation(c.Streak.Timezone); err != nil {
			return fmt.Errorf("config.streak.timezone: %w", err)
		}
	}
	return nil
}

// MaxSweepBatch caps one duplicate sweep pass.
const MaxSweepBatch = 1000

// SweepBatch returns the configured batch size or the default of 200.
func (c *Config) SweepBatch() int {
	if c.Duplicates.BatchSize > 0 {
		return c.Duplicates.BatchSize
	}
	return 200
}

// EffectTimeout bounds each post-commit effect call.
func (c *Config) EffectTimeout() time.Duration {
	if c.Effects.Timeout > 0 {
		return c.Effects.Timeout
	}
	return 10 * time.Second
}

// Location returns the timezone used for daily streak accounting.
func (c *Config) Location() *time.Location {
	if c.Streak.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Streak.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasSkill reports whether skill is in the configured skill list.
func (c *Config) HasSkill(skill string) bool {
	for _, s := range c.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shipyard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields missing from
// data keep their defaults.
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

const defaultTemplate = `claims:
  ttl: 30m

payouts:
  rates:
    CLI: 1
    Cargo: 1
    Web App: 0.6
    Chat Bot: 0.6
    Extension: 1
    Desktop App (Windows): 1.5
    Desktop App (Linux): 1.5
    Desktop App (macOS): 1.5
    Minecraft Mods: 1
    Hardware: 1
    Android App: 1.5
    iOS App: 1.5
    Steam Games: 1
    PyPI: 1
    Other: 1.5

skills:
  - CLI
  - Cargo
  - Web App
  - Chat Bot
  - Extension
  - Desktop App (Windows)
  - Desktop App (Linux)
  - Desktop App (macOS)
  - Minecraft Mods
  - Hardware
  - Android App
  - iOS App
  - Steam Games
  - PyPI

rbac:
  roles:
    megawright:
      description: "Full access"
      permissions: [all]
    hq:
      description: "Full access"
      permissions: [all]
    captain:
      description: "Runs the review floor"
      permissions: [certs_admin, certs_bounty, assign_admin, reviews_view, spot_check]
    shipwright:
      description: "Reviews certifications"
      permissions: [certs_view, certs_edit, certs_report, assign_edit]
    ysws_reviewer:
      description: "Reviews downstream activity"
      permissions: [reviews_view, reviews_edit, certs_view]
    observer:
      description: "Read only"
      permissions: [certs_view]
  implies:
    certs_admin: [certs_view, certs_edit, certs_override]
    assign_admin: [assign_view, assign_edit, assign_override]
    reviews_admin: [reviews_view, reviews_edit, reviews_override]

duplicates:
  batch_size: 200
  interval: 10m

effects:
  timeout: 10s

origin:
  base_url: ""
  activity_url: ""

notify:
  timeout: 5s

cache:
  ttl: 2m
  redis_addr: ""
  redis_db: 0

streak:
  daily_threshold: 7
  timezone: UTC

log:
  level: info
  format: json
`
