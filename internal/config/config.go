package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

const FileName = "stageline.yml"

// defaultStageTimeout matches the runner default when neither the profile nor
// the runner section sets one.
const defaultStageTimeout = 900 * time.Second

// Config models stageline.yml.
type Config struct {
	Dispatcher DispatcherConfig          `yaml:"dispatcher"`
	Guard      GuardConfig               `yaml:"guard"`
	Runner     RunnerConfig              `yaml:"runner"`
	Simulation SimulationConfig          `yaml:"simulation"`
	Complexity ComplexityConfig          `yaml:"complexity"`
	Profiles   []domain.ExecutionProfile `yaml:"profiles"`
	Auth       AuthConfig                `yaml:"auth"`
	Projection ProjectionConfig          `yaml:"projection"`
	Log        LogConfig                 `yaml:"log"`
}

type DispatcherConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	LeaseSeconds        int    `yaml:"lease_seconds"`
	OwnerID             string `yaml:"owner_id"`
	MaxAncestorDepth    int    `yaml:"max_ancestor_depth"`
}

type GuardConfig struct {
	Mode string `yaml:"mode"`
}

type RunnerConfig struct {
	LogDir                string `yaml:"log_dir"`
	ArtifactDir           string `yaml:"artifact_dir"`
	UploadDir             string `yaml:"upload_dir"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	ContainerBinary       string `yaml:"container_binary"`
	ContainerImage        string `yaml:"container_image"`
}

// SimulationConfig gates the in-band marker that forces a test stage to fail.
type SimulationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Marker  string `yaml:"marker"`
}

// ComplexityConfig holds the tunable thresholds of the complexity score.
type ComplexityConfig struct {
	SimpleMax int `yaml:"simple_max"`
	MediumMax int `yaml:"medium_max"`
	BodyUnit  int `yaml:"body_unit"`
}

type AuthConfig struct {
	EnvFile    string `yaml:"env_file"`
	TokenFile  string `yaml:"token_file"`
	NativeHome string `yaml:"native_home"`
}

type ProjectionConfig struct {
	NATS     NATSConfig      `yaml:"nats"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Statuses       []string `yaml:"statuses"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PollInterval returns the dispatcher tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatcher.PollIntervalSeconds) * time.Second
}

// LeaseDuration returns how long a claim is held before it can be reclaimed.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Dispatcher.LeaseSeconds) * time.Second
}

// StageTimeout returns the budget the runner gives a stage under p.
func (c *Config) StageTimeout(p domain.ExecutionProfile) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	if c.Runner.DefaultTimeoutSeconds > 0 {
		return time.Duration(c.Runner.DefaultTimeoutSeconds) * time.Second
	}
	return defaultStageTimeout
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the defaults when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(workspace)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatcher.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.dispatcher.poll_interval_seconds must be positive")
	}
	if c.Dispatcher.LeaseSeconds <= 0 {
		return fmt.Errorf("config.dispatcher.lease_seconds must be positive")
	}
	switch c.Guard.Mode {
	case "block", "warn", "off":
	default:
		return fmt.Errorf("config.guard.mode must be block, warn or off (got %q)", c.Guard.Mode)
	}
	if c.Runner.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("config.runner.default_timeout_seconds must not be negative")
	}
	if c.Simulation.Enabled && c.Simulation.Marker == "" {
		return fmt.Errorf("config.simulation.marker is required when simulation is enabled")
	}
	if c.Complexity.BodyUnit <= 0 {
		return fmt.Errorf("config.complexity.body_unit must be positive")
	}
	if c.Complexity.SimpleMax >= c.Complexity.MediumMax {
		return fmt.Errorf("config.complexity.simple_max must be below medium_max")
	}
	seen := map[string]string{}
	for i, p := range c.Profiles {
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("config.profiles[%d]: %w", i, err)
		}
		key := p.Complexity + "/" + p.Stage
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("config.profiles[%d]: %s duplicates profile %s", i, key, prev)
		}
		seen[key] = p.ID
	}
	if err := c.validateLeaseBudget(); err != nil {
		return err
	}
	for i, hook := range c.Projection.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.projection.webhooks[%d].url is required", i)
		}
	}
	if c.Projection.NATS.URL != "" && c.Projection.NATS.Subject == "" {
		return fmt.Errorf("config.projection.nats.subject is required with a url")
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be auto, text or json")
	}
	return nil
}

// validateLeaseBudget requires a claim lease long enough to cover every stage
// of the slowest complexity tier.
func (c *Config) validateLeaseBudget() error {
	budget := map[string]time.Duration{}
	for _, p := range c.Profiles {
		budget[p.Complexity] += c.StageTimeout(p)
	}
	lease := c.LeaseDuration()
	for _, tier := range []string{domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex} {
		if total := budget[tier]; total > lease {
			return fmt.Errorf("config.dispatcher.lease_seconds (%d) is shorter than the %s stage timeouts (%d)",
				c.Dispatcher.LeaseSeconds, tier, int(total/time.Second))
		}
	}
	return nil
}

func validateProfile(p domain.ExecutionProfile) error {
	switch p.Complexity {
	case domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex:
	default:
		return fmt.Errorf("unknown complexity %q", p.Complexity)
	}
	switch p.Stage {
	case domain.StagePlan, domain.StageExecute, domain.StageTest:
	default:
		return fmt.Errorf("unknown stage %q", p.Stage)
	}
	if p.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	switch p.Runtime {
	case "", domain.RuntimeHost, domain.RuntimeContainer:
	default:
		return fmt.Errorf("runtime must be host or container")
	}
	switch p.AuthMode {
	case "", "api_key", "oauth_callback", "device_code":
	default:
		return fmt.Errorf("unknown auth_mode %q", p.AuthMode)
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
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

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Profiles = nil
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

const defaultTemplate = `dispatcher:
  poll_interval_seconds: 15
  lease_seconds: 7200
  owner_id: ""
  max_ancestor_depth: 64

guard:
  mode: block

runner:
  log_dir: .stageline/logs
  artifact_dir: .stageline/artifacts
  upload_dir: .stageline/uploads
  default_timeout_seconds: 900
  container_binary: docker
  container_image: ghcr.io/stageline/agent-runtime:latest

simulation:
  enabled: false
  marker: "[[stageline:simulate-blocking-finding]]"

complexity:
  simple_max: 3
  medium_max: 8
  body_unit: 1000

profiles:
  - {id: simple.plan, complexity: simple, stage: plan, agent: claude, model: claude-sonnet-4-5, runtime: host, provider: anthropic, auth_mode: api_key, timeout_seconds: 600}
  - {id: simple.execute, complexity: simple, stage: execute, agent: claude, model: claude-sonnet-4-5, runtime: host, provider: anthropic, auth_mode: api_key, timeout_seconds: 900}
  - {id: simple.test, complexity: simple, stage: test, agent: claude, model: claude-sonnet-4-5, runtime: host, provider: anthropic, auth_mode: api_key, timeout_seconds: 900}
  - {id: medium.plan, complexity: medium, stage: plan, agent: claude, model: claude-opus-4-1, runtime: host, provider: anthropic, auth_mode: api_key, timeout_seconds: 900}
  - {id: medium.execute, complexity: medium, stage: execute, agent: codex, model: gpt-5-codex, runtime: host, provider: openai, auth_mode: api_key, timeout_seconds: 1800}
  - {id: medium.test, complexity: medium, stage: test, agent: claude, model: claude-sonnet-4-5, runtime: host, provider: anthropic, auth_mode: api_key, timeout_seconds: 1200}
  - {id: complex.plan, complexity: complex, stage: plan, agent: claude, model: claude-opus-4-1, runtime: container, provider: anthropic, auth_mode: api_key, timeout_seconds: 1200}
  - {id: complex.execute, complexity: complex, stage: execute, agent: codex, model: gpt-5-codex, runtime: container, provider: openai, auth_mode: api_key, timeout_seconds: 3600}
  - {id: complex.test, complexity: complex, stage: test, agent: gemini, model: gemini-2.5-pro, runtime: container, provider: google, auth_mode: api_key, timeout_seconds: 1800}

auth:
  env_file: .env
  token_file: .stageline/tokens.toml
  native_home: ""

projection:
  nats:
    url: ""
    subject: stageline.items
  webhooks: []

log:
  level: info
  format: auto
  file: ""
`
