// Package config loads warden configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/warden/pkg/governance"
)

// Default configuration values exported for documentation and validation
const (
	DefaultService             = "warden"
	DefaultTeam                = "sre"
	DefaultAgentType           = "triage"
	DefaultEnv                 = "dev"
	DefaultConfidenceThreshold = 0.7
	DefaultMaxInputLength      = 10000
	DefaultCallTimeout         = 30 * time.Second
	DefaultApprovalTTL         = 24 * time.Hour
	DefaultHTTPBind            = "127.0.0.1:8787"
	DefaultDBPath              = "warden.db"
	DefaultLogDir              = "logs"

	// MinTokenLength is the minimum recommended length for API auth tokens
	MinTokenLength = 32
)

// PII handling policies.
const (
	PIIPolicyRedact = "redact"
	PIIPolicyBlock  = "block"
)

// Config represents the complete warden configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Limits    LimitsConfig    `yaml:"limits"`
	Security  SecurityConfig  `yaml:"security"`
	Quality   QualityConfig   `yaml:"quality"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig identifies the deployment for telemetry tagging.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Team      string `yaml:"team"`
	AgentType string `yaml:"agent_type"`
	Env       string `yaml:"env"`
}

// LimitsConfig caps workflow resource usage.
type LimitsConfig struct {
	MaxSteps      int           `yaml:"max_steps"`
	MaxModelCalls int           `yaml:"max_model_calls"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// SecurityConfig controls input validation behavior.
type SecurityConfig struct {
	// PIIPolicy is "redact" (scrub and continue) or "block" (escalate).
	PIIPolicy      string `yaml:"pii_policy"`
	MaxInputLength int    `yaml:"max_input_length"`
}

// QualityConfig controls synthesis acceptance.
type QualityConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// ApprovalConfig controls the human approval gate.
type ApprovalConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Bind      string `yaml:"bind"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// BusConfig controls event fan-out.
type BusConfig struct {
	// NATSEnabled selects the NATS bus; otherwise the in-memory bus is used.
	NATSEnabled bool   `yaml:"nats_enabled"`
	NATSURL     string `yaml:"nats_url"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TelemetryConfig controls metric export.
type TelemetryConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	TraceStdout       bool `yaml:"trace_stdout"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	limits := governance.DefaultLimits()
	return &Config{
		Service: ServiceConfig{
			Name:      DefaultService,
			Team:      DefaultTeam,
			AgentType: DefaultAgentType,
			Env:       DefaultEnv,
		},
		Limits: LimitsConfig{
			MaxSteps:      limits.MaxSteps,
			MaxModelCalls: limits.MaxModelCalls,
			MaxToolCalls:  limits.MaxToolCalls,
			CallTimeout:   DefaultCallTimeout,
		},
		Security: SecurityConfig{
			PIIPolicy:      PIIPolicyRedact,
			MaxInputLength: DefaultMaxInputLength,
		},
		Quality: QualityConfig{
			ConfidenceThreshold: DefaultConfidenceThreshold,
		},
		Approval: ApprovalConfig{
			TTL: DefaultApprovalTTL,
		},
		Server: ServerConfig{
			Bind: DefaultHTTPBind,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Bus: BusConfig{
			NATSURL: "nats://localhost:4222",
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			PrometheusEnabled: true,
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_SERVICE"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv("WARDEN_TEAM"); v != "" {
		cfg.Service.Team = v
	}
	if v := os.Getenv("WARDEN_ENV"); v != "" {
		cfg.Service.Env = v
	}
	if v := os.Getenv("WARDEN_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("WARDEN_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("WARDEN_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
		cfg.Bus.NATSEnabled = true
	}
	if v := os.Getenv("WARDEN_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Quality.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("WARDEN_PII_POLICY"); v != "" {
		cfg.Security.PIIPolicy = strings.ToLower(v)
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Limits.MaxSteps <= 0 {
		return fmt.Errorf("limits.max_steps must be > 0")
	}
	if c.Limits.MaxModelCalls <= 0 {
		return fmt.Errorf("limits.max_model_calls must be > 0")
	}
	if c.Limits.MaxToolCalls <= 0 {
		return fmt.Errorf("limits.max_tool_calls must be > 0")
	}
	if c.Limits.CallTimeout < 0 {
		return fmt.Errorf("limits.call_timeout must be >= 0")
	}

	switch c.Security.PIIPolicy {
	case PIIPolicyRedact, PIIPolicyBlock:
	default:
		return fmt.Errorf("invalid pii policy: %s (valid: redact, block)", c.Security.PIIPolicy)
	}
	if c.Security.MaxInputLength <= 0 {
		return fmt.Errorf("security.max_input_length must be > 0")
	}

	if c.Quality.ConfidenceThreshold < 0 || c.Quality.ConfidenceThreshold > 1 {
		return fmt.Errorf("quality.confidence_threshold must be in [0, 1]")
	}

	if c.Approval.TTL <= 0 {
		return fmt.Errorf("approval.ttl must be > 0")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if c.Server.AuthToken != "" && len(c.Server.AuthToken) < MinTokenLength {
		return fmt.Errorf("server.auth_token must be at least %d characters", MinTokenLength)
	}

	return nil
}

// GovernanceLimits converts the configured ceilings to governance.Limits.
func (c *Config) GovernanceLimits() governance.Limits {
	return governance.Limits{
		MaxSteps:      c.Limits.MaxSteps,
		MaxModelCalls: c.Limits.MaxModelCalls,
		MaxToolCalls:  c.Limits.MaxToolCalls,
	}
}

// BaseTags returns the deployment identity tags applied to every metric.
func (c *Config) BaseTags() map[string]string {
	return map[string]string{
		"service":    c.Service.Name,
		"team":       c.Service.Team,
		"agent_type": c.Service.AgentType,
		"env":        c.Service.Env,
	}
}
