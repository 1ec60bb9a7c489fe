// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the kernel configuration.
type Config struct {
	Kernel    KernelConfig    `toml:"kernel"`    // Runtime and homeostasis settings
	Budgets   BudgetConfig    `toml:"budgets"`   // Per-session budget ceilings
	Policy    PolicyConfig    `toml:"policy"`    // Capability defaults and approvals
	Sandbox   SandboxConfig   `toml:"sandbox"`   // Execution limits
	Telemetry TelemetryConfig `toml:"telemetry"` // Tracing settings
	Bus       BusConfig       `toml:"bus"`       // Optional NATS event mirror
}

// KernelConfig contains runtime and homeostasis settings.
type KernelConfig struct {
	Root              string  `toml:"root"`               // Workspace root directory
	HeartbeatInterval string  `toml:"heartbeat_interval"` // Idle heartbeat interval (duration string)
	ErrorThreshold    int     `toml:"error_threshold"`    // Consecutive failures before the circuit trips
	UncertaintyTheta  float64 `toml:"uncertainty_theta"`  // Bias toward Explore above this
	ContextTheta      float64 `toml:"context_theta"`      // Prefer Explore (compress) above this
	SideEffectTheta   float64 `toml:"side_effect_theta"`  // Route through Verify above this
}

// BudgetConfig contains per-session budget ceilings. Each counts down to zero.
type BudgetConfig struct {
	Tokens      int64 `toml:"tokens"`
	TimeMs      int64 `toml:"time_ms"`
	CostUnits   int64 `toml:"cost_units"`
	ToolCalls   int64 `toml:"tool_calls"`
	ErrorBudget int64 `toml:"error_budget"`
}

// PolicyConfig contains capability defaults and approval settings.
type PolicyConfig struct {
	Defaults    map[string]string `toml:"defaults"`     // capability -> allow | approve | deny
	ApprovalTTL string            `toml:"approval_ttl"` // Pending ticket lifetime (duration string)
}

// SandboxConfig contains execution limits.
type SandboxConfig struct {
	Timeout      string   `toml:"timeout"`       // Wall-clock limit per run (duration string)
	OutputCap    int      `toml:"output_cap"`    // Max bytes captured per stream
	EnvWhitelist []string `toml:"env_whitelist"` // Host env vars passed through
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"` // http, otlp, file, noop
}

// BusConfig contains the optional NATS event mirror settings.
type BusConfig struct {
	URL           string `toml:"url"`            // nats://... ; empty disables the mirror
	SubjectPrefix string `toml:"subject_prefix"` // Default "aios.events"
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Kernel: KernelConfig{
			Root:              "~/.local/aios",
			HeartbeatInterval: "30s",
			ErrorThreshold:    3,
			UncertaintyTheta:  0.6,
			ContextTheta:      0.75,
			SideEffectTheta:   0.7,
		},
		Budgets: BudgetConfig{
			Tokens:      1000000,
			TimeMs:      3600000,
			CostUnits:   1000,
			ToolCalls:   500,
			ErrorBudget: 25,
		},
		Policy: PolicyConfig{
			ApprovalTTL: "1h",
		},
		Sandbox: SandboxConfig{
			Timeout:   "60s",
			OutputCap: 1 << 20,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Bus: BusConfig{
			SubjectPrefix: "aios.events",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from aios.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "aios.toml"))
}

// Root returns the workspace root with ~ expanded.
func (c *Config) Root() string {
	root := c.Kernel.Root
	if len(root) > 1 && root[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, root[1:])
		}
	}
	return root
}

// HeartbeatInterval parses the configured idle heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return parseDuration(c.Kernel.HeartbeatInterval, 30*time.Second)
}

// ApprovalTTL parses the configured pending ticket lifetime.
func (c *Config) ApprovalTTL() time.Duration {
	return parseDuration(c.Policy.ApprovalTTL, time.Hour)
}

// SandboxTimeout parses the configured per-run wall-clock limit.
func (c *Config) SandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
