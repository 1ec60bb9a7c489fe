package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.Kernel.ErrorThreshold != 3 {
		t.Errorf("default error threshold should be 3, got %d", cfg.Kernel.ErrorThreshold)
	}
	if cfg.Kernel.UncertaintyTheta != 0.6 {
		t.Errorf("default uncertainty theta should be 0.6, got %f", cfg.Kernel.UncertaintyTheta)
	}
	if cfg.ApprovalTTL() != time.Hour {
		t.Errorf("default approval TTL should be 1h, got %s", cfg.ApprovalTTL())
	}
	if cfg.SandboxTimeout() != 60*time.Second {
		t.Errorf("default sandbox timeout should be 60s, got %s", cfg.SandboxTimeout())
	}
	if cfg.Bus.SubjectPrefix != "aios.events" {
		t.Errorf("default subject prefix mismatch: %s", cfg.Bus.SubjectPrefix)
	}
}

func TestLoadFile_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aios.toml")
	content := `
[kernel]
root = "/var/lib/aios"
error_threshold = 5
heartbeat_interval = "10s"

[budgets]
tool_calls = 42

[policy]
approval_ttl = "30m"

[policy.defaults]
"fs.read" = "allow"
"shell.exec" = "approve"

[sandbox]
timeout = "5s"
output_cap = 4096
env_whitelist = ["PATH", "HOME"]

[bus]
url = "nats://localhost:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kernel.Root != "/var/lib/aios" || cfg.Kernel.ErrorThreshold != 5 {
		t.Errorf("kernel section mismatch: %+v", cfg.Kernel)
	}
	if cfg.Budgets.ToolCalls != 42 {
		t.Errorf("budget section mismatch: %+v", cfg.Budgets)
	}
	if cfg.Policy.Defaults["shell.exec"] != "approve" {
		t.Errorf("policy defaults mismatch: %+v", cfg.Policy.Defaults)
	}
	if cfg.ApprovalTTL() != 30*time.Minute {
		t.Errorf("approval TTL mismatch: %s", cfg.ApprovalTTL())
	}
	if cfg.SandboxTimeout() != 5*time.Second || cfg.Sandbox.OutputCap != 4096 {
		t.Errorf("sandbox section mismatch: %+v", cfg.Sandbox)
	}
	if len(cfg.Sandbox.EnvWhitelist) != 2 {
		t.Errorf("env whitelist mismatch: %+v", cfg.Sandbox.EnvWhitelist)
	}
	// Unset fields keep their defaults.
	if cfg.Budgets.Tokens != 1000000 {
		t.Errorf("unset budget should keep default, got %d", cfg.Budgets.Tokens)
	}
}

func TestLoadFile_BadDurationFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aios.toml")
	os.WriteFile(path, []byte("[kernel]\nheartbeat_interval = \"soon\"\n"), 0644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("bad duration should fall back to default, got %s", cfg.HeartbeatInterval())
	}
}

func TestRoot_ExpandsHome(t *testing.T) {
	cfg := New()
	cfg.Kernel.Root = "~/aios-test"
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if cfg.Root() != filepath.Join(home, "aios-test") {
		t.Errorf("home expansion failed: %s", cfg.Root())
	}
}
