package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Correlator.Window != 30*time.Second {
		t.Errorf("window = %v", c.Correlator.Window)
	}
	if c.Orchestrator.ConfirmTimeout != 120*time.Second || c.Orchestrator.SweepInterval != 5*time.Second {
		t.Errorf("orchestrator = %+v", c.Orchestrator)
	}
	if c.Server.ListenAddr != ":8080" {
		t.Errorf("listen = %q", c.Server.ListenAddr)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate defaults: %v", err)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
correlator:
  window: 45s
  min_confidence: 0.75
orchestrator:
  confirm_timeout: 60s
audit:
  path: /tmp/lossguard/audit.jsonl
ownership:
  static_map:
    store-1: ["mgr-a", "mgr-b"]
  approval_rules:
    - action_type: MARKDOWN
      timeout: 300s
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOSSGUARD_AUDIT_PATH", "/var/lib/lossguard/audit.jsonl")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Correlator.Window != 45*time.Second || c.Correlator.MinConfidence != 0.75 {
		t.Errorf("correlator = %+v", c.Correlator)
	}
	if c.Correlator.HighConfidence != 0.9 {
		t.Errorf("high_confidence default lost: %v", c.Correlator.HighConfidence)
	}
	if c.Orchestrator.ConfirmTimeout != 60*time.Second {
		t.Errorf("confirm_timeout = %v", c.Orchestrator.ConfirmTimeout)
	}
	if c.Audit.Path != "/var/lib/lossguard/audit.jsonl" {
		t.Errorf("env override not applied: %q", c.Audit.Path)
	}
	if ids := c.Ownership.StaticMap["store-1"]; len(ids) != 2 {
		t.Errorf("static_map = %v", c.Ownership.StaticMap)
	}
	if len(c.Ownership.ApprovalRules) != 1 || c.Ownership.ApprovalRules[0].Timeout != 300*time.Second {
		t.Errorf("approval_rules = %+v", c.Ownership.ApprovalRules)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero window", func(c *Config) { c.Correlator.Window = 0 }},
		{"confidence above one", func(c *Config) { c.Correlator.MinConfidence = 1.5 }},
		{"high below min", func(c *Config) { c.Correlator.HighConfidence = 0.5 }},
		{"zero delta", func(c *Config) { c.Correlator.MinDelta = 0 }},
		{"json alerts without path", func(c *Config) { c.Alerts.Backend = "json" }},
		{"mysql alerts without dsn", func(c *Config) { c.Alerts.Backend = "mysql" }},
		{"unknown alerts backend", func(c *Config) { c.Alerts.Backend = "mongo" }},
		{"redis without addr", func(c *Config) { c.Notify.Backend = "redis" }},
		{"kafka without brokers", func(c *Config) { c.Ingest.Kafka.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nLOSSGUARD_TEST_A=\"one\"\n\nLOSSGUARD_TEST_B=two\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOSSGUARD_TEST_B", "keep")
	t.Setenv("LOSSGUARD_TEST_A", "")
	if err := LoadEnvFile(path, false); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("LOSSGUARD_TEST_A"); got != "one" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("LOSSGUARD_TEST_B"); got != "keep" {
		t.Errorf("B should not be overridden, got %q", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing"), false); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}
