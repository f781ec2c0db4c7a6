package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
project = "ml-serving-lab"
instance_name = "llm-node-0"
zones = ["us-central1-a", "us-east4-b"]

[accelerator]
type = "nvidia-l4"
count = 1

[model]
name = "llama3:8b"
source = "meta-llama/Meta-Llama-3-8B-Instruct"

[service]
grace_seconds = 10

[bundle]
sources = ["/var/log/syslog"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modelup.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Service.Unit != "ollama" {
		t.Fatalf("expected default service unit, got %q", cfg.Service.Unit)
	}
	if cfg.Service.GraceSeconds != 10 {
		t.Fatalf("expected configured grace, got %d", cfg.Service.GraceSeconds)
	}
	if cfg.Service.ReadinessBudgetSeconds != 300 {
		t.Fatalf("expected default readiness budget, got %d", cfg.Service.ReadinessBudgetSeconds)
	}
	if cfg.MachineType == "" {
		t.Fatalf("expected default machine type")
	}
	if len(cfg.Zones) != 2 {
		t.Fatalf("expected two zones, got %d", len(cfg.Zones))
	}
}

func TestLoadRejectsMissingProject(t *testing.T) {
	body := `
instance_name = "llm-node-0"
zones = ["us-central1-a"]
[model]
name = "llama3:8b"
source = "meta-llama/Meta-Llama-3-8B-Instruct"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for missing project")
	}
}

func TestLoadRejectsSSHHostWithoutUser(t *testing.T) {
	body := sampleConfig + `
[ssh]
host = "10.0.0.4"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for ssh host without user")
	}
}

func TestEnvZoneOverrideCollapsesCandidates(t *testing.T) {
	t.Setenv("MODELUP_ZONE", "europe-west4-a")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.Zones) != 1 || cfg.Zones[0] != "europe-west4-a" {
		t.Fatalf("expected zone override singleton, got %v", cfg.Zones)
	}
}

func TestGraceIntervalConversion(t *testing.T) {
	cfg := Config{Service: ServiceConfig{GraceSeconds: 30}}
	if cfg.Service.GraceInterval().Seconds() != 30 {
		t.Fatalf("unexpected grace interval: %v", cfg.Service.GraceInterval())
	}
}
