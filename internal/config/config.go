package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/vrischmann/envconfig"
)

// Config is the single explicit configuration value handed to every
// component. Nothing below cmd/ reads ambient process state.
type Config struct {
	Project      string   `toml:"project"`
	InstanceName string   `toml:"instance_name"`
	MachineType  string   `toml:"machine_type"`
	Zones        []string `toml:"zones"`
	RunDir       string   `toml:"run_dir"`

	Accelerator AcceleratorConfig `toml:"accelerator"`
	Disks       DiskConfig        `toml:"disks"`
	Model       ModelConfig       `toml:"model"`
	Service     ServiceConfig     `toml:"service"`
	Packages    PackagesConfig    `toml:"packages"`
	Bundle      BundleConfig      `toml:"bundle"`
	SSH         SSHConfig         `toml:"ssh"`
}

type AcceleratorConfig struct {
	Type  string `toml:"type"`
	Count int    `toml:"count"`
}

type DiskConfig struct {
	BootGB int64 `toml:"boot_gb"`
	DataGB int64 `toml:"data_gb"`
}

type ModelConfig struct {
	Name       string `toml:"name"`
	Source     string `toml:"source"`
	WeightsDir string `toml:"weights_dir"`
	GGUFPath   string `toml:"gguf_path"`
	Modelfile  string `toml:"modelfile"`
}

type ServiceConfig struct {
	Unit                   string            `toml:"unit"`
	GraceSeconds           int               `toml:"grace_seconds"`
	ReadinessBudgetSeconds int               `toml:"readiness_budget_seconds"`
	Overrides              map[string]string `toml:"overrides"`
}

type PackagesConfig struct {
	Extra []string `toml:"extra"`
}

type BundleConfig struct {
	Sources []string `toml:"sources"`
	Dir     string   `toml:"dir"`
}

type SSHConfig struct {
	Host       string `toml:"host"`
	Port       string `toml:"port"`
	User       string `toml:"user"`
	KeyPath    string `toml:"key_path"`
	KnownHosts string `toml:"known_hosts"`
	Insecure   bool   `toml:"insecure"`
}

// envOverrides is the small set of values that may be overridden from the
// environment after the file is loaded. All fields are optional.
type envOverrides struct {
	Project string `envconfig:"optional,MODELUP_PROJECT"`
	Zone    string `envconfig:"optional,MODELUP_ZONE"`
	Model   string `envconfig:"optional,MODELUP_MODEL"`
	SSHHost string `envconfig:"optional,MODELUP_SSH_HOST"`
	SSHUser string `envconfig:"optional,MODELUP_SSH_USER"`
}

func (s ServiceConfig) GraceInterval() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

func (s ServiceConfig) ReadinessBudget() time.Duration {
	return time.Duration(s.ReadinessBudgetSeconds) * time.Second
}

// Load reads the TOML file, applies environment overrides, fills defaults
// and validates. Any validation failure is fatal at startup.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	var ov envOverrides
	if err := envconfig.Init(&ov); err != nil {
		return Config{}, fmt.Errorf("config env overrides failed: %w", err)
	}
	cfg.applyOverrides(ov)
	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyOverrides(ov envOverrides) {
	if v := strings.TrimSpace(ov.Project); v != "" {
		c.Project = v
	}
	if v := strings.TrimSpace(ov.Zone); v != "" {
		c.Zones = []string{v}
	}
	if v := strings.TrimSpace(ov.Model); v != "" {
		c.Model.Name = v
	}
	if v := strings.TrimSpace(ov.SSHHost); v != "" {
		c.SSH.Host = v
	}
	if v := strings.TrimSpace(ov.SSHUser); v != "" {
		c.SSH.User = v
	}
}

func (c *Config) applyDefaults() {
	if c.MachineType == "" {
		c.MachineType = "g2-standard-8"
	}
	if c.RunDir == "" {
		c.RunDir = "runs"
	}
	if c.Accelerator.Type == "" {
		c.Accelerator.Type = "nvidia-l4"
	}
	if c.Accelerator.Count == 0 {
		c.Accelerator.Count = 1
	}
	if c.Disks.BootGB == 0 {
		c.Disks.BootGB = 200
	}
	if c.Model.WeightsDir == "" {
		c.Model.WeightsDir = "/opt/models/weights"
	}
	if c.Model.GGUFPath == "" {
		c.Model.GGUFPath = "/opt/models/model.gguf"
	}
	if c.Model.Modelfile == "" {
		c.Model.Modelfile = "/opt/models/Modelfile"
	}
	if c.Service.Unit == "" {
		c.Service.Unit = "ollama"
	}
	if c.Service.GraceSeconds == 0 {
		c.Service.GraceSeconds = 30
	}
	if c.Service.ReadinessBudgetSeconds == 0 {
		c.Service.ReadinessBudgetSeconds = 300
	}
	if c.Bundle.Dir == "" {
		c.Bundle.Dir = "bundles"
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("config missing project")
	}
	if strings.TrimSpace(cfg.InstanceName) == "" {
		return fmt.Errorf("config missing instance_name")
	}
	if len(cfg.Zones) == 0 {
		return fmt.Errorf("config requires at least one zone")
	}
	for i, zone := range cfg.Zones {
		if strings.TrimSpace(zone) == "" {
			return fmt.Errorf("zone[%d] is empty", i)
		}
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		return fmt.Errorf("config missing model.name")
	}
	if strings.TrimSpace(cfg.Model.Source) == "" {
		return fmt.Errorf("config missing model.source")
	}
	if cfg.Accelerator.Count < 1 {
		return fmt.Errorf("accelerator.count must be positive")
	}
	if cfg.SSH.Host != "" && strings.TrimSpace(cfg.SSH.User) == "" {
		return fmt.Errorf("ssh.user required when ssh.host is set")
	}
	return nil
}
