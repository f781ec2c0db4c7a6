package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kvistgaard/modelup/internal/config"
	"github.com/kvistgaard/modelup/internal/provision"
)

// Every document below is regenerated fresh per run; nothing is diffed
// against a previous version.

// InstanceManifest is the persisted record of the provisioned resource.
type InstanceManifest struct {
	Name                string `yaml:"name"`
	Zone                string `yaml:"zone"`
	Region              string `yaml:"region"`
	CreatedAt           string `yaml:"created_at"`
	DiskClass           string `yaml:"disk_class"`
	AcceleratorType     string `yaml:"accelerator_type"`
	AcceleratorCount    int    `yaml:"accelerator_count"`
	ConfidentialCompute bool   `yaml:"confidential_compute"`
	SecureBoot          bool   `yaml:"secure_boot"`
}

// RegistrationDescriptor records the registration call of a completed
// activation.
type RegistrationDescriptor struct {
	Model        string `yaml:"model"`
	Modelfile    string `yaml:"modelfile"`
	Unit         string `yaml:"unit"`
	RegisteredAt string `yaml:"registered_at"`
}

// WriteInstanceManifest persists the resource manifest under the run
// directory and returns its path.
func WriteInstanceManifest(cfg config.Config, inst provision.Instance) (string, error) {
	doc := InstanceManifest{
		Name:                inst.Name,
		Zone:                inst.Zone,
		Region:              inst.Region,
		CreatedAt:           inst.CreatedAt.Format(time.RFC3339),
		DiskClass:           string(inst.Policy.DiskClass),
		AcceleratorType:     inst.Policy.AcceleratorType,
		AcceleratorCount:    inst.Policy.AcceleratorCount,
		ConfidentialCompute: inst.Policy.ConfidentialCompute,
		SecureBoot:          inst.Policy.SecureBoot,
	}
	return writeYAML(cfg.RunDir, "instance-manifest.yaml", doc)
}

func (d *Deployer) writeDocuments(override string) error {
	if err := os.MkdirAll(d.cfg.RunDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(d.cfg.RunDir, "service-override.conf")
	return os.WriteFile(path, []byte(override), 0o644)
}

func (d *Deployer) recordRegistration() error {
	doc := RegistrationDescriptor{
		Model:        d.cfg.Model.Name,
		Modelfile:    d.cfg.Model.Modelfile,
		Unit:         d.cfg.Service.Unit,
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := writeYAML(d.cfg.RunDir, "registration.yaml", doc)
	return err
}

func writeYAML(dir, name string, doc any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// renderUnitOverride renders the systemd drop-in from the configured
// runtime parameters. Keys are sorted so the output is stable.
func renderUnitOverride(overrides map[string]string) string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[Service]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "Environment=%q\n", k+"="+overrides[k])
	}
	return b.String()
}

func renderModelfile(model config.ModelConfig) string {
	return "FROM " + model.GGUFPath + "\n"
}
