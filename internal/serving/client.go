// Package serving wraps every interaction with the serving runtime and
// the target host's service manager behind typed operations. Probes
// answer from exit codes or structured listings, not from scraping
// free-form tool output.
package serving

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kvistgaard/modelup/internal/tools"
)

const (
	runtimeInstallScript = "curl -fsSL https://ollama.com/install.sh | sh"
	driverInstallScript  = "/opt/deeplearning/install-driver.sh"
	convertScript        = "/opt/llama.cpp/convert_hf_to_gguf.py"
	notFoundExitCode     = 127
)

// Client executes runtime and system operations through a CommandRunner,
// so the same code path serves local and SSH targets.
type Client struct {
	runner tools.CommandRunner
	unit   string
	log    zerolog.Logger
}

func NewClient(runner tools.CommandRunner, unit string, log zerolog.Logger) *Client {
	return &Client{
		runner: runner,
		unit:   unit,
		log:    log.With().Str("component", "serving").Logger(),
	}
}

// Model is one entry of the runtime's model registry.
type Model struct {
	Name     string
	ID       string
	Size     string
	Modified string
}

// ListModels queries the runtime's registry. The listing is the
// idempotency source of truth for prior completed deployments.
func (c *Client) ListModels() ([]Model, error) {
	out, err := tools.RunChecked(c.runner, "ollama", "list")
	if err != nil {
		return nil, err
	}
	return parseModelList(out), nil
}

// ModelPresent reports whether a model matching the target name is
// registered. Both the exact name and the tag-less base name match.
func (c *Client) ModelPresent(name string) (bool, error) {
	models, err := c.ListModels()
	if err != nil {
		return false, err
	}
	base := baseName(name)
	for _, m := range models {
		if m.Name == name || baseName(m.Name) == base {
			return true, nil
		}
	}
	return false, nil
}

// RuntimeInstalled probes for the runtime binary on the target. Exit 127
// means not installed; anything else unexpected is an error.
func (c *Client) RuntimeInstalled() (bool, error) {
	_, _, exitCode, err := c.runner.Run("ollama", "--version")
	if err == nil && exitCode == 0 {
		return true, nil
	}
	if exitCode == notFoundExitCode {
		return false, nil
	}
	return false, fmt.Errorf("serving: runtime probe failed (exit %d): %w", exitCode, err)
}

func (c *Client) InstallRuntime() error {
	c.log.Info().Msg("installing serving runtime")
	_, err := tools.RunChecked(c.runner, "sh", "-c", runtimeInstallScript)
	return err
}

// PackagesInstalled reports whether every named OS package is present.
func (c *Client) PackagesInstalled(pkgs []string) (bool, error) {
	for _, pkg := range pkgs {
		present, err := c.probe("dpkg", "-s", pkg)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
	}
	return true, nil
}

func (c *Client) InstallPackages(pkgs []string) error {
	if len(pkgs) == 0 {
		return nil
	}
	c.log.Info().Strs("packages", pkgs).Msg("installing packages")
	if _, err := tools.RunChecked(c.runner, "sudo", "apt-get", "update", "-q"); err != nil {
		return err
	}
	args := append([]string{"apt-get", "install", "-y", "-q"}, pkgs...)
	_, err := tools.RunChecked(c.runner, "sudo", args...)
	return err
}

// DriversReady probes the GPU driver stack.
func (c *Client) DriversReady() (bool, error) {
	return c.probe("nvidia-smi")
}

func (c *Client) InstallDrivers() error {
	c.log.Info().Msg("installing GPU drivers")
	_, err := tools.RunChecked(c.runner, "sudo", driverInstallScript)
	return err
}

// PathPresent probes for a path on the target, through sudo so root-owned
// artifacts are visible too.
func (c *Client) PathPresent(path string) (bool, error) {
	return c.probe("sudo", "test", "-e", path)
}

func (c *Client) FetchWeights(source, dest string) error {
	c.log.Info().Str("source", source).Str("dest", dest).Msg("fetching model weights")
	if _, err := tools.RunChecked(c.runner, "mkdir", "-p", dest); err != nil {
		return err
	}
	_, err := tools.RunChecked(c.runner, "huggingface-cli", "download", source, "--local-dir", dest)
	return err
}

func (c *Client) ConvertWeights(inputDir, outputPath string) error {
	c.log.Info().Str("input", inputDir).Str("output", outputPath).Msg("converting weights")
	_, err := tools.RunChecked(c.runner, "python3", convertScript, inputDir, "--outfile", outputPath)
	return err
}

// WriteRemoteFile writes content to a root-owned path on the target as
// one atomic overwrite.
func (c *Client) WriteRemoteFile(path, content string) error {
	dir := parentDir(path)
	script := fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
		tools.ShellEscape(dir),
		tools.ShellEscape(content),
		tools.ShellEscape(path),
	)
	_, err := tools.RunChecked(c.runner, "sudo", "sh", "-c", script)
	return err
}

// WriteUnitOverride installs the unit's override configuration. The
// caller follows with DaemonReload and RestartService; the three calls
// apply the configuration as one unit.
func (c *Client) WriteUnitOverride(content string) error {
	path := fmt.Sprintf("/etc/systemd/system/%s.service.d/override.conf", c.unit)
	c.log.Info().Str("path", path).Msg("writing unit override")
	return c.WriteRemoteFile(path, content)
}

func (c *Client) DaemonReload() error {
	_, err := tools.RunChecked(c.runner, "sudo", "systemctl", "daemon-reload")
	return err
}

func (c *Client) EnableService() error {
	_, err := tools.RunChecked(c.runner, "sudo", "systemctl", "enable", "--now", c.unit)
	return err
}

func (c *Client) RestartService() error {
	c.log.Info().Str("unit", c.unit).Msg("restarting service")
	_, err := tools.RunChecked(c.runner, "sudo", "systemctl", "restart", c.unit)
	return err
}

// ServiceActive probes the service manager for the unit's active state.
func (c *Client) ServiceActive() (bool, error) {
	return c.probe("systemctl", "is-active", "--quiet", c.unit)
}

// RegisterModel registers the converted artifact with the runtime. A
// running daemon without a registered model is not a deployment.
func (c *Client) RegisterModel(name, modelfilePath string) error {
	c.log.Info().Str("model", name).Msg("registering model")
	_, err := tools.RunChecked(c.runner, "ollama", "create", name, "-f", modelfilePath)
	return err
}

// probe runs a command whose exit status is the answer. Exit zero is a
// positive probe and any real non-zero exit is a clean negative. A
// command that never ran to completion carries no exit status and is an
// error, so a transport failure is never mistaken for an absent
// resource.
func (c *Client) probe(name string, args ...string) (bool, error) {
	_, _, exitCode, err := c.runner.Run(name, args...)
	if err == nil && exitCode == 0 {
		return true, nil
	}
	if exitCode < 0 {
		return false, fmt.Errorf("serving: probe %s did not complete: %w", name, err)
	}
	return false, nil
}

func parseModelList(out string) []Model {
	var models []Model
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 {
			// first line is the column header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		m := Model{Name: fields[0], ID: fields[1]}
		if len(fields) >= 4 {
			m.Size = fields[2] + " " + fields[3]
		}
		if len(fields) > 4 {
			m.Modified = strings.Join(fields[4:], " ")
		}
		models = append(models, m)
	}
	return models
}

func baseName(name string) string {
	if idx := strings.Index(name, ":"); idx > 0 {
		return name[:idx]
	}
	return name
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
