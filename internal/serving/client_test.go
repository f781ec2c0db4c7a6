package serving

import (
	"errors"
	"strings"
	"testing"

	"github.com/kvistgaard/modelup/internal/logging"
)

// fakeRunner scripts responses per command line and records invocations.
type fakeRunner struct {
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	stdout   string
	stderr   string
	exitCode int32
	err      error
}

func (f *fakeRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	resp, ok := f.responses[key]
	if !ok {
		return nil, nil, 0, nil
	}
	return []byte(resp.stdout), []byte(resp.stderr), resp.exitCode, resp.err
}

func (f *fakeRunner) called(prefix string) bool {
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

const ollamaListing = `NAME            ID              SIZE      MODIFIED
llama3:8b       365c0bd3c000    4.7 GB    2 days ago
mistral:latest  61e88e884507    4.1 GB    5 weeks ago
`

func newTestClient(runner *fakeRunner) *Client {
	return NewClient(runner, "ollama", logging.NewTest())
}

func TestParseModelList(t *testing.T) {
	models := parseModelList(ollamaListing)
	if len(models) != 2 {
		t.Fatalf("expected two models, got %d", len(models))
	}
	if models[0].Name != "llama3:8b" || models[0].ID != "365c0bd3c000" {
		t.Fatalf("unexpected first model: %+v", models[0])
	}
	if models[0].Size != "4.7 GB" {
		t.Fatalf("unexpected size: %q", models[0].Size)
	}
	if models[1].Modified != "5 weeks ago" {
		t.Fatalf("unexpected modified: %q", models[1].Modified)
	}
}

func TestModelPresentMatchesBaseName(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"ollama list": {stdout: ollamaListing},
	}}
	c := newTestClient(runner)

	present, err := c.ModelPresent("llama3:70b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !present {
		t.Fatalf("expected base-name match for llama3")
	}

	present, err = c.ModelPresent("qwen2:7b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if present {
		t.Fatalf("did not expect qwen2 to be present")
	}
}

func TestRuntimeInstalledDistinguishesMissingBinary(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"ollama --version": {exitCode: 127, err: errors.New("executable not found")},
	}}
	c := newTestClient(runner)

	installed, err := c.RuntimeInstalled()
	if err != nil {
		t.Fatalf("missing binary is a clean negative, got error: %v", err)
	}
	if installed {
		t.Fatalf("expected runtime to be reported missing")
	}
}

func TestRuntimeInstalledSurfacesUnexpectedFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"ollama --version": {exitCode: 1, err: errors.New("exit status 1")},
	}}
	c := newTestClient(runner)

	if _, err := c.RuntimeInstalled(); err == nil {
		t.Fatalf("expected probe error for unexpected exit code")
	}
}

func TestServiceActiveInactiveUnitIsCleanNegative(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"systemctl is-active --quiet ollama": {exitCode: 3, err: errors.New("exit status 3")},
	}}
	c := newTestClient(runner)

	active, err := c.ServiceActive()
	if err != nil {
		t.Fatalf("inactive unit must not be an error: %v", err)
	}
	if active {
		t.Fatalf("expected inactive service")
	}
}

func TestServiceActiveSurfacesTransportFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"systemctl is-active --quiet ollama": {exitCode: -1, err: errors.New("dial tcp: connection refused")},
	}}
	c := newTestClient(runner)

	if _, err := c.ServiceActive(); err == nil {
		t.Fatalf("a probe that never ran must not read as an inactive service")
	}
}

func TestPathPresentSurfacesTransportFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"sudo test -e /opt/models/model.gguf": {exitCode: -1, err: errors.New("ssh: handshake failed")},
	}}
	c := newTestClient(runner)

	if _, err := c.PathPresent("/opt/models/model.gguf"); err == nil {
		t.Fatalf("a probe that never ran must not read as a missing path")
	}
}

func TestPackagesInstalledSurfacesTransportFailure(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"dpkg -s jq": {exitCode: -1, err: errors.New("dial tcp: connection refused")},
	}}
	c := newTestClient(runner)

	if _, err := c.PackagesInstalled([]string{"jq"}); err == nil {
		t.Fatalf("a probe that never ran must not read as a missing package")
	}
}

func TestInstallPackagesRunsAptSequence(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestClient(runner)

	if err := c.InstallPackages([]string{"jq", "python3-pip"}); err != nil {
		t.Fatalf("unexpected install error: %v", err)
	}
	if !runner.called("sudo apt-get update") {
		t.Fatalf("expected apt-get update, calls: %v", runner.calls)
	}
	if !runner.called("sudo apt-get install -y -q jq python3-pip") {
		t.Fatalf("expected apt-get install, calls: %v", runner.calls)
	}
}

func TestInstallPackagesNoopOnEmptyList(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestClient(runner)

	if err := c.InstallPackages(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no commands, got %v", runner.calls)
	}
}

func TestWriteUnitOverrideTargetsDropInDir(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestClient(runner)

	if err := c.WriteUnitOverride("[Service]\nEnvironment=OLLAMA_HOST=0.0.0.0\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one command, got %v", runner.calls)
	}
	call := runner.calls[0]
	if !strings.HasPrefix(call, "sudo sh -c ") {
		t.Fatalf("expected elevated shell write, got %q", call)
	}
	if !strings.Contains(call, "/etc/systemd/system/ollama.service.d/override.conf") {
		t.Fatalf("expected drop-in path in command, got %q", call)
	}
}

func TestRegisterModelFailurePropagates(t *testing.T) {
	runner := &fakeRunner{responses: map[string]fakeResponse{
		"ollama create llama3:8b -f /opt/models/Modelfile": {
			exitCode: 1,
			stderr:   "invalid modelfile",
			err:      errors.New("exit status 1"),
		},
	}}
	c := newTestClient(runner)

	if err := c.RegisterModel("llama3:8b", "/opt/models/Modelfile"); err == nil {
		t.Fatalf("expected registration failure to propagate")
	}
}
