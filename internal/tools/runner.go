package tools

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrMissingPrerequisite = errors.New("tools: required binary not found")

// CommandRunner abstracts external tool execution so the provisioning and
// deployment layers can run against a fake in tests.
//
// Exit status conventions: 127 when the binary cannot be found, -1 when
// the command never ran to completion (spawn or transport failure) and no
// exit status exists.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(-1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// CommandError carries the full diagnostic envelope of a failed command.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int32
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf(
		"command failed cmd=%s args=%q exit=%d stdout=%q stderr=%q: %v",
		e.Name,
		strings.Join(e.Args, " "),
		e.ExitCode,
		strings.TrimSpace(e.Stdout),
		strings.TrimSpace(e.Stderr),
		e.Err,
	)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Diagnostic returns the most useful captured output for error reports:
// stderr when present, stdout otherwise.
func (e *CommandError) Diagnostic() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(e.Stdout)
}

// RunChecked runs the command and converts any failure into a CommandError.
// Returns captured stdout on success.
func RunChecked(r CommandRunner, name string, args ...string) (string, error) {
	stdout, stderr, exitCode, err := r.Run(name, args...)
	if err == nil {
		return string(stdout), nil
	}
	return string(stdout), &CommandError{
		Name:     name,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Err:      err,
	}
}

// Succeeds reports whether the command exits zero. Used for probes where
// the exit status is the answer and output is irrelevant.
func Succeeds(r CommandRunner, name string, args ...string) bool {
	_, _, exitCode, err := r.Run(name, args...)
	return err == nil && exitCode == 0
}

// CheckPrerequisites verifies every named binary resolves on PATH before
// any external state is touched.
func CheckPrerequisites(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingPrerequisite, name)
		}
	}
	return nil
}

// CheckRunnerPrerequisites verifies every named binary resolves on the
// runner's target, so a remote runner is checked against the remote
// PATH rather than the local one.
func CheckRunnerPrerequisites(r CommandRunner, names ...string) error {
	for _, name := range names {
		if !Succeeds(r, "sh", "-c", "command -v "+name) {
			return fmt.Errorf("%w: %s", ErrMissingPrerequisite, name)
		}
	}
	return nil
}
