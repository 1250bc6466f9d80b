package evolution

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CompileChecker is the narrow, language-agnostic contract from spec §6:
// given a path to a candidate script, return (passed, optional error_text).
// The engine treats the error text as opaque and includes it verbatim in
// feedback to the LLM.
type CompileChecker interface {
	Check(ctx context.Context, path string) (passed bool, errorText string, err error)
}

// ShellCompileChecker invokes an external checker command as a subprocess,
// grounded on the corpus's subprocess-execution idiom for running
// sandboxed tool commands. Skills in this system are reference-language
// Rhai scripts; the default checker command is an external "rhai-checker"
// binary the operator supplies, keeping the contract itself
// language-agnostic per spec §6 rather than embedding a scripting VM.
type ShellCompileChecker struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewShellCompileChecker builds a ShellCompileChecker for the given checker
// command and timeout.
func NewShellCompileChecker(command string, timeout time.Duration, logger *slog.Logger) *ShellCompileChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if command == "" {
		command = "rhai-checker"
	}
	return &ShellCompileChecker{
		Command: command,
		Timeout: timeout,
		Logger:  logger.With("component", "evolution.ShellCompileChecker"),
	}
}

// Check writes nothing itself — path must already point at the candidate
// source — and runs `<command> <path>`, treating a zero exit status as a
// pass and any non-zero status as a failure whose combined stdout+stderr
// is the opaque error text.
func (c *ShellCompileChecker) Check(ctx context.Context, path string) (bool, string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command, path)
	cmd.Env = os.Environ()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.Logger.Debug("running compile check", "command", c.Command, "path", path)

	runErr := cmd.Run()
	if runErr == nil {
		return true, "", nil
	}

	if _, ok := runErr.(*exec.ExitError); ok {
		return false, strings.TrimSpace(out.String()), nil
	}

	// A failure to even launch the checker (missing binary, etc.) is a
	// transport-style error, not a compile-domain failure.
	return false, "", runErr
}

// writeTemp writes source to a temp file with the given extension and
// returns its path; the caller is responsible for removing it.
func writeTemp(dir, skill, ext, source string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "skillevo-"+skill+"-*."+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(source); err != nil {
		return "", err
	}
	return f.Name(), nil
}
