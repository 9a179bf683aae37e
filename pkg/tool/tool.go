// Package tool wraps the external formatting and copy tools (mkfs.fat,
// mkfs.ext*, mtools, debugfs, sfdisk) behind a narrow Runner interface so
// the rest of the module can be tested without running real formatters.
//
// The wrapped tools are known to under-report failures, so a Runner never
// interprets exit codes beyond zero/non-zero; the raw combined output is
// carried verbatim in the returned error.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes one external tool invocation and blocks until it exits.
// stdin may be nil. The returned bytes are the combined stdout/stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// Error is a failed tool invocation: the exact command, its exit code and
// its raw output. It is not further interpreted.
type Error struct {
	Name     string
	Args     []string
	ExitCode int
	Output   []byte
}

func (e *Error) Error() string {
	out := strings.TrimSpace(string(e.Output))
	if out == "" {
		return fmt.Sprintf("%s exited with status %d", e.command(), e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.command(), e.ExitCode, out)
}

func (e *Error) command() string {
	return strings.Join(append([]string{e.Name}, e.Args...), " ")
}

// LookupError means the tool is not installed or not on $PATH.
type LookupError struct {
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("tool %q not found: %v", e.Name, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ExecRunner runs tools via os/exec. Resolved paths are cached so repeated
// invocations of the same tool skip the $PATH walk.
type ExecRunner struct {
	logger *slog.Logger

	mu    sync.Mutex
	paths map[string]string
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		logger: slog.Default(),
		paths:  make(map[string]string),
	}
}

// Lookup resolves and caches the path of name. It can be used up front to
// check that all required tools are present before any file is touched.
func (r *ExecRunner) Lookup(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.paths[name]; ok {
		return path, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &LookupError{Name: name, Err: err}
	}
	r.paths[name] = path
	return path, nil
}

func (r *ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	path, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	r.logger.DebugContext(ctx, "running tool", "name", name, "args", args)

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &Error{
				Name:     name,
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Output:   out,
			}
		}
		return out, fmt.Errorf("running %s: %w", name, err)
	}

	return out, nil
}
