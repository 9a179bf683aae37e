package tool

import (
	"context"
	"strings"
)

// Invocation records one call made against a FakeRunner.
type Invocation struct {
	Name  string
	Args  []string
	Stdin []byte
}

// FakeRunner records invocations instead of spawning processes. Tests use
// it to verify offsets and arguments without running real formatters.
type FakeRunner struct {
	Invocations []Invocation

	// Fail makes invocations of the named tool return a non-zero Error.
	// The key is the tool name, the value the simulated output.
	Fail map[string]string
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

func (r *FakeRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	r.Invocations = append(r.Invocations, Invocation{Name: name, Args: args, Stdin: stdin})

	if out, ok := r.Fail[name]; ok {
		return []byte(out), &Error{Name: name, Args: args, ExitCode: 1, Output: []byte(out)}
	}
	return nil, nil
}

// Commands returns the recorded invocations as flat command lines, which
// keeps test expectations readable.
func (r *FakeRunner) Commands() []string {
	cmds := make([]string, 0, len(r.Invocations))
	for _, inv := range r.Invocations {
		cmds = append(cmds, strings.Join(append([]string{inv.Name}, inv.Args...), " "))
	}
	return cmds
}
