package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestErrorMessageCarriesRawOutput(t *testing.T) {
	err := &Error{
		Name:     "mkfs.fat",
		Args:     []string{"-F", "32", "image-p1.tmp"},
		ExitCode: 1,
		Output:   []byte("mkfs.fat: unable to open image-p1.tmp\n"),
	}

	msg := err.Error()
	if !strings.Contains(msg, "mkfs.fat -F 32 image-p1.tmp") {
		t.Errorf("message does not name the command: %q", msg)
	}
	if !strings.Contains(msg, "status 1") {
		t.Errorf("message does not name the exit code: %q", msg)
	}
	if !strings.Contains(msg, "unable to open") {
		t.Errorf("message does not carry the tool output: %q", msg)
	}
}

func TestFakeRunnerRecordsInvocations(t *testing.T) {
	r := NewFakeRunner()

	if _, err := r.Run(context.Background(), "mmd", []string{"-i", "p1", "::boot"}, nil); err != nil {
		t.Fatalf("fake run failed: %v", err)
	}
	if _, err := r.Run(context.Background(), "sfdisk", []string{"disk.img"}, []byte("label: dos\n")); err != nil {
		t.Fatalf("fake run failed: %v", err)
	}

	cmds := r.Commands()
	if len(cmds) != 2 {
		t.Fatalf("recorded %d invocations, want 2", len(cmds))
	}
	if cmds[0] != "mmd -i p1 ::boot" {
		t.Errorf("unexpected first command: %q", cmds[0])
	}
	if string(r.Invocations[1].Stdin) != "label: dos\n" {
		t.Errorf("stdin not recorded: %q", r.Invocations[1].Stdin)
	}
}

func TestFakeRunnerSimulatedFailure(t *testing.T) {
	r := NewFakeRunner()
	r.Fail = map[string]string{"mcopy": "disk full"}

	_, err := r.Run(context.Background(), "mcopy", []string{"-i", "p2"}, nil)

	var toolErr *Error
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected *tool.Error, got %v", err)
	}
	if toolErr.ExitCode != 1 || string(toolErr.Output) != "disk full" {
		t.Errorf("unexpected error contents: %+v", toolErr)
	}
}

func TestLookupErrorForMissingTool(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Lookup("definitely-not-a-real-formatter")

	var lookupErr *LookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("expected *tool.LookupError, got %v", err)
	}
}
