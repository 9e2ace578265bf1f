package executor

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/validate"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	v, err := validate.New(config.Default().Validate)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return New(v, config.Default().Executor)
}

func TestExecuteEcho(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), Request{Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("timed out unexpectedly")
	}
}

func TestExecuteCapturesStderrAndExitCode(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Stderr) != "oops\n" {
		t.Errorf("stderr = %q, want %q", res.Stderr, "oops\n")
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", res.ExitCode)
	}
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	e := newTestExecutor(t)
	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "sleep 30 & sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("execute took %v, want well under timeout+grace", elapsed)
	}
	if !res.TimedOut {
		t.Error("timed_out = false, want true")
	}
	if res.ExitCode != nil {
		t.Errorf("exit code = %v, want nil on timeout", *res.ExitCode)
	}
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Execute(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo before; sleep 30"},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Stdout) != "before\n" {
		t.Errorf("stdout = %q, want partial output up to the kill", res.Stdout)
	}
}

func TestExecuteCancellation(t *testing.T) {
	e := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res, err := e.Execute(ctx, Request{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.TimedOut || res.ExitCode != nil {
		t.Errorf("cancelled run: timed_out=%v exit=%v, want true/nil", res.TimedOut, res.ExitCode)
	}
}

func TestExecuteValidationError(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Execute(context.Background(), Request{Command: "rm", Args: []string{"-rf", "/"}})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestExecuteSpawnError(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Execute(context.Background(), Request{Command: "definitely-not-a-real-binary-xyz"})
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
}

func TestOverlayEnvKeepsInherited(t *testing.T) {
	t.Setenv("SHELLGATE_TEST_BASE", "base")
	env := overlayEnv(map[string]string{"SHELLGATE_TEST_EXTRA": "extra"})
	var sawBase, sawExtra bool
	for _, kv := range env {
		switch kv {
		case "SHELLGATE_TEST_BASE=base":
			sawBase = true
		case "SHELLGATE_TEST_EXTRA=extra":
			sawExtra = true
		}
	}
	if !sawBase || !sawExtra {
		t.Errorf("overlay env missing entries: base=%v extra=%v", sawBase, sawExtra)
	}
}

func TestClampTimeout(t *testing.T) {
	e := newTestExecutor(t)
	if got := e.ClampTimeout(0); got != 30*time.Second {
		t.Errorf("default = %v, want 30s", got)
	}
	if got := e.ClampTimeout(48 * time.Hour); got != 30*time.Minute {
		t.Errorf("clamped = %v, want 30m", got)
	}
}

func TestPrepareSetsProcessGroup(t *testing.T) {
	e := newTestExecutor(t)
	cmd, err := e.Prepare(Request{Command: "true"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid not set")
	}
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not on PATH")
	}
}
