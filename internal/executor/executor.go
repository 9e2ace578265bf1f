// Package executor runs a validated command to completion with a wall-clock
// budget. A command that overruns its budget has its whole process group
// killed, and the timeout is reported as a normal result field rather than an
// error — callers must handle it the same way they handle a completed run.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/validate"
)

// MaxCaptureBytes bounds each of the stdout/stderr capture buffers.
// Oldest bytes are dropped once the cap is exceeded.
const MaxCaptureBytes = 1 << 20

// Request describes a single one-shot execution. Immutable once built.
type Request struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration
}

// Result is produced exactly once per Execute call. ExitCode is nil iff the
// process was killed (timeout or cancellation), and TimedOut is true in
// exactly those cases.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int
	Duration time.Duration
	TimedOut bool
}

// ValidationError wraps a validator rejection so callers can distinguish
// "never ran" from "ran and failed".
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// SpawnError reports that the OS refused to create the process.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

type Executor struct {
	validator      *validate.Validator
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	grace          time.Duration
}

func New(v *validate.Validator, cfg config.ExecutorConfig) *Executor {
	return &Executor{
		validator:      v,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		grace:          cfg.GracePeriod,
	}
}

// ClampTimeout applies the default and the configured ceiling.
func (e *Executor) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return e.defaultTimeout
	}
	if d > e.maxTimeout {
		return e.maxTimeout
	}
	return d
}

// Prepare validates the request and builds the exec.Cmd without starting it.
// Used by the interactive path, which attaches a PTY before starting.
func (e *Executor) Prepare(req Request) (*exec.Cmd, error) {
	line := req.Command
	if len(req.Args) > 0 {
		line += " " + strings.Join(req.Args, " ")
	}
	if err := e.validator.Command(line); err != nil {
		return nil, &ValidationError{Err: err}
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = overlayEnv(req.Env)
	// New process group so a timeout can reap forked children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// Execute runs the request to completion or until its budget expires.
// Partial output up to the kill point is always returned.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	cmd, err := e.Prepare(req)
	if err != nil {
		return nil, err
	}
	timeout := e.ClampTimeout(req.Timeout)

	var stdout, stderr boundedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = true
		KillGroup(cmd.Process.Pid, e.grace)
		waitErr = <-done
	case <-timer.C:
		timedOut = true
		KillGroup(cmd.Process.Pid, e.grace)
		waitErr = <-done
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if !timedOut {
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		res.ExitCode = &code
	}
	return res, nil
}

// overlayEnv merges overrides on top of the inherited environment so PATH
// and friends remain usable.
func overlayEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// boundedBuffer keeps the newest MaxCaptureBytes of whatever is written.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.buf.Write(p)
	if b.buf.Len() > MaxCaptureBytes {
		excess := b.buf.Len() - MaxCaptureBytes
		b.buf.Next(excess)
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
