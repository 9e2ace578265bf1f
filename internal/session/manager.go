// Package session owns PTY-backed interactive sessions. A PTY rather than
// plain pipes is load-bearing: sudo, apt, and most installers only emit
// their prompts (and flush line-buffered output) when attached to a
// terminal device.
//
// Input policy: input is accepted whenever the process is alive, whether or
// not a prompt is pending — interactive programs read free-form typing too.
// Sending input clears any pending prompt classification.
package session

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/executor"
	"github.com/shellgate-io/shellgate/internal/logger"
	"github.com/shellgate-io/shellgate/internal/prompt"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotInteractive = errors.New("session is no longer interactive")
	ErrTooManySessions       = errors.New("session limit reached")
)

// Manager is the registry of live sessions. The registry map is guarded by
// mu; per-session mutation happens under each session's own lock so two
// sessions never contend on each other's I/O.
type Manager struct {
	exec  *executor.Executor
	cfg   config.SessionConfig
	grace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(e *executor.Executor, cfg config.SessionConfig, grace time.Duration) *Manager {
	m := &Manager{
		exec:     e,
		cfg:      cfg,
		grace:    grace,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Start validates the request, attaches the command to a fresh PTY, and
// registers the session under a new ID.
func (m *Manager) Start(req executor.Request) (string, error) {
	// Reserve a slot before spawning so concurrent Starts cannot all pass
	// the count check and exceed the cap.
	m.mu.Lock()
	if len(m.sessions)+m.reserved >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", ErrTooManySessions
	}
	m.reserved++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}

	cmd, err := m.exec.Prepare(req)
	if err != nil {
		release()
		return "", err
	}
	// pty.Start needs Setsid+Setctty; the PTY child becomes its own session
	// and process-group leader, so group kill by -pid still works.
	cmd.SysProcAttr = nil

	ptmx, err := pty.Start(cmd)
	if err != nil {
		release()
		return "", &executor.SpawnError{Err: err}
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		Command:      req.Command,
		CreatedAt:    now,
		state:        StateRunning,
		lastActivity: now,
		cmd:          cmd,
		ptmx:         ptmx,
		subs:         make(map[string]chan []byte),
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.reserved--
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	go m.waitLoop(sess)

	logger.Info("session started", "session_id", sess.ID, "command", req.Command, "pid", cmd.Process.Pid)
	return sess.ID, nil
}

// Poll returns output produced since the previous Poll, plus current state.
// Never blocks on process I/O — it only copies in-memory buffer state.
func (m *Manager) Poll(id string) (*Snapshot, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	out, next := sess.ring.since(sess.readCursor)
	sess.readCursor = next
	// Polling deliberately does not count as activity: idle reaping is
	// driven by the process's own input/output, so a poller that only
	// watches an abandoned session cannot keep it alive forever.
	return &Snapshot{Output: out, State: sess.state, Pending: sess.pending}, nil
}

// SendInput writes text plus a newline to the PTY. See the package comment
// for the input policy.
func (m *Manager) SendInput(id, text string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return ErrSessionNotInteractive
	}
	ptmx := sess.ptmx
	sess.pending = prompt.None
	sess.state = StateRunning
	sess.touch()
	sess.mu.Unlock()

	// PTY write outside the lock; a full kernel buffer must not stall Poll.
	if _, err := ptmx.Write(append([]byte(text), '\n')); err != nil {
		return fmt.Errorf("write to session: %w", err)
	}
	return nil
}

// Terminate ends a session. Idempotent: terminating an already-finished
// session is a no-op, not an error.
func (m *Manager) Terminate(id string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	m.kill(sess, StateTerminated)
	return nil
}

// Subscribe registers a live output channel for streaming consumers. The
// returned cancel func must be called when the consumer goes away.
func (m *Manager) Subscribe(id string) (<-chan []byte, func(), error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan []byte, 256)
	subID := uuid.New().String()

	sess.mu.Lock()
	sess.subs[subID] = ch
	sess.mu.Unlock()

	cancel := func() {
		sess.mu.Lock()
		delete(sess.subs, subID)
		sess.mu.Unlock()
	}
	return ch, cancel, nil
}

// Done exposes the session's completion channel for streaming consumers.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return sess.done, nil
}

// Count reports the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown terminates every session and stops the reaper.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.kill(s, StateTerminated)
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// kill moves a session to a terminal state and tears its process down.
// Callers decide the terminal state (TERMINATED vs TIMED_OUT).
func (m *Manager) kill(sess *Session, final State) {
	sess.mu.Lock()
	if sess.state.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.state = final
	sess.pending = prompt.None
	if sess.quiet != nil {
		sess.quiet.Stop()
	}
	pid := sess.cmd.Process.Pid
	sess.mu.Unlock()

	executor.KillGroup(pid, m.grace)
	sess.ptmx.Close()
	<-sess.done
}

// readLoop drains the PTY into the session ring and re-classifies the
// trailing window after every chunk. One goroutine per session; the only
// writer of ring.
func (m *Manager) readLoop(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			sess.mu.Lock()
			sess.ring.append(data)
			sess.touch()
			sess.classifyLocked()
			sess.fanOutLocked(data)
			if sess.quiet != nil {
				sess.quiet.Stop()
			}
			sess.quiet = time.AfterFunc(quiescence, sess.onQuiet)
			sess.mu.Unlock()
		}
		if err != nil {
			// EOF or EIO once the child exits and the PTY slave closes.
			return
		}
	}
}

// waitLoop reaps the child and records the exit. It closes the PTY to
// unblock readLoop, and leaves terminal states set by Terminate/reaper
// untouched.
func (m *Manager) waitLoop(sess *Session) {
	err := sess.cmd.Wait()

	sess.mu.Lock()
	if sess.quiet != nil {
		sess.quiet.Stop()
	}
	if !sess.state.terminal() {
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		sess.exitCode = &code
		sess.state = StateCompleted
		sess.pending = prompt.None
	}
	sess.mu.Unlock()

	sess.ptmx.Close()
	close(sess.done)
	logger.Debug("session process exited", "session_id", sess.ID)
}

// reapLoop enforces the idle and absolute caps so abandoned sessions cannot
// accumulate PTYs and processes. Finished sessions linger until the idle cap
// so late pollers can still collect final output, then drop out of the
// registry entirely.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		age := now.Sub(sess.CreatedAt)
		finished := sess.state.terminal()
		sess.mu.Unlock()

		switch {
		case finished && idle > m.cfg.IdleTimeout:
			m.remove(sess.ID)
		case !finished && (idle > m.cfg.IdleTimeout || age > m.cfg.AbsoluteTimeout):
			logger.Info("reaping session", "session_id", sess.ID, "idle", idle.Round(time.Second), "age", age.Round(time.Second))
			m.kill(sess, StateTimedOut)
			m.remove(sess.ID)
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
