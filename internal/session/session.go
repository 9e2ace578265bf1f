package session

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shellgate-io/shellgate/internal/prompt"
)

// State is the lifecycle position of an interactive session.
type State string

const (
	StateCreated       State = "created"
	StateRunning       State = "running"
	StateAwaitingInput State = "awaiting_input"
	StateCompleted     State = "completed"
	StateTimedOut      State = "timed_out"
	StateTerminated    State = "terminated"
)

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateTerminated
}

// ringSize bounds each session's output buffer. Oldest bytes are evicted
// once the cap is exceeded; absolute offsets keep poll cursors stable across
// eviction.
const ringSize = 1 << 20

// quiescence is how long output must stay still before a generic trailing
// prompt is believed. Password and yes/no cues are specific enough to trust
// immediately.
const quiescence = 500 * time.Millisecond

// Session is a single PTY-backed process. All mutable fields are guarded by
// mu; the background reader is the only writer of ring and the primary
// writer of state. Sessions are owned exclusively by the Manager registry.
type Session struct {
	ID        string
	Command   string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	cmd          *exec.Cmd
	ptmx         *os.File
	ring         outputRing
	readCursor   int64
	pending      prompt.Kind
	exitCode     *int
	subs         map[string]chan []byte
	quiet        *time.Timer
	done         chan struct{}
}

// Snapshot is the caller-visible view returned by Poll.
type Snapshot struct {
	Output  []byte
	State   State
	Pending prompt.Kind
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// classifyLocked re-runs the prompt classifier over the trailing window and
// folds the result into state. Generic results are ignored here — they are
// only believed after the quiescence timer fires.
func (s *Session) classifyLocked() {
	if s.state.terminal() {
		return
	}
	k := prompt.Classify(s.ring.tail(prompt.WindowSize))
	switch k {
	case prompt.Password, prompt.YesNo:
		s.pending = k
		s.state = StateAwaitingInput
	case prompt.None:
		s.pending = prompt.None
		s.state = StateRunning
	}
}

// onQuiet runs when output has been still for the quiescence window. Only
// now is a generic trailing prompt reported.
func (s *Session) onQuiet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	if k := prompt.Classify(s.ring.tail(prompt.WindowSize)); k != prompt.None {
		s.pending = k
		s.state = StateAwaitingInput
	}
}

// fanOutLocked delivers a chunk to stream subscribers without blocking the
// reader; slow subscribers miss chunks rather than stalling the PTY drain.
func (s *Session) fanOutLocked(data []byte) {
	for _, ch := range s.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// outputRing is a bounded append-only byte buffer with absolute offsets.
// base is the offset of buf[0] within the whole output stream, so a poll
// cursor survives eviction of old bytes.
type outputRing struct {
	buf  []byte
	base int64
}

func (r *outputRing) append(p []byte) {
	r.buf = append(r.buf, p...)
	if len(r.buf) > ringSize {
		drop := len(r.buf) - ringSize
		r.base += int64(drop)
		kept := make([]byte, ringSize)
		copy(kept, r.buf[drop:])
		r.buf = kept
	}
}

// since returns everything produced at or after cursor, plus the cursor for
// the next call. Bytes already evicted are silently skipped.
func (r *outputRing) since(cursor int64) ([]byte, int64) {
	start := cursor - r.base
	if start < 0 {
		start = 0
	}
	if start > int64(len(r.buf)) {
		start = int64(len(r.buf))
	}
	out := make([]byte, int64(len(r.buf))-start)
	copy(out, r.buf[start:])
	return out, r.base + int64(len(r.buf))
}

func (r *outputRing) tail(n int) []byte {
	if len(r.buf) <= n {
		return r.buf
	}
	return r.buf[len(r.buf)-n:]
}
