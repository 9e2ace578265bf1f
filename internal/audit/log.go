// Package audit keeps the append-only execution history for the privileged
// path: a local ring of recent records plus a smaller shared copy consumed
// by other collaborators. Writes never fail the command that produced them —
// store errors are swallowed and counted, surfacing only through the
// degraded-health signal.
package audit

import (
	"sync/atomic"

	"github.com/shellgate-io/shellgate/internal/logger"
)

const (
	LocalCapacity  = 5000
	SharedCapacity = 1000
)

// Log pairs the local store with the best-effort shared store. Shared writes
// flow through a single writer goroutine so records land in append order and
// Close can drain the backlog before releasing the database.
type Log struct {
	local         *Store
	shared        *Store
	sharedCh      chan Record
	sharedDone    chan struct{}
	writeFailures atomic.Uint64
}

// Open creates both stores. sharedPath may be empty to disable the shared
// copy entirely.
func Open(localPath, sharedPath string) (*Log, error) {
	local, err := OpenStore(localPath, LocalCapacity)
	if err != nil {
		return nil, err
	}
	l := &Log{local: local}
	if sharedPath != "" {
		shared, err := OpenStore(sharedPath, SharedCapacity)
		if err != nil {
			// The shared copy is best-effort: the engine runs without it.
			logger.Warn("shared audit store unavailable", "path", sharedPath, "error", err)
			l.writeFailures.Add(1)
		} else {
			l.shared = shared
			l.sharedCh = make(chan Record, 256)
			l.sharedDone = make(chan struct{})
			go l.sharedLoop()
		}
	}
	return l, nil
}

// Append records an execution outcome. It never returns an error: a failed
// local write is counted and logged, and the shared write is fire-and-forget.
func (l *Log) Append(rec Record) {
	if err := l.local.Append(rec); err != nil {
		l.writeFailures.Add(1)
		logger.Error("audit append failed", "error", err)
	}
	if l.sharedCh != nil {
		select {
		case l.sharedCh <- rec:
		default:
			// A full backlog drops the shared copy, never the caller.
			l.writeFailures.Add(1)
			logger.Warn("shared audit backlog full, dropping record")
		}
	}
}

func (l *Log) sharedLoop() {
	defer close(l.sharedDone)
	for rec := range l.sharedCh {
		if err := l.shared.Append(rec); err != nil {
			l.writeFailures.Add(1)
			logger.Warn("shared audit append failed", "error", err)
		}
	}
}

// Query reads from the local store.
func (l *Log) Query(f Filter) ([]Record, error) {
	return l.local.Query(f)
}

// Stats recomputes the learning aggregates from the local store.
func (l *Log) Stats() (*Stats, error) {
	return l.local.Stats()
}

// WriteFailures reports how many store writes have been dropped; non-zero
// means the audit trail is degraded.
func (l *Log) WriteFailures() uint64 {
	return l.writeFailures.Load()
}

// Close drains any queued shared writes, then releases both stores.
func (l *Log) Close() {
	if l.sharedCh != nil {
		close(l.sharedCh)
		<-l.sharedDone
	}
	l.local.Close()
	if l.shared != nil {
		l.shared.Close()
	}
}
