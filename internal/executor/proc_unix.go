//go:build unix

package executor

import (
	"time"

	"golang.org/x/sys/unix"
)

// KillGroup terminates a whole process group: SIGTERM first, then SIGKILL
// after the grace window if anything in the group is still alive. Safe to
// call on an already-dead group.
func KillGroup(pid int, grace time.Duration) {
	_ = unix.Kill(-pid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes for liveness without delivering anything.
		if err := unix.Kill(-pid, 0); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
