package ipc

import (
	"fmt"
	"os"
)

// detectCwd resolves a pane's current working directory straight from
// the kernel rather than trusting the cwd it was spawned with (spec §3:
// Pane's "cwd (auto-detected)"). Linux exposes this as a symlink under
// /proc; other platforms have no equivalent without cgo, so they fall
// back to the spawn-time value via the error return.
func detectCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}
