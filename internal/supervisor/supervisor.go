// Package supervisor implements the process supervisor (spec §4.6): it
// spawns a login shell under a PTY and learns of its exit through the
// reactor's child-wait capability (WaitPid), so exit notification flows
// through the same callback model as every other asynchronous event in
// the daemon. The wait4 call itself runs on a goroutine inside the
// reactor backend; this package starts none of its own.
//
// Grounded on the teacher's startAgent (pty.Start under a fresh process
// group) and destroy() (process-group kill), generalized from "agent
// process" to "pane shell process" and rewired onto reactor.Reactor's
// WaitPid instead of instance.go's own goroutine + cmd.Wait().
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/rockorager/prise/internal/perr"
	"github.com/rockorager/prise/internal/reactor"
)

// Process is one supervised shell: its PTY master and the exec.Cmd that
// started it. The PTY worker reads/writes Master; only this package
// waits on the underlying pid.
type Process struct {
	Cmd    *exec.Cmd
	Master *os.File
	Pid    int

	killed bool
}

// Spawn starts shell with args under a fresh PTY of the given size, in
// cwd, with env. pty.Start's Setsid gives the child its own session and
// process group (PGID == PID), which Kill below relies on.
func Spawn(shell string, args []string, cwd string, env []string, cols, rows int) (*Process, error) {
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, perr.Wrap(perr.ResourceExhausted, "pty.Start", err)
	}

	return &Process{Cmd: cmd, Master: master, Pid: cmd.Process.Pid}, nil
}

// ExitEvent is the pty_exited notification the Session Manager consumes.
type ExitEvent struct {
	Pid      int
	Code     int
	Signaled bool
	Err      error
}

// Watch registers p's pid with r's child-wait capability. cb fires
// exactly once, from the reactor, when the process exits. This is the
// only call in the system that reaps p's pid; callers must not also
// call p.Cmd.Wait().
func Watch(r reactor.Reactor, p *Process, cb func(ExitEvent)) reactor.OpID {
	return r.WaitPid(p.Pid, func(_ reactor.OpID, res reactor.Result) {
		ev := ExitEvent{Pid: res.Pid, Code: res.Code, Signaled: res.Signaled}
		if res.Err != reactor.ErrNone {
			ev.Err = fmt.Errorf("waitpid %d: %v", res.Pid, res.Elem)
		}
		p.Master.Close()
		cb(ev)
	})
}

// Kill sends SIGKILL to p's entire process group. Idempotent.
func (p *Process) Kill() {
	if p.killed {
		return
	}
	p.killed = true
	pgid, err := syscall.Getpgid(p.Pid)
	if err == nil && pgid > 0 {
		syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		syscall.Kill(p.Pid, syscall.SIGKILL)
	}
}
