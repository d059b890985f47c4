// Package ptyworker implements the per-PTY worker thread (spec §4.3): a
// dedicated blocking-reader goroutine that feeds a shell's output
// through the terminal emulator and exposes a versioned screen snapshot
// to readers that never blocks the writer.
//
// Process lifecycle (spawn, process-group kill, exit detection) belongs
// to internal/supervisor, which this package calls into rather than
// duplicating instance.go's own ptyReader/destroy logic a second time;
// the worker's job is purely the read/feed/publish loop and applying
// queued input in arrival order, grounded on instance.go's ptyReader.
package ptyworker

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/rockorager/prise/internal/emulator"
	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/perr"
	"github.com/rockorager/prise/internal/reactor"
	"github.com/rockorager/prise/internal/supervisor"
)

// ID identifies a PTY across the worker, frame scheduler, and session
// layers. It is an alias of frame.PTYID: the same type under this
// package's own name.
type ID = frame.PTYID

// InputKind distinguishes the event kinds spec §4.5's Input request can
// carry. Key/Mouse/Paste/Focus are pre-encoded by the caller (the IPC/
// session layer owns terminal-mode-aware key encoding); the worker just
// writes their Data to the master fd in arrival order.
type InputKind int

const (
	InputKey InputKind = iota
	InputMouse
	InputPaste
	InputFocus
	InputResize
)

// InputEvent is one queued input for a PTY. For InputResize, Cols/Rows
// carry the new size and Data is unused.
type InputEvent struct {
	Kind InputKind
	Data []byte
	Cols int
	Rows int
}

// ExitEvent is the pty_exited notification posted to the Session Manager
// when the shell process ends, by any means.
type ExitEvent struct {
	ID       ID
	Code     int
	Signaled bool
	Err      error
}

// PTY is one running shell process plus its terminal state.
type PTY struct {
	id   ID
	proc *supervisor.Process
	sig  *frame.Signal

	wakeR, wakeW int

	qmu   sync.Mutex
	queue []InputEvent

	emu     *emulator.Emulator
	current atomic.Pointer[emulator.Snapshot]
}

// Spawn resolves the login shell, starts it under a fresh PTY via
// internal/supervisor, registers it with r for exit notification, and
// launches the blocking-reader goroutine. sig is the frame scheduler
// signal this PTY notifies on every screen mutation; onExit fires
// exactly once, from the reactor, when the shell exits for any reason.
func Spawn(id ID, r reactor.Reactor, cwd string, cols, rows, scrollbackCap int, sig *frame.Signal, onExit func(ExitEvent)) (*PTY, error) {
	shell := ResolveShell()
	proc, err := supervisor.Spawn(shell, []string{"-l"}, cwd, shellEnv(cols, rows), cols, rows)
	if err != nil {
		return nil, err
	}
	return New(id, r, proc, cols, rows, scrollbackCap, sig, onExit)
}

// New wraps an already-spawned supervisor.Process with the read/feed
// loop. Exposed separately from Spawn so the session layer can reuse a
// Process across a worker restart without re-forking.
func New(id ID, r reactor.Reactor, proc *supervisor.Process, cols, rows, scrollbackCap int, sig *frame.Signal, onExit func(ExitEvent)) (*PTY, error) {
	var wakeFDs [2]int
	if err := unix.Pipe2(wakeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		proc.Kill()
		return nil, perr.Wrap(perr.ResourceExhausted, "wake pipe", err)
	}

	p := &PTY{
		id:    id,
		proc:  proc,
		sig:   sig,
		wakeR: wakeFDs[0],
		wakeW: wakeFDs[1],
		emu:   emulator.New(cols, rows, scrollbackCap),
	}
	snap := p.emu.Snapshot()
	p.current.Store(&snap)

	supervisor.Watch(r, proc, func(ev supervisor.ExitEvent) {
		if onExit != nil {
			onExit(ExitEvent{ID: id, Code: ev.Code, Signaled: ev.Signaled, Err: ev.Err})
		}
	})

	go p.readLoop()
	return p, nil
}

// ID returns the PTY's identifier.
func (p *PTY) ID() ID { return p.id }

// Pid returns the shell process's pid, used for cwd auto-detection via
// /proc/<pid>/cwd on Linux (spec §3: Pane's "cwd (auto-detected)").
func (p *PTY) Pid() int { return p.proc.Pid }

// Snapshot returns the most recently published screen snapshot. Safe to
// call from any goroutine; never blocks the reader thread.
func (p *PTY) Snapshot() emulator.Snapshot { return *p.current.Load() }

// SubmitInput enqueues an input event for the worker thread to apply in
// arrival order. Safe to call from the IPC connection goroutine.
func (p *PTY) SubmitInput(ev InputEvent) {
	p.qmu.Lock()
	p.queue = append(p.queue, ev)
	p.qmu.Unlock()
	p.wake()
}

func (p *PTY) wake() {
	var b [1]byte
	_, err := unix.Write(p.wakeW, b[:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
}

func (p *PTY) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// drainQueue applies every input event queued since the last drain, in
// arrival order, on the calling (reader) goroutine.
func (p *PTY) drainQueue() {
	p.qmu.Lock()
	events := p.queue
	p.queue = nil
	p.qmu.Unlock()

	for _, ev := range events {
		p.applyInput(ev)
	}
}

func (p *PTY) applyInput(ev InputEvent) {
	switch ev.Kind {
	case InputResize:
		pty.Setsize(p.proc.Master, &pty.Winsize{Cols: uint16(ev.Cols), Rows: uint16(ev.Rows)})
		p.emu.Resize(ev.Cols, ev.Rows)
		p.publish()
	default:
		if len(ev.Data) > 0 {
			p.proc.Master.Write(ev.Data)
		}
	}
}

func (p *PTY) publish() {
	snap := p.emu.Snapshot()
	p.current.Store(&snap)
	p.sig.Notify()
}

// readLoop is the PTY worker's dedicated OS thread. It multiplexes the
// master fd and the input-queue wake pipe with a single poll() call so
// queued input is applied promptly even when the shell is silent, while
// the only true suspension point remains this one syscall.
//
// It does not reap the child itself: internal/supervisor's reactor-
// driven Watch is the sole owner of that, so readLoop's only job on
// EOF/error is to stop touching the master fd.
func (p *PTY) readLoop() {
	fds := []unix.PollFd{
		{Fd: int32(masterFd(p.proc.Master)), Events: unix.POLLIN},
		{Fd: int32(p.wakeR), Events: unix.POLLIN},
	}
	buf := make([]byte, 4096)

	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			p.drainWake()
			p.drainQueue()
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			nread, rerr := p.proc.Master.Read(buf)
			if nread > 0 {
				p.emu.Feed(buf[:nread])
				if resp := p.emu.AutoRespond; len(resp) > 0 {
					p.proc.Master.Write(resp)
				}
				p.publish()
			}
			if rerr != nil || nread == 0 {
				return
			}
		}
	}
}

func masterFd(f *os.File) int { return int(f.Fd()) }

// Kill terminates the shell's whole process group. Idempotent; exit
// notification still arrives asynchronously via the Watch registered in
// New/Spawn.
func (p *PTY) Kill() { p.proc.Kill() }

// Close releases the wake pipe. The master fd's lifetime is owned by
// internal/supervisor's Watch, not this package.
func (p *PTY) Close() error {
	unix.Close(p.wakeW)
	unix.Close(p.wakeR)
	return nil
}
