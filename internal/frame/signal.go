// Package frame implements the bounded-rate frame scheduler (§4.2): each
// PTY owns a non-blocking signal pipe; the PTY worker writes one byte after
// any state mutation that affects the screen, and the reactor-driven
// Scheduler coalesces those wakes into at most one render per T_min.
package frame

import "golang.org/x/sys/unix"

// Signal is the non-blocking pipe pair a PTY uses to wake the reactor.
// The write end is owned by the PTY worker thread; the read end is owned
// by the reactor (via Scheduler.Register). Writes never block: a full
// pipe just means a wake is already pending, which Notify absorbs.
type Signal struct {
	ReadFD  int
	writeFD int
}

// NewSignal creates a fresh non-blocking pipe pair.
func NewSignal() (*Signal, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Signal{ReadFD: fds[0], writeFD: fds[1]}, nil
}

// Notify posts a wake. Called from the PTY worker's thread after any
// emulator-visible mutation. A would-block error means a wake byte is
// already sitting in the pipe; that is not a failure, it is the intended
// coalescing behavior, so it is silently absorbed.
func (s *Signal) Notify() {
	var b [1]byte
	_, err := unix.Write(s.writeFD, b[:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
}

// Drain empties the pipe. The reader side is level-triggered: any
// mutation that lands between a Drain and the render it precedes still
// leaves a byte in the pipe, so the reactor wakes again.
func (s *Signal) Drain() {
	var buf [64]byte
	for {
		_, err := unix.Read(s.ReadFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases both ends of the pipe.
func (s *Signal) Close() error {
	unix.Close(s.writeFD)
	return unix.Close(s.ReadFD)
}
