//go:build linux

package reactor

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Epoll is the completion-flavored backend for Linux. Every operation —
// including socket and close — is asynchronous: its callback fires from
// Run, never inline from the submitting call, matching §4.1's "on the
// completion backend all operations are asynchronous."
//
// Internally this is built on epoll readiness notification (Go's runtime
// does not expose io_uring), but the public surface hides that: callers
// only ever see a completion delivered once, from Run.
type Epoll struct {
	*pendingTable

	epfd    int
	wakeR   int
	wakeW   int
	timers  []timerEntry
	ready   []readyOp // ops ready to fire on the next Run pass
	waits   map[int]chan unix.WaitStatus
	closed  bool
}

type timerEntry struct {
	id      OpID
	deadline time.Time
}

type readyOp struct {
	id  OpID
	res Result
}

// NewEpoll creates an epoll-backed reactor with its own wake pipe so other
// goroutines (never other OS threads driving Run itself) can interrupt a
// blocked epoll_wait by closing/writing an fd the reactor watches.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Epoll{
		pendingTable: newPendingTable(),
		epfd:         epfd,
		wakeR:        fds[0],
		wakeW:        fds[1],
		waits:        make(map[int]chan unix.WaitStatus),
	}
	_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR)})
	return r, nil
}

func (r *Epoll) wake() {
	var b [1]byte
	for {
		_, err := unix.Write(r.wakeW, b[:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		return
	}
}

func (r *Epoll) queueReady(id OpID, res Result) {
	r.ready = append(r.ready, readyOp{id: id, res: res})
	r.wake()
}

func (r *Epoll) Socket(domain, typ, proto int, cb Completion) OpID {
	id := r.register(OpSocket, -1, cb)
	fd, err := unix.Socket(domain, typ, proto)
	res := Result{Kind: OpSocket, FD: fd}
	if err != nil {
		res.Err = ErrIO
		res.Elem = err
	} else {
		unix.SetNonblock(fd, true)
	}
	r.queueReady(id, res)
	return id
}

func (r *Epoll) watch(fd int, events uint32) {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (r *Epoll) unwatch(fd int) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *Epoll) Connect(fd int, sockaddr any, cb Completion) OpID {
	id := r.register(OpConnect, fd, cb)
	sa, ok := sockaddr.(unix.Sockaddr)
	if !ok {
		r.queueReady(id, Result{Kind: OpConnect, Err: ErrIO})
		return id
	}
	err := unix.Connect(fd, sa)
	if err == nil {
		r.queueReady(id, Result{Kind: OpConnect})
		return id
	}
	if err != unix.EINPROGRESS {
		r.queueReady(id, Result{Kind: OpConnect, Err: ErrIO, Elem: err})
		return id
	}
	r.watch(fd, unix.EPOLLOUT)
	return id
}

func (r *Epoll) Accept(fd int, cb Completion) OpID {
	id := r.register(OpAccept, fd, cb)
	r.tryAccept(id, fd)
	return id
}

func (r *Epoll) tryAccept(id OpID, fd int) bool {
	nfd, _, err := unix.Accept(fd)
	if err == nil {
		unix.SetNonblock(nfd, true)
		r.queueReady(id, Result{Kind: OpAccept, FD: nfd})
		return true
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		r.watch(fd, unix.EPOLLIN)
		return false
	}
	r.queueReady(id, Result{Kind: OpAccept, Err: ErrIO, Elem: err})
	return true
}

func (r *Epoll) Read(fd int, buf []byte, cb Completion) OpID {
	id := r.registerBuf(OpRead, fd, buf, cb)
	r.tryRead(id, fd, buf)
	return id
}

func (r *Epoll) tryRead(id OpID, fd int, buf []byte) bool {
	n, err := unix.Read(fd, buf)
	if err == nil {
		r.queueReady(id, Result{Kind: OpRead, N: n, Buf: buf[:n]})
		return true
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		r.watch(fd, unix.EPOLLIN)
		return false
	}
	r.queueReady(id, Result{Kind: OpRead, Err: ErrIO, Elem: err})
	return true
}

func (r *Epoll) Recv(fd int, buf []byte, cb Completion) OpID {
	return r.Read(fd, buf, cb)
}

func (r *Epoll) Send(fd int, buf []byte, cb Completion) OpID {
	id := r.registerBuf(OpSend, fd, buf, cb)
	r.trySend(id, fd, buf)
	return id
}

func (r *Epoll) trySend(id OpID, fd int, buf []byte) bool {
	n, err := unix.Write(fd, buf)
	if err == nil {
		r.queueReady(id, Result{Kind: OpSend, N: n})
		return true
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		r.watch(fd, unix.EPOLLOUT)
		return false
	}
	r.queueReady(id, Result{Kind: OpSend, Err: ErrIO, Elem: err})
	return true
}

func (r *Epoll) Close(fd int, cb Completion) OpID {
	id := r.register(OpClose, fd, cb)
	r.unwatch(fd)
	err := unix.Close(fd)
	res := Result{Kind: OpClose}
	if err != nil {
		res.Err = ErrIO
		res.Elem = err
	}
	r.queueReady(id, res)
	return id
}

func (r *Epoll) Timeout(d time.Duration, cb Completion) OpID {
	id := r.register(OpTimeout, -1, cb)
	r.timers = append(r.timers, timerEntry{id: id, deadline: time.Now().Add(d)})
	return id
}

func (r *Epoll) WaitPid(pid int, cb Completion) OpID {
	id := r.register(OpWaitPid, -1, cb)
	go func() {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		res := Result{Kind: OpWaitPid, Pid: pid}
		if err != nil {
			res.Err = ErrIO
			res.Elem = err
		} else {
			res.Code = ws.ExitStatus()
			res.Signaled = ws.Signaled()
		}
		r.queueReady(id, res)
	}()
	return id
}

func (r *Epoll) Cancel(id OpID) error {
	r.cancel(id)
	return nil
}

func (r *Epoll) CancelByFD(fd int) error {
	r.cancelByFD(fd)
	r.unwatch(fd)
	return nil
}

func (r *Epoll) nextTimerDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range r.timers {
		if !found || t.deadline.Before(best) {
			best = t.deadline
			found = true
		}
	}
	return best, found
}

func (r *Epoll) fireExpiredTimers() {
	now := time.Now()
	remaining := r.timers[:0]
	for _, t := range r.timers {
		if !now.Before(t.deadline) {
			r.ready = append(r.ready, readyOp{id: t.id, res: Result{Kind: OpTimeout}})
		} else {
			remaining = append(remaining, t)
		}
	}
	r.timers = remaining
}

// drainWake empties the wake pipe after an epoll_wait returns because of it.
func (r *Epoll) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *Epoll) poll(timeoutMS int) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(r.epfd, events, timeoutMS)
	for err == unix.EINTR {
		// Signal interruptions are absorbed, never surfaced as errors.
		n, err = unix.EpollWait(r.epfd, events, timeoutMS)
	}
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		r.handleReady(fd, events[i].Events)
	}
}

// handleReady re-attempts every pending op registered on fd, whichever
// direction the fired epoll events report; an attempt that would still
// block simply re-arms its watch.
func (r *Epoll) handleReady(fd int, events uint32) {
	for id, op := range r.snapshotOpsForFD(fd) {
		switch op.kind {
		case OpAccept:
			r.tryAccept(id, fd)
		case OpConnect:
			errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if errno == 0 {
				r.queueReady(id, Result{Kind: OpConnect})
			} else {
				r.queueReady(id, Result{Kind: OpConnect, Err: ErrIO, Elem: syscall.Errno(errno)})
			}
		case OpRead, OpRecv:
			r.tryRead(id, fd, op.buf)
		case OpSend:
			r.trySend(id, fd, op.buf)
		}
	}
}

// snapshotOpsForFD is a best-effort helper; full implementations would keep
// a per-fd index instead of scanning, but the reactor's expected pending
// set per fd is tiny (one read + one write waiter).
func (r *Epoll) snapshotOpsForFD(fd int) map[OpID]*pendingOp {
	r.pendingTable.mu.Lock()
	defer r.pendingTable.mu.Unlock()
	out := make(map[OpID]*pendingOp)
	for id, op := range r.pendingTable.entries {
		if op.fd == fd {
			out[id] = op
		}
	}
	return out
}

func (r *Epoll) Run(mode RunMode) error {
	switch mode {
	case Once:
		r.poll(0)
		r.fireExpiredTimers()
		r.flushReady()
		return nil
	case UntilDone:
		for r.len() > 0 {
			r.fireExpiredTimers()
			r.flushReady()
			if r.len() == 0 {
				return nil
			}
			timeout := r.timeoutMS()
			r.poll(timeout)
		}
		return nil
	case Forever:
		for !r.closed {
			r.fireExpiredTimers()
			r.flushReady()
			timeout := r.timeoutMS()
			r.poll(timeout)
		}
		return nil
	}
	return nil
}

func (r *Epoll) timeoutMS() int {
	deadline, ok := r.nextTimerDeadline()
	if !ok {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return int(d.Milliseconds())
}

func (r *Epoll) flushReady() {
	batch := r.ready
	r.ready = nil
	for _, ro := range batch {
		op, ok := r.take(ro.id)
		if !ok {
			continue
		}
		op.cb(ro.id, ro.res)
	}
}

func (r *Epoll) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, fd := range r.snapshotFDs() {
		unix.Close(fd)
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	unix.Close(r.epfd)
	return nil
}
