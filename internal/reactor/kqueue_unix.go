//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// Kqueue is the readiness-based backend for macOS/BSD (§4.1). Unlike the
// completion-flavored Linux backend, Socket and Close complete
// synchronously on the calling thread here — the kernel call itself is the
// whole operation, there is nothing to wait for readiness on.
type Kqueue struct {
	*pendingTable

	kq     int
	wakeR  int
	wakeW  int
	timers []timerEntry
	closed bool
}

// NewKqueue creates a kqueue-backed reactor with a self-pipe used to
// interrupt a blocked kevent() call when another goroutine needs Run to
// notice new work (e.g. a cancellation or a freshly submitted op).
func NewKqueue() (*Kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(kq)
		return nil, err
	}
	r := &Kqueue{pendingTable: newPendingTable(), kq: kq, wakeR: fds[0], wakeW: fds[1]}
	r.addEvent(r.wakeR, unix.EVFILT_READ)
	return r, nil
}

func (r *Kqueue) addEvent(fd int, filter int16) {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_ADD | unix.EV_ENABLE}
	unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil)
}

func (r *Kqueue) delEvent(fd int, filter int16) {
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
	unix.Kevent(r.kq, []unix.Kevent_t{ev}, nil, nil)
}

func (r *Kqueue) wake() {
	var b [1]byte
	unix.Write(r.wakeW, b[:])
}

// Socket and Close complete synchronously: the callback still goes through
// the pending table (for consistent cancellation semantics) but fires
// before the call returns, matching §4.1's "on the readiness backend,
// socket and close complete synchronously on the calling thread."
func (r *Kqueue) Socket(domain, typ, proto int, cb Completion) OpID {
	id := r.register(OpSocket, -1, cb)
	fd, err := unix.Socket(domain, typ, proto)
	res := Result{Kind: OpSocket, FD: fd}
	if err != nil {
		res.Err = ErrIO
		res.Elem = err
	} else {
		unix.SetNonblock(fd, true)
	}
	if op, ok := r.take(id); ok {
		op.cb(id, res)
	}
	return id
}

func (r *Kqueue) Close(fd int, cb Completion) OpID {
	id := r.register(OpClose, fd, cb)
	r.delEvent(fd, unix.EVFILT_READ)
	r.delEvent(fd, unix.EVFILT_WRITE)
	err := unix.Close(fd)
	res := Result{Kind: OpClose}
	if err != nil {
		res.Err = ErrIO
		res.Elem = err
	}
	if op, ok := r.take(id); ok {
		op.cb(id, res)
	}
	return id
}

func (r *Kqueue) Connect(fd int, sockaddr any, cb Completion) OpID {
	id := r.register(OpConnect, fd, cb)
	sa, ok := sockaddr.(unix.Sockaddr)
	if !ok {
		r.fireNow(id, Result{Kind: OpConnect, Err: ErrIO})
		return id
	}
	err := unix.Connect(fd, sa)
	if err == nil {
		r.fireNow(id, Result{Kind: OpConnect})
		return id
	}
	if err != unix.EINPROGRESS {
		r.fireNow(id, Result{Kind: OpConnect, Err: ErrIO, Elem: err})
		return id
	}
	r.addEvent(fd, unix.EVFILT_WRITE)
	return id
}

func (r *Kqueue) fireNow(id OpID, res Result) {
	if op, ok := r.take(id); ok {
		op.cb(id, res)
	}
}

func (r *Kqueue) Accept(fd int, cb Completion) OpID {
	id := r.register(OpAccept, fd, cb)
	if !r.tryAccept(id, fd) {
		r.addEvent(fd, unix.EVFILT_READ)
	}
	return id
}

func (r *Kqueue) tryAccept(id OpID, fd int) bool {
	nfd, _, err := unix.Accept(fd)
	if err == nil {
		unix.SetNonblock(nfd, true)
		r.fireNow(id, Result{Kind: OpAccept, FD: nfd})
		return true
	}
	if err == unix.EAGAIN {
		return false
	}
	r.fireNow(id, Result{Kind: OpAccept, Err: ErrIO, Elem: err})
	return true
}

func (r *Kqueue) Read(fd int, buf []byte, cb Completion) OpID {
	id := r.registerBuf(OpRead, fd, buf, cb)
	if !r.tryRead(id, fd, buf) {
		r.addEvent(fd, unix.EVFILT_READ)
	}
	return id
}

func (r *Kqueue) tryRead(id OpID, fd int, buf []byte) bool {
	n, err := unix.Read(fd, buf)
	if err == nil {
		r.fireNow(id, Result{Kind: OpRead, N: n, Buf: buf[:n]})
		return true
	}
	if err == unix.EAGAIN {
		return false
	}
	r.fireNow(id, Result{Kind: OpRead, Err: ErrIO, Elem: err})
	return true
}

func (r *Kqueue) Recv(fd int, buf []byte, cb Completion) OpID {
	return r.Read(fd, buf, cb)
}

func (r *Kqueue) Send(fd int, buf []byte, cb Completion) OpID {
	id := r.registerBuf(OpSend, fd, buf, cb)
	if !r.trySend(id, fd, buf) {
		r.addEvent(fd, unix.EVFILT_WRITE)
	}
	return id
}

func (r *Kqueue) trySend(id OpID, fd int, buf []byte) bool {
	n, err := unix.Write(fd, buf)
	if err == nil {
		r.fireNow(id, Result{Kind: OpSend, N: n})
		return true
	}
	if err == unix.EAGAIN {
		return false
	}
	r.fireNow(id, Result{Kind: OpSend, Err: ErrIO, Elem: err})
	return true
}

func (r *Kqueue) Timeout(d time.Duration, cb Completion) OpID {
	id := r.register(OpTimeout, -1, cb)
	r.timers = append(r.timers, timerEntry{id: id, deadline: time.Now().Add(d)})
	return id
}

func (r *Kqueue) WaitPid(pid int, cb Completion) OpID {
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
		r.fireNow(id, res)
		r.wake()
	}()
	return id
}

func (r *Kqueue) Cancel(id OpID) error {
	r.cancel(id)
	return nil
}

func (r *Kqueue) CancelByFD(fd int) error {
	r.cancelByFD(fd)
	r.delEvent(fd, unix.EVFILT_READ)
	r.delEvent(fd, unix.EVFILT_WRITE)
	return nil
}

func (r *Kqueue) fireExpiredTimers() {
	now := time.Now()
	remaining := r.timers[:0]
	for _, t := range r.timers {
		if !now.Before(t.deadline) {
			r.fireNow(t.id, Result{Kind: OpTimeout})
		} else {
			remaining = append(remaining, t)
		}
	}
	r.timers = remaining
}

func (r *Kqueue) nextTimeout() *unix.Timespec {
	var best time.Time
	found := false
	for _, t := range r.timers {
		if !found || t.deadline.Before(best) {
			best = t.deadline
			found = true
		}
	}
	if !found {
		return nil
	}
	d := time.Until(best)
	if d < 0 {
		d = 0
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return &ts
}

func (r *Kqueue) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *Kqueue) poll() {
	events := make([]unix.Kevent_t, 64)
	timeout := r.nextTimeout()
	n, err := unix.Kevent(r.kq, nil, events, timeout)
	for err == unix.EINTR {
		n, err = unix.Kevent(r.kq, nil, events, timeout)
	}
	if err != nil {
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		r.handleReady(fd, events[i].Filter)
	}
}

func (r *Kqueue) handleReady(fd int, filter int16) {
	for id, op := range r.snapshotOpsForFD(fd) {
		switch op.kind {
		case OpAccept:
			if r.tryAccept(id, fd) {
				r.delEvent(fd, unix.EVFILT_READ)
			}
		case OpConnect:
			errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			r.delEvent(fd, unix.EVFILT_WRITE)
			if errno == 0 {
				r.fireNow(id, Result{Kind: OpConnect})
			} else {
				r.fireNow(id, Result{Kind: OpConnect, Err: ErrIO})
			}
		case OpRead, OpRecv:
			if r.tryRead(id, fd, op.buf) {
				r.delEvent(fd, unix.EVFILT_READ)
			}
		case OpSend:
			if r.trySend(id, fd, op.buf) {
				r.delEvent(fd, unix.EVFILT_WRITE)
			}
		}
	}
}

func (r *Kqueue) snapshotOpsForFD(fd int) map[OpID]*pendingOp {
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

func (r *Kqueue) Run(mode RunMode) error {
	switch mode {
	case Once:
		r.poll()
		r.fireExpiredTimers()
		return nil
	case UntilDone:
		for r.len() > 0 {
			r.fireExpiredTimers()
			if r.len() == 0 {
				return nil
			}
			r.poll()
		}
		return nil
	case Forever:
		for !r.closed {
			r.fireExpiredTimers()
			r.poll()
		}
		return nil
	}
	return nil
}

func (r *Kqueue) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, fd := range r.snapshotFDs() {
		unix.Close(fd)
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	unix.Close(r.kq)
	return nil
}
