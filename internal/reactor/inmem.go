package reactor

import (
	"time"
)

// InMem is the deterministic backend used only by tests (§4.1). Nothing it
// does touches a real fd or the wall clock: every operation stays pending
// until the test calls Fire with the result it wants delivered. This makes
// ordering and cancellation races fully test-controlled instead of racing
// real kernel completions.
type InMem struct {
	*pendingTable
	fireCh  chan firedCompletion
	closeCh chan struct{}
	closed  bool
}

type firedCompletion struct {
	id  OpID
	res Result
}

// NewInMem constructs an empty in-memory reactor.
func NewInMem() *InMem {
	return &InMem{
		pendingTable: newPendingTable(),
		fireCh:       make(chan firedCompletion, 256),
		closeCh:      make(chan struct{}),
	}
}

func (r *InMem) Socket(domain, typ, proto int, cb Completion) OpID {
	return r.register(OpSocket, -1, cb)
}

func (r *InMem) Connect(fd int, sockaddr any, cb Completion) OpID {
	return r.register(OpConnect, fd, cb)
}

func (r *InMem) Accept(fd int, cb Completion) OpID {
	return r.register(OpAccept, fd, cb)
}

func (r *InMem) Read(fd int, buf []byte, cb Completion) OpID {
	return r.register(OpRead, fd, cb)
}

func (r *InMem) Recv(fd int, buf []byte, cb Completion) OpID {
	return r.register(OpRecv, fd, cb)
}

func (r *InMem) Send(fd int, buf []byte, cb Completion) OpID {
	return r.register(OpSend, fd, cb)
}

func (r *InMem) Close(fd int, cb Completion) OpID {
	return r.register(OpClose, fd, cb)
}

func (r *InMem) Timeout(d time.Duration, cb Completion) OpID {
	return r.register(OpTimeout, -1, cb)
}

func (r *InMem) WaitPid(pid int, cb Completion) OpID {
	return r.register(OpWaitPid, -1, cb)
}

func (r *InMem) Cancel(id OpID) error {
	r.cancel(id)
	return nil
}

func (r *InMem) CancelByFD(fd int) error {
	r.cancelByFD(fd)
	return nil
}

// Fire delivers res for the pending operation id, queuing it for the next
// Run call to dispatch. Firing an id that is not pending (unknown, already
// fired, or cancelled) is a no-op — it does not invoke any callback, since
// there is nothing left to invoke it on.
func (r *InMem) Fire(id OpID, res Result) {
	select {
	case r.fireCh <- firedCompletion{id: id, res: res}:
	case <-r.closeCh:
	}
}

func (r *InMem) Run(mode RunMode) error {
	switch mode {
	case Once:
		for {
			select {
			case fc := <-r.fireCh:
				r.dispatch(fc)
			default:
				return nil
			}
		}
	case UntilDone:
		for r.len() > 0 {
			select {
			case fc := <-r.fireCh:
				r.dispatch(fc)
			case <-r.closeCh:
				return nil
			}
		}
		return nil
	case Forever:
		for {
			select {
			case fc := <-r.fireCh:
				r.dispatch(fc)
			case <-r.closeCh:
				return nil
			}
		}
	default:
		return nil
	}
}

func (r *InMem) dispatch(fc firedCompletion) {
	op, ok := r.take(fc.id)
	if !ok {
		// Cancelled (or already fired) between Fire and dispatch: the
		// documented contract is silence, not a callback.
		return
	}
	op.cb(fc.id, fc.res)
}

func (r *InMem) Shutdown() error {
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.closeCh)
	return nil
}
