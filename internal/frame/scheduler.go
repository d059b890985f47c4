package frame

import (
	"sync"
	"time"

	"github.com/rockorager/prise/internal/reactor"
)

// PTYID identifies the PTY a render belongs to. Kept as a plain type alias
// boundary (rather than importing the ptyworker package) so frame has no
// dependency on the PTY worker's internals — it only needs an id and a
// render callback.
type PTYID uint64

// RenderFunc performs the actual bounded-rate render: building a screen
// delta and broadcasting it to subscribed clients. The scheduler calls it
// at most once per T_min per PTY, and guarantees at least one call within
// 2*T_min of any mutation with no further mutations following.
type RenderFunc func(id PTYID)

type ptyState struct {
	signal       *Signal
	lastRender   time.Time
	timerPending bool
	timerID      reactor.OpID
	buf          [1]byte
}

// Scheduler coalesces per-PTY signal-pipe wakes into bounded-rate renders.
type Scheduler struct {
	reactor reactor.Reactor
	tmin    time.Duration
	render  RenderFunc
	now     func() time.Time // overridable for deterministic tests

	mu    sync.Mutex
	states map[PTYID]*ptyState
}

// New creates a Scheduler driven by r, rendering at most once per tmin.
func New(r reactor.Reactor, tmin time.Duration, render RenderFunc) *Scheduler {
	return &Scheduler{
		reactor: r,
		tmin:    tmin,
		render:  render,
		now:     time.Now,
		states:  make(map[PTYID]*ptyState),
	}
}

// Register begins watching sig for id. Call once per PTY, right after the
// PTY worker starts.
func (s *Scheduler) Register(id PTYID, sig *Signal) {
	s.mu.Lock()
	st := &ptyState{signal: sig}
	s.states[id] = st
	s.mu.Unlock()

	s.armRead(id, st)
}

// Unregister stops watching id's signal and cancels any outstanding timer.
// It does not close the signal pipe — the PTY worker owns that lifetime.
func (s *Scheduler) Unregister(id PTYID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return
	}
	delete(s.states, id)
	if st.timerPending {
		s.reactor.Cancel(st.timerID)
	}
	s.reactor.CancelByFD(st.signal.ReadFD)
}

func (s *Scheduler) armRead(id PTYID, st *ptyState) {
	s.reactor.Read(st.signal.ReadFD, st.buf[:], func(_ reactor.OpID, res reactor.Result) {
		s.onSignal(id, res)
	})
}

func (s *Scheduler) onSignal(id PTYID, res reactor.Result) {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if res.Err != reactor.ErrNone {
		// The pipe fd itself errored (PTY torn down mid-flight); the
		// worker's own teardown path unregisters us, nothing to do.
		return
	}

	st.signal.Drain()

	s.mu.Lock()
	now := s.now()
	elapsed := now.Sub(st.lastRender)
	var fire bool
	var wait time.Duration
	if elapsed >= s.tmin {
		if st.timerPending {
			// A deadline timer from an earlier, smaller-elapsed wake
			// is still outstanding; this immediate render supersedes
			// it, so cancel it to preserve "at most one render per
			// T_min" — otherwise the stale timer would still fire.
			s.reactor.Cancel(st.timerID)
			st.timerPending = false
		}
		st.lastRender = now
		fire = true
	} else if !st.timerPending {
		st.timerPending = true
		wait = s.tmin - elapsed
	}
	s.mu.Unlock()

	if fire {
		s.render(id)
	} else if wait > 0 {
		timerID := s.reactor.Timeout(wait, func(reactor.OpID, reactor.Result) {
			s.onTimer(id)
		})
		s.mu.Lock()
		if st, ok := s.states[id]; ok {
			st.timerID = timerID
		}
		s.mu.Unlock()
	}

	// Re-arm: the pipe is level-triggered and another mutation may have
	// landed between Drain and now, so watch again regardless of which
	// branch fired.
	s.mu.Lock()
	if st, ok := s.states[id]; ok {
		s.mu.Unlock()
		s.armRead(id, st)
		return
	}
	s.mu.Unlock()
}

func (s *Scheduler) onTimer(id PTYID) {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.timerPending = false
	st.lastRender = s.now()
	s.mu.Unlock()

	s.render(id)
}
