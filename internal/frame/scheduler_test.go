package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockorager/prise/internal/reactor"
)

// fakeClock lets tests advance time deterministically instead of racing the
// wall clock, matching the reactor's own "deterministic backend" posture.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// readRecorder wraps the in-memory reactor and remembers the id of the
// most recent Read, so a test can deliver the scheduler's pending signal
// read: InMem never watches real fds, so Notify alone completes nothing.
type readRecorder struct {
	*reactor.InMem
	lastRead reactor.OpID
}

func (r *readRecorder) Read(fd int, buf []byte, cb reactor.Completion) reactor.OpID {
	r.lastRead = r.InMem.Read(fd, buf, cb)
	return r.lastRead
}

// wake writes a signal byte and completes the pending read, as a real
// backend does once the pipe turns readable.
func (r *readRecorder) wake(sig *Signal) {
	sig.Notify()
	r.Fire(r.lastRead, reactor.Result{Kind: reactor.OpRead, N: 1})
}

func TestImmediateRenderWhenPastTMin(t *testing.T) {
	r := &readRecorder{InMem: reactor.NewInMem()}
	var rendered []PTYID
	s := New(r, 10*time.Millisecond, func(id PTYID) { rendered = append(rendered, id) })
	clk := &fakeClock{t: time.Now()}
	s.now = clk.now

	sig, err := NewSignal()
	require.NoError(t, err)
	defer sig.Close()

	s.Register(1, sig)
	clk.advance(20 * time.Millisecond) // well past T_min since lastRender is zero-value

	r.wake(sig)
	require.NoError(t, r.Run(reactor.Once))

	assert.Equal(t, []PTYID{1}, rendered)
}

func TestCoalescesBurstsWithinTMin(t *testing.T) {
	r := &readRecorder{InMem: reactor.NewInMem()}
	var renderCount int
	s := New(r, 10*time.Millisecond, func(PTYID) { renderCount++ })
	clk := &fakeClock{t: time.Now()}
	s.now = clk.now

	sig, err := NewSignal()
	require.NoError(t, err)
	defer sig.Close()

	s.Register(2, sig)
	clk.advance(20 * time.Millisecond)

	// First mutation renders immediately.
	r.wake(sig)
	require.NoError(t, r.Run(reactor.Once))
	assert.Equal(t, 1, renderCount)

	// A burst of further mutations within T_min must not render again
	// until the deadline timer fires.
	r.wake(sig)
	require.NoError(t, r.Run(reactor.Once))
	r.wake(sig)
	require.NoError(t, r.Run(reactor.Once))
	assert.Equal(t, 1, renderCount, "mutations inside T_min must coalesce")

	s.mu.Lock()
	st := s.states[2]
	timerID := st.timerID
	s.mu.Unlock()
	require.True(t, st.timerPending)

	r.Fire(timerID, reactor.Result{Kind: reactor.OpTimeout})
	require.NoError(t, r.Run(reactor.Once))
	assert.Equal(t, 2, renderCount, "the deadline timer must eventually render")
}

func TestUnregisterCancelsWatch(t *testing.T) {
	r := reactor.NewInMem()
	s := New(r, 10*time.Millisecond, func(PTYID) {})
	sig, err := NewSignal()
	require.NoError(t, err)
	defer sig.Close()

	s.Register(3, sig)
	s.Unregister(3)

	s.mu.Lock()
	_, ok := s.states[3]
	s.mu.Unlock()
	assert.False(t, ok)
}
