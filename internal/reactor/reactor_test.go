package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUntilDoneCompletesEveryOp covers invariant 1: every enqueued op
// completes exactly once before a UntilDone run returns.
func TestUntilDoneCompletesEveryOp(t *testing.T) {
	r := NewInMem()
	var fired []OpID

	ids := make([]OpID, 0, 5)
	for i := 0; i < 5; i++ {
		id := r.Timeout(time.Millisecond, func(id OpID, res Result) {
			fired = append(fired, id)
		})
		ids = append(ids, id)
	}

	go func() {
		for _, id := range ids {
			r.Fire(id, Result{Kind: OpTimeout})
		}
	}()

	require.NoError(t, r.Run(UntilDone))
	assert.ElementsMatch(t, ids, fired)
	assert.Equal(t, 0, r.len())
}

// TestCancelPreventsCallback covers invariant 2: after Cancel(id) returns,
// the callback is never invoked, even if the op is later fired.
func TestCancelPreventsCallback(t *testing.T) {
	r := NewInMem()
	called := false
	id := r.Read(3, make([]byte, 16), func(OpID, Result) { called = true })

	require.NoError(t, r.Cancel(id))
	r.Fire(id, Result{Kind: OpRead, N: 4})

	require.NoError(t, r.Run(Once))
	assert.False(t, called, "cancelled op must never invoke its callback")
}

// TestCancelUnknownIDIsNoop covers "cancellation of an unknown id is a
// no-op."
func TestCancelUnknownIDIsNoop(t *testing.T) {
	r := NewInMem()
	assert.NoError(t, r.Cancel(OpID(99999)))
}

// TestCancelByFDRemovesAllMatchingOps exercises scenario 5 (a pending read
// on a client socket is cancelled when the connection closes).
func TestCancelByFDRemovesAllMatchingOps(t *testing.T) {
	r := NewInMem()
	const fd = 7
	var calls int
	a := r.Read(fd, make([]byte, 8), func(OpID, Result) { calls++ })
	b := r.Send(fd, []byte("x"), func(OpID, Result) { calls++ })
	other := r.Read(8, make([]byte, 8), func(OpID, Result) { calls++ })

	require.NoError(t, r.CancelByFD(fd))

	r.Fire(a, Result{Kind: OpRead})
	r.Fire(b, Result{Kind: OpSend})
	r.Fire(other, Result{Kind: OpRead})

	require.NoError(t, r.Run(Once))
	assert.Equal(t, 1, calls, "only the op on the untouched fd should fire")
}

// TestOnceDoesNotBlock ensures Once drains only what is already queued and
// returns immediately rather than waiting for more completions.
func TestOnceDoesNotBlock(t *testing.T) {
	r := NewInMem()
	id := r.Timeout(time.Hour, func(OpID, Result) {})
	_ = id

	done := make(chan struct{})
	go func() {
		r.Run(Once)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run(Once) blocked waiting for a completion that was never fired")
	}
}

// TestShutdownUnblocksForever ensures dropping the reactor releases a
// Forever-mode Run.
func TestShutdownUnblocksForever(t *testing.T) {
	r := NewInMem()
	done := make(chan error, 1)
	go func() { done <- r.Run(Forever) }()

	require.NoError(t, r.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not unblock Run(Forever)")
	}
}
