package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockorager/prise/internal/reactor"
)

func newTestReactor(t *testing.T) reactor.Reactor {
	t.Helper()
	r, err := reactor.NewEpoll()
	require.NoError(t, err)
	go r.Run(reactor.Forever)
	return r
}

func TestSpawnRunsProcessUnderPTY(t *testing.T) {
	p, err := Spawn("/bin/sh", []string{"-c", "echo hi; sleep 5"}, "/tmp", []string{"TERM=xterm"}, 80, 24)
	require.NoError(t, err)
	defer p.Kill()

	buf := make([]byte, 64)
	n, err := p.Master.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "hi")
}

func TestWatchDeliversExitCode(t *testing.T) {
	p, err := Spawn("/bin/sh", []string{"-c", "exit 7"}, "/tmp", []string{"TERM=xterm"}, 80, 24)
	require.NoError(t, err)

	r := newTestReactor(t)
	done := make(chan ExitEvent, 1)
	Watch(r, p, func(ev ExitEvent) { done <- ev })

	select {
	case ev := <-done:
		assert.Equal(t, 7, ev.Code)
		assert.False(t, ev.Signaled)
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never delivered")
	}
}

func TestWatchDeliversSignaledExit(t *testing.T) {
	p, err := Spawn("/bin/sh", []string{"-c", "sleep 30"}, "/tmp", []string{"TERM=xterm"}, 80, 24)
	require.NoError(t, err)

	r := newTestReactor(t)
	done := make(chan ExitEvent, 1)
	Watch(r, p, func(ev ExitEvent) { done <- ev })

	p.Kill()

	select {
	case ev := <-done:
		assert.True(t, ev.Signaled)
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never delivered")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	p, err := Spawn("/bin/sh", []string{"-c", "sleep 30"}, "/tmp", []string{"TERM=xterm"}, 80, 24)
	require.NoError(t, err)
	p.Kill()
	assert.NotPanics(t, func() { p.Kill() })
}
