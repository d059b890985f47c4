package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/reactor"
	"github.com/rockorager/prise/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	r, err := reactor.NewEpoll()
	require.NoError(t, err)
	go r.Run(reactor.Forever)

	sched := frame.New(r, time.Millisecond, func(frame.PTYID) {})
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	return New(r, sched, st, 0)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachCreatesEmptySession(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Attach("work")
	require.NoError(t, err)
	assert.Equal(t, "work", s.Name)
	assert.Empty(t, s.Tabs)

	names, err := m.List()
	require.NoError(t, err)
	assert.Contains(t, names, "work")
}

func TestAttachReturnsSameSessionOnSecondCall(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Attach("work")
	require.NoError(t, err)
	s2, err := m.Attach("work")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestSpawnInsertsFirstPaneAsTabRoot(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	pane, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer pane.PTY.Kill()

	require.Len(t, s.Tabs, 1)
	root := s.Tabs[0].Root
	require.NotNil(t, root)
	assert.False(t, root.IsSplit())
	assert.Equal(t, pane.ID, root.PaneID)
}

func TestSpawnSecondPaneSplitsFirst(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	p1, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer p1.PTY.Kill()

	p2, err := m.Spawn(s, &p1.ID, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer p2.PTY.Kill()

	root := s.Tabs[0].Root
	require.True(t, root.IsSplit())
	assert.Len(t, root.Children, 2)
}

func TestClosePanePromotesSurvivor(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	p1, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	p2, err := m.Spawn(s, &p1.ID, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer p2.PTY.Kill()

	require.NoError(t, m.ClosePane(s, p1.ID))

	root := s.Tabs[0].Root
	assert.False(t, root.IsSplit())
	assert.Equal(t, p2.ID, root.PaneID)
}

func TestClosingLastPaneRemovesTab(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	p1, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)

	require.NoError(t, m.ClosePane(s, p1.ID))
	assert.Empty(t, s.Tabs)
}

func TestResizeSplitClampsAndDebouncesPersist(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	p1, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer p1.PTY.Kill()
	p2, err := m.Spawn(s, &p1.ID, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)
	defer p2.PTY.Kill()

	root := s.Tabs[0].Root
	require.NoError(t, m.ResizeSplit(s, root.SplitID, 0, 0.99))
	assert.InDelta(t, 0.95, root.Children[0].Ratio, 1e-9)

	waitFor(t, time.Second, func() bool {
		doc, err := m.st.Load("work")
		return err == nil && doc.Tabs[0].Root.Children[0].Ratio > 0.9
	})
}

func TestPaneExitRemovesPaneAndNotifies(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("work")
	require.NoError(t, err)

	notified := make(chan layout.PaneID, 1)
	m.OnPaneExited = func(name string, id layout.PaneID) { notified <- id }

	pane, err := m.Spawn(s, nil, false, layout.Horizontal, "/tmp")
	require.NoError(t, err)

	pane.PTY.Kill()

	select {
	case id := <-notified:
		assert.Equal(t, pane.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("pane exit was never reported")
	}
	assert.Empty(t, s.Tabs)
}

func TestLoadFromDiskPreservesTreeShapeAndRatios(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Attach("dev")
	require.NoError(t, err)

	p1, err := m.Spawn(s, nil, false, layout.Vertical, "/tmp")
	require.NoError(t, err)
	defer p1.PTY.Kill()
	p2, err := m.Spawn(s, &p1.ID, false, layout.Vertical, "/tmp")
	require.NoError(t, err)
	defer p2.PTY.Kill()
	require.NoError(t, m.ResizeSplit(s, s.Tabs[0].Root.SplitID, 0, 0.6))
	require.NoError(t, m.persistNow(s))

	m2 := New(m.r, m.sched, m.st, 0)
	reloaded, err := m2.Attach("dev")
	require.NoError(t, err)

	require.Len(t, reloaded.Tabs, 1)
	root := reloaded.Tabs[0].Root
	require.True(t, root.IsSplit())
	assert.Len(t, root.Children, 2)
	assert.InDelta(t, 0.6, root.Children[0].Ratio, 1e-9)
	for _, pane := range reloaded.panes {
		assert.Nil(t, pane.PTY)
	}
}
