// Package session implements the Session Manager (spec §4.4): the
// attach/spawn/close/rename/resize operation set over internal/layout's
// tree, wired to internal/ptyworker for live shells and internal/store
// for persistence.
//
// Grounded on the teacher's Daemon (daemon.go's handleStart/handleStop/
// handleDrop handlers, generalized from "agent instance" to "pane") and
// Instance.persistMeta's write-after-mutate discipline, generalized to
// internal/store's atomic writer and to the 250ms debounce spec §4.4
// requires for cwd-change and resize-split only.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/perr"
	"github.com/rockorager/prise/internal/ptyworker"
	"github.com/rockorager/prise/internal/reactor"
	"github.com/rockorager/prise/internal/store"
)

// debounceWindow is the "at most 250ms" coalescing window spec §4.4
// allows for high-frequency persistence triggers.
const debounceWindow = 250 * time.Millisecond

// Pane is one live leaf: a shell PTY plus the cwd it was spawned with.
// PTY is nil for a pane restored from disk that has not been respawned
// yet (spec §8 scenario 3: pane ids survive a restart, PTY ids do not).
type Pane struct {
	ID  layout.PaneID
	PTY *ptyworker.PTY
	Cwd string
}

// Session is one named collection of tabs, each holding a layout tree of
// panes. All mutating methods are called with Manager.mu held.
type Session struct {
	Name     string
	Tabs     []*layout.Tab
	FocusTab int

	splitSeq uint64

	panes map[layout.PaneID]*Pane

	uiState map[string]string

	debounceTimer *time.Timer
	dirty         bool
}

func (s *Session) nextSplitID() layout.SplitID {
	s.splitSeq++
	return layout.SplitID(s.splitSeq)
}

// findSplit walks every tab's tree looking for the split with id.
func (s *Session) findSplit(id layout.SplitID) *layout.Node {
	var found *layout.Node
	for _, tab := range s.Tabs {
		walkNodes(tab.Root, func(n *layout.Node) {
			if found == nil && n.IsSplit() && n.SplitID == id {
				found = n
			}
		})
	}
	return found
}

func walkNodes(n *layout.Node, f func(*layout.Node)) {
	if n == nil {
		return
	}
	f(n)
	if n.IsSplit() {
		for _, c := range n.Children {
			walkNodes(c, f)
		}
	}
}

// Pane returns the live state of one of s's own panes. Unlike Manager's
// Pane, this never crosses into another session.
func (s *Session) Pane(id layout.PaneID) (*Pane, bool) {
	p, ok := s.panes[id]
	return p, ok
}

// paneNode finds the leaf node for a given pane id within any tab.
func (s *Session) paneNode(id layout.PaneID) (*layout.Tab, *layout.Node) {
	for _, tab := range s.Tabs {
		var found *layout.Node
		walkNodes(tab.Root, func(n *layout.Node) {
			if found == nil && !n.IsSplit() && n.PaneID == id {
				found = n
			}
		})
		if found != nil {
			return tab, found
		}
	}
	return nil, nil
}

// Manager owns every live session, the reactor and frame scheduler live
// panes register with, and the persistence store. One Manager exists per
// running daemon process.
type Manager struct {
	mu sync.Mutex

	r     reactor.Reactor
	sched *frame.Scheduler
	st    *store.Store

	scrollbackLines int

	sessions map[string]*Session

	// paneCounter allocates pane ids daemon-wide (not per-session) so a
	// frame.PTYID delivered to the render callback or referenced in a
	// client Request always names exactly one pane, letting paneOwner
	// resolve it without the caller naming its session too.
	paneCounter uint64
	paneOwner   map[layout.PaneID]*Session

	// OnPaneExited, when set, is invoked after a pane is removed because
	// its shell exited on its own (not via ClosePane). The IPC layer
	// subscribes this to emit the PaneRemoved/LayoutChanged pushes.
	OnPaneExited func(sessionName string, paneID layout.PaneID)
}

// New builds a Manager. sched renders dirty panes; st persists session
// documents.
func New(r reactor.Reactor, sched *frame.Scheduler, st *store.Store, scrollbackLines int) *Manager {
	return &Manager{
		r:               r,
		sched:           sched,
		st:              st,
		scrollbackLines: scrollbackLines,
		sessions:        make(map[string]*Session),
		paneOwner:       make(map[layout.PaneID]*Session),
	}
}

// nextPaneID allocates the next daemon-wide pane id. Called with mu held.
func (m *Manager) nextPaneID() layout.PaneID {
	m.paneCounter++
	return layout.PaneID(m.paneCounter)
}

// bumpPaneCounter advances the pane id counter past high so ids restored
// from disk are never reused by a later Spawn.
func (m *Manager) bumpPaneCounter(high uint64) {
	if high > m.paneCounter {
		m.paneCounter = high
	}
}

// Pane returns pane id's live state and the session that owns it,
// regardless of which session a caller currently has attached — used by
// the IPC layer's render-push routing, which only ever sees a bare pane
// id back from the frame scheduler.
func (m *Manager) Pane(id layout.PaneID) (*Session, *Pane, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.paneOwner[id]
	if !ok {
		return nil, nil, false
	}
	p, ok := s.panes[id]
	return s, p, ok
}

// Attach returns the named session, the most-recently-used one if name is
// empty, or creates a fresh empty session under name if it doesn't exist
// yet (spec §4.4: "create an empty session if name is new").
func (m *Manager) Attach(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		if recent, err := m.st.MostRecent(); err == nil {
			name = recent
		}
	}
	if name == "" {
		name = "default"
	}

	if s, ok := m.sessions[name]; ok {
		return s, nil
	}

	s, err := m.loadFromDisk(name)
	if err == nil {
		m.sessions[name] = s
		return s, nil
	}
	if !perr.Is(err, perr.NotFound) {
		return nil, err
	}

	s = &Session{Name: name, panes: make(map[layout.PaneID]*Pane), uiState: make(map[string]string)}
	m.sessions[name] = s
	if err := m.persistNow(s); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns every persisted session name, live or not.
func (m *Manager) List() ([]string, error) {
	return m.st.List()
}

// PaneSummary is one row of a `pty list` report.
type PaneSummary struct {
	ID          layout.PaneID
	SessionName string
	Cwd         string
	Cols, Rows  int
}

// ListPanes reports every pane of every session currently live in this
// daemon process (spec §6's `pty list`). A session must already be
// attached at least once to appear here; sessions only on disk are not
// listed, since listing them would require loading and immediately
// discarding their documents for no other purpose.
func (m *Manager) ListPanes() []PaneSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PaneSummary
	for id, s := range m.paneOwner {
		p, ok := s.panes[id]
		if !ok {
			continue
		}
		ps := PaneSummary{ID: id, SessionName: s.Name, Cwd: p.Cwd}
		if p.PTY != nil {
			snap := p.PTY.Snapshot()
			ps.Cols, ps.Rows = snap.Cols, snap.Rows
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Spawn starts a shell and inserts it as a new pane. anchor is the pane
// to split next to; if nil, the focused pane of the focused tab is used,
// or a brand-new tab is created when the session has none. newTab forces
// a fresh tab instead of splitting anchor.
func (m *Manager) Spawn(s *Session, anchor *layout.PaneID, newTab bool, dir layout.Direction, cwd string) (*Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tab *layout.Tab
	var anchorNode *layout.Node

	switch {
	case len(s.Tabs) == 0 || newTab:
		tab = &layout.Tab{ID: uint64(len(s.Tabs) + 1), Name: "tab"}
		s.Tabs = append(s.Tabs, tab)
		s.FocusTab = len(s.Tabs) - 1
	default:
		tab = s.Tabs[s.FocusTab]
		if anchor != nil {
			_, anchorNode = s.paneNode(*anchor)
		} else {
			anchorNode = tab.Focus
		}
	}

	id := m.nextPaneID()
	pane := &Pane{ID: id, Cwd: cwd}

	sig, err := frame.NewSignal()
	if err != nil {
		return nil, perr.Wrap(perr.ResourceExhausted, "pane signal", err)
	}

	pty, err := ptyworker.Spawn(ptyworker.ID(id), m.r, cwd, 80, 24, m.scrollbackLines, sig, func(ev ptyworker.ExitEvent) {
		m.handlePaneExited(s.Name, layout.PaneID(ev.ID))
	})
	if err != nil {
		sig.Close()
		return nil, err
	}
	pane.PTY = pty
	s.panes[id] = pane
	m.paneOwner[id] = s
	m.sched.Register(frame.PTYID(id), sig)

	node := layout.NewPane(id)
	tab.Insert(anchorNode, dir, node, s.nextSplitID)

	if err := m.persistNow(s); err != nil {
		return nil, err
	}
	return pane, nil
}

// ClosePane kills and removes a pane, applying the layout tree's removal
// and focus-walk rules.
func (m *Manager) ClosePane(s *Session, id layout.PaneID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closePaneLocked(s, id)
}

func (m *Manager) closePaneLocked(s *Session, id layout.PaneID) error {
	pane, ok := s.panes[id]
	if !ok {
		return perr.New(perr.NotFound, "no such pane")
	}
	tab, node := s.paneNode(id)
	if tab == nil {
		return perr.New(perr.NotFound, "pane not attached to any tab")
	}

	if pane.PTY != nil {
		pane.PTY.Kill()
		pane.PTY.Close()
	}
	m.sched.Unregister(frame.PTYID(id))
	delete(s.panes, id)
	delete(m.paneOwner, id)

	tab.Remove(node)
	if tab.Root == nil {
		m.removeTab(s, tab)
	}

	return m.persistNow(s)
}

func (m *Manager) removeTab(s *Session, tab *layout.Tab) {
	for i, t := range s.Tabs {
		if t == tab {
			s.Tabs = append(s.Tabs[:i], s.Tabs[i+1:]...)
			if s.FocusTab >= len(s.Tabs) {
				s.FocusTab = len(s.Tabs) - 1
			}
			return
		}
	}
}

// CloseTab kills every pane under tabIdx and removes the tab.
func (m *Manager) CloseTab(s *Session, tabIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tabIdx < 0 || tabIdx >= len(s.Tabs) {
		return perr.New(perr.NotFound, "no such tab")
	}
	tab := s.Tabs[tabIdx]

	var leaves []layout.PaneID
	walkNodes(tab.Root, func(n *layout.Node) {
		if !n.IsSplit() {
			leaves = append(leaves, n.PaneID)
		}
	})
	for _, id := range leaves {
		if pane, ok := s.panes[id]; ok {
			if pane.PTY != nil {
				pane.PTY.Kill()
				pane.PTY.Close()
			}
			m.sched.Unregister(frame.PTYID(id))
			delete(s.panes, id)
			delete(m.paneOwner, id)
		}
	}

	m.removeTab(s, tab)
	return m.persistNow(s)
}

// RenameTab sets tabIdx's display name.
func (m *Manager) RenameTab(s *Session, tabIdx int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tabIdx < 0 || tabIdx >= len(s.Tabs) {
		return perr.New(perr.NotFound, "no such tab")
	}
	s.Tabs[tabIdx].Name = name
	return m.persistNow(s)
}

// RenameSession renames s in place, including its on-disk file. A rename
// to the same name is a no-op (spec §8: "rename_session(S, S) is a
// no-op").
func (m *Manager) RenameSession(s *Session, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newName == s.Name {
		return nil
	}
	oldName := s.Name
	s.Name = newName
	delete(m.sessions, oldName)
	m.sessions[newName] = s
	if err := m.st.Rename(oldName, newName); err != nil {
		return err
	}
	return m.persistNow(s)
}

// DeleteSession kills every pane in s and removes its persisted state.
func (m *Manager) DeleteSession(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[name]; ok {
		for id, pane := range s.panes {
			if pane.PTY != nil {
				pane.PTY.Kill()
				pane.PTY.Close()
			}
			m.sched.Unregister(frame.PTYID(id))
			delete(m.paneOwner, id)
		}
		delete(m.sessions, name)
	}
	return m.st.Delete(name)
}

// ResizeSplit applies a new ratio to one child of split, debounced per
// spec §4.4's 250ms window since resize events can arrive at high
// frequency during an interactive drag.
func (m *Manager) ResizeSplit(s *Session, id layout.SplitID, childIdx int, ratio float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	split := s.findSplit(id)
	if split == nil {
		return perr.New(perr.NotFound, "no such split")
	}
	if err := layout.Resize(split, childIdx, ratio); err != nil {
		return err
	}
	m.persistDebounced(s)
	return nil
}

// SetPaneCwd updates a pane's tracked working directory, debounced like
// ResizeSplit since shells report cwd changes frequently during normal
// use (spec §4.4: "cwd change ... coalesced with a debounce").
func (m *Manager) SetPaneCwd(s *Session, id layout.PaneID, cwd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pane, ok := s.panes[id]
	if !ok {
		return perr.New(perr.NotFound, "no such pane")
	}
	pane.Cwd = cwd
	m.persistDebounced(s)
	return nil
}

// persistNow writes s to disk synchronously, as spec §4.4 requires for
// every mutating operation before it is acknowledged, canceling any
// still-pending debounced write since this supersedes it.
func (m *Manager) persistNow(s *Session) error {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.dirty = false
	return m.st.Save(s.Name, m.toDocument(s))
}

// persistDebounced coalesces repeated high-frequency mutations into one
// write at most debounceWindow after the first of a burst.
func (m *Manager) persistDebounced(s *Session) {
	s.dirty = true
	if s.debounceTimer != nil {
		return
	}
	s.debounceTimer = time.AfterFunc(debounceWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !s.dirty {
			return
		}
		s.dirty = false
		s.debounceTimer = nil
		_ = m.st.Save(s.Name, m.toDocument(s))
	})
}

// handlePaneExited is the ptyworker onExit callback: the shell ended on
// its own, so the pane is removed exactly as ClosePane would, and
// OnPaneExited (the IPC layer's PaneRemoved push) fires afterward.
func (m *Manager) handlePaneExited(sessionName string, id layout.PaneID) {
	m.mu.Lock()
	s, ok := m.sessions[sessionName]
	if !ok {
		m.mu.Unlock()
		return
	}
	_, exists := s.panes[id]
	m.mu.Unlock()
	if !exists {
		return
	}

	m.mu.Lock()
	_ = m.closePaneLocked(s, id)
	m.mu.Unlock()

	if m.OnPaneExited != nil {
		m.OnPaneExited(sessionName, id)
	}
}

// RespawnDeadPanes forks a fresh shell, at its persisted cwd, for every
// leaf in s that has no live PTY (spec §8 scenario 3: after a crash, pane
// ids and tree shape survive even though the old PTY ids are gone).
func (m *Manager) RespawnDeadPanes(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []layout.PaneID
	for id, pane := range s.panes {
		if pane.PTY == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		pane := s.panes[id]
		sig, err := frame.NewSignal()
		if err != nil {
			return perr.Wrap(perr.ResourceExhausted, "pane signal", err)
		}
		pty, err := ptyworker.Spawn(ptyworker.ID(id), m.r, pane.Cwd, 80, 24, m.scrollbackLines, sig, func(ev ptyworker.ExitEvent) {
			m.handlePaneExited(s.Name, layout.PaneID(ev.ID))
		})
		if err != nil {
			sig.Close()
			return err
		}
		pane.PTY = pty
		m.sched.Register(frame.PTYID(id), sig)
	}
	return nil
}
