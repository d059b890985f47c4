package session

import (
	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/store"
)

// toDocument flattens s into the on-disk shape. Live PTYs are never
// persisted; only the tree structure, ratios, and each pane's cwd are
// (spec §4.7: "pane-id -> (cwd)").
func (m *Manager) toDocument(s *Session) *store.Document {
	doc := &store.Document{
		Name:     s.Name,
		FocusTab: s.FocusTab,
		SplitSeq: s.splitSeq,
		PaneSeq:  m.paneCounter,
		UIState:  s.uiState,
	}
	for _, tab := range s.Tabs {
		td := store.TabDoc{Name: tab.Name, Root: toNodeDoc(tab.Root, s)}
		if tab.Focus != nil && !tab.Focus.IsSplit() {
			td.FocusPaneID = uint64(tab.Focus.PaneID)
		}
		doc.Tabs = append(doc.Tabs, td)
	}
	return doc
}

func toNodeDoc(n *layout.Node, s *Session) *store.NodeDoc {
	if n == nil {
		return nil
	}
	if !n.IsSplit() {
		cwd := ""
		if pane, ok := s.panes[n.PaneID]; ok {
			cwd = pane.Cwd
		}
		return &store.NodeDoc{
			IsSplit: false,
			PaneID:  uint64(n.PaneID),
			Cwd:     cwd,
			Ratio:   n.Ratio,
		}
	}
	nd := &store.NodeDoc{
		IsSplit: true,
		SplitID: uint64(n.SplitID),
		Dir:     int(n.Dir),
		Ratio:   n.Ratio,
	}
	for _, c := range n.Children {
		nd.Children = append(nd.Children, toNodeDoc(c, s))
	}
	return nd
}

// loadFromDisk reconstructs a Session (tree shape, ratios, per-pane cwd)
// from its persisted document, without respawning any shells — callers
// use RespawnDeadPanes for that once the session is actually attached.
func (m *Manager) loadFromDisk(name string) (*Session, error) {
	doc, err := m.st.Load(name)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Name:     doc.Name,
		FocusTab: doc.FocusTab,
		splitSeq: doc.SplitSeq,
		panes:    make(map[layout.PaneID]*Pane),
		uiState:  doc.UIState,
	}
	if s.uiState == nil {
		s.uiState = make(map[string]string)
	}

	for _, td := range doc.Tabs {
		tab := &layout.Tab{Name: td.Name}
		tab.Root = fromNodeDoc(td.Root, s)
		if td.FocusPaneID != 0 {
			_, tab.Focus = s.paneNode(layout.PaneID(td.FocusPaneID))
		}
		if tab.Focus == nil {
			tab.Focus = tab.Root
		}
		s.Tabs = append(s.Tabs, tab)
	}

	m.bumpPaneCounter(doc.PaneSeq)
	for id := range s.panes {
		m.paneOwner[id] = s
	}
	return s, nil
}

func fromNodeDoc(nd *store.NodeDoc, s *Session) *layout.Node {
	if nd == nil {
		return nil
	}
	if !nd.IsSplit {
		id := layout.PaneID(nd.PaneID)
		s.panes[id] = &Pane{ID: id, Cwd: nd.Cwd}
		n := layout.NewPane(id)
		n.Ratio = nd.Ratio
		return n
	}
	n := layout.NewSplit(layout.SplitID(nd.SplitID), layout.Direction(nd.Dir))
	n.Ratio = nd.Ratio
	for _, c := range nd.Children {
		n.AddChild(fromNodeDoc(c, s))
	}
	return n
}
