package ipc

import (
	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/proto"
	"github.com/rockorager/prise/internal/session"
)

// buildSnapshot flattens a live session into the wire shape sent on
// Hello/Attach and on any wholesale layout change.
func buildSnapshot(s *session.Session) *proto.SessionSnapshot {
	snap := &proto.SessionSnapshot{SessionName: s.Name, FocusTab: s.FocusTab}
	for _, tab := range s.Tabs {
		ts := proto.TabSnapshot{Name: tab.Name, Root: buildNodeSnapshot(tab.Root, s)}
		if tab.Focus != nil && !tab.Focus.IsSplit() {
			ts.FocusPaneID = uint64(tab.Focus.PaneID)
		}
		snap.Tabs = append(snap.Tabs, ts)
	}
	return snap
}

func buildNodeSnapshot(n *layout.Node, s *session.Session) *proto.NodeSnapshot {
	if n == nil {
		return nil
	}
	if !n.IsSplit() {
		ns := &proto.NodeSnapshot{PaneID: uint64(n.PaneID), Ratio: n.Ratio}
		if pane, ok := s.Pane(n.PaneID); ok {
			ns.Cwd = pane.Cwd
			if pane.PTY != nil {
				if cwd, err := detectCwd(pane.PTY.Pid()); err == nil {
					ns.Cwd = cwd
				}
			}
		}
		return ns
	}
	ns := &proto.NodeSnapshot{
		IsSplit: true,
		SplitID: uint64(n.SplitID),
		Dir:     proto.SplitDirection(n.Dir),
		Ratio:   n.Ratio,
	}
	for _, c := range n.Children {
		ns.Children = append(ns.Children, buildNodeSnapshot(c, s))
	}
	return ns
}
