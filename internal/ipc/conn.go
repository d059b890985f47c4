package ipc

import (
	"net"
	"sync"

	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/perr"
	"github.com/rockorager/prise/internal/proto"
	"github.com/rockorager/prise/internal/session"
)

// conn is one client connection's state: the session it is attached to,
// the panes it currently wants pushes for, and the bounded outbound
// queue that backs spec §4.5's lagging-client behavior.
type conn struct {
	srv *Server
	nc  net.Conn

	sendCh chan *proto.Envelope

	mu            sync.Mutex
	sess          *session.Session
	subscribed    map[layout.PaneID]bool
	lagging       bool
	pendingResync map[layout.PaneID]bool
	closed        bool
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{
		srv:           srv,
		nc:            nc,
		sendCh:        make(chan *proto.Envelope, sendQueueCap),
		subscribed:    make(map[layout.PaneID]bool),
		pendingResync: make(map[layout.PaneID]bool),
	}
}

// run is the connection's goroutine: it starts the writer and then reads
// requests until the client disconnects.
func (c *conn) run() {
	go c.writeLoop()
	defer c.close()

	for {
		env, err := proto.ReadMessage(c.nc)
		if err != nil {
			return
		}
		if env.Kind != proto.KindRequest || env.Request == nil {
			continue
		}
		c.handle(env.Request)
	}
}

func (c *conn) writeLoop() {
	for env := range c.sendCh {
		if err := proto.WriteMessage(c.nc, env); err != nil {
			c.close()
			return
		}
		c.tryFlushResync()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.nc.Close()
	c.srv.removeConn(c)
}

func (c *conn) sessionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.Name
}

func (c *conn) isSubscribed(id layout.PaneID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[id]
}

func (c *conn) unsubscribe(id layout.PaneID) {
	c.mu.Lock()
	delete(c.subscribed, id)
	delete(c.pendingResync, id)
	c.mu.Unlock()
}

func (c *conn) subscribeAll(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = make(map[layout.PaneID]bool)
	for _, tab := range s.Tabs {
		walkSnapshotLeaves(tab.Root, func(id layout.PaneID) {
			c.subscribed[id] = true
		})
	}
}

func walkSnapshotLeaves(n *layout.Node, f func(layout.PaneID)) {
	if n == nil {
		return
	}
	if !n.IsSplit() {
		f(n.PaneID)
		return
	}
	for _, ch := range n.Children {
		walkSnapshotLeaves(ch, f)
	}
}

// pushScreenDelta queues a delta push for id, or — if this connection's
// queue is already full — marks it lagging and remembers that id needs a
// collapsed resync once the queue drains (spec §4.5/§8 scenario 4: "a
// lagging client collapses to a single full-resync frame per pane").
func (c *conn) pushScreenDelta(id layout.PaneID, payload *proto.ScreenDeltaPayload, forceResync bool) {
	env := &proto.Envelope{Kind: proto.KindPush, Push: &proto.Push{
		Type: proto.PushScreenDelta, PaneID: uint64(id), Delta: payload, Resync: forceResync,
	}}

	c.mu.Lock()
	if c.lagging {
		c.pendingResync[id] = true
		c.mu.Unlock()
		return
	}
	select {
	case c.sendCh <- env:
		c.mu.Unlock()
	default:
		c.lagging = true
		c.pendingResync[id] = true
		c.mu.Unlock()
	}
}

// tryFlushResync drains one pane's collapsed resync into the send queue
// per call, clearing lagging once every pending pane has been flushed.
func (c *conn) tryFlushResync() {
	c.mu.Lock()
	if !c.lagging || len(c.pendingResync) == 0 {
		c.mu.Unlock()
		return
	}
	var id layout.PaneID
	for k := range c.pendingResync {
		id = k
		break
	}
	c.mu.Unlock()

	_, pane, ok := c.srv.mgr.Pane(id)
	if !ok || pane.PTY == nil {
		c.mu.Lock()
		delete(c.pendingResync, id)
		if len(c.pendingResync) == 0 {
			c.lagging = false
		}
		c.mu.Unlock()
		return
	}
	payload := buildDeltaPayload(pane.PTY.Snapshot())
	env := &proto.Envelope{Kind: proto.KindPush, Push: &proto.Push{
		Type: proto.PushScreenDelta, PaneID: uint64(id), Delta: payload, Resync: true,
	}}

	select {
	case c.sendCh <- env:
		c.mu.Lock()
		delete(c.pendingResync, id)
		if len(c.pendingResync) == 0 {
			c.lagging = false
		}
		c.mu.Unlock()
	default:
		// queue still full; leave id pending and retry on the next drain.
	}
}

func (c *conn) pushPaneAdded(id layout.PaneID, cols, rows int, cwd string) {
	c.sendPush(&proto.Push{
		Type: proto.PushPaneAdded, PaneID: uint64(id),
		Cols: cols, Rows: rows, Cwd: cwd,
	})
}

func (c *conn) pushRemoved(id layout.PaneID) {
	c.sendPush(&proto.Push{Type: proto.PushPaneRemoved, RemovedPaneID: uint64(id)})
}

func (c *conn) pushLayoutChanged() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.subscribeAll(s)
	c.sendPush(&proto.Push{Type: proto.PushLayoutChanged, Snapshot: buildSnapshot(s)})
}

// sendPush queues a non-screen-delta push directly; these carry state
// changes clients must not miss, so they are never subject to the
// lagging collapse that only applies to ScreenDelta traffic.
func (c *conn) sendPush(p *proto.Push) {
	env := &proto.Envelope{Kind: proto.KindPush, Push: p}
	select {
	case c.sendCh <- env:
	default:
		go func() { c.sendCh <- env }()
	}
}

func (c *conn) reply(resp *proto.Response) {
	env := &proto.Envelope{Kind: proto.KindResponse, Resp: resp}
	select {
	case c.sendCh <- env:
	default:
		go func() { c.sendCh <- env }()
	}
}

func (c *conn) replyErr(err error) {
	c.reply(&proto.Response{
		Type:       proto.RespError,
		ErrKind:    perr.KindOf(err).String(),
		ErrMessage: err.Error(),
	})
}

func (c *conn) handle(req *proto.Request) {
	switch req.Type {
	case proto.ReqHello:
		c.reply(&proto.Response{Type: proto.RespHello, ServerCaps: map[string]string{"version": "1"}})
	case proto.ReqAttach:
		c.handleAttach(req)
	case proto.ReqSpawn:
		c.handleSpawn(req)
	case proto.ReqInput:
		c.handleInput(req)
	case proto.ReqResizeSplit:
		c.handleResizeSplit(req)
	case proto.ReqRenameTab:
		c.handleRenameTab(req)
	case proto.ReqRenameSession:
		c.handleRenameSession(req)
	case proto.ReqDeleteSession:
		c.handleDeleteSession(req)
	case proto.ReqListSessions:
		c.handleListSessions()
	case proto.ReqListPanes:
		c.handleListPanes()
	case proto.ReqSwitchSession:
		c.handleAttach(req)
	case proto.ReqClosePane:
		c.handleClosePane(req)
	case proto.ReqCloseTab:
		c.handleCloseTab(req)
	case proto.ReqDetach:
		c.mu.Lock()
		c.sess = nil
		c.subscribed = make(map[layout.PaneID]bool)
		c.mu.Unlock()
		c.reply(&proto.Response{Type: proto.RespAck})
	case proto.ReqQuit:
		// Written directly rather than through sendCh: the connection is
		// about to close, and queuing through the async writer risks the
		// close racing ahead of the write.
		proto.WriteMessage(c.nc, &proto.Envelope{Kind: proto.KindResponse, Resp: &proto.Response{Type: proto.RespAck}})
		c.close()
	default:
		c.replyErr(perr.New(perr.ProtocolViolation, "unknown request type"))
	}
}

func (c *conn) attachedSession() (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, false
	}
	return c.sess, true
}

func (c *conn) handleAttach(req *proto.Request) {
	s, err := c.srv.mgr.Attach(req.SessionName)
	if err != nil {
		c.replyErr(err)
		return
	}
	if err := c.srv.mgr.RespawnDeadPanes(s); err != nil {
		c.replyErr(err)
		return
	}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.subscribeAll(s)
	c.reply(&proto.Response{Type: proto.RespHello, Snapshot: buildSnapshot(s)})
}

func (c *conn) handleSpawn(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	var anchor *layout.PaneID
	if req.AnchorPaneID != 0 {
		id := layout.PaneID(req.AnchorPaneID)
		anchor = &id
	}
	pane, err := c.srv.mgr.Spawn(s, anchor, req.NewTab, layout.Direction(req.SplitDir), req.Cwd)
	if err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
	c.srv.broadcastPaneAdded(s.Name, pane)
	c.srv.broadcastLayoutChanged(s.Name)
}

func (c *conn) handleInput(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	pane, ok := s.Pane(layout.PaneID(req.PaneID))
	if !ok || pane.PTY == nil {
		c.replyErr(perr.New(perr.NotFound, "no such pane"))
		return
	}
	pane.PTY.SubmitInput(toPTYInput(req))
}

func (c *conn) handleResizeSplit(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	if err := c.srv.mgr.ResizeSplit(s, layout.SplitID(req.SplitID), req.ChildIdx, req.Ratio); err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
	c.srv.broadcastLayoutChanged(s.Name)
}

func (c *conn) handleRenameTab(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	if err := c.srv.mgr.RenameTab(s, req.TabIdx, req.NewName); err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
}

func (c *conn) handleRenameSession(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	if err := c.srv.mgr.RenameSession(s, req.NewName); err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
}

func (c *conn) handleDeleteSession(req *proto.Request) {
	if err := c.srv.mgr.DeleteSession(req.SessionName); err != nil {
		c.replyErr(err)
		return
	}
	c.mu.Lock()
	if c.sess != nil && c.sess.Name == req.SessionName {
		c.sess = nil
		c.subscribed = make(map[layout.PaneID]bool)
	}
	c.mu.Unlock()
	c.reply(&proto.Response{Type: proto.RespAck})
}

func (c *conn) handleListSessions() {
	names, err := c.srv.mgr.List()
	if err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespSessionList, Names: names})
}

func (c *conn) handleListPanes() {
	summaries := c.srv.mgr.ListPanes()
	panes := make([]proto.PaneInfo, len(summaries))
	for i, p := range summaries {
		cwd := p.Cwd
		if pid := c.srv.panePid(p.ID); pid != 0 {
			if detected, err := detectCwd(pid); err == nil {
				cwd = detected
			}
		}
		panes[i] = proto.PaneInfo{
			PaneID: uint64(p.ID), SessionName: p.SessionName,
			Cwd: cwd, Cols: p.Cols, Rows: p.Rows,
		}
	}
	c.reply(&proto.Response{Type: proto.RespPaneList, Panes: panes})
}

// handleClosePane accepts either an already-attached connection or a bare
// one-shot request (the admin CLI's `pty kill <id>` never attaches first)
// — pane ids are daemon-wide, so Manager.Pane resolves the owning session
// either way.
func (c *conn) handleClosePane(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		s, _, ok = c.srv.mgr.Pane(layout.PaneID(req.PaneID))
		if !ok {
			c.replyErr(perr.New(perr.NotFound, "no such pane"))
			return
		}
	}
	if err := c.srv.mgr.ClosePane(s, layout.PaneID(req.PaneID)); err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
	c.srv.broadcastLayoutChanged(s.Name)
}

func (c *conn) handleCloseTab(req *proto.Request) {
	s, ok := c.attachedSession()
	if !ok {
		c.replyErr(perr.New(perr.InvalidState, "not attached to a session"))
		return
	}
	if err := c.srv.mgr.CloseTab(s, req.TabIndex); err != nil {
		c.replyErr(err)
		return
	}
	c.reply(&proto.Response{Type: proto.RespAck})
	c.srv.broadcastLayoutChanged(s.Name)
}
