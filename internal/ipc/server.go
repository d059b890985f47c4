// Package ipc implements the unix-socket IPC server (spec §4.5): accept
// loop, per-connection request dispatch, and the bounded write
// queue/backpressure scheme for server push notifications.
//
// Grounded on the teacher's daemon.go Run/handleConn/respond shape
// (stale-socket removal, one goroutine per connection, a switch over
// request type) generalized from newline-JSON request/response framing
// to internal/proto's gob envelopes, and extended with the lock file and
// bounded-queue backpressure spec §4.5 and §6 require that the teacher
// never needed (grove started at most one daemon per user itself).
package ipc

import (
	"errors"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rockorager/prise/internal/config"
	"github.com/rockorager/prise/internal/emulator"
	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/layout"
	"github.com/rockorager/prise/internal/perr"
	"github.com/rockorager/prise/internal/proto"
	"github.com/rockorager/prise/internal/session"
)

// sendQueueCap bounds each connection's outbound push/response queue
// (spec §4.5: "each connection owns a bounded write queue").
const sendQueueCap = 64

// Server accepts client connections on the per-user socket and dispatches
// their requests against a single session.Manager.
type Server struct {
	cfg *config.Config
	mgr *session.Manager

	listener net.Listener
	lockFile *os.File

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// Listen binds the per-user socket, having first taken the adjacent lock
// file to guarantee only one server runs per user (spec §4.5, §7 Fatal —
// the teacher never needed this because `grove` itself only ever
// auto-spawned a single `groved`). A held lock is returned as a
// perr.Fatal error; cmd/prised exits with status 1 on it, the same status
// as for every other startup failure.
func Listen(cfg *config.Config, mgr *session.Manager) (*Server, error) {
	uid := os.Getuid()
	lockPath := cfg.LockPath(uid)
	socketPath := cfg.SocketPath(uid)

	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, perr.Wrap(perr.Fatal, "open lock file", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, perr.New(perr.Fatal, "another prised instance already holds "+lockPath)
	}

	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		lf.Close()
		return nil, perr.Wrap(perr.Fatal, "listen on "+socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		lf.Close()
		return nil, perr.Wrap(perr.Fatal, "chmod socket", err)
	}

	srv := &Server{
		cfg:      cfg,
		mgr:      mgr,
		listener: l,
		lockFile: lf,
		conns:    make(map[*conn]struct{}),
	}
	mgr.OnPaneExited = srv.onPaneExited
	return srv, nil
}

// Serve accepts connections until the listener is closed.
func (srv *Server) Serve() error {
	for {
		nc, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ipc: accept: %v", err)
			continue
		}
		c := newConn(srv, nc)
		srv.addConn(c)
		go c.run()
	}
}

// Close shuts the listener and releases the lock file. Live connections
// are left to notice EOF on their own read.
func (srv *Server) Close() error {
	srv.listener.Close()
	unix.Flock(int(srv.lockFile.Fd()), unix.LOCK_UN)
	return srv.lockFile.Close()
}

func (srv *Server) addConn(c *conn) {
	srv.mu.Lock()
	srv.conns[c] = struct{}{}
	srv.mu.Unlock()
}

func (srv *Server) removeConn(c *conn) {
	srv.mu.Lock()
	delete(srv.conns, c)
	srv.mu.Unlock()
}

func (srv *Server) snapshotConns() []*conn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*conn, 0, len(srv.conns))
	for c := range srv.conns {
		out = append(out, c)
	}
	return out
}

// OnRender is the frame.RenderFunc the daemon wires to its Scheduler. It
// fetches the pane's current snapshot once and fans it out to every
// connection subscribed to that pane, each with its own backpressure
// state.
func (srv *Server) OnRender(id frame.PTYID) {
	paneID := layout.PaneID(id)
	_, pane, ok := srv.mgr.Pane(paneID)
	if !ok || pane.PTY == nil {
		return
	}
	snap := pane.PTY.Snapshot()
	payload := buildDeltaPayload(snap)

	for _, c := range srv.snapshotConns() {
		if c.isSubscribed(paneID) {
			c.pushScreenDelta(paneID, payload, false)
		}
	}
}

// broadcastPaneAdded tells every connection attached to sessionName that a
// new pane came up, carrying its id/geometry/cwd directly (spec §8 scenario
// 1: "Server replies Ack, then pushes PaneAdded{pane-id:1,cols:80,rows:24,
// cwd:\"/tmp\"}"). This always precedes the broader LayoutChanged push so a
// client sees the specific pane event before the general tree refresh.
func (srv *Server) broadcastPaneAdded(sessionName string, pane *session.Pane) {
	cols, rows := 80, 24
	if pane.PTY != nil {
		snap := pane.PTY.Snapshot()
		cols, rows = snap.Cols, snap.Rows
	}
	for _, c := range srv.snapshotConns() {
		if c.sessionName() == sessionName {
			c.pushPaneAdded(pane.ID, cols, rows, pane.Cwd)
		}
	}
}

// broadcastLayoutChanged tells every connection attached to sessionName
// that its layout tree changed, so each refreshes its own subscription
// set and snapshot independently.
func (srv *Server) broadcastLayoutChanged(sessionName string) {
	for _, c := range srv.snapshotConns() {
		if c.sessionName() == sessionName {
			c.pushLayoutChanged()
		}
	}
}

// onPaneExited is session.Manager's OnPaneExited hook: it tells every
// connection attached to the owning session that the pane is gone.
func (srv *Server) onPaneExited(sessionName string, id layout.PaneID) {
	for _, c := range srv.snapshotConns() {
		if c.sessionName() == sessionName {
			c.unsubscribe(id)
			c.pushRemoved(id)
		}
	}
	srv.broadcastLayoutChanged(sessionName)
}

// panePid returns the pid of the shell backing paneID, or 0 if the pane
// has no live PTY (e.g. restored from disk but not yet respawned).
func (srv *Server) panePid(paneID layout.PaneID) int {
	_, pane, ok := srv.mgr.Pane(paneID)
	if !ok || pane.PTY == nil {
		return 0
	}
	return pane.PTY.Pid()
}

func buildDeltaPayload(snap emulator.Snapshot) *proto.ScreenDeltaPayload {
	cells := make([][]proto.CellPayload, len(snap.Grid))
	dirty := make([]int, len(snap.Grid))
	for i, row := range snap.Grid {
		cellRow := make([]proto.CellPayload, len(row))
		for j, c := range row {
			cellRow[j] = proto.CellPayload{
				Rune: c.Rune, FG: c.Attr.FG, BG: c.Attr.BG,
				Bold: c.Attr.Bold, Dim: c.Attr.Dim, Italic: c.Attr.Italic,
				Underline: c.Attr.Underline, Reverse: c.Attr.Reverse, Blink: c.Attr.Blink,
			}
		}
		cells[i] = cellRow
		dirty[i] = i
	}
	return &proto.ScreenDeltaPayload{
		Cols: snap.Cols, Rows: snap.Rows,
		Cells:     cells,
		CursorRow: snap.CursorRow, CursorCol: snap.CursorCol, CursorVis: snap.CursorVis,
		DirtyRows: dirty,
		Version:   snap.Version,
	}
}
