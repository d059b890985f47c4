package ipc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockorager/prise/internal/config"
	"github.com/rockorager/prise/internal/frame"
	"github.com/rockorager/prise/internal/proto"
	"github.com/rockorager/prise/internal/reactor"
	"github.com/rockorager/prise/internal/session"
	"github.com/rockorager/prise/internal/store"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()

	r, err := reactor.NewEpoll()
	require.NoError(t, err)
	go r.Run(reactor.Forever)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		StateDir:      t.TempDir(),
		RuntimeDir:    t.TempDir(),
		FrameInterval: time.Millisecond,
	}

	var srv *Server
	sched := frame.New(r, cfg.FrameInterval, func(id frame.PTYID) {
		if srv != nil {
			srv.OnRender(id)
		}
	})
	mgr := session.New(r, sched, st, 0)

	srv, err = Listen(cfg, mgr)
	require.NoError(t, err)

	go srv.Serve()

	return srv, func() { srv.Close() }
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", srv.listener.Addr().String())
	require.NoError(t, err)
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, req *proto.Request) *proto.Response {
	t.Helper()
	require.NoError(t, proto.WriteMessage(conn, &proto.Envelope{Kind: proto.KindRequest, Request: req}))
	for {
		env, err := proto.ReadMessage(conn)
		require.NoError(t, err)
		if env.Kind == proto.KindResponse {
			return env.Resp
		}
	}
}

func TestHelloReturnsServerCaps(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqHello})
	assert.Equal(t, proto.RespHello, resp.Type)
	assert.NotEmpty(t, resp.ServerCaps)
}

func TestAttachCreatesSessionAndSpawnPushesScreenDelta(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "work"})
	require.Equal(t, proto.RespHello, resp.Type)
	require.NotNil(t, resp.Snapshot)
	assert.Empty(t, resp.Snapshot.Tabs)

	resp = roundTrip(t, conn, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp"})
	require.Equal(t, proto.RespAck, resp.Type)

	deadline := time.Now().Add(5 * time.Second)
	var gotDelta bool
	for time.Now().Before(deadline) && !gotDelta {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		env, err := proto.ReadMessage(conn)
		if err != nil {
			continue
		}
		if env.Kind == proto.KindPush && env.Push.Type == proto.PushScreenDelta {
			gotDelta = true
		}
	}
	assert.True(t, gotDelta, "expected at least one screen delta push after spawning a pane")
}

func TestSpawnPushesPaneAdded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "work"})
	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp"})
	require.Equal(t, proto.RespAck, resp.Type)

	deadline := time.Now().Add(5 * time.Second)
	var added *proto.Push
	for time.Now().Before(deadline) && added == nil {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		env, err := proto.ReadMessage(conn)
		if err != nil {
			continue
		}
		if env.Kind == proto.KindPush && env.Push.Type == proto.PushPaneAdded {
			added = env.Push
		}
	}
	require.NotNil(t, added, "expected a PaneAdded push after spawning a pane")
	assert.NotZero(t, added.PaneID)
	assert.Equal(t, 80, added.Cols)
	assert.Equal(t, 24, added.Rows)
	assert.Equal(t, "/tmp", added.Cwd)
}

func TestListSessionsIncludesAttachedSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "alpha"})

	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqListSessions})
	require.Equal(t, proto.RespSessionList, resp.Type)
	assert.Contains(t, resp.Names, "alpha")
}

func TestListPanesReportsSpawnedPane(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "ptytest"})
	roundTrip(t, conn, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp"})

	deadline := time.Now().Add(5 * time.Second)
	var panes []proto.PaneInfo
	for time.Now().Before(deadline) {
		resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqListPanes})
		require.Equal(t, proto.RespPaneList, resp.Type)
		if len(resp.Panes) > 0 {
			panes = resp.Panes
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, panes, 1)
	assert.Equal(t, "ptytest", panes[0].SessionName)
}

// recvLayoutChanged drains pushes until a LayoutChanged with a non-empty
// tab tree arrives, or the deadline passes.
func recvLayoutChanged(t *testing.T, conn net.Conn, deadline time.Time) *proto.SessionSnapshot {
	t.Helper()
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		env, err := proto.ReadMessage(conn)
		if err != nil {
			continue
		}
		if env.Kind == proto.KindPush && env.Push.Type == proto.PushLayoutChanged &&
			env.Push.Snapshot != nil && len(env.Push.Snapshot.Tabs) > 0 {
			return env.Push.Snapshot
		}
	}
	return nil
}

func TestResizeSplitBroadcastsLayoutChanged(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "resize"})
	roundTrip(t, conn, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp"})

	deadline := time.Now().Add(5 * time.Second)
	snap := recvLayoutChanged(t, conn, deadline)
	require.NotNil(t, snap, "expected a LayoutChanged push after the first spawn")
	firstPane := snap.Tabs[0].Root.PaneID

	roundTrip(t, conn, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp", AnchorPaneID: firstPane})
	deadline = time.Now().Add(5 * time.Second)
	snap = recvLayoutChanged(t, conn, deadline)
	require.NotNil(t, snap, "expected a LayoutChanged push after the anchored spawn")
	root := snap.Tabs[0].Root
	require.True(t, root.IsSplit)
	splitID := root.SplitID

	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqResizeSplit, SplitID: splitID, ChildIdx: 0, Ratio: 0.75})
	require.Equal(t, proto.RespAck, resp.Type)

	deadline = time.Now().Add(5 * time.Second)
	snap = recvLayoutChanged(t, conn, deadline)
	require.NotNil(t, snap, "expected a LayoutChanged push after resizing the split")
	assert.InDelta(t, 0.75, snap.Tabs[0].Root.Children[0].Ratio, 0.0001)
}

func TestClosePaneWorksWithoutPriorAttach(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	spawner := dialServer(t, srv)
	defer spawner.Close()
	roundTrip(t, spawner, &proto.Request{Type: proto.ReqAttach, SessionName: "killtest"})
	roundTrip(t, spawner, &proto.Request{Type: proto.ReqSpawn, Cwd: "/tmp"})

	var paneID uint64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && paneID == 0 {
		spawner.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		env, err := proto.ReadMessage(spawner)
		if err != nil {
			continue
		}
		if env.Kind == proto.KindPush && env.Push.Type == proto.PushLayoutChanged && env.Push.Snapshot != nil {
			if tabs := env.Push.Snapshot.Tabs; len(tabs) > 0 {
				paneID = tabs[0].Root.PaneID
			}
		}
	}
	require.NotZero(t, paneID)

	// A bare connection, never attached to killtest, kills the pane by id.
	killer := dialServer(t, srv)
	defer killer.Close()
	resp := roundTrip(t, killer, &proto.Request{Type: proto.ReqClosePane, PaneID: paneID})
	assert.Equal(t, proto.RespAck, resp.Type)
}

func TestDeleteSessionRemovesItFromList(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dialServer(t, srv)
	defer conn.Close()

	roundTrip(t, conn, &proto.Request{Type: proto.ReqAttach, SessionName: "temp"})
	resp := roundTrip(t, conn, &proto.Request{Type: proto.ReqDeleteSession, SessionName: "temp"})
	require.Equal(t, proto.RespAck, resp.Type)

	resp = roundTrip(t, conn, &proto.Request{Type: proto.ReqListSessions})
	assert.NotContains(t, resp.Names, "temp")
}
