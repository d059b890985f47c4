// prise is the admin CLI client for the prised daemon (spec §6). It
// follows the teacher's main.go subcommand-switch shape (grove's
// `project`/`start`/`list`/... dispatch), generalized to this server's
// subcommand set: each one opens a connection, sends exactly one
// request, prints a human-readable result, and exits.
//
// Usage:
//
//	prise serve                        run the daemon in the foreground
//	prise pty list                     list every live pane
//	prise pty kill <id>                kill a pane by id
//	prise session list                 list session names
//	prise session delete <name>        delete a session and every pane in it
//	prise session rename <old> <new>   rename a session
//	prise session attach <name>?       print a session's layout tree
//
// A `--dev-attach` reference client is also bundled for interactive
// development use (see attach.go); it is not part of the server-side
// admin surface above and is not the tiling UI spec §1 scopes out.
package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/rockorager/prise/internal/config"
	"github.com/rockorager/prise/internal/proto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "pty":
		cmdPty()
	case "session":
		cmdSession()
	case "attach":
		// --dev-attach reference client: `prise attach --dev-attach [name]`.
		devAttach(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "prise: unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  prise serve
  prise pty list
  prise pty kill <id>
  prise session list
  prise session delete <name>
  prise session rename <old> <new>
  prise session attach <name>?`)
}

func cmdPty() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: prise pty <list|kill>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "list":
		cmdPtyList()
	case "kill":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: prise pty kill <id>")
			os.Exit(1)
		}
		cmdPtyKill(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "prise: unknown pty subcommand %q\n", os.Args[2])
		os.Exit(1)
	}
}

func cmdSession() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: prise session <list|delete|rename|attach>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "list":
		cmdList()
	case "delete":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: prise session delete <name>")
			os.Exit(1)
		}
		cmdKill(os.Args[3])
	case "rename":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: prise session rename <old> <new>")
			os.Exit(1)
		}
		cmdRename(os.Args[3], os.Args[4])
	case "attach":
		name := ""
		if len(os.Args) > 3 {
			name = os.Args[3]
		}
		cmdSessionAttach(name)
	default:
		fmt.Fprintf(os.Stderr, "prise: unknown session subcommand %q\n", os.Args[2])
		os.Exit(1)
	}
}

// cmdServe runs the daemon in the foreground by exec-ing prised with
// inherited stdio, mirroring what `groved` does when launched directly
// rather than auto-spawned — the actual reactor/scheduler/session/IPC
// wiring lives in cmd/prised, not duplicated here.
func cmdServe() {
	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "prised")
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "prised"
	}
	cmd := exec.Command(daemonBin)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
}

func cmdPtyList() {
	conn := dial()
	defer conn.Close()
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqListPanes})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
	fmt.Printf("%-8s %-16s %-7s %s\n", "ID", "SESSION", "SIZE", "CWD")
	for _, p := range resp.Panes {
		fmt.Printf("%-8d %-16s %dx%-5d %s\n", p.PaneID, p.SessionName, p.Cols, p.Rows, p.Cwd)
	}
}

func cmdPtyKill(idStr string) {
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: invalid pane id %q\n", idStr)
		os.Exit(1)
	}
	conn := dial()
	defer conn.Close()
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqClosePane, PaneID: id})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
}

// cmdSessionAttach issues one Attach request and prints the resulting
// layout tree, then exits — unlike the interactive --dev-attach client,
// this never streams PTY output (spec §6: "prints a human-readable
// result, and exits").
func cmdSessionAttach(name string) {
	conn := dial()
	defer conn.Close()
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqAttach, SessionName: name})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
	printSnapshot(resp.Snapshot)
}

func printSnapshot(snap *proto.SessionSnapshot) {
	if snap == nil || len(snap.Tabs) == 0 {
		fmt.Println("(empty session)")
		return
	}
	fmt.Printf("session: %s\n", snap.SessionName)
	for i, tab := range snap.Tabs {
		marker := "  "
		if i == snap.FocusTab {
			marker = "* "
		}
		fmt.Printf("%stab %q\n", marker, tab.Name)
		printNode(tab.Root, 1)
	}
}

func printNode(n *proto.NodeSnapshot, depth int) {
	if n == nil {
		return
	}
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	if !n.IsSplit {
		fmt.Printf("%spane %d  %s\n", indent, n.PaneID, n.Cwd)
		return
	}
	fmt.Printf("%ssplit %d\n", indent, n.SplitID)
	for _, c := range n.Children {
		printNode(c, depth+1)
	}
}

// dial connects to the daemon socket, starting prised first if it is not
// already listening (mirrors the teacher's ensureDaemon/daemonSocket
// pair). The daemon counts as up once a plain connect to its socket
// succeeds; no request is sent here.
func dial() net.Conn {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	sockPath := cfg.SocketPath(os.Getuid())

	conn, err := net.Dial("unix", sockPath)
	if err == nil {
		return conn
	}

	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "prised")
	if _, statErr := os.Stat(daemonBin); statErr != nil {
		daemonBin = "prised"
	}
	cmd := exec.Command(daemonBin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "prise: cannot start daemon: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(25 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "prise: daemon did not come up: %v\n", err)
	os.Exit(1)
	return nil
}

func roundTrip(conn net.Conn, req *proto.Request) (*proto.Response, error) {
	if err := proto.WriteMessage(conn, &proto.Envelope{Kind: proto.KindRequest, Request: req}); err != nil {
		return nil, err
	}
	for {
		env, err := proto.ReadMessage(conn)
		if err != nil {
			return nil, err
		}
		if env.Kind == proto.KindResponse {
			return env.Resp, nil
		}
		// A push arriving before the response (e.g. an earlier attach's
		// late screen delta) is simply not what we're waiting for here.
	}
}

func cmdList() {
	conn := dial()
	defer conn.Close()
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqListSessions})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
	names := append([]string(nil), resp.Names...)
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
}

func cmdKill(name string) {
	conn := dial()
	defer conn.Close()
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqDeleteSession, SessionName: name})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
}

func cmdRename(oldName, newName string) {
	conn := dial()
	defer conn.Close()
	if _, err := roundTrip(conn, &proto.Request{Type: proto.ReqAttach, SessionName: oldName}); err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	resp, err := roundTrip(conn, &proto.Request{Type: proto.ReqRenameSession, NewName: newName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: %v\n", err)
		os.Exit(1)
	}
	if resp.Type == proto.RespError {
		fmt.Fprintf(os.Stderr, "prise: %s\n", resp.ErrMessage)
		os.Exit(1)
	}
}
