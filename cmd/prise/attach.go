package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/rockorager/prise/internal/proto"
)

const detachByte = 0x1D // Ctrl-]

// devAttach implements the reference attach client SPEC_FULL.md §3A adds
// beyond spec.md's server-side admin CLI: `prise attach --dev-attach
// [name]` streams a session's focused pane interactively, grounded
// directly on the teacher's cmdAttach/doAttach (raw mode, Ctrl-] detach,
// reader/writer goroutine pair). It is explicitly not the tiling UI
// spec §1 scopes out: no tabs, no splits, no keybinds, one pane full-
// screen — and it is gated behind --dev-attach so it reads as the
// developer convenience it is, not a second blessed CLI surface.
func devAttach(args []string) {
	var name string
	var devFlag bool
	for _, a := range args {
		if a == "--dev-attach" {
			devFlag = true
			continue
		}
		name = a
	}
	if !devFlag {
		fmt.Fprintln(os.Stderr, "usage: prise attach --dev-attach [name]")
		fmt.Fprintln(os.Stderr, "(use `prise session attach [name]` for the one-shot admin command)")
		os.Exit(1)
	}
	doAttach(name)
}

// doAttach connects to the daemon, attaches to name (the most recently
// used session if empty), spawns a first shell if the session is brand
// new, and renders the focused pane full-screen until the user detaches
// (Ctrl-]) or that pane's shell exits. Rendering one pane full-screen
// rather than compositing the whole split tree client-side keeps this
// client within scope; a real split-aware renderer belongs to a separate
// terminal-UI frontend.
func doAttach(name string) {
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

	focusID, cols, rows := focusedPane(resp.Snapshot)
	if focusID == 0 {
		if _, err := roundTrip(conn, &proto.Request{Type: proto.ReqSpawn, Cwd: cwdOrDot()}); err != nil {
			fmt.Fprintf(os.Stderr, "prise: %v\n", err)
			os.Exit(1)
		}
		// The daemon's LayoutChanged push carries the fresh snapshot;
		// wait for it instead of re-requesting attach.
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prise: cannot set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[prise] attached (detach: Ctrl-])\r\n")

	r := &attachState{conn: conn, focusID: focusID, cols: cols, rows: rows}
	r.run()
}

func cwdOrDot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func focusedPane(snap *proto.SessionSnapshot) (id uint64, cols, rows int) {
	if snap == nil || len(snap.Tabs) == 0 {
		return 0, 80, 24
	}
	tab := snap.Tabs[snap.FocusTab]
	return tab.FocusPaneID, 80, 24
}

type attachState struct {
	conn    net.Conn
	focusID uint64
	cols    int
	rows    int
}

func (a *attachState) run() {
	done := make(chan struct{}, 2)

	go a.readPushes(done)
	go a.readStdin(done)
	go a.watchResize()

	<-done
}

func (a *attachState) readPushes(done chan<- struct{}) {
	for {
		env, err := proto.ReadMessage(a.conn)
		if err != nil {
			done <- struct{}{}
			return
		}
		switch env.Kind {
		case proto.KindPush:
			a.handlePush(env.Push)
		case proto.KindResponse:
			// A spawn/resize ack arriving asynchronously; nothing to do.
		}
	}
}

func (a *attachState) handlePush(p *proto.Push) {
	switch p.Type {
	case proto.PushLayoutChanged:
		if a.focusID == 0 && p.Snapshot != nil {
			a.focusID, _, _ = focusedPane(p.Snapshot)
		}
	case proto.PushScreenDelta:
		if p.PaneID == a.focusID && p.Delta != nil {
			renderFrame(os.Stdout, p.Delta, p.Resync)
		}
	case proto.PushPaneRemoved:
		if p.RemovedPaneID == a.focusID {
			fmt.Fprint(os.Stdout, "\r\n[prise] pane exited\r\n")
			os.Exit(0)
		}
	case proto.PushSessionExit:
		fmt.Fprint(os.Stdout, "\r\n[prise] session ended\r\n")
		os.Exit(0)
	}
}

func (a *attachState) readStdin(done chan<- struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if idx := indexByte(buf[:n], detachByte); idx >= 0 {
				if idx > 0 {
					a.sendKeys(buf[:idx])
				}
				done <- struct{}{}
				return
			}
			a.sendKeys(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "prise: stdin: %v\n", err)
			}
			done <- struct{}{}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (a *attachState) sendKeys(data []byte) {
	if a.focusID == 0 {
		return
	}
	cp := append([]byte(nil), data...)
	env := &proto.Envelope{Kind: proto.KindRequest, Request: &proto.Request{
		Type: proto.ReqInput, PaneID: a.focusID, InputKnd: proto.InputKey, KeyData: cp,
	}}
	proto.WriteMessage(a.conn, env)
}

func (a *attachState) watchResize() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	for range sigCh {
		cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || a.focusID == 0 {
			continue
		}
		env := &proto.Envelope{Kind: proto.KindRequest, Request: &proto.Request{
			Type: proto.ReqInput, PaneID: a.focusID, InputKnd: proto.InputResize, Cols: cols, Rows: rows,
		}}
		proto.WriteMessage(a.conn, env)
	}
}

// renderFrame draws a full or incremental screen delta to w using a
// minimal ANSI sequence set: absolute cursor positioning, SGR attribute
// runs, and a trailing cursor placement/visibility toggle.
func renderFrame(w io.Writer, d *proto.ScreenDeltaPayload, resync bool) {
	var b strings.Builder
	b.WriteString("\x1b[H")
	lastStyle := ""
	for _, rowIdx := range rowsToDraw(d, resync) {
		if rowIdx >= len(d.Cells) {
			continue
		}
		fmt.Fprintf(&b, "\x1b[%d;1H\x1b[K", rowIdx+1)
		for _, cell := range d.Cells[rowIdx] {
			style := sgrFor(cell)
			if style != lastStyle {
				b.WriteString(style)
				lastStyle = style
			}
			r := cell.Rune
			if r == 0 {
				r = ' '
			}
			b.WriteRune(r)
		}
		lastStyle = ""
		b.WriteString("\x1b[0m")
	}
	fmt.Fprintf(&b, "\x1b[%d;%dH", d.CursorRow+1, d.CursorCol+1)
	if d.CursorVis {
		b.WriteString("\x1b[?25h")
	} else {
		b.WriteString("\x1b[?25l")
	}
	io.WriteString(w, b.String())
}

func rowsToDraw(d *proto.ScreenDeltaPayload, resync bool) []int {
	if resync || len(d.DirtyRows) == 0 {
		rows := make([]int, len(d.Cells))
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	return d.DirtyRows
}

func sgrFor(c proto.CellPayload) string {
	var codes []string
	if c.Bold {
		codes = append(codes, "1")
	}
	if c.Dim {
		codes = append(codes, "2")
	}
	if c.Italic {
		codes = append(codes, "3")
	}
	if c.Underline {
		codes = append(codes, "4")
	}
	if c.Blink {
		codes = append(codes, "5")
	}
	if c.Reverse {
		codes = append(codes, "7")
	}
	if c.FG >= 0 {
		codes = append(codes, fmt.Sprintf("38;5;%d", c.FG))
	}
	if c.BG >= 0 {
		codes = append(codes, fmt.Sprintf("48;5;%d", c.BG))
	}
	if len(codes) == 0 {
		return "\x1b[0m"
	}
	return "\x1b[0;" + strings.Join(codes, ";") + "m"
}
