// Package emulator implements the VT100/ECMA-48 subset the PTY worker
// drives through the feed(bytes) -> delta contract (spec §4.3): cursor
// movement, SGR color/attribute state, erase-in-line/erase-in-display,
// line wrap, and the auto-response set (Device Attributes, Cursor
// Position Report). A secondary DA request gets the same reply as a
// primary one.
//
// This is a clean-room state machine, not a port of any GPL-licensed
// terminal emulator; only the shape of the ECMA-48 parsing problem
// (ground/escape/CSI/OSC states) is textbook and was not taken from any
// single source file.
package emulator

import "strconv"

type parseState int

const (
	stateGround parseState = iota
	stateEscape
	stateCSI
	stateOSC
)

// Emulator is the terminal state machine for one PTY. Not safe for
// concurrent use; the PTY worker thread is its only caller.
type Emulator struct {
	screen *Screen
	attr   Attr
	state  parseState

	params   []int
	curParam string
	oscBuf   []byte

	wrapPending bool

	// AutoRespond, if non-nil, is appended to after Feed returns for any
	// sequence whose response goes back to the master fd. The worker
	// writes it synchronously on the same thread (spec §4.3).
	AutoRespond []byte
}

// New creates an Emulator with a cols x rows grid and a scrollback ring
// bounded at scrollbackCap lines (0 disables scrollback).
func New(cols, rows, scrollbackCap int) *Emulator {
	return &Emulator{
		screen: newScreen(cols, rows, scrollbackCap),
		attr:   defaultAttr(),
	}
}

// Delta describes what changed during a Feed call. The PTY worker does
// not consume it: pushes to clients are built from the full Snapshot,
// with every row marked dirty.
type Delta struct {
	DirtyRows   []int
	CursorMoved bool
	Resized     bool
}

// Snapshot returns a client-facing copy of the current grid.
func (e *Emulator) Snapshot() Snapshot { return e.screen.Snapshot() }

// Resize changes the grid dimensions, used on a client Resize input
// event right after the worker has applied it to the pty with a
// TIOCSWINSZ ioctl.
func (e *Emulator) Resize(cols, rows int) {
	e.screen.resize(cols, rows)
}

// Feed advances the state machine by the given output bytes read from
// the PTY master, mutating the screen in place and returning what
// changed. AutoRespond is populated as a side effect for the caller to
// inspect and clear after writing it back.
func (e *Emulator) Feed(b []byte) Delta {
	e.AutoRespond = nil
	dirty := make(map[int]struct{})
	cursorMoved := false

	markRow := func(r int) { dirty[r] = struct{}{} }

	for i := 0; i < len(b); i++ {
		c := b[i]
		switch e.state {
		case stateGround:
			switch {
			case c == 0x1b:
				e.state = stateEscape
			case c == '\r':
				e.screen.CursorCol = 0
				e.wrapPending = false
				cursorMoved = true
			case c == '\n':
				e.lineFeed(markRow)
				cursorMoved = true
			case c == '\b':
				if e.screen.CursorCol > 0 {
					e.screen.CursorCol--
					cursorMoved = true
				}
			case c == '\t':
				e.screen.CursorCol = nextTabStop(e.screen.CursorCol, e.screen.Cols)
				cursorMoved = true
			case c >= 0x20:
				e.printRune(rune(c), markRow)
				cursorMoved = true
			}
		case stateEscape:
			e.handleEscape(c, markRow, &cursorMoved)
		case stateCSI:
			e.handleCSI(c, markRow, &cursorMoved)
		case stateOSC:
			e.handleOSC(c)
		}
	}

	rows := make([]int, 0, len(dirty))
	for r := range dirty {
		rows = append(rows, r)
	}
	return Delta{DirtyRows: rows, CursorMoved: cursorMoved}
}

func nextTabStop(col, cols int) int {
	next := (col/8 + 1) * 8
	if next >= cols {
		return cols - 1
	}
	return next
}

func (e *Emulator) lineFeed(markRow func(int)) {
	if e.screen.CursorRow == e.screen.Rows-1 {
		e.screen.scrollUp(e.attr)
		for r := 0; r < e.screen.Rows; r++ {
			markRow(r)
		}
		return
	}
	e.screen.CursorRow++
	markRow(e.screen.CursorRow)
	e.wrapPending = false
}

func (e *Emulator) printRune(r rune, markRow func(int)) {
	if e.wrapPending {
		e.lineFeed(markRow)
		e.screen.CursorCol = 0
		e.wrapPending = false
	}
	e.screen.setCell(e.screen.CursorRow, e.screen.CursorCol, Cell{Rune: r, Attr: e.attr})
	markRow(e.screen.CursorRow)
	if e.screen.CursorCol == e.screen.Cols-1 {
		e.wrapPending = true
	} else {
		e.screen.CursorCol++
	}
}

func (e *Emulator) handleEscape(c byte, markRow func(int), cursorMoved *bool) {
	switch c {
	case '[':
		e.state = stateCSI
		e.params = e.params[:0]
		e.curParam = ""
	case ']':
		e.state = stateOSC
		e.oscBuf = e.oscBuf[:0]
	case 'c': // RIS, reset to initial state
		*e = *New(e.screen.Cols, e.screen.Rows, e.screen.scrollbackCap)
		*cursorMoved = true
	case 'D': // IND
		e.lineFeed(markRow)
		*cursorMoved = true
		e.state = stateGround
	case 'M': // RI, reverse index
		if e.screen.CursorRow == 0 {
			// no scroll-down buffer kept; just stay put, matching a
			// minimal subset rather than full reverse-scroll.
		} else {
			e.screen.CursorRow--
			markRow(e.screen.CursorRow)
		}
		*cursorMoved = true
		e.state = stateGround
	default:
		e.state = stateGround
	}
}

func (e *Emulator) handleOSC(c byte) {
	if c == 0x07 || c == 0x1b {
		// Title-setting and similar OSC sequences are accepted and
		// discarded; no UI-visible effect on the grid itself.
		e.state = stateGround
		return
	}
	e.oscBuf = append(e.oscBuf, c)
}

func (e *Emulator) handleCSI(c byte, markRow func(int), cursorMoved *bool) {
	switch {
	case c >= '0' && c <= '9':
		e.curParam += string(c)
		return
	case c == ';':
		e.params = append(e.params, parseIntOr(e.curParam, 0))
		e.curParam = ""
		return
	case c == '?' || c == '>' || c == '=':
		// Private-mode marker (e.g. "\x1b[?25h"); this subset has no
		// separate private-mode namespace, so the marker is dropped and
		// the following params are read as-is.
		return
	case c >= 0x20 && c <= 0x2f:
		// Intermediate byte; not used by any sequence this subset
		// implements, but must not be mistaken for a final byte.
		return
	}
	// final byte
	if e.curParam != "" || len(e.params) == 0 {
		e.params = append(e.params, parseIntOr(e.curParam, 0))
	}
	e.curParam = ""
	params := e.params
	e.state = stateGround

	p := func(i, def int) int {
		if i >= len(params) || params[i] == 0 {
			return def
		}
		return params[i]
	}

	switch c {
	case 'A': // CUU
		e.screen.CursorRow = clamp(e.screen.CursorRow-p(0, 1), 0, e.screen.Rows-1)
		*cursorMoved = true
	case 'B': // CUD
		e.screen.CursorRow = clamp(e.screen.CursorRow+p(0, 1), 0, e.screen.Rows-1)
		*cursorMoved = true
	case 'C': // CUF
		e.screen.CursorCol = clamp(e.screen.CursorCol+p(0, 1), 0, e.screen.Cols-1)
		*cursorMoved = true
	case 'D': // CUB
		e.screen.CursorCol = clamp(e.screen.CursorCol-p(0, 1), 0, e.screen.Cols-1)
		*cursorMoved = true
	case 'H', 'f': // CUP
		e.screen.CursorRow = clamp(p(0, 1)-1, 0, e.screen.Rows-1)
		e.screen.CursorCol = clamp(p(1, 1)-1, 0, e.screen.Cols-1)
		e.wrapPending = false
		*cursorMoved = true
	case 'K': // EL
		e.screen.eraseInLine(e.screen.CursorRow, p(0, 0), e.attr)
		markRow(e.screen.CursorRow)
	case 'J': // ED
		e.screen.eraseInDisplay(p(0, 0), e.attr)
		for r := 0; r < e.screen.Rows; r++ {
			markRow(r)
		}
	case 'm': // SGR
		e.applySGR(params)
	case 'n': // DSR
		if p(0, 0) == 6 {
			e.AutoRespond = append(e.AutoRespond, cursorPositionReport(e.screen.CursorRow, e.screen.CursorCol)...)
		}
	case 'c': // DA; the '>' of a secondary DA request is dropped above, so it gets this same reply
		e.AutoRespond = append(e.AutoRespond, primaryDeviceAttributes...)
	case 'h', 'l':
		// Mode set/reset (DECSET/DECRST, e.g. cursor visibility,
		// alternate screen) — tracked only insofar as cursor visibility,
		// the rest is accepted and ignored by this subset.
		e.applyMode(params, c == 'h')
	}
}

func (e *Emulator) applyMode(params []int, set bool) {
	for _, p := range params {
		if p == 25 { // DECTCEM, cursor visibility
			e.screen.CursorVis = set
		}
	}
}

func (e *Emulator) applySGR(params []int) {
	if len(params) == 0 {
		e.attr = defaultAttr()
		return
	}
	for i := 0; i < len(params); i++ {
		switch params[i] {
		case 0:
			e.attr = defaultAttr()
		case 1:
			e.attr.Bold = true
		case 2:
			e.attr.Dim = true
		case 3:
			e.attr.Italic = true
		case 4:
			e.attr.Underline = true
		case 5:
			e.attr.Blink = true
		case 7:
			e.attr.Reverse = true
		case 22:
			e.attr.Bold, e.attr.Dim = false, false
		case 23:
			e.attr.Italic = false
		case 24:
			e.attr.Underline = false
		case 25:
			e.attr.Blink = false
		case 27:
			e.attr.Reverse = false
		case 39:
			e.attr.FG = -1
		case 49:
			e.attr.BG = -1
		case 38, 48:
			// extended color: "38;5;N" (256-color) or "38;2;R;G;B"
			// (truecolor, folded to nearest palette index for our
			// 256-entry Attr representation).
			target := &e.attr.FG
			if params[i] == 48 {
				target = &e.attr.BG
			}
			if i+1 < len(params) && params[i+1] == 5 && i+2 < len(params) {
				*target = int16(params[i+2])
				i += 2
			} else if i+1 < len(params) && params[i+1] == 2 && i+4 < len(params) {
				*target = foldTruecolor(params[i+2], params[i+3], params[i+4])
				i += 4
			}
		default:
			if params[i] >= 30 && params[i] <= 37 {
				e.attr.FG = int16(params[i] - 30)
			} else if params[i] >= 90 && params[i] <= 97 {
				e.attr.FG = int16(params[i] - 90 + 8)
			} else if params[i] >= 40 && params[i] <= 47 {
				e.attr.BG = int16(params[i] - 40)
			} else if params[i] >= 100 && params[i] <= 107 {
				e.attr.BG = int16(params[i] - 100 + 8)
			}
		}
	}
}

// foldTruecolor maps a 24-bit color down to the nearest of the 256-color
// palette's 6x6x6 cube, a lossy but adequate fold for this subset.
func foldTruecolor(r, g, b int) int16 {
	f := func(v int) int { return v * 5 / 255 }
	return int16(16 + 36*f(r) + 6*f(g) + f(b))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

var primaryDeviceAttributes = []byte("\x1b[?1;2c")

func cursorPositionReport(row, col int) []byte {
	return []byte("\x1b[" + strconv.Itoa(row+1) + ";" + strconv.Itoa(col+1) + "R")
}
