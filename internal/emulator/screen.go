package emulator

// Screen is the versioned grid a PTY owns. Mutations happen only from
// the Emulator's Feed and Resize, called on the PTY worker's thread;
// Snapshot clones the visible
// grid for a reader and never blocks the writer.
type Screen struct {
	Cols, Rows int
	grid       [][]Cell
	CursorRow  int
	CursorCol  int
	CursorVis  bool

	scrollback    [][]Cell
	scrollbackCap int

	version uint64
}

func newScreen(cols, rows, scrollbackCap int) *Screen {
	s := &Screen{Cols: cols, Rows: rows, CursorVis: true, scrollbackCap: scrollbackCap}
	s.grid = make([][]Cell, rows)
	for i := range s.grid {
		s.grid[i] = newRow(cols)
	}
	return s
}

func newRow(cols int) []Cell {
	row := make([]Cell, cols)
	a := defaultAttr()
	for i := range row {
		row[i] = blank(a)
	}
	return row
}

// Snapshot is an immutable, client-facing copy of the grid at a point in
// time, suitable for the initial full-resync frame or a lagging-client
// collapse.
type Snapshot struct {
	Cols, Rows       int
	Grid             [][]Cell
	CursorRow        int
	CursorCol        int
	CursorVis        bool
	Version          uint64
}

// Snapshot clones the current grid. Cheap enough to call per lagging
// client collapse; a copy-on-write scheme is not worth the complexity at
// this grid size.
func (s *Screen) Snapshot() Snapshot {
	grid := make([][]Cell, len(s.grid))
	for i, row := range s.grid {
		cp := make([]Cell, len(row))
		copy(cp, row)
		grid[i] = cp
	}
	return Snapshot{
		Cols: s.Cols, Rows: s.Rows, Grid: grid,
		CursorRow: s.CursorRow, CursorCol: s.CursorCol, CursorVis: s.CursorVis,
		Version: s.version,
	}
}

func (s *Screen) resize(cols, rows int) {
	if cols == s.Cols && rows == s.Rows {
		return
	}
	newGrid := make([][]Cell, rows)
	for r := 0; r < rows; r++ {
		if r < len(s.grid) {
			row := s.grid[r]
			nr := newRow(cols)
			copy(nr, row)
			newGrid[r] = nr
		} else {
			newGrid[r] = newRow(cols)
		}
	}
	s.grid = newGrid
	s.Cols, s.Rows = cols, rows
	if s.CursorRow >= rows {
		s.CursorRow = rows - 1
	}
	if s.CursorCol >= cols {
		s.CursorCol = cols - 1
	}
	s.version++
}

func (s *Screen) setCell(row, col int, c Cell) {
	if row < 0 || row >= s.Rows || col < 0 || col >= s.Cols {
		return
	}
	s.grid[row][col] = c
	s.version++
}

func (s *Screen) eraseInLine(row, mode int, a Attr) {
	if row < 0 || row >= s.Rows {
		return
	}
	line := s.grid[row]
	switch mode {
	case 0: // cursor to end
		for c := s.CursorCol; c < s.Cols; c++ {
			line[c] = blank(a)
		}
	case 1: // start to cursor
		for c := 0; c <= s.CursorCol && c < s.Cols; c++ {
			line[c] = blank(a)
		}
	case 2: // whole line
		for c := range line {
			line[c] = blank(a)
		}
	}
	s.version++
}

func (s *Screen) eraseInDisplay(mode int, a Attr) {
	switch mode {
	case 0:
		s.eraseInLine(s.CursorRow, 0, a)
		for r := s.CursorRow + 1; r < s.Rows; r++ {
			s.eraseInLine(r, 2, a)
		}
	case 1:
		s.eraseInLine(s.CursorRow, 1, a)
		for r := 0; r < s.CursorRow; r++ {
			s.eraseInLine(r, 2, a)
		}
	case 2, 3:
		for r := 0; r < s.Rows; r++ {
			s.eraseInLine(r, 2, a)
		}
	}
}

// scrollUp pushes the top line of the grid into scrollback and shifts
// everything up by one, filling the new bottom line with blanks.
//
// scrollback is a capacity-bounded FIFO in the spirit of
// floegence-floeterm's TerminalRingBuffer, simplified to a trimmed slice
// rather than an explicit head/tail index pair since a terminal line is a
// single growable []Cell, not a fixed-size chunk.
func (s *Screen) scrollUp(a Attr) {
	if s.scrollbackCap > 0 {
		cp := make([]Cell, len(s.grid[0]))
		copy(cp, s.grid[0])
		s.scrollback = append(s.scrollback, cp)
		if len(s.scrollback) > s.scrollbackCap {
			s.scrollback = s.scrollback[len(s.scrollback)-s.scrollbackCap:]
		}
	}
	copy(s.grid, s.grid[1:])
	s.grid[s.Rows-1] = newRow(s.Cols)
	for i := range s.grid[s.Rows-1] {
		s.grid[s.Rows-1][i] = blank(a)
	}
	s.version++
}
