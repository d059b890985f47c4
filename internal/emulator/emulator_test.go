package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lineString(snap Snapshot, row int) string {
	b := make([]rune, snap.Cols)
	for c, cell := range snap.Grid[row] {
		if cell.Rune == 0 {
			b[c] = ' '
		} else {
			b[c] = cell.Rune
		}
	}
	return string(b)
}

func TestPlainTextAdvancesCursor(t *testing.T) {
	e := New(10, 4, 0)
	e.Feed([]byte("hi"))
	snap := e.Snapshot()
	assert.Equal(t, "hi        ", lineString(snap, 0))
	assert.Equal(t, 0, snap.CursorRow)
	assert.Equal(t, 2, snap.CursorCol)
}

func TestLineWrapAtColumnEdge(t *testing.T) {
	e := New(4, 3, 0)
	e.Feed([]byte("abcd")) // fills the line exactly, wrap is pending not yet applied
	e.Feed([]byte("e"))    // next char forces the wrap
	snap := e.Snapshot()
	assert.Equal(t, "abcd", lineString(snap, 0))
	assert.Equal(t, "e   ", lineString(snap, 1))
	assert.Equal(t, 1, snap.CursorRow)
	assert.Equal(t, 1, snap.CursorCol)
}

func TestLineFeedScrollsAtBottomRow(t *testing.T) {
	e := New(4, 2, 0)
	e.Feed([]byte("aa\r\nbb\r\ncc"))
	snap := e.Snapshot()
	assert.Equal(t, "bb  ", lineString(snap, 0))
	assert.Equal(t, "cc  ", lineString(snap, 1))
}

func TestCursorPositioningCSI(t *testing.T) {
	e := New(10, 5, 0)
	e.Feed([]byte("\x1b[3;5Hx"))
	snap := e.Snapshot()
	assert.Equal(t, 2, snap.CursorRow) // CUP is 1-indexed
	assert.Equal(t, 5, snap.CursorCol)
	assert.Equal(t, 'x', snap.Grid[2][4].Rune)
}

func TestEraseInLine(t *testing.T) {
	e := New(5, 1, 0)
	e.Feed([]byte("abcde\x1b[3D\x1b[K"))
	snap := e.Snapshot()
	assert.Equal(t, "a    ", lineString(snap, 0))
}

func TestSGRColorState(t *testing.T) {
	e := New(5, 1, 0)
	e.Feed([]byte("\x1b[31;1mX\x1b[0mY"))
	snap := e.Snapshot()
	assert.Equal(t, int16(1), snap.Grid[0][0].Attr.FG)
	assert.True(t, snap.Grid[0][0].Attr.Bold)
	assert.Equal(t, int16(-1), snap.Grid[0][1].Attr.FG)
	assert.False(t, snap.Grid[0][1].Attr.Bold)
}

func TestCursorPositionReportAutoResponds(t *testing.T) {
	e := New(80, 24, 0)
	e.Feed([]byte("\x1b[5;9H"))
	e.Feed([]byte("\x1b[6n"))
	assert.Equal(t, []byte("\x1b[5;9R"), e.AutoRespond)
}

func TestPrimaryDeviceAttributesAutoResponds(t *testing.T) {
	e := New(80, 24, 0)
	e.Feed([]byte("\x1b[c"))
	assert.Equal(t, primaryDeviceAttributes, e.AutoRespond)
}

func TestDirtyRowsTrackedAcrossFeed(t *testing.T) {
	e := New(10, 3, 0)
	d := e.Feed([]byte("x"))
	assert.Equal(t, []int{0}, d.DirtyRows)
	d = e.Feed([]byte("\r\ny"))
	assert.Contains(t, d.DirtyRows, 1)
}

func TestResizePreservesContentWithinBounds(t *testing.T) {
	e := New(4, 2, 0)
	e.Feed([]byte("abcd"))
	e.Resize(6, 3)
	snap := e.Snapshot()
	assert.Equal(t, "abcd  ", lineString(snap, 0))
	assert.Equal(t, 6, snap.Cols)
	assert.Equal(t, 3, snap.Rows)
}
