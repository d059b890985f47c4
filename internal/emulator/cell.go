package emulator

// Cell is one grid position: a single rune plus the SGR attributes in
// effect when it was written. A zero Cell is a blank space with default
// attributes.
type Cell struct {
	Rune rune
	Attr Attr
}

// Attr holds the SGR (Select Graphic Rendition) attribute state that
// applies to a cell. Colors use the 256-color palette index; -1 means
// "default foreground/background."
type Attr struct {
	FG        int16
	BG        int16
	Bold      bool
	Dim       bool
	Italic    bool
	Underline bool
	Reverse   bool
	Blink     bool
}

func defaultAttr() Attr { return Attr{FG: -1, BG: -1} }

// blank returns the Cell a clear/erase operation fills with, carrying the
// current attribute (background color survives an erase, per ECMA-48).
func blank(a Attr) Cell { return Cell{Rune: ' ', Attr: a} }
