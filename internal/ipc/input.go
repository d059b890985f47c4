package ipc

import (
	"github.com/rockorager/prise/internal/proto"
	"github.com/rockorager/prise/internal/ptyworker"
)

// toPTYInput translates a wire Input request into the PTY worker's event
// shape. The two enums are declared independently (proto must not import
// ptyworker) so their orderings are not guaranteed to match; translate by
// value, not by casting.
func toPTYInput(req *proto.Request) ptyworker.InputEvent {
	ev := ptyworker.InputEvent{Cols: req.Cols, Rows: req.Rows}
	switch req.InputKnd {
	case proto.InputKey:
		ev.Kind = ptyworker.InputKey
		ev.Data = req.KeyData
	case proto.InputMouse:
		ev.Kind = ptyworker.InputMouse
		ev.Data = req.KeyData
	case proto.InputPaste:
		ev.Kind = ptyworker.InputPaste
		ev.Data = req.KeyData
	case proto.InputFocus:
		ev.Kind = ptyworker.InputFocus
		ev.Data = req.KeyData
	case proto.InputResize:
		ev.Kind = ptyworker.InputResize
	}
	return ev
}
