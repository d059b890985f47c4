// Package proto defines the wire message types exchanged between a
// client and the daemon over the unix-domain IPC socket (spec §4.5).
//
// Framing is length-prefixed + a version byte + a gob-encoded payload
// (see framing.go) rather than the teacher's newline-delimited JSON: the
// spec calls for "a stable, self-describing binary format," and gob is
// genuinely binary (JSON is text) while still self-describing each
// struct's field layout across versions, which is why it replaces JSON
// here instead of keeping the teacher's wire format verbatim.
package proto

// Envelope wraps every message with a discriminant so the receiver
// knows which concrete type follows without a type switch on the wire
// itself; gob decodes directly into the field matching Kind.
type Envelope struct {
	Kind    MessageKind
	Request *Request  `gob:",omitempty"`
	Resp    *Response `gob:",omitempty"`
	Push    *Push     `gob:",omitempty"`
}

// MessageKind discriminates which of Envelope's three payload fields is
// populated.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
	KindPush
)

// RequestType enumerates the client-to-server request kinds (spec §4.5).
type RequestType int

const (
	ReqHello RequestType = iota
	ReqAttach
	ReqSpawn
	ReqInput
	ReqResizeSplit
	ReqRenameTab
	ReqRenameSession
	ReqDeleteSession
	ReqListSessions
	ReqSwitchSession
	ReqClosePane
	ReqCloseTab
	ReqDetach
	ReqQuit
	ReqListPanes
)

// SplitDirection mirrors layout.Direction without importing internal/layout,
// keeping proto free of a dependency on the session/layout packages.
type SplitDirection int

const (
	SplitHorizontal SplitDirection = iota
	SplitVertical
)

// InputKind enumerates the input event kinds an Input request carries.
type InputKind int

const (
	InputKey InputKind = iota
	InputMouse
	InputPaste
	InputResize
	InputFocus
)

// Request is the payload of every client-to-server message.
type Request struct {
	Type RequestType

	// Hello
	ClientCaps map[string]string

	// Attach
	SessionName string
	LayoutHint  string

	// Spawn
	AnchorPaneID  uint64
	SplitDir      SplitDirection
	NewTab        bool
	Cwd           string

	// Input
	PaneID   uint64
	InputKnd InputKind
	KeyData  []byte
	Cols     int
	Rows     int

	// ResizeSplit
	SplitID  uint64
	ChildIdx int
	Ratio    float64

	// RenameTab / RenameSession (DeleteSession / SwitchSession use
	// SessionName)
	TabIdx  int
	NewName string

	// CloseTab (ClosePane uses PaneID)
	TabIndex int
}

// Response is the payload of a server reply to a Request.
type Response struct {
	Type ResponseType

	ServerCaps map[string]string
	Snapshot   *SessionSnapshot

	Names []string
	Panes []PaneInfo

	ErrKind    string
	ErrMessage string
}

// PaneInfo is one row of a `pty list` response: enough to identify and
// describe a pane without requiring the admin CLI to attach to its
// owning session first.
type PaneInfo struct {
	PaneID      uint64
	SessionName string
	Cwd         string
	Cols, Rows  int
}

// ResponseType enumerates the server-to-client response kinds.
type ResponseType int

const (
	RespHello ResponseType = iota
	RespSessionList
	RespError
	RespAck
	RespPaneList
)

// PushType enumerates the server-push notification kinds.
type PushType int

const (
	PushScreenDelta PushType = iota
	PushPaneAdded
	PushPaneRemoved
	PushLayoutChanged
	PushSessionRenamed
	PushSessionExit
	PushWindowResized
)

// Push is a server-initiated, unsolicited notification.
type Push struct {
	Type PushType

	// ScreenDelta / PaneAdded
	PaneID uint64
	Delta  *ScreenDeltaPayload
	Resync bool // true if Delta carries a full resync frame, not an incremental one

	// LayoutChanged
	Snapshot *SessionSnapshot

	// PaneAdded carries the new pane's own cwd directly, so a client can
	// render it without walking a LayoutChanged snapshot tree.
	Cwd string

	// PaneRemoved
	RemovedPaneID uint64

	// SessionRenamed
	NewName string

	// WindowResized / PaneAdded
	Cols, Rows int
}

// ScreenDeltaPayload is the rendered screen state pushed to subscribed
// clients. Cells is row-major; DirtyRows lists the rows the client should
// redraw (ignored entirely on a Resync frame, where the whole grid must be
// redrawn). The daemon fills it with every row index, so each push
// redraws the whole grid.
type ScreenDeltaPayload struct {
	Cols, Rows int
	Cells      [][]CellPayload
	CursorRow  int
	CursorCol  int
	CursorVis  bool
	DirtyRows  []int
	Version    uint64
}

// CellPayload mirrors emulator.Cell without internal/proto depending on
// internal/emulator.
type CellPayload struct {
	Rune rune
	FG   int16
	BG   int16
	Bold bool
	Dim  bool
	Italic bool
	Underline bool
	Reverse bool
	Blink bool
}

// SessionSnapshot is the full session-tree state sent on Hello/Attach
// and whenever the layout changes wholesale.
type SessionSnapshot struct {
	SessionName string
	Tabs        []TabSnapshot
	FocusTab    int
}

// TabSnapshot is one tab's layout tree, flattened for the wire.
type TabSnapshot struct {
	Name     string
	Root     *NodeSnapshot
	FocusPaneID uint64
}

// NodeSnapshot mirrors layout.Node without internal/proto depending on
// internal/layout: either a leaf (IsSplit false, PaneID set) or an
// internal split (IsSplit true, Children set).
type NodeSnapshot struct {
	IsSplit  bool
	PaneID   uint64
	SplitID  uint64
	Dir      SplitDirection
	Ratio    float64
	Children []*NodeSnapshot
	Cwd      string
}
