package terminal

import (
	"errors"
	"time"
)

// Status is a terminal's lifecycle state. Only running terminals accept
// input; exited and error are final.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusError   Status = "error"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	// spawnFailedCode is reported when the host command never started.
	spawnFailedCode = -1
)

var (
	ErrNotFound     = errors.New("terminal not found")
	ErrStaleSession = errors.New("terminal session no longer exists on host")
	ErrNotRunning   = errors.New("terminal is not running")
	ErrUnavailable  = errors.New("terminal backend unavailable")
	ErrInvalidSize  = errors.New("invalid terminal size")
	ErrInvalidCwd   = errors.New("invalid working directory")
)

// Info is the client-facing descriptor of a terminal.
type Info struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Cwd           string    `json:"cwd"`
	Status        Status    `json:"status"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	CreatedAt     time.Time `json:"createdAt"`
	TabID         string    `json:"tabId,omitempty"`
	PositionInTab *int      `json:"positionInTab,omitempty"`
	Attached      bool      `json:"attached"`
}

// Listener receives session output and status changes. Calls come from
// session goroutines and must not block.
//
// OnDetach fires when the local client goes away on its own while the host
// session survives. Explicit Detach calls do not trigger it.
type Listener interface {
	OnOutput(id string, data []byte)
	OnExit(info Info)
	OnDetach(info Info)
}

// CreateRequest describes a terminal to create.
type CreateRequest struct {
	Name          string
	Cols          int
	Rows          int
	Cwd           string
	TabID         string
	PositionInTab *int

	// OnRegistered runs after the terminal is in the registry and before
	// its process starts, so a caller can subscribe without missing output.
	OnRegistered func(Info)
}

// AttachResult is what a viewer needs to resume a terminal.
type AttachResult struct {
	Info   Info
	Buffer []byte
	// Replay is false when the host repaints the screen on attach; the
	// buffer is then empty.
	Replay bool
}
