// Package host drives the external session host that keeps shells alive
// while no client is attached.
//
// Two hosts are supported. dtach gives every terminal its own socket and
// master process. tmux runs one server per socket with a named session per
// terminal. Both are reached only through command lines, so
// the rest of the service never depends on which one is configured.
package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Adapter builds host command lines for a terminal and queries the host.
//
// Address, CreateCommand and AttachCommand are pure functions of their
// arguments. HasSession and KillSession never return errors: a failed or
// timed-out check reads as "no session", a failed kill as "already gone".
// Because a timeout also reads as "no session", a negative HasSession is
// never enough to kill; callers clean up with Prune instead.
type Adapter interface {
	// Name identifies the backend ("dtach" or "tmux").
	Name() string
	// Address is the socket path (dtach) or session name (tmux) for id.
	Address(id string) string
	// CreateCommand starts a new host session running the shell in cwd,
	// with the caller's PTY attached as its first client.
	CreateCommand(id, cwd string, cols, rows int) []string
	// AttachCommand attaches the caller's PTY to an existing host session.
	AttachCommand(id string) []string
	// HasSession reports whether the host session for id still exists.
	HasSession(ctx context.Context, id string) bool
	// KillSession ends the host session for id and removes its socket.
	KillSession(ctx context.Context, id string) bool
	// Prune removes leftovers of a host session that is provably dead,
	// such as a socket nothing listens on. It never signals processes and
	// reports whether nothing of id remains.
	Prune(ctx context.Context, id string) bool
	// ListSessions returns the ids of host sessions this service owns.
	ListSessions(ctx context.Context) ([]string, error)
	// IsAvailable reports whether the host binary was on PATH when the
	// adapter was built.
	IsAvailable() bool
	// RedrawsOnAttach reports whether the host repaints the screen itself
	// on attach. When true, replaying the scrollback would duplicate it.
	RedrawsOnAttach() bool
}

// Options selects and configures an adapter.
type Options struct {
	Backend    string
	SocketDir  string
	Shell      string
	TmuxConfig string
}

// New returns the adapter named by opts.Backend. The socket directory is
// created with owner-only permissions.
func New(opts Options, runner Runner) (Adapter, error) {
	if err := os.MkdirAll(opts.SocketDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	shell := ResolveShell(opts.Shell)

	switch opts.Backend {
	case "dtach":
		return NewDtach(opts.SocketDir, shell, runner), nil
	case "tmux":
		return NewTmux(opts.SocketDir, shell, opts.TmuxConfig, runner), nil
	default:
		return nil, fmt.Errorf("unknown terminal backend %q", opts.Backend)
	}
}

// ResolveShell picks the configured shell, then $SHELL, then /bin/bash.
func ResolveShell(configured string) string {
	if configured != "" {
		return configured
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func binaryAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
