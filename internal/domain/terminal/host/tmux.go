package host

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

// SessionPrefix namespaces tmux sessions owned by this service.
const SessionPrefix = "termhost-"

// Tmux runs one dedicated tmux server on a socket under dir, with one named
// session per terminal. The user's own tmux server is never touched.
type Tmux struct {
	socket    string
	config    string
	shell     string
	runner    Runner
	available bool
}

// NewTmux returns a tmux adapter. An empty config loads nothing, so a
// user's ~/.tmux.conf cannot change key bindings under the browser.
func NewTmux(dir, shell, config string, runner Runner) *Tmux {
	if config == "" {
		config = os.DevNull
	}
	return &Tmux{
		socket:    filepath.Join(dir, "tmux.sock"),
		config:    config,
		shell:     shell,
		runner:    runner,
		available: binaryAvailable("tmux"),
	}
}

func (t *Tmux) Name() string { return "tmux" }

func (t *Tmux) Address(id string) string {
	return SessionPrefix + id
}

// target matches the session name exactly rather than by prefix.
func (t *Tmux) target(id string) string {
	return "=" + t.Address(id)
}

// CreateCommand uses new-session -A so a retried create attaches instead
// of failing on the duplicate name. -f only matters when this call starts
// the server.
//
// The chained set-option commands turn off both prefix keys, so no key
// sequence typed in the browser can detach the client, and hide the status
// line so the shell gets every row of the PTY.
func (t *Tmux) CreateCommand(id, cwd string, cols, rows int) []string {
	target := t.target(id)
	return []string{
		"tmux", "-S", t.socket, "-f", t.config,
		"new-session", "-A",
		"-s", t.Address(id),
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
		"-c", cwd,
		t.shell,
		";", "set-option", "-t", target, "prefix", "None",
		";", "set-option", "-t", target, "prefix2", "None",
		";", "set-option", "-t", target, "status", "off",
	}
}

func (t *Tmux) AttachCommand(id string) []string {
	script := `stty -echoctl 2>/dev/null; exec tmux -S "$1" attach-session -t "$2"`
	return []string{"sh", "-c", script, "termhost-attach", t.socket, t.target(id)}
}

func (t *Tmux) HasSession(ctx context.Context, id string) bool {
	_, err := t.runner.Run(ctx, "has-session", t.command("has-session", "-t", t.target(id)))
	return err == nil
}

// KillSession tolerates sessions and servers that are already gone.
func (t *Tmux) KillSession(ctx context.Context, id string) bool {
	out, err := t.runner.Run(ctx, "kill-session", t.command("kill-session", "-t", t.target(id)))
	return err == nil || isGone(string(out))
}

// Prune has nothing to remove: tmux drops a dead session itself.
func (t *Tmux) Prune(ctx context.Context, id string) bool { return true }

func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.runner.Run(ctx, "list-sessions", t.command("list-sessions", "-F", "#{session_name}"))
	if err != nil {
		if isGone(string(out)) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		tid, ok := strings.CutPrefix(strings.TrimSpace(line), SessionPrefix)
		if ok && id.IsTerminalID(tid) {
			ids = append(ids, tid)
		}
	}
	return ids, nil
}

func (t *Tmux) IsAvailable() bool { return t.available }

func (t *Tmux) RedrawsOnAttach() bool { return true }

func (t *Tmux) command(args ...string) []string {
	return append([]string{"tmux", "-S", t.socket}, args...)
}

func isGone(output string) bool {
	return strings.Contains(output, "can't find session") ||
		strings.Contains(output, "no server running") ||
		strings.Contains(output, "error connecting to") ||
		strings.Contains(output, "server exited unexpectedly")
}
