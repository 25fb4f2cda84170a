package host

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

const socketSuffix = ".sock"

// dtach client flags: no detach key (-E), no suspend key (-z), and redraw
// by sending SIGWINCH on attach (-r winch).
var dtachClientFlags = []string{"-E", "-z", "-r", "winch"}

// Dtach keeps one dtach master per terminal, each listening on its own
// socket under dir.
type Dtach struct {
	dir       string
	shell     string
	runner    Runner
	dialer    net.Dialer
	available bool
}

// NewDtach returns a dtach adapter. PATH is searched once, here.
func NewDtach(dir, shell string, runner Runner) *Dtach {
	return &Dtach{
		dir:       dir,
		shell:     shell,
		runner:    runner,
		dialer:    net.Dialer{Timeout: time.Second},
		available: binaryAvailable("dtach"),
	}
}

func (d *Dtach) Name() string { return "dtach" }

func (d *Dtach) Address(id string) string {
	return filepath.Join(d.dir, id+socketSuffix)
}

// CreateCommand runs `dtach -c`, which forks the master and stays attached
// as the first client. Geometry comes from the PTY the command runs in.
func (d *Dtach) CreateCommand(id, cwd string, cols, rows int) []string {
	argv := []string{"dtach", "-c", d.Address(id)}
	argv = append(argv, dtachClientFlags...)
	return append(argv, d.shell)
}

func (d *Dtach) AttachCommand(id string) []string {
	script := `stty -echoctl 2>/dev/null; exec dtach -a "$1" ` + strings.Join(dtachClientFlags, " ")
	return []string{"sh", "-c", script, "termhost-attach", d.Address(id)}
}

// HasSession checks that the socket exists and a master accepts on it.
// A socket left behind by a dead master refuses the connection.
func (d *Dtach) HasSession(ctx context.Context, id string) bool {
	path := d.Address(id)
	info, err := os.Stat(path)
	if err != nil || info.Mode()&fs.ModeSocket == 0 {
		return false
	}

	conn, err := d.dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// KillSession hangs up every process started against the socket (the
// master and any attached clients), then removes the socket.
func (d *Dtach) KillSession(ctx context.Context, id string) bool {
	path := d.Address(id)
	pattern := "dtach -[ca] " + regexp.QuoteMeta(path)

	// pkill exits 1 when nothing matched, which just means it is gone.
	_, _ = d.runner.Run(ctx, "kill-session", []string{"pkill", "-HUP", "-f", "--", pattern})

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return true
}

// Prune removes the socket only when it is missing its master: the file is
// not a socket, or connecting is refused. A timeout or any other dial
// error leaves it in place.
func (d *Dtach) Prune(ctx context.Context, id string) bool {
	path := d.Address(id)
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}

	if info.Mode()&fs.ModeSocket != 0 {
		conn, err := d.dialer.DialContext(ctx, "unix", path)
		if err == nil {
			conn.Close()
			return false
		}
		if !errors.Is(err, syscall.ECONNREFUSED) {
			return false
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return true
}

// ListSessions returns the terminal ids of sockets in the socket directory.
// Stale sockets are included; callers confirm with HasSession.
func (d *Dtach) ListSessions(ctx context.Context) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(d.dir), "*"+socketSuffix)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		tid := strings.TrimSuffix(match, socketSuffix)
		if id.IsTerminalID(tid) {
			ids = append(ids, tid)
		}
	}
	return ids, nil
}

func (d *Dtach) IsAvailable() bool { return d.available }

func (d *Dtach) RedrawsOnAttach() bool { return false }
