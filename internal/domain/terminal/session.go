package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal/host"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal/scrollback"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
)

const (
	readChunk = 4096

	// detachWait bounds how long Detach and Kill wait for the local
	// client's goroutines to wind down.
	detachWait = 2 * time.Second
	// drainWait is how long the waiter lets the reader flush after the
	// client exits, before closing the PTY under it.
	drainWait = time.Second
)

// Session is one terminal: a PTY running a host create or attach command,
// plus the metadata and scrollback that outlive that PTY.
//
// A session is "attached" while it holds a PTY. Detaching ends only the
// local client; the host keeps the shell alive and a later Attach resumes
// it. Each PTY gets a generation number so goroutines of a replaced PTY
// cannot change the state of its successor.
type Session struct {
	id        string
	cwd       string
	createdAt time.Time

	adapter  host.Adapter
	buffer   *scrollback.Buffer
	listener Listener
	logger   *zap.Logger

	// lifecycle serializes Start, Attach, Detach and Kill.
	lifecycle sync.Mutex
	// writeMu orders input and lets Kill wait out an in-flight write.
	writeMu sync.Mutex
	// outMu is held while a chunk goes to the scrollback and the listener,
	// and by AttachFunc while it hands out a scrollback snapshot.
	outMu sync.Mutex

	mu            sync.Mutex
	name          string
	cols          int
	rows          int
	tabID         string
	positionInTab *int
	status        Status
	exitCode      *int
	attached      bool
	generation    uint64
	ptmx          *os.File
	cmd           *exec.Cmd
	done          chan struct{}
}

type sessionParams struct {
	ID            string
	Name          string
	Cwd           string
	Cols          int
	Rows          int
	TabID         string
	PositionInTab *int
	CreatedAt     time.Time
	Status        Status
	ExitCode      *int
}

func newSession(p sessionParams, adapter host.Adapter, buffer *scrollback.Buffer, listener Listener, logger *zap.Logger) *Session {
	if p.Status == "" {
		p.Status = StatusRunning
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return &Session{
		id:            p.ID,
		cwd:           p.Cwd,
		createdAt:     p.CreatedAt,
		adapter:       adapter,
		buffer:        buffer,
		listener:      listener,
		logger:        logger.With(logging.TerminalID(p.ID)),
		name:          p.Name,
		cols:          p.Cols,
		rows:          p.Rows,
		tabID:         p.TabID,
		positionInTab: p.PositionInTab,
		status:        p.Status,
		exitCode:      p.ExitCode,
	}
}

// ID returns the terminal id.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session's descriptor.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:            s.id,
		Name:          s.name,
		Cwd:           s.cwd,
		Status:        s.status,
		Cols:          s.cols,
		Rows:          s.rows,
		CreatedAt:     s.createdAt,
		TabID:         s.tabID,
		PositionInTab: s.positionInTab,
		Attached:      s.attached,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

// Attached reports whether the session currently holds a PTY.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Buffer returns the retained scrollback.
func (s *Session) Buffer() []byte {
	return s.buffer.Contents()
}

// Start spawns the host create command. On failure the session moves to
// the error state and the listener hears about it once.
func (s *Session) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	argv := s.adapter.CreateCommand(s.id, s.cwd, s.cols, s.rows)
	err := s.spawnLocked(argv)
	if err != nil {
		info := s.failLocked(err)
		s.mu.Unlock()
		s.listener.OnExit(info)
		return err
	}
	s.mu.Unlock()

	s.logger.Info("Terminal started", logging.Backend(s.adapter.Name()), zap.String("cwd", s.cwd))
	return nil
}

// Attach makes sure the session holds a PTY, reattaching to the host
// session if needed. It is a no-op when already attached. If the host
// session has disappeared the terminal is marked exited and
// ErrStaleSession is returned.
func (s *Session) Attach(ctx context.Context) error {
	return s.AttachFunc(ctx, nil)
}

// AttachFunc is Attach, followed on success by a call to fn with the
// scrollback. Output delivery is paused from before the spawn until fn
// returns, so a viewer registered in fn misses nothing and sees nothing
// twice.
func (s *Session) AttachFunc(ctx context.Context, fn func(buffer []byte)) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if err := s.attachLocked(ctx); err != nil {
		return err
	}
	if fn != nil {
		fn(s.buffer.Contents())
	}
	return nil
}

// attachLocked does the work of Attach. Caller holds lifecycle and outMu.
func (s *Session) attachLocked(ctx context.Context) error {
	s.mu.Lock()
	attached, status := s.attached, s.status
	s.mu.Unlock()

	if attached {
		return nil
	}
	if status != StatusRunning {
		return ErrNotRunning
	}

	alive := s.adapter.HasSession(ctx, s.id)

	s.mu.Lock()
	if !alive {
		code := 0
		s.status = StatusExited
		s.exitCode = &code
		info := s.infoLocked()
		s.mu.Unlock()

		s.logger.Info("Host session gone, marking terminal exited")
		s.listener.OnExit(info)
		return ErrStaleSession
	}

	if err := s.buffer.Load(); err != nil {
		s.logger.Warn("Failed to load scrollback", zap.Error(err))
	}

	err := s.spawnLocked(s.adapter.AttachCommand(s.id))
	if err != nil {
		info := s.failLocked(err)
		s.mu.Unlock()
		s.listener.OnExit(info)
		return err
	}
	s.mu.Unlock()

	s.logger.Info("Terminal reattached")
	return nil
}

// Detach ends the local client and saves the scrollback. The host session
// keeps running. The save happens after the reader has drained, so output
// produced right up to the detach is persisted.
func (s *Session) Detach() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.writeMu.Lock()
	ptmx, cmd, done := s.releaseLocalClient()
	s.writeMu.Unlock()

	if ptmx != nil {
		stopClient(ptmx, cmd, done)
	}

	saveErr := s.buffer.Save()
	if saveErr != nil {
		s.logger.Warn("Failed to save scrollback", zap.Error(saveErr))
	}
	if ptmx != nil {
		s.logger.Info("Terminal detached")
	}
	return saveErr
}

// Write forwards input to the PTY. Input for a terminal that is not
// running, or not attached, is dropped.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	ptmx := s.ptmx
	ok := s.status == StatusRunning && s.attached
	s.mu.Unlock()

	if !ok || ptmx == nil {
		return nil
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to terminal: %w", err)
	}
	return nil
}

// Resize records the geometry and applies it to the PTY when attached.
// Resizing a terminal that is not running is silently ignored.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return ErrInvalidSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return nil
	}
	s.cols, s.rows = cols, rows
	if !s.attached || s.ptmx == nil {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Rename changes the display name.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Kill ends the local client and the host session and deletes the
// scrollback file. The terminal ends up exited.
func (s *Session) Kill(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.writeMu.Lock()
	ptmx, cmd, done := s.releaseLocalClient()
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusExited
	}
	if s.exitCode == nil {
		code := 0
		s.exitCode = &code
	}
	s.mu.Unlock()
	s.writeMu.Unlock()

	if ptmx != nil {
		stopClient(ptmx, cmd, done)
	}
	if !s.adapter.KillSession(ctx, s.id) {
		s.logger.Warn("Host session kill failed")
	}
	if err := s.buffer.Delete(); err != nil {
		s.logger.Warn("Failed to delete scrollback", zap.Error(err))
	}
	s.logger.Info("Terminal killed")
}

// releaseLocalClient detaches the current PTY from the session state and
// invalidates its goroutines. It returns nils when nothing was attached.
func (s *Session) releaseLocalClient() (*os.File, *exec.Cmd, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached {
		return nil, nil, nil
	}
	s.generation++
	ptmx, cmd, done := s.ptmx, s.cmd, s.done
	s.attached = false
	s.ptmx, s.cmd, s.done = nil, nil, nil
	return ptmx, cmd, done
}

func stopClient(ptmx *os.File, cmd *exec.Cmd, done chan struct{}) {
	ptmx.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(detachWait):
	}
}

// spawnLocked starts argv on a new PTY. Caller holds s.mu.
func (s *Session) spawnLocked(argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty host command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(s.rows),
		Cols: uint16(s.cols),
	})
	if err != nil {
		return fmt.Errorf("failed to start PTY: %w", err)
	}

	s.generation++
	gen := s.generation
	done := make(chan struct{})
	readDone := make(chan struct{})

	s.ptmx, s.cmd, s.done = ptmx, cmd, done
	s.attached = true

	go s.readOutput(ptmx, readDone)
	go s.waitClient(gen, cmd, ptmx, readDone, done)
	return nil
}

// failLocked moves the session to the error state. Caller holds s.mu.
func (s *Session) failLocked(err error) Info {
	code := spawnFailedCode
	s.status = StatusError
	s.exitCode = &code
	s.logger.Error("Failed to spawn terminal", zap.Error(err))
	return s.infoLocked()
}

// readOutput copies PTY output into the scrollback and the listener.
// A trailing partial UTF-8 sequence is held back for the next read so
// chunks never split a rune.
func (s *Session) readOutput(ptmx *os.File, readDone chan<- struct{}) {
	defer close(readDone)

	buf := make([]byte, readChunk+utf8.UTFMax)
	carry := 0
	for {
		n, err := ptmx.Read(buf[carry : carry+readChunk])
		if n > 0 {
			end := carry + n
			cut := completeRunes(buf[:end])
			if cut > 0 {
				s.emit(buf[:cut])
			}
			carry = copy(buf, buf[cut:end])
		}
		if err != nil {
			if carry > 0 {
				s.emit(buf[:carry])
			}
			return
		}
	}
}

func (s *Session) emit(p []byte) {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.buffer.Append(chunk)
	s.listener.OnOutput(s.id, chunk)
}

// waitClient reaps the local client and decides what its exit means: if
// the host session is still alive the terminal is merely detached,
// otherwise it has exited.
func (s *Session) waitClient(gen uint64, cmd *exec.Cmd, ptmx *os.File, readDone <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	waitErr := cmd.Wait()
	select {
	case <-readDone:
	case <-time.After(drainWait):
	}
	ptmx.Close()
	<-readDone

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.attached = false
	s.ptmx, s.cmd, s.done = nil, nil, nil
	s.generation++
	checkGen := s.generation
	s.mu.Unlock()

	code := exitCode(waitErr, cmd.ProcessState)
	alive := s.adapter.HasSession(context.Background(), s.id)

	s.mu.Lock()
	if checkGen != s.generation || s.status != StatusRunning {
		// Reattached or killed while checking.
		s.mu.Unlock()
		return
	}
	if alive {
		info := s.infoLocked()
		s.mu.Unlock()
		s.logger.Info("Terminal client exited, host session still running", zap.Int("client_exit_code", code))
		if err := s.buffer.Save(); err != nil {
			s.logger.Warn("Failed to save scrollback", zap.Error(err))
		}
		s.listener.OnDetach(info)
		return
	}
	s.status = StatusExited
	s.exitCode = &code
	info := s.infoLocked()
	s.mu.Unlock()

	if err := s.buffer.Save(); err != nil {
		s.logger.Warn("Failed to save scrollback", zap.Error(err))
	}
	s.logger.Info("Terminal exited", zap.Int("exit_code", code))
	s.listener.OnExit(info)
}

// exitCode maps a wait result to a shell-style exit code: the process's
// own code, or 128+signal when it was killed by a signal.
func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return state.ExitCode()
	}
	if err != nil {
		return spawnFailedCode
	}
	return 0
}

// completeRunes returns the length of the longest prefix of p that does
// not end inside a UTF-8 sequence. Invalid bytes count as complete.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
