package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal/host"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal/scrollback"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/persistence"
	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

// Store mirrors terminal metadata. It is never consulted for liveness.
type Store interface {
	Upsert(ctx context.Context, rec persistence.Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]persistence.Record, error)
}

// Settings configures a Manager.
type Settings struct {
	BufferDir       string
	ScrollbackBytes int
	// WorkDir is the base for relative and empty working directories.
	// Empty falls back to $HOME.
	WorkDir string
}

// Manager is the process-wide registry of terminals. Create, Destroy and
// lookups are atomic with respect to each other.
type Manager struct {
	adapter  host.Adapter
	settings Settings
	store    Store
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	listener Listener
}

// NewManager creates a registry over the given host adapter.
func NewManager(adapter host.Adapter, settings Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ScrollbackBytes <= 0 {
		settings.ScrollbackBytes = scrollback.DefaultMaxBytes
	}
	return &Manager{
		adapter:  adapter,
		settings: settings,
		logger:   logger.With(logging.Backend(adapter.Name())),
		sessions: make(map[string]*Session),
	}
}

// WithStore enables the metadata mirror.
func (m *Manager) WithStore(store Store) *Manager {
	m.store = store
	return m
}

// WithMetrics adds metrics collection to the manager.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// SetListener routes output and exit events of every terminal to l.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Available reports whether the configured host binary can be used.
func (m *Manager) Available() bool {
	return m.adapter.IsAvailable()
}

// Backend names the configured host.
func (m *Manager) Backend() string {
	return m.adapter.Name()
}

// Create registers and starts a new terminal. A spawn failure still
// leaves the terminal registered, in the error state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Info, error) {
	if !m.adapter.IsAvailable() {
		return Info{}, ErrUnavailable
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	if cols < 0 || rows < 0 || cols > 0xffff || rows > 0xffff {
		return Info{}, ErrInvalidSize
	}

	cwd, err := m.resolveCwd(req.Cwd)
	if err != nil {
		return Info{}, err
	}

	tid := id.NewTerminalID().String()

	m.mu.Lock()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Terminal %d", len(m.sessions)+1)
	}
	session := m.newSessionLocked(sessionParams{
		ID:            tid,
		Name:          name,
		Cwd:           cwd,
		Cols:          cols,
		Rows:          rows,
		TabID:         req.TabID,
		PositionInTab: req.PositionInTab,
	})
	m.sessions[tid] = session
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.IncTerminalsCreated()
	m.metrics.SetTerminalsActive(count)
	m.mirror(ctx, session.Info())

	if req.OnRegistered != nil {
		req.OnRegistered(session.Info())
	}

	if err := session.Start(); err != nil {
		m.logger.Warn("Terminal failed to start", logging.TerminalID(tid), zap.Error(err))
	}
	return session.Info(), nil
}

// Get returns the terminal with id.
func (m *Manager) Get(tid string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tid)
	}
	return session, nil
}

// List returns every terminal, grouped by tab and ordered by position,
// then creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.TabID != b.TabID {
			return a.TabID < b.TabID
		}
		if pa, pb := position(a), position(b); pa != pb {
			return pa < pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return infos
}

func position(info Info) int {
	if info.PositionInTab == nil {
		return int(^uint(0) >> 1)
	}
	return *info.PositionInTab
}

// Destroy removes the terminal from the registry and kills it, waiting for
// any in-flight write to finish first.
func (m *Manager) Destroy(ctx context.Context, tid string) error {
	m.mu.Lock()
	session, ok := m.sessions[tid]
	if ok {
		delete(m.sessions, tid)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tid)
	}

	session.Kill(ctx)
	m.metrics.SetTerminalsActive(count)
	if m.store != nil {
		if err := m.store.Delete(ctx, tid); err != nil {
			m.logger.Warn("Failed to delete terminal record", logging.TerminalID(tid), zap.Error(err))
		}
	}
	return nil
}

// Write sends input to a terminal.
func (m *Manager) Write(tid string, data []byte) error {
	session, err := m.Get(tid)
	if err != nil {
		return err
	}
	return session.Write(data)
}

// Resize changes a terminal's geometry.
func (m *Manager) Resize(ctx context.Context, tid string, cols, rows int) error {
	session, err := m.Get(tid)
	if err != nil {
		return err
	}
	if err := session.Resize(cols, rows); err != nil {
		return err
	}
	m.mirror(ctx, session.Info())
	return nil
}

// Rename changes a terminal's display name.
func (m *Manager) Rename(ctx context.Context, tid, name string) (Info, error) {
	session, err := m.Get(tid)
	if err != nil {
		return Info{}, err
	}
	session.Rename(name)
	info := session.Info()
	m.mirror(ctx, info)
	return info, nil
}

// Attach makes sure the terminal holds a PTY and returns what a viewer
// needs to resume it.
func (m *Manager) Attach(ctx context.Context, tid string) (AttachResult, error) {
	return m.AttachFunc(ctx, tid, nil)
}

// AttachFunc is Attach, calling fn with the result before any output
// produced after the scrollback snapshot is delivered. fn must not call
// back into the terminal.
func (m *Manager) AttachFunc(ctx context.Context, tid string, fn func(AttachResult)) (AttachResult, error) {
	session, err := m.Get(tid)
	if err != nil {
		return AttachResult{}, err
	}

	replay := !m.adapter.RedrawsOnAttach()
	var result AttachResult
	err = session.AttachFunc(ctx, func(buffer []byte) {
		result = AttachResult{Info: session.Info(), Replay: replay}
		if replay {
			result.Buffer = buffer
		}
		if fn != nil {
			fn(result)
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleSession):
			m.metrics.RecordAttach("stale")
		case errors.Is(err, ErrNotRunning):
			m.metrics.RecordAttach("not_running")
		default:
			m.metrics.RecordAttach("error")
		}
		return AttachResult{Info: session.Info()}, err
	}
	m.metrics.RecordAttach("ok")
	return result, nil
}

// Detach ends the local client of a terminal, leaving the host session.
func (m *Manager) Detach(tid string) error {
	session, err := m.Get(tid)
	if err != nil {
		return err
	}
	return session.Detach()
}

// Restore rebuilds the registry after a restart. Mirrored terminals whose
// host session survived come back detached; the rest are forgotten along
// with their scrollback. Host sessions with no mirrored metadata are
// adopted under a generated name.
//
// Restore never kills: a host that is merely slow to answer looks dead, so
// only provably dead leftovers are pruned.
func (m *Manager) Restore(ctx context.Context) error {
	var records []persistence.Record
	if m.store != nil {
		var err error
		records, err = m.store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load terminal records: %w", err)
		}
	}

	known := make(map[string]bool, len(records))
	restored, dropped := 0, 0

	for _, rec := range records {
		known[rec.ID] = true
		if !m.adapter.HasSession(ctx, rec.ID) {
			m.forget(ctx, rec.ID)
			dropped++
			continue
		}
		m.register(sessionParams{
			ID:            rec.ID,
			Name:          rec.Name,
			Cwd:           rec.Cwd,
			Cols:          rec.Cols,
			Rows:          rec.Rows,
			TabID:         rec.TabID,
			PositionInTab: rec.PositionInTab,
			CreatedAt:     rec.CreatedAt,
		})
		restored++
	}

	live, err := m.adapter.ListSessions(ctx)
	if err != nil {
		m.logger.Warn("Failed to list host sessions", zap.Error(err))
	}
	adopted := 0
	for _, tid := range live {
		if known[tid] {
			continue
		}
		if !m.adapter.HasSession(ctx, tid) {
			m.adapter.Prune(ctx, tid)
			continue
		}
		createdAt, _ := id.Timestamp(tid)
		info := m.register(sessionParams{
			ID:        tid,
			Name:      "Recovered " + shortID(tid),
			Cwd:       m.baseDir(),
			Cols:      DefaultCols,
			Rows:      DefaultRows,
			CreatedAt: createdAt,
		})
		m.mirror(ctx, info)
		adopted++
	}

	m.mu.RLock()
	count := len(m.sessions)
	m.mu.RUnlock()
	m.metrics.SetTerminalsActive(count)

	m.logger.Info("Terminals restored",
		zap.Int("restored", restored),
		zap.Int("adopted", adopted),
		zap.Int("dropped", dropped),
	)
	return nil
}

// Shutdown detaches every terminal so scrollback is on disk and host
// sessions outlive the process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	var errs []error
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := session.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", session.ID(), err))
		}
		m.mirror(ctx, session.Info())
	}
	return errors.Join(errs...)
}

// OnOutput implements Listener for the sessions the manager owns.
func (m *Manager) OnOutput(tid string, data []byte) {
	if l := m.currentListener(); l != nil {
		l.OnOutput(tid, data)
	}
}

// OnExit implements Listener for the sessions the manager owns.
func (m *Manager) OnExit(info Info) {
	m.metrics.RecordTerminalExit(string(info.Status))
	m.mirror(context.Background(), info)
	if l := m.currentListener(); l != nil {
		l.OnExit(info)
	}
}

// OnDetach implements Listener for the sessions the manager owns.
func (m *Manager) OnDetach(info Info) {
	m.mirror(context.Background(), info)
	if l := m.currentListener(); l != nil {
		l.OnDetach(info)
	}
}

func (m *Manager) currentListener() Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener
}

func (m *Manager) register(p sessionParams) Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.newSessionLocked(p)
	m.sessions[p.ID] = session
	return session.Info()
}

func (m *Manager) newSessionLocked(p sessionParams) *Session {
	buffer := scrollback.New(scrollback.Path(m.settings.BufferDir, p.ID), m.settings.ScrollbackBytes)
	return newSession(p, m.adapter, buffer, m, m.logger)
}

// forget drops a dead terminal's record and scrollback, and prunes what the
// host left behind.
func (m *Manager) forget(ctx context.Context, tid string) {
	if !m.adapter.Prune(ctx, tid) {
		m.logger.Warn("Host leftovers kept, session may still be alive", logging.TerminalID(tid))
	}
	buffer := scrollback.New(scrollback.Path(m.settings.BufferDir, tid), m.settings.ScrollbackBytes)
	if err := buffer.Delete(); err != nil {
		m.logger.Warn("Failed to delete scrollback", logging.TerminalID(tid), zap.Error(err))
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, tid); err != nil {
			m.logger.Warn("Failed to delete terminal record", logging.TerminalID(tid), zap.Error(err))
		}
	}
}

func (m *Manager) mirror(ctx context.Context, info Info) {
	if m.store == nil {
		return
	}
	// The mirror must not be skipped because the triggering request ended.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	rec := persistence.Record{
		ID:            info.ID,
		Name:          info.Name,
		Cwd:           info.Cwd,
		Cols:          info.Cols,
		Rows:          info.Rows,
		Status:        string(info.Status),
		ExitCode:      info.ExitCode,
		CreatedAt:     info.CreatedAt,
		TabID:         info.TabID,
		PositionInTab: info.PositionInTab,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		m.logger.Warn("Failed to mirror terminal metadata", logging.TerminalID(info.ID), zap.Error(err))
	}
}

func (m *Manager) baseDir() string {
	if m.settings.WorkDir != "" {
		return m.settings.WorkDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

// resolveCwd makes cwd absolute against the base directory and checks
// that it is an existing directory.
func (m *Manager) resolveCwd(cwd string) (string, error) {
	base := m.baseDir()
	switch {
	case cwd == "":
		cwd = base
	case strings.HasPrefix(cwd, "~"):
		if home, err := os.UserHomeDir(); err == nil {
			cwd = filepath.Join(home, strings.TrimPrefix(cwd, "~"))
		}
	case !filepath.IsAbs(cwd):
		cwd = filepath.Join(base, cwd)
	}
	cwd = filepath.Clean(cwd)

	info, err := os.Stat(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCwd, cwd)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidCwd, cwd)
	}
	return cwd, nil
}

func shortID(tid string) string {
	if len(tid) > 8 {
		return tid[len(tid)-8:]
	}
	return tid
}
