// Package testutil provides mocks and fakes shared by package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal/host"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/persistence"
)

// MockAdapter is a testify mock of host.Adapter.
type MockAdapter struct {
	mock.Mock
}

var _ host.Adapter = (*MockAdapter)(nil)

func (m *MockAdapter) Name() string {
	return m.Called().String(0)
}

func (m *MockAdapter) Address(id string) string {
	return m.Called(id).String(0)
}

func (m *MockAdapter) CreateCommand(id, cwd string, cols, rows int) []string {
	return m.Called(id, cwd, cols, rows).Get(0).([]string)
}

func (m *MockAdapter) AttachCommand(id string) []string {
	return m.Called(id).Get(0).([]string)
}

func (m *MockAdapter) HasSession(ctx context.Context, id string) bool {
	return m.Called(ctx, id).Bool(0)
}

func (m *MockAdapter) KillSession(ctx context.Context, id string) bool {
	return m.Called(ctx, id).Bool(0)
}

func (m *MockAdapter) Prune(ctx context.Context, id string) bool {
	return m.Called(ctx, id).Bool(0)
}

func (m *MockAdapter) ListSessions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockAdapter) IsAvailable() bool {
	return m.Called().Bool(0)
}

func (m *MockAdapter) RedrawsOnAttach() bool {
	return m.Called().Bool(0)
}

// NewMockAdapter creates a mock adapter named "mock" that reports itself
// available and replays scrollback. Tests add expectations for the rest.
func NewMockAdapter(t *testing.T) *MockAdapter {
	t.Helper()
	m := new(MockAdapter)
	m.On("Name").Return("mock").Maybe()
	m.On("IsAvailable").Return(true).Maybe()
	m.On("RedrawsOnAttach").Return(false).Maybe()
	return m
}

// MockStore is a testify mock of the terminal metadata store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Upsert(ctx context.Context, rec persistence.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) List(ctx context.Context) ([]persistence.Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]persistence.Record), args.Error(1)
}

// FakeHost is a host.Adapter that runs plain shell commands instead of a
// real session host. Whether a "host session" exists is a flag the test
// controls, which lets tests drive every exit classification.
type FakeHost struct {
	Dir string

	// Create and Attach are the command lines handed to the PTY.
	Create []string
	Attach []string

	alive atomic.Bool

	mu     sync.Mutex
	killed []string
}

var _ host.Adapter = (*FakeHost)(nil)

// NewFakeHost returns a fake host whose create and attach commands run
// cat, echoing input back as output. Sessions start out alive.
func NewFakeHost(t *testing.T) *FakeHost {
	t.Helper()
	f := &FakeHost{
		Dir:    t.TempDir(),
		Create: []string{"/bin/sh", "-c", "echo ready; exec cat"},
		Attach: []string{"/bin/sh", "-c", "echo reattached; exec cat"},
	}
	f.alive.Store(true)
	return f
}

// SetAlive controls what HasSession reports.
func (f *FakeHost) SetAlive(alive bool) { f.alive.Store(alive) }

// Killed returns the ids passed to KillSession.
func (f *FakeHost) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *FakeHost) Name() string { return "fake" }

func (f *FakeHost) Address(id string) string { return filepath.Join(f.Dir, id+".sock") }

func (f *FakeHost) CreateCommand(id, cwd string, cols, rows int) []string { return f.Create }

func (f *FakeHost) AttachCommand(id string) []string { return f.Attach }

func (f *FakeHost) HasSession(ctx context.Context, id string) bool { return f.alive.Load() }

func (f *FakeHost) KillSession(ctx context.Context, id string) bool {
	f.mu.Lock()
	f.killed = append(f.killed, id)
	f.mu.Unlock()
	f.alive.Store(false)
	_ = os.Remove(f.Address(id))
	return true
}

// Prune removes the fake socket file; the fake has no processes to spare.
func (f *FakeHost) Prune(ctx context.Context, id string) bool {
	_ = os.Remove(f.Address(id))
	return true
}

func (f *FakeHost) ListSessions(ctx context.Context) ([]string, error) { return nil, nil }

func (f *FakeHost) IsAvailable() bool { return true }

func (f *FakeHost) RedrawsOnAttach() bool { return false }
