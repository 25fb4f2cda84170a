package terminal

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal/scrollback"
	"github.com/GriffinCanCode/termhost/tests/helpers/testutil"
)

const waitFor = 5 * time.Second

// recorder is a Listener that keeps everything it hears.
type recorder struct {
	mu     sync.Mutex
	output   map[string]*bytes.Buffer
	exits    []Info
	detaches []Info
}

func newRecorder() *recorder {
	return &recorder{output: make(map[string]*bytes.Buffer)}
}

func (r *recorder) OnOutput(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output[id] == nil {
		r.output[id] = &bytes.Buffer{}
	}
	r.output[id].Write(data)
}

func (r *recorder) OnExit(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, info)
}

func (r *recorder) OnDetach(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detaches = append(r.detaches, info)
}

func (r *recorder) Detaches() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Info(nil), r.detaches...)
}

func (r *recorder) Output(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.output[id] == nil {
		return ""
	}
	return r.output[id].String()
}

func (r *recorder) Exits() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Info(nil), r.exits...)
}

func setupManager(t *testing.T, fake *testutil.FakeHost) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(fake, Settings{
		BufferDir:       t.TempDir(),
		ScrollbackBytes: 64 * 1024,
		WorkDir:         t.TempDir(),
	}, nil)
	rec := newRecorder()
	m.SetListener(rec)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, rec
}

func waitOutput(t *testing.T, rec *recorder, tid, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(rec.Output(tid), want)
	}, waitFor, 10*time.Millisecond, "output never contained %q, got %q", want, rec.Output(tid))
}

func TestCreateWriteDetachAttachKill(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, rec := setupManager(t, fake)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{Name: "build"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Nil(t, info.ExitCode)
	tid := info.ID

	waitOutput(t, rec, tid, "ready")

	require.NoError(t, m.Write(tid, []byte("hello\n")))
	waitOutput(t, rec, tid, "hello")

	session, err := m.Get(tid)
	require.NoError(t, err)

	require.NoError(t, m.Detach(tid))
	assert.False(t, session.Attached())
	assert.Equal(t, StatusRunning, session.Info().Status)
	bufferPath := scrollback.Path(m.settings.BufferDir, tid)
	assert.FileExists(t, bufferPath)

	// Input while detached goes nowhere.
	require.NoError(t, m.Write(tid, []byte("lost\n")))

	result, err := m.Attach(ctx, tid)
	require.NoError(t, err)
	assert.True(t, result.Replay)
	assert.Contains(t, string(result.Buffer), "hello")
	assert.True(t, session.Attached())
	waitOutput(t, rec, tid, "reattached")

	require.NoError(t, m.Destroy(ctx, tid))
	assert.NoFileExists(t, bufferPath)
	assert.Contains(t, fake.Killed(), tid)
	assert.Equal(t, StatusExited, session.Info().Status)
	require.NotNil(t, session.Info().ExitCode)
	assert.Equal(t, 0, *session.Info().ExitCode)

	_, err = m.Get(tid)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, rec.Exits(), "destroy does not emit an exit event")
}

func TestAttachIsIdempotent(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, rec := setupManager(t, fake)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	waitOutput(t, rec, info.ID, "ready")

	session, err := m.Get(info.ID)
	require.NoError(t, err)
	session.mu.Lock()
	pid := session.cmd.Process.Pid
	gen := session.generation
	session.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err := m.Attach(ctx, info.ID)
		require.NoError(t, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, pid, session.cmd.Process.Pid)
	assert.Equal(t, gen, session.generation)
}

func TestDetachPreservesBuffer(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, rec := setupManager(t, fake)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, m.Write(info.ID, []byte("marker-1\n")))
	waitOutput(t, rec, info.ID, "marker-1")

	session, _ := m.Get(info.ID)
	before := session.Buffer()

	require.NoError(t, m.Detach(info.ID))
	result, err := m.Attach(ctx, info.ID)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(result.Buffer, before))
}

// Output produced right up to a detach must reach the saved scrollback.
func TestDetachWhileStreamingKeepsTail(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	fake.Create = []string{"/bin/sh", "-c", "i=0; while :; do i=$((i+1)); echo tick-$i; sleep 0.005; done"}
	m, rec := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	waitOutput(t, rec, info.ID, "tick-20")

	require.NoError(t, m.Detach(info.ID))
	live := rec.Output(info.ID)
	require.NotEmpty(t, live)

	saved := scrollback.New(scrollback.Path(m.settings.BufferDir, info.ID), m.settings.ScrollbackBytes)
	require.NoError(t, saved.Load())
	assert.Equal(t, live, string(saved.Contents()), "every chunk delivered live is on disk")
}

func TestClientExitWithLiveHostReportsDetach(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	fake.Create = []string{"/bin/sh", "-c", "echo bye"}
	m, rec := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Detaches()) == 1 }, waitFor, 10*time.Millisecond)
	detached := rec.Detaches()[0]
	assert.Equal(t, info.ID, detached.ID)
	assert.Equal(t, StatusRunning, detached.Status)
	assert.False(t, detached.Attached)
	assert.Empty(t, rec.Exits())

	assert.Contains(t, rec.Output(info.ID), "bye")
}

func TestExplicitDetachIsNotReported(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, rec := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	waitOutput(t, rec, info.ID, "ready")

	require.NoError(t, m.Detach(info.ID))
	// Give a wrongly emitted event time to show up.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.Detaches())
}

func TestExitClassification(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		hostAlive  bool
		wantStatus Status
		wantCode   int
		wantEvent  bool
	}{
		{"plain exit", "exit 3", false, StatusExited, 3, true},
		{"clean exit", "exit 0", false, StatusExited, 0, true},
		{"killed by signal", "kill -TERM $$", false, StatusExited, 128 + 15, true},
		{"client exits, host alive", "exit 0", true, StatusRunning, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeHost(t)
			fake.Create = []string{"/bin/sh", "-c", tt.command}
			fake.SetAlive(tt.hostAlive)
			m, rec := setupManager(t, fake)

			info, err := m.Create(context.Background(), CreateRequest{})
			require.NoError(t, err)
			session, _ := m.Get(info.ID)

			require.Eventually(t, func() bool {
				return !session.Attached()
			}, waitFor, 10*time.Millisecond)

			if tt.wantEvent {
				require.Eventually(t, func() bool { return len(rec.Exits()) == 1 }, waitFor, 10*time.Millisecond)
				exit := rec.Exits()[0]
				assert.Equal(t, tt.wantStatus, exit.Status)
				require.NotNil(t, exit.ExitCode)
				assert.Equal(t, tt.wantCode, *exit.ExitCode)
			} else {
				// Give a wrongly emitted event time to show up.
				time.Sleep(100 * time.Millisecond)
				assert.Empty(t, rec.Exits())
			}
			assert.Equal(t, tt.wantStatus, session.Info().Status)
		})
	}
}

func TestSpawnFailure(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	fake.Create = []string{"/nonexistent/host-binary"}
	m, rec := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err, "a failed spawn still registers the terminal")
	assert.Equal(t, StatusError, info.Status)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, -1, *info.ExitCode)

	exits := rec.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, StatusError, exits[0].Status)

	// Attach on a dead terminal does not retry.
	_, err = m.Attach(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Len(t, rec.Exits(), 1)
}

func TestNoWriteAfterDeath(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	fake.Create = []string{"/bin/sh", "-c", "exit 1"}
	fake.SetAlive(false)
	m, rec := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.Exits()) == 1 }, waitFor, 10*time.Millisecond)

	assert.NoError(t, m.Write(info.ID, []byte("ignored\n")))
	assert.NoError(t, m.Resize(context.Background(), info.ID, 100, 40))

	session, _ := m.Get(info.ID)
	got := session.Info()
	assert.Equal(t, StatusExited, got.Status)
	assert.Equal(t, DefaultCols, got.Cols, "resize after exit is ignored")
}

func TestResizePersistsAcrossReattach(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	fake.Attach = []string{"/bin/sh", "-c", "stty size; exec cat"}
	m, rec := setupManager(t, fake)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{Cols: 80, Rows: 24})
	require.NoError(t, err)
	waitOutput(t, rec, info.ID, "ready")

	require.NoError(t, m.Resize(ctx, info.ID, 132, 43))
	require.NoError(t, m.Detach(info.ID))

	session, _ := m.Get(info.ID)
	assert.Equal(t, 132, session.Info().Cols)
	assert.Equal(t, 43, session.Info().Rows)

	_, err = m.Attach(ctx, info.ID)
	require.NoError(t, err)
	waitOutput(t, rec, info.ID, "43 132")
}

func TestResizeRejectsInvalidSize(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, _ := setupManager(t, fake)

	info, err := m.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Resize(context.Background(), info.ID, 0, 10), ErrInvalidSize)
	assert.ErrorIs(t, m.Resize(context.Background(), info.ID, 10, -1), ErrInvalidSize)
}

func TestAttachStaleSession(t *testing.T) {
	fake := testutil.NewFakeHost(t)
	m, rec := setupManager(t, fake)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	require.NoError(t, m.Detach(info.ID))

	fake.SetAlive(false)
	result, err := m.Attach(ctx, info.ID)
	assert.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, StatusExited, result.Info.Status)

	exits := rec.Exits()
	require.Len(t, exits, 1)
	assert.Equal(t, info.ID, exits[0].ID)
	assert.Equal(t, StatusExited, exits[0].Status)

	// No retry: the terminal stays exited.
	_, err = m.Attach(ctx, info.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCompleteRunes(t *testing.T) {
	euro := []byte("€") // three bytes
	tests := []struct {
		name  string
		input []byte
		want  int
	}{
		{"ascii", []byte("abc"), 3},
		{"complete multibyte", append([]byte("a"), euro...), 4},
		{"one byte of three", append([]byte("a"), euro[0]), 1},
		{"two bytes of three", append([]byte("a"), euro[:2]...), 1},
		{"invalid byte passes", []byte{'a', 0xff}, 2},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeRunes(tt.input))
		})
	}
}
