package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhost/internal/api/ws"
	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
	"github.com/GriffinCanCode/termhost/internal/shared/protocol"
	"github.com/GriffinCanCode/termhost/tests/helpers/testutil"
)

const waitFor = 5 * time.Second

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func fastOptions(url string) Options {
	opts := DefaultOptions(url)
	opts.MaxAttempts = 3
	opts.InitialBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	return opts
}

// frames collects everything a Client hands its Handler.
type frames struct {
	ch chan protocol.Envelope
}

func newFrames() *frames {
	return &frames{ch: make(chan protocol.Envelope, 1024)}
}

func (f *frames) handle(env protocol.Envelope) { f.ch <- env }

func (f *frames) expect(t *testing.T, msgType string, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-f.ch:
			if env.Type == msgType && (match == nil || match(env)) {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func TestClientAgainstGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := terminal.NewManager(testutil.NewFakeHost(t), terminal.Settings{
		BufferDir: t.TempDir(),
		WorkDir:   t.TempDir(),
	}, nil)
	hub := ws.NewHub(m, ws.DefaultSettings(), nil)
	router := gin.New()
	router.GET("/ws", hub.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	got := newFrames()
	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), got.handle)
	require.NoError(t, err)
	defer c.Close()

	got.expect(t, protocol.TypeList, nil)

	reqID, err := c.Create(protocol.CreatePayload{Name: "from-client"})
	require.NoError(t, err)
	require.NotEmpty(t, reqID)
	env := got.expect(t, protocol.TypeCreated, nil)
	var created protocol.CreatedPayload
	require.NoError(t, protocol.DecodePayload(env, &created))
	assert.Equal(t, reqID, created.RequestID)
	tid := created.Terminal.ID

	require.NoError(t, c.Attach(tid))
	got.expect(t, protocol.TypeAttached, nil)

	require.NoError(t, c.Input(tid, "over-the-wire\n"))
	got.expect(t, protocol.TypeOutput, func(env protocol.Envelope) bool {
		var p protocol.OutputPayload
		return protocol.DecodePayload(env, &p) == nil && strings.Contains(p.Data, "over-the-wire")
	})

	require.NoError(t, c.Resize(tid, 100, 30))
	require.NoError(t, c.Rename(tid, "renamed"))
	got.expect(t, protocol.TypeRenamed, nil)

	require.NoError(t, c.Destroy(tid))
	got.expect(t, protocol.TypeDestroyed, nil)
}

// flakyServer hangs up on its first connection and records what later
// connections send. first, when set, runs the first connection instead of
// waiting for one frame.
type flakyServer struct {
	first    func(conn *websocket.Conn)
	conns    atomic.Int32
	mu       sync.Mutex
	received []protocol.Envelope
}

func (s *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := s.conns.Add(1)
	list, _ := protocol.Encode(protocol.TypeList, protocol.ListPayload{})
	_ = conn.WriteMessage(websocket.TextMessage, list)

	if n == 1 && s.first != nil {
		s.first(conn)
		return
	}
	if n == 1 {
		// Wait for the client's attach, then drop the connection.
		_, _, _ = conn.ReadMessage()
		return
	}
	s.record(conn)
}

func (s *flakyServer) record(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
	}
}

func (s *flakyServer) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

func (s *flakyServer) attachCount(tid string) int {
	n := 0
	for _, env := range s.Received() {
		var p protocol.TerminalIDPayload
		if env.Type == protocol.TypeAttach && protocol.DecodePayload(env, &p) == nil && p.TerminalID == tid {
			n++
		}
	}
	return n
}

func writeFrame(conn *websocket.Conn, msgType string, payload any) {
	data, _ := protocol.Encode(msgType, payload)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestReattachesAfterReconnect(t *testing.T) {
	server := &flakyServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	got := newFrames()
	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), got.handle)
	require.NoError(t, err)
	defer c.Close()

	got.expect(t, protocol.TypeList, nil)
	require.NoError(t, c.Attach("term_keep"))

	// The second connection sends its own list.
	got.expect(t, protocol.TypeList, nil)

	require.Eventually(t, func() bool {
		for _, env := range server.Received() {
			var p protocol.TerminalIDPayload
			if env.Type == protocol.TypeAttach && protocol.DecodePayload(env, &p) == nil && p.TerminalID == "term_keep" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, int32(2), server.conns.Load())
	assert.NoError(t, c.Err())
}

func TestCreatedTerminalSurvivesReconnect(t *testing.T) {
	server := &flakyServer{}
	server.first = func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeCreate {
			return
		}
		var p protocol.CreatePayload
		_ = protocol.DecodePayload(env, &p)
		writeFrame(conn, protocol.TypeCreated, protocol.CreatedPayload{
			Terminal:  terminal.Info{ID: "term_new", Name: p.Name},
			RequestID: p.RequestID,
		})
		// Another viewer's create carries no request id and is not ours.
		writeFrame(conn, protocol.TypeCreated, protocol.CreatedPayload{
			Terminal: terminal.Info{ID: "term_other"},
		})
	}
	srv := httptest.NewServer(server)
	defer srv.Close()

	got := newFrames()
	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), got.handle)
	require.NoError(t, err)
	defer c.Close()

	got.expect(t, protocol.TypeList, nil)
	_, err = c.Create(protocol.CreatePayload{Name: "fresh"})
	require.NoError(t, err)
	got.expect(t, protocol.TypeCreated, nil)
	got.expect(t, protocol.TypeCreated, nil)

	// The server drops the connection; the created terminal is reattached.
	got.expect(t, protocol.TypeList, nil)
	require.Eventually(t, func() bool {
		return server.attachCount("term_new") == 1
	}, waitFor, 10*time.Millisecond)
	assert.Zero(t, server.attachCount("term_other"))
}

func TestReattachesWhenServerReportsDetached(t *testing.T) {
	server := &flakyServer{}
	server.conns.Store(1) // skip the hang-up
	srv := httptest.NewServer(server)
	defer srv.Close()

	got := newFrames()
	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), got.handle)
	require.NoError(t, err)
	defer c.Close()
	got.expect(t, protocol.TypeList, nil)

	require.NoError(t, c.Attach("term_keep"))
	require.Eventually(t, func() bool {
		return server.attachCount("term_keep") == 1
	}, waitFor, 10*time.Millisecond)

	detached, err := protocol.Encode(protocol.TypeDetached, protocol.TerminalIDPayload{TerminalID: "term_keep"})
	require.NoError(t, err)
	env, err := protocol.Decode(detached)
	require.NoError(t, err)
	c.observe(env)

	require.Eventually(t, func() bool {
		return server.attachCount("term_keep") == 2
	}, waitFor, 10*time.Millisecond)

	// Terminals this client never attached are left alone.
	other, _ := protocol.Encode(protocol.TypeDetached, protocol.TerminalIDPayload{TerminalID: "term_else"})
	env, err = protocol.Decode(other)
	require.NoError(t, err)
	c.observe(env)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, server.attachCount("term_else"))
}

func TestForgetsDestroyedTerminals(t *testing.T) {
	c := &Client{attached: map[string]struct{}{"term_a": {}, "term_b": {}, "term_c": {}}}

	destroyed, _ := protocol.Encode(protocol.TypeDestroyed, protocol.TerminalIDPayload{TerminalID: "term_a"})
	env, err := protocol.Decode(destroyed)
	require.NoError(t, err)
	c.observe(env)

	code := 0
	exited, _ := protocol.Encode(protocol.TypeExit, protocol.ExitPayload{TerminalID: "term_b", ExitCode: &code})
	env, err = protocol.Decode(exited)
	require.NoError(t, err)
	c.observe(env)

	assert.Equal(t, map[string]struct{}{"term_c": {}}, c.attached)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var once sync.Once
	srv := httptest.NewUnstartedServer(nil)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
		// Nothing will answer the reconnect attempts.
		once.Do(func() { go srv.Close() })
	})
	srv.Start()

	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), nil)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client never gave up")
	}
	assert.ErrorIs(t, c.Err(), ErrDisconnected)
	assert.ErrorIs(t, c.Input("term_x", "x"), ErrDisconnected)
}

func TestClose(t *testing.T) {
	server := &flakyServer{}
	server.conns.Store(1) // skip the hang-up
	srv := httptest.NewServer(server)
	defer srv.Close()

	c, err := Dial(context.Background(), fastOptions(wsURL(srv)), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not stop")
	}
	assert.ErrorIs(t, c.Err(), ErrClosed)
	assert.ErrorIs(t, c.Input("term_x", "x"), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), fastOptions("ws://127.0.0.1:1/ws"), nil)
	assert.Error(t, err)
}
