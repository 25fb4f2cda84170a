package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termhost/internal/shared/protocol"
)

// Terminals is the registry the hub drives.
type Terminals interface {
	Available() bool
	List() []terminal.Info
	Create(ctx context.Context, req terminal.CreateRequest) (terminal.Info, error)
	Destroy(ctx context.Context, id string) error
	Write(id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	Rename(ctx context.Context, id, name string) (terminal.Info, error)
	AttachFunc(ctx context.Context, id string, fn func(terminal.AttachResult)) (terminal.AttachResult, error)
	Detach(id string) error
	SetListener(l terminal.Listener)
}

// Settings bounds each connection.
type Settings struct {
	SendQueue       int
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MessageRate     float64
	MessageBurst    int
	// IdleDetach detaches a terminal once it has had no subscribers for
	// this long. Zero disables it.
	IdleDetach time.Duration
	// AllowedOrigins lists the browser origins that may open a connection,
	// besides the server's own. "*" allows any. Requests without an Origin
	// header come from non-browser clients and are always accepted.
	AllowedOrigins []string
}

// DefaultSettings returns the limits used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		SendQueue:       256,
		MaxMessageBytes: 1 << 20,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		MessageRate:     200,
		MessageBurst:    400,
		IdleDetach:      10 * time.Minute,
	}
}

const errUnavailable = "terminal backend unavailable"

// Hub is the control-plane gateway. It owns every connection, tracks which
// connections are subscribed to which terminal, and receives terminal
// events as the registry's Listener.
type Hub struct {
	terminals Terminals
	settings  Settings
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	subscribers map[string]map[*Client]struct{}
	idle        map[string]idleTimer
	idleSeq     uint64
	closed      bool
}

type idleTimer struct {
	timer *time.Timer
	seq   uint64
}

// NewHub creates a hub and registers it as the registry's listener.
func NewHub(terminals Terminals, settings Settings, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSettings()
	if settings.SendQueue <= 0 {
		settings.SendQueue = def.SendQueue
	}
	if settings.MaxMessageBytes <= 0 {
		settings.MaxMessageBytes = def.MaxMessageBytes
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = def.PingInterval
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = def.WriteTimeout
	}

	h := &Hub{
		terminals:   terminals,
		settings:    settings,
		logger:      logger,
		clients:     make(map[*Client]struct{}),
		subscribers: make(map[string]map[*Client]struct{}),
		idle:        make(map[string]idleTimer),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	terminals.SetListener(h)
	return h
}

// checkOrigin accepts same-origin requests, listed origins, and clients
// that send no Origin at all.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.settings.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	h.logger.Warn("Rejected WebSocket origin", zap.String("origin", origin))
	return false
}

// WithMetrics adds metrics collection to the hub.
func (h *Hub) WithMetrics(metrics *monitoring.Metrics) *Hub {
	h.metrics = metrics
	return h
}

// HandleConnection upgrades the request and serves the connection until
// it closes.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	if !h.register(client) {
		conn.Close()
		return
	}
	client.logger.Debug("WebSocket connected", zap.String("remote", c.ClientIP()))

	go client.writePump()
	h.send(client, protocol.TypeList, protocol.ListPayload{Terminals: h.terminals.List()})
	client.readPump()

	client.logger.Debug("WebSocket disconnected")
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops idle timers. Terminals are left
// to the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	for tid, t := range h.idle {
		t.timer.Stop()
		delete(h.idle, tid)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Destroy kills a terminal and tells every connection. The REST API
// destroys through here so WebSocket viewers hear about it too.
func (h *Hub) Destroy(ctx context.Context, tid string) error {
	if err := h.terminals.Destroy(ctx, tid); err != nil {
		return err
	}
	h.forget(tid)
	h.broadcast(protocol.TypeDestroyed, protocol.TerminalIDPayload{TerminalID: tid})
	return nil
}

// OnOutput fans output out to the terminal's subscribers.
func (h *Hub) OnOutput(tid string, data []byte) {
	h.mu.RLock()
	subs := h.subscribersLocked(tid)
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	frame, err := protocol.Encode(protocol.TypeOutput, protocol.OutputPayload{TerminalID: tid, Data: string(data)})
	if err != nil {
		h.logger.Error("Failed to encode output", logging.TerminalID(tid), zap.Error(err))
		return
	}
	for _, c := range subs {
		if c.enqueue(frame) {
			h.metrics.RecordWSMessage("out", protocol.TypeOutput)
		}
	}
}

// OnExit tells every connection that a terminal ended.
func (h *Hub) OnExit(info terminal.Info) {
	h.mu.Lock()
	h.stopIdleLocked(info.ID)
	h.mu.Unlock()

	h.broadcast(protocol.TypeExit, protocol.ExitPayload{
		TerminalID: info.ID,
		ExitCode:   info.ExitCode,
		Status:     info.Status,
	})
}

// OnDetach tells a terminal's subscribers that its local client went away
// on its own. Their subscriptions are dropped; a viewer that wants more
// output sends attach again.
func (h *Hub) OnDetach(info terminal.Info) {
	h.mu.Lock()
	subs := h.subscribersLocked(info.ID)
	delete(h.subscribers, info.ID)
	h.stopIdleLocked(info.ID)
	h.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	frame, err := protocol.Encode(protocol.TypeDetached, protocol.TerminalIDPayload{TerminalID: info.ID})
	if err != nil {
		h.logger.Error("Failed to encode message", zap.String("type", protocol.TypeDetached), zap.Error(err))
		return
	}
	for _, c := range subs {
		if c.enqueue(frame) {
			h.metrics.RecordWSMessage("out", protocol.TypeDetached)
		}
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.IncWSConnections()
	return true
}

// unregister drops the client and its subscriptions. Terminals left
// without viewers start their idle countdown.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.metrics.DecWSConnections()

	for tid, subs := range h.subscribers {
		if _, ok := subs[c]; !ok {
			continue
		}
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscribers, tid)
			h.scheduleIdleLocked(tid)
		}
	}
}

func (h *Hub) subscribeLocked(tid string, c *Client) {
	subs, ok := h.subscribers[tid]
	if !ok {
		subs = make(map[*Client]struct{})
		h.subscribers[tid] = subs
	}
	subs[c] = struct{}{}
	h.stopIdleLocked(tid)
}

func (h *Hub) unsubscribe(tid string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[tid]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.subscribers, tid)
		h.scheduleIdleLocked(tid)
	}
}

func (h *Hub) forget(tid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, tid)
	h.stopIdleLocked(tid)
}

func (h *Hub) subscribersLocked(tid string) []*Client {
	subs := h.subscribers[tid]
	out := make([]*Client, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

func (h *Hub) scheduleIdleLocked(tid string) {
	if h.settings.IdleDetach <= 0 || h.closed {
		return
	}
	h.stopIdleLocked(tid)
	h.idleSeq++
	seq := h.idleSeq
	h.idle[tid] = idleTimer{
		timer: time.AfterFunc(h.settings.IdleDetach, func() { h.idleExpired(tid, seq) }),
		seq:   seq,
	}
}

func (h *Hub) stopIdleLocked(tid string) {
	if t, ok := h.idle[tid]; ok {
		t.timer.Stop()
		delete(h.idle, tid)
	}
}

func (h *Hub) idleExpired(tid string, seq uint64) {
	h.mu.Lock()
	if t, ok := h.idle[tid]; !ok || t.seq != seq || len(h.subscribers[tid]) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.idle, tid)
	h.mu.Unlock()

	if err := h.terminals.Detach(tid); err != nil && !errors.Is(err, terminal.ErrNotFound) {
		h.logger.Warn("Idle detach failed", logging.TerminalID(tid), zap.Error(err))
		return
	}
	h.logger.Debug("Detached idle terminal", logging.TerminalID(tid))
}

// dispatch handles one inbound frame. Malformed frames are logged and
// dropped; the connection stays open.
func (h *Hub) dispatch(c *Client, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		h.metrics.RecordWSMessage("in", "malformed")
		c.logger.Warn("Ignoring malformed message", zap.Error(err))
		return
	}
	h.metrics.RecordWSMessage("in", env.Type)

	if env.Type == protocol.TypePing {
		h.send(c, protocol.TypePong, nil)
		return
	}
	if !strings.HasPrefix(env.Type, "terminal:") {
		c.logger.Warn("Ignoring unknown message type", zap.String("type", env.Type))
		return
	}
	if !h.terminals.Available() {
		h.sendError(c, terminalIDOf(env), errUnavailable)
		return
	}

	// Operations outlive the frame that requested them, not the connection.
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeCreate:
		h.handleCreate(ctx, c, env)
	case protocol.TypeDestroy:
		h.handleDestroy(ctx, c, env)
	case protocol.TypeInput:
		h.handleInput(c, env)
	case protocol.TypeResize:
		h.handleResize(ctx, c, env)
	case protocol.TypeRename:
		h.handleRename(ctx, c, env)
	case protocol.TypeAttach:
		h.handleAttach(ctx, c, env)
	case protocol.TypeDetach:
		h.handleDetach(c, env)
	default:
		c.logger.Warn("Ignoring unknown message type", zap.String("type", env.Type))
	}
}

func (h *Hub) handleCreate(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.CreatePayload
	if len(env.Payload) > 0 {
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.logger.Warn("Ignoring malformed message", zap.Error(err))
			return
		}
	}

	_, err := h.terminals.Create(ctx, terminal.CreateRequest{
		Name:          p.Name,
		Cols:          p.Cols,
		Rows:          p.Rows,
		Cwd:           p.Cwd,
		TabID:         p.TabID,
		PositionInTab: p.PositionInTab,
		OnRegistered: func(info terminal.Info) {
			h.mu.Lock()
			h.subscribeLocked(info.ID, c)
			h.mu.Unlock()
			// Only the creator gets its request id back.
			h.send(c, protocol.TypeCreated, protocol.CreatedPayload{Terminal: info, RequestID: p.RequestID})
			h.broadcastExcept(c, protocol.TypeCreated, protocol.CreatedPayload{Terminal: info})
		},
	})
	if err != nil {
		h.send(c, protocol.TypeError, protocol.ErrorPayload{Error: err.Error(), RequestID: p.RequestID})
	}
}

func (h *Hub) handleDestroy(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.TerminalIDPayload
	if !h.decode(c, env, &p) {
		return
	}
	if err := h.Destroy(ctx, p.TerminalID); err != nil {
		h.sendError(c, p.TerminalID, err.Error())
	}
}

func (h *Hub) handleInput(c *Client, env protocol.Envelope) {
	var p protocol.InputPayload
	if !h.decode(c, env, &p) {
		return
	}
	if err := h.terminals.Write(p.TerminalID, []byte(p.Data)); err != nil {
		h.sendError(c, p.TerminalID, err.Error())
	}
}

func (h *Hub) handleResize(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.ResizePayload
	if !h.decode(c, env, &p) {
		return
	}
	if err := h.terminals.Resize(ctx, p.TerminalID, p.Cols, p.Rows); err != nil {
		h.sendError(c, p.TerminalID, err.Error())
	}
}

func (h *Hub) handleRename(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.RenamePayload
	if !h.decode(c, env, &p) {
		return
	}
	info, err := h.terminals.Rename(ctx, p.TerminalID, p.Name)
	if err != nil {
		h.sendError(c, p.TerminalID, err.Error())
		return
	}
	h.broadcast(protocol.TypeRenamed, protocol.RenamePayload{TerminalID: info.ID, Name: info.Name})
}

// handleAttach resumes a terminal for this connection. The attached frame
// is queued and the subscription made while the terminal's output is held
// back, so replayed scrollback is followed by exactly the output after it.
func (h *Hub) handleAttach(ctx context.Context, c *Client, env protocol.Envelope) {
	var p protocol.TerminalIDPayload
	if !h.decode(c, env, &p) {
		return
	}
	_, err := h.terminals.AttachFunc(ctx, p.TerminalID, func(result terminal.AttachResult) {
		h.send(c, protocol.TypeAttached, protocol.AttachedPayload{
			TerminalID: p.TerminalID,
			Buffer:     string(result.Buffer),
			Replay:     result.Replay,
		})
		h.mu.Lock()
		h.subscribeLocked(p.TerminalID, c)
		h.mu.Unlock()
	})
	if err != nil {
		h.sendError(c, p.TerminalID, err.Error())
	}
}

func (h *Hub) handleDetach(c *Client, env protocol.Envelope) {
	var p protocol.TerminalIDPayload
	if !h.decode(c, env, &p) {
		return
	}
	h.unsubscribe(p.TerminalID, c)
}

func (h *Hub) decode(c *Client, env protocol.Envelope, v any) bool {
	if err := protocol.DecodePayload(env, v); err != nil {
		c.logger.Warn("Ignoring malformed message", zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) send(c *Client, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if c.enqueue(frame) {
		h.metrics.RecordWSMessage("out", msgType)
	}
}

func (h *Hub) sendError(c *Client, tid, msg string) {
	h.send(c, protocol.TypeError, protocol.ErrorPayload{TerminalID: tid, Error: msg})
}

func (h *Hub) broadcast(msgType string, payload any) {
	h.broadcastExcept(nil, msgType, payload)
}

// broadcastExcept sends to every connection but skip.
func (h *Hub) broadcastExcept(skip *Client, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c != skip {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.enqueue(frame) {
			h.metrics.RecordWSMessage("out", msgType)
		}
	}
}

// terminalIDOf pulls a terminalId out of any payload, for error replies.
func terminalIDOf(env protocol.Envelope) string {
	var p protocol.TerminalIDPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return ""
	}
	return p.TerminalID
}
