package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/termhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

// Terminals is the read side of the terminal registry.
type Terminals interface {
	Available() bool
	Backend() string
	List() []terminal.Info
	Get(id string) (*terminal.Session, error)
}

// Gateway is the WebSocket hub. Destroys go through it so connected
// viewers are told.
type Gateway interface {
	Destroy(ctx context.Context, id string) error
	ConnectionCount() int
}

// Pinger checks the metadata store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	terminals Terminals
	gateway   Gateway
	store     Pinger
	logger    *zap.Logger
}

// NewHandlers creates a new handler set. store may be nil when the
// metadata mirror is disabled.
func NewHandlers(terminals Terminals, gateway Gateway, store Pinger, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		terminals: terminals,
		gateway:   gateway,
		store:     store,
		logger:    logger,
	}
}

// Register mounts the REST routes on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	api := r.Group("/api")
	api.GET("/terminals", h.ListTerminals)
	api.GET("/terminals/:id", h.GetTerminal)
	api.DELETE("/terminals/:id", h.DeleteTerminal)
}

// Health returns service health. A missing session host disables
// terminals but leaves the service up.
func (h *Handlers) Health(c *gin.Context) {
	status := "healthy"

	terminals := gin.H{
		"status":  "enabled",
		"backend": h.terminals.Backend(),
		"count":   len(h.terminals.List()),
	}
	if !h.terminals.Available() {
		terminals["status"] = "disabled"
		status = "degraded"
	}

	store := gin.H{"status": "disabled"}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("Store health check failed", tracing.Field(c.Request.Context()), zap.Error(err))
			store = gin.H{"status": "error", "error": err.Error()}
			status = "degraded"
		} else {
			store["status"] = "ok"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"terminals":   terminals,
		"store":       store,
		"connections": h.gateway.ConnectionCount(),
		"timestamp":   time.Now().Unix(),
	})
}

// ListTerminals lists every terminal.
func (h *Handlers) ListTerminals(c *gin.Context) {
	infos := h.terminals.List()
	c.JSON(http.StatusOK, gin.H{
		"terminals": infos,
		"count":     len(infos),
	})
}

// GetTerminal returns one terminal's descriptor.
func (h *Handlers) GetTerminal(c *gin.Context) {
	tid, ok := terminalID(c)
	if !ok {
		return
	}

	session, err := h.terminals.Get(tid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session.Info())
}

// DeleteTerminal kills a terminal and its host session.
func (h *Handlers) DeleteTerminal(c *gin.Context) {
	tid, ok := terminalID(c)
	if !ok {
		return
	}
	if !h.terminals.Available() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": terminal.ErrUnavailable.Error()})
		return
	}

	if err := h.gateway.Destroy(c.Request.Context(), tid); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to destroy terminal",
			tracing.Field(c.Request.Context()),
			logging.TerminalID(tid),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"terminal_id": tid,
	})
}

func terminalID(c *gin.Context) (string, bool) {
	tid := c.Param("id")
	if !id.IsTerminalID(tid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid terminal id"})
		return "", false
	}
	return tid, true
}
