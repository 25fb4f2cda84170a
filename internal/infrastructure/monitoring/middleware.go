package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route templates keep label cardinality bounded (/api/terminals/:id).
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures a host command.
type Timer struct {
	start   time.Time
	metrics *Metrics
	backend string
	command string
}

// NewTimer starts timing a host command.
func NewTimer(metrics *Metrics, backend, command string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		backend: backend,
		command: command,
	}
}

// Stop records the elapsed time under the given result label.
func (t *Timer) Stop(result string) {
	t.metrics.RecordHostCommand(t.backend, t.command, result, time.Since(t.start))
}
