package tracing

import (
	"github.com/gin-gonic/gin"
)

// Header carries the trace ID on requests and responses.
const Header = "X-Request-ID"

// maxInboundID bounds caller-supplied trace IDs.
const maxInboundID = 128

// HTTPMiddleware creates Gin middleware that assigns every request a trace
// ID, echoes it in the response and records a span.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if inbound := c.GetHeader(Header); inbound != "" && len(inbound) <= maxInboundID {
			ctx = WithTraceID(ctx, TraceID(inbound))
		}

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, name)
		span.Method = c.Request.Method
		c.Request = c.Request.WithContext(ctx)
		c.Header(Header, string(span.TraceID))

		c.Next()

		span.Finish()
		span.Status = c.Writer.Status()
		if len(c.Errors) > 0 {
			span.Error = c.Errors.Last()
		}
		tracer.Submit(span)
	}
}
