/*
Package tracing gives every HTTP request a trace ID for correlating logs.

# Overview

The middleware reads X-Request-ID from the request or generates one,
stores it in the request context and echoes it in the response. Handlers
add it to their log lines with Field. When the request finishes, a span
with its route, status and duration goes to a buffered collector that
logs it off the request path.

# Usage

	tracer := tracing.New("termhost", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// In a handler
	logger.Error("Failed to destroy terminal", tracing.Field(c.Request.Context()), zap.Error(err))

# Performance

- Buffered span collection (1000 spans)
- Spans are dropped, never blocked on, when the buffer is full
*/
package tracing
