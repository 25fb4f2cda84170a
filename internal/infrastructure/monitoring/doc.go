/*
Package monitoring provides Prometheus metrics for the terminal service.

Each Metrics value owns its registry, so tests can build as many as they
like without duplicate registration panics. Recording methods accept a nil
receiver.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	metrics.IncTerminalsCreated()
	metrics.RecordAttach("ok")
*/
package monitoring
