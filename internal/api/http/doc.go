// Package http provides the REST API for terminal inspection and cleanup.
//
// Endpoints:
//   - Health: /health
//   - Terminals: /api/terminals, /api/terminals/:id (GET, DELETE)
//
// Interactive use goes over the WebSocket control plane (package ws);
// these routes serve dashboards and scripts.
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, hub, store, logger)
//	handlers.Register(router)
package http
