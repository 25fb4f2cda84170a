// Package main is the entry point for the terminal service.
//
// termhost keeps shells alive inside a session host (dtach or tmux) and
// exposes them to browsers over a WebSocket control plane. Shells survive
// viewer disconnects and service restarts.
//
// Commands:
//   - serve: run the HTTP and WebSocket server
//   - doctor: check the session host, directories and metadata store
//   - list: print the terminals of a running service
//
// Configuration:
//   - Defaults, then the YAML or TOML file named by --config or CONFIG_FILE
//   - Environment variables (12-factor) override the file
//   - serve flags override both
//
// Usage:
//
//	# Production mode
//	termhost serve --port 8000 --backend tmux
//
//	# Development mode (colored logs, debug level)
//	termhost serve --dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown. Host sessions keep running and
//     are restored on the next start.
package main
