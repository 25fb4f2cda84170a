// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for humans
//
// Components receive the embedded *zap.Logger and attach their own
// fields rather than formatting messages. TerminalID, ConnID and Backend
// keep the common keys consistent across packages.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	logger.Error("Failed to attach", logging.TerminalID(tid), zap.Error(err))
package logging
