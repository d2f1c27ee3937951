// Package logging provides structured logging for the IDFix protocol layer.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the daemon. It provides both general logging
// functions and specialized functions for protocol-specific logging needs.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (hex dumps, descriptor bookkeeping)
//   - Info: Normal operations (connections, messages, state changes)
//   - Warn: Non-fatal issues (connection drops, rejected queries)
//   - Error: Fatal issues (startup failures, critical errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Device connected",
//	    zap.String("remote_addr", "192.168.1.100"),
//	    zap.Int("descriptor", 7),
//	)
//
// # Silent Mode
//
// When neither an explicit level nor the IDFIX_LOG_LEVEL environment
// variable is set, all logging is a no-op. This keeps library consumers
// and CLI commands quiet by default.
package logging
