// Package log provides structured logging for the store using zerolog.
//
// A single package-level Logger is configured once via Init and handed out
// to subsystems as component-scoped children (WithComponent("wal"),
// WithComponent("txn"), WithComponent("prune")). JSON output is the default for production;
// console output is available for interactive debugging.
package log
