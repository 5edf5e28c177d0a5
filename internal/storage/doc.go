// Package storage persists DAG runs and task instances.
//
// Drivers:
//   - memory: process-lifetime maps (default when storage is not configured)
//   - file: append-only JSON Lines journals, replayed on open
//   - sqlite: a SQLite database file (modernc.org/sqlite, no cgo)
package storage
