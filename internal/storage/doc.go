// Package storage persists the scheduler queue between runs.
//
// Drivers:
//   - "file":   one JSON document, replaced atomically on every save
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
package storage
