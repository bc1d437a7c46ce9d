// Package journal keeps an append-only history of finished jobs.
//
// Two drivers are available:
//   - "file": JSON Lines, one record per terminal event
//   - "sqlite": a single table in a SQLite database (modernc.org/sqlite, no cgo)
//
// The journal is history only. Queue state is never restored from it.
package journal
