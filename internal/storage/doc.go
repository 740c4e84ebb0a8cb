// Package storage is the append-only outcome log.
//
// Records are immutable once written; the only other mutation is retention
// pruning. Backends:
//   - "file": JSON Lines, compacted in place on prune
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
