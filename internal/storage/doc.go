// Package storage persists broadcasts, ticket definitions and the delivery
// ledger in a single SQLite database (modernc.org/sqlite, WAL, one writer
// connection).
//
// All lifecycle transitions are conditional updates guarded by the current
// state (and version for console edits), so the store is the linearization
// point for the claim race: concurrent workers racing for the same due
// broadcast see exactly one RowsAffected()==1.
package storage
