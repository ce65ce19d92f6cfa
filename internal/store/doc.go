// Package store is the SQLite-backed ledger of verification runs.
//
// Each run is one row in runs plus its engine output in run_output. Rows
// are append-only and keyed by run ID; re-recording an ID is a no-op.
//
// # Ordering
//
// Every run gets a seq on insert (one more than the current maximum).
// Listings are ordered ORDER BY seq ASC, id ASC COLLATE BINARY so history
// reads identically regardless of wall-clock skew between hosts.
//
// # Database Configuration
//
//   - WAL mode: history can be read while a run is being recorded
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: run_output rows follow their run
package store
