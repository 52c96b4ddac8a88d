// Package storage persists the timing journal: one record per violation,
// recovery and deferral, grouped by run.
//
// Drivers:
//   - file: JSON Lines, no dependencies
//   - sqlite: modernc.org/sqlite (pure Go)
package storage
