// Package storage keeps the run history of scheduled ticks, workflow runs and jobs.
//
// Drivers:
//   - "file": append-only JSON Lines on an afero filesystem
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
