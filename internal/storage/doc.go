// Package storage persists redeploy cycle history.
//
// Drivers:
//   - "none" (default): history disabled
//   - "file": append-only JSON Lines, dependency-free
//   - "sqlite": SQLite database file (build tag "sqlite")
//
// History feeds the `history` subcommand and consecutive-failure
// notifications; the daemon runs fine with storage disabled.
package storage
