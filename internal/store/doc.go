// Package store keeps the profiling trace of scheduler runs in SQLite.
//
// A run is one node's execution. Every lifecycle transition observed during
// the run is a row in transitions, ordered by a logical sequence number taken
// when the transition happened. Relocations are not stored separately: a
// queued -> relocating row on the victim followed by a relocating -> queued
// row on the thief is a relocation, and Relocations derives them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
