// Package store provides in-memory job state tracking with SQLite archival.
//
// # Architecture
//
// The store keeps every live job in memory as a jobRecord guarded by its own
// mutex, so result writes for different jobs never contend. The package-level
// lock only protects the jid lookup map. A SQLite archive mirrors job and
// slot state for durability and post-restart queries.
//
// # Data Models
//
// Core models (defined in the job package):
//
//   - Job: One dispatched command with its target list and per-minion slots
//   - ResultSlot: Single-write cell for one minion's result or error
//   - JobView / SlotView: Immutable snapshots handed to callers
//
// # Write Semantics
//
// Each slot accepts exactly one write. WriteResult and WriteError report
// whether the write landed; a second write for the same (jid, minion) is a
// no-op and the stored value never changes. Writes after a job reaches a
// terminal status are accepted into empty slots for auditing but cannot
// reopen the job.
//
// # SQLite Configuration
//
// The archive uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteArchive(":memory:") for tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrJobNotFound: No live job with that jid
//   - ErrDuplicateJob: Create called with an existing jid
//   - ErrSlotNotFound: Minion was not targeted by the job
package store
