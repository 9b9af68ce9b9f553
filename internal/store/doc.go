// Package store is the control plane's durable record of every job.
//
// Layout notes:
//   - Each job owns one directory under the state root holding its event log,
//     state snapshot, lease, idempotency ledger and lineage artifacts.
//   - The event log is authoritative. Every state change appends an event that
//     carries the full resulting JobState before the snapshot is rewritten, so
//     a crash between the two is repaired on the next read.
//   - All writes to a job directory happen under an exclusive file lock, which
//     makes Transition a compare-and-swap across processes.
//   - Only the live lease holder may transition a job.
package store
