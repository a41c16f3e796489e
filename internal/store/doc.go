// Package store provides SQLite-backed durable storage for the work event log,
// the sync queue and evidence metadata.
//
// # Patterns
//
// Atomic append:
//   - An event row and its Pending sync_queue row are written in one
//     transaction, or neither is.
//   - The append carries the caller's expected head sequence; a moved head
//     returns model.ErrHeadMoved so the caller can re-project and re-validate.
//
// Append-only history:
//   - events rows are never updated or deleted.
//   - Corrections are event_voids rows (compensating records). A voided event
//     stays readable for audit but is excluded from projection.
//
// Deterministic reads:
//   - Event queries order by seq ASC; queue queries by id ASC.
//   - Empty results are empty slices, never nil.
//
// # Database Configuration
//
//   - WAL mode, synchronous=NORMAL, busy_timeout=5000, foreign_keys=ON
//   - A single open connection: every write is serialized.
//   - Timestamps are stored as UTC unix nanoseconds; 0 means unset.
package store
