// Package sig computes deterministic content signatures over dataset rows.
//
// Two fingerprint kinds exist:
//   - Events signature: a cryptographic hash over the canonical form of every
//     active (non soft-deleted) event, ordered by (time, id). Invariant to
//     physical insertion order and to historical deleted rows.
//   - Trace signature: a statistical digest (row count, head/tail timestamps,
//     consecutive-delta spread) hashed together. Deliberately not a full
//     content hash so it stays cheap on multi-million-sample traces while
//     still catching truncation, reordering, and resampling.
//
// All hashing goes through canonical JSON (sorted keys by UTF-16 code units,
// NFC-normalized strings, no HTML escaping, no floats) with SHA-256 domain
// separation. Times are always integer microseconds; floats never enter the
// canonical form.
package sig
