// Package store provides SQLite-backed durable storage for vasodb projects.
//
// One open store means one write connection, owned by a writer.Serializer
// worker; every mutator here is a task routed through it. A second read-only
// connection serves queries, which WAL mode allows to run concurrently with
// queued writes. Cross-process exclusion is the lockfile sidecar, acquired in
// Open and released in Close.
//
// # Tables
//
//   - datasets: one row per recorded sample, carrying both content
//     signatures, the signature schema version, and validation state
//   - events: annotations; append and soft-delete only, never hard-deleted
//   - event_audit: append-only ledger of every event mutation with
//     before/after snapshots; the sole record of user intent independent of
//     current event-table state
//   - trace_samples: (dataset_id, time_us) natural key, diameter/pressure
//   - assets / blob_chunks: attachment metadata plus chunked payloads for
//     embedded storage
//   - meta: key-value project bookkeeping
//
// # Schema versioning
//
// PRAGMA user_version is authoritative. Version 0 means a fresh file and gets
// full creation; the current version re-opens as a no-op beyond refreshing
// modification metadata; any other gap is rejected with ErrUnsupportedMigration
// because the only supported path from legacy formats is explicit conversion,
// not incremental stepping.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: survive a crash without blocking write bursts
//   - busy_timeout=5000: bounded wait so readers are not starved
//   - foreign_keys=ON, temp_store=MEMORY, bounded cache and mmap
package store
