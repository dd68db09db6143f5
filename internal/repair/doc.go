// Package repair rebuilds a dataset's derived rows from its raw source and
// replays the user's recorded deletions on top.
//
// A repair runs as one write transaction: the old rows are soft-deleted, the
// raw rows re-derived and inserted, the delete ledger replayed against the
// rebuilt rows, and the dataset resealed. Either all of that commits or none
// of it does. The ledger itself is append-only, so a repair can always be
// reconstructed after the fact.
package repair
