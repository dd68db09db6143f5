// Package integrity computes and checks dataset signatures.
//
// Signatures are recomputed from row content only, so a dataset rebuilt from
// its raw source hashes to the same value as the original. Validation never
// mutates event or trace rows; it only updates per-dataset validation state.
package integrity
