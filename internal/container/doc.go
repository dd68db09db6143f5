// Package container packs a project's multi-file snapshot bundle into one
// portable archive and stages it back out to scratch space for a session.
//
// The archive is a gzip'd tar stream behind an 8-byte magic header, so a
// packaged project, a bare database file, and a loose bundle directory can
// be told apart without trusting file extensions. Packing always goes
// through a sibling temp file and an atomic rename; a crash mid-save leaves
// the previous container intact.
package container
