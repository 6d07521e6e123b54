// Package store persists contacts and session records in a single sqlite
// file. It is the source of truth for per-contact delivery status: the
// dispatch loop snapshots prepared contacts once per run and writes status
// updates back one at a time, never re-deriving state mid-run.
package store
