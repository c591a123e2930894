// Package queue persists acquisition tasks in SQLite and exposes helpers for
// driving their lifecycle.
//
// A Task is one unit of work: one source reference toward one destination,
// grouped under a GroupKey (the logical title + season identity, or a manual
// label). The Store manages database connections, schema initialization,
// FIFO ordering via the seq rowid, progress snapshots, and status transitions
// that enforce the forward-only state machine: pending may become running or
// cancelled, running may become succeeded, failed or cancelled, and terminal
// states never change again.
//
// The database is treated as transient storage for in-flight work rather than
// a long-term archive. Schema changes bump schemaVersion in store.go; users
// clear the database to adopt the new schema.
package queue
