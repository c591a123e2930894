// Package catalog maintains a SQLite index of the media libraries.
//
// The catalog answers "do we already have this" questions from chat without
// touching the filesystem. It is populated two ways: the organizer records
// each finished download, and a full scan rebuilds the index from the
// configured library roots. The scan is authoritative; the database can be
// deleted at any time and recreated from disk.
package catalog
