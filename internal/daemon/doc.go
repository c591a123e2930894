// Package daemon assembles the long-running plexbot process: queue and
// catalog storage, the tdl downloader, the scheduler worker pool and the
// Telegram update loop, guarded by flock-based locking so only one instance
// touches the databases at a time.
package daemon
