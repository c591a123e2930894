// Package tdl mediates access to the tdl CLI used to fetch Telegram media.
//
// It normalizes command invocation (argv only, no shell interpretation of the
// source reference or destination), parses percent and item-count progress
// from the tool's streamed output, and maps every outcome onto a terminal
// Result: succeeded, failed with the tool's diagnostic tail, cancelled after
// the subprocess has actually been terminated, or unresolved when the tool
// could not resolve the source's metadata (a soft condition callers may
// recover from via a manual classification path).
//
// Prefer this package over ad-hoc exec.Command usage when interacting with
// tdl so progress reporting and idle-timeout handling remain consistent.
package tdl
