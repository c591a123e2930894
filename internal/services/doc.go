// Package services defines shared utilities consumed by external tool
// integrations.
//
// The sentinel error markers plus the Wrap helper translate failures from
// subprocesses and remote APIs into errors that carry component and operation
// context while staying matchable with errors.Is.
package services
