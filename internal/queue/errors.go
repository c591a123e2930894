package queue

import "errors"

// ErrNotFound indicates the referenced task does not exist.
var ErrNotFound = errors.New("queue: task not found")

// ErrInvalidTransition indicates a status change that violates the
// forward-only state machine.
var ErrInvalidTransition = errors.New("queue: invalid status transition")

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("queue: schema version mismatch")
