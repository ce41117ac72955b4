package store

import "errors"

// errClosed is returned by operations on a closed store.
var errClosed = errors.New("store is closed")

// errDuplicateKey is returned when an insert violates a uniqueness
// constraint, e.g. a reused (workflow_type, idempotency_key) pair.
var errDuplicateKey = errors.New("duplicate key")
