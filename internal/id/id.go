// Package id generates the opaque identifiers Flux hands out:
// execution_id, worker_id, session_token, and cache-entry ids. Grounded
// on the teacher's stickyUUID := uuid.New() idiom in
// internal_task_pollers.go.
package id

import "github.com/pborman/uuid"

// New returns a new random identifier string.
func New() string {
	return uuid.New()
}

// NewPrefixed returns a new identifier string with a human-readable
// prefix, e.g. NewPrefixed("exec") -> "exec-<uuid>".
func NewPrefixed(prefix string) string {
	return prefix + "-" + uuid.New()
}
