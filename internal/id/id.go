// Package id centralizes identifier generation so every subsystem that
// mints task, entry, or message ids goes through one call site.
package id

import "github.com/google/uuid"

// New returns a new random (v4) identifier as a string.
func New() string {
	return uuid.New().String()
}

// Short returns the first 8 hex characters of a new identifier, for
// display contexts (log lines, agent-facing summaries) where a full UUID
// is noise.
func Short() string {
	return New()[:8]
}
