// Package id mints job identifiers.
package id

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random version 4 UUID as 32 lowercase hex digits. The
// dashless form keeps ids safe to use as object key and path segments.
func New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Valid reports whether s looks like an id minted by New.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4
}
