// Package uuid issues record identifiers for days, children and job runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out UUIDv7 strings. v7 IDs sort by creation time, which
// keeps job runs listable in insertion order.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Token returns a random v4 string. Claims use it as the owner token so that
// one worker cannot release a lease taken by another.
func (Generator) Token() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. The API uses it to reject
// malformed job IDs before hitting the store.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
