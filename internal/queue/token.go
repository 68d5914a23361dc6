package queue

import (
	"github.com/google/uuid"
)

// NewIdempotencyToken returns a fresh version-4 UUID. 122 bits of
// randomness makes a collision between independently generated tokens
// negligible, and the backend deduplicates on the string value.
func NewIdempotencyToken() string {
	return uuid.New().String()
}
