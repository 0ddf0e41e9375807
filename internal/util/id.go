package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used as a primary key.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns a random hex token for verification, reset and invite links.
func NewToken() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// IsID reports whether value parses as a UUID.
func IsID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
