package utils

import "github.com/google/uuid"

// NewID returns a unique identifier for rooms and hub clients.
func NewID() string {
	return uuid.NewString()
}
