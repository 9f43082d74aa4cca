package model

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// IDLength is the length of every entity id: a base-62 encoded KSUID.
const IDLength = 27

// NewID returns a fresh, time-sortable entity id.
func NewID() string {
	return ksuid.New().String()
}

// ValidateID rejects anything that is not a well-formed KSUID string.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("id must be %d characters, got %d", IDLength, len(id))
	}
	if _, err := ksuid.Parse(id); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	return nil
}
