package model

import "github.com/google/uuid"

// NewID returns a process-wide unique identifier for jobs and envelopes.
func NewID() string {
	return uuid.NewString()
}

func ValidateID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
