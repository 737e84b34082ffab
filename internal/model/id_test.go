package model

import "testing"

func TestNewID_Valid(t *testing.T) {
	id := NewID()
	if !ValidateID(id) {
		t.Errorf("generated ID %q is not a valid UUID", id)
	}
}

func TestNewID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateID_Invalid(t *testing.T) {
	for _, id := range []string{"", "job-1", "cmd_1700000000_abcdef12"} {
		if ValidateID(id) {
			t.Errorf("ValidateID(%q) = true, want false", id)
		}
	}
}
