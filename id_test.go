package nerve

import "testing"

func TestValidateID(t *testing.T) {
	valid := []string{"a", "node-1", "my_node", "a1b2", "x-y_z", "abcdefghijklmnopqrstuvwxyz012345"}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{
		"",
		"UPPER",
		"has space",
		"-leading",
		"trailing-",
		"_under",
		"under_",
		"dot.ted",
		"abcdefghijklmnopqrstuvwxyz0123456", // 33 chars
	}
	for _, id := range invalid {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}

func TestNewRunIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("duplicate run id %s", id)
		}
		seen[id] = true
		if len(id) != 36 {
			t.Fatalf("run id %q is not a canonical UUID", id)
		}
	}
}

func TestNewSessionUUIDShape(t *testing.T) {
	id := NewSessionUUID()
	if len(id) != 36 {
		t.Fatalf("session uuid %q is not canonical", id)
	}
	// Version nibble for v4.
	if id[14] != '4' {
		t.Errorf("session uuid %q is not version 4", id)
	}
}
