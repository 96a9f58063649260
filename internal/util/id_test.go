package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID("")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a uuid, got %q: %v", id, err)
	}

	prefixed := NewID("evt")
	rest, ok := strings.CutPrefix(prefixed, "evt_")
	if !ok {
		t.Fatalf("expected evt_ prefix, got %q", prefixed)
	}
	if _, err := uuid.Parse(rest); err != nil {
		t.Fatalf("expected a uuid after the prefix, got %q", rest)
	}

	if NewID("") == NewID("") {
		t.Fatal("expected distinct ids")
	}
}
