package idgen_test

import (
	"strings"
	"testing"

	"github.com/hazyhaar/docflow/idgen"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := idgen.UUIDv7()
	seen := make(map[string]bool)
	for range 1000 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := idgen.Prefixed("doc_", idgen.UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "doc_") {
		t.Errorf("got %q, want doc_ prefix", id)
	}
	if _, err := idgen.Parse(strings.TrimPrefix(id, "doc_")); err != nil {
		t.Errorf("suffix is not a valid UUID: %v", err)
	}
}

func TestTimestampedFormat(t *testing.T) {
	gen := idgen.Timestamped(idgen.UUIDv7())
	id := gen()
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		t.Fatalf("got %q, want timestamp_suffix", id)
	}
	if len(parts[0]) != len("20060102T150405Z") {
		t.Errorf("timestamp part %q has wrong length", parts[0])
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := idgen.Parse("not-a-uuid"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}
