package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("UUIDv7: not monotonic at %d: %q <= %q", i, id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("cmt_", Default)
	id := gen()
	if !strings.HasPrefix(id, "cmt_") {
		t.Fatalf("Prefixed: %q missing prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "cmt_")); err != nil {
		t.Fatalf("Prefixed: suffix not a UUID: %v", err)
	}
}

func TestTimestamped(t *testing.T) {
	gen := Timestamped(Default)
	id := gen()
	i := strings.IndexByte(id, '_')
	if i != 16 {
		t.Fatalf("Timestamped: unexpected stamp length in %q", id)
	}
	if !strings.HasSuffix(id[:i], "Z") {
		t.Fatalf("Timestamped: stamp %q not UTC-suffixed", id[:i])
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid input")
	}
}
