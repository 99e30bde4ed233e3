package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixRecord)
	if !strings.HasPrefix(id, "vr_") {
		t.Fatalf("expected vr_ prefix, got %q", id)
	}
	if len(id) != len("vr_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %q", id)
	}
}

func TestHex_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h := Hex(8)
		if len(h) != 16 {
			t.Fatalf("expected 16 chars, got %d", len(h))
		}
		if seen[h] {
			t.Fatalf("duplicate id %q", h)
		}
		seen[h] = true
	}
}
