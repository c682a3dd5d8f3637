package normalize

import (
	"slices"
	"testing"
)

func TestEmail(t *testing.T) {
	in := "  John.DOE@Example.COM  "
	want := "john.doe@example.com"
	got := Email(in)
	if got != want {
		t.Fatalf("Normalize.Email(%q) = %q, want %q", in, got, want)
	}
}

func TestPairKeyIsSymmetric(t *testing.T) {
	ab := PairKey("alice", " bob ")
	ba := PairKey("bob", "alice")
	if ab != ba {
		t.Fatalf("PairKey not symmetric: %q vs %q", ab, ba)
	}
	if ab != "alice|bob" {
		t.Fatalf("PairKey = %q, want %q", ab, "alice|bob")
	}
}

func TestIDs(t *testing.T) {
	got := IDs([]string{" u2", "u1", "", "u2", "u3 "})
	want := []string{"u2", "u1", "u3"}
	if !slices.Equal(got, want) {
		t.Fatalf("IDs = %v, want %v", got, want)
	}
}
