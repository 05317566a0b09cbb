package digest

import "testing"

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute("from", "scoping", "to", "planning")
	b := Compute("from", "scoping", "to", "planning")
	if a != b {
		t.Fatalf("identical inputs produced different digests: %s vs %s", a, b)
	}
}

func TestComputeLengthPrefixingPreventsCollisions(t *testing.T) {
	// "ab"+"c" must not hash like "a"+"bc".
	if Compute("ab", "c") == Compute("a", "bc") {
		t.Fatalf("boundary collision: length prefixing is broken")
	}
	if Compute("x") == Compute("x", "") {
		t.Fatalf("trailing empty part must change the digest")
	}
}

func TestSortedPairsStableOrder(t *testing.T) {
	m := map[string]string{"b": "2", "a": "1", "c": "3"}
	got := SortedPairs(m)
	want := []string{"a", "1", "b", "2", "c", "3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d parts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("part %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
