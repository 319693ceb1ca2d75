package connector

import "testing"

func TestMatchesAnyFilter_EmptyFiltersMatchesEverything(t *testing.T) {
	if !matchesAnyFilter("anything", nil) {
		t.Error("want true with no filters")
	}
}

func TestMatchesAnyFilter_SubstringCaseInsensitive(t *testing.T) {
	if !matchesAnyFilter("Sales Queue", []string{"sales"}) {
		t.Error("want true for substring match")
	}
	if matchesAnyFilter("Support Queue", []string{"sales"}) {
		t.Error("want false for non-match")
	}
}

func TestDedupeStrings_PreservesOrderDropsDuplicatesAndEmpty(t *testing.T) {
	got := dedupeStrings([]string{"a", "", "b", "a", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
