package crawler

import "testing"

func TestVisitedSetFirstVisitOnly(t *testing.T) {
	v := NewVisitedSet(0)
	if !v.Visit("https://x/a", []int{0}) {
		t.Fatal("first visit should report true")
	}
	if v.Visit("https://x/a", []int{0}) {
		t.Fatal("second visit should report false")
	}
}

func TestVisitedSetKeysIncludeStructurePath(t *testing.T) {
	v := NewVisitedSet(0)
	v.Visit("https://x/a", []int{0})
	if !v.Visit("https://x/a", []int{1}) {
		t.Fatal("same url at a different node is a distinct visit")
	}
}

func TestVisitedSetCapacityCap(t *testing.T) {
	v := NewVisitedSet(2)
	v.Visit("https://x/1", nil)
	v.Visit("https://x/2", nil)
	// beyond capacity the set stops remembering but keeps accepting
	if !v.Visit("https://x/3", nil) {
		t.Fatal("overflow visit should still be accepted")
	}
	if !v.Visit("https://x/3", nil) {
		t.Fatal("overflow visits are not remembered")
	}
	if v.Visit("https://x/1", nil) {
		t.Fatal("entries below the cap stay remembered")
	}
}
