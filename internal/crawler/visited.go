package crawler

import (
	"fmt"
	"sync"
)

// VisitedSet tracks URLs already requested so paging cycles and repeated
// links do not refetch. Keys include the structure path, since the same URL
// may legitimately enter the tree at different nodes.
type VisitedSet struct {
	mu         sync.Mutex
	entries    map[string]struct{}
	maxEntries int
}

// NewVisitedSet creates a set with a capacity cap; beyond it, new URLs are
// still accepted but no longer remembered.
func NewVisitedSet(maxEntries int) *VisitedSet {
	if maxEntries <= 0 {
		maxEntries = 200000
	}
	return &VisitedSet{
		entries:    make(map[string]struct{}),
		maxEntries: maxEntries,
	}
}

// Visit records a URL occurrence and reports whether it is the first visit.
func (v *VisitedSet) Visit(url string, structurePath []int) bool {
	key := fmt.Sprintf("%s%v", url, structurePath)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.entries[key]; seen {
		return false
	}
	if len(v.entries) < v.maxEntries {
		v.entries[key] = struct{}{}
	}
	return true
}
