package structure

import (
	"strings"

	"golang.org/x/net/html"
)

// URLInfo is one URL occurrence descending through the structure tree. It
// accumulates the output file path and the structure path (child index
// sequence) locating the node that matched it. Nodes are always addressed
// by path, never by pointer, because each HTTP exchange is handled
// independently and the info round-trips through the host crawler.
type URLInfo struct {
	URL           string
	LinkEl        *html.Node
	Match         *URLMatch
	FilePath      string
	StructurePath []int
}

// childPath returns StructurePath extended by one index, without aliasing
// the receiver's backing array.
func (i URLInfo) childPath(index int) []int {
	path := make([]int, 0, len(i.StructurePath)+1)
	path = append(path, i.StructurePath...)
	return append(path, index)
}

// boundInfo is a URLInfo bound to its fetched response, with the content
// region narrowed for link discovery.
type boundInfo struct {
	URLInfo
	Response     *Response
	ContentNodes []*html.Node
}

func (b *boundInfo) env() *Env {
	return &Env{
		URL:          b.URL,
		LinkEl:       b.LinkEl,
		URLMatch:     b.Match,
		Response:     b.Response,
		ContentNodes: b.ContentNodes,
	}
}

// joinPath appends one segment to a slash-joined accumulated file path.
func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "/" + segment
}

// dropLastSegment removes the trailing path component, used when a paging
// node replaces rather than nests its own segment.
func dropLastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}
