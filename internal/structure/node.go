package structure

import "fmt"

// Node is one level of site topology. The tree is built once by Parse and
// is immutable afterwards, so concurrent response-processing calls may walk
// it freely.
type Node struct {
	urlMatcher   *urlMatcher
	urlConverter *stringRule
	contentArea  *nodesRule
	filePath     *stringRule
	fileContent  *bytesRule
	assertion    *assertRule
	paging       bool
	root         bool

	children []*Node

	// parser state: set after a branch or a file-content leaf, forbidding
	// further siblings at this level.
	sealed bool
}

// NeedsNoRequest reports whether the node is a pass-through container with
// no URL matcher of its own.
func (n *Node) NeedsNoRequest() bool { return n.urlMatcher == nil }

// IsLeaf reports whether the node terminates the walk with a save or
// download outcome.
func (n *Node) IsLeaf() bool { return !n.root && len(n.children) == 0 }

// CanGetFilePathBeforeRequest reports whether the node's path segment is
// computable from the URL alone.
func (n *Node) CanGetFilePathBeforeRequest() bool {
	return n.filePath == nil || !n.filePath.needsResponse
}

// NeedsResponseForFilePath reports whether the node's path segment requires
// the fetched body.
func (n *Node) NeedsResponseForFilePath() bool {
	return n.filePath != nil && n.filePath.needsResponse
}

// CanGetFileContentBeforeRequest reports whether saved content is
// computable from the URL alone.
func (n *Node) CanGetFileContentBeforeRequest() bool {
	return n.fileContent != nil && !n.fileContent.needsResponse
}

// NeedsResponseForFileContent reports whether saved content requires the
// fetched body.
func (n *Node) NeedsResponseForFileContent() bool {
	return n.fileContent != nil && n.fileContent.needsResponse
}

// Paging reports whether the node re-enters itself on next-page links.
func (n *Node) Paging() bool { return n.paging }

// Children exposes the child nodes in declaration order.
func (n *Node) Children() []*Node { return n.children }

// MatcherSource describes the node's URL matching rule for diagnostics.
func (n *Node) MatcherSource() string {
	if n.urlMatcher == nil {
		return "(no url matcher)"
	}
	return n.urlMatcher.src
}

// NodeByPath resolves a structure path (child index sequence) from this
// node.
func (n *Node) NodeByPath(path []int) (*Node, error) {
	node := n
	for _, index := range path {
		if index < 0 || index >= len(node.children) {
			return nil, fmt.Errorf("structure path %v out of range at %d", path, index)
		}
		node = node.children[index]
	}
	return node, nil
}

// matchAny reports whether any matcher in the subtree accepts the URL.
func (n *Node) matchAny(url string) (bool, error) {
	if n.urlMatcher != nil {
		_, ok, err := n.urlMatcher.Match(&Env{URL: url})
		if err != nil || ok {
			return ok, err
		}
	}
	for _, child := range n.children {
		ok, err := child.matchAny(url)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// add appends a child during parsing.
func (n *Node) add(child *Node) error {
	if n.fileContent != nil {
		return configErrorf(n.fileContent.src, "file content nodes are terminal and cannot have children")
	}
	n.children = append(n.children, child)
	return nil
}
