package structure

import "fmt"

// NodeDef is the full rule form of one structure level. Rule fields accept
// the string shorthands (regexp, template, XPath) or the function forms
// declared in rules.go; URL additionally accepts an OR-list.
type NodeDef struct {
	URL         any
	AsURL       any
	Content     any
	FilePath    any
	FileContent any
	Assert      any
	Paging      bool
}

// Branches declares alternative sub-trees sharing the current parent. Each
// alternative is its own structure chain.
type Branches [][]any

// Parse compiles a structure definition into the node tree. Definition
// elements chain downwards: each element becomes the child of the previous
// one. A string element is URL-matcher shorthand, a NodeDef (or YAML map)
// is the full form, and a list of lists grafts branch alternatives onto the
// current level, after which the chain cannot be extended.
func Parse(defs []any) (*Node, error) {
	root := &Node{root: true}
	if err := parseChain(root, defs); err != nil {
		return nil, err
	}
	if err := checkTree(root); err != nil {
		return nil, err
	}
	return root, nil
}

func parseChain(parent *Node, defs []any) error {
	current := parent
	for _, def := range defs {
		if current.sealed {
			return configErrorf(describeDef(def), "cannot extend structure past a branch or terminal node")
		}
		switch d := def.(type) {
		case string:
			node, err := buildNode(&NodeDef{URL: d})
			if err != nil {
				return err
			}
			if err := current.add(node); err != nil {
				return err
			}
			current = node
		case NodeDef:
			node, err := buildNode(&d)
			if err != nil {
				return err
			}
			if err := current.add(node); err != nil {
				return err
			}
			current = node
		case *NodeDef:
			node, err := buildNode(d)
			if err != nil {
				return err
			}
			if err := current.add(node); err != nil {
				return err
			}
			current = node
		case map[string]any:
			nd, err := normalizeNodeDef(d)
			if err != nil {
				return err
			}
			node, err := buildNode(nd)
			if err != nil {
				return err
			}
			if err := current.add(node); err != nil {
				return err
			}
			current = node
		case Branches:
			if err := graftBranches(current, d); err != nil {
				return err
			}
			current.sealed = true
		case []any:
			alternatives, err := branchAlternatives(d)
			if err != nil {
				return err
			}
			if err := graftBranches(current, alternatives); err != nil {
				return err
			}
			current.sealed = true
		default:
			return configErrorf(describeDef(def), "invalid structure definition of type %T", def)
		}
	}
	return nil
}

// branchAlternatives interprets a bare list element as branch alternatives,
// each itself a definition chain.
func branchAlternatives(defs []any) (Branches, error) {
	alternatives := make(Branches, 0, len(defs))
	for _, def := range defs {
		chain, ok := def.([]any)
		if !ok {
			return nil, configErrorf(describeDef(def), "branch alternatives must be lists of structure definitions")
		}
		alternatives = append(alternatives, chain)
	}
	return alternatives, nil
}

func graftBranches(parent *Node, alternatives Branches) error {
	for _, chain := range alternatives {
		sub := &Node{root: true}
		if err := parseChain(sub, chain); err != nil {
			return err
		}
		if len(sub.children) != 1 {
			return configErrorf(describeDef(chain), "each branch alternative must define exactly one top node, got %d", len(sub.children))
		}
		child := sub.children[0]
		child.root = false
		if err := parent.add(child); err != nil {
			return err
		}
	}
	return nil
}

var nodeDefKeys = map[string]struct{}{
	"url": {}, "as_url": {}, "content": {}, "file_path": {},
	"file_content": {}, "assert": {}, "paging": {},
}

// normalizeNodeDef converts the YAML map form into a NodeDef, rejecting
// unknown keys.
func normalizeNodeDef(m map[string]any) (*NodeDef, error) {
	for key := range m {
		if _, ok := nodeDefKeys[key]; !ok {
			return nil, configErrorf(describeDef(m), "unknown structure key %q", key)
		}
	}
	nd := &NodeDef{
		URL:         m["url"],
		AsURL:       m["as_url"],
		Content:     m["content"],
		FilePath:    m["file_path"],
		FileContent: m["file_content"],
		Assert:      m["assert"],
	}
	if raw, ok := m["paging"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return nil, configErrorf(describeDef(m), "paging must be a bool, got %T", raw)
		}
		nd.Paging = b
	}
	return nd, nil
}

func buildNode(nd *NodeDef) (*Node, error) {
	node := &Node{paging: nd.Paging}
	var err error
	if nd.URL != nil {
		if node.urlMatcher, err = compileURLMatcher(nd.URL); err != nil {
			return nil, err
		}
	}
	if nd.AsURL != nil {
		if node.urlConverter, err = compileStringRule(nd.AsURL, "as_url", false); err != nil {
			return nil, err
		}
	}
	if nd.Content != nil {
		if node.contentArea, err = compileNodesRule(nd.Content); err != nil {
			return nil, err
		}
	}
	if nd.FilePath != nil {
		if node.filePath, err = compileStringRule(nd.FilePath, "file_path", true); err != nil {
			return nil, err
		}
	}
	if nd.FileContent != nil {
		if node.fileContent, err = compileBytesRule(nd.FileContent); err != nil {
			return nil, err
		}
		node.sealed = true
	}
	if nd.Assert != nil {
		if node.assertion, err = compileAssertRule(nd.Assert); err != nil {
			return nil, err
		}
	}
	if node.paging && node.urlMatcher == nil {
		return nil, configErrorf(describeDef(*nd), "paging nodes need a url matcher to recognize next-page links")
	}
	return node, nil
}

// checkTree re-validates the terminal invariant over the finished tree:
// nodes carrying a file content rule must be leaves.
func checkTree(node *Node) error {
	if node.fileContent != nil && len(node.children) > 0 {
		return configErrorf(node.fileContent.src, "file content rules are only allowed on leaf nodes")
	}
	for _, child := range node.children {
		if err := checkTree(child); err != nil {
			return err
		}
	}
	return nil
}

func describeDef(def any) string {
	return fmt.Sprintf("%v", def)
}
