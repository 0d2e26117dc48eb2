package structure

import "slices"

// CommandCandidate is one way a bare URL could enter the structure tree,
// produced by the offline debug walk. FilePath segments that would need an
// actual traversal or response are shown as "?".
type CommandCandidate struct {
	StructurePath []int
	RuleSource    string
	Command       Command
}

// SimulatedCommandCandidatesForURL walks the whole tree against a bare URL
// with no live fetch, returning every node whose matcher accepts it paired
// with the command that node would emit. Used by debug tooling, not by the
// crawl loop.
func (s *Site) SimulatedCommandCandidatesForURL(rawURL string) ([]CommandCandidate, error) {
	var out []CommandCandidate
	var walk func(node *Node, path []int, base string) error
	walk = func(node *Node, path []int, base string) error {
		for i, child := range node.children {
			childPath := append(slices.Clone(path), i)
			childBase := base

			var m *URLMatch
			matched := child.urlMatcher == nil
			if child.urlMatcher != nil {
				var err error
				m, matched, err = child.urlMatcher.Match(&Env{URL: rawURL})
				if err != nil {
					return err
				}
			}

			if matched {
				candidate, nextBase := s.simulateNode(child, childPath, rawURL, m, base)
				if child.urlMatcher != nil {
					out = append(out, candidate)
				}
				childBase = nextBase
			} else if child.filePath != nil {
				// a constant segment is known even without a match
				segment := "?"
				if !child.filePath.needsResponse {
					if seg, err := child.filePath.eval(&Env{URL: rawURL}); err == nil {
						segment = seg
					}
				}
				childBase = joinPath(childBase, segment)
			}

			if err := walk(child, childPath, childBase); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.root, nil, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Site) simulateNode(node *Node, path []int, rawURL string, m *URLMatch, base string) (CommandCandidate, string) {
	env := &Env{URL: rawURL, URLMatch: m}

	filePath := base
	if node.filePath != nil {
		segment := "?"
		if !node.filePath.needsResponse {
			if seg, err := node.filePath.eval(env); err == nil {
				segment = seg
			}
		}
		filePath = joinPath(filePath, segment)
	}

	target := rawURL
	if node.urlConverter != nil {
		if converted, err := node.urlConverter.eval(env); err == nil {
			target = converted
		}
	}

	var cmd Command
	switch {
	case node.IsLeaf() && node.CanGetFilePathBeforeRequest() && node.fileContent == nil:
		cmd = DownloadURLCommand{URL: target, FilePath: filePath}
	case node.IsLeaf() && node.CanGetFilePathBeforeRequest() && node.CanGetFileContentBeforeRequest():
		if content, err := node.fileContent.eval(env); err == nil {
			cmd = SaveFileContentCommand{FilePath: filePath, FileContent: content}
		}
	}
	if cmd == nil {
		cmd = RequestURLCommand{
			URL:  target,
			Info: URLInfo{URL: target, Match: m, FilePath: filePath, StructurePath: path},
		}
	}

	return CommandCandidate{
		StructurePath: path,
		RuleSource:    node.MatcherSource(),
		Command:       cmd,
	}, filePath
}
