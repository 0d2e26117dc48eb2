package structure

import (
	"log/slog"
	"slices"

	"golang.org/x/net/html"
)

// Definition is the user-authored site description handed to NewSite. The
// Structure list follows the chain semantics documented on Parse.
type Definition struct {
	StartURL  string
	SaveDir   string
	Login     *Login
	IgnoreURL any
	Structure []any
}

// Login describes an optional form POST performed before the start request.
type Login struct {
	URL      string
	FormData map[string]string
}

// Site is the compiled configuration: entry points consumed by the host
// crawler. It is immutable and safe for concurrent use; each call to
// URLCommands works on its own response and info pair.
type Site struct {
	StartURL string
	SaveDir  string
	Login    *Login

	ignore *urlMatcher
	root   *Node
	logger *slog.Logger
}

// NewSite compiles a definition, failing fast on any malformed rule. A nil
// logger falls back to the default.
func NewSite(def Definition, logger *slog.Logger) (*Site, error) {
	if def.StartURL == "" {
		return nil, configErrorf("", "start_url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := Parse(def.Structure)
	if err != nil {
		return nil, err
	}
	site := &Site{
		StartURL: def.StartURL,
		SaveDir:  def.SaveDir,
		Login:    def.Login,
		root:     root,
		logger:   logger,
	}
	if def.IgnoreURL != nil {
		if site.ignore, err = compileURLMatcher(def.IgnoreURL); err != nil {
			return nil, err
		}
	}
	return site, nil
}

// Root exposes the compiled structure tree.
func (s *Site) Root() *Node { return s.root }

// StartCommand produces the initial request: the configured start URL with
// an empty structure path.
func (s *Site) StartCommand() RequestURLCommand {
	return RequestURLCommand{URL: s.StartURL, Info: URLInfo{URL: s.StartURL}}
}

// URLCommands binds a fetched response to the node located by the info's
// structure path, runs its assertions, and generates the ordered command
// list: children in declaration order with each child's matches in
// link-discovery order, then paging candidates in link-discovery order.
func (s *Site) URLCommands(res *Response, info URLInfo) ([]Command, error) {
	node, err := s.root.NodeByPath(info.StructurePath)
	if err != nil {
		return nil, err
	}
	bound, err := s.bind(node, res, info, nil)
	if err != nil {
		return nil, err
	}
	cmds, err := s.generate(node, bound)
	if err != nil {
		return nil, err
	}
	if !node.IsLeaf() {
		if err := s.reportUnknownLinks(node, bound); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

// reportUnknownLinks surfaces candidate links nothing in the current
// subtree accepts. Unknown links are skipped, not fatal; the debug line is
// the only trace of them.
func (s *Site) reportUnknownLinks(node *Node, bound *boundInfo) error {
	links, err := s.candidateLinks(bound)
	if err != nil {
		return err
	}
	for _, link := range links {
		ok, err := node.matchAny(link.URL)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Debug("link matched no structure", "url", link.URL, "page", bound.URL)
		}
	}
	return nil
}

// bind attaches a response to a node: narrows the content region, checks
// assertions, and appends the node's file path segment when it depends on
// the response. The inherited region scopes link discovery for nodes
// without their own content rule.
func (s *Site) bind(node *Node, res *Response, info URLInfo, inherited []*html.Node) (*boundInfo, error) {
	b := &boundInfo{URLInfo: info, Response: res}
	// redirects make the response URL authoritative
	b.URL = res.URL

	if node.contentArea != nil {
		nodes, err := node.contentArea.eval(b.env())
		if err != nil {
			return nil, err
		}
		b.ContentNodes = nodes
	} else {
		b.ContentNodes = inherited
	}

	if node.assertion != nil {
		if err := node.assertion.check(b.env()); err != nil {
			return nil, err
		}
	}

	if node.NeedsResponseForFilePath() {
		segment, err := node.filePath.eval(b.env())
		if err != nil {
			return nil, err
		}
		b.FilePath = joinPath(b.FilePath, segment)
	}
	return b, nil
}

func (s *Site) generate(node *Node, bound *boundInfo) ([]Command, error) {
	if node.IsLeaf() {
		content, err := s.leafContent(node, bound)
		if err != nil {
			return nil, err
		}
		return []Command{SaveFileContentCommand{FilePath: bound.FilePath, FileContent: content}}, nil
	}

	links, err := s.candidateLinks(bound)
	if err != nil {
		return nil, err
	}

	if node.root {
		return s.rootCommands(node, bound)
	}

	var cmds []Command

	// Child passes: pass-through children descend into the same response;
	// matcher-bearing children claim candidate links, first matching child
	// in declaration order winning each link.
	consumed := make(map[string]struct{})
	for i, child := range node.children {
		if child.NeedsNoRequest() {
			childCmds, err := s.descend(child, i, nil, bound)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, childCmds...)
			continue
		}
		for _, link := range links {
			if _, taken := consumed[link.URL]; taken {
				continue
			}
			m, ok, err := child.urlMatcher.Match(&Env{URL: link.URL, LinkEl: link.El})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			consumed[link.URL] = struct{}{}
			cmd, err := s.commandForMatch(child, bound.childPath(i), link, m, bound.FilePath)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		}
	}

	// Paging pass: candidates matching this node's own matcher re-enter the
	// same structure path without descending. Evaluated independently of
	// the child passes (a link may feed both), emitted after them so a
	// page's own content is handled before the crawl advances to the next
	// page.
	if node.paging {
		pagingCmds, err := s.pagingCommands(node, bound, links)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, pagingCmds...)
	}
	return cmds, nil
}

// candidateLinks enumerates deduplicated outgoing links from the bound
// content region, dropping those the site's ignore matcher claims.
func (s *Site) candidateLinks(bound *boundInfo) ([]Link, error) {
	links := bound.Response.Links(bound.ContentNodes)
	if s.ignore == nil {
		return links, nil
	}
	kept := links[:0]
	for _, link := range links {
		_, ignored, err := s.ignore.Match(&Env{URL: link.URL, LinkEl: link.El})
		if err != nil {
			return nil, err
		}
		if !ignored {
			kept = append(kept, link)
		}
	}
	return kept, nil
}

func (s *Site) pagingCommands(node *Node, bound *boundInfo, links []Link) ([]Command, error) {
	var cmds []Command
	for _, link := range links {
		m, ok, err := node.urlMatcher.Match(&Env{URL: link.URL, LinkEl: link.El})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// Paging advances within the same logical directory: the node's own
		// segment is replaced, not nested.
		base := bound.FilePath
		if node.filePath != nil {
			base = dropLastSegment(base)
		}
		env := &Env{URL: link.URL, LinkEl: link.El, URLMatch: m}
		filePath := base
		if node.filePath != nil && !node.filePath.needsResponse {
			segment, err := node.filePath.eval(env)
			if err != nil {
				return nil, err
			}
			filePath = joinPath(base, segment)
		}
		target := link.URL
		if node.urlConverter != nil {
			if target, err = node.urlConverter.eval(env); err != nil {
				return nil, err
			}
		}
		cmds = append(cmds, RequestURLCommand{
			URL: target,
			Info: URLInfo{
				URL:           target,
				LinkEl:        link.El,
				Match:         m,
				FilePath:      filePath,
				StructurePath: slices.Clone(bound.StructurePath),
			},
		})
	}
	return cmds, nil
}

// rootCommands dispatches the current response to the root's children,
// matching the current URL rather than discovered links. Competing
// top-level structures are tried in declaration order and the first match
// claims the response; a start URL no child accepts is fatal.
func (s *Site) rootCommands(node *Node, bound *boundInfo) ([]Command, error) {
	for i, child := range node.children {
		var m *URLMatch
		if child.urlMatcher != nil {
			var ok bool
			var err error
			m, ok, err = child.urlMatcher.Match(&Env{URL: bound.URL})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		return s.descend(child, i, m, bound)
	}
	return nil, &UnmatchedStartURLError{URL: bound.URL}
}

// descend re-binds the current response one level deeper without a new
// fetch, used for root dispatch and pass-through children.
func (s *Site) descend(child *Node, index int, m *URLMatch, parent *boundInfo) ([]Command, error) {
	info := URLInfo{
		URL:           parent.URL,
		LinkEl:        parent.LinkEl,
		Match:         m,
		FilePath:      parent.FilePath,
		StructurePath: parent.childPath(index),
	}
	if child.filePath != nil && !child.filePath.needsResponse {
		segment, err := child.filePath.eval(&Env{URL: info.URL, LinkEl: info.LinkEl, URLMatch: m})
		if err != nil {
			return nil, err
		}
		info.FilePath = joinPath(info.FilePath, segment)
	}
	bound, err := s.bind(child, parent.Response, info, parent.ContentNodes)
	if err != nil {
		return nil, err
	}
	return s.generate(child, bound)
}

// commandForMatch classifies one matched link: leaves whose path and
// content are resolvable without a fetch short-circuit to save or download
// commands; everything else recurses through a request.
func (s *Site) commandForMatch(child *Node, path []int, link Link, m *URLMatch, basePath string) (Command, error) {
	env := &Env{URL: link.URL, LinkEl: link.El, URLMatch: m}

	filePath := basePath
	if child.filePath != nil && !child.filePath.needsResponse {
		segment, err := child.filePath.eval(env)
		if err != nil {
			return nil, err
		}
		filePath = joinPath(filePath, segment)
	}

	target := link.URL
	if child.urlConverter != nil {
		var err error
		if target, err = child.urlConverter.eval(env); err != nil {
			return nil, err
		}
	}

	if child.IsLeaf() && child.CanGetFilePathBeforeRequest() {
		if child.fileContent == nil {
			return DownloadURLCommand{URL: target, FilePath: filePath}, nil
		}
		if !child.fileContent.needsResponse {
			content, err := child.fileContent.eval(env)
			if err != nil {
				return nil, err
			}
			return SaveFileContentCommand{FilePath: filePath, FileContent: content}, nil
		}
	}

	return RequestURLCommand{
		URL: target,
		Info: URLInfo{
			URL:           target,
			LinkEl:        link.El,
			Match:         m,
			FilePath:      filePath,
			StructurePath: path,
		},
	}, nil
}

func (s *Site) leafContent(node *Node, bound *boundInfo) ([]byte, error) {
	if node.fileContent != nil {
		return node.fileContent.eval(bound.env())
	}
	return bound.Response.Body, nil
}
