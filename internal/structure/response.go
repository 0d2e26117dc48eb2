package structure

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Response is one fetched HTTP exchange as the matcher sees it: the final
// URL plus the body. The parsed document is built lazily and shared across
// rule evaluations for the same response.
type Response struct {
	URL  string
	Body []byte

	base *url.URL

	once sync.Once
	doc  *html.Node
	err  error
}

// NewResponse wraps a fetched body. The URL must be absolute; it is the
// base for resolving relative links.
func NewResponse(rawURL string, body []byte) (*Response, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("response url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("response url %q is not absolute", rawURL)
	}
	return &Response{URL: rawURL, Body: body, base: base}, nil
}

// Doc returns the parsed HTML document, parsing on first use. html.Parse
// is lenient, so malformed markup still yields a tree.
func (r *Response) Doc() *html.Node {
	r.once.Do(func() {
		r.doc, r.err = htmlquery.Parse(bytes.NewReader(r.Body))
	})
	return r.doc
}

// Text returns the body as text, or ErrBinaryContent when it is not valid
// UTF-8. Debug tooling uses the error to switch to a binary-safe view.
func (r *Response) Text() (string, error) {
	if !utf8.Valid(r.Body) {
		return "", ErrBinaryContent
	}
	return string(r.Body), nil
}

// Link is one outgoing URL occurrence together with the element that
// produced it.
type Link struct {
	URL string
	El  *html.Node
}

// linkSelector covers the element/attribute pairs link discovery follows.
const linkSelector = "a[href], img[src], iframe[src], script[src], video[src], source[src], embed[src]"

// Links enumerates outgoing links within the given content region, in
// document order, resolved against the response URL, fragment-stripped and
// deduplicated by final absolute URL. A nil scope searches the whole
// document.
func (r *Response) Links(scope []*html.Node) []Link {
	doc := r.Doc()
	if doc == nil {
		return nil
	}
	if len(scope) == 0 {
		scope = []*html.Node{doc}
	}

	seen := make(map[string]struct{})
	var links []Link
	for _, root := range scope {
		sel := goquery.NewDocumentFromNode(root).Find(linkSelector)
		sel.Each(func(_ int, s *goquery.Selection) {
			el := s.Get(0)
			raw, ok := s.Attr("href")
			if !ok {
				raw, ok = s.Attr("src")
			}
			if !ok {
				return
			}
			raw = strings.TrimSpace(raw)
			if raw == "" || strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "mailto:") || strings.HasPrefix(raw, "data:") {
				return
			}
			u, err := r.base.Parse(raw)
			if err != nil {
				return
			}
			u.Fragment = ""
			abs := u.String()
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			links = append(links, Link{URL: abs, El: el})
		})
	}
	return links
}
