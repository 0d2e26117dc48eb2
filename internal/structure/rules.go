package structure

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// Env carries the values a rule function may consult. Fields that are not
// available at the current evaluation stage are left zero: URL-only
// evaluation (before a fetch) never sets Response or ContentNodes.
type Env struct {
	URL          string
	LinkEl       *html.Node
	URLMatch     *URLMatch
	Response     *Response
	ContentNodes []*html.Node
}

// Rule function signatures. A function rule receives the whole Env and reads
// only the fields it cares about. Functions that read Response or
// ContentNodes must be wrapped in WithResponse so the engine knows the rule
// cannot run before the page is fetched.
type (
	MatcherFunc func(env *Env) (bool, error)
	StringFunc  func(env *Env) (string, error)
	NodesFunc   func(env *Env) ([]*html.Node, error)
	BytesFunc   func(env *Env) ([]byte, error)
	BoolFunc    func(env *Env) (bool, error)
)

// WithResponse marks a rule function as response-dependent. Rules not
// wrapped in it are assumed to be computable from the URL alone, which lets
// leaf nodes short-circuit to download commands without a fetch.
type WithResponse struct {
	Fn any
}

// URLMatch holds the capture groups of a regexp URL matcher, feeding
// downstream templates.
type URLMatch struct {
	re  *regexp.Regexp
	url string
	idx []int
}

// Group returns the i-th capture group, with 0 being the whole match.
func (m *URLMatch) Group(i int) string {
	if m == nil || 2*i+1 >= len(m.idx) {
		return ""
	}
	lo, hi := m.idx[2*i], m.idx[2*i+1]
	if lo < 0 {
		return ""
	}
	return m.url[lo:hi]
}

// Expand substitutes group references in template. Both Go ($1, ${name})
// and Python (\g<1>, \g<name>) reference styles are accepted, since site
// definitions written for the original tooling use the latter.
func (m *URLMatch) Expand(template string) string {
	return string(m.re.ExpandString(nil, normalizeTemplate(template), m.url, m.idx))
}

var pythonGroupRef = regexp.MustCompile(`\\g<([^>]+)>`)

func normalizeTemplate(template string) string {
	return pythonGroupRef.ReplaceAllString(template, "${$1}")
}

func templateHasRefs(template string) bool {
	return strings.ContainsRune(normalizeTemplate(template), '$')
}

// funcSource names a function rule for error messages.
func funcSource(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() == reflect.Func {
		if f := runtime.FuncForPC(v.Pointer()); f != nil {
			return fmt.Sprintf("func %s", f.Name())
		}
	}
	return fmt.Sprintf("%T", fn)
}

// urlMatcher decides whether a URL belongs to a node. Variants: anchored
// regexp, predicate function, or an OR-list of sub-matchers.
type urlMatcher struct {
	src  string
	re   *regexp.Regexp
	fn   MatcherFunc
	alts []*urlMatcher
}

func compileURLMatcher(def any) (*urlMatcher, error) {
	switch d := def.(type) {
	case string:
		re, err := regexp.Compile(`\A(?:` + d + `)\z`)
		if err != nil {
			return nil, &ConfigError{Source: d, Reason: "invalid url regexp", Err: err}
		}
		return &urlMatcher{src: d, re: re}, nil
	case MatcherFunc:
		return &urlMatcher{src: funcSource(d), fn: d}, nil
	case func(env *Env) (bool, error):
		return &urlMatcher{src: funcSource(d), fn: d}, nil
	case []any:
		m := &urlMatcher{}
		var srcs []string
		for _, sub := range d {
			alt, err := compileURLMatcher(sub)
			if err != nil {
				return nil, err
			}
			m.alts = append(m.alts, alt)
			srcs = append(srcs, alt.src)
		}
		m.src = strings.Join(srcs, " | ")
		return m, nil
	default:
		return nil, configErrorf(fmt.Sprintf("%v", def), "unknown url matcher type %T", def)
	}
}

// Match tests a URL. For regexp matchers a successful match carries its
// capture groups.
func (m *urlMatcher) Match(env *Env) (*URLMatch, bool, error) {
	switch {
	case m.re != nil:
		idx := m.re.FindStringSubmatchIndex(env.URL)
		if idx == nil {
			return nil, false, nil
		}
		return &URLMatch{re: m.re, url: env.URL, idx: idx}, true, nil
	case m.fn != nil:
		ok, err := m.fn(env)
		if err != nil {
			return nil, false, fmt.Errorf("url matcher %s: %w", m.src, err)
		}
		return nil, ok, nil
	default:
		for _, alt := range m.alts {
			match, ok, err := alt.Match(env)
			if err != nil || ok {
				return match, ok, err
			}
		}
		return nil, false, nil
	}
}

// stringRule produces one string from a URL occurrence: a rewritten URL
// (as_url) or a file path segment (file_path). The template form expands
// capture groups of the node's URL match and never needs a response.
type stringRule struct {
	src           string
	template      string
	isTemplate    bool
	fn            StringFunc
	needsResponse bool
}

func compileStringRule(def any, kind string, supportsResponse bool) (*stringRule, error) {
	switch d := def.(type) {
	case string:
		return &stringRule{src: d, template: d, isTemplate: true}, nil
	case StringFunc:
		return &stringRule{src: funcSource(d), fn: d}, nil
	case func(env *Env) (string, error):
		return &stringRule{src: funcSource(d), fn: d}, nil
	case WithResponse:
		if !supportsResponse {
			return nil, configErrorf(funcSource(d.Fn), "%s rules cannot depend on a response", kind)
		}
		fn, ok := d.Fn.(StringFunc)
		if !ok {
			if raw, k := d.Fn.(func(env *Env) (string, error)); k {
				fn = raw
			} else {
				return nil, configErrorf(fmt.Sprintf("%T", d.Fn), "%s rule function must return a string", kind)
			}
		}
		return &stringRule{src: funcSource(d.Fn), fn: fn, needsResponse: true}, nil
	default:
		return nil, configErrorf(fmt.Sprintf("%v", def), "unknown %s rule type %T", kind, def)
	}
}

func (r *stringRule) eval(env *Env) (string, error) {
	var out string
	var err error
	if r.isTemplate {
		if env.URLMatch != nil {
			out = env.URLMatch.Expand(r.template)
		} else if !templateHasRefs(r.template) {
			out = r.template
		}
	} else {
		out, err = r.fn(env)
		if err != nil {
			return "", fmt.Errorf("rule %s: %w", r.src, err)
		}
	}
	if out == "" {
		return "", &RuleResultError{Source: r.src, URL: env.URL}
	}
	return out, nil
}

// nodesRule narrows a response to a content region before link discovery.
// Always response-bound.
type nodesRule struct {
	src   string
	query *xpath.Expr
	fn    NodesFunc
}

func compileNodesRule(def any) (*nodesRule, error) {
	switch d := def.(type) {
	case string:
		expr, err := xpath.Compile(d)
		if err != nil {
			return nil, &ConfigError{Source: d, Reason: "invalid content xpath", Err: err}
		}
		return &nodesRule{src: d, query: expr}, nil
	case NodesFunc:
		return &nodesRule{src: funcSource(d), fn: d}, nil
	case func(env *Env) ([]*html.Node, error):
		return &nodesRule{src: funcSource(d), fn: d}, nil
	default:
		return nil, configErrorf(fmt.Sprintf("%v", def), "unknown content rule type %T", def)
	}
}

func (r *nodesRule) eval(env *Env) ([]*html.Node, error) {
	var nodes []*html.Node
	if r.query != nil {
		nodes = htmlquery.QuerySelectorAll(env.Response.Doc(), r.query)
	} else {
		var err error
		nodes, err = r.fn(env)
		if err != nil {
			return nil, fmt.Errorf("content rule %s: %w", r.src, err)
		}
	}
	if len(nodes) == 0 {
		return nil, &RuleResultError{Source: r.src, URL: env.URL}
	}
	return nodes, nil
}

// bytesRule produces the bytes saved for a leaf node. The XPath form
// serializes matched node texts as a JSON array of strings.
type bytesRule struct {
	src           string
	query         *xpath.Expr
	fn            BytesFunc
	needsResponse bool
}

func compileBytesRule(def any) (*bytesRule, error) {
	switch d := def.(type) {
	case string:
		expr, err := xpath.Compile(d)
		if err != nil {
			return nil, &ConfigError{Source: d, Reason: "invalid file content xpath", Err: err}
		}
		return &bytesRule{src: d, query: expr, needsResponse: true}, nil
	case BytesFunc:
		return &bytesRule{src: funcSource(d), fn: d}, nil
	case func(env *Env) ([]byte, error):
		return &bytesRule{src: funcSource(d), fn: d}, nil
	case WithResponse:
		fn, ok := d.Fn.(BytesFunc)
		if !ok {
			if raw, k := d.Fn.(func(env *Env) ([]byte, error)); k {
				fn = raw
			} else {
				return nil, configErrorf(fmt.Sprintf("%T", d.Fn), "file content rule function must return bytes")
			}
		}
		return &bytesRule{src: funcSource(d.Fn), fn: fn, needsResponse: true}, nil
	default:
		return nil, configErrorf(fmt.Sprintf("%v", def), "unknown file content rule type %T", def)
	}
}

func (r *bytesRule) eval(env *Env) ([]byte, error) {
	if r.query != nil {
		scope := env.ContentNodes
		if len(scope) == 0 {
			scope = []*html.Node{env.Response.Doc()}
		}
		var texts []string
		for _, root := range scope {
			for _, n := range htmlquery.QuerySelectorAll(root, r.query) {
				texts = append(texts, htmlquery.InnerText(n))
			}
		}
		if len(texts) == 0 {
			return nil, &RuleResultError{Source: r.src, URL: env.URL}
		}
		out, err := json.Marshal(texts)
		if err != nil {
			return nil, fmt.Errorf("file content rule %s: %w", r.src, err)
		}
		return out, nil
	}
	out, err := r.fn(env)
	if err != nil {
		return nil, fmt.Errorf("file content rule %s: %w", r.src, err)
	}
	if out == nil {
		return nil, &RuleResultError{Source: r.src, URL: env.URL}
	}
	return out, nil
}

// assertRule checks a page invariant: an XPath truth test, a boolean
// function, or a list of sub-assertions that must all hold.
type assertRule struct {
	src   string
	query *xpath.Expr
	fn    BoolFunc
	subs  []*assertRule
}

func compileAssertRule(def any) (*assertRule, error) {
	switch d := def.(type) {
	case string:
		expr, err := xpath.Compile(d)
		if err != nil {
			return nil, &ConfigError{Source: d, Reason: "invalid assert xpath", Err: err}
		}
		return &assertRule{src: d, query: expr}, nil
	case BoolFunc:
		return &assertRule{src: funcSource(d), fn: d}, nil
	case func(env *Env) (bool, error):
		return &assertRule{src: funcSource(d), fn: d}, nil
	case []any:
		a := &assertRule{}
		var srcs []string
		for _, sub := range d {
			s, err := compileAssertRule(sub)
			if err != nil {
				return nil, err
			}
			a.subs = append(a.subs, s)
			srcs = append(srcs, s.src)
		}
		a.src = strings.Join(srcs, " and ")
		return a, nil
	default:
		return nil, configErrorf(fmt.Sprintf("%v", def), "unknown assert rule type %T", def)
	}
}

func (r *assertRule) check(env *Env) error {
	switch {
	case r.query != nil:
		nav := htmlquery.CreateXPathNavigator(env.Response.Doc())
		if !truthy(r.query.Evaluate(nav)) {
			return &AssertionError{Source: r.src, URL: env.URL}
		}
	case r.fn != nil:
		ok, err := r.fn(env)
		if err != nil {
			return fmt.Errorf("assert rule %s: %w", r.src, err)
		}
		if !ok {
			return &AssertionError{Source: r.src, URL: env.URL}
		}
	default:
		for _, sub := range r.subs {
			if err := sub.check(env); err != nil {
				return err
			}
		}
	}
	return nil
}

// truthy coerces an XPath evaluation result the way the XPath boolean()
// function would.
func truthy(v any) bool {
	switch r := v.(type) {
	case bool:
		return r
	case float64:
		return r != 0
	case string:
		return r != ""
	case *xpath.NodeIterator:
		return r.MoveNext()
	default:
		return v != nil
	}
}
