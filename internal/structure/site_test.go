package structure

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func mustSite(t *testing.T, def Definition) *Site {
	t.Helper()
	site, err := NewSite(def, nil)
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}
	return site
}

func mustResponse(t *testing.T, url, body string) *Response {
	t.Helper()
	res, err := NewResponse(url, []byte(body))
	if err != nil {
		t.Fatalf("NewResponse(%s): %v", url, err)
	}
	return res
}

func asRequest(t *testing.T, cmd Command) RequestURLCommand {
	t.Helper()
	req, ok := cmd.(RequestURLCommand)
	if !ok {
		t.Fatalf("expected RequestURLCommand, got %T", cmd)
	}
	return req
}

func asDownload(t *testing.T, cmd Command) DownloadURLCommand {
	t.Helper()
	dl, ok := cmd.(DownloadURLCommand)
	if !ok {
		t.Fatalf("expected DownloadURLCommand, got %T", cmd)
	}
	return dl
}

func asSave(t *testing.T, cmd Command) SaveFileContentCommand {
	t.Helper()
	save, ok := cmd.(SaveFileContentCommand)
	if !ok {
		t.Fatalf("expected SaveFileContentCommand, got %T", cmd)
	}
	return save
}

func TestStartCommand(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL:  "https://x/",
		Structure: []any{`https://x/.*`},
	})

	cmd := site.StartCommand()
	if cmd.URL != "https://x/" {
		t.Fatalf("start url: got %q", cmd.URL)
	}
	if len(cmd.Info.StructurePath) != 0 {
		t.Fatalf("start structure path should be empty, got %v", cmd.Info.StructurePath)
	}
	if cmd.Info.FilePath != "" {
		t.Fatalf("start file path should be empty, got %q", cmd.Info.FilePath)
	}
}

func TestDownloadCommandsFromTemplates(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{"url": `https://x/`, "file_path": "foo"},
			map[string]any{"url": `https://x/contents/(\w+)`, "file_path": `\g<1>.jpg`},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/contents/a">a</a><a href="/contents/b">b</a>`)
	cmds, err := site.URLCommands(res, site.StartCommand().Info)
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d: %#v", len(cmds), cmds)
	}

	first := asDownload(t, cmds[0])
	if first.URL != "https://x/contents/a" || first.FilePath != "foo/a.jpg" {
		t.Fatalf("first download wrong: %+v", first)
	}
	second := asDownload(t, cmds[1])
	if second.URL != "https://x/contents/b" || second.FilePath != "foo/b.jpg" {
		t.Fatalf("second download wrong: %+v", second)
	}
}

func TestLinkDeduplication(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			map[string]any{"url": `https://x/(\w+)`, "file_path": `\g<1>.bin`},
		},
	})

	// same absolute URL via anchor and image
	res := mustResponse(t, "https://x/", `<a href="/item">go</a><img src="/item">`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
	if dl := asDownload(t, cmds[0]); dl.URL != "https://x/item" {
		t.Fatalf("unexpected download: %+v", dl)
	}
}

func TestFragmentStrippingDeduplicates(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			map[string]any{"url": `https://x/doc`, "file_path": "doc.html"},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/doc#top">top</a><a href="/doc#bottom">bottom</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("fragments should collapse to one URL, got %d commands", len(cmds))
	}
}

func TestRootBranchDispatch(t *testing.T) {
	branches := []any{
		[]any{
			map[string]any{"url": `https://a\.example/`, "file_path": "a"},
			map[string]any{"url": `https://a\.example/(\w+)`, "file_path": `\g<1>.dat`},
		},
		[]any{
			map[string]any{"url": `https://b\.example/`, "file_path": "b"},
			map[string]any{"url": `https://b\.example/(\w+)`, "file_path": `\g<1>.dat`},
		},
	}
	site := mustSite(t, Definition{
		StartURL:  "https://b.example/",
		Structure: []any{branches},
	})

	res := mustResponse(t, "https://b.example/", `<a href="/file">f</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://b.example/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	dl := asDownload(t, cmds[0])
	if dl.FilePath != "b/file.dat" {
		t.Fatalf("should route through second branch, got %+v", dl)
	}
}

func TestRootDispatchFirstMatchWins(t *testing.T) {
	branches := []any{
		[]any{
			map[string]any{"url": `https://x/`, "file_path": "first"},
			map[string]any{"url": `https://x/(\w+)\.dat`, "file_path": `\g<1>.dat`},
		},
		[]any{
			map[string]any{"url": `https://x/`, "file_path": "second"},
			map[string]any{"url": `https://x/(\w+)\.dat`, "file_path": `\g<1>.dat`},
		},
	}
	site := mustSite(t, Definition{
		StartURL:  "https://x/",
		Structure: []any{branches},
	})

	res := mustResponse(t, "https://x/", `<a href="/file.dat">f</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("first matching branch should claim the response alone, got %d commands", len(cmds))
	}
	dl := asDownload(t, cmds[0])
	if dl.FilePath != "first/file.dat" {
		t.Fatalf("expected the first branch's path, got %+v", dl)
	}
}

func TestUnmatchedStartURL(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL:  "https://c.example/",
		Structure: []any{`https://a\.example/`},
	})

	res := mustResponse(t, "https://c.example/", `<p>nothing</p>`)
	_, err := site.URLCommands(res, URLInfo{URL: "https://c.example/"})
	var unmatched *UnmatchedStartURLError
	if !errors.As(err, &unmatched) {
		t.Fatalf("expected UnmatchedStartURLError, got %v", err)
	}
}

func TestPagingKeepsStructurePathAndOrdersAfterChildren(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/list",
		Structure: []any{
			map[string]any{"url": `https://x/list(\?page=\d+)?`, "paging": true},
			map[string]any{"url": `https://x/items/(\d+)`, "file_path": `\g<1>.bin`},
		},
	})

	body := `<a href="/list?page=2">next</a><a href="/items/1">1</a><a href="/items/2">2</a>`
	res := mustResponse(t, "https://x/list", body)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/list", StructurePath: []int{0}})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d: %#v", len(cmds), cmds)
	}

	// the page's own items come before the next-page request
	if dl := asDownload(t, cmds[0]); dl.FilePath != "1.bin" {
		t.Fatalf("first item wrong: %+v", dl)
	}
	if dl := asDownload(t, cmds[1]); dl.FilePath != "2.bin" {
		t.Fatalf("second item wrong: %+v", dl)
	}
	next := asRequest(t, cmds[2])
	if next.URL != "https://x/list?page=2" {
		t.Fatalf("next page wrong: %+v", next)
	}
	if !reflect.DeepEqual(next.Info.StructurePath, []int{0}) {
		t.Fatalf("paging must not descend, got structure path %v", next.Info.StructurePath)
	}
}

func TestPagingReplacesOwnPathSegment(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{"url": `https://x/g/(\w+?)(\?p=\d+)?`, "file_path": `\g<1>`, "paging": true},
			map[string]any{"url": `https://x/g/\w+/(\w+\.jpg)`, "file_path": `\g<1>`},
		},
	})

	body := `<a href="/g/g1/img1.jpg">i</a><a href="/g/g1?p=2">next</a>`
	res := mustResponse(t, "https://x/g/g1", body)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/g/g1", FilePath: "g1", StructurePath: []int{0}})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if dl := asDownload(t, cmds[0]); dl.FilePath != "g1/img1.jpg" {
		t.Fatalf("item path wrong: %+v", dl)
	}
	next := asRequest(t, cmds[1])
	if next.Info.FilePath != "g1" {
		t.Fatalf("paging must replace its own segment, got %q", next.Info.FilePath)
	}
}

func TestFilePathAccumulation(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{"url": `https://x/`, "file_path": "foo"},
			map[string]any{"url": `https://x/dir/(\w+)`, "file_path": `\g<1>`},
			map[string]any{"url": `https://x/files/(\w+\.txt)`, "file_path": `\g<1>`},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/dir/sub">d</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	req := asRequest(t, cmds[0])
	if req.Info.FilePath != "foo/sub" {
		t.Fatalf("intermediate path wrong: %q", req.Info.FilePath)
	}
	if !reflect.DeepEqual(req.Info.StructurePath, []int{0, 0}) {
		t.Fatalf("structure path wrong: %v", req.Info.StructurePath)
	}

	res2 := mustResponse(t, "https://x/dir/sub", `<a href="/files/bar.txt">f</a>`)
	cmds2, err := site.URLCommands(res2, req.Info)
	if err != nil {
		t.Fatalf("URLCommands at depth 2: %v", err)
	}
	dl := asDownload(t, cmds2[0])
	if dl.FilePath != "foo/sub/bar.txt" {
		t.Fatalf("accumulated path wrong: %q", dl.FilePath)
	}
}

func TestFileContentXPathSavesJSONArray(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/page",
		Structure: []any{
			map[string]any{
				"url":          `https://x/page`,
				"file_path":    "page.json",
				"file_content": `//p/text()`,
			},
		},
	})

	res := mustResponse(t, "https://x/page", `<p>first</p><p>second</p>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/page"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	save := asSave(t, cmds[0])
	if save.FilePath != "page.json" {
		t.Fatalf("save path wrong: %q", save.FilePath)
	}
	if got := string(save.FileContent); got != `["first","second"]` {
		t.Fatalf("content wrong: %s", got)
	}
}

func TestLeafWithResponseDependentPathRequestsFirst(t *testing.T) {
	titlePath := WithResponse{Fn: StringFunc(func(env *Env) (string, error) {
		nodes := env.Response.Links(nil)
		_ = nodes
		return "from-response.html", nil
	})}
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			NodeDef{URL: `https://x/detail`, FilePath: titlePath},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/detail">d</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	// path needs the fetched body, so the leaf cannot short-circuit to a download
	req := asRequest(t, cmds[0])
	if req.URL != "https://x/detail" {
		t.Fatalf("request wrong: %+v", req)
	}

	leafRes := mustResponse(t, "https://x/detail", `<html><body>payload</body></html>`)
	leafCmds, err := site.URLCommands(leafRes, req.Info)
	if err != nil {
		t.Fatalf("URLCommands at leaf: %v", err)
	}
	save := asSave(t, leafCmds[0])
	if save.FilePath != "from-response.html" {
		t.Fatalf("leaf path wrong: %q", save.FilePath)
	}
	if !strings.Contains(string(save.FileContent), "payload") {
		t.Fatalf("leaf content should be the raw body, got %q", save.FileContent)
	}
}

func TestURLConversionRewritesTarget(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			map[string]any{
				"url":       `https://x/img/(\w+)`,
				"as_url":    `https://cdn.x/\g<1>.jpg`,
				"file_path": `\g<1>.jpg`,
			},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/img/abc">i</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	dl := asDownload(t, cmds[0])
	if dl.URL != "https://cdn.x/abc.jpg" {
		t.Fatalf("converted url wrong: %q", dl.URL)
	}
	if dl.FilePath != "abc.jpg" {
		t.Fatalf("file path wrong: %q", dl.FilePath)
	}
}

func TestContentAreaScopesLinkDiscovery(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{"url": `https://x/`, "content": `//div[@id='main']`},
			map[string]any{"url": `https://x/(\w+)`, "file_path": `\g<1>.bin`},
		},
	})

	body := `<div id='nav'><a href="/skipme">nav</a></div><div id='main'><a href="/keep">k</a></div>`
	res := mustResponse(t, "https://x/", body)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("links outside the content area must be ignored, got %d commands", len(cmds))
	}
	if dl := asDownload(t, cmds[0]); dl.URL != "https://x/keep" {
		t.Fatalf("wrong link kept: %+v", dl)
	}
}

func TestAssertionFailureAbortsResponse(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{"url": `https://x/`, "assert": `//div[@id='ok']`},
			`https://x/\w+`,
		},
	})

	res := mustResponse(t, "https://x/", `<div id='broken'></div>`)
	_, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	var failed *AssertionError
	if !errors.As(err, &failed) {
		t.Fatalf("expected AssertionError, got %v", err)
	}
	if !strings.Contains(failed.Source, "ok") {
		t.Fatalf("assertion error should cite the rule source, got %q", failed.Source)
	}
}

func TestAssertionListAllMustHold(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			map[string]any{
				"url":    `https://x/`,
				"assert": []any{`//h1`, `//div[@id='missing']`},
			},
			`https://x/\w+`,
		},
	})

	res := mustResponse(t, "https://x/", `<h1>title</h1>`)
	_, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	var failed *AssertionError
	if !errors.As(err, &failed) {
		t.Fatalf("expected AssertionError from second sub-assertion, got %v", err)
	}
}

func TestIgnoreURLDropsLinks(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL:  "https://x/",
		IgnoreURL: `https://x/banner/.*`,
		Structure: []any{
			`https://x/`,
			map[string]any{"url": `https://x/.*`, "file_path": "match.bin"},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/banner/ad1">ad</a><a href="/real">r</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("ignored link should be dropped, got %d commands", len(cmds))
	}
	if dl := asDownload(t, cmds[0]); dl.URL != "https://x/real" {
		t.Fatalf("wrong link survived: %+v", dl)
	}
}

func TestUnknownLinksLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	site, err := NewSite(Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			map[string]any{"url": `https://x/media/(\w+)`, "file_path": `\g<1>.bin`},
		},
	}, logger)
	if err != nil {
		t.Fatalf("NewSite: %v", err)
	}

	res := mustResponse(t, "https://x/", `<a href="/media/pic">p</a><a href="/about">a</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("unknown link must be skipped, got %d commands", len(cmds))
	}
	if !strings.Contains(buf.String(), "https://x/about") {
		t.Fatalf("unmatched link should be logged at debug, log: %s", buf.String())
	}
	if strings.Contains(buf.String(), "https://x/media/pic") {
		t.Fatalf("matched link must not be reported unknown, log: %s", buf.String())
	}
}

func TestFirstMatchingChildClaimsLink(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			[]any{
				[]any{map[string]any{"url": `https://x/media/(\w+)`, "file_path": `first-\g<1>`}},
				[]any{map[string]any{"url": `https://x/\w+/(\w+)`, "file_path": `second-\g<1>`}},
			},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/media/m1">m</a><a href="/other/o1">o</a>`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	// /media/m1 matches both children; the first declared child wins, and
	// output groups by child in declaration order
	if dl := asDownload(t, cmds[0]); dl.FilePath != "first-m1" {
		t.Fatalf("first child should claim the link: %+v", dl)
	}
	if dl := asDownload(t, cmds[1]); dl.FilePath != "second-o1" {
		t.Fatalf("second child gets the rest: %+v", dl)
	}
}

func TestFuncMatcherAndFuncRules(t *testing.T) {
	matcher := MatcherFunc(func(env *Env) (bool, error) {
		return strings.HasSuffix(env.URL, ".png"), nil
	})
	namer := StringFunc(func(env *Env) (string, error) {
		parts := strings.Split(env.URL, "/")
		return parts[len(parts)-1], nil
	})
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			NodeDef{URL: matcher, FilePath: namer},
		},
	})

	res := mustResponse(t, "https://x/", `<img src="/shots/a.png"><img src="/shots/b.gif">`)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("only the png should match, got %d commands", len(cmds))
	}
	dl := asDownload(t, cmds[0])
	if dl.FilePath != "a.png" {
		t.Fatalf("func file path wrong: %+v", dl)
	}
}

func TestRuleResultErrorCitesSource(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			// the referenced group does not exist, so the path expands empty
			map[string]any{"url": `https://x/items/\w+`, "file_path": `\g<5>`},
		},
	})

	res := mustResponse(t, "https://x/", `<a href="/items/a">a</a>`)
	_, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	var ruleErr *RuleResultError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleResultError, got %v", err)
	}
	if ruleErr.Source != `\g<5>` {
		t.Fatalf("error should cite the template source, got %q", ruleErr.Source)
	}
}

func TestPassThroughChildDescends(t *testing.T) {
	site := mustSite(t, Definition{
		StartURL: "https://x/",
		Structure: []any{
			`https://x/`,
			NodeDef{Content: `//div[@id='gallery']`},
			map[string]any{"url": `https://x/(\w+\.jpg)`, "file_path": `\g<1>`},
		},
	})

	body := `<a href="/outside.jpg">out</a><div id='gallery'><a href="/inside.jpg">in</a></div>`
	res := mustResponse(t, "https://x/", body)
	cmds, err := site.URLCommands(res, URLInfo{URL: "https://x/"})
	if err != nil {
		t.Fatalf("URLCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("pass-through content scope should keep one link, got %d", len(cmds))
	}
	if dl := asDownload(t, cmds[0]); dl.FilePath != "inside.jpg" {
		t.Fatalf("wrong link: %+v", dl)
	}
}
