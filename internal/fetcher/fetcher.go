package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/amachang/media-query/pkg/types"
)

// Fetcher retrieves one URL as a Page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
}

const (
	defaultTimeout   = 15 * time.Second
	defaultBodyLimit = 32 << 20
)

// HTTPFetcher fetches over plain HTTP. All requests share one cookie jar,
// so a session established by the login POST carries into every later
// fetch.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	bodyLimit int64
}

// NewHTTPFetcher constructs a fetcher; the jar is required for login
// session support and may be shared with other clients.
func NewHTTPFetcher(opts Options, jar http.CookieJar) (*HTTPFetcher, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy := strings.TrimSpace(opts.ProxyURL); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			Jar:       jar,
		},
		userAgent: opts.UserAgent,
		headers:   headers,
		bodyLimit: limit,
	}, nil
}

// Fetch issues a GET and returns the decoded page.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*types.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	f.decorate(req)
	return f.do(req, rawURL)
}

// PostForm submits form values, used for the pre-crawl login.
func (f *HTTPFetcher) PostForm(ctx context.Context, rawURL string, form url.Values) (*types.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.decorate(req)
	return f.do(req, rawURL)
}

func (f *HTTPFetcher) do(req *http.Request, rawURL string) (*types.Page, error) {
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	body, err := f.readAll(resp)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &types.Page{
		URL:             rawURL,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

func (f *HTTPFetcher) decorate(req *http.Request) {
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
}

// readAll drains the response through the negotiated content decoder,
// enforcing the body size cap.
func (f *HTTPFetcher) readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	default:
		reader = resp.Body
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.bodyLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.bodyLimit {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.bodyLimit)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt
// fetches share the jar and proxy settings).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Renderer executes JavaScript and returns the rendered DOM.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (*types.Page, error)
}

// Composite routes page fetches through the renderer when one is
// configured, falling back to plain HTTP on render errors; binary
// downloads always take plain HTTP.
type Composite struct {
	httpFetcher Fetcher
	renderer    Renderer
	renderPages bool
}

// NewComposite builds the composite fetcher.
func NewComposite(httpFetcher Fetcher, renderer Renderer, renderPages bool) *Composite {
	return &Composite{
		httpFetcher: httpFetcher,
		renderer:    renderer,
		renderPages: renderPages && renderer != nil,
	}
}

// Fetch retrieves a page for structure matching.
func (c *Composite) Fetch(ctx context.Context, rawURL string) (*types.Page, error) {
	if c.renderPages {
		if page, err := c.renderer.Render(ctx, rawURL); err == nil {
			return page, nil
		}
	}
	return c.httpFetcher.Fetch(ctx, rawURL)
}

// FetchRaw bypasses the renderer for opaque binary downloads.
func (c *Composite) FetchRaw(ctx context.Context, rawURL string) (*types.Page, error) {
	return c.httpFetcher.Fetch(ctx, rawURL)
}
