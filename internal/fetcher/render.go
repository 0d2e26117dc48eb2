package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/amachang/media-query/pkg/types"
)

// RenderOptions configures headless browser rendering.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultBodyLimit
	}
	if o.ConcurrentSessions <= 0 {
		o.ConcurrentSessions = 1
	}
	if o.CaptureDelay <= 0 {
		o.CaptureDelay = 1500 * time.Millisecond
	}
	return o
}

// ChromedpRenderer drives headless Chrome through chromedp. Sessions
// are expensive, so the renderer caps how many run at once.
type ChromedpRenderer struct {
	opts   RenderOptions
	slots  chan struct{}
	logger *slog.Logger
}

func NewChromedpRenderer(opts RenderOptions, logger *slog.Logger) *ChromedpRenderer {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:   opts,
		slots:  make(chan struct{}, opts.ConcurrentSessions),
		logger: logger,
	}
}

// Render loads the URL in a browser session and captures the DOM after
// scripts have run.
func (r *ChromedpRenderer) Render(parentCtx context.Context, rawURL string) (*types.Page, error) {
	select {
	case r.slots <- struct{}{}:
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}
	defer func() { <-r.slots }()

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocCancel()
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	var dom, location string
	start := time.Now()
	if err := chromedp.Run(chromeCtx, r.captureActions(rawURL, &dom, &location)...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	latency := time.Since(start)

	if int64(len(dom)) > r.opts.MaxBodyBytes {
		dom = dom[:r.opts.MaxBodyBytes]
	}
	if location == "" {
		location = rawURL
	}
	r.logger.Debug("render complete", "url", rawURL, "final_url", location, "latency_ms", latency.Milliseconds())

	return &types.Page{
		URL:             rawURL,
		FinalURL:        location,
		Body:            []byte(dom),
		ContentType:     "text/html; charset=utf-8",
		StatusCode:      200,
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
	}, nil
}

func (r *ChromedpRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	return opts
}

// captureActions navigates, waits for the page to settle, then reads
// the document HTML and final location.
func (r *ChromedpRenderer) captureActions(rawURL string, dom, location *string) []chromedp.Action {
	actions := []chromedp.Action{chromedp.Navigate(rawURL)}
	if sel := strings.TrimSpace(r.opts.WaitForSelector); sel != "" {
		actions = append(actions,
			chromedp.WaitReady(sel, chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	} else {
		actions = append(actions, chromedp.Sleep(r.opts.CaptureDelay))
	}
	return append(actions,
		chromedp.OuterHTML("html", dom, chromedp.ByQuery),
		chromedp.Location(location),
	)
}
