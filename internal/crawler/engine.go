package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/amachang/media-query/internal/config"
	"github.com/amachang/media-query/internal/fetcher"
	robotsclient "github.com/amachang/media-query/internal/robots"
	"github.com/amachang/media-query/internal/storage"
	"github.com/amachang/media-query/internal/structure"
	"github.com/amachang/media-query/pkg/types"
)

// Engine executes the commands the structure matcher generates: it fetches
// pages, feeds responses back into command generation, downloads binaries,
// and writes extracted content to disk.
type Engine struct {
	cfg     config.Config
	site    *structure.Site
	fetcher *fetcher.Composite
	http    *fetcher.HTTPFetcher
	robots  *robotsclient.Agent
	limiter *DomainLimiter
	writer  *storage.FileWriter
	journal *storage.Journal
	visited *VisitedSet
	logger  *slog.Logger

	pool   *Pool
	cancel context.CancelFunc

	mu       sync.Mutex
	fatalErr error
}

// NewEngine compiles the site definition and wires the crawl collaborators.
func NewEngine(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	site, err := structure.NewSite(cfg.Site.Definition(), logger)
	if err != nil {
		return nil, err
	}

	writer, err := storage.NewFileWriter(site.SaveDir)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
	}, jar)
	if err != nil {
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	var renderer fetcher.Renderer
	if cfg.Rendering.Enabled {
		switch cfg.Rendering.Engine {
		case "", "chromedp", "chrome":
			renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
				Timeout:            cfg.Rendering.Timeout.Duration,
				WaitForSelector:    cfg.Rendering.WaitForSelector,
				UserAgent:          cfg.Crawl.UserAgent,
				MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
				DisableHeadless:    cfg.Rendering.DisableHeadless,
				ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
			}, logger)
		case "none":
		default:
			return nil, fmt.Errorf("unsupported rendering engine %q", cfg.Rendering.Engine)
		}
	}

	var journal *storage.Journal
	if cfg.Journal.DSN != "" {
		if journal, err = storage.NewJournal(cfg.Journal); err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:     cfg,
		site:    site,
		fetcher: fetcher.NewComposite(httpFetcher, renderer, cfg.Rendering.Enabled),
		http:    httpFetcher,
		robots:  robotsclient.NewAgent(cfg.Robots, cfg.Crawl.UserAgent, httpFetcher.Client()),
		limiter: NewDomainLimiter(cfg.Crawl.PerDomainDelay.Duration, RateLimiterSettings{
			Requests: cfg.Crawl.RateLimit.Requests,
			Window:   cfg.Crawl.RateLimit.Window.Duration,
		}),
		writer:  writer,
		journal: journal,
		visited: NewVisitedSet(0),
		logger:  logger,
	}, nil
}

// Site exposes the compiled site configuration.
func (e *Engine) Site() *structure.Site { return e.site }

// Run logs in when configured, issues the start command, and executes
// generated commands until the frontier drains or the context cancels.
func (e *Engine) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	e.cancel = cancel

	e.pool = NewPool(ctx, e.cfg.Crawl.Concurrency)
	defer e.Close()

	if e.site.Login != nil {
		if err := e.login(ctx); err != nil {
			return err
		}
	}

	e.dispatch(e.site.StartCommand())

	done := make(chan struct{})
	go func() {
		e.pool.Wait()
		close(done)
	}()

	select {
	case <-parent.Done():
		e.logger.Warn("context cancelled, shutting down")
		<-done
		return parent.Err()
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.fatalErr
	}
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	return e.journal.Close()
}

func (e *Engine) login(ctx context.Context) error {
	login := e.site.Login
	var err error
	if len(login.FormData) == 0 {
		_, err = e.http.Fetch(ctx, login.URL)
	} else {
		form := make(url.Values, len(login.FormData))
		for k, v := range login.FormData {
			form.Set(k, v)
		}
		_, err = e.http.PostForm(ctx, login.URL, form)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	e.logger.Info("logged in", "url", login.URL)
	return nil
}

func (e *Engine) dispatch(cmd structure.Command) {
	e.pool.Go(func(ctx context.Context) {
		e.execute(ctx, cmd)
	})
}

func (e *Engine) execute(ctx context.Context, cmd structure.Command) {
	if ctx.Err() != nil {
		return
	}
	switch c := cmd.(type) {
	case structure.RequestURLCommand:
		e.handleRequest(ctx, c)
	case structure.DownloadURLCommand:
		e.handleDownload(ctx, c)
	case structure.SaveFileContentCommand:
		e.handleSave(ctx, c)
	default:
		e.logger.Error("unknown command", "command", fmt.Sprintf("%T", cmd))
	}
}

func (e *Engine) handleRequest(ctx context.Context, cmd structure.RequestURLCommand) {
	if !e.visited.Visit(cmd.URL, cmd.Info.StructurePath) {
		return
	}
	page, ok := e.fetchPage(ctx, cmd.URL, false)
	if !ok {
		return
	}

	res, err := structure.NewResponse(page.FinalURL, page.Body)
	if err != nil {
		e.logger.Warn("bad response", "url", cmd.URL, "error", err)
		return
	}

	cmds, err := e.site.URLCommands(res, cmd.Info)
	if err != nil {
		var unmatched *structure.UnmatchedStartURLError
		if errors.As(err, &unmatched) {
			e.fail(err)
			return
		}
		var assertion *structure.AssertionError
		if errors.As(err, &assertion) {
			e.logger.Error("page failed assertion, skipping", "url", cmd.URL, "error", err)
			return
		}
		e.logger.Error("command generation failed", "url", cmd.URL, "error", err)
		return
	}

	e.logger.Debug("page processed", "url", cmd.URL, "commands", len(cmds))
	for _, next := range cmds {
		e.dispatch(next)
	}
}

func (e *Engine) handleDownload(ctx context.Context, cmd structure.DownloadURLCommand) {
	exists, err := e.writer.Exists(cmd.FilePath)
	if err != nil {
		e.logger.Error("stat failed", "file", cmd.FilePath, "error", err)
		return
	}
	if exists {
		e.logger.Debug("already downloaded", "file", cmd.FilePath)
		return
	}

	page, ok := e.fetchPage(ctx, cmd.URL, true)
	if !ok {
		return
	}
	e.save(ctx, cmd.URL, cmd.FilePath, page.Body)
}

func (e *Engine) handleSave(ctx context.Context, cmd structure.SaveFileContentCommand) {
	e.save(ctx, "", cmd.FilePath, cmd.FileContent)
}

// fetchPage applies robots and politeness gates before fetching. Binary
// downloads bypass the renderer.
func (e *Engine) fetchPage(ctx context.Context, rawURL string, raw bool) (*types.Page, bool) {
	if !e.robots.Allowed(ctx, rawURL) {
		e.logger.Debug("blocked by robots", "url", rawURL)
		return nil, false
	}

	if err := e.limiter.Wait(ctx, rawURL); err != nil {
		return nil, false
	}

	fetch := e.fetcher.Fetch
	if raw {
		fetch = e.fetcher.FetchRaw
	}
	fetched, err := fetch(ctx, rawURL)
	if err != nil {
		e.logger.Warn("fetch failed", "url", rawURL, "error", err)
		return nil, false
	}
	if fetched.StatusCode >= 400 {
		e.logger.Warn("fetch returned error status", "url", rawURL, "status", fetched.StatusCode)
		return nil, false
	}
	return fetched, true
}

func (e *Engine) save(ctx context.Context, sourceURL, filePath string, content []byte) {
	skipped, err := e.writer.Save(filePath, content)
	if err != nil {
		e.logger.Error("save failed", "file", filePath, "error", err)
		return
	}
	if skipped {
		e.logger.Debug("already saved", "file", filePath)
		return
	}
	e.logger.Info("saved", "file", filePath, "bytes", len(content))
	if e.journal != nil {
		if err := e.journal.Record(ctx, sourceURL, filePath, content); err != nil {
			e.logger.Error("journal failed", "file", filePath, "error", err)
		}
	}
}

// fail records the first fatal error and stops the crawl.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.mu.Unlock()
	e.logger.Error("fatal crawl error", "error", err)
	if e.cancel != nil {
		e.cancel()
	}
}
