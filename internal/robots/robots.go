package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/amachang/media-query/internal/config"
)

// Agent answers "may I fetch this URL" questions against robots.txt, with
// parsed rules cached per scheme://host until their TTL lapses.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	overrides map[string]struct{}

	mu    sync.Mutex
	sites map[string]siteRules
}

// siteRules is one cached robots.txt. A nil data means the site serves no
// robots file, which permits everything.
type siteRules struct {
	expires time.Time
	data    *robotstxt.RobotsData
}

// NewAgent constructs an agent from configuration.
func NewAgent(cfg config.RobotsConfig, userAgent string, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			overrides[host] = struct{}{}
		}
	}
	return &Agent{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		overrides: overrides,
		sites:     make(map[string]siteRules),
	}
}

// Allowed reports whether the target URL may be fetched. Malformed or
// relative URLs are refused; robots fetch failures fail open so a flaky
// robots endpoint cannot stall a crawl.
func (a *Agent) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}
	if !a.respect {
		return true
	}
	if _, ok := a.overrides[strings.ToLower(target.Hostname())]; ok {
		return true
	}

	rules, err := a.siteRules(ctx, target)
	if err != nil {
		return true
	}
	if rules.data == nil {
		return true
	}
	return rules.data.TestAgent(target.Path, a.userAgent)
}

func (a *Agent) siteRules(ctx context.Context, target *url.URL) (siteRules, error) {
	key := target.Scheme + "://" + strings.ToLower(target.Host)

	a.mu.Lock()
	cached, ok := a.sites[key]
	a.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached, nil
	}

	rules, err := a.fetch(ctx, key+"/robots.txt")
	if err != nil {
		return siteRules{}, err
	}
	a.mu.Lock()
	a.sites[key] = rules
	a.mu.Unlock()
	return rules, nil
}

func (a *Agent) fetch(ctx context.Context, robotsURL string) (siteRules, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return siteRules{}, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return siteRules{}, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	expires := time.Now().Add(a.ttl)
	switch {
	case resp.StatusCode >= 500:
		return siteRules{}, fmt.Errorf("%s returned status %d", robotsURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		// no robots file: everything is allowed, and that is cacheable
		return siteRules{expires: expires}, nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return siteRules{}, fmt.Errorf("parse %s: %w", robotsURL, err)
	}
	return siteRules{expires: expires, data: data}, nil
}
