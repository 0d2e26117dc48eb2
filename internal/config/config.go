package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amachang/media-query/internal/structure"
)

// Config captures everything needed to run the crawler: the site definition
// plus engine, robots, rendering, journal and logging settings.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rendering RenderingConfig `yaml:"rendering"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig is the user-authored site description: where to start, where
// to save, and the structure tree. Structure elements stay loosely typed
// here; the structure parser validates them and fails fast on malformed
// rules.
type SiteConfig struct {
	StartURL  string       `yaml:"start_url"`
	SaveDir   string       `yaml:"save_dir"`
	Login     *LoginConfig `yaml:"login"`
	IgnoreURL any          `yaml:"ignore_url"`
	Structure []any        `yaml:"structure"`
}

// LoginConfig describes the pre-crawl login: either a bare URL string (a
// GET establishing a session) or a mapping with form data for a POST.
type LoginConfig struct {
	URL      string            `yaml:"url"`
	FormData map[string]string `yaml:"formdata"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (l *LoginConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&l.URL)
	}
	type plain LoginConfig
	return value.Decode((*plain)(l))
}

// CrawlConfig controls fetching behaviour and concurrency.
type CrawlConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	ProxyURL       string            `yaml:"proxy_url"`
	Concurrency    int               `yaml:"concurrency"`
	PerDomainDelay Duration          `yaml:"per_domain_delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig caps requests per host within a window.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	Overrides []string `yaml:"overrides"`
}

// RenderingConfig enables headless-browser rendering for script-heavy
// pages.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Engine             string   `yaml:"engine"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	DisableHeadless    bool     `yaml:"disable_headless"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
}

// JournalConfig points at an optional Postgres journal recording saved
// files.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig selects handler format and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible crawl defaults; the site
// section still has to be filled in.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			UserAgent:      "media-query/1.0",
			RequestTimeout: DurationFrom(15 * time.Second),
			MaxBodyBytes:   32 * 1024 * 1024,
			Concurrency:    4,
			PerDomainDelay: DurationFrom(500 * time.Millisecond),
		},
		Robots: RobotsConfig{
			Respect:  true,
			CacheTTL: DurationFrom(30 * time.Minute),
		},
		Rendering: RenderingConfig{
			Engine:             "chromedp",
			Timeout:            DurationFrom(60 * time.Second),
			ConcurrentSessions: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that can fail before any crawling begins.
func (c *Config) Validate() error {
	if c.Site.StartURL == "" {
		return fmt.Errorf("site.start_url is required")
	}
	if c.Site.SaveDir == "" {
		return fmt.Errorf("site.save_dir is required")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be positive")
	}
	if c.Site.Login != nil && c.Site.Login.URL == "" {
		return fmt.Errorf("site.login.url is required when login is set")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Definition converts the site section into the structure package's input.
// YAML mappings and sequences arrive as map[string]any and []any, which the
// structure parser consumes directly.
func (c *SiteConfig) Definition() structure.Definition {
	def := structure.Definition{
		StartURL:  c.StartURL,
		SaveDir:   c.SaveDir,
		IgnoreURL: c.IgnoreURL,
		Structure: c.Structure,
	}
	if c.Login != nil {
		def.Login = &structure.Login{URL: c.Login.URL, FormData: c.Login.FormData}
	}
	return def
}
