package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amachang/media-query/internal/structure"
)

const sampleYAML = `
site:
  start_url: https://example.com/
  save_dir: ./out
  ignore_url: https://example\.com/ads/.*
  structure:
    - url: https://example\.com/
      file_path: root
    - url: https://example\.com/img/(\w+\.jpg)
      file_path: \g<1>
crawl:
  user_agent: test-agent
  request_timeout: 5s
  per_domain_delay: 250ms
  concurrency: 2
robots:
  respect: false
logging:
  format: json
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Site.StartURL != "https://example.com/" {
		t.Fatalf("start_url: %q", cfg.Site.StartURL)
	}
	if cfg.Crawl.UserAgent != "test-agent" {
		t.Fatalf("user_agent: %q", cfg.Crawl.UserAgent)
	}
	if cfg.Crawl.RequestTimeout.Duration != 5*time.Second {
		t.Fatalf("request_timeout: %v", cfg.Crawl.RequestTimeout)
	}
	if cfg.Crawl.PerDomainDelay.Duration != 250*time.Millisecond {
		t.Fatalf("per_domain_delay: %v", cfg.Crawl.PerDomainDelay)
	}
	// unset sections keep their defaults
	if cfg.Crawl.MaxBodyBytes != 32*1024*1024 {
		t.Fatalf("max_body_bytes default lost: %d", cfg.Crawl.MaxBodyBytes)
	}
	if cfg.Robots.Respect {
		t.Fatal("robots.respect should be overridden to false")
	}
	if len(cfg.Site.Structure) != 2 {
		t.Fatalf("structure length: %d", len(cfg.Site.Structure))
	}
}

func TestParsedStructureFeedsSiteDefinition(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	site, err := structure.NewSite(cfg.Site.Definition(), nil)
	if err != nil {
		t.Fatalf("NewSite from parsed yaml: %v", err)
	}
	if site.StartCommand().URL != "https://example.com/" {
		t.Fatalf("start command url wrong: %q", site.StartCommand().URL)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte(`
site:
  start_url: https://example.com/
  save_dir: ./out
  structre: []
`))
	if err == nil || !strings.Contains(err.Error(), "structre") {
		t.Fatalf("unknown field should fail with its name, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing start url", "site:\n  save_dir: ./out\n", "start_url"},
		{"missing save dir", "site:\n  start_url: https://x/\n", "save_dir"},
		{"login without url", "site:\n  start_url: https://x/\n  save_dir: ./out\n  login:\n    formdata:\n      user: u\n", "login.url"},
		{"bad log format", "site:\n  start_url: https://x/\n  save_dir: ./out\nlogging:\n  format: xml\n", "logging.format"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("want error mentioning %q, got %v", c.want, err)
			}
		})
	}
}

func TestLoginScalarForm(t *testing.T) {
	cfg, err := Parse([]byte(`
site:
  start_url: https://x/
  save_dir: ./out
  login: https://x/session/new
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Site.Login == nil || cfg.Site.Login.URL != "https://x/session/new" {
		t.Fatalf("scalar login wrong: %+v", cfg.Site.Login)
	}
	if len(cfg.Site.Login.FormData) != 0 {
		t.Fatalf("scalar login should carry no form data: %+v", cfg.Site.Login.FormData)
	}
}

func TestLoginMappingForm(t *testing.T) {
	cfg, err := Parse([]byte(`
site:
  start_url: https://x/
  save_dir: ./out
  login:
    url: https://x/session
    formdata:
      user: alice
      password: secret
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	login := cfg.Site.Login
	if login == nil || login.URL != "https://x/session" {
		t.Fatalf("mapping login wrong: %+v", login)
	}
	if login.FormData["user"] != "alice" || login.FormData["password"] != "secret" {
		t.Fatalf("form data wrong: %+v", login.FormData)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Site.SaveDir != "./out" {
		t.Fatalf("save_dir: %q", cfg.Site.SaveDir)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestDurationForms(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte("1m30s"), &d); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("string form: %v, %v", d, err)
	}
	if err := yaml.Unmarshal([]byte("2.5"), &d); err != nil || d.Duration != 2500*time.Millisecond {
		t.Fatalf("float form: %v, %v", d, err)
	}
	if err := yaml.Unmarshal([]byte("nonsense"), &d); err == nil {
		t.Fatal("garbage duration should fail")
	}

	cfg, err := Parse([]byte(`
site:
  start_url: https://x/
  save_dir: ./out
crawl:
  request_timeout: 30
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Crawl.RequestTimeout.Duration != 30*time.Second {
		t.Fatalf("numeric seconds form: %v", cfg.Crawl.RequestTimeout)
	}
}
