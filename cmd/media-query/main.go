package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amachang/media-query/internal/config"
	"github.com/amachang/media-query/internal/crawler"
	"github.com/amachang/media-query/internal/structure"
)

func main() {
	cfgPath := flag.String("site-config", "site.yaml", "Path to site configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	checkURL := flag.String("check-url", "", "Print command candidates for a URL instead of crawling")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := crawler.BuildLogger(cfg.Logging, *verbose)

	engine, err := crawler.NewEngine(*cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}

	if *checkURL != "" {
		if err := printCandidates(engine.Site(), *checkURL); err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "crawler stopped with error: %v\n", err)
		os.Exit(1)
	}
}

func printCandidates(site *structure.Site, rawURL string) error {
	candidates, err := site.SimulatedCommandCandidatesForURL(rawURL)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Printf("no structure node matches %s\n", rawURL)
		return nil
	}
	for _, c := range candidates {
		fmt.Printf("path %v  matcher %s\n", c.StructurePath, c.RuleSource)
		switch cmd := c.Command.(type) {
		case structure.RequestURLCommand:
			fmt.Printf("  would request %s (file path so far: %q)\n", cmd.URL, cmd.Info.FilePath)
		case structure.DownloadURLCommand:
			fmt.Printf("  would download %s -> %s\n", cmd.URL, cmd.FilePath)
		case structure.SaveFileContentCommand:
			fmt.Printf("  would save %d bytes -> %s\n", len(cmd.FileContent), cmd.FilePath)
		}
	}
	return nil
}
