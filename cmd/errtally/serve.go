package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/errtally/internal/duckdb"
	"github.com/tinytelemetry/errtally/internal/httpserver"
	"github.com/tinytelemetry/errtally/internal/logsource"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Collect error logs and reconcile the group table on a schedule",
		Long: `serve accepts error messages over TCP, OTLP/gRPC, the HTTP API and piped
stdin, queues them in the DuckDB inbox and runs the pipeline every
run-interval. Logs go to $HOME/.local/state/errtally/errtally.log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(c.cfg)
		},
	}
}

// runServer starts the feeders, the HTTP API and the run loop.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	runner, err := b.newRunner()
	if err != nil {
		return err
	}
	jobs, err := enrichmentJobs(cfg)
	if err != nil {
		return err
	}

	// Batch inbox writes from all feeders
	insertBuffer := duckdb.NewInboxBuffer(b.store, duckdb.InboxBufferConfig{
		BatchSize:      cfg.InsertBatchSize,
		FlushInterval:  cfg.InsertFlushInterval,
		FlushQueueSize: cfg.InsertFlushQueue,
	})
	defer insertBuffer.Stop()

	// Purge consumed inbox rows
	retentionCleaner := duckdb.NewRetentionCleaner(b.store, duckdb.RetentionConfig{
		RetentionDays: cfg.InboxRetentionDays,
	})
	if retentionCleaner != nil {
		defer retentionCleaner.Stop()
	}

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Groups:     b.groups,
			Runner:     runner,
			Stats:      b.store,
			Inbox:      b.store,
			DigestLink: cfg.DigestLink,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	minSeverity, _ := cfg.otlpMinSeverity()
	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled:      cfg.TCPEnabled,
		TCPAddr:         cfg.TCPAddr,
		OTLPEnabled:     cfg.OTLPEnabled,
		OTLPAddr:        cfg.OTLPAddr,
		OTLPMinSeverity: minSeverity,
		StdinParagraphs: cfg.StdinParagraphs,
	})

	sources := make([]NamedLogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			log.Printf("Error initializing input plugin %q: %v", plugin.Name(), err)
			continue
		}
		sources = append(sources, src)
	}

	mux := NewSourceMultiplexer(ctx, sources, cfg.MuxBufferSize)
	mux.Start()

	printStartupBanner(cfg, mux.SourceNames(), jobNames(jobs))

	g, gctx := errgroup.WithContext(ctx)

	if mux.HasSources() {
		g.Go(func() error {
			logsource.Pump(mux, insertBuffer)
			return nil
		})
	}

	g.Go(func() error {
		return runner.Every(gctx, cfg.RunInterval)
	})

	if cfg.EnrichInterval > 0 && len(jobs) > 0 {
		g.Go(func() error {
			enrichEvery(gctx, runner, b.groups, jobs, cfg.EnrichInterval)
			return nil
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	mux.Stop()

	signal.Stop(sigCh)

	return nil
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "errtally")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "errtally.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyanStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func printStartupBanner(cfg appConfig, sources, jobs []string) {
	check := greenStyle.Render("●")
	dot := dimStyle.Render("●")

	logo := cyanStyle.Bold(true).Render(`
    ╔═╗╦═╗╦═╗╔╦╗╔═╗╦  ╦  ╦ ╦
    ║╣ ╠╦╝╠╦╝ ║ ╠═╣║  ║  ╚╦╝
    ╚═╝╩╚═╩╚═ ╩ ╩ ╩╩═╝╩═╝ ╩ `)

	enabled := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyanStyle.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dimStyle.Render("disabled"))
	}
	has := func(name string) bool {
		for _, s := range sources {
			if s == name {
				return true
			}
		}
		return false
	}

	var lines []string
	lines = append(lines, "", logo, "    "+dimStyle.Render("v"+version), "")

	separator := dimStyle.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, boldStyle.Render("    Inputs"), "")
	lines = append(lines, enabled(cfg.APIEnabled, "HTTP API", cfg.APIAddr))
	lines = append(lines, enabled(has("tcp"), "TCP Ingest", cfg.TCPAddr))
	lines = append(lines, enabled(has("otlp"), "OTLP/gRPC", cfg.OTLPAddr))
	lines = append(lines, enabled(has("stdin"), "Stdin", "piped"))
	lines = append(lines, "")

	lines = append(lines, boldStyle.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Inbox", dimStyle.Render(shortenPath(cfg.DBPath))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Raw logs", dimStyle.Render(storeLabel(cfg, cfg.RawStore, cfg.SheetsRawTitle))))
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Groups", dimStyle.Render(storeLabel(cfg, cfg.GroupStore, cfg.SheetsGroupsTitle))))
	lines = append(lines, enabled(cfg.SnapshotDir != "", "Snapshots", shortenPath(cfg.SnapshotDir)))
	lines = append(lines, "")

	lines = append(lines, boldStyle.Render("    Runtime"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Run every", dimStyle.Render(cfg.RunInterval.String())))
	lines = append(lines, enabled(cfg.EnrichInterval > 0 && len(jobs) > 0, "Enrichment", strings.Join(jobs, ", ")+" every "+cfg.EnrichInterval.String()))
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dimStyle.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dimStyle.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dimStyle.Render("Press ")+yellowStyle.Render("Ctrl+C")+dimStyle.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func storeLabel(cfg appConfig, kind, title string) string {
	if kind == storeSheets {
		return fmt.Sprintf("sheet %q of %s", title, cfg.SheetsSpreadsheetID)
	}
	return "duckdb"
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
